package jobspec

import (
	"time"

	"github.com/zclconf/go-cty/cty"
)

// Spec is the decoded form of a forecasting job file. One file describes one
// job end to end: where it runs, what data it trains on, and how the model
// search and the evaluation are configured.
type Spec struct {
	Workspace  *Workspace  `hcl:"workspace,block"`
	Compute    *Compute    `hcl:"compute,block"`
	Dataset    *Dataset    `hcl:"dataset,block"`
	Task       *Task       `hcl:"task,block"`
	Forecast   *Forecast   `hcl:"forecast,block"`
	Evaluation *Evaluation `hcl:"evaluation,block"`
}

// Workspace names the platform workspace the job is submitted to.
type Workspace struct {
	Name          string `hcl:"name,label"`
	ResourceGroup string `hcl:"resource_group"`
	Subscription  string `hcl:"subscription,optional"`
}

// Compute describes the remote cluster the model search runs on. The cluster
// is created when it does not exist yet and reused otherwise.
type Compute struct {
	Name        string `hcl:"name,label"`
	VMSize      string `hcl:"vm_size"`
	MinNodes    int    `hcl:"min_nodes,optional"`
	MaxNodes    int    `hcl:"max_nodes"`
	IdleSeconds int    `hcl:"idle_seconds,optional"`
}

// Dataset points at the source CSV and names the columns the platform needs
// to treat specially. DropColumns lists covariates that must not reach the
// model, typically leakage columns that restate the target.
type Dataset struct {
	Name         string   `hcl:"name,label"`
	SourcePath   string   `hcl:"source_path"`
	TimeColumn   string   `hcl:"time_column"`
	TargetColumn string   `hcl:"target_column"`
	DropColumns  []string `hcl:"drop_columns,optional"`
	TimeCutoff   string   `hcl:"time_cutoff"`

	cutoff time.Time // populated by Validate
}

// Cutoff returns the parsed train/test boundary. Valid after Validate.
func (d *Dataset) Cutoff() time.Time {
	return d.cutoff
}

// Task configures the model search itself.
type Task struct {
	Type                    string   `hcl:"type"`
	PrimaryMetric           string   `hcl:"primary_metric"`
	BlockedModels           []string `hcl:"blocked_models,optional"`
	TimeoutMinutes          int      `hcl:"timeout_minutes,optional"`
	CrossValidations        int      `hcl:"cross_validations,optional"`
	MaxConcurrentIterations int      `hcl:"max_concurrent_iterations,optional"`
}

// Forecast holds the time-series settings of a forecasting task.
type Forecast struct {
	Horizon            int       `hcl:"horizon"`
	Frequency          string    `hcl:"frequency,optional"`
	TargetLags         cty.Value `hcl:"target_lags,optional"`
	CountryForHolidays string    `hcl:"country_for_holidays,optional"`

	lags     []int // populated by Validate
	autoLags bool
}

// Lags returns the explicit target lags and whether lag selection is left to
// the platform ("auto"). Valid after Validate.
func (f *Forecast) Lags() (lags []int, auto bool) {
	return f.lags, f.autoLags
}

// Evaluation configures the local rolling-origin backtest.
type Evaluation struct {
	Enabled   bool   `hcl:"enabled,optional"`
	OutputDir string `hcl:"output_dir,optional"`
}
