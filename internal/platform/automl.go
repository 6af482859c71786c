package platform

import (
	"context"
	"fmt"
	"net/url"

	"github.com/vk/forecastgrid/internal/ctxlog"
)

// ForecastJob is the submission payload for an automated forecasting model
// search. The platform fans the search out over the compute cluster; nothing
// here runs locally.
type ForecastJob struct {
	TaskType                string   `json:"task_type"`
	PrimaryMetric           string   `json:"primary_metric"`
	BlockedModels           []string `json:"blocked_models,omitempty"`
	TimeoutMinutes          int      `json:"experiment_timeout_minutes"`
	CrossValidations        int      `json:"n_cross_validations"`
	MaxConcurrentIterations int      `json:"max_concurrent_iterations"`

	ComputeName string `json:"compute_name"`
	DatasetID   string `json:"dataset_id"`

	TimeColumn   string   `json:"time_column"`
	TargetColumn string   `json:"target_column"`
	DropColumns  []string `json:"drop_columns,omitempty"`
	// TrainEndTime bounds the training rows; everything after it is held
	// out for the local evaluation.
	TrainEndTime string `json:"train_end_time"`

	Horizon            int    `json:"forecast_horizon"`
	Frequency          string `json:"frequency,omitempty"`
	TargetLags         []int  `json:"target_lags,omitempty"`
	AutoTargetLags     bool   `json:"auto_target_lags"`
	CountryForHolidays string `json:"country_or_region_for_holidays,omitempty"`
}

// RunRef identifies a submitted run.
type RunRef struct {
	ID string `json:"id"`
}

// SubmitJob submits the model search under the named experiment and returns
// the parent run handle.
func (c *Client) SubmitJob(ctx context.Context, workspaceID, experiment string, job *ForecastJob) (*RunRef, error) {
	logger := ctxlog.FromContext(ctx)

	ref := &RunRef{}
	path := fmt.Sprintf("/workspaces/%s/experiments/%s/runs",
		url.PathEscape(workspaceID), url.PathEscape(experiment))
	if err := c.do(ctx, "POST", path, job, ref); err != nil {
		return nil, fmt.Errorf("failed to submit forecasting job: %w", err)
	}
	logger.Info("🚀 Forecasting job submitted.", "run_id", ref.ID, "experiment", experiment)
	return ref, nil
}
