package jobspec

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/zclconf/go-cty/cty"

	"github.com/vk/forecastgrid/internal/dataset"
)

// TaskForecasting is the only task type this harness submits.
const TaskForecasting = "forecasting"

// primaryMetrics maps each accepted primary metric to whether lower values
// are better.
var primaryMetrics = map[string]bool{
	"normalized_root_mean_squared_error": true,
	"normalized_mean_absolute_error":     true,
	"r2_score":                           false,
	"spearman_correlation":               false,
}

// knownModels is the set of model family names accepted in blocked_models,
// matching the names the platform's forecasting task recognizes.
var knownModels = map[string]bool{
	"AutoArima": true, "Prophet": true, "Naive": true, "SeasonalNaive": true,
	"Average": true, "SeasonalAverage": true, "ExponentialSmoothing": true,
	"Arimax": true, "TCNForecaster": true, "ElasticNet": true,
	"GradientBoosting": true, "DecisionTree": true, "KNN": true,
	"LassoLars": true, "SGD": true, "RandomForest": true,
	"ExtremeRandomTrees": true, "LightGBM": true, "XGBoostRegressor": true,
}

// MetricLowerIsBetter reports the optimization direction of the task's
// primary metric. Valid after Validate.
func (t *Task) MetricLowerIsBetter() bool {
	return primaryMetrics[t.PrimaryMetric]
}

// Validate checks cross-field consistency, applies defaults, and parses the
// string-typed fields (time cutoff, target lags) into their usable forms.
func (s *Spec) Validate() error {
	var missing []string
	for name, block := range map[string]bool{
		"workspace": s.Workspace != nil,
		"compute":   s.Compute != nil,
		"dataset":   s.Dataset != nil,
		"task":      s.Task != nil,
		"forecast":  s.Forecast != nil,
	} {
		if !block {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("job spec missing required block(s): %s", strings.Join(missing, ", "))
	}

	if err := s.Compute.validate(); err != nil {
		return err
	}
	if err := s.Dataset.validate(); err != nil {
		return err
	}
	if err := s.Task.validate(s.Compute); err != nil {
		return err
	}
	if err := s.Forecast.validate(); err != nil {
		return err
	}

	if s.Evaluation == nil {
		s.Evaluation = &Evaluation{Enabled: true}
	}
	if s.Evaluation.OutputDir == "" {
		s.Evaluation.OutputDir = "out"
	}
	return nil
}

func (c *Compute) validate() error {
	if c.VMSize == "" {
		return errors.New("compute: vm_size is required")
	}
	if c.MaxNodes < 1 {
		return fmt.Errorf("compute: max_nodes must be >= 1, got %d", c.MaxNodes)
	}
	if c.MinNodes < 0 || c.MinNodes > c.MaxNodes {
		return fmt.Errorf("compute: min_nodes %d out of range [0, %d]", c.MinNodes, c.MaxNodes)
	}
	if c.IdleSeconds == 0 {
		c.IdleSeconds = 300
	}
	return nil
}

func (d *Dataset) validate() error {
	if d.SourcePath == "" {
		return errors.New("dataset: source_path is required")
	}
	if d.TimeColumn == "" || d.TargetColumn == "" {
		return errors.New("dataset: time_column and target_column are required")
	}
	cutoff, err := dataset.ParseTime(d.TimeCutoff)
	if err != nil {
		return fmt.Errorf("dataset: bad time_cutoff: %w", err)
	}
	d.cutoff = cutoff
	for _, col := range d.DropColumns {
		if col == d.TimeColumn || col == d.TargetColumn {
			return fmt.Errorf("dataset: drop_columns must not include %q", col)
		}
	}
	return nil
}

func (t *Task) validate(compute *Compute) error {
	if t.Type != TaskForecasting {
		return fmt.Errorf("task: unsupported type %q (only %q)", t.Type, TaskForecasting)
	}
	if _, ok := primaryMetrics[t.PrimaryMetric]; !ok {
		return fmt.Errorf("task: unknown primary_metric %q", t.PrimaryMetric)
	}
	for _, m := range t.BlockedModels {
		if !knownModels[m] {
			return fmt.Errorf("task: unknown blocked model %q", m)
		}
	}
	if t.TimeoutMinutes == 0 {
		t.TimeoutMinutes = 60
	}
	if t.TimeoutMinutes < 0 {
		return fmt.Errorf("task: timeout_minutes must be positive, got %d", t.TimeoutMinutes)
	}
	if t.CrossValidations == 0 {
		t.CrossValidations = 3
	}
	if t.CrossValidations < 2 {
		return fmt.Errorf("task: cross_validations must be >= 2, got %d", t.CrossValidations)
	}
	if t.MaxConcurrentIterations == 0 {
		t.MaxConcurrentIterations = compute.MaxNodes
	}
	if t.MaxConcurrentIterations > compute.MaxNodes {
		return fmt.Errorf("task: max_concurrent_iterations %d exceeds compute max_nodes %d",
			t.MaxConcurrentIterations, compute.MaxNodes)
	}
	return nil
}

func (f *Forecast) validate() error {
	if f.Horizon < 1 {
		return fmt.Errorf("forecast: horizon must be >= 1, got %d", f.Horizon)
	}
	if f.Frequency == "" {
		f.Frequency = "D"
	}

	lags, auto, err := normalizeLags(f.TargetLags)
	if err != nil {
		return fmt.Errorf("forecast: %w", err)
	}
	f.lags, f.autoLags = lags, auto
	return nil
}

// normalizeLags interprets the target_lags attribute: absent or "auto" means
// the platform picks the lags; a number or a list of numbers sets them
// explicitly.
func normalizeLags(v cty.Value) (lags []int, auto bool, err error) {
	if v == cty.NilVal || v.IsNull() {
		return nil, true, nil
	}
	switch {
	case v.Type() == cty.String:
		if v.AsString() != "auto" {
			return nil, false, fmt.Errorf("target_lags string must be \"auto\", got %q", v.AsString())
		}
		return nil, true, nil
	case v.Type() == cty.Number:
		lag, err := lagFromNumber(v)
		if err != nil {
			return nil, false, err
		}
		return []int{lag}, false, nil
	case v.Type().IsTupleType() || v.Type().IsListType():
		it := v.ElementIterator()
		for it.Next() {
			_, elem := it.Element()
			if elem.Type() != cty.Number {
				return nil, false, errors.New("target_lags list must contain only numbers")
			}
			lag, err := lagFromNumber(elem)
			if err != nil {
				return nil, false, err
			}
			lags = append(lags, lag)
		}
		if len(lags) == 0 {
			return nil, false, errors.New("target_lags list must not be empty")
		}
		return lags, false, nil
	default:
		return nil, false, fmt.Errorf("target_lags must be \"auto\", a number, or a list of numbers")
	}
}

func lagFromNumber(v cty.Value) (int, error) {
	f, _ := v.AsBigFloat().Float64()
	if f < 1 || f != math.Trunc(f) {
		return 0, fmt.Errorf("target lag must be a positive integer, got %v", f)
	}
	return int(f), nil
}
