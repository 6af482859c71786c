package app

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"time"

	"github.com/vk/forecastgrid/internal/backtest"
	"github.com/vk/forecastgrid/internal/ctxlog"
	"github.com/vk/forecastgrid/internal/dataset"
	"github.com/vk/forecastgrid/internal/jobspec"
	"github.com/vk/forecastgrid/internal/metrics"
	"github.com/vk/forecastgrid/internal/platform"
	"github.com/vk/forecastgrid/internal/report"
	"github.com/vk/forecastgrid/internal/runwatch"
)

// pipelineState accumulates what each stage produces for the ones after it.
type pipelineState struct {
	workspace  *platform.Workspace
	cluster    *platform.ComputeCluster
	datasetRef *platform.DatasetRef
	test       *dataset.Table // held-out rows, leakage columns dropped
	parentRun  *platform.Run
	bestRun    *platform.Run
	features   []string
}

// Run executes the forecasting workflow end to end: resolve the workspace,
// ensure compute, register the dataset, submit the model search, wait for
// it, pick the best model, and evaluate it with a rolling-origin backtest.
func (a *App) Run(ctx context.Context) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)

	if a.config.HealthcheckPort > 0 {
		a.startHealthcheckServer(a.config.HealthcheckPort)
		defer a.closeHealthcheckServer()
	}

	state := &pipelineState{}
	stages := []struct {
		name string
		fn   func(context.Context, *pipelineState) error
	}{
		{"resolve-workspace", a.resolveWorkspace},
		{"ensure-compute", a.ensureCompute},
		{"prepare-dataset", a.prepareDataset},
		{"submit-job", a.submitJob},
		{"await-model-search", a.awaitModelSearch},
		{"select-best-model", a.selectBestModel},
		{"inspect-featurization", a.inspectFeaturization},
		{"evaluate", a.evaluate},
	}

	for _, stage := range stages {
		started := time.Now()
		a.logger.Info("Stage starting.", "stage", stage.name)
		if err := stage.fn(ctx, state); err != nil {
			return fmt.Errorf("stage %s: %w", stage.name, err)
		}
		a.logger.Info("Stage finished.", "stage", stage.name, "elapsed", time.Since(started).Round(time.Millisecond))
	}

	a.logger.Info("🏁 Job finished.", "experiment", a.config.Experiment, "best_run", state.bestRun.ID)
	return nil
}

func (a *App) resolveWorkspace(ctx context.Context, state *pipelineState) error {
	ws, err := a.client.GetWorkspace(ctx, a.spec.Workspace.Name, a.spec.Workspace.ResourceGroup)
	if err != nil {
		return err
	}
	state.workspace = ws
	return nil
}

func (a *App) ensureCompute(ctx context.Context, state *pipelineState) error {
	c := a.spec.Compute
	cluster, err := a.client.EnsureCompute(ctx, state.workspace.ID, &platform.ComputeCluster{
		Name:        c.Name,
		VMSize:      c.VMSize,
		MinNodes:    c.MinNodes,
		MaxNodes:    c.MaxNodes,
		IdleSeconds: c.IdleSeconds,
	})
	if err != nil {
		return err
	}
	state.cluster = cluster
	return nil
}

// prepareDataset uploads the raw CSV, registers it as a time-indexed tabular
// dataset, and builds the local held-out slice used later by the backtest.
// The platform drops the leakage columns during featurization; the local
// copy drops them here so scoring windows match what the model sees.
func (a *App) prepareDataset(ctx context.Context, state *pipelineState) error {
	logger := ctxlog.FromContext(ctx)
	d := a.spec.Dataset

	table, err := dataset.LoadCSV(d.SourcePath, d.TimeColumn, d.TargetColumn)
	if err != nil {
		return err
	}
	logger.Info("Source data loaded.", "rows", table.Len(), "columns", len(table.Columns))

	trimmed, err := table.DropColumns(d.DropColumns)
	if err != nil {
		return err
	}
	_, test, err := trimmed.SplitAt(d.Cutoff())
	if err != nil {
		return err
	}
	state.test = test
	logger.Info("Train/test split computed.", "cutoff", d.TimeCutoff,
		"train_rows", trimmed.Len()-test.Len(), "test_rows", test.Len())

	ds := a.profile.Datastore
	if ds.Endpoint == "" {
		return fmt.Errorf("profile has no datastore configured; dataset upload requires one")
	}
	store, err := platform.NewDatastore(ds.Endpoint, ds.AccessKey, ds.SecretKey, ds.Bucket, ds.UseSSL)
	if err != nil {
		return err
	}
	objectName := path.Join("datasets", d.Name, path.Base(d.SourcePath))
	uri, err := store.Upload(ctx, d.SourcePath, objectName)
	if err != nil {
		return err
	}

	ref, err := a.client.RegisterDataset(ctx, state.workspace.ID, &platform.DatasetRequest{
		Name:         d.Name,
		URI:          uri,
		TimeColumn:   d.TimeColumn,
		TargetColumn: d.TargetColumn,
	})
	if err != nil {
		return err
	}
	state.datasetRef = ref
	return nil
}

func (a *App) submitJob(ctx context.Context, state *pipelineState) error {
	spec := a.spec
	lags, autoLags := spec.Forecast.Lags()

	job := &platform.ForecastJob{
		TaskType:                jobspec.TaskForecasting,
		PrimaryMetric:           spec.Task.PrimaryMetric,
		BlockedModels:           spec.Task.BlockedModels,
		TimeoutMinutes:          spec.Task.TimeoutMinutes,
		CrossValidations:        spec.Task.CrossValidations,
		MaxConcurrentIterations: spec.Task.MaxConcurrentIterations,
		ComputeName:             state.cluster.Name,
		DatasetID:               state.datasetRef.ID,
		TimeColumn:              spec.Dataset.TimeColumn,
		TargetColumn:            spec.Dataset.TargetColumn,
		DropColumns:             spec.Dataset.DropColumns,
		TrainEndTime:            spec.Dataset.Cutoff().Format(time.RFC3339),
		Horizon:                 spec.Forecast.Horizon,
		Frequency:               spec.Forecast.Frequency,
		TargetLags:              lags,
		AutoTargetLags:          autoLags,
		CountryForHolidays:      spec.Forecast.CountryForHolidays,
	}

	ref, err := a.client.SubmitJob(ctx, state.workspace.ID, a.config.Experiment, job)
	if err != nil {
		return err
	}
	state.parentRun = &platform.Run{ID: ref.ID}
	return nil
}

func (a *App) awaitModelSearch(ctx context.Context, state *pipelineState) error {
	runID := state.parentRun.ID

	// The platform enforces timeout_minutes on its side; the local deadline
	// adds headroom for queueing and scale-up so a hung run cannot stall the
	// pipeline forever.
	deadline := time.Duration(a.spec.Task.TimeoutMinutes)*time.Minute + 10*time.Minute

	watcher := runwatch.New(a.profile.API.EventEndpoint, runID, a.client.PollInterval, deadline,
		func(ctx context.Context) (*platform.Run, error) {
			return a.client.GetRun(ctx, state.workspace.ID, runID)
		})

	run, err := watcher.Wait(ctx)
	if err != nil {
		return err
	}
	state.parentRun = run
	return nil
}

func (a *App) selectBestModel(ctx context.Context, state *pipelineState) error {
	best, err := a.client.BestChildRun(ctx, state.workspace.ID, state.parentRun.ID,
		a.spec.Task.PrimaryMetric, a.spec.Task.MetricLowerIsBetter())
	if err != nil {
		return err
	}
	if best.ModelID == "" {
		return fmt.Errorf("best run %s has no registered model", best.ID)
	}
	state.bestRun = best
	return nil
}

func (a *App) inspectFeaturization(ctx context.Context, state *pipelineState) error {
	logger := ctxlog.FromContext(ctx)

	names, err := a.client.GetEngineeredFeatureNames(ctx, state.workspace.ID, state.bestRun.ID)
	if err != nil {
		return err
	}
	state.features = names
	logger.Info("Engineered features fetched.", "count", len(names))

	summary, err := a.client.GetFeaturizationSummary(ctx, state.workspace.ID, state.bestRun.ID)
	if err != nil {
		return err
	}
	for _, col := range summary {
		logger.Info("Featurization.", "raw_feature", col.RawFeature, "type", col.TypeDetected,
			"dropped", col.Dropped, "engineered", col.EngineeredCount)
	}
	return nil
}

func (a *App) evaluate(ctx context.Context, state *pipelineState) error {
	logger := ctxlog.FromContext(ctx)

	if !a.spec.Evaluation.Enabled {
		logger.Info("Evaluation disabled in job spec, skipping.")
		return nil
	}

	scorer := &backtest.RemoteScorer{
		Client:      a.client,
		WorkspaceID: state.workspace.ID,
		ModelID:     state.bestRun.ModelID,
		ComputeName: state.cluster.Name,
	}
	evaluator := backtest.New(scorer, a.spec.Forecast.Horizon, a.config.WorkerCount)

	predictions, err := evaluator.Run(ctx, state.test)
	if err != nil {
		return err
	}

	actual := make([]float64, len(predictions))
	predicted := make([]float64, len(predictions))
	steps := make([]int, len(predictions))
	for i, p := range predictions {
		actual[i], predicted[i], steps[i] = p.Actual, p.Predicted, p.HorizonOrigin
	}

	overall, err := metrics.Evaluate(actual, predicted)
	if err != nil {
		return err
	}
	buckets, err := metrics.ByHorizon(actual, predicted, steps)
	if err != nil {
		return err
	}
	logger.Info("Backtest metrics computed.", "rows", overall.N,
		"mape", overall.MAPE, "rmse", overall.RMSE, "mae", overall.MAE)

	csvPath, err := report.Write(a.spec.Evaluation.OutputDir, report.Meta{
		Experiment:    a.config.Experiment,
		RunID:         state.bestRun.ID,
		Algorithm:     state.bestRun.Algorithm,
		PrimaryMetric: a.spec.Task.PrimaryMetric,
		MetricValue:   state.bestRun.Metrics[a.spec.Task.PrimaryMetric],
		Horizon:       a.spec.Forecast.Horizon,
		FeatureCount:  len(state.features),
	}, predictions, overall, buckets)
	if err != nil {
		return err
	}

	// Keep the exact rows that were scored next to the report, so the
	// evaluation can be reproduced against the same model later.
	holdoutPath := filepath.Join(a.spec.Evaluation.OutputDir, "holdout.csv")
	if err := state.test.SaveCSV(holdoutPath); err != nil {
		return fmt.Errorf("failed to save held-out rows: %w", err)
	}

	logger.Info("Evaluation report written.", "predictions", csvPath, "holdout", holdoutPath)
	return nil
}
