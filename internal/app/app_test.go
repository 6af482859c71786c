package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/forecastgrid/internal/platform"
)

func TestNewConfigValidation(t *testing.T) {
	_, err := NewConfig(Config{WorkerCount: 1})
	assert.ErrorContains(t, err, "JobPath")

	_, err = NewConfig(Config{JobPath: "job.hcl", WorkerCount: 0})
	assert.ErrorContains(t, err, "workers")

	cfg, err := NewConfig(Config{JobPath: "job.hcl", WorkerCount: 2})
	require.NoError(t, err)
	assert.Equal(t, "job.hcl", cfg.JobPath)
}

// fakePlatform stands in for the whole managed service: workspace, compute,
// datastore, run submission, scoring, and artifacts.
type fakePlatform struct {
	mux         *http.ServeMux
	scoringIDs  atomic.Int32
	parentPolls atomic.Int32
	submitted   *platform.ForecastJob

	mu         sync.Mutex
	windowRows map[string]int // scoring run id -> rows in its window
}

func newFakePlatform(t *testing.T) *fakePlatform {
	t.Helper()
	f := &fakePlatform{mux: http.NewServeMux(), windowRows: map[string]int{}}

	f.mux.HandleFunc("GET /workspaces/bike-demo", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(platform.Workspace{ID: "ws-1", Name: "bike-demo", Region: "westeurope"})
	})
	f.mux.HandleFunc("GET /workspaces/ws-1/computes/cpu-cluster", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(platform.ComputeCluster{Name: "cpu-cluster", ProvisioningState: platform.ProvisioningSucceeded})
	})
	// The S3-compatible datastore: bucket-location probe and object upload.
	f.mux.HandleFunc("GET /workspace-data/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		fmt.Fprint(w, `<LocationConstraint xmlns="http://s3.amazonaws.com/doc/2006-03-01/">us-east-1</LocationConstraint>`)
	})
	f.mux.HandleFunc("PUT /workspace-data/", func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		w.Header().Set("ETag", `"fake"`)
		w.WriteHeader(http.StatusOK)
	})
	f.mux.HandleFunc("POST /workspaces/ws-1/datasets", func(w http.ResponseWriter, r *http.Request) {
		var req platform.DatasetRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Contains(t, req.URI, "datastore://workspace-data/")
		json.NewEncoder(w).Encode(platform.DatasetRef{ID: "ds-1", Name: req.Name, Version: 1, Rows: 10})
	})
	f.mux.HandleFunc("POST /workspaces/ws-1/experiments/bike-share/runs", func(w http.ResponseWriter, r *http.Request) {
		f.submitted = &platform.ForecastJob{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(f.submitted))
		json.NewEncoder(w).Encode(platform.RunRef{ID: "parent-1"})
	})
	f.mux.HandleFunc("GET /workspaces/ws-1/runs/parent-1", func(w http.ResponseWriter, r *http.Request) {
		status := platform.StatusRunning
		if f.parentPolls.Add(1) > 1 {
			status = platform.StatusCompleted
		}
		json.NewEncoder(w).Encode(platform.Run{ID: "parent-1", Status: status})
	})
	f.mux.HandleFunc("GET /workspaces/ws-1/runs/parent-1/children", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string][]*platform.Run{"runs": {
			{ID: "child-1", Status: platform.StatusCompleted, Algorithm: "Prophet", ModelID: "model-1",
				Metrics: map[string]float64{"normalized_root_mean_squared_error": 0.12}},
			{ID: "child-2", Status: platform.StatusCompleted, Algorithm: "LightGBM", ModelID: "model-2",
				Metrics: map[string]float64{"normalized_root_mean_squared_error": 0.07}},
		}})
	})
	f.mux.HandleFunc("GET /workspaces/ws-1/runs/child-2/engineered-features", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string][]string{"names": {"temp", "date_year", "date_dayofweek", "_automl_target_lag_1"}})
	})
	f.mux.HandleFunc("GET /workspaces/ws-1/runs/child-2/featurization", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string][]platform.FeaturizationSummary{"summary": {
			{RawFeature: "temp", TypeDetected: "Numeric", EngineeredCount: 1},
			{RawFeature: "casual", TypeDetected: "Numeric", Dropped: true},
		}})
	})
	f.mux.HandleFunc("POST /workspaces/ws-1/scoring-runs", func(w http.ResponseWriter, r *http.Request) {
		var req platform.ScoringRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "model-2", req.ModelID)
		id := fmt.Sprintf("score-%d", f.scoringIDs.Add(1))
		f.mu.Lock()
		f.windowRows[id] = strings.Count(strings.TrimSpace(req.WindowCSV), "\n") // data rows
		f.mu.Unlock()
		json.NewEncoder(w).Encode(platform.RunRef{ID: id})
	})
	f.mux.HandleFunc("GET /workspaces/ws-1/runs/{id}", func(w http.ResponseWriter, r *http.Request) {
		// Scoring runs complete immediately; parent-1 has its own route.
		json.NewEncoder(w).Encode(platform.Run{ID: r.PathValue("id"), Status: platform.StatusCompleted})
	})
	f.mux.HandleFunc("GET /workspaces/ws-1/runs/{id}/artifacts/predictions.csv", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		rows := f.windowRows[r.PathValue("id")]
		f.mu.Unlock()
		fmt.Fprintln(w, "time,predicted")
		for i := 0; i < rows; i++ {
			fmt.Fprintf(w, "2012-09-0%d,%d\n", i+1, 100+i)
		}
	})
	return f
}

func writeJobFixture(t *testing.T, dir, dataPath, outDir string) string {
	t.Helper()
	job := fmt.Sprintf(`
workspace "bike-demo" {
  resource_group = "forecasting-rg"
}

compute "cpu-cluster" {
  vm_size   = "STANDARD_D4"
  max_nodes = 4
}

dataset "bike-share" {
  source_path   = %q
  time_column   = "date"
  target_column = "cnt"
  drop_columns  = ["casual", "registered"]
  time_cutoff   = "2012-09-06"
}

task {
  type           = "forecasting"
  primary_metric = "normalized_root_mean_squared_error"
  blocked_models = ["ExtremeRandomTrees"]
}

forecast {
  horizon              = 2
  country_for_holidays = "US"
}

evaluation {
  enabled    = true
  output_dir = %q
}
`, dataPath, outDir)

	jobPath := filepath.Join(dir, "job.hcl")
	require.NoError(t, os.WriteFile(jobPath, []byte(job), 0o644))
	return jobPath
}

func writeDataFixture(t *testing.T, dir string) string {
	t.Helper()
	var b strings.Builder
	b.WriteString("date,cnt,temp,casual,registered\n")
	for day := 1; day <= 10; day++ {
		fmt.Fprintf(&b, "2012-09-%02d,%d,%0.1f,%d,%d\n", day, 100+day, 20.0+float64(day), day, 90+day)
	}
	dataPath := filepath.Join(dir, "bike.csv")
	require.NoError(t, os.WriteFile(dataPath, []byte(b.String()), 0o644))
	return dataPath
}

func TestAppRunEndToEnd(t *testing.T) {
	fake := newFakePlatform(t)
	server := httptest.NewServer(fake.mux)
	t.Cleanup(server.Close)

	dir := t.TempDir()
	outDir := filepath.Join(dir, "out")
	dataPath := writeDataFixture(t, dir)
	jobPath := writeJobFixture(t, dir, dataPath, outDir)

	t.Setenv("FG_API__ENDPOINT", server.URL)
	t.Setenv("FG_API__TOKEN", "test-token")
	t.Setenv("FG_DATASTORE__ENDPOINT", strings.TrimPrefix(server.URL, "http://"))
	t.Setenv("FG_DATASTORE__BUCKET", "workspace-data")
	t.Setenv("FG_DATASTORE__ACCESS_KEY", "ak")
	t.Setenv("FG_DATASTORE__SECRET_KEY", "sk")

	cfg, err := NewConfig(Config{
		JobPath:     jobPath,
		LogFormat:   "text",
		LogLevel:    slog.LevelError,
		WorkerCount: 2,
	})
	require.NoError(t, err)

	a := NewApp(io.Discard, cfg)
	a.Client().PollInterval = time.Millisecond
	a.Client().RetryBackoff = time.Millisecond

	require.NoError(t, a.Run(context.Background()))

	// The submitted payload carries the job spec faithfully.
	require.NotNil(t, fake.submitted)
	assert.Equal(t, "forecasting", fake.submitted.TaskType)
	assert.Equal(t, 2, fake.submitted.Horizon)
	assert.True(t, fake.submitted.AutoTargetLags)
	assert.Equal(t, []string{"casual", "registered"}, fake.submitted.DropColumns)
	assert.Equal(t, "ds-1", fake.submitted.DatasetID)
	assert.Equal(t, "US", fake.submitted.CountryForHolidays)

	// 4 test rows / horizon 2 -> two scoring runs.
	assert.EqualValues(t, 2, fake.scoringIDs.Load())

	// The report landed on disk.
	data, err := os.ReadFile(filepath.Join(outDir, "predictions.csv"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	assert.Len(t, lines, 5) // header + 4 held-out rows

	summary, err := os.ReadFile(filepath.Join(outDir, "summary.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(summary), "LightGBM")

	// The scored held-out rows are persisted alongside the report, with the
	// leakage columns already gone.
	holdout, err := os.ReadFile(filepath.Join(outDir, "holdout.csv"))
	require.NoError(t, err)
	holdoutLines := strings.Split(strings.TrimSpace(string(holdout)), "\n")
	assert.Len(t, holdoutLines, 5)
	assert.Equal(t, "date,cnt,temp", holdoutLines[0])
}

func TestHealthHandler(t *testing.T) {
	a := &App{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}

	rec := httptest.NewRecorder()
	a.healthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK\n", rec.Body.String())
}

func TestAppExperimentDefaultsToDataset(t *testing.T) {
	fake := newFakePlatform(t)
	server := httptest.NewServer(fake.mux)
	t.Cleanup(server.Close)

	dir := t.TempDir()
	dataPath := writeDataFixture(t, dir)
	jobPath := writeJobFixture(t, dir, dataPath, filepath.Join(dir, "out"))

	t.Setenv("FG_API__ENDPOINT", server.URL)
	t.Setenv("FG_API__TOKEN", "test-token")

	cfg, err := NewConfig(Config{JobPath: jobPath, LogLevel: slog.LevelError, WorkerCount: 1})
	require.NoError(t, err)

	a := NewApp(io.Discard, cfg)
	assert.Equal(t, "bike-share", a.config.Experiment)
	assert.Equal(t, "bike-share", a.Spec().Dataset.Name)
}

func TestNewAppPanicsOnBadProfile(t *testing.T) {
	t.Setenv("FG_API__ENDPOINT", "")
	t.Setenv("FG_API__TOKEN", "")

	cfg, err := NewConfig(Config{JobPath: "job.hcl", WorkerCount: 1})
	require.NoError(t, err)

	assert.Panics(t, func() { NewApp(io.Discard, cfg) })
}
