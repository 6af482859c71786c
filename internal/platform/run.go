package platform

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/vk/forecastgrid/internal/ctxlog"
)

// Run statuses reported by the platform.
const (
	StatusNotStarted = "NotStarted"
	StatusRunning    = "Running"
	StatusCompleted  = "Completed"
	StatusFailed     = "Failed"
	StatusCanceled   = "Canceled"
)

// IsTerminalStatus reports whether a run status is final.
func IsTerminalStatus(status string) bool {
	return status == StatusCompleted || status == StatusFailed || status == StatusCanceled
}

// Run is the state of a submitted run.
type Run struct {
	ID        string             `json:"id"`
	ParentID  string             `json:"parent_id,omitempty"`
	Status    string             `json:"status"`
	Algorithm string             `json:"algorithm,omitempty"`
	ModelID   string             `json:"model_id,omitempty"`
	Metrics   map[string]float64 `json:"metrics,omitempty"`
	Error     string             `json:"error,omitempty"`
}

// GetRun fetches the current state of a run.
func (c *Client) GetRun(ctx context.Context, workspaceID, runID string) (*Run, error) {
	run := &Run{}
	path := fmt.Sprintf("/workspaces/%s/runs/%s", url.PathEscape(workspaceID), url.PathEscape(runID))
	if err := c.do(ctx, "GET", path, nil, run); err != nil {
		return nil, fmt.Errorf("failed to fetch run %s: %w", runID, err)
	}
	return run, nil
}

// WaitForRun polls until the run reaches a terminal status. A Completed run
// is returned; Failed and Canceled are errors.
func (c *Client) WaitForRun(ctx context.Context, workspaceID, runID string) (*Run, error) {
	logger := ctxlog.FromContext(ctx).With("run_id", runID)

	lastStatus := ""
	for {
		run, err := c.GetRun(ctx, workspaceID, runID)
		if err != nil {
			return nil, err
		}
		if run.Status != lastStatus {
			logger.Info("Run status changed.", "status", run.Status)
			lastStatus = run.Status
		}
		if IsTerminalStatus(run.Status) {
			if run.Status != StatusCompleted {
				return nil, fmt.Errorf("run %s ended %s: %s", runID, run.Status, run.Error)
			}
			return run, nil
		}

		select {
		case <-time.After(c.PollInterval):
		case <-ctx.Done():
			return nil, fmt.Errorf("cancelled while waiting for run %s: %w", runID, ctx.Err())
		}
	}
}

// ListChildRuns returns the child runs of a parent, one per model iteration.
func (c *Client) ListChildRuns(ctx context.Context, workspaceID, parentID string) ([]*Run, error) {
	var out struct {
		Runs []*Run `json:"runs"`
	}
	path := fmt.Sprintf("/workspaces/%s/runs/%s/children", url.PathEscape(workspaceID), url.PathEscape(parentID))
	if err := c.do(ctx, "GET", path, nil, &out); err != nil {
		return nil, fmt.Errorf("failed to list child runs of %s: %w", parentID, err)
	}
	return out.Runs, nil
}

// BestChildRun picks the completed child run with the best primary-metric
// value. lowerIsBetter encodes the metric's optimization direction.
func (c *Client) BestChildRun(ctx context.Context, workspaceID, parentID, metric string, lowerIsBetter bool) (*Run, error) {
	logger := ctxlog.FromContext(ctx)

	children, err := c.ListChildRuns(ctx, workspaceID, parentID)
	if err != nil {
		return nil, err
	}

	var best *Run
	for _, child := range children {
		if child.Status != StatusCompleted {
			continue
		}
		value, ok := child.Metrics[metric]
		if !ok {
			continue
		}
		if best == nil {
			best = child
			continue
		}
		if (lowerIsBetter && value < best.Metrics[metric]) ||
			(!lowerIsBetter && value > best.Metrics[metric]) {
			best = child
		}
	}
	if best == nil {
		return nil, fmt.Errorf("no completed child run of %s reports metric %q", parentID, metric)
	}

	logger.Info("Best model selected.", "run_id", best.ID, "algorithm", best.Algorithm,
		"metric", metric, "value", best.Metrics[metric])
	return best, nil
}

// FeaturizationSummary describes what the platform did to one input column.
type FeaturizationSummary struct {
	RawFeature      string   `json:"raw_feature"`
	TypeDetected    string   `json:"type_detected"`
	Dropped         bool     `json:"dropped"`
	EngineeredCount int      `json:"engineered_feature_count"`
	Transformations []string `json:"transformations"`
}

// GetEngineeredFeatureNames returns the names of the features the winning
// pipeline actually trained on.
func (c *Client) GetEngineeredFeatureNames(ctx context.Context, workspaceID, runID string) ([]string, error) {
	var out struct {
		Names []string `json:"names"`
	}
	path := fmt.Sprintf("/workspaces/%s/runs/%s/engineered-features", url.PathEscape(workspaceID), url.PathEscape(runID))
	if err := c.do(ctx, "GET", path, nil, &out); err != nil {
		return nil, fmt.Errorf("failed to fetch engineered feature names for %s: %w", runID, err)
	}
	return out.Names, nil
}

// GetFeaturizationSummary returns the per-column featurization report of a
// run.
func (c *Client) GetFeaturizationSummary(ctx context.Context, workspaceID, runID string) ([]FeaturizationSummary, error) {
	var out struct {
		Summary []FeaturizationSummary `json:"summary"`
	}
	path := fmt.Sprintf("/workspaces/%s/runs/%s/featurization", url.PathEscape(workspaceID), url.PathEscape(runID))
	if err := c.do(ctx, "GET", path, nil, &out); err != nil {
		return nil, fmt.Errorf("failed to fetch featurization summary for %s: %w", runID, err)
	}
	return out.Summary, nil
}

// ScoringRequest asks the platform to score a trained model over one window
// of held-out rows, shipped inline as CSV.
type ScoringRequest struct {
	ModelID     string `json:"model_id"`
	ComputeName string `json:"compute_name"`
	WindowCSV   string `json:"window_csv"`
	Origin      string `json:"origin"` // timestamp the window starts after
}

// SubmitScoring submits a remote scoring run and returns its handle.
func (c *Client) SubmitScoring(ctx context.Context, workspaceID string, req *ScoringRequest) (*RunRef, error) {
	ref := &RunRef{}
	path := fmt.Sprintf("/workspaces/%s/scoring-runs", url.PathEscape(workspaceID))
	if err := c.do(ctx, "POST", path, req, ref); err != nil {
		return nil, fmt.Errorf("failed to submit scoring run: %w", err)
	}
	return ref, nil
}

// DownloadArtifact streams a run artifact to a local file.
func (c *Client) DownloadArtifact(ctx context.Context, workspaceID, runID, artifact, destPath string) error {
	logger := ctxlog.FromContext(ctx)

	file, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", destPath, err)
	}

	path := fmt.Sprintf("/workspaces/%s/runs/%s/artifacts/%s",
		url.PathEscape(workspaceID), url.PathEscape(runID), url.PathEscape(artifact))
	if err := c.download(ctx, path, file); err != nil {
		file.Close()
		os.Remove(destPath)
		return fmt.Errorf("failed to download artifact %s of run %s: %w", artifact, runID, err)
	}
	logger.Debug("Artifact downloaded.", "run_id", runID, "artifact", artifact, "dest", destPath)
	return file.Close()
}
