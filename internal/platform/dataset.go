package platform

import (
	"context"
	"fmt"
	"net/url"

	"github.com/vk/forecastgrid/internal/ctxlog"
)

// DatasetRequest registers an uploaded blob as a time-indexed tabular
// dataset.
type DatasetRequest struct {
	Name         string `json:"name"`
	URI          string `json:"uri"`
	TimeColumn   string `json:"time_column"`
	TargetColumn string `json:"target_column"`
}

// DatasetRef identifies a registered dataset version.
type DatasetRef struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Version int    `json:"version"`
	Rows    int    `json:"rows"`
}

// RegisterDataset registers the dataset with the workspace so remote jobs can
// mount it by reference. Registering the same name again creates a new
// version.
func (c *Client) RegisterDataset(ctx context.Context, workspaceID string, req *DatasetRequest) (*DatasetRef, error) {
	logger := ctxlog.FromContext(ctx)

	ref := &DatasetRef{}
	path := fmt.Sprintf("/workspaces/%s/datasets", url.PathEscape(workspaceID))
	if err := c.do(ctx, "POST", path, req, ref); err != nil {
		return nil, fmt.Errorf("failed to register dataset %q: %w", req.Name, err)
	}
	logger.Info("Dataset registered.", "dataset", ref.Name, "version", ref.Version, "rows", ref.Rows)
	return ref, nil
}
