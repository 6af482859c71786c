package platform

import (
	"context"
	"fmt"
	"net/url"

	"github.com/vk/forecastgrid/internal/ctxlog"
)

// Workspace is the platform-side container every other resource hangs off.
type Workspace struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	ResourceGroup string `json:"resource_group"`
	Region        string `json:"region"`
}

// GetWorkspace resolves the workspace handle, verifying reachability and
// authorization in the same call.
func (c *Client) GetWorkspace(ctx context.Context, name, resourceGroup string) (*Workspace, error) {
	logger := ctxlog.FromContext(ctx)

	path := fmt.Sprintf("/workspaces/%s?resource_group=%s",
		url.PathEscape(name), url.QueryEscape(resourceGroup))
	ws := &Workspace{}
	if err := c.do(ctx, "GET", path, nil, ws); err != nil {
		return nil, fmt.Errorf("failed to resolve workspace %q: %w", name, err)
	}
	logger.Info("Workspace resolved.", "workspace", ws.Name, "region", ws.Region)
	return ws, nil
}
