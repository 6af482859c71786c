package platform

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/vk/forecastgrid/internal/ctxlog"
)

// Provisioning states reported for a compute cluster.
const (
	ProvisioningCreating  = "Creating"
	ProvisioningSucceeded = "Succeeded"
	ProvisioningFailed    = "Failed"
)

// ComputeCluster describes a remote cluster the model search runs on.
type ComputeCluster struct {
	Name              string `json:"name"`
	VMSize            string `json:"vm_size"`
	MinNodes          int    `json:"min_nodes"`
	MaxNodes          int    `json:"max_nodes"`
	IdleSeconds       int    `json:"idle_seconds_before_scaledown"`
	ProvisioningState string `json:"provisioning_state"`
}

// GetCompute fetches the named cluster. A missing cluster surfaces as an
// APIError satisfying IsNotFound.
func (c *Client) GetCompute(ctx context.Context, workspaceID, name string) (*ComputeCluster, error) {
	cluster := &ComputeCluster{}
	path := fmt.Sprintf("/workspaces/%s/computes/%s", url.PathEscape(workspaceID), url.PathEscape(name))
	if err := c.do(ctx, "GET", path, nil, cluster); err != nil {
		return nil, err
	}
	return cluster, nil
}

// CreateCompute asks the platform to provision a cluster. Provisioning is
// asynchronous; the returned cluster is typically still Creating.
func (c *Client) CreateCompute(ctx context.Context, workspaceID string, spec *ComputeCluster) (*ComputeCluster, error) {
	cluster := &ComputeCluster{}
	path := fmt.Sprintf("/workspaces/%s/computes", url.PathEscape(workspaceID))
	if err := c.do(ctx, "PUT", path, spec, cluster); err != nil {
		return nil, fmt.Errorf("failed to create compute %q: %w", spec.Name, err)
	}
	return cluster, nil
}

// EnsureCompute reuses the named cluster when it exists and provisions it
// otherwise, then polls until provisioning reaches a terminal state.
func (c *Client) EnsureCompute(ctx context.Context, workspaceID string, spec *ComputeCluster) (*ComputeCluster, error) {
	logger := ctxlog.FromContext(ctx).With("compute", spec.Name)

	cluster, err := c.GetCompute(ctx, workspaceID, spec.Name)
	switch {
	case err == nil:
		logger.Info("Reusing existing compute cluster.", "state", cluster.ProvisioningState)
	case IsNotFound(err):
		logger.Info("Compute cluster not found, provisioning.", "vm_size", spec.VMSize, "max_nodes", spec.MaxNodes)
		cluster, err = c.CreateCompute(ctx, workspaceID, spec)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("failed to look up compute %q: %w", spec.Name, err)
	}

	for cluster.ProvisioningState != ProvisioningSucceeded {
		if cluster.ProvisioningState == ProvisioningFailed {
			return nil, fmt.Errorf("provisioning of compute %q failed", spec.Name)
		}
		logger.Debug("Waiting for compute provisioning.", "state", cluster.ProvisioningState)
		select {
		case <-time.After(c.PollInterval):
		case <-ctx.Done():
			return nil, fmt.Errorf("cancelled while provisioning compute %q: %w", spec.Name, ctx.Err())
		}
		cluster, err = c.GetCompute(ctx, workspaceID, spec.Name)
		if err != nil {
			return nil, fmt.Errorf("failed to poll compute %q: %w", spec.Name, err)
		}
	}

	logger.Info("Compute cluster ready.")
	return cluster, nil
}
