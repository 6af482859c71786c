// Package runwatch waits for a remote run to finish. When the platform
// exposes a socket.io event stream it subscribes to live status events; when
// it does not, or the connection fails, it falls back to interval polling.
// The poller stays authoritative either way: a terminal event is always
// confirmed against the REST API before it is reported.
package runwatch

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/zishang520/engine.io-client-go/transports"
	"github.com/zishang520/engine.io/v2/types"
	"github.com/zishang520/socket.io-client-go/socket"

	"github.com/vk/forecastgrid/internal/ctxlog"
	"github.com/vk/forecastgrid/internal/platform"
)

// connectTimeout bounds the socket.io handshake before giving up and polling.
const connectTimeout = 15 * time.Second

// StatusFn fetches the current state of the watched run.
type StatusFn func(ctx context.Context) (*platform.Run, error)

// Watcher waits for one run to reach a terminal status.
type Watcher struct {
	eventURL string // socket.io endpoint; empty disables the event stream
	runID    string
	poll     time.Duration
	deadline time.Duration // hard bound on the whole wait; 0 means none
	status   StatusFn
}

// New creates a watcher. eventURL may be empty, which selects plain polling.
// A non-zero deadline bounds the whole wait regardless of which path is
// active.
func New(eventURL, runID string, poll, deadline time.Duration, status StatusFn) *Watcher {
	return &Watcher{eventURL: eventURL, runID: runID, poll: poll, deadline: deadline, status: status}
}

// Wait blocks until the run is terminal. A Completed run is returned; Failed
// and Canceled are errors. A run still in flight when the deadline expires
// is an error too.
func (w *Watcher) Wait(ctx context.Context) (*platform.Run, error) {
	logger := ctxlog.FromContext(ctx).With("run_id", w.runID)

	if w.deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.deadline)
		defer cancel()
	}

	if w.eventURL != "" {
		client, err := w.connect(ctx)
		if err != nil {
			logger.Warn("Run event stream unavailable, falling back to polling.", "error", err)
		} else {
			defer client.Disconnect()
			return w.waitOnEvents(ctx, client)
		}
	}
	return w.waitOnPolling(ctx)
}

// connect establishes the socket.io session over websocket.
func (w *Watcher) connect(ctx context.Context) (*socket.Socket, error) {
	logger := ctxlog.FromContext(ctx).With("event_url", w.eventURL)

	parsedURL, err := url.Parse(w.eventURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse event URL: %w", err)
	}

	opts := socket.DefaultOptions()
	opts.SetPath(parsedURL.Path)
	opts.SetTransports(types.NewSet(transports.WebSocket))

	connectChan := make(chan error, 1)

	baseURL := fmt.Sprintf("%s://%s", parsedURL.Scheme, parsedURL.Host)
	manager := socket.NewManager(baseURL, opts)
	io := manager.Socket("/runs", opts)

	io.Once(types.EventName("connect"), func(...any) {
		logger.Debug("Run event stream connected.", "sid", io.Id())
		connectChan <- nil
	})
	io.Once(types.EventName("connect_error"), func(errs ...any) {
		err, _ := errs[0].(error)
		connectChan <- fmt.Errorf("socket.io connection failed: %w", err)
	})

	io.Connect()

	select {
	case err := <-connectChan:
		if err != nil {
			io.Disconnect()
			return nil, err
		}
		return io, nil
	case <-ctx.Done():
		io.Disconnect()
		return nil, ctx.Err()
	case <-time.After(connectTimeout):
		io.Disconnect()
		return nil, fmt.Errorf("timed out after %s waiting for socket.io connection", connectTimeout)
	}
}

// statusEvent is the payload of a run_status event.
type statusEvent struct {
	RunID  string
	Status string
}

// waitOnEvents subscribes to run_status events and confirms terminal ones
// through the poller.
func (w *Watcher) waitOnEvents(ctx context.Context, client *socket.Socket) (*platform.Run, error) {
	logger := ctxlog.FromContext(ctx).With("run_id", w.runID)

	events := make(chan statusEvent, 16)
	err := client.On(types.EventName("run_status"), func(data ...any) {
		if len(data) == 0 {
			return
		}
		payload, ok := data[0].(map[string]any)
		if !ok {
			return
		}
		runID, _ := payload["run_id"].(string)
		status, _ := payload["status"].(string)
		select {
		case events <- statusEvent{RunID: runID, Status: status}:
		default: // subscriber is behind; the poller still catches up
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to run events: %w", err)
	}
	if err := client.Emit("subscribe", map[string]any{"run_id": w.runID}); err != nil {
		return nil, fmt.Errorf("failed to request run subscription: %w", err)
	}

	// Events may race the subscription, so keep a slow poll as a safety net.
	ticker := time.NewTicker(w.poll * 6)
	defer ticker.Stop()

	for {
		select {
		case ev := <-events:
			if ev.RunID != w.runID {
				continue
			}
			logger.Info("Run status event.", "status", ev.Status)
			if platform.IsTerminalStatus(ev.Status) {
				return w.confirm(ctx)
			}
		case <-ticker.C:
			run, err := w.status(ctx)
			if err != nil {
				return nil, err
			}
			if platform.IsTerminalStatus(run.Status) {
				return terminal(run)
			}
		case <-ctx.Done():
			return nil, fmt.Errorf("gave up waiting for run %s: %w", w.runID, ctx.Err())
		}
	}
}

// waitOnPolling is the fallback loop.
func (w *Watcher) waitOnPolling(ctx context.Context) (*platform.Run, error) {
	logger := ctxlog.FromContext(ctx).With("run_id", w.runID)

	lastStatus := ""
	for {
		run, err := w.status(ctx)
		if err != nil {
			return nil, err
		}
		if run.Status != lastStatus {
			logger.Info("Run status changed.", "status", run.Status)
			lastStatus = run.Status
		}
		if platform.IsTerminalStatus(run.Status) {
			return terminal(run)
		}
		select {
		case <-time.After(w.poll):
		case <-ctx.Done():
			return nil, fmt.Errorf("gave up waiting for run %s: %w", w.runID, ctx.Err())
		}
	}
}

// confirm re-reads the authoritative run state after a terminal event.
func (w *Watcher) confirm(ctx context.Context) (*platform.Run, error) {
	run, err := w.status(ctx)
	if err != nil {
		return nil, err
	}
	if !platform.IsTerminalStatus(run.Status) {
		// The event was ahead of the API; let polling finish the job.
		return w.waitOnPolling(ctx)
	}
	return terminal(run)
}

func terminal(run *platform.Run) (*platform.Run, error) {
	if run.Status != platform.StatusCompleted {
		return nil, fmt.Errorf("run %s ended %s: %s", run.ID, run.Status, run.Error)
	}
	return run, nil
}
