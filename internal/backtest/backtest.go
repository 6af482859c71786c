// Package backtest implements rolling-origin evaluation of a trained
// forecasting model: the held-out test range is cut into consecutive
// horizon-sized windows, each window is scored remotely, and the per-window
// predictions are merged back into one time-ordered prediction set.
package backtest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vk/forecastgrid/internal/ctxlog"
	"github.com/vk/forecastgrid/internal/dataset"
)

// Scorer scores one window of held-out rows and returns the predicted target
// values, aligned row-for-row with the window.
type Scorer interface {
	Score(ctx context.Context, window *dataset.Table) ([]float64, error)
}

// Prediction is one evaluated row.
type Prediction struct {
	Time          time.Time
	Actual        float64
	Predicted     float64
	HorizonOrigin int // 1-based step of the row within its window
}

// Evaluator runs the rolling-origin evaluation with bounded concurrency.
type Evaluator struct {
	scorer  Scorer
	horizon int
	workers int
}

// New creates an evaluator. workers is clamped to at least 1.
func New(scorer Scorer, horizon, workers int) *Evaluator {
	if workers < 1 {
		workers = 1
	}
	return &Evaluator{scorer: scorer, horizon: horizon, workers: workers}
}

// task is one window to score, keyed by its position so results merge back in
// order.
type task struct {
	index  int
	window *dataset.Table
}

// Run scores every window of the test table and returns the merged
// predictions in time order. The first failing window cancels the rest.
func (e *Evaluator) Run(ctx context.Context, test *dataset.Table) ([]Prediction, error) {
	logger := ctxlog.FromContext(ctx)

	windows, err := test.Windows(e.horizon)
	if err != nil {
		return nil, err
	}
	logger.Info("Starting rolling-origin evaluation.",
		"rows", test.Len(), "horizon", e.horizon, "windows", len(windows), "workers", e.workers)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tasks := make(chan task)
	results := make([][]float64, len(windows))
	errs := make(chan error, len(windows))

	var wg sync.WaitGroup
	for workerID := 0; workerID < e.workers; workerID++ {
		wg.Add(1)
		go e.worker(ctx, workerID, tasks, results, errs, cancel, &wg)
	}

	for i, w := range windows {
		select {
		case tasks <- task{index: i, window: test.Slice(w)}:
		case <-ctx.Done():
		}
	}
	close(tasks)
	wg.Wait()
	close(errs)

	if err := <-errs; err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var predictions []Prediction
	for i, w := range windows {
		window := test.Slice(w)
		predicted := results[i]
		for row := 0; row < window.Len(); row++ {
			predictions = append(predictions, Prediction{
				Time:          window.Times[row],
				Actual:        window.Target[row],
				Predicted:     predicted[row],
				HorizonOrigin: row + 1,
			})
		}
	}
	logger.Info("🏁 Rolling-origin evaluation finished.", "predictions", len(predictions))
	return predictions, nil
}

// worker is the processing loop for a single concurrent scorer.
func (e *Evaluator) worker(ctx context.Context, workerID int, tasks chan task, results [][]float64, errs chan error, cancel context.CancelFunc, wg *sync.WaitGroup) {
	defer wg.Done()
	logger := ctxlog.FromContext(ctx).With("workerID", workerID)
	logger.Debug("Worker started.")

	for t := range tasks {
		if ctx.Err() != nil {
			continue
		}
		windowLogger := logger.With("window", t.index, "origin", t.window.Times[0])
		windowLogger.Debug("Worker picked up window for scoring.")

		predicted, err := e.scorer.Score(ctx, t.window)
		if err == nil && len(predicted) != t.window.Len() {
			err = fmt.Errorf("scorer returned %d predictions for %d rows", len(predicted), t.window.Len())
		}
		if err != nil {
			if ctx.Err() == nil {
				windowLogger.Error("Window scoring failed.", "error", err)
				errs <- fmt.Errorf("window %d (origin %s): %w",
					t.index, t.window.Times[0].Format(time.RFC3339), err)
			}
			cancel()
			continue
		}

		windowLogger.Debug("Window scored.")
		results[t.index] = predicted
	}
	logger.Debug("Worker finished.")
}
