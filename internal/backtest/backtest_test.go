package backtest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/forecastgrid/internal/ctxlog"
	"github.com/vk/forecastgrid/internal/dataset"
	"github.com/vk/forecastgrid/internal/platform"
)

func testCtx(t *testing.T) context.Context {
	t.Helper()
	return ctxlog.WithLogger(context.Background(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func testTable(t *testing.T, rows int) *dataset.Table {
	t.Helper()
	var b strings.Builder
	b.WriteString("date,cnt\n")
	for i := 0; i < rows; i++ {
		fmt.Fprintf(&b, "2012-09-%02d,%d\n", i+1, 100+i)
	}
	table, err := dataset.FromReader(strings.NewReader(b.String()), "date", "cnt")
	require.NoError(t, err)
	return table
}

// echoScorer predicts actual+1 for every row, recording concurrency.
type echoScorer struct {
	mu       sync.Mutex
	inFlight int
	peak     int
	delay    time.Duration
}

func (s *echoScorer) Score(ctx context.Context, window *dataset.Table) ([]float64, error) {
	s.mu.Lock()
	s.inFlight++
	if s.inFlight > s.peak {
		s.peak = s.inFlight
	}
	s.mu.Unlock()
	time.Sleep(s.delay)

	out := make([]float64, window.Len())
	for i, v := range window.Target {
		out[i] = v + 1
	}

	s.mu.Lock()
	s.inFlight--
	s.mu.Unlock()
	return out, nil
}

func TestRunMergesWindowsInOrder(t *testing.T) {
	table := testTable(t, 10)
	e := New(&echoScorer{}, 4, 2)

	predictions, err := e.Run(testCtx(t), table)
	require.NoError(t, err)
	require.Len(t, predictions, 10)

	for i, p := range predictions {
		assert.Equal(t, table.Times[i], p.Time, "row %d out of order", i)
		assert.Equal(t, table.Target[i], p.Actual)
		assert.Equal(t, p.Actual+1, p.Predicted)
	}

	// Windows of 4,4,2 -> origins restart at each window boundary.
	wantOrigins := []int{1, 2, 3, 4, 1, 2, 3, 4, 1, 2}
	for i, p := range predictions {
		assert.Equal(t, wantOrigins[i], p.HorizonOrigin, "row %d", i)
	}
}

func TestRunBoundsConcurrency(t *testing.T) {
	table := testTable(t, 12)
	scorer := &echoScorer{delay: 10 * time.Millisecond}
	e := New(scorer, 1, 3) // 12 windows, 3 workers

	_, err := e.Run(testCtx(t), table)
	require.NoError(t, err)
	assert.LessOrEqual(t, scorer.peak, 3)
	assert.Greater(t, scorer.peak, 1, "expected some parallelism")
}

type failingScorer struct {
	calls atomic.Int32
}

func (s *failingScorer) Score(ctx context.Context, window *dataset.Table) ([]float64, error) {
	if s.calls.Add(1) == 2 {
		return nil, errors.New("compute node lost")
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(time.Millisecond):
	}
	out := make([]float64, window.Len())
	return out, nil
}

func TestRunCancelsAfterFirstFailure(t *testing.T) {
	table := testTable(t, 20)
	e := New(&failingScorer{}, 2, 2)

	_, err := e.Run(testCtx(t), table)
	require.Error(t, err)
	assert.ErrorContains(t, err, "compute node lost")
	assert.ErrorContains(t, err, "window")
}

type shortScorer struct{}

func (shortScorer) Score(ctx context.Context, window *dataset.Table) ([]float64, error) {
	return []float64{1}, nil // wrong length for any window > 1
}

func TestRunRejectsMisalignedScorer(t *testing.T) {
	table := testTable(t, 4)
	e := New(shortScorer{}, 2, 1)

	_, err := e.Run(testCtx(t), table)
	assert.ErrorContains(t, err, "returned 1 predictions for 2 rows")
}

func TestRemoteScorer(t *testing.T) {
	var submitted platform.ScoringRequest
	mux := http.NewServeMux()
	mux.HandleFunc("POST /workspaces/ws-1/scoring-runs", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&submitted))
		json.NewEncoder(w).Encode(platform.RunRef{ID: "score-1"})
	})
	mux.HandleFunc("GET /workspaces/ws-1/runs/score-1", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(platform.Run{ID: "score-1", Status: platform.StatusCompleted})
	})
	mux.HandleFunc("GET /workspaces/ws-1/runs/score-1/artifacts/predictions.csv", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "time,predicted\n2012-09-01,101.5\n2012-09-02,102.5\n")
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	client := platform.New(server.URL, "tok", time.Second)
	client.PollInterval = time.Millisecond

	scorer := &RemoteScorer{Client: client, WorkspaceID: "ws-1", ModelID: "model-7", ComputeName: "cpu-cluster"}
	window := testTable(t, 2)

	predicted, err := scorer.Score(testCtx(t), window)
	require.NoError(t, err)
	assert.Equal(t, []float64{101.5, 102.5}, predicted)
	assert.Equal(t, "model-7", submitted.ModelID)
	assert.Contains(t, submitted.WindowCSV, "date,cnt")
}
