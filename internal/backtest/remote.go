package backtest

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/vk/forecastgrid/internal/dataset"
	"github.com/vk/forecastgrid/internal/platform"
)

// predictionsArtifact is the artifact name a scoring run writes its output
// under.
const predictionsArtifact = "predictions.csv"

// RemoteScorer scores windows by submitting one remote scoring run per
// window against the fitted model and downloading its predictions artifact.
type RemoteScorer struct {
	Client      *platform.Client
	WorkspaceID string
	ModelID     string
	ComputeName string
}

// Score implements Scorer.
func (s *RemoteScorer) Score(ctx context.Context, window *dataset.Table) ([]float64, error) {
	var buf bytes.Buffer
	if err := window.WriteCSV(&buf); err != nil {
		return nil, fmt.Errorf("failed to serialize window: %w", err)
	}

	ref, err := s.Client.SubmitScoring(ctx, s.WorkspaceID, &platform.ScoringRequest{
		ModelID:     s.ModelID,
		ComputeName: s.ComputeName,
		WindowCSV:   buf.String(),
		Origin:      window.Times[0].Format(time.RFC3339),
	})
	if err != nil {
		return nil, err
	}

	if _, err := s.Client.WaitForRun(ctx, s.WorkspaceID, ref.ID); err != nil {
		return nil, err
	}

	dest := filepath.Join(os.TempDir(), fmt.Sprintf("forecastgrid-%s.csv", ref.ID))
	if err := s.Client.DownloadArtifact(ctx, s.WorkspaceID, ref.ID, predictionsArtifact, dest); err != nil {
		return nil, err
	}
	defer os.Remove(dest)

	return parsePredictions(dest)
}

// parsePredictions reads the predicted column of a scoring artifact.
func parsePredictions(path string) ([]float64, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse predictions artifact: %w", err)
	}
	if len(records) < 2 {
		return nil, fmt.Errorf("predictions artifact has no rows")
	}

	col := -1
	for i, name := range records[0] {
		if name == "predicted" {
			col = i
			break
		}
	}
	if col < 0 {
		return nil, fmt.Errorf("predictions artifact missing %q column, header %v", "predicted", records[0])
	}

	predicted := make([]float64, 0, len(records)-1)
	for _, record := range records[1:] {
		v, err := strconv.ParseFloat(record[col], 64)
		if err != nil {
			return nil, fmt.Errorf("bad predicted value %q: %w", record[col], err)
		}
		predicted = append(predicted, v)
	}
	return predicted, nil
}
