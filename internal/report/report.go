// Package report writes the evaluation outputs: the merged predictions CSV
// and a plain-text summary of the job and its error metrics.
package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/vk/forecastgrid/internal/backtest"
	"github.com/vk/forecastgrid/internal/metrics"
)

// Meta is the job context echoed at the top of the summary.
type Meta struct {
	Experiment    string
	RunID         string
	Algorithm     string
	PrimaryMetric string
	MetricValue   float64
	Horizon       int
	FeatureCount  int
}

// Write renders both report files into dir, creating it if needed. It
// returns the path of the predictions CSV.
func Write(dir string, meta Meta, predictions []backtest.Prediction, overall *metrics.Summary, buckets []metrics.HorizonBucket) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output dir %s: %w", dir, err)
	}

	csvPath := filepath.Join(dir, "predictions.csv")
	if err := writePredictions(csvPath, predictions); err != nil {
		return "", err
	}

	summaryPath := filepath.Join(dir, "summary.txt")
	file, err := os.Create(summaryPath)
	if err != nil {
		return "", fmt.Errorf("failed to create %s: %w", summaryPath, err)
	}
	if err := writeSummary(file, meta, overall, buckets); err != nil {
		file.Close()
		return "", err
	}
	if err := file.Close(); err != nil {
		return "", err
	}
	return csvPath, nil
}

func writePredictions(path string, predictions []backtest.Prediction) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer file.Close()

	w := csv.NewWriter(file)
	if err := w.Write([]string{"time", "actual", "predicted", "horizon_origin"}); err != nil {
		return err
	}
	for _, p := range predictions {
		record := []string{
			p.Time.Format(time.RFC3339),
			formatFloat(p.Actual),
			formatFloat(p.Predicted),
			strconv.Itoa(p.HorizonOrigin),
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func writeSummary(w io.Writer, meta Meta, overall *metrics.Summary, buckets []metrics.HorizonBucket) error {
	fmt.Fprintf(w, "forecastgrid evaluation report\n")
	fmt.Fprintf(w, "==============================\n\n")
	fmt.Fprintf(w, "experiment:      %s\n", meta.Experiment)
	fmt.Fprintf(w, "best run:        %s (%s)\n", meta.RunID, meta.Algorithm)
	fmt.Fprintf(w, "%-17s%s = %s\n", "primary metric:", meta.PrimaryMetric, formatFloat(meta.MetricValue))
	fmt.Fprintf(w, "horizon:         %d\n", meta.Horizon)
	if meta.FeatureCount > 0 {
		fmt.Fprintf(w, "features:        %d engineered\n", meta.FeatureCount)
	}

	fmt.Fprintf(w, "\noverall (%d rows):\n", overall.N)
	fmt.Fprintf(w, "  MAPE: %s%%", formatFloat(overall.MAPE))
	if overall.MAPESkipped > 0 {
		fmt.Fprintf(w, " (%d zero-actual rows skipped)", overall.MAPESkipped)
	}
	fmt.Fprintf(w, "\n  RMSE: %s\n", formatFloat(overall.RMSE))
	fmt.Fprintf(w, "  MAE:  %s\n", formatFloat(overall.MAE))

	if len(buckets) > 0 {
		fmt.Fprintf(w, "\nby horizon step:\n")
		tw := tabwriter.NewWriter(w, 2, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "  step\trows\tMAPE%\tRMSE\tMAE")
		for _, b := range buckets {
			fmt.Fprintf(tw, "  %d\t%d\t%s\t%s\t%s\n",
				b.Step, b.N, formatFloat(b.MAPE), formatFloat(b.RMSE), formatFloat(b.MAE))
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}
	return nil
}

func formatFloat(v float64) string {
	if math.IsNaN(v) {
		return "n/a"
	}
	return strconv.FormatFloat(v, 'f', 4, 64)
}
