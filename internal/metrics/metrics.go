// Package metrics computes regression error metrics over aligned slices of
// actual and predicted values, as produced by a rolling-origin evaluation.
package metrics

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// Summary holds the error metrics for one set of prediction rows.
type Summary struct {
	N    int     // rows scored
	MAE  float64 // mean absolute error
	RMSE float64 // root mean squared error

	// MAPE is the mean absolute percentage error in percent. Rows whose
	// actual value is zero are excluded from it; MAPESkipped counts them.
	MAPE        float64
	MAPESkipped int
}

// Evaluate computes all metrics over the given rows.
func Evaluate(actual, predicted []float64) (*Summary, error) {
	if len(actual) != len(predicted) {
		return nil, fmt.Errorf("length mismatch: %d actual vs %d predicted", len(actual), len(predicted))
	}
	if len(actual) == 0 {
		return nil, errors.New("no rows to evaluate")
	}

	var sumAbs, sumSq, sumPct float64
	pctN := 0
	for i := range actual {
		diff := predicted[i] - actual[i]
		sumAbs += math.Abs(diff)
		sumSq += diff * diff
		if actual[i] != 0 {
			sumPct += math.Abs(diff / actual[i])
			pctN++
		}
	}

	n := float64(len(actual))
	s := &Summary{
		N:           len(actual),
		MAE:         sumAbs / n,
		RMSE:        math.Sqrt(sumSq / n),
		MAPESkipped: len(actual) - pctN,
	}
	if pctN > 0 {
		s.MAPE = 100 * sumPct / float64(pctN)
	} else {
		s.MAPE = math.NaN()
	}
	return s, nil
}

// MAE returns the mean absolute error.
func MAE(actual, predicted []float64) (float64, error) {
	s, err := Evaluate(actual, predicted)
	if err != nil {
		return 0, err
	}
	return s.MAE, nil
}

// RMSE returns the root mean squared error.
func RMSE(actual, predicted []float64) (float64, error) {
	s, err := Evaluate(actual, predicted)
	if err != nil {
		return 0, err
	}
	return s.RMSE, nil
}

// MAPE returns the mean absolute percentage error in percent and the number
// of zero-actual rows excluded from it.
func MAPE(actual, predicted []float64) (float64, int, error) {
	s, err := Evaluate(actual, predicted)
	if err != nil {
		return 0, 0, err
	}
	return s.MAPE, s.MAPESkipped, nil
}

// HorizonBucket is the metric summary for all rows sharing a forecast step.
type HorizonBucket struct {
	Step int // 1-based offset inside the forecast window
	Summary
}

// ByHorizon groups rows by their horizon step and evaluates each group.
// Buckets are returned in ascending step order.
func ByHorizon(actual, predicted []float64, steps []int) ([]HorizonBucket, error) {
	if len(actual) != len(predicted) || len(actual) != len(steps) {
		return nil, fmt.Errorf("length mismatch: %d actual, %d predicted, %d steps",
			len(actual), len(predicted), len(steps))
	}

	groups := make(map[int][2][]float64)
	for i, step := range steps {
		if step < 1 {
			return nil, fmt.Errorf("horizon step must be >= 1, got %d at row %d", step, i)
		}
		g := groups[step]
		g[0] = append(g[0], actual[i])
		g[1] = append(g[1], predicted[i])
		groups[step] = g
	}

	buckets := make([]HorizonBucket, 0, len(groups))
	for step, g := range groups {
		s, err := Evaluate(g[0], g[1])
		if err != nil {
			return nil, fmt.Errorf("horizon step %d: %w", step, err)
		}
		buckets = append(buckets, HorizonBucket{Step: step, Summary: *s})
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i].Step < buckets[j].Step })
	return buckets, nil
}
