// Package dataset holds the local copy of the forecasting data: a CSV-backed
// time-indexed table with the operations the evaluation pipeline needs
// locally (leakage-column dropping, a train/test split at a time cutoff, and
// horizon-sized windowing for rolling-origin scoring). The registered,
// platform-side dataset is a separate thing; see the platform package.
package dataset
