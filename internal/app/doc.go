// Package app wires the application together and runs the forecasting
// workflow as a linear pipeline of named stages. Each stage delegates the
// actual work to the platform client or the evaluation packages; app owns
// ordering, logging, and failure propagation.
package app
