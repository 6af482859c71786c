// Package platform is the client for the managed ML platform's REST API:
// workspace resolution, compute provisioning, dataset upload and
// registration, forecasting-job submission, run polling, and artifact
// download. Everything computationally interesting happens on the platform
// side; this package only moves configuration up and results down.
package platform
