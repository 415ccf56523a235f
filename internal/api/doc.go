// Package api hosts the HTTP server, middleware, and REST handlers for
// operating the harvester. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/jobs to start a job, GET /v1/jobs to list them.
//   - GET /v1/jobs/{job_id} for the progress snapshot, plus cancel, resume
//     and results under the same prefix.
//   - GET /v1/options for the filter values present in persisted results.
package api
