// Package api hosts the HTTP control surface of the job service. Notable
// routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/jobs/{job_type} to start a job, and pause, resume and cancel
//     under /v1/jobs/{job_id}.
//   - GET /v1/jobs/{job_id}/events (server-sent events) and /ws (websocket)
//     to follow a job: a snapshot frame first, then the live events.
//   - GET /v1/estimate/{job_type} for cost projections.
package api
