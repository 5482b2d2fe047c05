// Package api hosts the HTTP server for the keyword check engine. Routes:
//   - GET /healthz and /readyz for health checks.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/domains/{domain_id}/jobs to start a keyword check job. Repeated
//     keyword ids are dropped and every keyword must belong to the domain.
//   - GET /v1/domains/{domain_id}/jobs/active and /v1/jobs/active to list
//     pending and processing jobs.
//   - GET /v1/jobs/{job_id} and POST /v1/jobs/{job_id}/cancel.
//   - GET /v1/keywords/{keyword_id}/positions for rank history.
//
// With auth enabled, /v1 requires the X-API-Key header.
package api
