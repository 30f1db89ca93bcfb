// Package api hosts the HTTP server, middleware, and REST handlers for
// workers, discovery and operators. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes; readyz checks the schema.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/claims and POST /v1/items/{id}/success|retry|failure for the
//     worker contract.
//   - POST /v1/items and /v1/items/batch for admission.
//   - GET /v1/items, /v1/items/{id}, /v1/stats and /v1/audit for reporting.
//
// Errors are JSON objects {"error": "...", "code": "..."}; the code is stable
// and lets clients map responses back to queue sentinels.
package api
