// Package server exposes the dispatch runs over HTTP.
//
// The API lives under /api and trusts the X-Authenticated-User header set
// by the authenticating proxy in front of it:
//
//	GET  /api/targets
//	POST /api/targets/{target}/run
//	GET  /api/targets/{target}/status
//	POST /api/targets/{target}/release
//
// A run request answers 202 when the run was queued and 409 when another
// owner holds the target. The run itself continues in the background and
// its progress shows up in the status message.
//
// HealthChecker serves /healthz, /readyz and /healthz/detailed for
// Kubernetes probes. Prometheus metrics are served either on the API router
// or by a dedicated MetricsServer.
package server
