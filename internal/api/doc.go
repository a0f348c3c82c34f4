// Package api exposes the REST surface for submitting chain query tasks,
// polling their status, and reading conversation history. It also serves the
// health check and Prometheus-format metrics endpoints.
package api
