// Package api exposes the HTTP surface of llmblast: synchronous batch
// dispatch, asynchronous batch jobs, health and Prometheus metrics.
package api
