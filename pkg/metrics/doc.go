// Package metrics defines the Prometheus collectors shared by kite
// services and the /metrics handler exposed on the callback server.
package metrics
