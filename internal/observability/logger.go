// Package observability exposes faceid's Prometheus metrics over HTTP.
package observability

import "github.com/tphakala/faceid/internal/logger"

// getLogger returns the telemetry module logger from the current global logger.
func getLogger() logger.Logger {
	return logger.Global().Module("telemetry")
}
