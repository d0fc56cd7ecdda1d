// Package logging wraps hclog with the level knobs nightwatch cares about.
package logging

import (
	"os"

	"github.com/hashicorp/go-hclog"
)

// New builds the root logger. Debug logging is gated on NW_DEBUG the same
// way the plugin this was grown from gated it on EnableDebugLogging.
func New(name string, debug bool) hclog.Logger {
	level := hclog.Info
	if debug {
		level = hclog.Debug
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:       name,
		Level:      level,
		Output:     os.Stderr,
		JSONFormat: os.Getenv("NW_LOG_JSON") == "true",
	})
}
