package cmdlog

import (
	"mutualist/internal/logging"
	"mutualist/internal/metrics"
)

// Run executes f as the named command, counting and logging the result.
func Run(cmd string, f func() error) error {
	metrics.IncCommandRun(cmd)
	err := f()
	if err != nil {
		metrics.IncCommandError(cmd)
		logging.Error(cmd+"_error", map[string]any{"error": err.Error()})
	} else {
		logging.Debug(cmd+"_ok", nil)
	}
	return err
}
