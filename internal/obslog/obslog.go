// Package obslog is the engine and mediator's ambient logger: an
// env-gated debug mode writing to stderr, consulted instead of a
// structured logging framework for this ambient concern. Cycle- and
// request-level observability beyond plain log lines lives in
// internal/telemetry (OpenTelemetry spans and metrics).
package obslog

import (
	"fmt"
	"os"
	"sync"
)

var (
	enabled     = os.Getenv("TUNETRAINER_SYNC_DEBUG") != ""
	verboseMode bool
	mu          sync.Mutex
)

// Enabled reports whether debug logging is active, either via the
// TUNETRAINER_SYNC_DEBUG environment variable or SetVerbose.
func Enabled() bool {
	return enabled || verboseMode
}

// SetVerbose force-enables debug logging regardless of the environment,
// for CLI --verbose flags.
func SetVerbose(verbose bool) {
	verboseMode = verbose
}

// Logf writes a debug line to stderr when logging is enabled. Safe for
// concurrent use; a sync cycle and a concurrent CLI command may both log.
func Logf(format string, args ...any) {
	if !Enabled() {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	fmt.Fprintf(os.Stderr, format+"\n", args...)
}
