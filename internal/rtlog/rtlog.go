// Package rtlog provides the subsystem's diagnostic logging. It
// mirrors the teacher's own idiom (a Verbose flag gating
// fmt.Fprintf(os.Stderr, ...) calls) rather than pulling in a
// structured logging library -- nothing in the retrieved corpus uses
// one.
package rtlog

import (
	"fmt"
	"os"
	"sync/atomic"
)

// verbose is process-wide: every internal package shares one flag,
// the same way csvquery's per-struct Verbose fields were always set
// from one CLI flag in practice.
var verbose atomic.Bool

// SetVerbose toggles debug output for the whole process.
func SetVerbose(v bool) {
	verbose.Store(v)
}

// Debugf prints a debug line to stderr when verbose logging is on.
func Debugf(format string, args ...any) {
	if verbose.Load() {
		fmt.Fprintf(os.Stderr, "DEBUG: "+format+"\n", args...)
	}
}

// Warnf always prints -- used for conditions an operator should see
// regardless of verbosity (transport failures, degraded filters).
func Warnf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "WARN: "+format+"\n", args...)
}
