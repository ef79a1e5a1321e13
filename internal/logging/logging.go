// Package logging provides a thin wrapper over the standard library logger,
// adding structured key=value suffixes in the style the gateway uses for
// startup diagnostics and swallowed-error reporting.
package logging

import (
	"fmt"
	"log"
	"os"
	"strings"
)

// Logger writes prefixed, leveled lines to an underlying *log.Logger.
type Logger struct {
	std *log.Logger
}

// New returns a Logger that writes to stderr with a microsecond timestamp,
// matching the format the gateway binary expects in its own output.
func New() *Logger {
	return &Logger{std: log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds)}
}

// Infof logs an informational line.
func (l *Logger) Infof(format string, args ...any) {
	l.std.Printf("INFO: "+format, args...)
}

// Warnf logs a warning line. Used throughout for swallowed errors (§7).
func (l *Logger) Warnf(format string, args ...any) {
	l.std.Printf("WARN: "+format, args...)
}

// Errorf logs an error line without terminating the process.
func (l *Logger) Errorf(format string, args ...any) {
	l.std.Printf("ERROR: "+format, args...)
}

// Fatalf logs and exits, used only for startup configuration failures.
func (l *Logger) Fatalf(format string, args ...any) {
	l.std.Fatalf("FATAL: "+format, args...)
}

// Fields renders a set of key/value pairs as a trailing log suffix, e.g.
// ray_id=abc123 status=200.
func Fields(kv ...any) string {
	var b strings.Builder
	for i := 0; i+1 < len(kv); i += 2 {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%v=%v", kv[i], kv[i+1])
	}
	return b.String()
}
