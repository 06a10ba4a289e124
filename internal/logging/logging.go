// Package logging builds the small structured-by-convention loggers used
// across components: every line is "component: message key=val key=val".
package logging

import (
	"fmt"
	"log"
	"os"
	"strings"
)

// Logger prefixes every line with a component name, matching the
// "component: message" convention used throughout this codebase
// (e.g. "materializer: probe failed asset=%s url=%q err=%v").
type Logger struct {
	component string
	std       *log.Logger
}

// New returns a Logger for component, writing to stderr with the standard
// date/time prefix.
func New(component string) *Logger {
	return &Logger{
		component: component,
		std:       log.New(os.Stderr, "", log.LstdFlags),
	}
}

// Infof logs an informational line.
func (l *Logger) Infof(format string, args ...any) {
	l.std.Printf("%s: %s", l.component, fmt.Sprintf(format, args...))
}

// Errorf logs an error line.
func (l *Logger) Errorf(format string, args ...any) {
	l.std.Printf("%s: ERROR: %s", l.component, fmt.Sprintf(format, args...))
}

// Fields renders key=value pairs the way the teacher's ad hoc log lines do,
// e.g. Fields("videoId", id, "status", status) -> "videoId=abc status=pending".
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
