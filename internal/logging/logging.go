// Package logging provides the minimal leveled logger used across
// spacelink's server and client binaries. The teacher repo has no
// structured logging dependency anywhere in its tree (nor does anything
// else in the retrieved corpus, for this domain), so this follows the
// same idiom: a thin wrapper over the standard library's log package.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
)

// Logger writes leveled, prefixed lines to an underlying *log.Logger.
type Logger struct {
	std *log.Logger
}

// New creates a Logger writing to w with the given component tag.
func New(w io.Writer, component string) *Logger {
	return &Logger{std: log.New(w, fmt.Sprintf("[%s] ", component), log.LstdFlags)}
}

// Default returns a Logger writing to stderr, matching the teacher's
// cmd/bee/main.go practice of sending all diagnostics there.
func Default(component string) *Logger {
	return New(os.Stderr, component)
}

func (l *Logger) Infof(format string, args ...interface{}) {
	l.std.Printf("info: "+format, args...)
}

func (l *Logger) Warnf(format string, args ...interface{}) {
	l.std.Printf("warn: "+format, args...)
}

func (l *Logger) Errorf(format string, args ...interface{}) {
	l.std.Printf("error: "+format, args...)
}
