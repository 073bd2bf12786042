// Package logging provides the leveled-in-name-only logging seam the relay
// engine writes through. The protocol state machine never observes a
// Logger; it is invoked purely for operational visibility.
package logging

import "log"

// Logger is the minimal sink the relay engine and reaper write through.
type Logger interface {
	Printf(format string, v ...any)
}

// StdLogger backs Logger with the standard library logger.
type StdLogger struct{}

// NewStdLogger returns a Logger backed by the standard library's log package.
func NewStdLogger() Logger {
	return StdLogger{}
}

func (StdLogger) Printf(format string, v ...any) {
	log.Printf(format, v...)
}

// Nop discards everything written to it. Useful in tests that don't want
// log output interleaved with test failures.
type Nop struct{}

func (Nop) Printf(string, ...any) {}
