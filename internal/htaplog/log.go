// Package htaplog is a thin wrapper around the standard library logger,
// following the teacher's own idiom of passing *log.Logger through
// component Config structs (service/mvcc/manager.go's
// Config.WarningLogger) rather than depending on a third-party logging
// framework the teacher itself never imports.
package htaplog

import (
	"log"
	"os"
)

// Logger is the minimal surface every tier component depends on.
type Logger interface {
	Printf(format string, args ...interface{})
}

// Default returns a prefixed stdlib logger writing to stderr.
func Default(prefix string) Logger {
	return log.New(os.Stderr, "["+prefix+"] ", log.LstdFlags|log.Lmicroseconds)
}

// OrDefault returns l if non-nil, otherwise a Default logger for prefix.
func OrDefault(l Logger, prefix string) Logger {
	if l != nil {
		return l
	}
	return Default(prefix)
}
