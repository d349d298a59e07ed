// Package monitoring holds the process-wide diagnostic logger used by
// packages that do not carry their own ops/diag/trace streams (storage,
// recorder, serial ingest, HTTP monitor).
package monitoring

import (
	"log"
	"sync"
)

var (
	mu   sync.RWMutex
	logf = log.Printf
)

// Logf writes through the current process logger.
func Logf(format string, v ...interface{}) {
	mu.RLock()
	f := logf
	mu.RUnlock()
	f(format, v...)
}

// SetLogger replaces the process logger. Passing nil mutes it.
func SetLogger(f func(format string, v ...interface{})) {
	mu.Lock()
	defer mu.Unlock()
	if f == nil {
		logf = func(string, ...interface{}) {}
		return
	}
	logf = f
}

// For returns a printf-style logger that tags every line with the component
// name, e.g. "[recorder] closed 3 chunks".
func For(component string) func(format string, v ...interface{}) {
	prefix := "[" + component + "] "
	return func(format string, v ...interface{}) {
		Logf(prefix+format, v...)
	}
}
