// Package testutil contains helpers for tests.
package testutil

import (
	"testing"

	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// EnsureNoErrors fails t for every entry in logs with ErrorLevel or
// higher, reporting its message with fields. Checked entries are taken.
func EnsureNoErrors(t testing.TB, logs *observer.ObservedLogs) {
	t.Helper()
	for _, e := range logs.TakeAll() {
		if e.Level < zapcore.ErrorLevel {
			continue
		}
		fields := make([]string, 0, len(e.Context))
		for _, f := range e.Context {
			fields = append(fields, f.Key)
		}
		t.Errorf("%s: %s %v", e.Level, e.Message, fields)
	}
}
