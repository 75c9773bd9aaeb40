package log

import (
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

// NewTestingLogger returns a Logger that writes through t.Log when the test
// binary runs with -v, and discards everything otherwise.
func NewTestingLogger(t testing.TB) Logger {
	if !testing.Verbose() {
		return NewNopLogger()
	}

	w := zerolog.ConsoleWriter{Out: testWriter{t}, NoColor: true}
	return &defaultLogger{
		Logger: zerolog.New(w).Level(zerolog.DebugLevel).With().Timestamp().Logger(),
	}
}

type testWriter struct {
	t testing.TB
}

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Log(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}
