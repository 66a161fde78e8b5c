package fixtures

import (
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

// testWriter sends log lines to the test log, so they only show for failed or verbose runs.
type testWriter struct {
	tb testing.TB
}

func (w testWriter) Write(p []byte) (int, error) {
	w.tb.Helper()
	w.tb.Log(strings.TrimSuffix(string(p), "\n"))
	return len(p), nil
}

// NewTestLogger returns an info level logger writing to tb.  Options run after the defaults.
func NewTestLogger(tb testing.TB, opts ...func(*logrus.Logger)) logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(testWriter{tb: tb})
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// WithLevel sets the level of a test logger.
func WithLevel(level logrus.Level) func(*logrus.Logger) {
	return func(l *logrus.Logger) {
		l.SetLevel(level)
	}
}
