// Package testutils holds helpers shared by the package test suites.
package testutils

import (
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// NewTestLogger creates a zerolog.Logger whose output lands in testing.T's
// log, so it only shows for failing or verbose runs.
func NewTestLogger(t *testing.T) zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: testLogWriter{t}, TimeFormat: time.RFC3339, NoColor: true}).With().Timestamp().Logger()
}

type testLogWriter struct {
	t *testing.T
}

func (w testLogWriter) Write(p []byte) (n int, err error) {
	w.t.Log(strings.TrimSpace(string(p)))
	return len(p), nil
}
