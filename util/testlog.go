package util

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// NewTestLogger returns a logrus.Logger that discards output by default,
// matching a normal `go test` run. Set TEST_LOGS=2 for debug or TEST_LOGS=3
// for trace output when chasing down a flaky ring or queue-pair test.
func NewTestLogger() *logrus.Logger {
	l := logrus.New()

	v := os.Getenv("TEST_LOGS")
	if v == "" {
		l.SetOutput(io.Discard)
		return l
	}

	switch v {
	case "2":
		l.SetLevel(logrus.DebugLevel)
	case "3":
		l.SetLevel(logrus.TraceLevel)
	default:
		l.SetLevel(logrus.InfoLevel)
	}

	return l
}
