package test

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// NewLogger discards everything unless TEST_LOGS is set, 1 for info, 2 for debug and 3 for
// trace which also shows every buffer being put.
func NewLogger() *logrus.Logger {
	l := logrus.New()

	v := os.Getenv("TEST_LOGS")
	if v == "" {
		l.SetOutput(io.Discard)
		return l
	}

	l.Formatter = &logrus.TextFormatter{DisableTimestamp: true}
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
