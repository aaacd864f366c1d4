package util

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// ContextualError carries log fields alongside an error so the place that finally logs it
// can report where it came from, the channel and packet layout for example.
type ContextualError struct {
	RealError error
	Fields    map[string]any
	Context   string
}

func NewContextualError(msg string, fields map[string]any, realError error) *ContextualError {
	return &ContextualError{Context: msg, Fields: fields, RealError: realError}
}

// ContextualizeIfNeeded wraps err unless something in its chain already carries context.
func ContextualizeIfNeeded(msg string, err error) error {
	if err == nil {
		return nil
	}

	var ce *ContextualError
	if errors.As(err, &ce) {
		return err
	}
	return NewContextualError(msg, nil, err)
}

// LogWithContextIfNeeded logs err with its own context when it has one, msg otherwise.
func LogWithContextIfNeeded(msg string, err error, l logrus.FieldLogger) {
	var ce *ContextualError
	if errors.As(err, &ce) {
		ce.Log(l)
		return
	}
	l.WithError(err).Error(msg)
}

func (ce *ContextualError) Error() string {
	if ce.RealError == nil {
		return ce.Context
	}
	if len(ce.Fields) == 0 {
		return fmt.Sprintf("%s: %v", ce.Context, ce.RealError)
	}
	return fmt.Sprintf("%s (%v): %v", ce.Context, ce.Fields, ce.RealError)
}

func (ce *ContextualError) Unwrap() error {
	return ce.RealError
}

func (ce *ContextualError) Log(l logrus.FieldLogger) {
	e := l.WithFields(ce.Fields)
	if ce.RealError != nil {
		e = e.WithError(ce.RealError)
	}
	e.Error(ce.Context)
}
