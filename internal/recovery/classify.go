package recovery

import (
	"context"
	"errors"
	"regexp"
	"strings"
)

// Class is the retry classification of an error.
type Class string

const (
	Transient    Class = "transient"
	Intermittent Class = "intermittent"
	Permanent    Class = "permanent"
)

// Classifier is implemented by errors that know their own class.
type Classifier interface {
	Class() Class
}

var (
	transientRe    = regexp.MustCompile(`timeout|timed out|connection|network|\beof\b|broken pipe|\breset\b`)
	intermittentRe = regexp.MustCompile(`rate.?limit|\b429\b|too many requests|unavailable|\b503\b|overloaded|try again`)
	permanentRe    = regexp.MustCompile(`not found|\b404\b|forbidden|\b403\b|unauthorized|\b401\b|invalid|\b400\b|bad request`)
)

// Classify maps err to a retry class. Errors implementing Classifier anywhere
// in the chain win; otherwise the message is matched. Unknown errors are
// intermittent.
func Classify(err error) Class {
	if err == nil {
		return ""
	}
	var c Classifier
	if errors.As(err, &c) {
		return c.Class()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient
	}
	msg := strings.ToLower(err.Error())
	switch {
	case transientRe.MatchString(msg):
		return Transient
	case intermittentRe.MatchString(msg):
		return Intermittent
	case permanentRe.MatchString(msg):
		return Permanent
	}
	return Intermittent
}

type classified struct {
	err   error
	class Class
}

func (e *classified) Error() string { return e.err.Error() }
func (e *classified) Unwrap() error { return e.err }
func (e *classified) Class() Class  { return e.class }

// WithClass tags err with an explicit class.
func WithClass(err error, class Class) error {
	if err == nil {
		return nil
	}
	return &classified{err: err, class: class}
}
