package audio

import (
	"errors"
	"fmt"
)

// ErrNoSamples reports input that decoded to zero samples.
var ErrNoSamples = errors.New("audio produced no samples")

// DecodeError is returned when an upload cannot be turned into PCM.
type DecodeError struct {
	Op         string
	Diagnostic string
	Err        error
}

func (e *DecodeError) Error() string {
	msg := e.Op + " failed"
	if e.Diagnostic != "" {
		msg += ": " + e.Diagnostic
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *DecodeError) Unwrap() error { return e.Err }

func noSamples(op string) error {
	return &DecodeError{Op: op, Err: ErrNoSamples}
}
