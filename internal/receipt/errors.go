package receipt

import (
	"errors"
	"fmt"
)

// Error codes recorded on status rows and returned to submitters
const (
	CodeValidation = "validation"
	CodeUpstream   = "upstream"
	CodeSink       = "sink"
	CodeInternal   = "internal"
)

var (
	// ErrStatusNotFound is returned when no status row exists for a fingerprint
	ErrStatusNotFound = errors.New("status not found")

	// ErrAlreadySucceeded is returned by Claim for a fingerprint in the terminal state
	ErrAlreadySucceeded = errors.New("receipt already imported")

	// ErrClaimed is returned by Claim while another attempt holds a live lease
	ErrClaimed = errors.New("receipt import already in progress")

	// ErrLeaseLost is returned by MarkFinished when the row no longer belongs
	// to the attempt that claimed it
	ErrLeaseLost = errors.New("import lease lost")
)

// ValidationError marks malformed input: a bad fingerprint or ticket record
type ValidationError struct {
	Msg string
	Err error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *ValidationError) Unwrap() error { return e.Err }

// UpstreamError marks a failed ticket lookup
type UpstreamError struct {
	Op  string
	Err error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// SinkError marks a failed ledger write
type SinkError struct {
	Op  string
	Err error
}

func (e *SinkError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *SinkError) Unwrap() error { return e.Err }

// ErrorCode maps an error onto the taxonomy
func ErrorCode(err error) string {
	var (
		ve *ValidationError
		ue *UpstreamError
		se *SinkError
	)
	switch {
	case errors.As(err, &ve):
		return CodeValidation
	case errors.As(err, &ue):
		return CodeUpstream
	case errors.As(err, &se):
		return CodeSink
	default:
		return CodeInternal
	}
}
