// Package errors defines the typed failures produced by the conversion
// pipeline and the helpers used to classify them.
//
// Each pipeline stage reports its own failure domain with one of the concrete
// types below; the orchestrator wraps that in a StageError so the caller can
// tell which stage failed without string matching.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failure for reporting and retry decisions.
type Kind int

const (
	// KindInternal is anything not produced by this package's types.
	KindInternal Kind = iota
	KindValidation
	KindParse
	KindRemote
	KindConflict
)

// String returns the name used in structured results.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "ValidationError"
	case KindParse:
		return "ParseError"
	case KindRemote:
		return "RemoteServiceError"
	case KindConflict:
		return "ConflictError"
	default:
		return "InternalError"
	}
}

// ValidationError reports a malformed request, such as a join requested
// without both join fields.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Msg
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Msg)
}

// Validation builds a *ValidationError.
func Validation(field, format string, a ...any) error {
	return &ValidationError{Field: field, Msg: fmt.Sprintf(format, a...)}
}

// ParseError reports input that does not match the structural shape of its
// declared format. Path names the missing or offending location
// (e.g. "data.dataSets[0].observations").
type ParseError struct {
	Format string
	Path   string
	Msg    string
	Err    error
}

func (e *ParseError) Error() string {
	var b strings.Builder
	b.WriteString("parse")
	if e.Format != "" {
		b.WriteString(" ")
		b.WriteString(e.Format)
	}
	if e.Path != "" {
		b.WriteString(" at ")
		b.WriteString(e.Path)
	}
	b.WriteString(": ")
	b.WriteString(e.Msg)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ParseError) Unwrap() error { return e.Err }

// Parse builds a *ParseError without an underlying cause.
func Parse(inputFormat, path, msg string, a ...any) error {
	return &ParseError{Format: inputFormat, Path: path, Msg: fmt.Sprintf(msg, a...)}
}

// RemoteServiceError reports a failed call to the geometry service, the SDMX
// endpoint or the content platform. Retryable is set for transport failures,
// deadlines, 429 and 5xx responses.
type RemoteServiceError struct {
	Service    string
	Op         string
	StatusCode int
	Msg        string
	Retryable  bool
	Err        error
}

func (e *RemoteServiceError) Error() string {
	var b strings.Builder
	b.WriteString(e.Service)
	if e.Op != "" {
		b.WriteString(".")
		b.WriteString(e.Op)
	}
	b.WriteString(": ")
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, "http %d: ", e.StatusCode)
	}
	b.WriteString(e.Msg)
	if e.Err != nil {
		if e.Msg != "" {
			b.WriteString(": ")
		}
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *RemoteServiceError) Unwrap() error { return e.Err }

// Remote wraps err as a *RemoteServiceError. Context deadlines are marked
// retryable; cancellation is not.
func Remote(service, op string, err error) error {
	if err == nil {
		return nil
	}
	return &RemoteServiceError{
		Service:   service,
		Op:        op,
		Msg:       "request failed",
		Err:       err,
		Retryable: !errors.Is(err, context.Canceled),
	}
}

// ConflictError reports that the platform refused to publish because a
// service with the same name already exists.
type ConflictError struct {
	Title string
	Msg   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("unable to publish layer %q: %s", e.Title, e.Msg)
}

// StageError carries the stage that failed and the classified cause.
type StageError struct {
	Stage string
	Kind  Kind
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Wrap classifies err and attaches the stage name. A nil err yields nil.
// An err that already is a StageError is returned unchanged.
func Wrap(stage string, err error) *StageError {
	if err == nil {
		return nil
	}
	var se *StageError
	if errors.As(err, &se) {
		return se
	}
	return &StageError{Stage: stage, Kind: KindOf(err), Err: err}
}

// KindOf classifies err by walking its wrap chain.
func KindOf(err error) Kind {
	var (
		ve *ValidationError
		pe *ParseError
		re *RemoteServiceError
		ce *ConflictError
		se *StageError
	)
	switch {
	case err == nil:
		return KindInternal
	case errors.As(err, &se):
		return se.Kind
	case errors.As(err, &ve):
		return KindValidation
	case errors.As(err, &pe):
		return KindParse
	case errors.As(err, &ce):
		return KindConflict
	case errors.As(err, &re):
		return KindRemote
	default:
		return KindInternal
	}
}

// IsRetryable reports whether err is a retryable remote failure.
func IsRetryable(err error) bool {
	var re *RemoteServiceError
	if errors.As(err, &re) {
		return re.Retryable
	}
	return false
}
