package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by the codec, the nameserver engine and the resolver.
var (
	ErrDecode          = errors.New("malformed message")
	ErrValidation      = errors.New("implausible reply")
	ErrNotQuery        = errors.New("message is not a query")
	ErrNoAnswer        = errors.New("no answer")
	ErrNameNotFound    = errors.New("name does not exist")
	ErrUpstream        = errors.New("upstream resolution failed")
	ErrNoAnswerSection = errors.New("no answer section found")
	ErrTransport       = errors.New("transport failure")
)

// FailureKind classifies why an exchange did not produce an answer.
type FailureKind uint8

const (
	FailureUnknown FailureKind = iota
	FailureDecode
	FailureLookupMiss
	FailureUpstream
	FailureTransport
	FailureValidation
)

func (k FailureKind) String() string {
	switch k {
	case FailureDecode:
		return "decode"
	case FailureLookupMiss:
		return "lookup-miss"
	case FailureUpstream:
		return "upstream"
	case FailureTransport:
		return "transport"
	case FailureValidation:
		return "validation"
	default:
		return "unknown"
	}
}

// Failure is the typed error returned across component boundaries. Reason is
// the short human text shown to clients; Err keeps the cause for errors.Is.
type Failure struct {
	Kind   FailureKind
	Reason string
	Err    error
}

func (f *Failure) Error() string {
	switch {
	case f.Reason != "" && f.Err != nil && f.Reason != f.Err.Error():
		return fmt.Sprintf("%s: %s: %v", f.Kind, f.Reason, f.Err)
	case f.Reason != "":
		return fmt.Sprintf("%s: %s", f.Kind, f.Reason)
	case f.Err != nil:
		return fmt.Sprintf("%s: %v", f.Kind, f.Err)
	default:
		return f.Kind.String()
	}
}

func (f *Failure) Unwrap() error { return f.Err }

// NewFailure builds a Failure. When reason is empty the cause's text is used.
func NewFailure(kind FailureKind, err error, reason string) *Failure {
	if reason == "" && err != nil {
		reason = err.Error()
	}
	return &Failure{Kind: kind, Reason: reason, Err: err}
}

// KindOf returns the FailureKind carried by err, or FailureUnknown.
func KindOf(err error) FailureKind {
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	return FailureUnknown
}

// FormatFailure renders err for the text protocol spoken to clients:
// transport problems become "Failed-<reason>", malformed requests
// "[EXCEPTION] <reason>" and everything else "[ERROR] <reason>".
func FormatFailure(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrNoAnswerSection) {
		return "[ERROR] No answer section found."
	}
	var f *Failure
	if !errors.As(err, &f) {
		return "[ERROR] " + err.Error()
	}
	switch f.Kind {
	case FailureTransport:
		return "Failed-" + f.Reason
	case FailureDecode:
		return "[EXCEPTION] " + f.Reason
	default:
		return "[ERROR] " + f.Reason
	}
}
