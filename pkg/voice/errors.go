package voice

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a pipeline failure. The zero value means unclassified.
//
// Kinds are deliberately coarse: they decide propagation (does the session
// die, does the turn abort, is the error surfaced at all) and label metrics
// and wire-level error events. The string form is the wire representation.
type Kind string

const (
	// KindConfiguration marks invalid frame or format setup. Fatal to
	// session start; a session is never created with a bad configuration.
	KindConfiguration Kind = "configuration"

	// KindTransport marks a dropped or broken duplex channel. The session is
	// torn down; re-establishing it is the client's job.
	KindTransport Kind = "transport"

	// KindASR marks a failed transcription call. Abandons the current turn.
	KindASR Kind = "asr"

	// KindGeneration marks a failed generation call. Abandons the current turn.
	KindGeneration Kind = "generation"

	// KindSynthesis marks a failed synthesis call. Abandons the current turn.
	KindSynthesis Kind = "synthesis"

	// KindTimeout marks a provider call that exceeded its deadline. Handled
	// exactly like the corresponding provider failure, but kept distinct so
	// latency pathologies are visible in metrics and error events.
	KindTimeout Kind = "timeout"

	// KindCancelled marks the expected outcome of barge-in. Never surfaced
	// to the listener; swallowed once partial side effects are cleaned up.
	KindCancelled Kind = "cancelled"
)

// String returns the wire representation of the kind.
func (k Kind) String() string { return string(k) }

// Error is a classified pipeline error. It wraps an underlying cause and
// carries the [Kind] that decides how the failure propagates.
type Error struct {
	Kind Kind
	Err  error
}

// NewError wraps err with the given kind.
func NewError(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Errorf formats a new classified error.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Err.Error()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of the first classified error in err's chain, or
// the zero Kind when the chain carries no classification.
func KindOf(err error) Kind {
	var ve *Error
	if errors.As(err, &ve) {
		return ve.Kind
	}
	return ""
}

// IsKind reports whether err's chain carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Classify wraps a provider-call error with the appropriate kind: context
// deadline expiry becomes [KindTimeout], context cancellation becomes
// [KindCancelled], and anything else gets stageKind. Errors already
// classified are returned unchanged.
func Classify(stageKind Kind, err error) error {
	if err == nil {
		return nil
	}
	var ve *Error
	if errors.As(err, &ve) {
		return err
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return NewError(KindTimeout, err)
	case errors.Is(err, context.Canceled):
		return NewError(KindCancelled, err)
	default:
		return NewError(stageKind, err)
	}
}
