package jobs

import (
	"context"
	"errors"
	"net"

	"msgdeck/internal/storage"
	"msgdeck/internal/transport"
)

// Kind classifies a job failure. Kinds are stable strings: they are
// persisted on the job record and surfaced to callers.
type Kind string

const (
	KindTransientNetwork     Kind = "transient_network"
	KindAuthRequired         Kind = "remote_auth_required"
	KindInvalidModelOutput   Kind = "invalid_model_output"
	KindConfirmationMismatch Kind = "confirmation_mismatch"
	KindBatchTooLarge        Kind = "batch_too_large"
	KindCancelled            Kind = "cancelled"
	KindResourceBusy         Kind = "resource_busy"
	KindInterrupted          Kind = "interrupted"
)

// Error carries a failure kind alongside the underlying cause.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Fail wraps err with an explicit failure kind.
func Fail(kind Kind, err error) *Error { return &Error{Kind: kind, Err: err} }

// Admission errors, returned synchronously from Enqueue and the bulk-send
// gate. They never produce a Job record.
var (
	ErrResourceBusy = Fail(KindResourceBusy, errors.New("resource class already has an active job"))
	ErrStopped      = errors.New("job engine stopped")
	ErrUnknownType  = errors.New("unknown job type")
	ErrNilWork      = errors.New("job work function is nil")
)

// ErrNotFound mirrors the record store's miss.
var ErrNotFound = storage.ErrNotFound

// Classify maps an error from a work function onto the failure taxonomy.
// Explicit kinds win; context cancellation is "cancelled"; provider auth
// failures and network errors get their own kinds. Unknown failures are
// left unclassified (empty kind) rather than guessed.
//
// Deadline errors are deliberately not "cancelled": jobs run under a
// plain cancel context, so a deadline can only come from a collaborator
// timeout. DeadlineExceeded implements net.Error and classifies as
// transient_network below.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	var je *Error
	if errors.As(err, &je) {
		return je.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, transport.ErrAuthRequired) {
		return KindAuthRequired
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransientNetwork
	}
	return ""
}
