package model

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrLookbackExceeded means the ledger refuses to scan back to the requested sequence.
	ErrLookbackExceeded = errors.New("lookback exceeded")
	// ErrBeyondHead means the requested range ends past the ledger head.
	ErrBeyondHead = errors.New("requested range is beyond the ledger head")
	// ErrUnknownEventType means a record-keeper emitted an event-type name with no schema.
	ErrUnknownEventType = errors.New("unknown event type")
	// ErrTransferAlreadyPending is returned when initiating while an active transfer exists.
	ErrTransferAlreadyPending = errors.New("a transfer is already pending for this asset")
	ErrAssetNotWatched        = errors.New("asset is not watched")
)

// TransientFetchError is a network or timeout failure that may succeed on retry.
type TransientFetchError struct {
	StreamID string
	Timeout  bool
	Err      error
}

func (e *TransientFetchError) Error() string {
	kind := "unreachable"
	if e.Timeout {
		kind = "timed out"
	}
	return fmt.Sprintf("stream %s %s: %v", e.StreamID, kind, e.Err)
}

func (e *TransientFetchError) Unwrap() error { return e.Err }

// PermanentRangeError is a range the ledger will never serve. It must not be retried.
type PermanentRangeError struct {
	StreamID string
	From     uint64
	Horizon  uint64
	Err      error
}

func (e *PermanentRangeError) Error() string {
	return fmt.Sprintf("stream %s: range from %d precedes horizon %d: %v", e.StreamID, e.From, e.Horizon, e.Err)
}

func (e *PermanentRangeError) Unwrap() error { return e.Err }

// SchemaError covers a single event that could not be normalized.
type SchemaError struct {
	StreamID  string
	EventType string
	Sequence  uint64
	Err       error
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("stream %s seq %d (%s): %v", e.StreamID, e.Sequence, e.EventType, e.Err)
}

func (e *SchemaError) Unwrap() error { return e.Err }

// CorruptStreamError means a stream returned data that violates its ordering contract.
type CorruptStreamError struct {
	StreamID string
	Detail   string
}

func (e *CorruptStreamError) Error() string {
	return fmt.Sprintf("stream %s returned corrupt data: %s", e.StreamID, e.Detail)
}

type SubmissionReason string

const (
	SubmissionRejected     SubmissionReason = "rejected"
	SubmissionUnauthorized SubmissionReason = "unauthorized"
	SubmissionConflict     SubmissionReason = "conflict"
	SubmissionExpired      SubmissionReason = "expired"
	SubmissionNotPending   SubmissionReason = "not_pending"
)

// SubmissionError is returned to the caller of a transfer action. It never changes tracker state.
type SubmissionError struct {
	Action  string
	Reason  SubmissionReason
	Message string
	Err     error
}

func (e *SubmissionError) Error() string {
	msg := fmt.Sprintf("%s %s", e.Action, e.Reason)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// InvariantViolation is raised when the ledger reports a state this service must never see,
// such as two active transfers for one asset. It is never resolved automatically.
type InvariantViolation struct {
	AssetID string            `json:"asset_id"`
	Detail  string            `json:"detail"`
	Records []PendingTransfer `json:"records"`
}

func (e *InvariantViolation) Error() string {
	proposers := make([]string, 0, len(e.Records))
	for _, r := range e.Records {
		proposers = append(proposers, r.Proposer+"->"+r.Recipient)
	}
	if len(proposers) == 0 {
		return fmt.Sprintf("invariant violation on asset %s: %s", e.AssetID, e.Detail)
	}
	return fmt.Sprintf("invariant violation on asset %s: %s [%s]", e.AssetID, e.Detail, strings.Join(proposers, ", "))
}

// IsInvariantViolation reports whether err wraps an *InvariantViolation.
func IsInvariantViolation(err error) bool {
	var iv *InvariantViolation
	return errors.As(err, &iv)
}

// PartialReasonFor maps an adapter error to the reason recorded on a partial timeline.
func PartialReasonFor(err error) PartialReason {
	var (
		rangeErr   *PermanentRangeError
		corruptErr *CorruptStreamError
		transient  *TransientFetchError
	)
	switch {
	case errors.As(err, &rangeErr), errors.Is(err, ErrLookbackExceeded):
		return ReasonLookbackExceeded
	case errors.As(err, &corruptErr):
		return ReasonCorrupt
	case errors.As(err, &transient) && transient.Timeout:
		return ReasonTimeout
	}
	return ReasonUnreachable
}
