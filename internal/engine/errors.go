package engine

import "fmt"

// TransportError is a network/timeout failure calling the mediator. The
// cycle aborts cleanly; the outbox is untouched and the watermark does not
// advance (spec.md §7).
type TransportError struct {
	Cause error
}

func (e *TransportError) Error() string { return fmt.Sprintf("engine: transport failure: %v", e.Cause) }
func (e *TransportError) Unwrap() error { return e.Cause }

// AuthError reports a 401 from the mediator. The cycle aborts; the outbox
// is untouched.
type AuthError struct {
	Cause error
}

func (e *AuthError) Error() string { return fmt.Sprintf("engine: authentication failed: %v", e.Cause) }
func (e *AuthError) Unwrap() error { return e.Cause }

// ProtocolError describes a malformed response or a reference to an
// unknown table. The offending change is skipped; the cycle continues.
type ProtocolError struct {
	Table string
	RowID string
	Cause error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("engine: protocol error applying %s/%s: %v", e.Table, e.RowID, e.Cause)
}
func (e *ProtocolError) Unwrap() error { return e.Cause }

// ApplyErrorKind distinguishes the two ways an apply can fail without
// failing the cycle.
type ApplyErrorKind int

const (
	// ForeignKeyViolation means the change was deferred and retried within
	// the same cycle up to 3 passes (spec.md §4.E step 5.g); residual
	// entries after the retry budget are counted in itemsFailed.
	ForeignKeyViolation ApplyErrorKind = iota
	// UniqueConstraintFallback means the PK upsert hit a natural-unique-key
	// conflict and was retried against that key instead; this is handled
	// silently and never surfaced to a caller (spec.md §7), but the type
	// exists so engine-internal retry code can classify the failure.
	UniqueConstraintFallback
)

// ApplyError wraps a local-apply failure with its classification.
type ApplyError struct {
	Kind  ApplyErrorKind
	Table string
	RowID string
	Cause error
}

func (e *ApplyError) Error() string {
	kind := "foreign key violation"
	if e.Kind == UniqueConstraintFallback {
		kind = "unique constraint fallback"
	}
	return fmt.Sprintf("engine: apply error (%s) on %s/%s: %v", kind, e.Table, e.RowID, e.Cause)
}
func (e *ApplyError) Unwrap() error { return e.Cause }

// PushErrorKind distinguishes the two ways a pushed write can fail to take
// effect on the server without the push call itself failing.
type PushErrorKind int

const (
	// LastWriteLoses means the server's last-write-wins rule did not apply
	// this write because a newer last_modified_at was already stored. This
	// is silent per spec.md §7: the server simply did not update.
	LastWriteLoses PushErrorKind = iota
	// PermanentRejection means the outbox entry exhausted maxRetries and
	// its status moved to failed.
	PermanentRejection
)

// PushError wraps a push-side rejection with its classification.
type PushError struct {
	Kind  PushErrorKind
	Table string
	RowID string
	Cause error
}

func (e *PushError) Error() string {
	kind := "last write loses"
	if e.Kind == PermanentRejection {
		kind = "permanently rejected"
	}
	return fmt.Sprintf("engine: push error (%s) on %s/%s: %v", kind, e.Table, e.RowID, e.Cause)
}
func (e *PushError) Unwrap() error { return e.Cause }

// BackfillError is a best-effort failure recapturing writes made during a
// trigger-suppression window; it is logged but never fails a cycle
// (spec.md §7).
type BackfillError struct {
	Cause error
}

func (e *BackfillError) Error() string { return fmt.Sprintf("engine: backfill failed: %v", e.Cause) }
func (e *BackfillError) Unwrap() error { return e.Cause }
