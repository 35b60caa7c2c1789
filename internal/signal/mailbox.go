package signal

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrUnavailable is returned when the mailbox transport cannot complete a
// write. It is transient: callers retry with backoff, it is never fatal to
// the session on its own.
var ErrUnavailable = errors.New("signal: mailbox unavailable")

// Field names for Put updates. Each field is last-write-wins; the candidate
// list and transcript names double as Append targets.
const (
	FieldReady         = "readyToReceive"
	FieldAttempt       = "attempt"
	FieldOffer         = "offer"
	FieldAnswer        = "answer"
	FieldCallerJoined  = "callerJoined"
	FieldCalleeJoined  = "calleeJoined"
	FieldCallerPresent = "callerPresent"
	FieldCalleePresent = "calleePresent"
	FieldCallerName    = "callerName"
	FieldCalleeName    = "calleeName"
	FieldStatus        = "status"
	FieldCreatedAt     = "createdAt"
	FieldEndedAt       = "endedAt"
	FieldDuration      = "durationSeconds"

	ListCallerCandidates = "callerCandidates"
	ListCalleeCandidates = "calleeCandidates"
	ListTranscript       = "transcript"
)

// Fields is one multi-field update. All fields in a single Put become visible
// together in any snapshot a reader observes; a nil value clears the field.
type Fields map[string]any

// JoinedField returns the field name of the joined flag for a role.
func JoinedField(role Role) string {
	if role == RoleCaller {
		return FieldCallerJoined
	}
	return FieldCalleeJoined
}

// PresentField returns the field name of the presence flag for a role.
func PresentField(role Role) string {
	if role == RoleCaller {
		return FieldCallerPresent
	}
	return FieldCalleePresent
}

// NameField returns the display-name field for a role.
func NameField(role Role) string {
	if role == RoleCaller {
		return FieldCallerName
	}
	return FieldCalleeName
}

// CandidateList returns the append-only candidate list written by a role.
func CandidateList(role Role) string {
	if role == RoleCaller {
		return ListCallerCandidates
	}
	return ListCalleeCandidates
}

// Mailbox is the shared session document used purely as an asynchronous
// message relay between the two participants.
//
// Subscribe delivers the full current record synchronously at subscribe time
// and again on every subsequent mutation. Deliveries are at-least-once and
// may repeat the same logical state; consumers must be idempotent. No
// ordering is guaranteed between two different fields written by two
// different writers.
type Mailbox interface {
	// Put applies a last-write-wins multi-field update. All fields land
	// atomically with respect to reader snapshots.
	Put(ctx context.Context, sessionID string, fields Fields) error

	// Append adds an item to an append-only list. Lists never shrink within
	// a negotiation epoch; clearing a list is a Put of the field to nil.
	Append(ctx context.Context, sessionID, list string, item any) error

	// Subscribe registers onChange for the session and returns an
	// unsubscribe function. The unsubscribe must release the listener; both
	// timed waits in the protocol depend on that to avoid leaks.
	Subscribe(ctx context.Context, sessionID string, onChange func(Record)) (func(), error)
}

// retryMailbox decorates a Mailbox with exponential-backoff retry on
// transient write failure.
type retryMailbox struct {
	Mailbox
	maxRetries uint64
	interval   time.Duration
}

// WithRetry wraps mb so that Put and Append retry on ErrUnavailable with
// exponential backoff, up to maxRetries attempts beyond the first.
func WithRetry(mb Mailbox, maxRetries uint64, interval time.Duration) Mailbox {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	return &retryMailbox{Mailbox: mb, maxRetries: maxRetries, interval: interval}
}

func (r *retryMailbox) newBackoff(ctx context.Context) backoff.BackOff {
	ebo := backoff.NewExponentialBackOff()
	ebo.InitialInterval = r.interval
	ebo.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(ebo, r.maxRetries), ctx)
}

func (r *retryMailbox) Put(ctx context.Context, sessionID string, fields Fields) error {
	op := func() error {
		err := r.Mailbox.Put(ctx, sessionID, fields)
		if err != nil && !errors.Is(err, ErrUnavailable) {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.Retry(op, r.newBackoff(ctx))
}

func (r *retryMailbox) Append(ctx context.Context, sessionID, list string, item any) error {
	op := func() error {
		err := r.Mailbox.Append(ctx, sessionID, list, item)
		if err != nil && !errors.Is(err, ErrUnavailable) {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.Retry(op, r.newBackoff(ctx))
}
