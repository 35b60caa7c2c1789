// Package transcript records timestamped utterances into the session record
// while the call is connected.
package transcript

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/astroline/consult/internal/signal"
)

// ErrSessionClosed rejects appends that arrive after the post-session grace
// window. Late appends within the window are accepted to flush tail
// utterances.
var ErrSessionClosed = errors.New("transcript: session closed")

// Recorder appends transcript lines to the mailbox and keeps a local copy
// for finalization. Safe for concurrent use by the capture loop and by
// late-arriving entries.
type Recorder struct {
	sessionID string
	mailbox   signal.Mailbox
	logger    *zap.Logger
	grace     time.Duration
	now       func() time.Time

	mu         sync.Mutex
	lines      []signal.Line
	graceUntil time.Time // zero while the session is open
	closed     bool
}

func NewRecorder(sessionID string, mailbox signal.Mailbox, grace time.Duration) *Recorder {
	return &Recorder{
		sessionID: sessionID,
		mailbox:   mailbox,
		logger:    zap.L().Named("transcript").With(zap.String("session", sessionID)),
		grace:     grace,
		now:       time.Now,
	}
}

// Append records one utterance. During the grace window after EndSession it
// still accepts lines; after that it fails with ErrSessionClosed.
func (r *Recorder) Append(ctx context.Context, speaker, text string) error {
	line := signal.Line{Speaker: speaker, Text: text, Time: r.now()}

	r.mu.Lock()
	if r.closed || (!r.graceUntil.IsZero() && r.now().After(r.graceUntil)) {
		r.closed = true
		r.mu.Unlock()
		return ErrSessionClosed
	}
	r.lines = append(r.lines, line)
	r.mu.Unlock()

	if err := r.mailbox.Append(ctx, r.sessionID, signal.ListTranscript, line); err != nil {
		// The local copy is authoritative for finalization; the mailbox
		// append is best-effort.
		r.logger.Warn("failed to append transcript line", zap.Error(err))
	}
	return nil
}

// EndSession opens the grace window. Lines arriving after graceUntil are
// rejected.
func (r *Recorder) EndSession() {
	r.mu.Lock()
	if r.graceUntil.IsZero() && !r.closed {
		r.graceUntil = r.now().Add(r.grace)
	}
	r.mu.Unlock()
}

// Close ends the grace window immediately.
func (r *Recorder) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}

// Snapshot returns a copy of all recorded lines in arrival order.
func (r *Recorder) Snapshot() []signal.Line {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]signal.Line(nil), r.lines...)
}

// Len reports how many lines have been recorded.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.lines)
}
