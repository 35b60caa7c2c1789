// Package finalize snapshots a session's outcome once it ends and triggers
// downstream settlement and transcript delivery.
package finalize

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/astroline/consult/internal/signal"
)

// Participant is the presence snapshot of one role at finalization time.
type Participant struct {
	Role         signal.Role `json:"role"`
	DisplayName  string      `json:"displayName"`
	PresentSince *time.Time  `json:"presentSince,omitempty"`
	LastSeen     *time.Time  `json:"lastSeen,omitempty"`
}

// Record is the one-time snapshot persisted when a session ends.
type Record struct {
	SessionID       string        `json:"sessionId"`
	Reason          string        `json:"reason"`
	Transcript      []signal.Line `json:"transcript"`
	DurationSeconds int           `json:"durationSeconds"`
	EndedAt         time.Time     `json:"endedAt"`
	Participants    []Participant `json:"participants"`
}

// SettleOutcome is the settlement collaborator's reply.
type SettleOutcome string

const (
	SettleOK      SettleOutcome = "ok"
	SettleAlready SettleOutcome = "alreadySettled"
	SettleError   SettleOutcome = "error"
)

// DeliverOutcome is the notification collaborator's reply.
type DeliverOutcome string

const (
	DeliverOK           DeliverOutcome = "ok"
	DeliverNoTranscript DeliverOutcome = "noTranscript"
	DeliverError        DeliverOutcome = "error"
)

// Settler triggers settlement for a session. Implementations must be
// idempotent keyed by session id.
type Settler interface {
	TriggerSettlement(ctx context.Context, sessionID string) (SettleOutcome, error)
}

// Deliverer hands the transcript to the notification collaborator.
type Deliverer interface {
	DeliverTranscript(ctx context.Context, rec *Record) (DeliverOutcome, error)
}

// Store persists finalization records. Save must be an upsert guarded so a
// completed record is never overwritten.
type Store interface {
	Save(ctx context.Context, rec *Record) error
}

// Archiver keeps a transcript snapshot outside the database.
type Archiver interface {
	PutSnapshot(ctx context.Context, rec *Record) error
}

// Finalizer runs the one-time teardown side effects. It never blocks session
// teardown on a collaborator: each downstream call is attempted a small
// bounded number of times and failures are logged, not retried further.
type Finalizer struct {
	store    Store
	archive  Archiver // optional
	settler  Settler  // optional
	deliver  Deliverer
	maxCalls int
	logger   *zap.Logger

	mu        sync.Mutex
	finalized map[string]bool
}

func New(store Store, archive Archiver, settler Settler, deliver Deliverer, maxCalls int) *Finalizer {
	if maxCalls <= 0 {
		maxCalls = 3
	}
	return &Finalizer{
		store:     store,
		archive:   archive,
		settler:   settler,
		deliver:   deliver,
		maxCalls:  maxCalls,
		logger:    zap.L().Named("finalizer"),
		finalized: make(map[string]bool),
	}
}

// Finalize persists the record and fires the downstream calls. Calling it
// twice for the same session is a no-op the second time; the store's
// completed-status guard absorbs retries from other processes.
func (f *Finalizer) Finalize(ctx context.Context, rec *Record) error {
	f.mu.Lock()
	if f.finalized[rec.SessionID] {
		f.mu.Unlock()
		f.logger.Info("session already finalized", zap.String("session", rec.SessionID))
		return nil
	}
	f.finalized[rec.SessionID] = true
	f.mu.Unlock()

	log := f.logger.With(zap.String("session", rec.SessionID), zap.String("reason", rec.Reason))

	if err := f.store.Save(ctx, rec); err != nil {
		log.Error("failed to persist finalization record", zap.Error(err))
		return err
	}
	log.Info("finalization record persisted",
		zap.Int("transcriptLines", len(rec.Transcript)),
		zap.Int("durationSeconds", rec.DurationSeconds))

	if f.archive != nil {
		if err := f.archive.PutSnapshot(ctx, rec); err != nil {
			log.Warn("transcript archive failed", zap.Error(err))
		}
	}

	if f.settler != nil {
		f.callSettlement(ctx, log, rec.SessionID)
	}
	f.callDelivery(ctx, log, rec)
	return nil
}

func (f *Finalizer) callSettlement(ctx context.Context, log *zap.Logger, sessionID string) {
	for attempt := 1; attempt <= f.maxCalls; attempt++ {
		outcome, err := f.settler.TriggerSettlement(ctx, sessionID)
		if err == nil {
			log.Info("settlement triggered", zap.String("outcome", string(outcome)), zap.Int("attempt", attempt))
			return
		}
		log.Warn("settlement call failed", zap.Int("attempt", attempt), zap.Error(err))
	}
	log.Error("settlement not triggered, giving up", zap.Int("attempts", f.maxCalls))
}

func (f *Finalizer) callDelivery(ctx context.Context, log *zap.Logger, rec *Record) {
	if f.deliver == nil {
		return
	}
	for attempt := 1; attempt <= f.maxCalls; attempt++ {
		outcome, err := f.deliver.DeliverTranscript(ctx, rec)
		if err == nil {
			log.Info("transcript delivered", zap.String("outcome", string(outcome)), zap.Int("attempt", attempt))
			return
		}
		log.Warn("transcript delivery failed", zap.Int("attempt", attempt), zap.Error(err))
	}
	log.Error("transcript not delivered, giving up", zap.Int("attempts", f.maxCalls))
}
