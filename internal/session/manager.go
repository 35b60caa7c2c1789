// Package session drives the coarse session state machine and owns the
// negotiation retry budget. All coordination with the remote participant
// goes through the signaling mailbox; the manager itself holds the only
// reference to the per-session transport context and destroys it on end.
package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/astroline/consult/internal/config"
	"github.com/astroline/consult/internal/diag"
	"github.com/astroline/consult/internal/finalize"
	"github.com/astroline/consult/internal/rtc"
	"github.com/astroline/consult/internal/signal"
	"github.com/astroline/consult/internal/transcript"
)

// Status is the coarse session state. Transitions are monotonically forward;
// the only backward movement is a negotiation reset, which stays inside
// Negotiating.
type Status int32

const (
	StatusLobby Status = iota
	StatusReady
	StatusNegotiating
	StatusConnected
	StatusEnded
)

func (s Status) String() string {
	switch s {
	case StatusLobby:
		return "lobby"
	case StatusReady:
		return "ready"
	case StatusNegotiating:
		return "negotiating"
	case StatusConnected:
		return "connected"
	case StatusEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// EndReason records why a session terminated.
type EndReason string

const (
	ReasonUserDisconnected    EndReason = "userDisconnected"
	ReasonDurationCapReached  EndReason = "durationCapReached"
	ReasonNegotiationTimedOut EndReason = "negotiationTimedOut"
	ReasonTransportFailure    EndReason = "fatalTransportError"
)

// ErrPeerNotJoined reports that the other participant never attached to the
// session within the discovery window.
var ErrPeerNotJoined = errors.New("session: peer not yet joined")

// Orchestrator is the connection orchestrator surface the manager drives.
type Orchestrator interface {
	Start(ctx context.Context) error
	Events() <-chan rtc.Event
	Close() error
}

// MediaSource is the local capture device lifecycle: acquired once at lobby
// entry, released at session end.
type MediaSource interface {
	Acquire(ctx context.Context) error
	Release()
}

// Finalizer runs the one-time teardown side effects.
type Finalizer interface {
	Finalize(ctx context.Context, rec *finalize.Record) error
}

// Manager owns one session end to end for one participant process.
type Manager struct {
	cfg         config.SessionConfig
	sessionID   string
	role        signal.Role
	displayName string

	mailbox   signal.Mailbox
	media     MediaSource // optional
	orch      Orchestrator
	negotiate func(ctx context.Context) error // caller role only
	recorder  *transcript.Recorder
	finalizer Finalizer
	logger    *zap.Logger
	now       func() time.Time

	status atomic.Int32

	mu          sync.Mutex
	lastRecord  signal.Record
	startedAt   time.Time
	connectedAt time.Time
	endReason   EndReason

	peerPresentOnce sync.Once
	peerPresentCh   chan struct{}
	bothJoinedOnce  sync.Once
	bothJoinedCh    chan struct{}
	connectedOnce   sync.Once
	connectedCh     chan struct{}
	renegotiateCh   chan struct{}

	startNegOnce sync.Once
	endOnce      sync.Once
	done         chan struct{}
	finalizeDone chan struct{}

	unsubscribe func()
}

// Params wires a Manager. Negotiate must be set for the caller role and nil
// for the callee.
type Params struct {
	Config      config.SessionConfig
	SessionID   string
	Role        signal.Role
	DisplayName string
	Mailbox     signal.Mailbox
	Media       MediaSource
	Orch        Orchestrator
	Negotiate   func(ctx context.Context) error
	Recorder    *transcript.Recorder
	Finalizer   Finalizer
}

func NewManager(p Params) *Manager {
	return &Manager{
		cfg:           p.Config,
		sessionID:     p.SessionID,
		role:          p.Role,
		displayName:   p.DisplayName,
		mailbox:       p.Mailbox,
		media:         p.Media,
		orch:          p.Orch,
		negotiate:     p.Negotiate,
		recorder:      p.Recorder,
		finalizer:     p.Finalizer,
		logger:        zap.L().Named("session").With(zap.String("session", p.SessionID), zap.String("role", string(p.Role))),
		now:           time.Now,
		peerPresentCh: make(chan struct{}),
		bothJoinedCh:  make(chan struct{}),
		connectedCh:   make(chan struct{}),
		renegotiateCh: make(chan struct{}, 4),
		done:          make(chan struct{}),
		finalizeDone:  make(chan struct{}),
	}
}

// Status returns the current session status.
func (m *Manager) Status() Status { return Status(m.status.Load()) }

// Reason returns the terminal reason, empty until the session ends.
func (m *Manager) Reason() EndReason {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.endReason
}

// DiagView reports the session for the diagnostics surface.
func (m *Manager) DiagView() diag.SessionView {
	lines := 0
	if m.recorder != nil {
		lines = m.recorder.Len()
	}
	return diag.SessionView{
		SessionID:       m.sessionID,
		Role:            string(m.role),
		Status:          m.Status().String(),
		Reason:          string(m.Reason()),
		TranscriptLines: lines,
	}
}

// Run drives the session to completion: lobby, discovery, join, negotiation,
// connected countdown, and finalization. It returns once the session has
// ended and finalization has run.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	m.startedAt = m.now()
	m.mu.Unlock()
	m.setStatus(StatusLobby)

	if m.media != nil {
		if err := m.media.Acquire(ctx); err != nil {
			return err
		}
	}

	if err := m.enterLobby(ctx); err != nil {
		return err
	}

	// Discovery: a bounded wait on the same mailbox subscription used for
	// everything else, not a second coordination mechanism.
	if err := m.WaitForPeer(ctx); err != nil {
		m.logger.Warn("peer never joined, ending session")
		m.End(ReasonNegotiationTimedOut)
		<-m.finalizeDone
		return err
	}
	m.setStatus(StatusReady)

	if err := m.Join(ctx); err != nil {
		m.logger.Error("join write failed", zap.Error(err))
		m.End(ReasonTransportFailure)
		<-m.finalizeDone
		return err
	}

	select {
	case <-m.bothJoinedCh:
	case <-ctx.Done():
		m.End(ReasonUserDisconnected)
		<-m.finalizeDone
		return ctx.Err()
	case <-m.done:
		<-m.finalizeDone
		return nil
	}

	m.startNegotiation(ctx)
	m.eventLoop(ctx)
	<-m.finalizeDone
	return nil
}

// enterLobby writes presence and subscribes to the session record.
func (m *Manager) enterLobby(ctx context.Context) error {
	unsubscribe, err := m.mailbox.Subscribe(ctx, m.sessionID, m.onSnapshot)
	if err != nil {
		return err
	}
	m.unsubscribe = unsubscribe

	fields := signal.Fields{
		signal.PresentField(m.role): true,
		signal.NameField(m.role):    m.displayName,
	}
	m.mu.Lock()
	created := m.lastRecord.CreatedAt
	m.mu.Unlock()
	if created == nil {
		// First joiner creates the session record; the write is an
		// idempotent upsert, a concurrent create just overwrites with a
		// near-identical timestamp.
		fields[signal.FieldCreatedAt] = m.now()
		fields[signal.FieldStatus] = StatusLobby.String()
	}
	if err := m.mailbox.Put(ctx, m.sessionID, fields); err != nil {
		return err
	}
	m.logger.Info("entered lobby", zap.String("name", m.displayName))
	return nil
}

// WaitForPeer blocks until the remote participant's presence is observed, or
// the bounded discovery window elapses.
func (m *Manager) WaitForPeer(ctx context.Context) error {
	wait := time.Duration(m.cfg.DiscoveryAttempts) * m.cfg.DiscoveryInterval
	if wait <= 0 {
		wait = 30 * time.Second
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-m.peerPresentCh:
		return nil
	case <-timer.C:
		return ErrPeerNotJoined
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return ErrPeerNotJoined
	}
}

// Join marks this participant as joined. Negotiation starts once both sides
// have joined.
func (m *Manager) Join(ctx context.Context) error {
	return m.mailbox.Put(ctx, m.sessionID, signal.Fields{
		signal.JoinedField(m.role): true,
	})
}

func (m *Manager) onSnapshot(rec signal.Record) {
	m.mu.Lock()
	m.lastRecord = rec
	m.mu.Unlock()

	if rec.Present(m.role.Peer()) {
		m.peerPresentOnce.Do(func() { close(m.peerPresentCh) })
	}
	if rec.Joined(signal.RoleCaller) && rec.Joined(signal.RoleCallee) {
		m.bothJoinedOnce.Do(func() { close(m.bothJoinedCh) })
	}
}

func (m *Manager) startNegotiation(ctx context.Context) {
	m.startNegOnce.Do(func() {
		m.setStatus(StatusNegotiating)
		m.putBestEffort(ctx, signal.Fields{signal.FieldStatus: StatusNegotiating.String()})

		if err := m.orch.Start(ctx); err != nil {
			m.logger.Error("orchestrator start failed", zap.Error(err))
			m.End(ReasonTransportFailure)
			return
		}
		if m.negotiate != nil {
			go m.negotiationLoop(ctx)
		}
	})
}

// negotiationLoop runs the caller's bounded sequence of negotiation epochs.
// Each PeerNotReady timeout or escalated apply error burns one attempt; a
// retry is the Reset transition, returning Negotiating to a clean sub-state.
func (m *Manager) negotiationLoop(ctx context.Context) {
	attempts := m.cfg.NegotiationRetries
	if attempts <= 0 {
		attempts = 1
	}
	for attempt := 1; attempt <= attempts; attempt++ {
		err := m.negotiate(ctx)
		if err == nil {
			select {
			case <-m.connectedCh:
				return
			case <-m.renegotiateCh:
				m.logger.Warn("negotiation error escalated, starting fresh epoch", zap.Int("attempt", attempt))
				continue
			case <-m.done:
				return
			case <-ctx.Done():
				return
			}
		}
		switch {
		case errors.Is(err, rtc.ErrPeerNotReady):
			m.logger.Warn("peer not ready", zap.Int("attempt", attempt), zap.Int("budget", attempts))
		case errors.Is(err, rtc.ErrNoAnswer):
			m.logger.Warn("offer drew no answer", zap.Int("attempt", attempt), zap.Int("budget", attempts))
		case errors.Is(err, rtc.ErrClosed), errors.Is(err, context.Canceled):
			return
		default:
			m.logger.Warn("negotiation attempt failed", zap.Int("attempt", attempt), zap.Error(err))
		}
	}
	m.logger.Error("negotiation retries exhausted")
	m.End(ReasonNegotiationTimedOut)
}

// eventLoop reacts to orchestrator events and the duration cap until the
// session ends.
func (m *Manager) eventLoop(ctx context.Context) {
	var capTimer *time.Timer
	var capC <-chan time.Time

	for {
		select {
		case ev := <-m.orch.Events():
			switch ev.Kind {
			case rtc.EventConnected:
				m.onConnected(ctx)
				if capTimer == nil && m.cfg.DurationCap > 0 {
					capTimer = time.NewTimer(m.cfg.DurationCap)
					capC = capTimer.C
					defer capTimer.Stop()
				}
			case rtc.EventTransportFailed:
				m.logger.Error("fatal transport error", zap.Error(ev.Err))
				m.End(ReasonTransportFailure)
				return
			case rtc.EventNegotiationError:
				// Escalate to the retry loop; the budget lives there.
				select {
				case m.renegotiateCh <- struct{}{}:
				default:
				}
			case rtc.EventClosed:
				// Orchestrator shut down underneath us; End is idempotent.
			}
		case <-capC:
			m.logger.Info("duration cap reached")
			m.End(ReasonDurationCapReached)
			return
		case <-m.done:
			return
		case <-ctx.Done():
			m.End(ReasonUserDisconnected)
			return
		}
	}
}

func (m *Manager) onConnected(ctx context.Context) {
	m.connectedOnce.Do(func() {
		m.mu.Lock()
		m.connectedAt = m.now()
		m.mu.Unlock()
		m.setStatus(StatusConnected)
		m.putBestEffort(ctx, signal.Fields{signal.FieldStatus: StatusConnected.String()})
		close(m.connectedCh)
		m.logger.Info("session connected", zap.Duration("cap", m.cfg.DurationCap))
	})
}

// Disconnect is the explicit user hang-up.
func (m *Manager) Disconnect() {
	m.End(ReasonUserDisconnected)
}

// End moves the session to Ended exactly once: presence is retracted with a
// best-effort write, the transport context is destroyed, and finalization is
// scheduled after the transcript grace window.
func (m *Manager) End(reason EndReason) {
	m.endOnce.Do(func() {
		endedAt := m.now()

		m.mu.Lock()
		m.endReason = reason
		connectedAt := m.connectedAt
		m.mu.Unlock()

		m.setStatus(StatusEnded)
		m.logger.Info("session ending", zap.String("reason", string(reason)))

		duration := 0
		if !connectedAt.IsZero() {
			duration = int(endedAt.Sub(connectedAt) / time.Second)
		}

		if m.recorder != nil {
			m.recorder.EndSession()
		}

		// Presence retraction cannot be allowed to block teardown: failure
		// is logged, never retried, the session is ending regardless.
		teardownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		m.putBestEffort(teardownCtx, signal.Fields{
			signal.FieldStatus:          StatusEnded.String(),
			signal.JoinedField(m.role):  false,
			signal.PresentField(m.role): false,
			signal.FieldEndedAt:         endedAt,
			signal.FieldDuration:        duration,
		})
		cancel()

		if m.unsubscribe != nil {
			m.unsubscribe()
		}
		if err := m.orch.Close(); err != nil {
			m.logger.Warn("orchestrator close failed", zap.Error(err))
		}
		if m.media != nil {
			m.media.Release()
		}
		close(m.done)

		go m.finalizeAfterGrace(reason, endedAt, duration)
	})
}

// finalizeAfterGrace waits out the transcript grace window so tail
// utterances land in the snapshot, then runs the finalizer once.
func (m *Manager) finalizeAfterGrace(reason EndReason, endedAt time.Time, duration int) {
	defer close(m.finalizeDone)

	if m.recorder != nil && m.cfg.TranscriptGrace > 0 {
		time.Sleep(m.cfg.TranscriptGrace)
	}
	if m.recorder != nil {
		m.recorder.Close()
	}

	if m.finalizer == nil {
		return
	}

	var lines []signal.Line
	if m.recorder != nil {
		lines = m.recorder.Snapshot()
	}

	rec := &finalize.Record{
		SessionID:       m.sessionID,
		Reason:          string(reason),
		Transcript:      lines,
		DurationSeconds: duration,
		EndedAt:         endedAt,
		Participants:    m.participantsSnapshot(endedAt),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := m.finalizer.Finalize(ctx, rec); err != nil {
		m.logger.Error("finalization failed", zap.Error(err))
	}
}

func (m *Manager) participantsSnapshot(endedAt time.Time) []finalize.Participant {
	m.mu.Lock()
	rec := m.lastRecord
	startedAt := m.startedAt
	m.mu.Unlock()

	last := endedAt
	return []finalize.Participant{
		{Role: signal.RoleCaller, DisplayName: rec.CallerName, PresentSince: &startedAt, LastSeen: &last},
		{Role: signal.RoleCallee, DisplayName: rec.CalleeName, PresentSince: &startedAt, LastSeen: &last},
	}
}

func (m *Manager) putBestEffort(ctx context.Context, fields signal.Fields) {
	if err := m.mailbox.Put(ctx, m.sessionID, fields); err != nil {
		m.logger.Warn("mailbox write failed", zap.Error(err))
	}
}

func (m *Manager) setStatus(s Status) {
	m.status.Store(int32(s))
}
