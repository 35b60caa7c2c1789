package rtc

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/astroline/consult/internal/signal"
)

// CallerState tracks the caller orchestrator through one session.
type CallerState int32

const (
	CallerIdle CallerState = iota
	CallerWaitingForReady
	CallerOfferSent
	CallerAnswerSeen
	CallerConnected
	CallerClosed
)

func (s CallerState) String() string {
	switch s {
	case CallerIdle:
		return "idle"
	case CallerWaitingForReady:
		return "waiting-for-ready"
	case CallerOfferSent:
		return "offer-sent"
	case CallerAnswerSeen:
		return "answer-seen"
	case CallerConnected:
		return "connected"
	case CallerClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Caller runs the offering side of the negotiation. It never writes an offer
// before observing the callee's readiness flag, so simultaneous offers are
// impossible by construction.
type Caller struct {
	sessionID string
	mailbox   signal.Mailbox
	peer      Peer
	logger    *zap.Logger
	queue     *taskQueue
	events    chan Event
	readyWait time.Duration

	state atomic.Int32

	readyOnce sync.Once
	readyCh   chan struct{}

	// Negotiation state below is confined to the task queue goroutine.
	attempt       string
	answerApplied bool
	answeredCh    chan struct{} // closed when the current epoch's answer lands
	seen          *signal.SeenSet
	pendingLocal  []signal.Candidate

	unsubscribe func()

	connectedOnce sync.Once
	closeOnce     sync.Once
	ctx           context.Context
	cancel        context.CancelFunc
}

func NewCaller(sessionID string, mailbox signal.Mailbox, peer Peer, readyWait time.Duration) *Caller {
	if readyWait <= 0 {
		readyWait = 60 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Caller{
		sessionID: sessionID,
		mailbox:   mailbox,
		peer:      peer,
		logger:    zap.L().Named("caller").With(zap.String("session", sessionID)),
		queue:     newTaskQueue(),
		events:    make(chan Event, 8),
		readyWait: readyWait,
		readyCh:   make(chan struct{}),
		seen:      signal.NewSeenSet(),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (c *Caller) Events() <-chan Event { return c.events }

func (c *Caller) State() CallerState { return CallerState(c.state.Load()) }

// Start subscribes to the mailbox and wires transport callbacks. It does not
// block; Negotiate drives the readiness wait and the offer.
func (c *Caller) Start(ctx context.Context) error {
	c.peer.OnLocalCandidate(func(cand signal.Candidate) {
		c.queue.Enqueue(func() { c.onLocalCandidate(cand) })
	})
	c.peer.OnRemoteTrack(func(info TrackInfo) {
		c.queue.Enqueue(func() { c.onRemoteTrack(info) })
	})
	c.peer.OnStateChange(func(state TransportState) {
		c.queue.Enqueue(func() { c.onTransportState(state) })
	})

	unsubscribe, err := c.mailbox.Subscribe(ctx, c.sessionID, func(rec signal.Record) {
		c.queue.Enqueue(func() { c.onSnapshot(rec) })
	})
	if err != nil {
		return err
	}
	c.unsubscribe = unsubscribe
	return nil
}

// Negotiate runs one negotiation epoch: wait for readiness, write a fresh
// offer that clears the previous answer and both candidate lists in a single
// update, then wait for the answer to land. Returns ErrPeerNotReady when the
// readiness wait times out and ErrNoAnswer when the offer goes unanswered;
// the caller of Negotiate owns the retry budget for both.
func (c *Caller) Negotiate(ctx context.Context) error {
	c.setState(CallerWaitingForReady)

	timer := time.NewTimer(c.readyWait)
	defer timer.Stop()
	select {
	case <-c.readyCh:
	case <-timer.C:
		c.logger.Warn("readiness wait timed out", zap.Duration("waited", c.readyWait))
		return ErrPeerNotReady
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return ErrClosed
	}

	answered := make(chan struct{})
	errCh := make(chan error, 1)
	if !c.queue.Enqueue(func() { errCh <- c.startEpoch(ctx, answered) }) {
		return ErrClosed
	}
	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	// The offer is out. A callee that never answers must not hold the epoch
	// open indefinitely; the answer wait is bounded by the same window as
	// readiness, so an unresponsive callee burns retry attempts instead of
	// wedging the session in Negotiating.
	answerTimer := time.NewTimer(c.readyWait)
	defer answerTimer.Stop()
	select {
	case <-answered:
		return nil
	case <-answerTimer.C:
		c.logger.Warn("offer went unanswered", zap.Duration("waited", c.readyWait))
		return ErrNoAnswer
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return ErrClosed
	}
}

// startEpoch begins a fresh negotiation attempt. Runs on the queue.
func (c *Caller) startEpoch(ctx context.Context, answered chan struct{}) error {
	attempt := uuid.NewString()
	c.attempt = attempt
	c.answerApplied = false
	c.answeredCh = answered
	c.seen.Reset()
	c.pendingLocal = nil

	offer, err := c.peer.CreateOffer(c.ctx)
	if err != nil {
		return &ApplyError{Stage: "offer", Err: err}
	}
	offer.Kind = signal.KindOffer
	offer.Attempt = attempt

	// The offer, the cleared answer, and the cleared candidate lists land in
	// one update: no reader snapshot can mix epochs.
	if err := c.mailbox.Put(ctx, c.sessionID, signal.Fields{
		signal.FieldOffer:           &offer,
		signal.FieldAnswer:          nil,
		signal.ListCallerCandidates: nil,
		signal.ListCalleeCandidates: nil,
		signal.FieldAttempt:         attempt,
	}); err != nil {
		return err
	}
	c.setState(CallerOfferSent)
	c.logger.Info("offer written", zap.String("attempt", attempt))
	c.flushPendingLocal()
	return nil
}

func (c *Caller) onSnapshot(rec signal.Record) {
	if c.State() == CallerClosed {
		return
	}

	if rec.ReadyToReceive {
		c.readyOnce.Do(func() { close(c.readyCh) })
	}

	if rec.Answer != nil {
		c.maybeApplyAnswer(rec.Answer)
	}

	for _, cand := range rec.CandidatesFrom(signal.RoleCallee) {
		c.applyCandidate(cand)
	}
}

// maybeApplyAnswer applies the answer for the current epoch exactly once.
// Answers stamped with a superseded attempt are discardable no-ops.
func (c *Caller) maybeApplyAnswer(answer *signal.Description) {
	if c.attempt == "" || c.answerApplied {
		return
	}
	if answer.Attempt != "" && answer.Attempt != c.attempt {
		return
	}

	if err := c.peer.AcceptAnswer(c.ctx, *answer); err != nil {
		applyErr := &ApplyError{Stage: "answer", Err: err}
		c.logger.Warn("failed to apply answer", zap.String("attempt", c.attempt), zap.Error(applyErr))
		c.emit(Event{Kind: EventNegotiationError, Err: applyErr})
		return
	}
	c.answerApplied = true
	if c.answeredCh != nil {
		close(c.answeredCh)
		c.answeredCh = nil
	}
	c.setState(CallerAnswerSeen)
	c.logger.Info("answer applied", zap.String("attempt", c.attempt))
}

func (c *Caller) applyCandidate(cand signal.Candidate) {
	if cand.Attempt != "" && cand.Attempt != c.attempt {
		return
	}
	if !c.seen.FirstTime(cand.Signature()) {
		return
	}
	if err := c.peer.AddRemoteCandidate(cand); err != nil {
		c.logger.Warn("failed to apply candidate", zap.Error(&ApplyError{Stage: "candidate", Err: err}))
	}
}

func (c *Caller) onLocalCandidate(cand signal.Candidate) {
	if c.State() == CallerClosed {
		return
	}
	if c.attempt == "" {
		c.pendingLocal = append(c.pendingLocal, cand)
		return
	}
	cand.Attempt = c.attempt
	c.appendLocal(cand)
}

func (c *Caller) flushPendingLocal() {
	for _, cand := range c.pendingLocal {
		cand.Attempt = c.attempt
		c.appendLocal(cand)
	}
	c.pendingLocal = nil
}

func (c *Caller) appendLocal(cand signal.Candidate) {
	if err := c.mailbox.Append(c.ctx, c.sessionID, signal.ListCallerCandidates, cand); err != nil {
		c.logger.Warn("failed to append candidate", zap.Error(err))
	}
}

func (c *Caller) onRemoteTrack(info TrackInfo) {
	if c.State() == CallerClosed {
		return
	}
	c.connectedOnce.Do(func() {
		c.setState(CallerConnected)
		c.logger.Info("remote media arrived", zap.String("track", info.ID), zap.String("kind", info.Kind))
		c.emit(Event{Kind: EventConnected})
	})
}

func (c *Caller) onTransportState(state TransportState) {
	switch state {
	case TransportFailed:
		c.logger.Error("transport failed")
		c.emit(Event{Kind: EventTransportFailed, Err: ErrTransportFailed})
	case TransportDisconnected:
		c.logger.Warn("transport disconnected")
	}
}

func (c *Caller) setState(s CallerState) {
	c.state.Store(int32(s))
}

func (c *Caller) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		c.logger.Warn("event channel full, dropping", zap.Int("kind", int(ev.Kind)))
	}
}

// Close releases the mailbox subscription before closing the transport.
func (c *Caller) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		if c.unsubscribe != nil {
			c.unsubscribe()
		}
		c.queue.Close()
		c.setState(CallerClosed)
		err = c.peer.Close()
		c.emit(Event{Kind: EventClosed})
	})
	return err
}
