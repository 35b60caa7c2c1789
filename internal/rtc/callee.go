package rtc

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/astroline/consult/internal/signal"
)

// CalleeState tracks the callee orchestrator through one session.
type CalleeState int32

const (
	CalleeNotReady CalleeState = iota
	CalleeSignaled
	CalleeOfferSeen
	CalleeAnswerSent
	CalleeConnected
	CalleeClosed
)

func (s CalleeState) String() string {
	switch s {
	case CalleeNotReady:
		return "not-ready"
	case CalleeSignaled:
		return "signaled"
	case CalleeOfferSeen:
		return "offer-seen"
	case CalleeAnswerSent:
		return "answer-sent"
	case CalleeConnected:
		return "connected"
	case CalleeClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Callee runs the answering side of the negotiation. It announces readiness,
// answers each offer exactly once per epoch, and exchanges candidates until
// media flows.
type Callee struct {
	sessionID string
	mailbox   signal.Mailbox
	peer      Peer
	logger    *zap.Logger
	queue     *taskQueue
	events    chan Event

	state atomic.Int32

	// Negotiation state below is confined to the task queue goroutine.
	attempt      string
	answeredSig  string
	offerSeen    bool
	seen         *signal.SeenSet
	pendingLocal []signal.Candidate

	unsubscribe func()

	connectedOnce sync.Once
	closeOnce     sync.Once
	ctx           context.Context
	cancel        context.CancelFunc
}

func NewCallee(sessionID string, mailbox signal.Mailbox, peer Peer) *Callee {
	ctx, cancel := context.WithCancel(context.Background())
	return &Callee{
		sessionID: sessionID,
		mailbox:   mailbox,
		peer:      peer,
		logger:    zap.L().Named("callee").With(zap.String("session", sessionID)),
		queue:     newTaskQueue(),
		events:    make(chan Event, 8),
		seen:      signal.NewSeenSet(),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Events reports connection milestones and failures to the lifecycle
// manager.
func (c *Callee) Events() <-chan Event { return c.events }

// State returns the current orchestrator state.
func (c *Callee) State() CalleeState { return CalleeState(c.state.Load()) }

// Start announces readiness and begins consuming mailbox deliveries.
//
// The write order is load-bearing: stale negotiation state is cleared first,
// readiness is written second, and only then does the subscription start. A
// caller polling at the wrong instant must never observe readiness alongside
// a stale offer.
func (c *Callee) Start(ctx context.Context) error {
	if err := c.mailbox.Put(ctx, c.sessionID, signal.Fields{
		signal.FieldOffer:           nil,
		signal.FieldAnswer:          nil,
		signal.ListCallerCandidates: nil,
		signal.ListCalleeCandidates: nil,
		signal.FieldAttempt:         "",
	}); err != nil {
		return err
	}

	if err := c.mailbox.Put(ctx, c.sessionID, signal.Fields{
		signal.FieldReady: true,
	}); err != nil {
		return err
	}
	c.setState(CalleeSignaled)

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
	c.logger.Info("callee signaled ready")
	return nil
}

func (c *Callee) onSnapshot(rec signal.Record) {
	if c.State() == CalleeClosed {
		return
	}

	if rec.Offer != nil {
		c.maybeAnswer(rec.Offer)
	}

	for _, cand := range rec.CandidatesFrom(signal.RoleCaller) {
		c.applyCandidate(cand)
	}
}

// maybeAnswer produces at most one answer per distinct offer. The guard
// latches on the offer's payload signature rather than the optional attempt
// stamp, so duplicate deliveries of an unstamped offer collapse the same way
// stamped ones do. Writing the answer triggers a redelivery of the record
// that still carries the offer; without the latch that redelivery would feed
// the next answer.
func (c *Callee) maybeAnswer(offer *signal.Description) {
	sig := offer.Signature()
	if sig == c.answeredSig {
		return
	}

	if c.offerSeen {
		// A new offer supersedes the prior epoch: per-epoch dedup state
		// starts over, anything in flight from the old epoch is a no-op.
		c.seen.Reset()
		c.pendingLocal = nil
	}
	c.offerSeen = true
	c.attempt = offer.Attempt
	c.setState(CalleeOfferSeen)

	answer, err := c.peer.AcceptOffer(c.ctx, *offer)
	if err != nil {
		applyErr := &ApplyError{Stage: "offer", Err: err}
		c.logger.Warn("failed to apply offer", zap.String("attempt", offer.Attempt), zap.Error(applyErr))
		c.emit(Event{Kind: EventNegotiationError, Err: applyErr})
		return
	}
	answer.Kind = signal.KindAnswer
	answer.Attempt = offer.Attempt

	if err := c.mailbox.Put(c.ctx, c.sessionID, signal.Fields{
		signal.FieldAnswer: &answer,
	}); err != nil {
		c.logger.Warn("failed to write answer", zap.Error(err))
		c.emit(Event{Kind: EventNegotiationError, Err: err})
		return
	}

	c.answeredSig = sig
	c.setState(CalleeAnswerSent)
	c.logger.Info("answer written", zap.String("attempt", offer.Attempt))
	c.flushPendingLocal()
}

func (c *Callee) applyCandidate(cand signal.Candidate) {
	if cand.Attempt != "" && cand.Attempt != c.attempt {
		return // superseded epoch
	}
	if !c.seen.FirstTime(cand.Signature()) {
		return
	}
	if err := c.peer.AddRemoteCandidate(cand); err != nil {
		// Component-local: absorbed and logged, never escalated.
		c.logger.Warn("failed to apply candidate", zap.Error(&ApplyError{Stage: "candidate", Err: err}))
	}
}

func (c *Callee) onLocalCandidate(cand signal.Candidate) {
	if c.State() == CalleeClosed {
		return
	}
	if !c.offerSeen {
		c.pendingLocal = append(c.pendingLocal, cand)
		return
	}
	cand.Attempt = c.attempt
	c.appendLocal(cand)
}

func (c *Callee) flushPendingLocal() {
	for _, cand := range c.pendingLocal {
		cand.Attempt = c.attempt
		c.appendLocal(cand)
	}
	c.pendingLocal = nil
}

func (c *Callee) appendLocal(cand signal.Candidate) {
	if err := c.mailbox.Append(c.ctx, c.sessionID, signal.ListCalleeCandidates, cand); err != nil {
		c.logger.Warn("failed to append candidate", zap.Error(err))
	}
}

func (c *Callee) onRemoteTrack(info TrackInfo) {
	if c.State() == CalleeClosed {
		return
	}
	c.connectedOnce.Do(func() {
		c.setState(CalleeConnected)
		c.logger.Info("remote media arrived", zap.String("track", info.ID), zap.String("kind", info.Kind))
		c.emit(Event{Kind: EventConnected})
	})
}

func (c *Callee) onTransportState(state TransportState) {
	switch state {
	case TransportFailed:
		c.logger.Error("transport failed")
		c.emit(Event{Kind: EventTransportFailed, Err: ErrTransportFailed})
	case TransportDisconnected:
		c.logger.Warn("transport disconnected")
	}
}

func (c *Callee) setState(s CalleeState) {
	c.state.Store(int32(s))
}

func (c *Callee) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		c.logger.Warn("event channel full, dropping", zap.Int("kind", int(ev.Kind)))
	}
}

// Close tears down the orchestrator: the subscription is released before the
// transport closes so no further deliveries race the shutdown.
func (c *Callee) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		if c.unsubscribe != nil {
			c.unsubscribe()
		}
		c.queue.Close()
		c.setState(CalleeClosed)
		err = c.peer.Close()
		c.emit(Event{Kind: EventClosed})
	})
	return err
}
