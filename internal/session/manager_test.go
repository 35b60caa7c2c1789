package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/astroline/consult/internal/config"
	"github.com/astroline/consult/internal/finalize"
	"github.com/astroline/consult/internal/rtc"
	"github.com/astroline/consult/internal/signal"
	"github.com/astroline/consult/internal/transcript"
)

type fakeOrch struct {
	mu      sync.Mutex
	events  chan rtc.Event
	started bool
	closed  bool

	connectAfter time.Duration // emit EventConnected this long after Start
}

func newFakeOrch() *fakeOrch {
	return &fakeOrch{events: make(chan rtc.Event, 8)}
}

func (o *fakeOrch) Start(ctx context.Context) error {
	o.mu.Lock()
	o.started = true
	connect := o.connectAfter
	o.mu.Unlock()
	if connect > 0 {
		go func() {
			time.Sleep(connect)
			o.emit(rtc.Event{Kind: rtc.EventConnected})
		}()
	}
	return nil
}

func (o *fakeOrch) Events() <-chan rtc.Event { return o.events }

func (o *fakeOrch) Close() error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	return nil
}

func (o *fakeOrch) emit(ev rtc.Event) {
	select {
	case o.events <- ev:
	default:
	}
}

func (o *fakeOrch) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

type fakeFinalizer struct {
	mu    sync.Mutex
	calls int
	last  *finalize.Record
}

func (f *fakeFinalizer) Finalize(ctx context.Context, rec *finalize.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.last = rec
	return nil
}

func (f *fakeFinalizer) snapshot() (int, *finalize.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls, f.last
}

func testSessionConfig() config.SessionConfig {
	return config.SessionConfig{
		DurationCap:        time.Hour,
		ReadyWait:          time.Second,
		NegotiationRetries: 3,
		TranscriptGrace:    20 * time.Millisecond,
		DiscoveryInterval:  10 * time.Millisecond,
		DiscoveryAttempts:  20,
	}
}

func newTestManager(t *testing.T, mb signal.Mailbox, cfg config.SessionConfig, orch Orchestrator, negotiate func(context.Context) error, fin Finalizer) (*Manager, *transcript.Recorder) {
	t.Helper()
	rec := transcript.NewRecorder("s1", mb, cfg.TranscriptGrace)
	m := NewManager(Params{
		Config:      cfg,
		SessionID:   "s1",
		Role:        signal.RoleCaller,
		DisplayName: "Ada",
		Mailbox:     mb,
		Orch:        orch,
		Negotiate:   negotiate,
		Recorder:    rec,
		Finalizer:   fin,
	})
	return m, rec
}

// joinAsCallee simulates the remote participant's presence and join writes.
func joinAsCallee(t *testing.T, mb signal.Mailbox, name string) {
	t.Helper()
	err := mb.Put(context.Background(), "s1", signal.Fields{
		signal.FieldCalleePresent: true,
		signal.FieldCalleeName:    name,
		signal.FieldCalleeJoined:  true,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestSessionLifecycleDurationCap(t *testing.T) {
	mb := signal.NewMemoryMailbox()
	cfg := testSessionConfig()
	cfg.DurationCap = 60 * time.Millisecond

	orch := newFakeOrch()
	orch.connectAfter = 10 * time.Millisecond
	fin := &fakeFinalizer{}
	negotiate := func(ctx context.Context) error { return nil }

	m, rec := newTestManager(t, mb, cfg, orch, negotiate, fin)
	joinAsCallee(t, mb, "Grace")

	runDone := make(chan error, 1)
	go func() { runDone <- m.Run(context.Background()) }()

	// Utterances while the call is up.
	waitForStatus(t, m, StatusConnected)
	rec.Append(context.Background(), "caller", "hello")
	rec.Append(context.Background(), "callee", "hi")

	select {
	case err := <-runDone:
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not finish")
	}

	if m.Status() != StatusEnded {
		t.Errorf("status = %s, want ended", m.Status())
	}
	if m.Reason() != ReasonDurationCapReached {
		t.Errorf("reason = %s, want durationCapReached", m.Reason())
	}
	if !orch.isClosed() {
		t.Error("orchestrator not closed on end")
	}

	calls, last := fin.snapshot()
	if calls != 1 {
		t.Fatalf("finalizer called %d times, want 1", calls)
	}
	if last.Reason != string(ReasonDurationCapReached) {
		t.Errorf("finalized reason = %s", last.Reason)
	}
	if len(last.Transcript) != 2 {
		t.Errorf("finalized transcript has %d lines, want 2", len(last.Transcript))
	}
	if last.DurationSeconds < 0 {
		t.Errorf("negative duration %d", last.DurationSeconds)
	}

	// The shared record reflects the ended session.
	shared := mb.Snapshot("s1")
	if shared.Status != StatusEnded.String() {
		t.Errorf("shared status = %s, want ended", shared.Status)
	}
	if shared.CallerPresent || shared.CallerJoined {
		t.Error("presence should be retracted on end")
	}
}

func TestSessionGraceWindowLinesReachFinalizer(t *testing.T) {
	mb := signal.NewMemoryMailbox()
	cfg := testSessionConfig()
	cfg.TranscriptGrace = 60 * time.Millisecond

	orch := newFakeOrch()
	fin := &fakeFinalizer{}
	m, rec := newTestManager(t, mb, cfg, orch, nil, fin)

	for i := 0; i < 5; i++ {
		if err := rec.Append(context.Background(), "caller", "line"); err != nil {
			t.Fatal(err)
		}
	}

	m.End(ReasonUserDisconnected)

	// Tail utterances inside the grace window still count.
	if err := rec.Append(context.Background(), "callee", "late 1"); err != nil {
		t.Fatalf("in-grace append failed: %v", err)
	}
	if err := rec.Append(context.Background(), "callee", "late 2"); err != nil {
		t.Fatalf("in-grace append failed: %v", err)
	}

	waitForFinalize(t, fin)
	_, last := fin.snapshot()
	if len(last.Transcript) != 7 {
		t.Errorf("finalized transcript has %d lines, want 7", len(last.Transcript))
	}
}

func TestSessionEndIsIdempotent(t *testing.T) {
	mb := signal.NewMemoryMailbox()
	orch := newFakeOrch()
	fin := &fakeFinalizer{}
	m, _ := newTestManager(t, mb, testSessionConfig(), orch, nil, fin)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Disconnect()
		}()
	}
	wg.Wait()
	m.End(ReasonDurationCapReached) // losing reason, first one wins

	waitForFinalize(t, fin)
	calls, last := fin.snapshot()
	if calls != 1 {
		t.Errorf("finalizer called %d times, want 1", calls)
	}
	if last.Reason != string(ReasonUserDisconnected) {
		t.Errorf("finalized reason = %s, want userDisconnected", last.Reason)
	}
	if m.Reason() != ReasonUserDisconnected {
		t.Errorf("reason = %s, want userDisconnected", m.Reason())
	}
}

func TestSessionNegotiationRetriesExhausted(t *testing.T) {
	mb := signal.NewMemoryMailbox()
	cfg := testSessionConfig()
	cfg.NegotiationRetries = 2

	orch := newFakeOrch()
	fin := &fakeFinalizer{}
	attempts := 0
	var mu sync.Mutex
	negotiate := func(ctx context.Context) error {
		mu.Lock()
		attempts++
		mu.Unlock()
		return rtc.ErrPeerNotReady
	}

	m, _ := newTestManager(t, mb, cfg, orch, negotiate, fin)
	joinAsCallee(t, mb, "Grace")

	runDone := make(chan error, 1)
	go func() { runDone <- m.Run(context.Background()) }()

	select {
	case err := <-runDone:
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not finish")
	}

	mu.Lock()
	got := attempts
	mu.Unlock()
	if got != 2 {
		t.Errorf("negotiate attempted %d times, want 2", got)
	}
	if m.Reason() != ReasonNegotiationTimedOut {
		t.Errorf("reason = %s, want negotiationTimedOut", m.Reason())
	}
}

func TestSessionUnansweredOffersExhaustRetries(t *testing.T) {
	mb := signal.NewMemoryMailbox()
	cfg := testSessionConfig()
	cfg.NegotiationRetries = 2

	orch := newFakeOrch()
	fin := &fakeFinalizer{}
	attempts := 0
	var mu sync.Mutex
	negotiate := func(ctx context.Context) error {
		mu.Lock()
		attempts++
		mu.Unlock()
		return rtc.ErrNoAnswer
	}

	m, _ := newTestManager(t, mb, cfg, orch, negotiate, fin)
	joinAsCallee(t, mb, "Grace")

	runDone := make(chan error, 1)
	go func() { runDone <- m.Run(context.Background()) }()

	select {
	case err := <-runDone:
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not finish")
	}

	mu.Lock()
	got := attempts
	mu.Unlock()
	if got != 2 {
		t.Errorf("negotiate attempted %d times, want 2", got)
	}
	if m.Reason() != ReasonNegotiationTimedOut {
		t.Errorf("reason = %s, want negotiationTimedOut", m.Reason())
	}
}

// joinFailMailbox rejects the write of this side's join flag, simulating the
// gateway going away between discovery and join.
type joinFailMailbox struct {
	*signal.MemoryMailbox
}

func (m *joinFailMailbox) Put(ctx context.Context, sessionID string, fields signal.Fields) error {
	if v, ok := fields[signal.FieldCallerJoined]; ok {
		if joined, _ := v.(bool); joined {
			return errors.New("gateway unavailable")
		}
	}
	return m.MemoryMailbox.Put(ctx, sessionID, fields)
}

func TestSessionJoinFailureEndsSession(t *testing.T) {
	mb := &joinFailMailbox{signal.NewMemoryMailbox()}
	fin := &fakeFinalizer{}
	m, _ := newTestManager(t, mb, testSessionConfig(), newFakeOrch(), nil, fin)
	joinAsCallee(t, mb, "Grace")

	err := m.Run(context.Background())
	if err == nil {
		t.Fatal("Run returned nil after join failure")
	}

	// A failed join is a session end, never a silent return: the record is
	// torn down and finalization still runs.
	if m.Status() != StatusEnded {
		t.Errorf("status = %s, want ended", m.Status())
	}
	if m.Reason() != ReasonTransportFailure {
		t.Errorf("reason = %s, want fatalTransportError", m.Reason())
	}
	calls, _ := fin.snapshot()
	if calls != 1 {
		t.Errorf("finalizer called %d times, want 1", calls)
	}
}

func TestSessionTransportFailureEndsSession(t *testing.T) {
	mb := signal.NewMemoryMailbox()
	orch := newFakeOrch()
	orch.connectAfter = 10 * time.Millisecond
	fin := &fakeFinalizer{}
	m, _ := newTestManager(t, mb, testSessionConfig(), orch, func(ctx context.Context) error { return nil }, fin)
	joinAsCallee(t, mb, "Grace")

	runDone := make(chan error, 1)
	go func() { runDone <- m.Run(context.Background()) }()

	waitForStatus(t, m, StatusConnected)
	orch.emit(rtc.Event{Kind: rtc.EventTransportFailed, Err: rtc.ErrTransportFailed})

	select {
	case err := <-runDone:
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not finish")
	}

	if m.Reason() != ReasonTransportFailure {
		t.Errorf("reason = %s, want fatalTransportError", m.Reason())
	}
}

func TestSessionPeerNeverJoins(t *testing.T) {
	mb := signal.NewMemoryMailbox()
	cfg := testSessionConfig()
	cfg.DiscoveryAttempts = 3
	cfg.DiscoveryInterval = 10 * time.Millisecond

	fin := &fakeFinalizer{}
	m, _ := newTestManager(t, mb, cfg, newFakeOrch(), nil, fin)

	err := m.Run(context.Background())
	if !errors.Is(err, ErrPeerNotJoined) {
		t.Fatalf("Run error = %v, want ErrPeerNotJoined", err)
	}
	if m.Reason() != ReasonNegotiationTimedOut {
		t.Errorf("reason = %s, want negotiationTimedOut", m.Reason())
	}
	calls, last := fin.snapshot()
	if calls != 1 {
		t.Fatalf("finalizer called %d times, want 1", calls)
	}
	if len(last.Transcript) != 0 {
		t.Errorf("transcript has %d lines, want 0", len(last.Transcript))
	}
	if last.DurationSeconds != 0 {
		t.Errorf("duration = %d for a session that never connected, want 0", last.DurationSeconds)
	}
}

func TestSessionPresenceWrittenInLobby(t *testing.T) {
	mb := signal.NewMemoryMailbox()
	cfg := testSessionConfig()
	cfg.DiscoveryAttempts = 2
	cfg.DiscoveryInterval = 10 * time.Millisecond

	m, _ := newTestManager(t, mb, cfg, newFakeOrch(), nil, &fakeFinalizer{})
	go m.Run(context.Background())

	waitFor(t, "lobby presence", func() bool {
		rec := mb.Snapshot("s1")
		return rec.CallerPresent && rec.CallerName == "Ada" && rec.CreatedAt != nil
	})
}

func waitForStatus(t *testing.T, m *Manager, want Status) {
	t.Helper()
	waitFor(t, "status "+want.String(), func() bool { return m.Status() == want })
}

func waitForFinalize(t *testing.T, fin *fakeFinalizer) {
	t.Helper()
	waitFor(t, "finalization", func() bool {
		calls, _ := fin.snapshot()
		return calls > 0
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
