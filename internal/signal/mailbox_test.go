package signal

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestMemoryMailboxPutIsAtomic(t *testing.T) {
	mb := NewMemoryMailbox()
	ctx := context.Background()

	offer := Description{Kind: KindOffer, SDP: "v=0\r\n", Attempt: "e1"}
	err := mb.Put(ctx, "s1", Fields{
		FieldOffer:           &offer,
		FieldAnswer:          nil,
		ListCallerCandidates: nil,
		ListCalleeCandidates: nil,
		FieldAttempt:         "e1",
	})
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	// Every snapshot a subscriber receives must reflect the whole update:
	// an offer from the new epoch never coexists with stale answers or
	// candidate lists.
	var got []Record
	var mu sync.Mutex
	unsub, err := mb.Subscribe(ctx, "s1", func(rec Record) {
		mu.Lock()
		got = append(got, rec)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer unsub()

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("expected synchronous initial snapshot, got %d deliveries", len(got))
	}
	rec := got[0]
	if rec.Offer == nil || rec.Offer.Attempt != "e1" {
		t.Errorf("snapshot offer = %+v, want attempt e1", rec.Offer)
	}
	if rec.Answer != nil {
		t.Error("snapshot should have a cleared answer")
	}
	if len(rec.CallerCandidates) != 0 || len(rec.CalleeCandidates) != 0 {
		t.Error("snapshot should have cleared candidate lists")
	}
}

func TestMemoryMailboxAppendIsUnion(t *testing.T) {
	mb := NewMemoryMailbox()
	ctx := context.Background()

	for _, payload := range []string{"c1", "c2", "c3"} {
		if err := mb.Append(ctx, "s1", ListCallerCandidates, Candidate{Payload: payload, Attempt: "e1"}); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	rec := mb.Snapshot("s1")
	if len(rec.CallerCandidates) != 3 {
		t.Fatalf("got %d candidates, want 3", len(rec.CallerCandidates))
	}
	for i, payload := range []string{"c1", "c2", "c3"} {
		if rec.CallerCandidates[i].Payload != payload {
			t.Errorf("candidate %d = %q, want %q", i, rec.CallerCandidates[i].Payload, payload)
		}
	}
}

func TestMemoryMailboxAppendRejectsWrongType(t *testing.T) {
	mb := NewMemoryMailbox()
	if err := mb.Append(context.Background(), "s1", ListCallerCandidates, "not a candidate"); err == nil {
		t.Error("appending a non-candidate should fail")
	}
	if err := mb.Append(context.Background(), "s1", "unknownList", Candidate{Payload: "c"}); err == nil {
		t.Error("appending to an unknown list should fail")
	}
}

func TestMemoryMailboxSubscribeDeliversMutations(t *testing.T) {
	mb := NewMemoryMailbox()
	ctx := context.Background()

	ready := make(chan Record, 8)
	unsub, err := mb.Subscribe(ctx, "s1", func(rec Record) {
		ready <- rec
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer unsub()

	<-ready // initial snapshot

	if err := mb.Put(ctx, "s1", Fields{FieldReady: true}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	select {
	case rec := <-ready:
		if !rec.ReadyToReceive {
			t.Error("delivered snapshot should carry the readiness flag")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestMemoryMailboxUnsubscribeStopsDelivery(t *testing.T) {
	mb := NewMemoryMailbox()
	ctx := context.Background()

	deliveries := make(chan Record, 8)
	unsub, err := mb.Subscribe(ctx, "s1", func(rec Record) {
		deliveries <- rec
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	<-deliveries

	unsub()
	unsub() // idempotent

	if err := mb.Put(ctx, "s1", Fields{FieldReady: true}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	select {
	case <-deliveries:
		t.Error("received a delivery after unsubscribe")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryMailboxRedeliver(t *testing.T) {
	mb := NewMemoryMailbox()
	ctx := context.Background()

	count := 0
	done := make(chan struct{}, 8)
	unsub, err := mb.Subscribe(ctx, "s1", func(rec Record) {
		count++
		done <- struct{}{}
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer unsub()
	<-done

	mb.Redeliver("s1")
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for redelivery")
	}
	if count != 2 {
		t.Errorf("got %d deliveries, want 2", count)
	}
}

// flakyMailbox fails the first n writes with a transient unavailability.
type flakyMailbox struct {
	*MemoryMailbox
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakyMailbox) Put(ctx context.Context, sessionID string, fields Fields) error {
	f.mu.Lock()
	f.calls++
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()
	if fail {
		return ErrUnavailable
	}
	return f.MemoryMailbox.Put(ctx, sessionID, fields)
}

func TestWithRetryRecoversFromTransientFailure(t *testing.T) {
	flaky := &flakyMailbox{MemoryMailbox: NewMemoryMailbox(), failures: 2}
	mb := WithRetry(flaky, 4, time.Millisecond)

	if err := mb.Put(context.Background(), "s1", Fields{FieldReady: true}); err != nil {
		t.Fatalf("Put should succeed within the retry budget: %v", err)
	}
	if !flaky.Snapshot("s1").ReadyToReceive {
		t.Error("the write should have landed after retries")
	}
	if flaky.calls != 3 {
		t.Errorf("got %d attempts, want 3", flaky.calls)
	}
}

func TestWithRetryExhaustsBudget(t *testing.T) {
	flaky := &flakyMailbox{MemoryMailbox: NewMemoryMailbox(), failures: 10}
	mb := WithRetry(flaky, 2, time.Millisecond)

	err := mb.Put(context.Background(), "s1", Fields{FieldReady: true})
	if err == nil {
		t.Fatal("Put should fail once retries are exhausted")
	}
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("error should wrap ErrUnavailable, got %v", err)
	}
}
