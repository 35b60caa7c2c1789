package finalize

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/astroline/consult/internal/signal"
)

type fakeSettler struct {
	mu       sync.Mutex
	calls    int
	failures int
	outcome  SettleOutcome
}

func (s *fakeSettler) TriggerSettlement(ctx context.Context, sessionID string) (SettleOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failures > 0 {
		s.failures--
		return "", errors.New("settlement unreachable")
	}
	if s.outcome == "" {
		return SettleOK, nil
	}
	return s.outcome, nil
}

type fakeDeliverer struct {
	mu    sync.Mutex
	calls int
	fail  bool
	last  *Record
}

func (d *fakeDeliverer) DeliverTranscript(ctx context.Context, rec *Record) (DeliverOutcome, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.fail {
		return "", errors.New("delivery unreachable")
	}
	d.last = rec
	if len(rec.Transcript) == 0 {
		return DeliverNoTranscript, nil
	}
	return DeliverOK, nil
}

type failingStore struct{}

func (failingStore) Save(ctx context.Context, rec *Record) error {
	return errors.New("database down")
}

func testRecord(sessionID string) *Record {
	return &Record{
		SessionID: sessionID,
		Reason:    "userDisconnected",
		Transcript: []signal.Line{
			{Speaker: "caller", Text: "hello", Time: time.Now()},
		},
		DurationSeconds: 42,
		EndedAt:         time.Now(),
	}
}

func TestFinalizeRunsExactlyOnce(t *testing.T) {
	store := NewMemoryStore()
	settler := &fakeSettler{}
	deliver := &fakeDeliverer{}
	f := New(store, nil, settler, deliver, 3)

	rec := testRecord("s1")
	if err := f.Finalize(context.Background(), rec); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	if err := f.Finalize(context.Background(), rec); err != nil {
		t.Fatalf("repeated Finalize failed: %v", err)
	}

	if store.Saves() != 1 {
		t.Errorf("store saved %d records, want 1", store.Saves())
	}
	if settler.calls != 1 {
		t.Errorf("settlement triggered %d times, want 1", settler.calls)
	}
	if deliver.calls != 1 {
		t.Errorf("transcript delivered %d times, want 1", deliver.calls)
	}
	if deliver.last == nil || len(deliver.last.Transcript) != 1 {
		t.Error("delivered record should carry the transcript")
	}
}

func TestFinalizeSettlementRetriesAreBounded(t *testing.T) {
	settler := &fakeSettler{failures: 100}
	f := New(NewMemoryStore(), nil, settler, &fakeDeliverer{}, 3)

	// Settlement failures never fail finalization; after the call ceiling the
	// finalizer gives up and moves on.
	if err := f.Finalize(context.Background(), testRecord("s1")); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	if settler.calls != 3 {
		t.Errorf("settlement attempted %d times, want 3", settler.calls)
	}
}

func TestFinalizeTransientSettlementFailureRecovers(t *testing.T) {
	settler := &fakeSettler{failures: 1, outcome: SettleAlready}
	f := New(NewMemoryStore(), nil, settler, nil, 3)

	if err := f.Finalize(context.Background(), testRecord("s1")); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	if settler.calls != 2 {
		t.Errorf("settlement attempted %d times, want 2", settler.calls)
	}
}

func TestFinalizeStoreFailureIsReported(t *testing.T) {
	settler := &fakeSettler{}
	f := New(failingStore{}, nil, settler, nil, 3)

	if err := f.Finalize(context.Background(), testRecord("s1")); err == nil {
		t.Fatal("Finalize should report a store failure")
	}
	// A record that could not be persisted must not settle.
	if settler.calls != 0 {
		t.Errorf("settlement triggered %d times after store failure, want 0", settler.calls)
	}
}

func TestFinalizeEmptyTranscriptStillDelivered(t *testing.T) {
	deliver := &fakeDeliverer{}
	f := New(NewMemoryStore(), nil, nil, deliver, 3)

	rec := testRecord("s1")
	rec.Transcript = nil
	if err := f.Finalize(context.Background(), rec); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	if deliver.calls != 1 {
		t.Errorf("deliverer called %d times, want 1", deliver.calls)
	}
}

func TestFinalizeConcurrentCallsCollapse(t *testing.T) {
	store := NewMemoryStore()
	f := New(store, nil, nil, nil, 3)
	rec := testRecord("s1")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.Finalize(context.Background(), rec)
		}()
	}
	wg.Wait()

	if store.Saves() != 1 {
		t.Errorf("store saved %d records under concurrency, want 1", store.Saves())
	}
}

func TestMemoryStoreCompletedGuard(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	first := testRecord("s1")
	if err := store.Save(ctx, first); err != nil {
		t.Fatal(err)
	}

	second := testRecord("s1")
	second.Reason = "durationCapReached"
	if err := store.Save(ctx, second); err != nil {
		t.Fatal(err)
	}

	got, ok := store.Get("s1")
	if !ok {
		t.Fatal("record missing")
	}
	if got.Reason != "userDisconnected" {
		t.Errorf("completed record was overwritten: reason = %s", got.Reason)
	}
}
