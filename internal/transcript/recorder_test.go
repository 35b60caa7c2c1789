package transcript

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/astroline/consult/internal/signal"
)

func TestRecorderAppend(t *testing.T) {
	mb := signal.NewMemoryMailbox()
	r := NewRecorder("s1", mb, 5*time.Second)
	ctx := context.Background()

	if err := r.Append(ctx, "caller", "hello"); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := r.Append(ctx, "callee", "hi there"); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	lines := r.Snapshot()
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
	if lines[0].Speaker != "caller" || lines[0].Text != "hello" {
		t.Errorf("line 0 = %+v", lines[0])
	}
	if lines[1].Speaker != "callee" || lines[1].Text != "hi there" {
		t.Errorf("line 1 = %+v", lines[1])
	}

	// Lines are mirrored into the shared record for the live view.
	rec := mb.Snapshot("s1")
	if len(rec.Transcript) != 2 {
		t.Errorf("mailbox carries %d lines, want 2", len(rec.Transcript))
	}
}

func TestRecorderGraceWindow(t *testing.T) {
	mb := signal.NewMemoryMailbox()
	r := NewRecorder("s1", mb, 5*time.Second)
	ctx := context.Background()

	current := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return current }

	for i := 0; i < 5; i++ {
		if err := r.Append(ctx, "caller", fmt.Sprintf("line %d", i)); err != nil {
			t.Fatalf("Append %d failed: %v", i, err)
		}
	}

	r.EndSession()

	// Two lines arrive inside the grace window and must be kept.
	current = current.Add(2 * time.Second)
	if err := r.Append(ctx, "callee", "late line 1"); err != nil {
		t.Fatalf("in-grace Append failed: %v", err)
	}
	current = current.Add(2 * time.Second)
	if err := r.Append(ctx, "callee", "late line 2"); err != nil {
		t.Fatalf("in-grace Append failed: %v", err)
	}

	// Past the window the recorder rejects further lines.
	current = current.Add(2 * time.Second)
	if err := r.Append(ctx, "callee", "too late"); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("post-grace Append error = %v, want ErrSessionClosed", err)
	}

	if n := r.Len(); n != 7 {
		t.Errorf("recorded %d lines, want 7", n)
	}
}

func TestRecorderEndSessionIdempotent(t *testing.T) {
	mb := signal.NewMemoryMailbox()
	r := NewRecorder("s1", mb, time.Second)

	current := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return current }

	r.EndSession()
	current = current.Add(900 * time.Millisecond)
	// A second EndSession must not extend the window.
	r.EndSession()
	current = current.Add(900 * time.Millisecond)

	if err := r.Append(context.Background(), "caller", "late"); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Append error = %v, want ErrSessionClosed", err)
	}
}

func TestRecorderClose(t *testing.T) {
	mb := signal.NewMemoryMailbox()
	r := NewRecorder("s1", mb, time.Hour)

	if err := r.Append(context.Background(), "caller", "hello"); err != nil {
		t.Fatal(err)
	}
	r.Close()
	if err := r.Append(context.Background(), "caller", "after close"); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Append error = %v, want ErrSessionClosed", err)
	}
	if r.Len() != 1 {
		t.Errorf("Len = %d, want 1", r.Len())
	}
}

// failingMailbox always refuses appends; the local copy must stay
// authoritative regardless.
type failingMailbox struct {
	signal.Mailbox
}

func (f *failingMailbox) Append(ctx context.Context, sessionID, list string, item any) error {
	return signal.ErrUnavailable
}

func TestRecorderKeepsLocalCopyOnMailboxFailure(t *testing.T) {
	r := NewRecorder("s1", &failingMailbox{Mailbox: signal.NewMemoryMailbox()}, time.Second)

	if err := r.Append(context.Background(), "caller", "hello"); err != nil {
		t.Fatalf("Append should succeed despite mailbox failure: %v", err)
	}
	if r.Len() != 1 {
		t.Errorf("Len = %d, want 1", r.Len())
	}
}
