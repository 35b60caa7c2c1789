package signal

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryMailbox is an in-process Mailbox. Both roles of a loopback session
// can share one instance, and tests use it to drive orchestrators through
// arbitrary delivery interleavings. Semantics match the remote mailbox:
// last-write-wins fields, union appends, full-record snapshots on every
// mutation.
type MemoryMailbox struct {
	mu       sync.Mutex
	sessions map[string]*memorySession
}

type memorySession struct {
	record  Record
	nextSub int64
	subs    map[int64]*memorySub
}

type memorySub struct {
	ch   chan Record
	done chan struct{}
}

func NewMemoryMailbox() *MemoryMailbox {
	return &MemoryMailbox{sessions: make(map[string]*memorySession)}
}

func (m *MemoryMailbox) session(sessionID string) *memorySession {
	s, ok := m.sessions[sessionID]
	if !ok {
		s = &memorySession{
			record: Record{SessionID: sessionID},
			subs:   make(map[int64]*memorySub),
		}
		m.sessions[sessionID] = s
	}
	return s
}

func (m *MemoryMailbox) Put(ctx context.Context, sessionID string, fields Fields) error {
	m.mu.Lock()
	s := m.session(sessionID)
	for name, value := range fields {
		if err := applyField(&s.record, name, value); err != nil {
			m.mu.Unlock()
			return err
		}
	}
	m.broadcastLocked(s)
	m.mu.Unlock()
	return nil
}

func (m *MemoryMailbox) Append(ctx context.Context, sessionID, list string, item any) error {
	m.mu.Lock()
	s := m.session(sessionID)
	switch list {
	case ListCallerCandidates, ListCalleeCandidates:
		c, ok := item.(Candidate)
		if !ok {
			m.mu.Unlock()
			return fmt.Errorf("signal: append to %s: want Candidate, got %T", list, item)
		}
		if list == ListCallerCandidates {
			s.record.CallerCandidates = append(s.record.CallerCandidates, c)
		} else {
			s.record.CalleeCandidates = append(s.record.CalleeCandidates, c)
		}
	case ListTranscript:
		l, ok := item.(Line)
		if !ok {
			m.mu.Unlock()
			return fmt.Errorf("signal: append to %s: want Line, got %T", list, item)
		}
		s.record.Transcript = append(s.record.Transcript, l)
	default:
		m.mu.Unlock()
		return fmt.Errorf("signal: unknown list %q", list)
	}
	m.broadcastLocked(s)
	m.mu.Unlock()
	return nil
}

func (m *MemoryMailbox) Subscribe(ctx context.Context, sessionID string, onChange func(Record)) (func(), error) {
	m.mu.Lock()
	s := m.session(sessionID)
	id := s.nextSub
	s.nextSub++
	sub := &memorySub{
		ch:   make(chan Record, 64),
		done: make(chan struct{}),
	}
	s.subs[id] = sub
	snapshot := s.record.Clone()
	m.mu.Unlock()

	// Initial snapshot is delivered synchronously, per the subscription
	// contract; later mutations arrive on the subscriber goroutine.
	onChange(snapshot)

	go func() {
		for {
			select {
			case rec := <-sub.ch:
				onChange(rec)
			case <-sub.done:
				return
			}
		}
	}()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			m.mu.Lock()
			delete(s.subs, id)
			m.mu.Unlock()
			close(sub.done)
		})
	}
	return unsubscribe, nil
}

// Snapshot returns a copy of the current record, for tests and diagnostics.
func (m *MemoryMailbox) Snapshot(sessionID string) Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session(sessionID).record.Clone()
}

// Redeliver pushes the current record to all subscribers again without any
// mutation, simulating the duplicate deliveries the contract permits.
func (m *MemoryMailbox) Redeliver(sessionID string) {
	m.mu.Lock()
	s := m.session(sessionID)
	m.broadcastLocked(s)
	m.mu.Unlock()
}

func (m *MemoryMailbox) broadcastLocked(s *memorySession) {
	for _, sub := range s.subs {
		rec := s.record.Clone()
		select {
		case sub.ch <- rec:
		case <-sub.done:
		}
	}
}

// applyField applies one last-write-wins field update. nil clears the field.
func applyField(r *Record, name string, value any) error {
	bad := func() error {
		return fmt.Errorf("signal: field %s: unexpected value type %T", name, value)
	}
	switch name {
	case FieldReady:
		v, ok := value.(bool)
		if !ok {
			return bad()
		}
		r.ReadyToReceive = v
	case FieldAttempt:
		v, ok := value.(string)
		if !ok {
			return bad()
		}
		r.Attempt = v
	case FieldOffer, FieldAnswer:
		var d *Description
		switch v := value.(type) {
		case nil:
			d = nil
		case *Description:
			d = v
		case Description:
			d = &v
		default:
			return bad()
		}
		if name == FieldOffer {
			r.Offer = d
		} else {
			r.Answer = d
		}
	case ListCallerCandidates, ListCalleeCandidates:
		var list []Candidate
		switch v := value.(type) {
		case nil:
			list = nil
		case []Candidate:
			list = v
		default:
			return bad()
		}
		if name == ListCallerCandidates {
			r.CallerCandidates = list
		} else {
			r.CalleeCandidates = list
		}
	case ListTranscript:
		switch v := value.(type) {
		case nil:
			r.Transcript = nil
		case []Line:
			r.Transcript = v
		default:
			return bad()
		}
	case FieldCallerJoined, FieldCalleeJoined, FieldCallerPresent, FieldCalleePresent:
		v, ok := value.(bool)
		if !ok {
			return bad()
		}
		switch name {
		case FieldCallerJoined:
			r.CallerJoined = v
		case FieldCalleeJoined:
			r.CalleeJoined = v
		case FieldCallerPresent:
			r.CallerPresent = v
		case FieldCalleePresent:
			r.CalleePresent = v
		}
	case FieldCallerName:
		v, ok := value.(string)
		if !ok {
			return bad()
		}
		r.CallerName = v
	case FieldCalleeName:
		v, ok := value.(string)
		if !ok {
			return bad()
		}
		r.CalleeName = v
	case FieldStatus:
		v, ok := value.(string)
		if !ok {
			return bad()
		}
		r.Status = v
	case FieldCreatedAt, FieldEndedAt:
		var t *time.Time
		switch v := value.(type) {
		case nil:
			t = nil
		case time.Time:
			t = &v
		case *time.Time:
			t = v
		default:
			return bad()
		}
		if name == FieldCreatedAt {
			r.CreatedAt = t
		} else {
			r.EndedAt = t
		}
	case FieldDuration:
		v, ok := value.(int)
		if !ok {
			return bad()
		}
		r.DurationSeconds = v
	default:
		return fmt.Errorf("signal: unknown field %q", name)
	}
	return nil
}
