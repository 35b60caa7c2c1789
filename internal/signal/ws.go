package signal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sourcegraph/jsonrpc2"
	"go.uber.org/zap"
)

// Wire methods understood by the mailbox gateway.
const (
	methodPut         = "put"
	methodAppend      = "append"
	methodSubscribe   = "subscribe"
	methodUnsubscribe = "unsubscribe"
	methodSnapshot    = "snapshot" // gateway -> client notification
)

type putParams struct {
	SessionID string `json:"sessionId"`
	Fields    Fields `json:"fields"`
}

type appendParams struct {
	SessionID string `json:"sessionId"`
	List      string `json:"list"`
	Item      any    `json:"item"`
}

type subscribeParams struct {
	SessionID string `json:"sessionId"`
}

type snapshotNotification struct {
	SessionID string `json:"sessionId"`
	Record    Record `json:"record"`
}

type inboundEnvelope struct {
	Method string           `json:"method"`
	Params *json.RawMessage `json:"params"`
}

// WSMailbox talks to the mailbox gateway over a websocket, framing each
// operation as a JSON-RPC request. Snapshot notifications fan out to local
// subscribers.
type WSMailbox struct {
	conn   *websocket.Conn
	logger *zap.Logger

	writeMu sync.Mutex // gorilla allows one concurrent writer

	subMu   sync.Mutex
	subs    map[string]map[int64]func(Record)
	latest  map[string]*Record // last sanitized record per subscribed session
	nextSub int64

	reqID atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// DialMailbox connects to the mailbox gateway at addr (host:port) and starts
// the read loop.
func DialMailbox(ctx context.Context, addr string, dialTimeout time.Duration) (*WSMailbox, error) {
	u := url.URL{Scheme: "ws", Host: addr, Path: "/mailbox"}

	dialer := *websocket.DefaultDialer
	if dialTimeout > 0 {
		dialer.HandshakeTimeout = dialTimeout
	}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("mailbox dial failed: %w", err)
	}

	mctx, cancel := context.WithCancel(context.Background())
	m := &WSMailbox{
		conn:   conn,
		logger: zap.L().Named("mailbox"),
		subs:   make(map[string]map[int64]func(Record)),
		latest: make(map[string]*Record),
		ctx:    mctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go m.readLoop()
	return m, nil
}

func (m *WSMailbox) Close() error {
	m.cancel()
	err := m.conn.Close()
	<-m.done
	return err
}

func (m *WSMailbox) Put(ctx context.Context, sessionID string, fields Fields) error {
	return m.call(methodPut, putParams{SessionID: sessionID, Fields: fields})
}

func (m *WSMailbox) Append(ctx context.Context, sessionID, list string, item any) error {
	return m.call(methodAppend, appendParams{SessionID: sessionID, List: list, Item: item})
}

func (m *WSMailbox) Subscribe(ctx context.Context, sessionID string, onChange func(Record)) (func(), error) {
	m.subMu.Lock()
	id := m.nextSub
	m.nextSub++
	first := len(m.subs[sessionID]) == 0
	if m.subs[sessionID] == nil {
		m.subs[sessionID] = make(map[int64]func(Record))
	}
	m.subs[sessionID][id] = onChange
	cached := m.latest[sessionID]
	m.subMu.Unlock()

	// The gateway replies to a subscribe with an immediate snapshot
	// notification, and again on every later mutation. That subscribe-time
	// snapshot only happens once per session per connection, so later local
	// subscribers are handed the last received record instead; a quiet
	// session would otherwise leave them with nothing until the next remote
	// mutation.
	if first {
		if err := m.call(methodSubscribe, subscribeParams{SessionID: sessionID}); err != nil {
			m.dropSubscriber(sessionID, id)
			return nil, err
		}
	} else if cached != nil {
		onChange(cached.Clone())
	}

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			last := m.dropSubscriber(sessionID, id)
			if last {
				if err := m.call(methodUnsubscribe, subscribeParams{SessionID: sessionID}); err != nil {
					m.logger.Warn("unsubscribe failed", zap.String("session", sessionID), zap.Error(err))
				}
			}
		})
	}
	return unsubscribe, nil
}

func (m *WSMailbox) dropSubscriber(sessionID string, id int64) (last bool) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	delete(m.subs[sessionID], id)
	if len(m.subs[sessionID]) == 0 {
		delete(m.subs, sessionID)
		delete(m.latest, sessionID)
		return true
	}
	return false
}

// call frames one request and writes it. Transport failures surface as
// ErrUnavailable so callers can retry with backoff.
func (m *WSMailbox) call(method string, params any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to marshal %s params: %w", method, err)
	}
	msg := &jsonrpc2.Request{
		Method: method,
		Params: (*json.RawMessage)(&raw),
		ID:     jsonrpc2.ID{Num: m.reqID.Add(1)},
	}
	return m.sendMessage(msg)
}

func (m *WSMailbox) sendMessage(message any) error {
	body := new(bytes.Buffer)
	if err := json.NewEncoder(body).Encode(message); err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if err := m.conn.WriteMessage(websocket.TextMessage, body.Bytes()); err != nil {
		m.logger.Warn("mailbox write failed", zap.Error(err))
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (m *WSMailbox) readLoop() {
	defer close(m.done)
	for {
		_, message, err := m.conn.ReadMessage()
		if err != nil {
			select {
			case <-m.ctx.Done():
			default:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					m.logger.Error("mailbox connection lost", zap.Error(err))
				}
			}
			return
		}
		if err := m.handleIncoming(message); err != nil {
			m.logger.Warn("dropping mailbox message", zap.Error(err))
		}
	}
}

func (m *WSMailbox) handleIncoming(message []byte) error {
	var env inboundEnvelope
	if err := json.Unmarshal(message, &env); err != nil {
		return fmt.Errorf("failed to unmarshal message: %w", err)
	}
	if env.Method != methodSnapshot || env.Params == nil {
		return nil
	}

	var note snapshotNotification
	if err := json.Unmarshal(*env.Params, &note); err != nil {
		return fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	m.sanitize(&note.Record)

	m.subMu.Lock()
	if len(m.subs[note.SessionID]) > 0 {
		kept := note.Record.Clone()
		m.latest[note.SessionID] = &kept
	}
	callbacks := make([]func(Record), 0, len(m.subs[note.SessionID]))
	for _, cb := range m.subs[note.SessionID] {
		callbacks = append(callbacks, cb)
	}
	m.subMu.Unlock()

	for _, cb := range callbacks {
		cb(note.Record.Clone())
	}
	return nil
}

// sanitize strips payloads that fail schema validation before the record
// reaches any consumer. A malformed payload is a logged apply error, never
// undefined behavior downstream.
func (m *WSMailbox) sanitize(rec *Record) {
	if rec.Offer != nil {
		if err := ValidateDescription(rec.Offer); err != nil {
			m.logger.Warn("rejecting malformed offer", zap.String("session", rec.SessionID), zap.Error(err))
			rec.Offer = nil
		}
	}
	if rec.Answer != nil {
		if err := ValidateDescription(rec.Answer); err != nil {
			m.logger.Warn("rejecting malformed answer", zap.String("session", rec.SessionID), zap.Error(err))
			rec.Answer = nil
		}
	}
	rec.CallerCandidates = m.validCandidates(rec.SessionID, rec.CallerCandidates)
	rec.CalleeCandidates = m.validCandidates(rec.SessionID, rec.CalleeCandidates)
}

func (m *WSMailbox) validCandidates(sessionID string, in []Candidate) []Candidate {
	out := in[:0]
	for _, c := range in {
		if err := ValidateCandidate(c); err != nil {
			m.logger.Warn("rejecting malformed candidate", zap.String("session", sessionID), zap.Error(err))
			continue
		}
		out = append(out, c)
	}
	return out
}
