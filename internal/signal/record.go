package signal

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Role identifies which side of the consultation a participant plays. Roles
// are fixed by the domain (the advisor always answers, the client always
// calls), which is what keeps offer production single-sided.
type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

// Peer returns the opposite role.
func (r Role) Peer() Role {
	if r == RoleCaller {
		return RoleCallee
	}
	return RoleCaller
}

func (r Role) Valid() bool { return r == RoleCaller || r == RoleCallee }

// DescriptionKind is the closed set of negotiation description types.
type DescriptionKind string

const (
	KindOffer  DescriptionKind = "offer"
	KindAnswer DescriptionKind = "answer"
)

// Description is an offer or answer payload carried through the mailbox.
// Attempt ties the description to one negotiation epoch so that answers left
// over from a superseded epoch can be dropped as no-ops.
type Description struct {
	Kind    DescriptionKind `json:"kind"`
	SDP     string          `json:"sdp"`
	Attempt string          `json:"attempt,omitempty"`
}

// Signature returns a stable identity for the description payload. The
// attempt stamp is optional on the wire, so answer dedup latches on the
// signature rather than the attempt alone.
func (d Description) Signature() string {
	sum := sha256.Sum256([]byte(string(d.Kind) + "|" + d.Attempt + "|" + d.SDP))
	return hex.EncodeToString(sum[:])
}

// Candidate is one transport candidate payload. Payload holds the serialized
// ICE candidate; consumers dedup on Signature, never on list position.
type Candidate struct {
	Payload string `json:"payload"`
	Attempt string `json:"attempt,omitempty"`
}

// Signature returns a stable identity for the candidate payload, used by the
// per-consumer seen sets.
func (c Candidate) Signature() string {
	sum := sha256.Sum256([]byte(c.Attempt + "|" + c.Payload))
	return hex.EncodeToString(sum[:])
}

// Line is a single transcript utterance. Ordering is mailbox arrival order.
type Line struct {
	Speaker string    `json:"speaker"`
	Text    string    `json:"text"`
	Time    time.Time `json:"time"`
}

// Record is the full mailbox document for one session. Every subscription
// delivery carries the whole current record; consumers treat it as the
// authoritative state and must tolerate duplicate deliveries.
type Record struct {
	SessionID      string       `json:"sessionId"`
	ReadyToReceive bool         `json:"readyToReceive"`
	Attempt        string       `json:"attempt,omitempty"`
	Offer          *Description `json:"offer,omitempty"`
	Answer         *Description `json:"answer,omitempty"`

	CallerCandidates []Candidate `json:"callerCandidates,omitempty"`
	CalleeCandidates []Candidate `json:"calleeCandidates,omitempty"`

	CallerJoined  bool   `json:"callerJoined"`
	CalleeJoined  bool   `json:"calleeJoined"`
	CallerPresent bool   `json:"callerPresent"`
	CalleePresent bool   `json:"calleePresent"`
	CallerName    string `json:"callerName,omitempty"`
	CalleeName    string `json:"calleeName,omitempty"`

	Transcript []Line `json:"transcript,omitempty"`

	Status          string     `json:"status,omitempty"`
	CreatedAt       *time.Time `json:"createdAt,omitempty"`
	EndedAt         *time.Time `json:"endedAt,omitempty"`
	DurationSeconds int        `json:"durationSeconds,omitempty"`
}

// Joined reports the join flag for the given role.
func (r *Record) Joined(role Role) bool {
	if role == RoleCaller {
		return r.CallerJoined
	}
	return r.CalleeJoined
}

// Present reports the presence flag for the given role.
func (r *Record) Present(role Role) bool {
	if role == RoleCaller {
		return r.CallerPresent
	}
	return r.CalleePresent
}

// CandidatesFrom returns the candidate list written by the given role.
func (r *Record) CandidatesFrom(role Role) []Candidate {
	if role == RoleCaller {
		return r.CallerCandidates
	}
	return r.CalleeCandidates
}

// Clone returns a deep copy safe to hand to another goroutine.
func (r *Record) Clone() Record {
	cp := *r
	if r.Offer != nil {
		o := *r.Offer
		cp.Offer = &o
	}
	if r.Answer != nil {
		a := *r.Answer
		cp.Answer = &a
	}
	cp.CallerCandidates = append([]Candidate(nil), r.CallerCandidates...)
	cp.CalleeCandidates = append([]Candidate(nil), r.CalleeCandidates...)
	cp.Transcript = append([]Line(nil), r.Transcript...)
	if r.CreatedAt != nil {
		t := *r.CreatedAt
		cp.CreatedAt = &t
	}
	if r.EndedAt != nil {
		t := *r.EndedAt
		cp.EndedAt = &t
	}
	return cp
}

// PayloadError reports a signaling payload that failed schema validation at
// the mailbox boundary.
type PayloadError struct {
	Field   string
	Message string
}

func (e *PayloadError) Error() string {
	return fmt.Sprintf("payload validation error in %s: %s", e.Field, e.Message)
}

const maxPayloadBytes = 64 * 1024

// ValidateDescription checks an offer/answer payload against the closed
// schema. Malformed descriptions are rejected at the client boundary rather
// than handed to the transport layer.
func ValidateDescription(d *Description) error {
	if d == nil {
		return &PayloadError{Field: "description", Message: "is nil"}
	}
	if d.Kind != KindOffer && d.Kind != KindAnswer {
		return &PayloadError{Field: "kind", Message: fmt.Sprintf("unknown kind %q", d.Kind)}
	}
	if d.SDP == "" {
		return &PayloadError{Field: "sdp", Message: "is empty"}
	}
	if len(d.SDP) > maxPayloadBytes {
		return &PayloadError{Field: "sdp", Message: "exceeds size limit"}
	}
	if !strings.HasPrefix(d.SDP, "v=") {
		return &PayloadError{Field: "sdp", Message: "missing version line"}
	}
	return nil
}

// ValidateCandidate checks a candidate payload.
func ValidateCandidate(c Candidate) error {
	if c.Payload == "" {
		return &PayloadError{Field: "candidate", Message: "payload is empty"}
	}
	if len(c.Payload) > maxPayloadBytes {
		return &PayloadError{Field: "candidate", Message: "payload exceeds size limit"}
	}
	return nil
}

// SeenSet tracks payload signatures that have already been applied, so that
// duplicate mailbox deliveries collapse to no-ops.
type SeenSet struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func NewSeenSet() *SeenSet {
	return &SeenSet{seen: make(map[string]struct{})}
}

// FirstTime records sig and reports whether it was previously unseen.
func (s *SeenSet) FirstTime(sig string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[sig]; ok {
		return false
	}
	s.seen[sig] = struct{}{}
	return true
}

// Reset clears the set for a fresh negotiation epoch.
func (s *SeenSet) Reset() {
	s.mu.Lock()
	s.seen = make(map[string]struct{})
	s.mu.Unlock()
}

// Len reports how many distinct signatures have been applied.
func (s *SeenSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}
