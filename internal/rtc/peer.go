package rtc

import (
	"context"
	"errors"
	"fmt"

	"github.com/astroline/consult/internal/signal"
)

// ErrPeerNotReady is returned by the caller orchestrator when the callee does
// not announce readiness within the configured wait. The lifecycle manager
// owns the retry budget for it.
var ErrPeerNotReady = errors.New("rtc: peer not ready")

// ErrNoAnswer is returned by the caller orchestrator when an epoch's offer
// draws no applicable answer within the configured wait. Like ErrPeerNotReady
// it burns one attempt from the lifecycle manager's retry budget.
var ErrNoAnswer = errors.New("rtc: no answer received")

// ErrClosed is returned when an operation is attempted on an orchestrator
// that has already shut down.
var ErrClosed = errors.New("rtc: orchestrator closed")

// ErrTransportFailed is reported when the media transport enters a failed
// state; the session ends immediately with a fatal-transport reason.
var ErrTransportFailed = errors.New("rtc: transport failed")

// ApplyError reports a malformed or out-of-sequence offer, answer, or
// candidate application. It is logged and triggers a fresh negotiation epoch
// rather than crashing the session.
type ApplyError struct {
	Stage string // "offer", "answer", "candidate"
	Err   error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("negotiation apply error in %s: %v", e.Stage, e.Err)
}

func (e *ApplyError) Unwrap() error { return e.Err }

// TransportState is the coarse state of the underlying media transport.
type TransportState int

const (
	TransportConnecting TransportState = iota
	TransportConnected
	TransportDisconnected
	TransportFailed
	TransportClosed
)

func (s TransportState) String() string {
	switch s {
	case TransportConnecting:
		return "connecting"
	case TransportConnected:
		return "connected"
	case TransportDisconnected:
		return "disconnected"
	case TransportFailed:
		return "failed"
	case TransportClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// TrackInfo describes a remote media track arrival.
type TrackInfo struct {
	ID   string
	Kind string
}

// EventKind enumerates what an orchestrator reports upward.
type EventKind int

const (
	// EventConnected fires once, on first remote media track.
	EventConnected EventKind = iota
	// EventNegotiationError reports an absorbed apply failure; the manager
	// may respond by starting a fresh epoch.
	EventNegotiationError
	// EventTransportFailed reports a fatal transport state.
	EventTransportFailed
	// EventClosed reports orchestrator shutdown.
	EventClosed
)

// Event is what orchestrators surface to the session lifecycle manager.
type Event struct {
	Kind EventKind
	Err  error
}

// Peer is the local end of the media transport. It hides the WebRTC engine
// from the orchestrators so negotiation logic can be driven in tests without
// a network stack.
type Peer interface {
	// CreateOffer produces a local offer and installs it as the local
	// description. Called again for a fresh epoch it restarts ICE.
	CreateOffer(ctx context.Context) (signal.Description, error)

	// AcceptOffer installs the remote offer and returns the local answer.
	AcceptOffer(ctx context.Context, offer signal.Description) (signal.Description, error)

	// AcceptAnswer installs the remote answer.
	AcceptAnswer(ctx context.Context, answer signal.Description) error

	// AddRemoteCandidate applies one remote transport candidate.
	AddRemoteCandidate(cand signal.Candidate) error

	// Callback registration. All callbacks may fire from transport-owned
	// goroutines; registrants must hand work off to their own scheduler.
	OnLocalCandidate(fn func(signal.Candidate))
	OnRemoteTrack(fn func(TrackInfo))
	OnStateChange(fn func(TransportState))

	Close() error
}
