package rtc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/astroline/consult/internal/signal"
)

// TrackSource provides local media to attach to a peer connection. The media
// package implements it; tests leave it nil.
type TrackSource interface {
	Populate(engine *webrtc.MediaEngine) error
	Attach(pc *webrtc.PeerConnection) error
}

// PionPeerConfig configures the WebRTC transport end.
type PionPeerConfig struct {
	ICEServers []string // STUN/TURN URLs; defaults to public STUN
	Source     TrackSource
}

// PionPeer implements Peer on a pion PeerConnection.
type PionPeer struct {
	pc     *webrtc.PeerConnection
	logger *zap.Logger

	mu             sync.Mutex
	remoteSet      bool
	offered        bool
	pendingRemote  []webrtc.ICECandidateInit
	localCandidate func(signal.Candidate)
	remoteTrack    func(TrackInfo)
	stateChange    func(TransportState)
}

// NewPionPeer builds the peer connection: media engine with default codecs,
// ICE timeouts, and bidirectional audio/video transceivers.
func NewPionPeer(cfg PionPeerConfig) (*PionPeer, error) {
	iceServers := cfg.ICEServers
	if len(iceServers) == 0 {
		iceServers = []string{
			"stun:stun.l.google.com:19302",
			"stun:stun1.l.google.com:19302",
		}
	}
	pcConfig := webrtc.Configuration{
		ICEServers:         []webrtc.ICEServer{{URLs: iceServers}},
		ICETransportPolicy: webrtc.ICETransportPolicyAll,
	}

	mediaEngine := webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register default codecs: %w", err)
	}
	if cfg.Source != nil {
		if err := cfg.Source.Populate(&mediaEngine); err != nil {
			return nil, fmt.Errorf("failed to populate media engine: %w", err)
		}
	}

	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetICETimeouts(
		5*time.Second,  // disconnected timeout
		10*time.Second, // failed timeout
		30*time.Second, // keep-alive interval
	)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(&mediaEngine),
		webrtc.WithSettingEngine(settingEngine),
	)

	pc, err := api.NewPeerConnection(pcConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	p := &PionPeer{
		pc:     pc,
		logger: zap.L().Named("peer"),
	}

	if cfg.Source != nil {
		if err := cfg.Source.Attach(pc); err != nil {
			pc.Close()
			return nil, fmt.Errorf("failed to attach local media: %w", err)
		}
	} else {
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionSendrecv,
		}); err != nil {
			pc.Close()
			return nil, fmt.Errorf("failed to add audio transceiver: %w", err)
		}
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionSendrecv,
		}); err != nil {
			pc.Close()
			return nil, fmt.Errorf("failed to add video transceiver: %w", err)
		}
	}

	p.setupCallbacks()
	return p, nil
}

func (p *PionPeer) setupCallbacks() {
	p.pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return // end of gathering
		}
		payload, err := json.Marshal(candidate.ToJSON())
		if err != nil {
			p.logger.Warn("failed to marshal candidate", zap.Error(err))
			return
		}
		p.mu.Lock()
		fn := p.localCandidate
		p.mu.Unlock()
		if fn != nil {
			fn(signal.Candidate{Payload: string(payload)})
		}
	})

	p.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		p.logger.Info("received track",
			zap.String("id", track.ID()),
			zap.String("kind", track.Kind().String()),
			zap.Uint32("ssrc", uint32(track.SSRC())))
		p.mu.Lock()
		fn := p.remoteTrack
		p.mu.Unlock()
		if fn != nil {
			fn(TrackInfo{ID: track.ID(), Kind: track.Kind().String()})
		}
	})

	p.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.logger.Info("connection state changed", zap.String("state", state.String()))
		mapped, ok := mapConnectionState(state)
		if !ok {
			return
		}
		p.mu.Lock()
		fn := p.stateChange
		p.mu.Unlock()
		if fn != nil {
			fn(mapped)
		}
	})

	p.pc.OnICEGatheringStateChange(func(state webrtc.ICEGatheringState) {
		p.logger.Debug("ICE gathering state changed", zap.String("state", state.String()))
	})
}

func mapConnectionState(state webrtc.PeerConnectionState) (TransportState, bool) {
	switch state {
	case webrtc.PeerConnectionStateConnecting:
		return TransportConnecting, true
	case webrtc.PeerConnectionStateConnected:
		return TransportConnected, true
	case webrtc.PeerConnectionStateDisconnected:
		return TransportDisconnected, true
	case webrtc.PeerConnectionStateFailed:
		return TransportFailed, true
	case webrtc.PeerConnectionStateClosed:
		return TransportClosed, true
	default:
		return TransportConnecting, false
	}
}

func (p *PionPeer) CreateOffer(ctx context.Context) (signal.Description, error) {
	p.mu.Lock()
	restart := p.offered
	p.offered = true
	p.remoteSet = false
	p.pendingRemote = nil
	p.mu.Unlock()

	var opts *webrtc.OfferOptions
	if restart {
		// Fresh epoch over an existing connection restarts ICE.
		opts = &webrtc.OfferOptions{ICERestart: true}
	}
	offer, err := p.pc.CreateOffer(opts)
	if err != nil {
		return signal.Description{}, fmt.Errorf("failed to create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return signal.Description{}, fmt.Errorf("failed to set local description: %w", err)
	}
	return signal.Description{Kind: signal.KindOffer, SDP: offer.SDP}, nil
}

func (p *PionPeer) AcceptOffer(ctx context.Context, offer signal.Description) (signal.Description, error) {
	if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offer.SDP,
	}); err != nil {
		return signal.Description{}, fmt.Errorf("failed to set remote description from offer: %w", err)
	}
	p.flushPendingRemote()

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return signal.Description{}, fmt.Errorf("failed to create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return signal.Description{}, fmt.Errorf("failed to set local description: %w", err)
	}
	return signal.Description{Kind: signal.KindAnswer, SDP: answer.SDP}, nil
}

func (p *PionPeer) AcceptAnswer(ctx context.Context, answer signal.Description) error {
	if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answer.SDP,
	}); err != nil {
		return fmt.Errorf("failed to set remote description from answer: %w", err)
	}
	p.flushPendingRemote()
	return nil
}

// flushPendingRemote applies candidates that arrived before the remote
// description was installed.
func (p *PionPeer) flushPendingRemote() {
	p.mu.Lock()
	pending := p.pendingRemote
	p.pendingRemote = nil
	p.remoteSet = true
	p.mu.Unlock()

	for _, init := range pending {
		if err := p.pc.AddICECandidate(init); err != nil {
			p.logger.Warn("failed to add buffered candidate", zap.Error(err))
		}
	}
}

func (p *PionPeer) AddRemoteCandidate(cand signal.Candidate) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(cand.Payload), &init); err != nil {
		return fmt.Errorf("failed to unmarshal candidate: %w", err)
	}

	p.mu.Lock()
	if !p.remoteSet {
		p.pendingRemote = append(p.pendingRemote, init)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	if err := p.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("failed to add ICE candidate: %w", err)
	}
	return nil
}

func (p *PionPeer) OnLocalCandidate(fn func(signal.Candidate)) {
	p.mu.Lock()
	p.localCandidate = fn
	p.mu.Unlock()
}

func (p *PionPeer) OnRemoteTrack(fn func(TrackInfo)) {
	p.mu.Lock()
	p.remoteTrack = fn
	p.mu.Unlock()
}

func (p *PionPeer) OnStateChange(fn func(TransportState)) {
	p.mu.Lock()
	p.stateChange = fn
	p.mu.Unlock()
}

func (p *PionPeer) Close() error {
	return p.pc.Close()
}
