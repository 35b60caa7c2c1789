// Package media owns the local capture devices. The devices are acquired
// once when the session enters the lobby and released when it ends; the
// session process has exclusive ownership in between.
package media

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	_ "github.com/pion/mediadevices/pkg/driver/camera"     // This is required to register camera adapter - DON'T REMOVE
	_ "github.com/pion/mediadevices/pkg/driver/microphone" // This is required to register microphone adapter  - DON'T REMOVE

	"github.com/astroline/consult/internal/config"
)

const rtpMTU = 1200

// Capture wraps the local camera and microphone behind one acquire/release
// lifecycle and feeds their RTP packets into a peer connection.
type Capture struct {
	cfg      config.MediaConfig
	selector *mediadevices.CodecSelector
	logger   *zap.Logger

	mu         sync.RWMutex
	stream     mediadevices.MediaStream
	camera     mediadevices.MediaDeviceInfo
	microphone mediadevices.MediaDeviceInfo

	ctx    context.Context
	cancel context.CancelFunc
}

// NewCapture builds the codec selector. Devices are not touched until
// Acquire.
func NewCapture(cfg config.MediaConfig) (*Capture, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("failed to create VP8 params: %w", err)
	}
	vpxParams.BitRate = cfg.VideoBitRate
	vpxParams.KeyFrameInterval = 15
	vpxParams.RateControlEndUsage = vpx.RateControlVBR
	vpxParams.Deadline = time.Millisecond * 200

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("failed to create Opus params: %w", err)
	}
	opusParams.BitRate = cfg.AudioBitRate
	opusParams.Latency = opus.Latency20ms // 20 ms frame size for real-time communication

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	ctx, cancel := context.WithCancel(context.Background())
	return &Capture{
		cfg:      cfg,
		selector: selector,
		logger:   zap.L().Named("media"),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Populate registers the selected codecs with a media engine.
func (c *Capture) Populate(engine *webrtc.MediaEngine) error {
	c.selector.Populate(engine)
	return nil
}

// Acquire enumerates devices and opens the capture stream. Called once at
// lobby entry.
func (c *Capture) Acquire(ctx context.Context) error {
	camera, microphone, err := c.selectDevices()
	if err != nil {
		return err
	}

	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Video: func(mc *mediadevices.MediaTrackConstraints) {
			mc.DeviceID = prop.String(camera.DeviceID)
			mc.FrameFormat = prop.FrameFormat(frame.FormatYUY2)
			mc.Width = prop.Int(c.cfg.Width)
			mc.Height = prop.Int(c.cfg.Height)
			mc.FrameRate = prop.Float(float64(c.cfg.Framerate))
			mc.DiscardFramesOlderThan = 500 * time.Millisecond
		},
		Audio: func(mc *mediadevices.MediaTrackConstraints) {
			mc.DeviceID = prop.String(microphone.DeviceID)
			mc.SampleRate = prop.Int(48000)
			mc.SampleSize = prop.Int(16)
			mc.ChannelCount = prop.Int(1)
			mc.IsFloat = prop.BoolExact(false)
			mc.IsBigEndian = prop.BoolExact(false)
			mc.IsInterleaved = prop.BoolExact(true)
			mc.Latency = prop.Duration(time.Millisecond * 50)
		},
		Codec: c.selector,
	})
	if err != nil {
		return fmt.Errorf("failed to get user media: %w", err)
	}

	c.mu.Lock()
	c.stream = stream
	c.camera = camera
	c.microphone = microphone
	c.mu.Unlock()

	c.logger.Info("capture devices acquired",
		zap.String("camera", camera.Label),
		zap.String("microphone", microphone.Label))
	return nil
}

// selectDevices picks the first available camera and microphone, or the one
// matching the configured device id.
func (c *Capture) selectDevices() (camera, microphone mediadevices.MediaDeviceInfo, err error) {
	devices := mediadevices.EnumerateDevices()

	var cameras, microphones []mediadevices.MediaDeviceInfo
	for _, device := range devices {
		switch device.Kind {
		case mediadevices.VideoInput:
			cameras = append(cameras, device)
		case mediadevices.AudioInput:
			microphones = append(microphones, device)
		}
	}

	if !c.cfg.DisableVideo {
		if len(cameras) == 0 {
			return camera, microphone, fmt.Errorf("no camera devices found")
		}
		camera = cameras[0]
		for _, d := range cameras {
			if c.cfg.CaptureDevice != "" && d.DeviceID == c.cfg.CaptureDevice {
				camera = d
			}
		}
	}
	if !c.cfg.DisableAudio {
		if len(microphones) == 0 {
			return camera, microphone, fmt.Errorf("no microphone devices found")
		}
		microphone = microphones[0]
	}
	return camera, microphone, nil
}

// Attach adds local tracks to the peer connection and starts the RTP
// forwarding loops.
func (c *Capture) Attach(pc *webrtc.PeerConnection) error {
	c.mu.RLock()
	stream := c.stream
	c.mu.RUnlock()
	if stream == nil {
		return fmt.Errorf("capture stream not acquired")
	}

	if !c.cfg.DisableVideo {
		videoTrack, sender, err := addLocalTrack(pc, webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeVP8,
			ClockRate: 90000,
		}, "video", "consult-video")
		if err != nil {
			return err
		}
		go c.forwardTracks(stream.GetVideoTracks(), videoTrack, sender, "video")
	}

	if !c.cfg.DisableAudio {
		audioTrack, sender, err := addLocalTrack(pc, webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    1,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		}, "audio", "consult-audio")
		if err != nil {
			return err
		}
		go c.forwardTracks(stream.GetAudioTracks(), audioTrack, sender, "audio")
	}
	return nil
}

func addLocalTrack(pc *webrtc.PeerConnection, codec webrtc.RTPCodecCapability, id, streamID string) (*webrtc.TrackLocalStaticRTP, *webrtc.RTPSender, error) {
	track, err := webrtc.NewTrackLocalStaticRTP(codec, id, streamID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create %s track: %w", id, err)
	}
	sender, err := pc.AddTrack(track)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to add %s track: %w", id, err)
	}
	return track, sender, nil
}

func (c *Capture) forwardTracks(tracks []mediadevices.Track, local *webrtc.TrackLocalStaticRTP, sender *webrtc.RTPSender, kind string) {
	if len(tracks) == 0 {
		c.logger.Warn("no local tracks available", zap.String("kind", kind))
		return
	}

	params := sender.GetParameters()
	if len(params.Encodings) == 0 || params.Encodings[0].SSRC == 0 {
		c.logger.Warn("no valid SSRC for sender", zap.String("kind", kind))
		return
	}
	ssrc := uint32(params.Encodings[0].SSRC)

	for _, track := range tracks {
		go c.forwardRTP(track, local, ssrc, kind)
	}
}

func (c *Capture) forwardRTP(track mediadevices.Track, local *webrtc.TrackLocalStaticRTP, ssrc uint32, kind string) {
	rtpReader, err := track.NewRTPReader(local.Codec().MimeType, ssrc, rtpMTU)
	if err != nil {
		c.logger.Error("failed to create RTP reader", zap.String("kind", kind), zap.Error(err))
		return
	}
	defer rtpReader.Close()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		var packets []*rtp.Packet
		packets, _, err = rtpReader.Read()
		if err != nil {
			c.logger.Warn("RTP read ended", zap.String("kind", kind), zap.Error(err))
			return
		}
		for _, packet := range packets {
			if err := local.WriteRTP(packet); err != nil {
				c.logger.Warn("RTP write failed", zap.String("kind", kind), zap.Error(err))
				return
			}
		}
	}
}

// Release closes all capture tracks. Called exactly once at session end.
func (c *Capture) Release() {
	c.cancel()

	c.mu.Lock()
	stream := c.stream
	c.stream = nil
	c.mu.Unlock()

	if stream != nil {
		for _, track := range stream.GetTracks() {
			track.Close()
		}
		c.logger.Info("capture devices released")
	}
}
