// Package pionrtc backs the call collaborator interfaces with pion/webrtc
// peer connections and static RTP tracks.
package pionrtc

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/mpetrov/chatline/internal/call"
)

// Engine builds local media and peer transports. One Engine serves the whole
// process; every call attempt gets its own Media and Transport.
type Engine struct {
	log *slog.Logger
}

func NewEngine(log *slog.Logger) *Engine {
	return &Engine{log: log}
}

// Acquire creates the local opus/VP8 track pair. There is no device capture
// here: the embedding application feeds RTP into the handle.
func (e *Engine) Acquire(ctx context.Context) (call.MediaHandle, error) {
	audio, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{
		MimeType:    webrtc.MimeTypeOpus,
		ClockRate:   48000,
		Channels:    2,
		SDPFmtpLine: "minptime=10;useinbandfec=1",
	}, "audio", "chatline")
	if err != nil {
		return nil, fmt.Errorf("create audio track: %w", err)
	}
	video, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeVP8,
		ClockRate: 90000,
	}, "video", "chatline")
	if err != nil {
		return nil, fmt.Errorf("create video track: %w", err)
	}
	return &Media{audio: audio, video: video, audioOn: true, videoOn: true}, nil
}

func (e *Engine) Release(h call.MediaHandle) {
	h.Close()
}

// Media is a pair of local tracks with mute gates. Writers keep writing while
// muted; gated packets are dropped so the track stays negotiated.
type Media struct {
	mu      sync.Mutex
	audio   *webrtc.TrackLocalStaticRTP
	video   *webrtc.TrackLocalStaticRTP
	audioOn bool
	videoOn bool
	closed  bool
}

func (m *Media) SetAudioEnabled(enabled bool) {
	m.mu.Lock()
	m.audioOn = enabled
	m.mu.Unlock()
}

func (m *Media) SetVideoEnabled(enabled bool) {
	m.mu.Lock()
	m.videoOn = enabled
	m.mu.Unlock()
}

func (m *Media) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
}

// WriteAudioRTP forwards one audio packet to the track unless muted or closed.
func (m *Media) WriteAudioRTP(pkt *rtp.Packet) error {
	m.mu.Lock()
	ok := m.audioOn && !m.closed
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return m.audio.WriteRTP(pkt)
}

// WriteVideoRTP forwards one video packet to the track unless disabled or closed.
func (m *Media) WriteVideoRTP(pkt *rtp.Packet) error {
	m.mu.Lock()
	ok := m.videoOn && !m.closed
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return m.video.WriteRTP(pkt)
}

// remoteMedia wraps an inbound track. Enable toggles are playback-side
// concerns and have no effect on the track itself.
type remoteMedia struct {
	track *webrtc.TrackRemote
}

func (r *remoteMedia) SetAudioEnabled(bool) {}
func (r *remoteMedia) SetVideoEnabled(bool) {}
func (r *remoteMedia) Close()               {}

// Track exposes the underlying remote track for consumers that read RTP.
func (r *remoteMedia) Track() *webrtc.TrackRemote { return r.track }
