package pionrtc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/mpetrov/chatline/internal/call"
)

// Transport wraps one peer connection. Descriptions and candidates cross the
// boundary as the browser-standard JSON shapes, so the payloads interoperate
// with web peers without translation.
type Transport struct {
	pc *webrtc.PeerConnection

	mu          sync.Mutex
	onCandidate func(json.RawMessage)
	onRemote    func(call.MediaHandle)
	onState     func(call.TransportState)
}

// CreateTransport builds a peer connection for one call attempt and attaches
// the local tracks when cfg.Local came from this engine.
func (e *Engine) CreateTransport(ctx context.Context, cfg call.TransportConfig) (call.Transport, error) {
	servers := make([]webrtc.ICEServer, 0, len(cfg.ICEServers))
	for _, s := range cfg.ICEServers {
		servers = append(servers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	if local, ok := cfg.Local.(*Media); ok && local != nil {
		if _, err := pc.AddTrack(local.audio); err != nil {
			pc.Close()
			return nil, fmt.Errorf("add audio track: %w", err)
		}
		if _, err := pc.AddTrack(local.video); err != nil {
			pc.Close()
			return nil, fmt.Errorf("add video track: %w", err)
		}
	}

	tr := &Transport{pc: pc}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		payload, err := json.Marshal(cand.ToJSON())
		if err != nil {
			e.log.Warn("candidate encode failed", "error", err)
			return
		}
		if fn := tr.candidateFn(); fn != nil {
			fn(payload)
		}
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if fn := tr.stateFn(); fn != nil {
			fn(mapState(state))
		}
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		e.log.Debug("remote track", "kind", track.Kind().String(), "stream", track.StreamID())
		if fn := tr.remoteFn(); fn != nil {
			fn(&remoteMedia{track: track})
		}
	})

	return tr, nil
}

func (t *Transport) ProduceOffer(ctx context.Context) (json.RawMessage, error) {
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("create offer: %w", err)
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return nil, fmt.Errorf("set local description: %w", err)
	}
	return json.Marshal(offer)
}

func (t *Transport) ProduceAnswer(ctx context.Context) (json.RawMessage, error) {
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("create answer: %w", err)
	}
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("set local description: %w", err)
	}
	return json.Marshal(answer)
}

func (t *Transport) ApplyRemoteDescription(desc json.RawMessage) error {
	var sd webrtc.SessionDescription
	if err := json.Unmarshal(desc, &sd); err != nil {
		return fmt.Errorf("decode description: %w", err)
	}
	return t.pc.SetRemoteDescription(sd)
}

func (t *Transport) AddRemoteCandidate(candidate json.RawMessage) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(candidate, &init); err != nil {
		return fmt.Errorf("decode candidate: %w", err)
	}
	return t.pc.AddICECandidate(init)
}

func (t *Transport) OnLocalCandidate(fn func(json.RawMessage)) {
	t.mu.Lock()
	t.onCandidate = fn
	t.mu.Unlock()
}

func (t *Transport) OnRemoteMedia(fn func(call.MediaHandle)) {
	t.mu.Lock()
	t.onRemote = fn
	t.mu.Unlock()
}

func (t *Transport) OnStateChange(fn func(call.TransportState)) {
	t.mu.Lock()
	t.onState = fn
	t.mu.Unlock()
}

func (t *Transport) Close() error {
	return t.pc.Close()
}

func (t *Transport) candidateFn() func(json.RawMessage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.onCandidate
}

func (t *Transport) remoteFn() func(call.MediaHandle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.onRemote
}

func (t *Transport) stateFn() func(call.TransportState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.onState
}

func mapState(state webrtc.PeerConnectionState) call.TransportState {
	switch state {
	case webrtc.PeerConnectionStateConnected:
		return call.TransportConnected
	case webrtc.PeerConnectionStateDisconnected:
		return call.TransportDisconnected
	case webrtc.PeerConnectionStateFailed:
		return call.TransportFailed
	case webrtc.PeerConnectionStateClosed:
		return call.TransportClosed
	}
	return call.TransportConnecting
}
