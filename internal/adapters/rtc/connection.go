// Package rtc implements peer media sessions on pion/webrtc.
package rtc

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/agentcall/internal/call"
	"github.com/dkeye/agentcall/internal/config"
	"github.com/dkeye/agentcall/internal/transport/peer"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

const streamID = "agentcall"

var ErrClosed = errors.New("media session closed")

// WebRTCConfig turns the configured ICE servers into a pion configuration.
func WebRTCConfig(servers []config.ICEServer) webrtc.Configuration {
	cfg := webrtc.Configuration{}
	for _, s := range servers {
		cfg.ICEServers = append(cfg.ICEServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return cfg
}

// Factory opens one PeerConnection per call.
type Factory struct {
	cfg webrtc.Configuration
}

var _ peer.MediaFactory = (*Factory)(nil)

func NewFactory(cfg webrtc.Configuration) *Factory {
	return &Factory{cfg: cfg}
}

func (f *Factory) NewSession(onEvent func(peer.MediaEvent)) (peer.MediaSession, error) {
	pc, err := webrtc.NewPeerConnection(f.cfg)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	s := &Session{pc: pc, onEvent: onEvent, audioOn: true, videoOn: true}
	if err := s.addTracks(); err != nil {
		_ = pc.Close()
		return nil, err
	}
	s.bind()
	return s, nil
}

// Session is a peer.MediaSession over one PeerConnection. Candidates are
// trickled through onEvent as they are gathered.
type Session struct {
	pc      *webrtc.PeerConnection
	onEvent func(peer.MediaEvent)

	audio, video             *webrtc.TrackLocalStaticRTP
	audioSender, videoSender *webrtc.RTPSender

	mu      sync.Mutex
	audioOn bool
	videoOn bool
	held    bool
	remote  string
	closed  bool
}

var _ peer.MediaSession = (*Session)(nil)

func (s *Session) addTracks() error {
	var err error
	s.audio, err = webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", streamID)
	if err != nil {
		return fmt.Errorf("audio track: %w", err)
	}
	s.audioSender, err = s.pc.AddTrack(s.audio)
	if err != nil {
		return fmt.Errorf("add audio track: %w", err)
	}
	s.video, err = webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", streamID)
	if err != nil {
		return fmt.Errorf("video track: %w", err)
	}
	s.videoSender, err = s.pc.AddTrack(s.video)
	if err != nil {
		return fmt.Errorf("add video track: %w", err)
	}
	return nil
}

func (s *Session) bind() {
	s.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		b, err := json.Marshal(c.ToJSON())
		if err != nil {
			log.Error().Err(err).Str("module", "webrtc").Msg("marshal candidate")
			return
		}
		s.emit(peer.MediaEvent{Kind: peer.MediaCandidate, Candidate: b})
	})

	s.pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		log.Info().Str("module", "webrtc").Str("peer_connection_state", st.String()).Msg("Peer state")
		switch st {
		case webrtc.PeerConnectionStateConnected:
			s.emit(peer.MediaEvent{Kind: peer.MediaConnected})
		case webrtc.PeerConnectionStateFailed:
			s.emit(peer.MediaEvent{Kind: peer.MediaFailed, Err: errors.New("peer connection failed")})
		case webrtc.PeerConnectionStateClosed:
			s.emit(peer.MediaEvent{Kind: peer.MediaClosed})
		}
	})

	s.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "webrtc").
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		s.mu.Lock()
		s.remote = track.StreamID()
		s.mu.Unlock()
	})
}

func (s *Session) emit(ev peer.MediaEvent) {
	if s.onEvent != nil {
		s.onEvent(ev)
	}
}

func (s *Session) CreateOffer() (json.RawMessage, error) {
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("create offer: %w", err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return nil, fmt.Errorf("set local offer: %w", err)
	}
	return json.Marshal(s.pc.LocalDescription())
}

func (s *Session) AcceptOffer(raw json.RawMessage) (json.RawMessage, error) {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(raw, &offer); err != nil {
		return nil, fmt.Errorf("decode offer: %w", err)
	}
	if err := s.pc.SetRemoteDescription(offer); err != nil {
		return nil, fmt.Errorf("set remote offer: %w", err)
	}
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("create answer: %w", err)
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("set local answer: %w", err)
	}
	return json.Marshal(s.pc.LocalDescription())
}

func (s *Session) ApplyAnswer(raw json.RawMessage) error {
	var answer webrtc.SessionDescription
	if err := json.Unmarshal(raw, &answer); err != nil {
		return fmt.Errorf("decode answer: %w", err)
	}
	if err := s.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	return nil
}

func (s *Session) AddCandidate(raw json.RawMessage) error {
	var c webrtc.ICECandidateInit
	if err := json.Unmarshal(raw, &c); err != nil {
		return fmt.Errorf("decode candidate: %w", err)
	}
	return s.pc.AddICECandidate(c)
}

// SetAudioEnabled detaches the local audio track from its sender while
// disabled. The change is not applied on hold; it takes effect on resume.
func (s *Session) SetAudioEnabled(enabled bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if !s.held {
		if err := replace(s.audioSender, s.audio, enabled); err != nil {
			log.Warn().Err(err).Str("module", "webrtc").Bool("enabled", enabled).Msg("audio toggle failed")
			return false
		}
	}
	s.audioOn = enabled
	return true
}

func (s *Session) SetVideoEnabled(enabled bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if !s.held {
		if err := replace(s.videoSender, s.video, enabled); err != nil {
			log.Warn().Err(err).Str("module", "webrtc").Bool("enabled", enabled).Msg("video toggle failed")
			return false
		}
	}
	s.videoOn = enabled
	return true
}

// SetHold stops sending on both tracks; resuming restores the tracks that
// were enabled before.
func (s *Session) SetHold(held bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.held == held {
		return nil
	}
	if err := replace(s.audioSender, s.audio, !held && s.audioOn); err != nil {
		return fmt.Errorf("hold audio: %w", err)
	}
	if err := replace(s.videoSender, s.video, !held && s.videoOn); err != nil {
		return fmt.Errorf("hold video: %w", err)
	}
	s.held = held
	return nil
}

func replace(sender *webrtc.RTPSender, track *webrtc.TrackLocalStaticRTP, on bool) error {
	if on {
		return sender.ReplaceTrack(track)
	}
	return sender.ReplaceTrack(nil)
}

type remoteStream string

func (r remoteStream) StreamID() string { return string(r) }

// RemoteStream is nil until the first remote track arrived.
func (s *Session) RemoteStream() call.StreamHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.remote == "" {
		return nil
	}
	return remoteStream(s.remote)
}

func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	if err := s.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "webrtc").Msg("close error")
		return err
	}
	log.Info().Str("module", "webrtc").Msg("closed")
	return nil
}
