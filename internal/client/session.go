package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// SessionState tracks where a peer session is in its offer/answer exchange.
type SessionState int

const (
	StateIdle SessionState = iota
	StateOfferPending
	StateAnswerPending
	StateNegotiating
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOfferPending:
		return "offer-pending"
	case StateAnswerPending:
		return "answer-pending"
	case StateNegotiating:
		return "negotiating"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is one peer connection's negotiation surface. Remote candidates
// arriving before the remote description are buffered and applied once it
// lands.
type Session interface {
	CreateOffer() (json.RawMessage, error)
	HandleRemoteOffer(offer json.RawMessage) (json.RawMessage, error)
	HandleRemoteAnswer(answer json.RawMessage) error
	AddRemoteCandidate(candidate json.RawMessage) error
	State() SessionState
	Close() error
}

// SessionFactory builds sessions for the controller. onLocalCandidate fires
// from the ICE agent's goroutine for every locally gathered candidate.
type SessionFactory interface {
	NewBroadcastSession(peerKey string, onLocalCandidate func(json.RawMessage)) (Session, error)
	NewViewSession(onLocalCandidate func(json.RawMessage)) (Session, error)
}

// PeerConfig carries the ICE setup shared by all sessions.
type PeerConfig struct {
	ICEServers []webrtc.ICEServer
}

// DefaultPeerConfig matches the public STUN setup the browser clients use.
func DefaultPeerConfig() PeerConfig {
	return PeerConfig{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
	}
}

type pionSessionFactory struct {
	config PeerConfig
	media  MediaSource
	logger *zap.SugaredLogger
}

// NewSessionFactory builds pion-backed sessions. media supplies the outgoing
// tracks for broadcast sessions and may be nil for a view-only client.
func NewSessionFactory(config PeerConfig, media MediaSource, logger *zap.SugaredLogger) SessionFactory {
	return &pionSessionFactory{config: config, media: media, logger: logger}
}

func (f *pionSessionFactory) NewBroadcastSession(peerKey string, onLocalCandidate func(json.RawMessage)) (Session, error) {
	if f.media == nil {
		return nil, errors.New("broadcast session requires a media source")
	}

	s, err := f.newSession(peerKey, onLocalCandidate)
	if err != nil {
		return nil, err
	}

	tracks, err := f.media.Tracks()
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("acquire media tracks: %w", err)
	}
	for _, track := range tracks {
		sender, err := s.pc.AddTrack(track)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("add track: %w", err)
		}
		go s.drainRTCP(sender)
	}

	return s, nil
}

func (f *pionSessionFactory) NewViewSession(onLocalCandidate func(json.RawMessage)) (Session, error) {
	s, err := f.newSession("broadcaster", onLocalCandidate)
	if err != nil {
		return nil, err
	}

	if _, err := s.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo,
		webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}); err != nil {
		s.Close()
		return nil, fmt.Errorf("add video transceiver: %w", err)
	}
	if _, err := s.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio,
		webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}); err != nil {
		s.Close()
		return nil, fmt.Errorf("add audio transceiver: %w", err)
	}

	s.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		s.logger.Infow("remote track started",
			"peer", s.peerKey, "kind", track.Kind().String(), "codec", track.Codec().MimeType)
		go s.keepAlivePLI(track)
		go s.consumeTrack(track)
	})

	return s, nil
}

func (f *pionSessionFactory) newSession(peerKey string, onLocalCandidate func(json.RawMessage)) (*pionSession, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: f.config.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	s := &pionSession{
		pc:      pc,
		peerKey: peerKey,
		state:   StateIdle,
		logger:  f.logger,
		done:    make(chan struct{}),
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		payload, err := json.Marshal(c.ToJSON())
		if err != nil {
			s.logger.Errorw("marshal local candidate", "peer", peerKey, "error", err)
			return
		}
		onLocalCandidate(payload)
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.logger.Debugw("peer connection state", "peer", peerKey, "state", state.String())
	})

	return s, nil
}

type pionSession struct {
	pc      *webrtc.PeerConnection
	peerKey string
	logger  *zap.SugaredLogger
	done    chan struct{}

	mu        sync.Mutex
	state     SessionState
	remoteSet bool
	pending   []webrtc.ICECandidateInit
	closeOnce sync.Once
}

func (s *pionSession) CreateOffer() (json.RawMessage, error) {
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("create offer: %w", err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return nil, fmt.Errorf("set local description: %w", err)
	}

	payload, err := json.Marshal(s.pc.LocalDescription())
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.state = StateOfferPending
	s.mu.Unlock()
	return payload, nil
}

func (s *pionSession) HandleRemoteOffer(offer json.RawMessage) (json.RawMessage, error) {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(offer, &desc); err != nil {
		return nil, fmt.Errorf("decode offer: %w", err)
	}
	if err := s.pc.SetRemoteDescription(desc); err != nil {
		return nil, fmt.Errorf("set remote description: %w", err)
	}
	s.flushPending(StateAnswerPending)

	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("create answer: %w", err)
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("set local description: %w", err)
	}

	payload, err := json.Marshal(s.pc.LocalDescription())
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.state = StateNegotiating
	s.mu.Unlock()
	return payload, nil
}

func (s *pionSession) HandleRemoteAnswer(answer json.RawMessage) error {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(answer, &desc); err != nil {
		return fmt.Errorf("decode answer: %w", err)
	}
	if err := s.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	s.flushPending(StateNegotiating)
	return nil
}

func (s *pionSession) AddRemoteCandidate(candidate json.RawMessage) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(candidate, &init); err != nil {
		return fmt.Errorf("decode candidate: %w", err)
	}

	s.mu.Lock()
	if !s.remoteSet {
		s.pending = append(s.pending, init)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := s.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("add candidate: %w", err)
	}
	return nil
}

// flushPending marks the remote description as applied and replays any
// candidates that arrived before it.
func (s *pionSession) flushPending(next SessionState) {
	s.mu.Lock()
	s.remoteSet = true
	s.state = next
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, init := range pending {
		if err := s.pc.AddICECandidate(init); err != nil {
			s.logger.Warnw("apply buffered candidate", "peer", s.peerKey, "error", err)
		}
	}
}

func (s *pionSession) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *pionSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()
		close(s.done)
		err = s.pc.Close()
	})
	return err
}

// drainRTCP keeps the sender's RTCP stream flowing and reacts to loss
// reports from the remote peer.
func (s *pionSession) drainRTCP(sender *webrtc.RTPSender) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range packets {
			if _, ok := pkt.(*rtcp.PictureLossIndication); ok {
				s.logger.Debugw("picture loss indication", "peer", s.peerKey)
			}
		}
	}
}

// keepAlivePLI asks the broadcaster for a keyframe periodically so a viewer
// that joined mid-stream gets a decodable picture quickly.
func (s *pionSession) keepAlivePLI(track *webrtc.TrackRemote) {
	if track.Kind() != webrtc.RTPCodecTypeVideo {
		return
	}
	ticker := time.NewTicker(3 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			err := s.pc.WriteRTCP([]rtcp.Packet{
				&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
			})
			if err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

// trackStats accumulates receive-side counters for one remote track.
type trackStats struct {
	packets uint64
	bytes   uint64
	lastSeq uint16
}

func (st *trackStats) observe(pkt *rtp.Packet) {
	st.packets++
	st.bytes += uint64(len(pkt.Payload))
	st.lastSeq = pkt.SequenceNumber
}

// consumeTrack reads the incoming RTP stream. Receiving keeps the jitter
// buffer serviced even when no renderer is attached.
func (s *pionSession) consumeTrack(track *webrtc.TrackRemote) {
	var stats trackStats
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Debugw("track read ended", "peer", s.peerKey, "error", err)
			}
			return
		}
		stats.observe(pkt)
		if stats.packets%500 == 0 {
			s.logger.Debugw("receiving media",
				"peer", s.peerKey, "kind", track.Kind().String(),
				"packets", stats.packets, "bytes", stats.bytes, "seq", stats.lastSeq)
		}
	}
}
