// Package peer maintains one data-channel connection per remote user in a
// room: it speaks the signaling protocol to negotiate a WebRTC peer
// connection, buffers ICE candidates until a remote description is set,
// and exposes a byte-oriented send/receive surface to the replication
// engine once the channel is open.
package peer

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// Status mirrors the peer session state machine from disconnected through
// negotiation to an open data channel.
type Status int

const (
	Disconnected Status = iota
	SentOffer
	GotOffer
	Negotiating
	Connected
)

func (s Status) String() string {
	switch s {
	case SentOffer:
		return "sentOffer"
	case GotOffer:
		return "gotOffer"
	case Negotiating:
		return "negotiating"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// OnMessage is invoked for every byte payload received on a session's data
// channel.
type OnMessage func(from string, data []byte)

// session is the per-remote-user connection state. One exists per member
// the local peer has exchanged an offer with, keyed by user name in Pool.
type session struct {
	mu     sync.Mutex
	user   string
	status Status

	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel

	// remoteSet and candQueue implement the buffer-until-remote-
	// description-set rule: ICE candidates that arrive before we've
	// called SetRemoteDescription can't be applied yet.
	remoteSet bool
	candQueue []webrtc.ICECandidateInit
}

func newSession(user string) *session {
	return &session{user: user, status: Disconnected}
}

func (s *session) setStatus(st Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

func (s *session) getStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// bufferOrApply either applies an ICE candidate immediately (remote
// description already set) or queues it for markRemoteSet to flush.
func (s *session) bufferOrApply(c webrtc.ICECandidateInit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.remoteSet {
		s.candQueue = append(s.candQueue, c)
		return nil
	}
	return s.pc.AddICECandidate(c)
}

// markRemoteSet flushes any candidates queued before the remote description
// was available.
func (s *session) markRemoteSet() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remoteSet = true
	for _, c := range s.candQueue {
		if err := s.pc.AddICECandidate(c); err != nil {
			return err
		}
	}
	s.candQueue = nil
	return nil
}

// isOpen reports whether the data channel is ready to carry traffic.
func (s *session) isOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status == Connected && s.dc != nil && s.dc.ReadyState() == webrtc.DataChannelStateOpen
}

func (s *session) send(data []byte) error {
	s.mu.Lock()
	dc := s.dc
	s.mu.Unlock()
	if dc == nil {
		return nil
	}
	return dc.Send(data)
}

func (s *session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dc != nil {
		s.dc.Close()
	}
	if s.pc != nil {
		s.pc.Close()
	}
	s.status = Disconnected
	s.remoteSet = false
	s.candQueue = nil
}
