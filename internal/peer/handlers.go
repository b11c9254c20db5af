package peer

import (
	"encoding/json"
	"fmt"
	"log"

	"github.com/pion/webrtc/v4"

	"meshkv/internal/signaling"
)

// handleSignal is the inbound dispatch table described in §4.F: it reacts
// to each signaling action by driving the matching session's state
// machine forward.
func (p *Pool) handleSignal(msg signaling.Message) {
	switch msg.Action {
	case signaling.ActionOffer, signaling.ActionReconnectOffer:
		if err := p.handleOffer(msg); err != nil {
			log.Printf("peer: handle offer from %s: %v", msg.From, err)
		}
	case signaling.ActionHandleConn:
		if err := p.createOffer(msg.From, signaling.ActionOffer); err != nil {
			log.Printf("peer: create offer to %s: %v", msg.From, err)
		}
	case signaling.ActionAnswer:
		if err := p.handleAnswer(msg); err != nil {
			log.Printf("peer: handle answer from %s: %v", msg.From, err)
		}
	case signaling.ActionCandidate:
		if err := p.handleCandidate(msg); err != nil {
			log.Printf("peer: handle candidate from %s: %v", msg.From, err)
		}
	case signaling.ActionHeartbeat:
		// Liveness only; nothing to do.
	}
}

func (p *Pool) sessionFor(user string) *session {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[user]
	if !ok {
		s = newSession(user)
		p.sessions[user] = s
	}
	return s
}

func (p *Pool) newPeerConnection(user string, s *session) (*webrtc.PeerConnection, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: p.cfg.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("peer: new connection: %w", err)
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		p.sendCandidate(user, c.ToJSON())
	})

	pc.OnICEConnectionStateChange(func(st webrtc.ICEConnectionState) {
		if st == webrtc.ICEConnectionStateFailed {
			log.Printf("peer: ICE failed with %s, requesting restart", user)
			if err := p.createOffer(user, signaling.ActionReconnectOffer); err != nil {
				log.Printf("peer: ICE restart offer to %s: %v", user, err)
			}
		}
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		p.wireDataChannel(user, s, dc)
	})

	return pc, nil
}

func (p *Pool) wireDataChannel(user string, s *session, dc *webrtc.DataChannel) {
	s.mu.Lock()
	s.dc = dc
	s.mu.Unlock()

	dc.OnOpen(func() {
		s.setStatus(Connected)
		p.notifyAwaiters()
	})
	dc.OnClose(func() {
		s.setStatus(Disconnected)
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if p.onMessage != nil {
			p.onMessage(user, msg.Data)
		}
	})
}

// createOffer starts (or restarts) negotiation with user: creates the peer
// connection and default data channel if needed, sets the local offer, and
// sends it as action.
func (p *Pool) createOffer(user string, action signaling.Action) error {
	s := p.sessionFor(user)

	s.mu.Lock()
	if s.pc == nil {
		pc, err := p.newPeerConnection(user, s)
		if err != nil {
			s.mu.Unlock()
			return err
		}
		s.pc = pc
		dc, err := pc.CreateDataChannel("meshkv", nil)
		if err != nil {
			s.mu.Unlock()
			return fmt.Errorf("peer: create data channel: %w", err)
		}
		s.mu.Unlock()
		p.wireDataChannel(user, s, dc)
	} else {
		s.mu.Unlock()
	}

	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("peer: create offer: %w", err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("peer: set local description: %w", err)
	}
	s.setStatus(SentOffer)

	p.enqueue(signaling.Message{
		Action:   action,
		Data:     offer.SDP,
		From:     p.cfg.User,
		Endpoint: user,
		Room:     p.cfg.Room,
		Protocol: signaling.ProtocolOneToOne,
	})
	return nil
}

func (p *Pool) handleOffer(msg signaling.Message) error {
	s := p.sessionFor(msg.From)

	s.mu.Lock()
	if s.pc == nil {
		pc, err := p.newPeerConnection(msg.From, s)
		if err != nil {
			s.mu.Unlock()
			return err
		}
		s.pc = pc
	}
	pc := s.pc
	s.mu.Unlock()

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  msg.Data,
	}); err != nil {
		return fmt.Errorf("peer: set remote offer: %w", err)
	}
	if err := s.markRemoteSet(); err != nil {
		return fmt.Errorf("peer: flush candidates: %w", err)
	}
	s.setStatus(GotOffer)

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("peer: create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("peer: set local answer: %w", err)
	}
	s.setStatus(Negotiating)

	p.enqueue(signaling.Message{
		Action:   signaling.ActionAnswer,
		Data:     answer.SDP,
		From:     p.cfg.User,
		Endpoint: msg.From,
		Room:     p.cfg.Room,
		Protocol: signaling.ProtocolOneToOne,
	})
	return nil
}

func (p *Pool) handleAnswer(msg signaling.Message) error {
	s := p.sessionFor(msg.From)
	if s.getStatus() != SentOffer {
		return nil // answer arriving out of sequence; ignore per §4.F
	}

	s.mu.Lock()
	pc := s.pc
	s.mu.Unlock()
	if pc == nil {
		return fmt.Errorf("peer: answer from %s with no pending offer", msg.From)
	}

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  msg.Data,
	}); err != nil {
		return fmt.Errorf("peer: set remote answer: %w", err)
	}
	s.setStatus(Negotiating)
	return s.markRemoteSet()
}

func (p *Pool) handleCandidate(msg signaling.Message) error {
	s := p.sessionFor(msg.From)

	var ic signaling.IceCandidate
	if err := json.Unmarshal([]byte(msg.Data), &ic); err != nil {
		return fmt.Errorf("peer: decode candidate: %w", err)
	}

	s.mu.Lock()
	if s.pc == nil {
		s.mu.Unlock()
		return fmt.Errorf("peer: candidate from %s before peer connection exists", msg.From)
	}
	s.mu.Unlock()

	return s.bufferOrApply(webrtc.ICECandidateInit{
		Candidate: ic.Candidate,
		SDPMid:    ic.SDPMid,
	})
}

func (p *Pool) sendCandidate(user string, c webrtc.ICECandidateInit) {
	data, err := json.Marshal(signaling.IceCandidate{Candidate: c.Candidate, SDPMid: c.SDPMid})
	if err != nil {
		log.Printf("peer: encode candidate: %v", err)
		return
	}
	p.enqueue(signaling.Message{
		Action:   signaling.ActionCandidate,
		Data:     string(data),
		From:     p.cfg.User,
		Endpoint: user,
		Room:     p.cfg.Room,
		Protocol: signaling.ProtocolOneToOne,
	})
}
