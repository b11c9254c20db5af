package peer

import (
	"context"
	"fmt"
	"log"
)

// Broadcast fire-and-forgets data on every session whose data channel is
// open. A single channel's send failure is logged and does not abort the
// broadcast to the others.
func (p *Pool) Broadcast(data []byte) {
	p.mu.RLock()
	sessions := make([]*session, 0, len(p.sessions))
	for _, s := range p.sessions {
		sessions = append(sessions, s)
	}
	p.mu.RUnlock()

	for _, s := range sessions {
		if !s.isOpen() {
			continue
		}
		if err := s.send(data); err != nil {
			log.Printf("peer: send to %s failed: %v", s.user, err)
		}
	}
}

// SendTo sends data to exactly one user's channel. Returns an error if that
// user has no open channel.
func (p *Pool) SendTo(user string, data []byte) error {
	p.mu.RLock()
	s, ok := p.sessions[user]
	p.mu.RUnlock()
	if !ok || !s.isOpen() {
		return fmt.Errorf("peer: no open channel to %s", user)
	}
	return s.send(data)
}

// openChannelCount returns how many sessions currently have an open data
// channel.
func (p *Pool) openChannelCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := 0
	for _, s := range p.sessions {
		if s.isOpen() {
			n++
		}
	}
	return n
}

// RequireChannels blocks until at least n sessions have an open data
// channel, or ctx is done. It is retroactively satisfiable: if n channels
// are already open when called, it returns immediately without waiting for
// a future state change.
func (p *Pool) RequireChannels(ctx context.Context, n int) error {
	if p.openChannelCount() >= n {
		return nil
	}

	ch := make(chan struct{}, 1)
	p.awaitMu.Lock()
	p.awaiters = append(p.awaiters, ch)
	p.requireNs = append(p.requireNs, n)
	p.awaitMu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
			if p.openChannelCount() >= n {
				return nil
			}
		}
	}
}

// notifyAwaiters wakes every pending RequireChannels caller to re-check its
// threshold; called whenever a data channel transitions to open.
func (p *Pool) notifyAwaiters() {
	p.awaitMu.Lock()
	defer p.awaitMu.Unlock()
	for _, ch := range p.awaiters {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Metadata reports, per remote user, whether their data channel is
// currently open — the aggregate "open channel" view the facade's
// /metadata route surfaces.
func (p *Pool) Metadata() map[string]bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]bool, len(p.sessions))
	for user, s := range p.sessions {
		out[user] = s.isOpen()
	}
	return out
}
