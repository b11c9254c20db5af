// Package relay implements the signaling relay server: a thin, stateless
// router that lets peers in the same room exchange offer/answer/candidate/
// heartbeat messages so they can establish a direct connection with each
// other. The relay never inspects payloads beyond the envelope's routing
// fields.
package relay

import (
	"sync"

	"meshkv/internal/signaling"
)

// member is one connected user's outbound handle.
type member struct {
	user string
	send chan signaling.Message
}

// room holds the members currently connected under one room name.
//
// Two lock levels (the registry's and each room's) mean two unrelated rooms
// never contend with each other — the pattern the old cluster membership
// map used for node bookkeeping, repurposed here for room bookkeeping.
type room struct {
	mu      sync.RWMutex
	members map[string]*member
}

func newRoom() *room {
	return &room{members: make(map[string]*member)}
}

func (r *room) join(user string, send chan signaling.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.members[user] = &member{user: user, send: send}
}

func (r *room) leave(user string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.members, user)
}

func (r *room) size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// deliver routes msg to its intended recipients: a single endpoint for
// oneToOne, everyone else in the room otherwise. Heartbeats are always
// forwarded like any other message; the relay does not treat a missing
// heartbeat as failure.
func (r *room) deliver(from string, msg signaling.Message) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if msg.Protocol == signaling.ProtocolOneToOne {
		if m, ok := r.members[msg.Endpoint]; ok {
			trySend(m.send, msg)
		}
		return
	}

	for user, m := range r.members {
		if user == from {
			continue
		}
		trySend(m.send, msg)
	}
}

func trySend(ch chan signaling.Message, msg signaling.Message) {
	select {
	case ch <- msg:
	default:
		// Slow consumer: drop rather than block the whole room. The
		// client-side heartbeat and reconnect logic recovers from gaps.
	}
}

// Registry tracks every active room.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]*room
}

// NewRegistry returns an empty room registry.
func NewRegistry() *Registry {
	return &Registry{rooms: make(map[string]*room)}
}

// Join registers user in roomName and returns the channel their outbound
// messages will be delivered on, plus a leave func to call on disconnect.
func (reg *Registry) Join(roomName, user string) (chan signaling.Message, func()) {
	reg.mu.Lock()
	r, ok := reg.rooms[roomName]
	if !ok {
		r = newRoom()
		reg.rooms[roomName] = r
	}
	reg.mu.Unlock()

	send := make(chan signaling.Message, 32)
	r.join(user, send)

	leave := func() {
		r.leave(user)
		reg.mu.Lock()
		if r.size() == 0 {
			delete(reg.rooms, roomName)
		}
		reg.mu.Unlock()
	}
	return send, leave
}

// Deliver routes msg within its room. A message for an unknown room is
// dropped silently (the room simply has nobody left to receive it).
func (reg *Registry) Deliver(msg signaling.Message) {
	reg.mu.RLock()
	r, ok := reg.rooms[msg.Room]
	reg.mu.RUnlock()
	if !ok {
		return
	}
	r.deliver(msg.From, msg)
}

// RoomSize reports how many members are currently in roomName, for tests
// and metrics.
func (reg *Registry) RoomSize(roomName string) int {
	reg.mu.RLock()
	r, ok := reg.rooms[roomName]
	reg.mu.RUnlock()
	if !ok {
		return 0
	}
	return r.size()
}
