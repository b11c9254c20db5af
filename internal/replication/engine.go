package replication

import (
	"encoding/json"
	"fmt"
	"strings"

	"meshkv/internal/lss"
	"meshkv/internal/vclock"
)

// EventKind distinguishes where a change notification originated, matching
// the facade's "{key}@local" / "{key}@remote" subscription channels.
type EventKind string

const (
	EventLocal  EventKind = "local"
	EventRemote EventKind = "remote"
)

// Event is delivered to the facade's subscribers whenever a key changes.
type Event struct {
	Key   string
	Kind  EventKind
	Value vclock.Component
}

// Transport is how the engine reaches other peers. Broadcast is
// fire-and-forget; a single unreachable peer must not block the others.
type Transport interface {
	Broadcast(data []byte)
}

// Engine ties the local store to the replication wire protocol: it decides
// what an inbound message does to the store, and builds the outbound
// messages for local writes.
type Engine struct {
	store     *lss.Store
	actor     string
	transport Transport
	notify    func(Event)
}

// New returns an Engine writing through store, stamping actor's dot on
// every local CRDT write, broadcasting via transport, and reporting every
// accepted change to notify.
func New(store *lss.Store, actor string, transport Transport, notify func(Event)) *Engine {
	return &Engine{store: store, actor: actor, transport: transport, notify: notify}
}

// HandleInbound is the dispatch table from §4.G: it reacts to one message
// arriving on a peer's data channel.
func (e *Engine) HandleInbound(msg Message) error {
	switch msg.Command {
	case CommandShare:
		return e.handleShare(msg)
	case CommandPut:
		return e.handlePut(msg)
	case CommandRemove:
		return e.handleRemove(msg)
	case CommandCrdtPut:
		return e.handleCrdtPut(msg)
	case CommandDone:
		return nil
	default:
		return fmt.Errorf("replication: unexpected command type %q", msg.Command)
	}
}

// handleShare is notification-only: it tells subscribers the key changed
// on a remote peer without persisting anything locally.
func (e *Engine) handleShare(msg Message) error {
	if msg.Value == nil {
		return fmt.Errorf("replication: share for %s missing value", msg.Key)
	}
	e.emit(Event{Key: msg.Key, Kind: EventRemote, Value: *msg.Value})
	return nil
}

// handlePut overwrites unconditionally — no CRDT comparison — and persists.
func (e *Engine) handlePut(msg Message) error {
	if msg.Value == nil {
		return fmt.Errorf("replication: put for %s missing value", msg.Key)
	}
	if err := e.store.Set(msg.Key, *msg.Value); err != nil {
		return fmt.Errorf("replication: persist put %s: %w", msg.Key, err)
	}
	e.emit(Event{Key: msg.Key, Kind: EventRemote, Value: *msg.Value})
	return nil
}

func (e *Engine) handleRemove(msg Message) error {
	if err := e.store.Remove(msg.Key); err != nil && err != lss.ErrKeyNotFound {
		return fmt.Errorf("replication: persist remove %s: %w", msg.Key, err)
	}
	e.emit(Event{Key: msg.Key, Kind: EventRemote, Value: vclock.Empty()})
	return nil
}

// handleCrdtPut is the conflict-aware path: compare local and remote
// clocks and act per the decision table in §4.G.
func (e *Engine) handleCrdtPut(msg Message) error {
	if msg.Value == nil {
		return fmt.Errorf("replication: crdtPut for %s missing value", msg.Key)
	}
	remote := *msg.Value

	local, ok, err := e.store.Get(msg.Key)
	if err != nil {
		return fmt.Errorf("replication: read local %s: %w", msg.Key, err)
	}
	if !ok {
		local = vclock.Empty()
	}

	switch vclock.Compare(local.Clock, remote.Clock) {
	case vclock.Equal:
		// Identical (or a legitimate re-delivery): persist remote so
		// repeated delivery is a true no-op, but nothing to rebroadcast.
		if err := e.store.Set(msg.Key, remote); err != nil {
			return fmt.Errorf("replication: persist equal %s: %w", msg.Key, err)
		}
		return nil

	case vclock.Less:
		// Remote is strictly newer: adopt it and tell subscribers.
		if err := e.store.Set(msg.Key, remote); err != nil {
			return fmt.Errorf("replication: persist newer remote %s: %w", msg.Key, err)
		}
		e.emit(Event{Key: msg.Key, Kind: EventRemote, Value: remote})
		return nil

	case vclock.Greater:
		// Local is strictly newer: the remote peer is behind. Don't
		// touch the store; just echo the local value back so it catches
		// up.
		e.broadcast(Message{Command: CommandCrdtPut, Key: msg.Key, Value: &local})
		return nil

	default: // concurrent
		merged := vclock.Component{
			Clock: local.Clock.Merge(remote.Clock),
			Data:  resolveConcurrentData(local, remote),
		}
		if err := e.store.Set(msg.Key, merged); err != nil {
			return fmt.Errorf("replication: persist merged %s: %w", msg.Key, err)
		}
		e.emit(Event{Key: msg.Key, Kind: EventRemote, Value: merged})
		e.broadcast(Message{Command: CommandCrdtPut, Key: msg.Key, Value: &merged})
		return nil
	}
}

// resolveConcurrentData picks the winning data value for two components
// whose clocks are concurrent: the lexicographically larger data string
// wins, with absence sorting before any present value. The caller
// (handleCrdtPut) always persists and rebroadcasts the chosen result — the
// spec's normalization of the reference implementation's conflict branch
// (see SPEC_FULL.md §9).
func resolveConcurrentData(local, remote vclock.Component) *string {
	switch {
	case local.Data == nil && remote.Data == nil:
		return nil
	case local.Data == nil:
		return remote.Data
	case remote.Data == nil:
		return local.Data
	case strings.Compare(*local.Data, *remote.Data) < 0:
		return remote.Data
	default:
		return local.Data
	}
}

// CrdtPut is the outbound path: stamp the local actor's dot, persist, tell
// local subscribers, and broadcast to every connected peer.
func (e *Engine) CrdtPut(key, data string) error {
	current, ok, err := e.store.Get(key)
	if err != nil {
		return fmt.Errorf("replication: read %s: %w", key, err)
	}
	if !ok {
		current = vclock.Empty()
	}
	current.Data = &data
	updated := current.Apply(e.actor)

	if err := e.store.Set(key, updated); err != nil {
		return fmt.Errorf("replication: persist %s: %w", key, err)
	}
	e.emit(Event{Key: key, Kind: EventLocal, Value: updated})
	e.broadcast(Message{Command: CommandCrdtPut, Key: key, Value: &updated})
	return nil
}

// Put performs a non-CRDT overwrite: persist locally and broadcast an
// unconditional put to every peer.
func (e *Engine) Put(key, data string) error {
	v := vclock.WithValue(data).Apply(e.actor)
	if err := e.store.Set(key, v); err != nil {
		return fmt.Errorf("replication: persist put %s: %w", key, err)
	}
	e.emit(Event{Key: key, Kind: EventLocal, Value: v})
	e.broadcast(Message{Command: CommandPut, Key: key, Value: &v})
	return nil
}

// Remove deletes key locally and broadcasts the removal.
func (e *Engine) Remove(key string) error {
	if err := e.store.Remove(key); err != nil {
		return err
	}
	e.emit(Event{Key: key, Kind: EventLocal, Value: vclock.Empty()})
	e.broadcast(Message{Command: CommandRemove, Key: key})
	return nil
}

// Share broadcasts the current value for key without persisting anything
// (it is already persisted locally). Receivers only notify their
// subscribers (handleShare) and do not store it, so Share does not bring a
// behind peer up to date; SyncBroadcast does.
func (e *Engine) Share(key string) error {
	v, ok, err := e.store.Get(key)
	if err != nil {
		return err
	}
	if !ok {
		v = vclock.Empty()
	}
	e.broadcast(Message{Command: CommandShare, Key: key, Value: &v})
	return nil
}

// SyncBroadcast rebroadcasts key's current component as a crdtPut, without
// touching the local store. Unlike Share, the recipient runs this through
// the full CRDT comparison (handleCrdtPut), so a peer that is ahead of us
// replies with its own crdtPut in the Greater branch — the only path that
// can actually bring a behind local store up to date. This is what
// sync_with_peers in the reference implementation does (it broadcasts with
// command "crdt_put", never "share").
func (e *Engine) SyncBroadcast(key string) error {
	v, ok, err := e.store.Get(key)
	if err != nil {
		return err
	}
	if !ok {
		v = vclock.Empty()
	}
	e.broadcast(Message{Command: CommandCrdtPut, Key: key, Value: &v})
	return nil
}

func (e *Engine) emit(ev Event) {
	if e.notify != nil {
		e.notify(ev)
	}
}

func (e *Engine) broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	e.transport.Broadcast(data)
}
