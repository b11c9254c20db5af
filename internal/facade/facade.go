// Package facade is the single entry point a host program uses: it wires
// together the local store, the replication engine, and the peer pool, and
// exposes the operation set from §4.H.
package facade

import (
	"context"
	"fmt"
	"sync"

	"meshkv/internal/lss"
	"meshkv/internal/peer"
	"meshkv/internal/replication"
	"meshkv/internal/vclock"
)

// Facade is the application-facing surface of a single local peer.
type Facade struct {
	store  *lss.Store
	engine *replication.Engine
	pool   *peer.Pool

	mu      sync.Mutex
	subs    map[string]map[int]func(vclock.Component)
	nextSub int
}

// New wires a facade around an already-open store and peer pool. The pool
// must deliver inbound data-channel bytes into the returned facade's
// Engine().HandleInbound (wired by the caller, typically cmd/peer's main).
//
// actor must be unique within the room; nothing here detects two peers
// sharing one actor id, and their clocks would silently collide.
func New(store *lss.Store, actor string, pool *peer.Pool) *Facade {
	f := &Facade{
		store: store,
		pool:  pool,
		subs:  make(map[string]map[int]func(vclock.Component)),
	}
	f.engine = replication.New(store, actor, pool, f.dispatch)
	return f
}

// Engine exposes the replication engine so the host can route inbound
// data-channel messages into it.
func (f *Facade) Engine() *replication.Engine {
	return f.engine
}

func (f *Facade) dispatch(ev replication.Event) {
	channel := fmt.Sprintf("%s@%s", ev.Key, ev.Kind)
	f.mu.Lock()
	cbs := make([]func(vclock.Component), 0, len(f.subs[channel]))
	for _, cb := range f.subs[channel] {
		cbs = append(cbs, cb)
	}
	f.mu.Unlock()

	for _, cb := range cbs {
		cb(ev.Value)
	}
}

// Put performs a non-CRDT overwrite of key, replicated to every peer.
func (f *Facade) Put(key, data string) error {
	return f.engine.Put(key, data)
}

// Get returns the current data for key, or "", false if absent.
func (f *Facade) Get(key string) (string, bool, error) {
	v, ok, err := f.store.Get(key)
	if err != nil || !ok || !v.HasData() {
		return "", false, err
	}
	return *v.Data, true, nil
}

// Remove deletes key and replicates the deletion.
func (f *Facade) Remove(key string) error {
	return f.engine.Remove(key)
}

// Share rebroadcasts key's current value without altering its clock.
func (f *Facade) Share(key string) error {
	return f.engine.Share(key)
}

// CrdtPut performs a conflict-aware write: stamp the local actor's dot,
// persist, and broadcast for peers to reconcile against.
func (f *Facade) CrdtPut(key, data string) error {
	return f.engine.CrdtPut(key, data)
}

// CrdtGet returns the full versioned component for key, or an empty
// component (never an error) if absent.
func (f *Facade) CrdtGet(key string) (vclock.Component, error) {
	v, ok, err := f.store.Get(key)
	if err != nil {
		return vclock.Component{}, err
	}
	if !ok {
		return vclock.Empty(), nil
	}
	return v, nil
}

// GetRange returns every live key/value pair within [lo, hi) (bounds as
// described by lss.Bound).
func (f *Facade) GetRange(lo, hi lss.Bound) ([]lss.KeyValue, error) {
	return f.store.GetRange(lo, hi)
}

// BeginsWith returns every live key with the given prefix, implemented as a
// range query from prefix (inclusive) to the first key that is not a
// continuation of it.
func (f *Facade) BeginsWith(prefix string) ([]lss.KeyValue, error) {
	if prefix == "" {
		return f.store.GetAll()
	}
	hi := lss.Bound{Key: prefixUpperBound(prefix), Inclusive: false}
	if hi.Key == "" {
		hi = lss.Bound{Unbounded: true}
	}
	return f.store.GetRange(lss.Bound{Key: prefix, Inclusive: true}, hi)
}

// prefixUpperBound returns the lexicographically smallest string that is
// strictly greater than every string beginning with prefix, by
// incrementing prefix's final byte (carrying over 0xFF bytes). An all-0xFF
// prefix has no finite upper bound; it returns "" and callers fall back to
// unbounded in that case.
func prefixUpperBound(prefix string) string {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] != 0xFF {
			b[i]++
			return string(b[:i+1])
		}
	}
	return ""
}

// GetAll returns every live key/value pair in ascending key order.
func (f *Facade) GetAll() ([]lss.KeyValue, error) {
	return f.store.GetAll()
}

// Subscribe registers cb to be called whenever a change event fires on
// channel (of the form "{key}@local" or "{key}@remote"). It returns a
// subscription id for Unsubscribe.
func (f *Facade) Subscribe(channel string, cb func(vclock.Component)) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subs[channel] == nil {
		f.subs[channel] = make(map[int]func(vclock.Component))
	}
	id := f.nextSub
	f.nextSub++
	f.subs[channel][id] = cb
	return id
}

// Unsubscribe removes a subscription previously returned by Subscribe.
func (f *Facade) Unsubscribe(channel string, id int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs[channel], id)
}

// SyncWithPeers blocks until at least one peer channel is open, then
// rebroadcasts key's current version so any peer that is ahead can respond.
func (f *Facade) SyncWithPeers(ctx context.Context, key string) error {
	if err := f.pool.RequireChannels(ctx, 1); err != nil {
		return fmt.Errorf("facade: waiting for a peer channel: %w", err)
	}
	return f.engine.SyncBroadcast(key)
}

// Metadata reports per-peer channel state, aggregated from the pool.
func (f *Facade) Metadata() map[string]bool {
	return f.pool.Metadata()
}
