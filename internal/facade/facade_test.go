package facade

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"meshkv/internal/lss"
	"meshkv/internal/peer"
	"meshkv/internal/vclock"
)

func newTestFacade(t *testing.T) *Facade {
	t.Helper()
	store, err := lss.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	pool := peer.New(peer.Config{User: "local"}, nil)
	return New(store, "local", pool)
}

func TestPutGetRemove(t *testing.T) {
	f := newTestFacade(t)

	require.NoError(t, f.Put("a", "1"))
	v, ok, err := f.Get("a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "1", v)

	require.NoError(t, f.Remove("a"))
	_, ok, err = f.Get("a")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCrdtGetOnAbsentKeyNeverErrors(t *testing.T) {
	f := newTestFacade(t)
	v, err := f.CrdtGet("missing")
	require.NoError(t, err)
	require.False(t, v.HasData())
}

func TestSubscribeReceivesLocalEvents(t *testing.T) {
	f := newTestFacade(t)

	received := make(chan vclock.Component, 1)
	id := f.Subscribe("k@local", func(c vclock.Component) { received <- c })
	defer f.Unsubscribe("k@local", id)

	require.NoError(t, f.CrdtPut("k", "v1"))

	select {
	case c := <-received:
		require.Equal(t, "v1", c.DataOr(""))
	default:
		t.Fatal("expected a local event notification")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	f := newTestFacade(t)

	calls := 0
	id := f.Subscribe("k@local", func(vclock.Component) { calls++ })
	f.Unsubscribe("k@local", id)

	require.NoError(t, f.CrdtPut("k", "v1"))
	require.Equal(t, 0, calls)
}

func TestBeginsWith(t *testing.T) {
	f := newTestFacade(t)
	for _, k := range []string{"user:1", "user:2", "post:1"} {
		require.NoError(t, f.Put(k, k))
	}

	out, err := f.BeginsWith("user:")
	require.NoError(t, err)
	require.Len(t, out, 2)
	for _, kv := range out {
		require.Contains(t, kv.Key, "user:")
	}
}

func TestSyncWithPeersGivesUpWhenNoChannelOpens(t *testing.T) {
	f := newTestFacade(t)
	require.NoError(t, f.Put("k", "v1"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := f.SyncWithPeers(ctx, "k")
	require.Error(t, err, "must give up once the context deadline passes with no open peer channel")
}

func TestGetAllAndGetRange(t *testing.T) {
	f := newTestFacade(t)
	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, f.Put(k, k))
	}

	all, err := f.GetAll()
	require.NoError(t, err)
	require.Len(t, all, 3)

	ranged, err := f.GetRange(lss.Bound{Key: "a", Inclusive: false}, lss.Bound{Unbounded: true})
	require.NoError(t, err)
	require.Len(t, ranged, 2)
}
