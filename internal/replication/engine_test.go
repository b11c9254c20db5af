package replication

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"meshkv/internal/lss"
	"meshkv/internal/vclock"
)

type fakeTransport struct {
	sent [][]byte
}

func (f *fakeTransport) Broadcast(data []byte) {
	f.sent = append(f.sent, data)
}

func newTestEngine(t *testing.T, actor string) (*Engine, *fakeTransport, *lss.Store, []Event) {
	t.Helper()
	store, err := lss.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	var events []Event
	transport := &fakeTransport{}
	eng := New(store, actor, transport, func(ev Event) { events = append(events, ev) })
	return eng, transport, store, events
}

func TestCrdtPutLocalThenBroadcasts(t *testing.T) {
	eng, transport, store, _ := newTestEngine(t, "local")

	require.NoError(t, eng.CrdtPut("k", "v1"))
	require.Len(t, transport.sent, 1)

	v, ok, err := store.Get("k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v1", v.DataOr(""))
	require.Equal(t, uint64(1), v.Clock["local"])
}

func TestHandleCrdtPutRemoteStrictlyNewerAdopts(t *testing.T) {
	eng, _, store, _ := newTestEngine(t, "local")

	remote := vclock.WithValue("v1").Apply("remote")
	require.NoError(t, eng.HandleInbound(Message{Command: CommandCrdtPut, Key: "k", Value: &remote}))

	v, ok, err := store.Get("k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v1", v.DataOr(""))
}

func TestHandleCrdtPutLocalStrictlyNewerEchoesBack(t *testing.T) {
	eng, transport, store, _ := newTestEngine(t, "local")
	require.NoError(t, eng.CrdtPut("k", "v1"))
	transport.sent = nil

	// An empty remote clock is dominated by the local clock: Greater.
	stale := vclock.WithValue("stale")
	require.NoError(t, eng.HandleInbound(Message{Command: CommandCrdtPut, Key: "k", Value: &stale}))

	require.Len(t, transport.sent, 1, "local being strictly newer must echo back, not adopt")

	v, ok, err := store.Get("k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v1", v.DataOr(""), "store must be untouched when local dominates")
}

// TestConcurrentCrdtPutConverges walks a simple conflict scenario:
// two actors each write once, unaware of each other, then exchange
// crdtPut messages. Both sides must converge on the same merged value and
// the same merged clock.
func TestConcurrentCrdtPutConverges(t *testing.T) {
	alice, aliceTransport, aliceStore, aliceEvents := newTestEngine(t, "alice")
	bob, bobTransport, bobStore, bobEvents := newTestEngine(t, "bob")
	_ = aliceEvents
	_ = bobEvents

	require.NoError(t, alice.CrdtPut("k", "value1")) // alice clock: {alice:1}
	require.NoError(t, bob.CrdtPut("k", "value2"))   // bob clock: {bob:1}, concurrent with alice's

	aliceMsg := decodeLast(t, aliceTransport)
	bobMsg := decodeLast(t, bobTransport)

	require.NoError(t, bob.HandleInbound(aliceMsg))
	require.NoError(t, alice.HandleInbound(bobMsg))

	av, ok, err := aliceStore.Get("k")
	require.NoError(t, err)
	require.True(t, ok)
	bv, ok, err := bobStore.Get("k")
	require.NoError(t, err)
	require.True(t, ok)

	require.Equal(t, av.Clock, bv.Clock, "both sides must converge on the same merged clock")
	require.Equal(t, av.Data, bv.Data, "both sides must converge on the same winning value")
	require.Equal(t, "value2", av.DataOr(""), "lexicographically larger string wins the tiebreak")
	require.Equal(t, uint64(1), av.Clock["alice"])
	require.Equal(t, uint64(1), av.Clock["bob"])
}

func TestHandleInboundIdempotentOnEqual(t *testing.T) {
	eng, transport, store, _ := newTestEngine(t, "local")
	require.NoError(t, eng.CrdtPut("k", "v1"))
	v, _, err := store.Get("k")
	require.NoError(t, err)

	transport.sent = nil
	require.NoError(t, eng.HandleInbound(Message{Command: CommandCrdtPut, Key: "k", Value: &v}))
	require.Empty(t, transport.sent, "re-delivering an identical clock must not rebroadcast")

	v2, _, err := store.Get("k")
	require.NoError(t, err)
	require.Equal(t, v, v2)
}

func TestHandlePutOverwritesUnconditionally(t *testing.T) {
	eng, _, store, _ := newTestEngine(t, "local")
	v := vclock.WithValue("new")
	require.NoError(t, eng.HandleInbound(Message{Command: CommandPut, Key: "k", Value: &v}))

	got, ok, err := store.Get("k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "new", got.DataOr(""))
}

func TestHandleRemove(t *testing.T) {
	eng, _, store, _ := newTestEngine(t, "local")
	require.NoError(t, eng.CrdtPut("k", "v1"))
	require.NoError(t, eng.HandleInbound(Message{Command: CommandRemove, Key: "k"}))

	_, ok, err := store.Get("k")
	require.NoError(t, err)
	require.False(t, ok)

	// Removing an already-absent key must not error out the dispatch.
	require.NoError(t, eng.HandleInbound(Message{Command: CommandRemove, Key: "k"}))
}

// TestSyncBroadcastUsesCrdtPutSoAnAheadPeerCanRespond guards the path
// behind facade.SyncWithPeers: it must broadcast crdtPut, not share, since
// only a crdtPut delivery runs the ahead peer's Greater-branch echo-back.
func TestSyncBroadcastUsesCrdtPutSoAnAheadPeerCanRespond(t *testing.T) {
	behind, behindTransport, _, _ := newTestEngine(t, "behind")
	ahead, aheadTransport, aheadStore, _ := newTestEngine(t, "ahead")

	require.NoError(t, ahead.CrdtPut("k", "v1")) // ahead clock: {ahead:1}, behind has nothing

	require.NoError(t, behind.SyncBroadcast("k"))
	require.Len(t, behindTransport.sent, 1)

	msg := decodeLast(t, behindTransport)
	require.Equal(t, CommandCrdtPut, msg.Command, "SyncBroadcast must send crdtPut, not share")

	// Delivering behind's empty crdtPut to the ahead peer must trigger its
	// Greater-branch echo, proving the ahead peer can actually respond.
	require.NoError(t, ahead.HandleInbound(msg))
	require.Len(t, aheadTransport.sent, 2, "ahead peer must echo its newer value back")
	echo := decodeLast(t, aheadTransport)
	require.Equal(t, CommandCrdtPut, echo.Command)
	require.Equal(t, "v1", echo.Value.DataOr(""))

	aheadVal, ok, err := aheadStore.Get("k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v1", aheadVal.DataOr(""), "ahead peer's own data must be untouched by a stale crdtPut")
}

func decodeLast(t *testing.T, ft *fakeTransport) Message {
	t.Helper()
	require.NotEmpty(t, ft.sent)
	var msg Message
	require.NoError(t, json.Unmarshal(ft.sent[len(ft.sent)-1], &msg))
	return msg
}
