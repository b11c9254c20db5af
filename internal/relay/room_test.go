package relay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"meshkv/internal/signaling"
)

func TestJoinAndRoomIsolation(t *testing.T) {
	reg := NewRegistry()

	aliceCh, aliceLeave := reg.Join("room-a", "alice")
	defer aliceLeave()
	_, bobLeave := reg.Join("room-b", "bob")
	defer bobLeave()

	require.Equal(t, 1, reg.RoomSize("room-a"))
	require.Equal(t, 1, reg.RoomSize("room-b"))

	// A message in room-b must never reach a member of room-a.
	reg.Deliver(signaling.Message{From: "bob", Room: "room-b", Protocol: signaling.ProtocolOneToAll})
	select {
	case <-aliceCh:
		t.Fatal("message leaked across rooms")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestDeliverBroadcastsExcludingSender(t *testing.T) {
	reg := NewRegistry()
	aliceCh, aliceLeave := reg.Join("room", "alice")
	defer aliceLeave()
	bobCh, bobLeave := reg.Join("room", "bob")
	defer bobLeave()

	reg.Deliver(signaling.Message{From: "alice", Room: "room", Protocol: signaling.ProtocolOneToAll})

	select {
	case <-bobCh:
	case <-time.After(time.Second):
		t.Fatal("bob should have received the broadcast")
	}
	select {
	case <-aliceCh:
		t.Fatal("sender must not receive its own broadcast")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestDeliverOneToOneTargetsEndpointOnly(t *testing.T) {
	reg := NewRegistry()
	aliceCh, aliceLeave := reg.Join("room", "alice")
	defer aliceLeave()
	bobCh, bobLeave := reg.Join("room", "bob")
	defer bobLeave()
	carolCh, carolLeave := reg.Join("room", "carol")
	defer carolLeave()

	reg.Deliver(signaling.Message{From: "alice", Room: "room", Protocol: signaling.ProtocolOneToOne, Endpoint: "bob"})

	select {
	case <-bobCh:
	case <-time.After(time.Second):
		t.Fatal("bob should have received the oneToOne message")
	}
	select {
	case <-carolCh:
		t.Fatal("carol must not receive a oneToOne message addressed to bob")
	case <-time.After(20 * time.Millisecond):
	}
	select {
	case <-aliceCh:
		t.Fatal("sender must not receive its own oneToOne message")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestDeliverToUnknownRoomIsSilentlyDropped(t *testing.T) {
	reg := NewRegistry()
	require.NotPanics(t, func() {
		reg.Deliver(signaling.Message{From: "ghost", Room: "nowhere", Protocol: signaling.ProtocolOneToAll})
	})
}

func TestLeaveRemovesEmptyRoom(t *testing.T) {
	reg := NewRegistry()
	_, leave := reg.Join("room", "alice")
	require.Equal(t, 1, reg.RoomSize("room"))
	leave()
	require.Equal(t, 0, reg.RoomSize("room"))
}
