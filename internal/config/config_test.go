package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsEmpty(t *testing.T) {
	f, err := Load(filepath.Join(t.TempDir(), "nope.jsonc"))
	require.NoError(t, err)
	require.Equal(t, File{}, f)
}

func TestLoadEmptyPathReturnsEmpty(t *testing.T) {
	f, err := Load("")
	require.NoError(t, err)
	require.Equal(t, File{}, f)
}

func TestLoadParsesCommentsAndTrailingCommas(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.jsonc")
	contents := `{
		// this is a peer config
		"actor": "alice",
		"room": "demo",
		"iceServers": [
			{"urls": ["stun:stun.example.com:19302"]},
		],
	}`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	f, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "alice", f.Actor)
	require.Equal(t, "demo", f.Room)
	require.Len(t, f.ICEServers, 1)
	require.Equal(t, []string{"stun:stun.example.com:19302"}, f.ICEServers[0].URLs)
}

func TestMergeFlagsWinOverFile(t *testing.T) {
	f := File{Actor: "file-actor", Room: "file-room"}
	merged := f.Merge("flag-actor", "", "/data", "wss://relay", "key", ":8090")

	require.Equal(t, "flag-actor", merged.Actor, "flag must override file value")
	require.Equal(t, "file-room", merged.Room, "empty flag must not override file value")
	require.Equal(t, "/data", merged.DataDir)
	require.Equal(t, "wss://relay", merged.SignalingURL)
	require.Equal(t, "key", merged.APIKey)
	require.Equal(t, ":8090", merged.ListenAddr)
}
