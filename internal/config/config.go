// Package config loads peer-daemon settings from an optional JSON-with-
// comments file, overridable by command-line flags — flags always win.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/tailscale/hujson"
)

// ICEServer mirrors webrtc.ICEServer's JSON shape without importing pion
// here, keeping this package dependency-light.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// File is the on-disk shape of a peer daemon's config file.
type File struct {
	Actor        string      `json:"actor,omitempty"`
	Room         string      `json:"room,omitempty"`
	DataDir      string      `json:"dataDir,omitempty"`
	SignalingURL string      `json:"signalingUrl,omitempty"`
	APIKey       string      `json:"apiKey,omitempty"`
	ListenAddr   string      `json:"listenAddr,omitempty"`
	ICEServers   []ICEServer `json:"iceServers,omitempty"`
}

// Load reads and parses a JWCC (JSON-with-comments) config file at path. A
// missing file is not an error — it returns an empty File so flags alone
// can drive the process.
func Load(path string) (File, error) {
	if path == "" {
		return File{}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return File{}, nil
		}
		return File{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	standard, err := hujson.Standardize(raw)
	if err != nil {
		return File{}, fmt.Errorf("config: parse %s: %w", path, err)
	}

	var f File
	if err := json.Unmarshal(standard, &f); err != nil {
		return File{}, fmt.Errorf("config: decode %s: %w", path, err)
	}
	return f, nil
}

// Merge overlays non-zero flag values onto the file-loaded defaults; flags
// always win when both are set.
func (f File) Merge(flagActor, flagRoom, flagDataDir, flagSignalingURL, flagAPIKey, flagListenAddr string) File {
	out := f
	if flagActor != "" {
		out.Actor = flagActor
	}
	if flagRoom != "" {
		out.Room = flagRoom
	}
	if flagDataDir != "" {
		out.DataDir = flagDataDir
	}
	if flagSignalingURL != "" {
		out.SignalingURL = flagSignalingURL
	}
	if flagAPIKey != "" {
		out.APIKey = flagAPIKey
	}
	if flagListenAddr != "" {
		out.ListenAddr = flagListenAddr
	}
	return out
}
