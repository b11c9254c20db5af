// cmd/peer is the long-running peer daemon: it owns one local
// log-structured store, joins a signaling room, maintains a WebRTC data
// channel to every other room member, and exposes the facade over a local
// HTTP control API for cmd/client (or any tooling) to drive.
//
// Example:
//
//	./peer --actor alice --room demo --data-dir /var/meshkv/alice \
//	        --signaling-url wss://relay.example.com --api-key key1
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v4"

	"meshkv/internal/api"
	"meshkv/internal/config"
	"meshkv/internal/facade"
	"meshkv/internal/lss"
	"meshkv/internal/peer"
	"meshkv/internal/replication"
)

func main() {
	configPath := flag.String("config", "", "Optional JSON-with-comments config file")
	actor := flag.String("actor", "", "This peer's actor identity (must be unique within the room)")
	room := flag.String("room", "", "Signaling room name")
	dataDir := flag.String("data-dir", "", "Directory for this peer's log-structured store")
	signalingURL := flag.String("signaling-url", "", "Relay server WebSocket URL, e.g. wss://relay.example.com")
	apiKey := flag.String("api-key", "", "API key presented to the relay")
	listenAddr := flag.String("addr", ":8090", "Listen address for the local control API")
	flag.Parse()

	file, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("FATAL: %v", err)
	}
	cfg := file.Merge(*actor, *room, *dataDir, *signalingURL, *apiKey, *listenAddr)

	if cfg.Actor == "" || cfg.Room == "" || cfg.DataDir == "" || cfg.SignalingURL == "" {
		log.Fatal("FATAL: --actor, --room, --data-dir, and --signaling-url are all required")
	}

	store, err := lss.Open(cfg.DataDir)
	if err != nil {
		log.Fatalf("FATAL: open store: %v", err)
	}
	defer store.Close()

	pool := peer.New(peer.Config{
		SignalingURL: cfg.SignalingURL,
		Room:         cfg.Room,
		User:         cfg.Actor,
		APIKey:       cfg.APIKey,
		ICEServers:   iceServers(cfg.ICEServers),
	}, nil)

	app := facade.New(store, cfg.Actor, pool)

	// The inbound callback needs app.Engine(), which only exists once the
	// facade has been built around this same pool.
	pool.SetOnMessage(func(from string, data []byte) {
		var msg replication.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("peer: malformed message from %s: %v", from, err)
			return
		}
		if err := app.Engine().HandleInbound(msg); err != nil {
			log.Printf("peer: handle inbound from %s: %v", from, err)
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := pool.Connect(ctx); err != nil {
		log.Fatalf("FATAL: connect to signaling: %v", err)
	}
	defer pool.Close()

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(api.Logger(), api.Recovery())
	api.NewHandler(app).Register(router)
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"actor": cfg.Actor, "room": cfg.Room, "status": "ok"})
	})

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("peer %s listening on %s (room %s)", cfg.Actor, cfg.ListenAddr, cfg.Room)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("peer server error: %v", err)
		}
	}()

	// Periodically log mesh health; compaction itself is triggered
	// inline by the store on every write that crosses the threshold.
	go func() {
		ticker := time.NewTicker(60 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			log.Printf("peer %s metadata: %+v", cfg.Actor, app.Metadata())
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Printf("shutting down peer %s", cfg.Actor)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("peer shutdown error: %v", err)
	}
}

func iceServers(cfgServers []config.ICEServer) []webrtc.ICEServer {
	if len(cfgServers) == 0 {
		return []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	}
	out := make([]webrtc.ICEServer, 0, len(cfgServers))
	for _, s := range cfgServers {
		out = append(out, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return out
}
