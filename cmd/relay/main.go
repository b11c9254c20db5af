// cmd/relay is the signaling relay server: a small, stateless router that
// lets peers in the same room exchange offer/answer/candidate/heartbeat
// messages before going direct over WebRTC.
//
// Example:
//
//	./relay --addr :3030 --api-keys key1,key2
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"meshkv/internal/relay"
)

func main() {
	addr := flag.String("addr", defaultAddr(), "Listen address (host:port)")
	apiKeysFlag := flag.String("api-keys", os.Getenv("MESHKV_API_KEYS"), "Comma-separated list of accepted API keys")
	secret := flag.String("secret", os.Getenv("MESHKV_SIGNING_SECRET"), "HMAC signing secret for session tokens")
	flag.Parse()

	if *apiKeysFlag == "" {
		log.Fatal("FATAL: at least one --api-keys value is required")
	}
	if *secret == "" {
		log.Fatal("FATAL: --secret (or MESHKV_SIGNING_SECRET) is required")
	}

	apiKeys := strings.Split(*apiKeysFlag, ",")

	srv := relay.New(apiKeys, []byte(*secret))

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	srv.Register(router)

	httpSrv := &http.Server{
		Addr:         *addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // WebSocket connections are long-lived
	}

	go func() {
		log.Printf("relay listening on %s", *addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("relay server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("shutting down relay")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		log.Printf("relay shutdown error: %v", err)
	}
}

func defaultAddr() string {
	port := os.Getenv("PORT")
	if port == "" {
		port = "3030"
	}
	return ":" + port
}
