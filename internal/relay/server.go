package relay

import (
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"meshkv/internal/signaling"
)

const sessionTokenTTL = 24 * time.Hour

// Server is the signaling relay's HTTP and WebSocket surface.
type Server struct {
	apiKeys  map[string]bool
	secret   []byte
	registry *Registry
	upgrader websocket.Upgrader
}

// New builds a relay server that accepts any of apiKeys and signs session
// tokens with secret.
func New(apiKeys []string, secret []byte) *Server {
	keys := make(map[string]bool, len(apiKeys))
	for _, k := range apiKeys {
		keys[k] = true
	}
	return &Server{
		apiKeys:  keys,
		secret:   secret,
		registry: NewRegistry(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Registry exposes the room registry, mainly for tests.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Register mounts the relay's routes on r.
func (s *Server) Register(r *gin.Engine) {
	r.Use(corsMiddleware())
	r.GET("/hello", s.handleHello)
	r.POST("/auth", s.handleAuth)
	r.GET("/connect/:room/:user", s.handleConnect)
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Headers", "X-API-Key, Content-Type")
		c.Header("Access-Control-Allow-Methods", "GET, POST")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func (s *Server) handleHello(c *gin.Context) {
	c.String(http.StatusOK, "hello!")
}

func (s *Server) handleAuth(c *gin.Context) {
	key := c.GetHeader("X-API-Key")
	if !s.apiKeys[key] {
		c.Status(http.StatusUnauthorized)
		return
	}

	token, err := signaling.Tokenize(s.secret, key, "meshkv-relay", sessionTokenTTL)
	if err != nil {
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Header("Authorization", token)
	c.JSON(http.StatusOK, gin.H{"sessionToken": token})
}

func (s *Server) handleConnect(c *gin.Context) {
	key := c.GetHeader("X-API-Key")
	if !s.apiKeys[key] {
		c.Status(http.StatusUnauthorized)
		return
	}

	room := c.Param("room")
	user := c.Param("user")

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("relay: upgrade failed for %s/%s: %v", room, user, err)
		return
	}
	defer conn.Close()

	send, leave := s.registry.Join(room, user)
	defer leave()

	done := make(chan struct{})
	go s.writePump(conn, send, done)
	s.readPump(conn, room, user, done)
}

// writePump owns the connection's writer; gorilla/websocket requires a
// single goroutine write to a given connection.
func (s *Server) writePump(conn *websocket.Conn, send <-chan signaling.Message, done <-chan struct{}) {
	for {
		select {
		case msg := <-send:
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (s *Server) readPump(conn *websocket.Conn, room, user string, done chan<- struct{}) {
	defer close(done)
	for {
		var msg signaling.Message
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		msg.Room = room
		msg.From = user
		s.registry.Deliver(msg)
	}
}
