// Package api wires up the Gin HTTP router with all handler functions.
package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"meshkv/internal/facade"
	"meshkv/internal/lss"
)

// Handler holds all dependencies injected from main.
type Handler struct {
	app *facade.Facade
}

// NewHandler creates a Handler.
func NewHandler(app *facade.Facade) *Handler {
	return &Handler{app: app}
}

// Register mounts all routes on r.
func (h *Handler) Register(r *gin.Engine) {
	// Non-CRDT KV API.
	kv := r.Group("/kv")
	kv.GET("/:key", h.Get)
	kv.PUT("/:key", h.Put)
	kv.DELETE("/:key", h.Delete)

	// CRDT-aware API.
	crdt := r.Group("/crdt")
	crdt.GET("/:key", h.CrdtGet)
	crdt.PUT("/:key", h.CrdtPut)

	r.GET("/range", h.Range)
	r.POST("/sync/:key", h.Sync)
	r.GET("/metadata", h.Metadata)
}

// ─── Non-CRDT KV handlers ─────────────────────────────────────────────────────

// Put handles PUT /kv/:key
// Body: {"value": "<string>"}
func (h *Handler) Put(c *gin.Context) {
	key := c.Param("key")

	var body struct {
		Value string `json:"value" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.app.Put(key, body.Value); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": key, "value": body.Value})
}

// Get handles GET /kv/:key
func (h *Handler) Get(c *gin.Context) {
	key := c.Param("key")

	value, ok, err := h.app.Get(key)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "key not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": key, "data": value})
}

// Delete handles DELETE /kv/:key
func (h *Handler) Delete(c *gin.Context) {
	key := c.Param("key")

	if err := h.app.Remove(key); err != nil {
		if err == lss.ErrKeyNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "key not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// ─── CRDT-aware handlers ──────────────────────────────────────────────────────

// CrdtPut handles PUT /crdt/:key
func (h *Handler) CrdtPut(c *gin.Context) {
	key := c.Param("key")

	var body struct {
		Value string `json:"value" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.app.CrdtPut(key, body.Value); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": key, "value": body.Value})
}

// CrdtGet handles GET /crdt/:key. Absence is reported as an empty
// component, never a 404 — per §7, crdtGet never errors on a missing key.
func (h *Handler) CrdtGet(c *gin.Context) {
	key := c.Param("key")

	v, err := h.app.CrdtGet(key)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	resp := gin.H{"key": key, "clock": v.Clock}
	if v.HasData() {
		resp["value"] = *v.Data
	}
	c.JSON(http.StatusOK, resp)
}

// Range handles GET /range?lo=&hi=&loIncl=&hiIncl=
func (h *Handler) Range(c *gin.Context) {
	lo := parseBound(c.Query("lo"), c.Query("loIncl"))
	hi := parseBound(c.Query("hi"), c.Query("hiIncl"))

	kvs, err := h.app.GetRange(lo, hi)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, rangeEntries(kvs))
}

func parseBound(key, inclRaw string) lss.Bound {
	if key == "" {
		return lss.Bound{Unbounded: true}
	}
	incl, _ := strconv.ParseBool(inclRaw)
	return lss.Bound{Key: key, Inclusive: incl}
}

func rangeEntries(kvs []lss.KeyValue) []gin.H {
	out := make([]gin.H, 0, len(kvs))
	for _, kv := range kvs {
		entry := gin.H{"key": kv.Key, "clock": kv.Value.Clock}
		if kv.Value.HasData() {
			entry["value"] = *kv.Value.Data
		}
		out = append(out, entry)
	}
	return out
}

// ─── Mesh coordination handlers ───────────────────────────────────────────────

// Sync handles POST /sync/:key. It blocks until at least one peer channel
// is open before rebroadcasting key's current version.
func (h *Handler) Sync(c *gin.Context) {
	key := c.Param("key")
	if err := h.app.SyncWithPeers(c.Request.Context(), key); err != nil {
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// Metadata handles GET /metadata: per-peer open-channel state.
func (h *Handler) Metadata(c *gin.Context) {
	c.JSON(http.StatusOK, h.app.Metadata())
}
