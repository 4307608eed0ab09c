package api

import (
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rawblock/mixer-engine/internal/engine"
)

// Handler exposes the minimal operator surface spec §1 leaves in scope for
// this repository: liveness/readiness and the lifecycle-event feed. A full
// public mixing API is an explicit Non-goal — only its contracts
// (internal/mixrequest, internal/coinjoin, internal/pool) are implemented.
type Handler struct {
	eng *engine.Engine
}

// SetupRouter builds the gin.Engine exposing that surface, mirroring the
// teacher's CORS-header setup in internal/api/routes.go without the full
// forensics endpoint set the teacher layers on top of it.
func SetupRouter(eng *engine.Engine) *gin.Engine {
	r := gin.Default()

	allowedOrigins := os.Getenv("MIXER_ALLOWED_ORIGINS")
	r.Use(func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		switch {
		case allowedOrigins == "" || allowedOrigins == "*":
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		default:
			for _, allowed := range strings.Split(allowedOrigins, ",") {
				if strings.TrimSpace(allowed) == origin {
					c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	})

	h := &Handler{eng: eng}

	r.GET("/healthz", h.handleHealthz)
	r.GET("/readyz", h.handleReadyz)
	r.GET("/stream", AuthMiddleware(), eng.Hub.ServeWebSocket)

	return r
}

func (h *Handler) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleReadyz reports whether the engine has its own dependencies
// (repository, blockchain adapter) configured, generalizing the teacher's
// handleHealth "dbConnected" flag. It checks only that both are non-nil;
// it does not probe either one for reachability.
func (h *Handler) handleReadyz(c *gin.Context) {
	ready := h.eng.Repository != nil && h.eng.Chain != nil
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"ready":      ready,
		"checked_at": time.Now().UTC(),
	})
}
