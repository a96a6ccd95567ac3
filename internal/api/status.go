// Package api exposes the read-only status/administration surface consumed
// by the operator dashboard. It owns no relay logic: it reads the live
// registry and the audit store.
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/suetaketakaya/Tokyo-ai-festival-sub001/internal/database"
	"github.com/suetaketakaya/Tokyo-ai-festival-sub001/internal/relay"
	"github.com/suetaketakaya/Tokyo-ai-festival-sub001/pkg/logger"
)

// StatusHandler serves server health and session enumeration endpoints.
type StatusHandler struct {
	relay     *relay.Server
	db        *database.DB
	startedAt time.Time
}

// NewStatusHandler creates the status handler. db may be nil; the history
// endpoint then returns an empty list.
func NewStatusHandler(r *relay.Server, db *database.DB) *StatusHandler {
	return &StatusHandler{
		relay:     r,
		db:        db,
		startedAt: time.Now(),
	}
}

// Register mounts the status routes on the router.
func (h *StatusHandler) Register(router gin.IRouter) {
	router.GET("/health", h.GetHealth)
	v1 := router.Group("/v1")
	v1.GET("/sessions", h.ListSessions)
	v1.GET("/sessions/history", h.ListSessionHistory)
}

// GetHealth reports server liveness, uptime, and the live session count.
func (h *StatusHandler) GetHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
		"sessions":       h.relay.SessionCount(),
	})
}

// ListSessions enumerates live sessions with per-session metadata.
func (h *StatusHandler) ListSessions(c *gin.Context) {
	sessions := h.relay.Sessions()
	c.JSON(http.StatusOK, gin.H{
		"count":    len(sessions),
		"sessions": sessions,
	})
}

// ListSessionHistory returns recently seen sessions from the audit store.
func (h *StatusHandler) ListSessionHistory(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	if h.db == nil {
		c.JSON(http.StatusOK, gin.H{"sessions": []any{}})
		return
	}

	rows, err := h.db.RecentSessions(limit)
	if err != nil {
		logger.Errorf("list session history: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list sessions"})
		return
	}

	type entry struct {
		ID             string     `json:"id"`
		RemoteAddr     string     `json:"remote_addr"`
		Platform       string     `json:"platform,omitempty"`
		ConnectedAt    time.Time  `json:"connected_at"`
		DisconnectedAt *time.Time `json:"disconnected_at,omitempty"`
	}
	out := make([]entry, 0, len(rows))
	for _, row := range rows {
		out = append(out, entry{
			ID:             row.ID,
			RemoteAddr:     row.RemoteAddr,
			Platform:       row.Platform,
			ConnectedAt:    row.ConnectedAt,
			DisconnectedAt: row.DisconnectedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out})
}
