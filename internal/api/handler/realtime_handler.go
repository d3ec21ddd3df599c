package handler

import (
	"log/slog"

	"github.com/gin-gonic/gin"
)

// Connect handles GET /api/v1/realtime
// Upgrades to a WebSocket that receives changes of the caller's jobs
func (h *RealtimeHandler) Connect(c *gin.Context) {
	if err := h.realtime.ServeWS(c.Writer, c.Request, actor(c)); err != nil {
		h.logger.Warn("Failed to upgrade realtime connection",
			slog.String("actor_id", actor(c)),
			slog.Any("error", err),
		)
	}
}
