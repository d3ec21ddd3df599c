package handler

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/jobmarket/internal/api/dto"
	"github.com/cuongbtq/jobmarket/internal/domain"
)

// Upload handles POST /api/v1/sync/:client_id/entries
// Stores queued offline mutations; re-uploads are ignored
func (h *SyncHandler) Upload(c *gin.Context) {
	var req dto.SyncUploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, h.logger, "Invalid request body", err)
		return
	}

	// Entries always act as the authenticated caller
	for i := range req.Entries {
		req.Entries[i].ActorID = actor(c)
	}

	inserted, err := h.sync.Enqueue(c.Request.Context(), c.Param("client_id"), req.Entries)
	if err != nil {
		respondError(c, h.logger, "sync upload", err)
		return
	}
	c.JSON(http.StatusOK, dto.SyncUploadResponse{Inserted: inserted})
}

// List handles GET /api/v1/sync/:client_id/entries
func (h *SyncHandler) List(c *gin.Context) {
	entries, err := h.sync.List(c.Request.Context(), c.Param("client_id"))
	if err != nil {
		respondError(c, h.logger, "sync list", err)
		return
	}
	if entries == nil {
		entries = []domain.SyncQueueEntry{}
	}
	c.JSON(http.StatusOK, dto.SyncEntriesResponse{Entries: entries})
}

// Replay handles POST /api/v1/sync/:client_id/replay
// Applies pending entries and reports each entry's outcome
func (h *SyncHandler) Replay(c *gin.Context) {
	clientID := c.Param("client_id")
	h.logger.Info("Sync replay requested",
		slog.String("client_id", clientID),
		slog.String("actor_id", actor(c)),
	)

	report, err := h.sync.Replay(c.Request.Context(), clientID)
	if err != nil {
		respondError(c, h.logger, "sync replay", err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// Resolve handles POST /api/v1/sync/:client_id/entries/:entry_id/resolve
func (h *SyncHandler) Resolve(c *gin.Context) {
	var req dto.ResolveSyncEntryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, h.logger, "Invalid request body", err)
		return
	}

	entry, err := h.sync.Resolve(c.Request.Context(), c.Param("client_id"), c.Param("entry_id"), req.Action)
	if err != nil {
		respondError(c, h.logger, "sync resolve", err)
		return
	}
	c.JSON(http.StatusOK, entry)
}
