package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/clipnotes/clipnotes-be/internal/domain"
)

// snapshotInterval is how often the SSE stream re-reads the job row to
// detect terminal state even when no push events arrive.
const snapshotInterval = 3 * time.Second

// GetProgress handles GET /api/v1/jobs/:job_id/progress
// Serves the polling read straight from the job store.
func (h *JobHandler) GetProgress(c *gin.Context) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	snap, err := h.storage.Snapshot(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "job not found",
			})
			return
		}
		h.logger.Error("Failed to read job snapshot", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to read job progress",
		})
		return
	}

	c.JSON(http.StatusOK, snap)
}

// StreamEvents handles GET /api/v1/jobs/:job_id/events
// Pushes progress events over SSE until the job reaches a terminal
// state or the client disconnects. The stream opens with the current
// snapshot so a late subscriber is never behind the store.
func (h *JobHandler) StreamEvents(c *gin.Context) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	snap, err := h.storage.Snapshot(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "job not found",
			})
			return
		}
		h.logger.Error("Failed to read job snapshot", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to subscribe to job events",
		})
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	c.SSEvent("snapshot", snap)
	c.Writer.Flush()

	if domain.IsTerminal(snap.Status) {
		return
	}

	events, cancel := h.hub.Subscribe(jobID)
	defer cancel()

	ticker := time.NewTicker(snapshotInterval)
	defer ticker.Stop()

	clientGone := c.Request.Context().Done()

	for {
		select {
		case <-clientGone:
			return

		case event, ok := <-events:
			if !ok {
				return
			}
			c.SSEvent("progress", event)
			c.Writer.Flush()

		case <-ticker.C:
			// Terminal transitions are visible in the store even if the
			// final push event was dropped.
			snap, err := h.storage.Snapshot(c.Request.Context(), jobID)
			if err != nil {
				return
			}
			if domain.IsTerminal(snap.Status) {
				c.SSEvent("snapshot", snap)
				c.Writer.Flush()
				return
			}
		}
	}
}
