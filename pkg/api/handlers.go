package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/threadworks/autonomy/pkg/database"
	"github.com/threadworks/autonomy/pkg/models"
	"github.com/threadworks/autonomy/pkg/store"
)

// submitMessageRequest is the body for POST /sessions/:sessionKey/messages.
type submitMessageRequest struct {
	Text string `json:"text" binding:"required"`
}

// submitToolResultRequest is the body for POST /sessions/:sessionKey/tool-results.
type submitToolResultRequest struct {
	ToolID string          `json:"tool_id" binding:"required"`
	Result json.RawMessage `json:"result"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	dbHealth, err := database.Health(ctx, s.db.DB())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":   "unhealthy",
			"database": dbHealth,
			"error":    err.Error(),
		})
		return
	}

	resp := gin.H{
		"status":   "healthy",
		"database": dbHealth,
		"queue": gin.H{
			"total_queued": s.queue.TotalQueued(),
		},
	}
	if s.runner != nil {
		resp["effect_runner"] = s.runner.Health()
	}
	if s.promoter != nil {
		resp["timer_promoter"] = s.promoter.Health()
	}
	c.JSON(http.StatusOK, resp)
}

// submitMessageHandler ingests a user message. The event is acknowledged once
// enqueued; processing continues asynchronously under the session's ordering.
func (s *Server) submitMessageHandler(c *gin.Context) {
	sessionKey, ok := s.sessionKeyParam(c)
	if !ok {
		return
	}

	var req submitMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if _, err := s.ingest.SubmitUserMessage(c.Request.Context(), sessionKey, req.Text); err != nil {
		s.renderError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"session_key": sessionKey,
		"status":      "queued",
	})
}

func (s *Server) submitToolResultHandler(c *gin.Context) {
	sessionKey, ok := s.sessionKeyParam(c)
	if !ok {
		return
	}

	var req submitToolResultRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if _, err := s.ingest.SubmitToolResult(c.Request.Context(), sessionKey, req.ToolID, req.Result); err != nil {
		s.renderError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"session_key": sessionKey,
		"status":      "queued",
	})
}

func (s *Server) abandonSessionHandler(c *gin.Context) {
	sessionKey, ok := s.sessionKeyParam(c)
	if !ok {
		return
	}

	result, err := s.ingest.AbandonSession(c.Request.Context(), sessionKey)
	if err != nil {
		s.renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

func (s *Server) listEventsHandler(c *gin.Context) {
	sessionKey, ok := s.sessionKeyParam(c)
	if !ok {
		return
	}

	var opts store.ListEventsOptions
	if v := c.Query("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		opts.Limit = limit
	}
	if v := c.Query("after_seq"); v != "" {
		afterSeq, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid after_seq"})
			return
		}
		opts.AfterSeq = &afterSeq
	}

	events, err := s.events.ListEvents(c.Request.Context(), sessionKey, opts)
	if err != nil {
		s.renderError(c, err)
		return
	}
	count, err := s.events.CountEvents(c.Request.Context(), sessionKey)
	if err != nil {
		s.renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"events":      events,
		"total_count": count,
	})
}

func (s *Server) getTimerHandler(c *gin.Context) {
	sessionKey, ok := s.sessionKeyParam(c)
	if !ok {
		return
	}

	timer, err := s.timers.GetTimer(c.Request.Context(), sessionKey, c.Param("timerId"))
	if err != nil {
		s.renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, timer)
}

func (s *Server) queueStatsHandler(c *gin.Context) {
	stats := gin.H{
		"total_queued": s.queue.TotalQueued(),
	}
	if key := c.Query("session_key"); key != "" {
		sessionKey, err := models.ParseSessionKey(key)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		stats["session_key"] = sessionKey
		stats["depth"] = s.queue.Depth(sessionKey)
		stats["processing"] = s.queue.IsProcessing(sessionKey)
	}
	c.JSON(http.StatusOK, stats)
}

// sessionKeyParam parses and validates the :sessionKey path parameter.
func (s *Server) sessionKeyParam(c *gin.Context) (models.SessionKey, bool) {
	sessionKey, err := models.ParseSessionKey(c.Param("sessionKey"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return "", false
	}
	return sessionKey, true
}

// renderError maps domain errors onto HTTP status codes.
func (s *Server) renderError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, models.ErrInvalidSessionKey),
		errors.Is(err, models.ErrInvalidPayload),
		store.IsValidationError(err):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, store.ErrAlreadyExists):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
