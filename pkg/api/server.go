// Package api exposes the operator-facing HTTP surface: trigger ingestion,
// session inspection, and health.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/threadworks/autonomy/pkg/database"
	"github.com/threadworks/autonomy/pkg/queue"
	"github.com/threadworks/autonomy/pkg/services"
	"github.com/threadworks/autonomy/pkg/store"
)

// Server is the HTTP API server.
type Server struct {
	db       *database.Client
	ingest   *services.IngestService
	events   *store.EventStore
	timers   *store.TimerStore
	queue    *queue.EventQueue
	runner   *queue.EffectRunner
	promoter *queue.TimerPromoter

	httpServer *http.Server
}

// NewServer creates a new API server.
func NewServer(db *database.Client, ingest *services.IngestService, events *store.EventStore, timers *store.TimerStore, eventQueue *queue.EventQueue) *Server {
	return &Server{
		db:     db,
		ingest: ingest,
		events: events,
		timers: timers,
		queue:  eventQueue,
	}
}

// SetEffectRunner attaches the runner for health reporting.
func (s *Server) SetEffectRunner(runner *queue.EffectRunner) {
	s.runner = runner
}

// SetTimerPromoter attaches the promoter for health reporting.
func (s *Server) SetTimerPromoter(promoter *queue.TimerPromoter) {
	s.promoter = promoter
}

// Start begins serving on addr. Blocks until the server stops.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", s.healthHandler)

	v1 := router.Group("/api/v1")
	{
		v1.POST("/sessions/:sessionKey/messages", s.submitMessageHandler)
		v1.POST("/sessions/:sessionKey/tool-results", s.submitToolResultHandler)
		v1.POST("/sessions/:sessionKey/abandon", s.abandonSessionHandler)
		v1.GET("/sessions/:sessionKey/events", s.listEventsHandler)
		v1.GET("/sessions/:sessionKey/timers/:timerId", s.getTimerHandler)
		v1.GET("/queue/stats", s.queueStatsHandler)
	}

	return router
}
