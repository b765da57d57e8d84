package main

import (
	"context"
	"errors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/ssau-fiit/cloudocs-relay/config"
	"github.com/ssau-fiit/cloudocs-relay/database"
	"github.com/ssau-fiit/cloudocs-relay/room"
	"net/http"
	"sync"
	"time"
)

type server struct {
	cfg      config.Config
	registry *room.Registry
	store    *database.Store
	upgrader websocket.Upgrader

	// ctx ends every session when cancelled.
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	closing  bool
	sessions sync.WaitGroup
}

// newServer builds the relay. store may be nil.
func newServer(cfg config.Config, store *database.Store) *server {
	opts := room.Options{MaxPending: cfg.MaxPending, PendingTimeout: cfg.PendingTimeout}
	if store != nil {
		opts.Store = store
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &server{
		cfg:      cfg,
		registry: room.NewRegistry(opts),
		store:    store,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *server) router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	r.GET("/healthz", s.handleHealth)

	v1 := r.Group("/api/v1")
	v1.GET("/rooms", s.handleListRooms)
	v1.GET("/rooms/:room", s.handleSocket)
	v1.GET("/rooms/:room/info", s.handleRoomInfo)

	r.NoRoute(s.handlePathRoom)
	return r
}

// shutdown closes every session with a going-away status and waits for them
// to finish until ctx is done.
func (s *server) shutdown(ctx context.Context) {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	s.cancel()
	s.registry.Close()

	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Warn().Msg("sessions did not finish before shutdown deadline")
	}
}

// track registers a new session unless the server is shutting down.
func (s *server) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.sessions.Add(1)
	return true
}

func (s *server) close() {
	s.cancel()
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		ev := log.Debug()
		if c.Writer.Status() >= http.StatusInternalServerError {
			ev = log.Error()
		}
		ev.Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("request")
	}
}

func (s *server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"version": version,
		"rooms":   s.registry.Len(),
	})
}

func (s *server) handleListRooms(c *gin.Context) {
	c.JSON(http.StatusOK, s.registry.Stats())
}

func (s *server) handleRoomInfo(c *gin.Context) {
	if s.store == nil {
		c.AbortWithStatus(http.StatusNotFound)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second*5)
	defer cancel()

	info, err := s.store.Info(ctx, c.Param("room"))
	if errors.Is(err, database.ErrNotFound) {
		c.AbortWithStatus(http.StatusNotFound)
		return
	}
	if err != nil {
		log.Error().Err(err).Str("room", c.Param("room")).Msg("error getting room info")
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	c.JSON(http.StatusOK, info)
}
