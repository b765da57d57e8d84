package main

import (
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/ssau-fiit/cloudocs-relay/session"
	"net/http"
	"strings"
)

const idleBody = "relay is running"

// roomFromPath derives a room name from a request path: the leading slash
// and prefix are removed. It returns "" when the path does not carry the
// prefix.
func roomFromPath(path, prefix string) string {
	name := strings.TrimPrefix(path, "/")
	if prefix = strings.Trim(prefix, "/"); prefix != "" {
		prefix += "/"
		if !strings.HasPrefix(name, prefix) {
			return ""
		}
		name = strings.TrimPrefix(name, prefix)
	}
	return name
}

func (s *server) handleSocket(c *gin.Context) {
	name := c.Param("room")
	if name == "" {
		c.AbortWithStatus(http.StatusNotFound)
		return
	}
	if !websocket.IsWebSocketUpgrade(c.Request) {
		c.AbortWithStatus(http.StatusUpgradeRequired)
		return
	}
	s.serveSession(c, name)
}

// handlePathRoom serves every path not matched by another route. Plain HTTP
// requests get a liveness answer, upgrades join the room named by the path.
func (s *server) handlePathRoom(c *gin.Context) {
	if !websocket.IsWebSocketUpgrade(c.Request) {
		c.String(http.StatusOK, idleBody)
		return
	}
	name := roomFromPath(c.Request.URL.Path, s.cfg.RoomPrefix)
	if name == "" {
		c.AbortWithStatus(http.StatusNotFound)
		return
	}
	s.serveSession(c, name)
}

func (s *server) serveSession(c *gin.Context, name string) {
	if !s.track() {
		c.AbortWithStatus(http.StatusServiceUnavailable)
		return
	}
	defer s.sessions.Done()

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Msg("error upgrading connection")
		return
	}

	sess := session.New(conn, s.registry, name, session.Config{
		QueueSize:    s.cfg.QueueSize,
		ReadLimit:    s.cfg.ReadLimit,
		PingInterval: s.cfg.PingInterval,
		WriteTimeout: s.cfg.WriteTimeout,
	})
	sess.Run(s.ctx)
}
