// Package session runs one WebSocket connection attached to a room: it
// performs the sync handshake, feeds inbound frames to the room and writes
// the room's broadcasts back out.
package session

import (
	"context"
	"errors"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/ssau-fiit/cloudocs-relay/crdt"
	"github.com/ssau-fiit/cloudocs-relay/protocol"
	"github.com/ssau-fiit/cloudocs-relay/room"
	"sync"
	"sync/atomic"
	"time"
)

var errTextFrame = errors.New("text frames are not part of the protocol")

// IsProtocolError reports whether err was caused by the peer violating the
// sync protocol.
func IsProtocolError(err error) bool {
	return errors.Is(err, protocol.ErrMalformed) ||
		errors.Is(err, crdt.ErrOutOfOrder) ||
		errors.Is(err, crdt.ErrPendingOverflow) ||
		errors.Is(err, crdt.ErrInvalidOp) ||
		errors.Is(err, errTextFrame)
}

type State int32

const (
	StateConnecting State = iota
	StateSyncing
	StateLive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateSyncing:
		return "syncing"
	case StateLive:
		return "live"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

type Config struct {
	// QueueSize is the number of outbound frames buffered before the
	// session is considered too slow and dropped.
	QueueSize    int
	ReadLimit    int64
	PingInterval time.Duration
	WriteTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		QueueSize:    256,
		ReadLimit:    1 << 20,
		PingInterval: 30 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.QueueSize <= 0 {
		c.QueueSize = def.QueueSize
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = def.ReadLimit
	}
	if c.PingInterval <= 0 {
		c.PingInterval = def.PingInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	return c
}

// Session is one connection. It implements room.Peer.
type Session struct {
	id       string
	roomName string
	conn     *websocket.Conn
	cfg      Config
	registry *room.Registry
	room     *room.Room

	out  chan []byte
	done chan struct{}

	closeOnce sync.Once
	closeErr  error
	state     atomic.Int32

	// handshake progress, owned by the read loop
	sentStep2 bool
	gotStep2  bool
}

func New(conn *websocket.Conn, registry *room.Registry, roomName string, cfg Config) *Session {
	cfg = cfg.withDefaults()
	return &Session{
		id:       uuid.NewString(),
		roomName: roomName,
		conn:     conn,
		cfg:      cfg,
		registry: registry,
		out:      make(chan []byte, cfg.QueueSize),
		done:     make(chan struct{}),
	}
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

// Deliver queues a frame for the write loop. Frames for a closed session are
// dropped silently.
func (s *Session) Deliver(frame []byte) bool {
	select {
	case <-s.done:
		return true
	default:
	}
	select {
	case s.out <- frame:
		return true
	default:
		return false
	}
}

// Kick closes the session with err as the reason.
func (s *Session) Kick(err error) {
	s.closeWith(err)
}

func (s *Session) closeWith(err error) {
	s.closeOnce.Do(func() {
		s.closeErr = err
		close(s.done)
	})
}

// Run serves the connection until it is closed. It returns the reason the
// session ended, nil for a normal close by the peer.
func (s *Session) Run(ctx context.Context) error {
	logger := log.With().Str("session", s.id).Str("room", s.roomName).Logger()

	s.setState(StateConnecting)
	s.room = s.registry.Attach(s.roomName, s)
	logger.Info().Msg("session connected")

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop()
	}()
	go func() {
		select {
		case <-ctx.Done():
			s.closeWith(room.ErrShutdown)
		case <-s.done:
		}
	}()

	if err := s.room.Join(ctx, s); err != nil {
		s.closeWith(err)
	} else {
		s.setState(StateSyncing)
		s.readLoop()
	}

	s.setState(StateClosed)
	s.registry.Detach(s.room, s)
	<-writerDone
	s.conn.Close()

	err := s.closeErr
	if err != nil {
		logger.Info().Err(err).Msg("session closed")
	} else {
		logger.Info().Msg("session closed")
	}
	return err
}

func (s *Session) readLoop() {
	pongWait := 2 * s.cfg.PingInterval
	s.conn.SetReadLimit(s.cfg.ReadLimit)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				err = nil
			}
			s.closeWith(err)
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		if mt != websocket.BinaryMessage {
			s.closeWith(errTextFrame)
			return
		}
		if err := s.handle(data); err != nil {
			s.closeWith(err)
			return
		}
		select {
		case <-s.done:
			return
		default:
		}
	}
}

func (s *Session) handle(data []byte) error {
	msg, err := protocol.Decode(data)
	if err != nil {
		return err
	}
	log.Debug().Str("session", s.id).Stringer("type", msg.Type).Int("bytes", len(data)).Msg("frame received")

	switch msg.Type {
	case protocol.MessageSyncStep1:
		if err := s.room.SyncStep1(s, msg.StateVector); err != nil {
			return err
		}
		s.sentStep2 = true
	case protocol.MessageSyncStep2:
		if _, err := s.room.ApplyUpdate(s, msg.Ops); err != nil {
			return err
		}
		s.gotStep2 = true
	case protocol.MessageUpdate:
		if _, err := s.room.ApplyUpdate(s, msg.Ops); err != nil {
			return err
		}
	case protocol.MessageAwareness:
		if _, err := s.room.ApplyAwareness(s, msg.Awareness); err != nil {
			return err
		}
	}

	if s.sentStep2 && s.gotStep2 && s.State() == StateSyncing {
		if err := s.room.Activate(s); err != nil {
			return err
		}
		s.setState(StateLive)
		log.Info().Str("session", s.id).Str("room", s.roomName).Msg("session live")
	}
	return nil
}

func (s *Session) writeLoop() {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case frame := <-s.out:
			s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				s.closeWith(err)
				s.conn.Close()
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(s.cfg.WriteTimeout)
			if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				s.closeWith(err)
				s.conn.Close()
				return
			}
		case <-s.done:
			code, reason := closeCode(s.closeErr)
			msg := websocket.FormatCloseMessage(code, reason)
			s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.cfg.WriteTimeout))
			// unblocks the read loop
			s.conn.Close()
			return
		}
	}
}

func closeCode(err error) (int, string) {
	var ce *websocket.CloseError
	switch {
	case err == nil:
		return websocket.CloseNormalClosure, ""
	case IsProtocolError(err):
		return websocket.CloseProtocolError, truncateReason(err.Error())
	case errors.Is(err, room.ErrCapacityExceeded):
		return websocket.ClosePolicyViolation, err.Error()
	case errors.Is(err, room.ErrShutdown):
		return websocket.CloseGoingAway, err.Error()
	case errors.Is(err, websocket.ErrReadLimit):
		return websocket.CloseMessageTooBig, err.Error()
	case errors.As(err, &ce):
		return websocket.CloseNormalClosure, ""
	default:
		return websocket.CloseInternalServerErr, ""
	}
}

// truncateReason keeps close reasons within the 123 bytes a control frame
// allows.
func truncateReason(reason string) string {
	const max = 123
	if len(reason) <= max {
		return reason
	}
	return reason[:max]
}
