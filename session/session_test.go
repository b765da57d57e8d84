package session

import (
	"errors"
	"github.com/gorilla/websocket"
	"github.com/ssau-fiit/cloudocs-relay/crdt"
	"github.com/ssau-fiit/cloudocs-relay/protocol"
	"github.com/ssau-fiit/cloudocs-relay/room"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func newTestServer(t *testing.T) (*httptest.Server, *room.Registry) {
	t.Helper()
	srv, reg, _ := startServer(t, Config{PingInterval: time.Second})
	return srv, reg
}

// startServer serves sessions with cfg and publishes each one on the
// returned channel once it starts.
func startServer(t *testing.T, cfg Config) (*httptest.Server, *room.Registry, <-chan *Session) {
	t.Helper()
	reg := room.NewRegistry(room.Options{})
	sessions := make(chan *Session, 16)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s := New(conn, reg, strings.TrimPrefix(r.URL.Path, "/"), cfg)
		select {
		case sessions <- s:
		default:
		}
		s.Run(r.Context())
	}))
	t.Cleanup(func() {
		reg.Close()
		srv.Close()
	})
	return srv, reg, sessions
}

func nextSession(t *testing.T, sessions <-chan *Session) *Session {
	t.Helper()
	select {
	case s := <-sessions:
		return s
	case <-time.After(5 * time.Second):
		t.Fatal("session did not start")
		return nil
	}
}

func dial(t *testing.T, srv *httptest.Server, name string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/" + name
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) protocol.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	mt, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, mt)
	msg, err := protocol.Decode(data)
	require.NoError(t, err)
	return msg
}

func readUntil(t *testing.T, conn *websocket.Conn, typ protocol.MessageType) protocol.Message {
	t.Helper()
	for {
		msg := readMessage(t, conn)
		if msg.Type == typ {
			return msg
		}
	}
}

func write(t *testing.T, conn *websocket.Conn, frame []byte) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, frame))
}

// handshake runs the client half of the sync protocol against doc.
func handshake(t *testing.T, conn *websocket.Conn, doc *crdt.Doc) {
	t.Helper()
	step1 := readMessage(t, conn)
	require.Equal(t, protocol.MessageSyncStep1, step1.Type)

	write(t, conn, protocol.EncodeSyncStep1(doc.StateVector()))
	step2 := readUntil(t, conn, protocol.MessageSyncStep2)
	_, err := doc.Apply(step2.Ops...)
	require.NoError(t, err)

	write(t, conn, protocol.EncodeSyncStep2(doc.Diff(step1.StateVector)))
}

func closeErr(t *testing.T, conn *websocket.Conn) error {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return err
		}
	}
}

func TestSession_RelaysEdits(t *testing.T) {
	srv, reg := newTestServer(t)

	docA := crdt.NewDoc(1)
	_, err := docA.Insert(0, "hi")
	require.NoError(t, err)
	a := dial(t, srv, "notes")
	handshake(t, a, docA)

	r, ok := reg.Get("notes")
	require.True(t, ok)
	require.Eventually(t, func() bool { return r.Text() == "hi" }, time.Second, 10*time.Millisecond)

	docB := crdt.NewDoc(2)
	b := dial(t, srv, "notes")
	handshake(t, b, docB)
	assert.Equal(t, "hi", docB.Text())

	ops, err := docB.Insert(2, "!")
	require.NoError(t, err)
	write(t, b, protocol.EncodeUpdate(ops))

	for docA.Text() != "hi!" {
		msg := readUntil(t, a, protocol.MessageUpdate)
		_, err := docA.Apply(msg.Ops...)
		require.NoError(t, err)
	}

	assert.Eventually(t, func() bool { return r.Text() == "hi!" }, time.Second, 10*time.Millisecond)
}

func TestSession_MalformedFrameClosesWithProtocolError(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dial(t, srv, "doc")
	readMessage(t, conn)

	write(t, conn, []byte{0x09})

	err := closeErr(t, conn)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseProtocolError), "got %v", err)
}

func TestSession_TextFrameClosesWithProtocolError(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dial(t, srv, "doc")
	readMessage(t, conn)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("hello")))

	err := closeErr(t, conn)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseProtocolError), "got %v", err)
}

func TestSession_DepartureIsAnnounced(t *testing.T) {
	srv, reg := newTestServer(t)

	a := dial(t, srv, "doc")
	handshake(t, a, crdt.NewDoc(1))
	write(t, a, protocol.EncodeAwareness([]protocol.AwarenessEntry{
		{Client: 1, Clock: 1, State: []byte(`{"user":{"name":"ann"}}`)},
	}))

	r, ok := reg.Get("doc")
	require.True(t, ok)
	require.Eventually(t, func() bool {
		return len(r.Stats().Users) == 1
	}, time.Second, 10*time.Millisecond)

	b := dial(t, srv, "doc")
	snapshot := readUntil(t, b, protocol.MessageAwareness)
	require.Len(t, snapshot.Awareness, 1)
	assert.Equal(t, uint64(1), snapshot.Awareness[0].Client)

	require.NoError(t, a.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))

	departure := readUntil(t, b, protocol.MessageAwareness)
	require.Len(t, departure.Awareness, 1)
	assert.Equal(t, protocol.AwarenessEntry{Client: 1, Clock: 2}, departure.Awareness[0])
}

func TestSession_ShutdownClosesWithGoingAway(t *testing.T) {
	srv, reg := newTestServer(t)
	conn := dial(t, srv, "doc")
	readMessage(t, conn)

	reg.Close()

	err := closeErr(t, conn)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}

func TestSession_ClockGapClosesWithProtocolError(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dial(t, srv, "doc")
	doc := crdt.NewDoc(5)
	handshake(t, conn, doc)

	ops, err := doc.Insert(0, "abc")
	require.NoError(t, err)
	// 5:2 never sent
	write(t, conn, protocol.EncodeUpdate([]crdt.Op{ops[0], ops[2]}))

	err = closeErr(t, conn)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseProtocolError), "got %v", err)
}

func TestSession_OversizedFrameClosesWithMessageTooBig(t *testing.T) {
	srv, _, _ := startServer(t, Config{ReadLimit: 1024, PingInterval: time.Second})
	conn := dial(t, srv, "doc")
	readMessage(t, conn)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, make([]byte, 4096)))

	err := closeErr(t, conn)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseMessageTooBig), "got %v", err)
}

func TestSession_SlowSessionIsDroppedOthersKeepReceiving(t *testing.T) {
	// a long ping interval keeps the idle reader from timing out first
	srv, _, sessions := startServer(t, Config{QueueSize: 8, PingInterval: time.Minute, WriteTimeout: 30 * time.Second})

	writer := dial(t, srv, "doc")
	nextSession(t, sessions)
	fast := dial(t, srv, "doc")
	nextSession(t, sessions)
	slow := dial(t, srv, "doc")
	slowSession := nextSession(t, sessions)

	var fastClock atomic.Uint64
	go func() {
		for {
			_, data, err := fast.ReadMessage()
			if err != nil {
				return
			}
			msg, err := protocol.Decode(data)
			if err == nil && msg.Type == protocol.MessageAwareness {
				for _, e := range msg.Awareness {
					fastClock.Store(e.Clock)
				}
			}
		}
	}()

	state := []byte(`{"user":{"name":"` + strings.Repeat("a", 64<<10) + `"}}`)
	var clock uint64
	for dropped := false; !dropped; {
		require.Less(t, clock, uint64(5000), "slow session was never dropped")
		clock++
		write(t, writer, protocol.EncodeAwareness([]protocol.AwarenessEntry{{Client: 1, Clock: clock, State: state}}))
		select {
		case <-slowSession.done:
			dropped = true
		default:
		}
	}

	clock++
	write(t, writer, protocol.EncodeAwareness([]protocol.AwarenessEntry{{Client: 1, Clock: clock, State: []byte(`{}`)}}))
	assert.Eventually(t, func() bool { return fastClock.Load() == clock }, 5*time.Second, 10*time.Millisecond)

	err := closeErr(t, slow)
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)
}

func TestCloseCode(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{nil, websocket.CloseNormalClosure},
		{protocol.ErrMalformed, websocket.CloseProtocolError},
		{crdt.ErrOutOfOrder, websocket.CloseProtocolError},
		{crdt.ErrPendingOverflow, websocket.CloseProtocolError},
		{room.ErrCapacityExceeded, websocket.ClosePolicyViolation},
		{room.ErrShutdown, websocket.CloseGoingAway},
		{room.ErrStalled, websocket.CloseProtocolError},
		{websocket.ErrReadLimit, websocket.CloseMessageTooBig},
		{errors.New("boom"), websocket.CloseInternalServerErr},
	}
	for _, tt := range tests {
		code, _ := closeCode(tt.err)
		assert.Equal(t, tt.code, code, "%v", tt.err)
	}

	_, reason := closeCode(errors.Join(protocol.ErrMalformed, errors.New(strings.Repeat("x", 200))))
	assert.LessOrEqual(t, len(reason), 123)
}
