// Package client is a Go peer for the relay. It keeps a local replica of a
// room's text, sends local edits and presence, and reports remote changes
// through callbacks.
package client

import (
	"context"
	"errors"
	"fmt"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/sergi/go-diff/diffmatchpatch"
	"github.com/ssau-fiit/cloudocs-relay/awareness"
	"github.com/ssau-fiit/cloudocs-relay/crdt"
	"github.com/ssau-fiit/cloudocs-relay/protocol"
	"net/http"
	"sync"
	"time"
)

var ErrClosed = errors.New("client closed")

const writeTimeout = 10 * time.Second

type options struct {
	dialer           *websocket.Dialer
	header           http.Header
	clientID         uint64
	awarenessTimeout time.Duration
	onRemoteChange   func(string)
	onPresence       func(map[uint64]map[string]any)
	onDeparted       func([]uint64)
}

type Option func(*options)

func WithDialer(d *websocket.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

func WithHeader(h http.Header) Option {
	return func(o *options) { o.header = h }
}

// WithClientID fixes the replica ID instead of drawing a random one. IDs
// must be unique among the peers of a room.
func WithClientID(id uint64) Option {
	return func(o *options) { o.clientID = id }
}

// WithAwarenessTimeout sets the presence timeout of the relay. The client
// renews its presence every half timeout and expires silent peers.
func WithAwarenessTimeout(d time.Duration) Option {
	return func(o *options) { o.awarenessTimeout = d }
}

// OnRemoteChange is called with the new text after remote operations were
// integrated.
func OnRemoteChange(fn func(text string)) Option {
	return func(o *options) { o.onRemoteChange = fn }
}

// OnPresenceChanged is called with every known presence state after a
// remote presence update.
func OnPresenceChanged(fn func(states map[uint64]map[string]any)) Option {
	return func(o *options) { o.onPresence = fn }
}

// OnDeparted is called with the clients whose presence was removed.
func OnDeparted(fn func(clients []uint64)) Option {
	return func(o *options) { o.onDeparted = fn }
}

type Client struct {
	id   uint64
	conn *websocket.Conn
	opts options

	// mu guards the replica and the handshake flags. Frames are written
	// with mu held so that operations leave in clock order.
	mu            sync.Mutex
	doc           *crdt.Doc
	peers         *awareness.Tracker
	presence      awareness.State
	presenceClock uint64
	sentStep2     bool
	gotStep2      bool

	writeMu sync.Mutex

	synced     chan struct{}
	syncedOnce sync.Once

	done      chan struct{}
	closeOnce sync.Once
	err       error
	readDone  chan struct{}
}

func newClientID() uint64 {
	for {
		if id := uint64(uuid.New().ID()); id != 0 {
			return id
		}
	}
}

// Dial connects to a room URL such as ws://localhost:1234/my-room and starts
// the sync handshake.
func Dial(ctx context.Context, url string, opts ...Option) (*Client, error) {
	o := options{
		dialer:           websocket.DefaultDialer,
		awarenessTimeout: awareness.DefaultTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.clientID == 0 {
		o.clientID = newClientID()
	}

	conn, _, err := o.dialer.DialContext(ctx, url, o.header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	c := &Client{
		id:       o.clientID,
		conn:     conn,
		opts:     o,
		doc:      crdt.NewDoc(o.clientID),
		peers:    awareness.NewTracker(),
		synced:   make(chan struct{}),
		done:     make(chan struct{}),
		readDone: make(chan struct{}),
	}

	c.mu.Lock()
	err = c.write(protocol.EncodeSyncStep1(c.doc.StateVector()))
	c.mu.Unlock()
	if err != nil {
		conn.Close()
		return nil, err
	}

	go c.readLoop()
	go c.renewLoop()
	return c, nil
}

func (c *Client) ID() uint64 {
	return c.id
}

// Synced is closed once the initial exchange with the relay completed.
func (c *Client) Synced() <-chan struct{} {
	return c.synced
}

// Done is closed when the connection ended.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection ended, nil while it is open or after a
// normal close.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

func (c *Client) Text() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.doc.Text()
}

// Edit deletes deleteLen runes at pos and inserts content there.
func (c *Client) Edit(pos, deleteLen int, content string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ops, err := c.doc.Replace(pos, deleteLen, content)
	if sendErr := c.sendOps(ops); sendErr != nil {
		return sendErr
	}
	return err
}

// SetText replaces the whole text, sending only the difference to the
// current one.
func (c *Client) SetText(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(c.doc.Text(), text, false)

	var ops []crdt.Op
	pos := 0
	var err error
	for _, d := range diffs {
		n := len([]rune(d.Text))
		var next []crdt.Op
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			pos += n
		case diffmatchpatch.DiffDelete:
			next, err = c.doc.Delete(pos, n)
		case diffmatchpatch.DiffInsert:
			next, err = c.doc.Insert(pos, d.Text)
			pos += n
		}
		ops = append(ops, next...)
		if err != nil {
			break
		}
	}
	if sendErr := c.sendOps(ops); sendErr != nil {
		return sendErr
	}
	return err
}

// sendOps is called with mu held. Before the handshake reply is sent the
// operations stay local; the reply carries them.
func (c *Client) sendOps(ops []crdt.Op) error {
	if len(ops) == 0 || !c.sentStep2 {
		return nil
	}
	return c.write(protocol.EncodeUpdate(ops))
}

// SetPresence publishes this client's presence state. A nil state removes
// it.
func (c *Client) SetPresence(state map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if state == nil {
		c.presence = nil
	} else {
		c.presence = awareness.State(state)
	}
	return c.sendPresence()
}

func (c *Client) sendPresence() error {
	c.presenceClock++
	e := protocol.AwarenessEntry{Client: c.id, Clock: c.presenceClock}
	if c.presence != nil {
		raw, err := json.Marshal(c.presence)
		if err != nil {
			return fmt.Errorf("encode presence: %w", err)
		}
		e.State = raw
	}
	return c.write(protocol.EncodeAwareness([]protocol.AwarenessEntry{e}))
}

// Presence returns every known presence state, this client's included.
func (c *Client) Presence() map[uint64]map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.presenceLocked()
}

func (c *Client) presenceLocked() map[uint64]map[string]any {
	out := make(map[uint64]map[string]any)
	for client, state := range c.peers.States() {
		out[client] = state
	}
	if c.presence != nil {
		own := make(map[string]any, len(c.presence))
		for k, v := range c.presence {
			own[k] = v
		}
		out[c.id] = own
	}
	return out
}

// Close announces the departure of this client's presence and closes the
// connection.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.presence != nil {
		c.presence = nil
		if err := c.sendPresence(); err != nil {
			log.Debug().Err(err).Msg("failed to announce departure")
		}
	}
	c.mu.Unlock()

	c.writeMu.Lock()
	err := c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeTimeout))
	c.writeMu.Unlock()
	if err != nil {
		c.finish(nil)
		c.conn.Close()
	}

	select {
	case <-c.readDone:
	case <-time.After(writeTimeout):
		c.conn.Close()
		<-c.readDone
	}
	return nil
}

func (c *Client) write(frame []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.BinaryMessage, frame)
}

func (c *Client) finish(err error) {
	c.closeOnce.Do(func() {
		c.err = err
		close(c.done)
	})
}

func (c *Client) readLoop() {
	defer close(c.readDone)
	defer c.conn.Close()

	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				err = nil
			}
			c.finish(err)
			return
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			c.finish(err)
			return
		}
		if err := c.handle(msg); err != nil {
			c.finish(err)
			return
		}
	}
}

func (c *Client) handle(msg protocol.Message) error {
	c.mu.Lock()

	var (
		text     string
		changed  bool
		presence map[uint64]map[string]any
		departed []uint64
		err      error
	)
	switch msg.Type {
	case protocol.MessageSyncStep1:
		err = c.write(protocol.EncodeSyncStep2(c.doc.Diff(msg.StateVector)))
		c.sentStep2 = true
	case protocol.MessageSyncStep2, protocol.MessageUpdate:
		before := c.doc.Text()
		var res crdt.Result
		res, err = c.doc.Apply(msg.Ops...)
		if len(res.Integrated) > 0 {
			// deleting an already deleted rune integrates but changes nothing
			text = c.doc.Text()
			changed = text != before
		}
		if msg.Type == protocol.MessageSyncStep2 {
			c.gotStep2 = true
		}
	case protocol.MessageAwareness:
		entries := make([]protocol.AwarenessEntry, 0, len(msg.Awareness))
		for _, e := range msg.Awareness {
			if e.Client != c.id {
				entries = append(entries, e)
			}
		}
		var changes awareness.Changes
		_, changes, err = c.peers.Apply(entries)
		if !changes.Empty() {
			presence = c.presenceLocked()
		}
		departed = changes.Removed
	}
	ready := c.sentStep2 && c.gotStep2
	c.mu.Unlock()

	if ready {
		c.syncedOnce.Do(func() { close(c.synced) })
	}
	if changed && c.opts.onRemoteChange != nil {
		c.opts.onRemoteChange(text)
	}
	if presence != nil && c.opts.onPresence != nil {
		c.opts.onPresence(presence)
	}
	if len(departed) > 0 && c.opts.onDeparted != nil {
		c.opts.onDeparted(departed)
	}
	return err
}

// renewLoop keeps this client's presence alive and expires peers that went
// silent.
func (c *Client) renewLoop() {
	interval := c.opts.awarenessTimeout / 2
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case now := <-ticker.C:
			c.mu.Lock()
			if c.presence != nil {
				if err := c.sendPresence(); err != nil {
					log.Debug().Err(err).Msg("failed to renew presence")
				}
			}
			expired := c.peers.Expire(now, c.opts.awarenessTimeout)
			var presence map[uint64]map[string]any
			if len(expired) > 0 {
				presence = c.presenceLocked()
			}
			c.mu.Unlock()

			if len(expired) > 0 {
				if c.opts.onPresence != nil {
					c.opts.onPresence(presence)
				}
				if c.opts.onDeparted != nil {
					c.opts.onDeparted(expired)
				}
			}
		}
	}
}
