// Package room holds the shared state of a collaboration session: the
// document, the attached peers and their presence. All mutations of a room
// and the broadcasts they trigger run under the room's lock.
package room

import (
	"context"
	"errors"
	"fmt"
	"github.com/rs/zerolog/log"
	"github.com/ssau-fiit/cloudocs-relay/awareness"
	"github.com/ssau-fiit/cloudocs-relay/crdt"
	"github.com/ssau-fiit/cloudocs-relay/protocol"
	"sync"
	"time"
)

var (
	// ErrCapacityExceeded is passed to Peer.Kick when a peer's outbound
	// queue is full.
	ErrCapacityExceeded = errors.New("outbound queue capacity exceeded")
	// ErrRoomClosed is returned by operations on a room that was torn down
	// or that the peer is not attached to.
	ErrRoomClosed = errors.New("room closed")
	// ErrShutdown is passed to Peer.Kick when the registry closes.
	ErrShutdown = errors.New("relay shutting down")
	// ErrStalled is passed to Peer.Kick when operations a peer sent have
	// waited for their dependencies longer than Options.PendingTimeout.
	ErrStalled = fmt.Errorf("%w: dependencies did not arrive in time", crdt.ErrPendingOverflow)
)

// Peer is the room's view of a connection.
type Peer interface {
	ID() string
	// Deliver queues a frame without blocking and reports whether there
	// was room for it.
	Deliver(frame []byte) bool
	// Kick disconnects the peer. It must not block.
	Kick(err error)
}

// Store persists room documents. It is optional.
type Store interface {
	Load(ctx context.Context, room string) ([]crdt.Op, error)
	Append(ctx context.Context, room string, ops []crdt.Op) error
}

type member struct {
	peer Peer
	// sv is what the peer is known to hold: everything it sent us and
	// everything we sent it.
	sv      crdt.StateVector
	live    bool
	kicked  bool
	clients map[uint64]struct{}
	// pendingSince is when the peer's oldest buffered operations were
	// first seen waiting, zero when it has none.
	pendingSince time.Time
}

// Room is one named collaboration session.
type Room struct {
	name string
	opts *Options

	mu        sync.Mutex
	doc       *crdt.Doc
	awareness *awareness.Tracker
	members   map[Peer]*member
	loaded    bool
	closed    bool
}

func newRoom(name string, opts *Options) *Room {
	return &Room{
		name:      name,
		opts:      opts,
		doc:       crdt.NewDoc(0, crdt.WithMaxPending(opts.MaxPending)),
		awareness: awareness.NewTracker(awareness.WithNow(opts.Now)),
		members:   make(map[Peer]*member),
		loaded:    opts.Store == nil,
	}
}

func (r *Room) Name() string {
	return r.name
}

// addMember and leave are called by the Registry with its lock held.
func (r *Room) addMember(p Peer) {
	if _, ok := r.members[p]; ok {
		return
	}
	r.members[p] = &member{
		peer:    p,
		sv:      crdt.NewStateVector(),
		clients: make(map[uint64]struct{}),
	}
}

// leave removes p and announces the departure of its presence entries.
// It reports whether the room is now empty.
func (r *Room) leave(p Peer) bool {
	m, ok := r.members[p]
	if !ok {
		return len(r.members) == 0
	}
	delete(r.members, p)
	if n := r.doc.DiscardPending(p.ID()); n > 0 {
		log.Info().Str("room", r.name).Str("session", p.ID()).Int("ops", n).Msg("discarded buffered operations")
	}

	var departed []uint64
	for client := range m.clients {
		if r.awareness.Remove(client) {
			departed = append(departed, client)
		}
	}
	if len(departed) > 0 {
		r.broadcastAwareness(nil, departed)
	}
	return len(r.members) == 0
}

func (r *Room) member(p Peer) (*member, error) {
	if r.closed {
		return nil, ErrRoomClosed
	}
	m, ok := r.members[p]
	if !ok {
		return nil, ErrRoomClosed
	}
	return m, nil
}

// Join loads the document if needed and sends p the room's state vector and
// the current presence snapshot.
func (r *Room) Join(ctx context.Context, p Peer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, err := r.member(p)
	if err != nil {
		return err
	}
	if !r.loaded {
		if err := r.load(ctx); err != nil {
			return err
		}
	}

	r.deliver(m, protocol.EncodeSyncStep1(r.doc.StateVector()))
	if clients := r.awareness.Clients(); len(clients) > 0 {
		entries, err := r.awareness.Encode(clients)
		if err != nil {
			return err
		}
		r.deliver(m, protocol.EncodeAwareness(entries))
	}
	return nil
}

func (r *Room) load(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.opts.StoreTimeout)
	defer cancel()

	ops, err := r.opts.Store.Load(ctx, r.name)
	if err != nil {
		return err
	}
	res, err := r.doc.Apply(ops...)
	if err != nil {
		return err
	}
	r.loaded = true
	log.Info().Str("room", r.name).Int("ops", len(res.Integrated)).Msg("loaded room document")
	return nil
}

// SyncStep1 answers a peer's state vector with the operations it lacks.
func (r *Room) SyncStep1(p Peer, sv crdt.StateVector) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, err := r.member(p)
	if err != nil {
		return err
	}
	m.sv.Merge(sv)
	ops := r.doc.Diff(m.sv)
	if r.deliver(m, protocol.EncodeSyncStep2(ops)) {
		advance(m.sv, ops)
	}
	return nil
}

// Activate marks p live. Operations integrated since p's sync reply are
// sent to it first so that it misses nothing.
func (r *Room) Activate(p Peer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, err := r.member(p)
	if err != nil {
		return err
	}
	if m.live {
		return nil
	}
	m.live = true
	if ops := r.doc.Diff(m.sv); len(ops) > 0 {
		r.sendOps(m, ops)
	}
	return nil
}

// ApplyUpdate integrates operations received from p and broadcasts the newly
// integrated ones to every other live peer. Operations integrated before an
// error are still broadcast. Operations that must wait for dependencies are
// charged to p and dropped when p leaves.
func (r *Room) ApplyUpdate(p Peer, ops []crdt.Op) (crdt.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, err := r.member(p)
	if err != nil {
		return crdt.Result{}, err
	}

	res, applyErr := r.doc.ApplyFrom(p.ID(), ops...)
	for _, op := range ops {
		m.sv.Advance(op.ID)
	}
	r.trackPending(m, r.opts.Now())
	if len(res.Integrated) > 0 {
		r.broadcastOps(res.Integrated)
		r.persist(res.Integrated)
	}
	return res, applyErr
}

func (r *Room) trackPending(m *member, now time.Time) {
	switch {
	case r.doc.PendingFrom(m.peer.ID()) == 0:
		m.pendingSince = time.Time{}
	case m.pendingSince.IsZero():
		m.pendingSince = now
	}
}

// kickStalled disconnects peers whose buffered operations have waited
// longer than the pending timeout.
func (r *Room) kickStalled(now time.Time) {
	for _, m := range r.members {
		r.trackPending(m, now)
		if m.kicked || m.pendingSince.IsZero() || now.Sub(m.pendingSince) < r.opts.PendingTimeout {
			continue
		}
		m.kicked = true
		log.Warn().Str("room", r.name).Str("session", m.peer.ID()).
			Int("ops", r.doc.PendingFrom(m.peer.ID())).Msg("dropping stalled session")
		m.peer.Kick(ErrStalled)
	}
}

func (r *Room) persist(ops []crdt.Op) {
	if r.opts.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.StoreTimeout)
	defer cancel()
	if err := r.opts.Store.Append(ctx, r.name, ops); err != nil {
		log.Error().Err(err).Str("room", r.name).Msg("failed to persist operations")
	}
}

// ApplyAwareness merges presence entries sent by p and forwards the accepted
// ones to the other peers.
func (r *Room) ApplyAwareness(p Peer, entries []protocol.AwarenessEntry) (awareness.Changes, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, err := r.member(p)
	if err != nil {
		return awareness.Changes{}, err
	}

	owned := make([]protocol.AwarenessEntry, 0, len(entries))
	for _, e := range entries {
		if r.ownedByOther(m, e.Client) {
			log.Debug().Str("room", r.name).Str("session", p.ID()).Uint64("client", e.Client).
				Msg("ignoring awareness entry of another session")
			continue
		}
		owned = append(owned, e)
	}

	accepted, changes, applyErr := r.awareness.Apply(owned)
	for _, client := range accepted {
		if r.awareness.Has(client) {
			m.clients[client] = struct{}{}
		} else {
			delete(m.clients, client)
		}
	}
	if len(accepted) > 0 {
		r.broadcastAwareness(p, accepted)
	}
	return changes, applyErr
}

func (r *Room) ownedByOther(m *member, client uint64) bool {
	for _, other := range r.members {
		if other == m {
			continue
		}
		if _, ok := other.clients[client]; ok {
			return true
		}
	}
	return false
}

// Expire removes presence entries older than timeout and announces them.
// Peers stalled on missing dependencies are disconnected.
func (r *Room) Expire(now time.Time, timeout time.Duration) []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.kickStalled(now)
	removed := r.awareness.Expire(now, timeout)
	if len(removed) == 0 {
		return nil
	}
	for _, m := range r.members {
		for _, client := range removed {
			delete(m.clients, client)
		}
	}
	r.broadcastAwareness(nil, removed)
	log.Debug().Str("room", r.name).Uints64("clients", removed).Msg("expired awareness entries")
	return removed
}

func (r *Room) broadcastOps(ops []crdt.Op) {
	for _, m := range r.members {
		if !m.live || m.kicked {
			continue
		}
		var missing []crdt.Op
		for _, op := range ops {
			if !m.sv.Covers(op.ID) {
				missing = append(missing, op)
			}
		}
		if len(missing) > 0 {
			r.sendOps(m, missing)
		}
	}
}

func (r *Room) sendOps(m *member, ops []crdt.Op) {
	if r.deliver(m, protocol.EncodeUpdate(ops)) {
		advance(m.sv, ops)
	}
}

// broadcastAwareness sends the current entries of clients to every peer
// except from.
func (r *Room) broadcastAwareness(from Peer, clients []uint64) {
	entries, err := r.awareness.Encode(clients)
	if err != nil {
		log.Error().Err(err).Str("room", r.name).Msg("failed to encode awareness")
		return
	}
	if len(entries) == 0 {
		return
	}
	frame := protocol.EncodeAwareness(entries)
	for p, m := range r.members {
		if p != from {
			r.deliver(m, frame)
		}
	}
}

// deliver queues a frame for m, kicking the peer when its queue is full.
func (r *Room) deliver(m *member, frame []byte) bool {
	if m.kicked {
		return false
	}
	if m.peer.Deliver(frame) {
		return true
	}
	m.kicked = true
	log.Warn().Str("room", r.name).Str("session", m.peer.ID()).Msg("dropping slow session")
	m.peer.Kick(ErrCapacityExceeded)
	return false
}

func advance(sv crdt.StateVector, ops []crdt.Op) {
	for _, op := range ops {
		sv.Advance(op.ID)
	}
}

func (r *Room) Text() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ""
	}
	return r.doc.Text()
}

func (r *Room) StateVector() crdt.StateVector {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return crdt.NewStateVector()
	}
	return r.doc.StateVector()
}

// Stats summarizes a room for listings.
type Stats struct {
	Name       string   `json:"name"`
	Sessions   int      `json:"sessions"`
	TextLength int      `json:"textLength"`
	Users      []string `json:"users"`
}

func (r *Room) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Stats{Name: r.name, Sessions: len(r.members), Users: []string{}}
	if r.closed {
		return s
	}
	s.TextLength = r.doc.Len()
	states := r.awareness.States()
	for _, client := range r.awareness.Clients() {
		if u, ok := states[client].User(); ok {
			s.Users = append(s.Users, u.Name)
		}
	}
	return s
}
