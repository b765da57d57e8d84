package room

import (
	"context"
	"github.com/rs/zerolog/log"
	"github.com/ssau-fiit/cloudocs-relay/awareness"
	"github.com/ssau-fiit/cloudocs-relay/crdt"
	"sort"
	"sync"
	"time"
)

const DefaultPendingTimeout = 30 * time.Second

// Options configure every room created by a Registry.
type Options struct {
	// MaxPending bounds the operations one peer may have buffered in a
	// room document while they wait for causal dependencies.
	MaxPending int
	// PendingTimeout is how long a peer's operations may stay buffered
	// before Sweep disconnects it.
	PendingTimeout time.Duration
	// Store, when set, persists room documents across teardown.
	Store        Store
	StoreTimeout time.Duration
	// Now stamps presence entries. Defaults to time.Now.
	Now func() time.Time
}

func (o *Options) withDefaults() *Options {
	out := *o
	if out.MaxPending <= 0 {
		out.MaxPending = crdt.DefaultMaxPending
	}
	if out.PendingTimeout <= 0 {
		out.PendingTimeout = DefaultPendingTimeout
	}
	if out.StoreTimeout <= 0 {
		out.StoreTimeout = 5 * time.Second
	}
	if out.Now == nil {
		out.Now = time.Now
	}
	return &out
}

// Registry maps room names to live rooms. The registry lock guards the map
// and is always taken before a room lock.
type Registry struct {
	opts *Options

	mu    sync.Mutex
	rooms map[string]*Room
}

func NewRegistry(opts Options) *Registry {
	return &Registry{
		opts:  opts.withDefaults(),
		rooms: make(map[string]*Room),
	}
}

// GetOrCreate returns the live room with the given name, creating it if
// necessary. A room that never gets a peer is reclaimed by the next Sweep.
func (reg *Registry) GetOrCreate(name string) *Room {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return reg.getOrCreate(name)
}

func (reg *Registry) getOrCreate(name string) *Room {
	if r, ok := reg.rooms[name]; ok {
		return r
	}
	r := newRoom(name, reg.opts)
	reg.rooms[name] = r
	log.Info().Str("room", name).Msg("room created")
	return r
}

// Attach adds p to the named room and returns the room.
func (reg *Registry) Attach(name string, p Peer) *Room {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	r := reg.getOrCreate(name)
	r.mu.Lock()
	r.addMember(p)
	r.mu.Unlock()
	return r
}

// Detach removes p from r. When the last peer leaves, the room is torn down
// and its document discarded.
func (reg *Registry) Detach(r *Room, p Peer) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if r.leave(p) {
		reg.teardown(r)
	}
}

// teardown is called with both the registry and the room lock held.
func (reg *Registry) teardown(r *Room) {
	r.closed = true
	r.doc = nil
	r.awareness = nil
	if reg.rooms[r.name] == r {
		delete(reg.rooms, r.name)
	}
	log.Info().Str("room", r.name).Msg("room destroyed")
}

func (reg *Registry) Get(name string) (*Room, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	r, ok := reg.rooms[name]
	return r, ok
}

func (reg *Registry) Len() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.rooms)
}

func (reg *Registry) snapshot() []*Room {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	rooms := make([]*Room, 0, len(reg.rooms))
	for _, r := range reg.rooms {
		rooms = append(rooms, r)
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].name < rooms[j].name })
	return rooms
}

// Stats lists every live room ordered by name.
func (reg *Registry) Stats() []Stats {
	rooms := reg.snapshot()
	stats := make([]Stats, 0, len(rooms))
	for _, r := range rooms {
		stats = append(stats, r.Stats())
	}
	return stats
}

// Sweep expires stale presence entries in every room, disconnects peers
// stalled on missing dependencies and reclaims rooms that have no peers. It returns the number of expired entries.
func (reg *Registry) Sweep(now time.Time, timeout time.Duration) int {
	expired := 0
	for _, r := range reg.snapshot() {
		expired += len(r.Expire(now, timeout))
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()
	for _, r := range reg.rooms {
		r.mu.Lock()
		if len(r.members) == 0 && !r.closed {
			reg.teardown(r)
		}
		r.mu.Unlock()
	}
	return expired
}

// RunSweeper calls Sweep every interval until ctx is done.
func (reg *Registry) RunSweeper(ctx context.Context, interval, timeout time.Duration) {
	if interval <= 0 {
		interval = timeout / 10
	}
	if timeout <= 0 {
		timeout = awareness.DefaultTimeout
	}
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := reg.Sweep(reg.opts.Now(), timeout); n > 0 {
				log.Debug().Int("expired", n).Msg("awareness sweep")
			}
		}
	}
}

// Close disconnects every peer of every room.
func (reg *Registry) Close() {
	for _, r := range reg.snapshot() {
		r.mu.Lock()
		for p, m := range r.members {
			if !m.kicked {
				m.kicked = true
				p.Kick(ErrShutdown)
			}
		}
		r.mu.Unlock()
	}
}
