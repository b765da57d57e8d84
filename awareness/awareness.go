// Package awareness keeps the ephemeral presence state of the clients in a
// room. Entries are last-writer-wins per client, ordered by a per-client
// clock, and expire when they are not refreshed.
package awareness

import (
	"fmt"
	json "github.com/goccy/go-json"
	"github.com/mitchellh/mapstructure"
	"github.com/ssau-fiit/cloudocs-relay/protocol"
	"reflect"
	"sort"
	"time"
)

// DefaultTimeout is how long an entry survives without being refreshed.
const DefaultTimeout = 30 * time.Second

// State is the key/value presence of one client, e.g. {"user": {"name": "ann"}}.
type State map[string]any

// Decode decodes the value stored under key into out.
func (s State) Decode(key string, out any) error {
	raw, ok := s[key]
	if !ok {
		return fmt.Errorf("awareness: no %q field", key)
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(raw)
}

// User is the conventional "user" field set by editor front-ends.
type User struct {
	Name  string `mapstructure:"name" json:"name"`
	Color string `mapstructure:"color" json:"color,omitempty"`
}

// User returns the decoded "user" field, if present.
func (s State) User() (User, bool) {
	var u User
	if err := s.Decode("user", &u); err != nil || u.Name == "" {
		return User{}, false
	}
	return u, true
}

// Changes lists the clients affected by an update.
type Changes struct {
	Added   []uint64
	Updated []uint64
	Removed []uint64
}

func (c Changes) Empty() bool {
	return len(c.Added) == 0 && len(c.Updated) == 0 && len(c.Removed) == 0
}

func (c *Changes) merge(other Changes) {
	c.Added = append(c.Added, other.Added...)
	c.Updated = append(c.Updated, other.Updated...)
	c.Removed = append(c.Removed, other.Removed...)
}

type meta struct {
	clock       uint64
	lastUpdated time.Time
}

// Tracker stores presence entries. It is not safe for concurrent use; rooms
// serialize access to it.
type Tracker struct {
	states map[uint64]State
	meta   map[uint64]meta
	now    func() time.Time
}

type Option func(*Tracker)

// WithNow replaces the wall clock used to stamp entries.
func WithNow(now func() time.Time) Option {
	return func(t *Tracker) {
		t.now = now
	}
}

func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		states: make(map[uint64]State),
		meta:   make(map[uint64]meta),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// SetState records state for client if clock is newer than the stored one.
// A nil state removes the entry. Stale or equal clocks are ignored and
// reported as accepted=false.
func (t *Tracker) SetState(client, clock uint64, state State) (changes Changes, accepted bool) {
	prev, ok := t.meta[client]
	if ok && clock <= prev.clock {
		return Changes{}, false
	}
	t.meta[client] = meta{clock: clock, lastUpdated: t.now()}

	old, had := t.states[client]
	switch {
	case state == nil:
		if had {
			delete(t.states, client)
			changes.Removed = append(changes.Removed, client)
		}
	case !had:
		t.states[client] = state
		changes.Added = append(changes.Added, client)
	default:
		t.states[client] = state
		if !reflect.DeepEqual(old, state) {
			changes.Updated = append(changes.Updated, client)
		}
	}
	return changes, true
}

// Apply merges a decoded AWARENESS frame. It returns the clients whose entry
// was accepted together with the resulting changes.
func (t *Tracker) Apply(entries []protocol.AwarenessEntry) (accepted []uint64, changes Changes, err error) {
	for _, e := range entries {
		var state State
		if e.State != nil {
			if err := json.Unmarshal(e.State, &state); err != nil {
				return accepted, changes, fmt.Errorf("%w: awareness state of client %d: %v", protocol.ErrMalformed, e.Client, err)
			}
			if state == nil {
				state = State{}
			}
		}
		c, ok := t.SetState(e.Client, e.Clock, state)
		if !ok {
			continue
		}
		accepted = append(accepted, e.Client)
		changes.merge(c)
	}
	return accepted, changes, nil
}

// Encode builds wire entries for the given clients. Clients without a state
// are encoded as departures with their current clock.
func (t *Tracker) Encode(clients []uint64) ([]protocol.AwarenessEntry, error) {
	entries := make([]protocol.AwarenessEntry, 0, len(clients))
	for _, client := range clients {
		m, ok := t.meta[client]
		if !ok {
			continue
		}
		e := protocol.AwarenessEntry{Client: client, Clock: m.clock}
		if state, ok := t.states[client]; ok {
			raw, err := json.Marshal(state)
			if err != nil {
				return nil, fmt.Errorf("encode awareness state of client %d: %w", client, err)
			}
			e.State = raw
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (t *Tracker) States() map[uint64]State {
	out := make(map[uint64]State, len(t.states))
	for client, state := range t.states {
		cp := make(State, len(state))
		for k, v := range state {
			cp[k] = v
		}
		out[client] = cp
	}
	return out
}

// Clients returns the present clients in ascending order.
func (t *Tracker) Clients() []uint64 {
	clients := make([]uint64, 0, len(t.states))
	for client := range t.states {
		clients = append(clients, client)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })
	return clients
}

// Clock returns the last clock seen for client, 0 if none.
func (t *Tracker) Clock(client uint64) uint64 {
	return t.meta[client].clock
}

func (t *Tracker) Has(client uint64) bool {
	_, ok := t.states[client]
	return ok
}

func (t *Tracker) Len() int {
	return len(t.states)
}

// Remove drops client's entry and bumps its clock so the departure wins
// over the last state peers have seen. It reports whether an entry existed.
func (t *Tracker) Remove(client uint64) bool {
	if _, ok := t.states[client]; !ok {
		return false
	}
	t.remove(client, t.now())
	return true
}

func (t *Tracker) remove(client uint64, now time.Time) {
	delete(t.states, client)
	m := t.meta[client]
	t.meta[client] = meta{clock: m.clock + 1, lastUpdated: now}
}

// Expire removes every entry not refreshed for longer than timeout and
// returns the removed clients in ascending order.
func (t *Tracker) Expire(now time.Time, timeout time.Duration) []uint64 {
	var removed []uint64
	for client := range t.states {
		if now.Sub(t.meta[client].lastUpdated) > timeout {
			removed = append(removed, client)
		}
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i] < removed[j] })
	for _, client := range removed {
		t.remove(client, now)
	}
	return removed
}
