// Package crdt implements the replicated text document held by every room
// and every client: operations, state vectors and the update log.
package crdt

import (
	"fmt"
	"sort"
)

// ID uniquely identifies an operation. Clocks start at 1; the zero ID is
// used as a sentinel for "start of document" and "end of document".
type ID struct {
	Client uint64
	Clock  uint64
}

func (id ID) IsZero() bool {
	return id.Clock == 0
}

func (id ID) String() string {
	return fmt.Sprintf("%d:%d", id.Client, id.Clock)
}

// StateVector maps a replica to the highest clock observed from it.
type StateVector map[uint64]uint64

func NewStateVector() StateVector {
	return make(StateVector)
}

// Covers reports whether the operation with the given id is reflected by sv.
// The zero ID is always covered.
func (sv StateVector) Covers(id ID) bool {
	return id.Clock <= sv[id.Client]
}

// Advance raises the clock for id.Client to id.Clock. It never lowers it.
func (sv StateVector) Advance(id ID) {
	if id.Clock > sv[id.Client] {
		sv[id.Client] = id.Clock
	}
}

// Merge takes the per-client maximum of sv and other into sv.
func (sv StateVector) Merge(other StateVector) {
	for client, clock := range other {
		if clock > sv[client] {
			sv[client] = clock
		}
	}
}

func (sv StateVector) Clone() StateVector {
	out := make(StateVector, len(sv))
	for client, clock := range sv {
		out[client] = clock
	}
	return out
}

// Equal compares two vectors, treating absent clients as clock 0.
func (sv StateVector) Equal(other StateVector) bool {
	for client, clock := range sv {
		if other[client] != clock {
			return false
		}
	}
	for client, clock := range other {
		if sv[client] != clock {
			return false
		}
	}
	return true
}

// Clients returns the replicas with a non-zero clock in ascending order.
func (sv StateVector) Clients() []uint64 {
	clients := make([]uint64, 0, len(sv))
	for client, clock := range sv {
		if clock > 0 {
			clients = append(clients, client)
		}
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })
	return clients
}
