// Package protocol encodes and decodes the binary frames exchanged between
// the relay and its clients. Every frame starts with a varint message type.
//
//	SYNC_STEP1  type=0  stateVector
//	SYNC_STEP2  type=1  operations
//	UPDATE      type=2  operations
//	AWARENESS   type=3  count { client clock state(json bytes) }
//
// A state vector is a count followed by (client, clock) pairs sorted by
// client. Operations are a count followed by (kind, client, clock, ...) where
// inserts carry origin, right origin and the rune, and deletes carry the
// target id. All integers are unsigned varints.
package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"github.com/ssau-fiit/cloudocs-relay/crdt"
	"google.golang.org/protobuf/encoding/protowire"
	"sort"
	"unicode/utf8"
)

// ErrMalformed is returned for frames that cannot be decoded.
var ErrMalformed = errors.New("malformed frame")

type MessageType uint64

const (
	MessageSyncStep1 MessageType = iota
	MessageSyncStep2
	MessageUpdate
	MessageAwareness
)

func (t MessageType) String() string {
	switch t {
	case MessageSyncStep1:
		return "sync_step1"
	case MessageSyncStep2:
		return "sync_step2"
	case MessageUpdate:
		return "update"
	case MessageAwareness:
		return "awareness"
	default:
		return fmt.Sprintf("message(%d)", uint64(t))
	}
}

// AwarenessEntry is one client's presence state. A nil or empty State
// announces that the client left and is encoded as JSON null.
type AwarenessEntry struct {
	Client uint64
	Clock  uint64
	State  []byte
}

// Message is a decoded frame. Only the field matching Type is set.
type Message struct {
	Type        MessageType
	StateVector crdt.StateVector
	Ops         []crdt.Op
	Awareness   []AwarenessEntry
}

var nullState = []byte("null")

func EncodeSyncStep1(sv crdt.StateVector) []byte {
	b := protowire.AppendVarint(nil, uint64(MessageSyncStep1))
	return AppendStateVector(b, sv)
}

func EncodeSyncStep2(ops []crdt.Op) []byte {
	b := protowire.AppendVarint(nil, uint64(MessageSyncStep2))
	return AppendOps(b, ops)
}

func EncodeUpdate(ops []crdt.Op) []byte {
	b := protowire.AppendVarint(nil, uint64(MessageUpdate))
	return AppendOps(b, ops)
}

func EncodeAwareness(entries []AwarenessEntry) []byte {
	b := protowire.AppendVarint(nil, uint64(MessageAwareness))
	b = protowire.AppendVarint(b, uint64(len(entries)))
	for _, e := range entries {
		b = protowire.AppendVarint(b, e.Client)
		b = protowire.AppendVarint(b, e.Clock)
		state := e.State
		if len(state) == 0 {
			state = nullState
		}
		b = protowire.AppendBytes(b, state)
	}
	return b
}

// Decode parses a complete frame.
func Decode(frame []byte) (Message, error) {
	r := &reader{b: frame}
	msg := Message{Type: MessageType(r.varint())}
	if r.err != nil {
		return Message{}, r.err
	}

	switch msg.Type {
	case MessageSyncStep1:
		msg.StateVector = r.stateVector()
	case MessageSyncStep2, MessageUpdate:
		msg.Ops = r.ops()
	case MessageAwareness:
		msg.Awareness = r.awareness()
	default:
		return Message{}, fmt.Errorf("%w: unknown message type %d", ErrMalformed, uint64(msg.Type))
	}
	if err := r.finish(); err != nil {
		return Message{}, fmt.Errorf("%v: %w", msg.Type, err)
	}
	return msg, nil
}

// AppendStateVector appends the encoding of sv to b.
func AppendStateVector(b []byte, sv crdt.StateVector) []byte {
	clients := make([]uint64, 0, len(sv))
	for client := range sv {
		clients = append(clients, client)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })

	b = protowire.AppendVarint(b, uint64(len(clients)))
	for _, client := range clients {
		b = protowire.AppendVarint(b, client)
		b = protowire.AppendVarint(b, sv[client])
	}
	return b
}

// AppendOps appends the encoding of an operation batch to b.
func AppendOps(b []byte, ops []crdt.Op) []byte {
	b = protowire.AppendVarint(b, uint64(len(ops)))
	for _, op := range ops {
		b = protowire.AppendVarint(b, uint64(op.Kind))
		b = appendID(b, op.ID)
		switch op.Kind {
		case crdt.KindInsert:
			b = appendID(b, op.Origin)
			b = appendID(b, op.RightOrigin)
			b = protowire.AppendVarint(b, uint64(op.Value))
		case crdt.KindDelete:
			b = appendID(b, op.Target)
		}
	}
	return b
}

func appendID(b []byte, id crdt.ID) []byte {
	b = protowire.AppendVarint(b, id.Client)
	return protowire.AppendVarint(b, id.Clock)
}

// DecodeStateVector parses a bare state vector as produced by
// AppendStateVector.
func DecodeStateVector(b []byte) (crdt.StateVector, error) {
	r := &reader{b: b}
	sv := r.stateVector()
	if err := r.finish(); err != nil {
		return nil, err
	}
	return sv, nil
}

// DecodeOps parses a bare operation batch as produced by AppendOps.
func DecodeOps(b []byte) ([]crdt.Op, error) {
	r := &reader{b: b}
	ops := r.ops()
	if err := r.finish(); err != nil {
		return nil, err
	}
	return ops, nil
}

// reader consumes varint fields and remembers the first error.
type reader struct {
	b   []byte
	err error
}

func (r *reader) fail(format string, args ...any) {
	if r.err == nil {
		r.err = fmt.Errorf("%w: "+format, append([]any{ErrMalformed}, args...)...)
	}
}

func (r *reader) varint() uint64 {
	if r.err != nil {
		return 0
	}
	v, n := protowire.ConsumeVarint(r.b)
	if n < 0 {
		r.fail("%v", protowire.ParseError(n))
		return 0
	}
	r.b = r.b[n:]
	return v
}

func (r *reader) bytes() []byte {
	if r.err != nil {
		return nil
	}
	v, n := protowire.ConsumeBytes(r.b)
	if n < 0 {
		r.fail("%v", protowire.ParseError(n))
		return nil
	}
	r.b = r.b[n:]
	return v
}

// count reads a collection length; every element takes at least size bytes.
func (r *reader) count(size int) int {
	n := r.varint()
	if r.err == nil && n > uint64(len(r.b)/size) {
		r.fail("count %d exceeds remaining %d bytes", n, len(r.b))
		return 0
	}
	return int(n)
}

func (r *reader) id() crdt.ID {
	return crdt.ID{Client: r.varint(), Clock: r.varint()}
}

func (r *reader) stateVector() crdt.StateVector {
	n := r.count(2)
	sv := make(crdt.StateVector, n)
	for i := 0; i < n && r.err == nil; i++ {
		client, clock := r.varint(), r.varint()
		if clock >= sv[client] {
			sv[client] = clock
		}
	}
	return sv
}

func (r *reader) ops() []crdt.Op {
	n := r.count(3)
	var ops []crdt.Op
	for i := 0; i < n && r.err == nil; i++ {
		op := crdt.Op{Kind: crdt.Kind(r.varint())}
		op.ID = r.id()
		switch op.Kind {
		case crdt.KindInsert:
			op.Origin = r.id()
			op.RightOrigin = r.id()
			v := r.varint()
			if v > utf8.MaxRune || !utf8.ValidRune(rune(v)) {
				r.fail("invalid rune %d in %v", v, op.ID)
			}
			op.Value = rune(v)
		case crdt.KindDelete:
			op.Target = r.id()
		default:
			r.fail("unknown operation kind %d", op.Kind)
		}
		ops = append(ops, op)
	}
	if r.err != nil {
		return nil
	}
	return ops
}

func (r *reader) awareness() []AwarenessEntry {
	n := r.count(3)
	var entries []AwarenessEntry
	for i := 0; i < n && r.err == nil; i++ {
		e := AwarenessEntry{Client: r.varint(), Clock: r.varint()}
		state := r.bytes()
		if r.err == nil && len(state) == 0 {
			r.fail("empty awareness state of client %d", e.Client)
			break
		}
		if !bytes.Equal(state, nullState) {
			e.State = append([]byte(nil), state...)
		}
		entries = append(entries, e)
	}
	if r.err != nil {
		return nil
	}
	return entries
}

func (r *reader) finish() error {
	if r.err != nil {
		return r.err
	}
	if len(r.b) > 0 {
		return fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(r.b))
	}
	return nil
}
