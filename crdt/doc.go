package crdt

import (
	"fmt"
	"sort"
	"strings"
)

// DefaultMaxPending bounds the number of operations a single source may
// have buffered while they wait for their causal dependencies.
const DefaultMaxPending = 1024

type item struct {
	id          ID
	origin      ID
	rightOrigin ID
	value       rune
	deleted     bool
	left, right *item
}

// Doc is a replicated text sequence together with its operation log.
// A Doc is not safe for concurrent use; callers serialize access.
type Doc struct {
	client uint64

	start  *item
	items  map[ID]*item
	length int

	sv  StateVector
	log []Op

	pending    map[uint64][]pendingOp
	npending   int
	bySource   map[string]int
	maxPending int
}

// pendingOp is a buffered operation and the source that submitted it.
type pendingOp struct {
	Op
	source string
}

type Option func(*Doc)

// WithMaxPending sets how many operations one source may have waiting for
// dependencies before ApplyFrom fails with ErrPendingOverflow.
func WithMaxPending(n int) Option {
	return func(d *Doc) {
		if n > 0 {
			d.maxPending = n
		}
	}
}

// NewDoc creates an empty document. Local edits are stamped with client.
func NewDoc(client uint64, opts ...Option) *Doc {
	d := &Doc{
		client:     client,
		items:      make(map[ID]*item),
		sv:         NewStateVector(),
		pending:    make(map[uint64][]pendingOp),
		bySource:   make(map[string]int),
		maxPending: DefaultMaxPending,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Doc) Client() uint64 {
	return d.client
}

// Result describes the outcome of Apply.
type Result struct {
	// Integrated holds every operation that became part of the document,
	// in the order it was integrated. This includes buffered operations
	// released by the call.
	Integrated []Op
	Duplicates int
	// Pending is the number of operations still buffered after the call.
	Pending int
}

// Apply integrates remote operations. Already-known operations are absorbed.
// Operations whose dependencies are missing are buffered until they arrive.
// Each operation is applied atomically; on error the operations before the
// failing one remain applied and are reported in the result.
func (d *Doc) Apply(ops ...Op) (Result, error) {
	return d.ApplyFrom("", ops...)
}

// ApplyFrom is Apply with buffered operations charged to source, so that
// they can be counted with PendingFrom and dropped with DiscardPending.
func (d *Doc) ApplyFrom(source string, ops ...Op) (res Result, err error) {
	defer func() { res.Pending = d.npending }()

	for _, op := range ops {
		if err = op.validate(); err != nil {
			return res, err
		}

		known := d.sv[op.ID.Client]
		if op.ID.Clock <= known {
			res.Duplicates++
			continue
		}
		queue := d.pending[op.ID.Client]
		if n := len(queue); n > 0 {
			last := queue[n-1].ID.Clock
			if op.ID.Clock <= last {
				res.Duplicates++
				continue
			}
			known = last
		}
		if op.ID.Clock != known+1 {
			return res, fmt.Errorf("%w: got %v, expected clock %d", ErrOutOfOrder, op.ID, known+1)
		}

		if len(queue) == 0 && d.ready(op) {
			if err = d.integrate(op); err != nil {
				return res, err
			}
			res.Integrated = append(res.Integrated, op)
			if err = d.drain(&res); err != nil {
				return res, err
			}
			continue
		}

		if d.bySource[source] >= d.maxPending {
			return res, fmt.Errorf("%w: %d buffered", ErrPendingOverflow, d.bySource[source])
		}
		d.pending[op.ID.Client] = append(queue, pendingOp{Op: op, source: source})
		d.npending++
		d.bySource[source]++
	}
	return res, nil
}

func (d *Doc) ready(op Op) bool {
	for _, dep := range op.deps() {
		if !d.sv.Covers(dep) {
			return false
		}
	}
	return true
}

// drain integrates buffered operations until no queue head is ready.
func (d *Doc) drain(res *Result) error {
	if d.npending == 0 {
		return nil
	}
	clients := make([]uint64, 0, len(d.pending))
	for client := range d.pending {
		clients = append(clients, client)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })

	for progress := true; progress; {
		progress = false
		for _, client := range clients {
			queue := d.pending[client]
			for len(queue) > 0 && d.ready(queue[0].Op) {
				op := queue[0]
				queue = queue[1:]
				d.release(op.source)
				if err := d.integrate(op.Op); err != nil {
					d.setQueue(client, queue)
					return err
				}
				res.Integrated = append(res.Integrated, op.Op)
				progress = true
			}
			d.setQueue(client, queue)
		}
	}
	return nil
}

func (d *Doc) setQueue(client uint64, queue []pendingOp) {
	if len(queue) == 0 {
		delete(d.pending, client)
		return
	}
	d.pending[client] = queue
}

func (d *Doc) release(source string) {
	d.npending--
	if d.bySource[source]--; d.bySource[source] <= 0 {
		delete(d.bySource, source)
	}
}

// DiscardPending drops every buffered operation submitted by source along
// with the operations queued behind them for the same client, which could
// never become ready without them. It returns the number dropped.
func (d *Doc) DiscardPending(source string) int {
	if d.bySource[source] == 0 {
		return 0
	}
	dropped := 0
	for client, queue := range d.pending {
		cut := -1
		for i, op := range queue {
			if op.source == source {
				cut = i
				break
			}
		}
		if cut < 0 {
			continue
		}
		for _, op := range queue[cut:] {
			d.release(op.source)
			dropped++
		}
		d.setQueue(client, queue[:cut])
	}
	return dropped
}

func (d *Doc) integrate(op Op) error {
	switch op.Kind {
	case KindInsert:
		left, ok := d.lookup(op.Origin)
		if !ok {
			return fmt.Errorf("%w: origin %v of %v is not an insert", ErrInvalidOp, op.Origin, op.ID)
		}
		rightOrigin, ok := d.lookup(op.RightOrigin)
		if !ok {
			return fmt.Errorf("%w: right origin %v of %v is not an insert", ErrInvalidOp, op.RightOrigin, op.ID)
		}
		it := &item{id: op.ID, origin: op.Origin, rightOrigin: op.RightOrigin, value: op.Value}
		d.link(it, d.position(it, left, rightOrigin))
		d.items[op.ID] = it
		d.length++
	case KindDelete:
		target, ok := d.items[op.Target]
		if !ok {
			return fmt.Errorf("%w: delete target %v of %v is not an insert", ErrInvalidOp, op.Target, op.ID)
		}
		if !target.deleted {
			target.deleted = true
			d.length--
		}
	}
	d.sv.Advance(op.ID)
	d.log = append(d.log, op)
	return nil
}

// lookup resolves an origin reference; the zero ID resolves to nil.
func (d *Doc) lookup(id ID) (*item, bool) {
	if id.IsZero() {
		return nil, true
	}
	it, ok := d.items[id]
	return it, ok
}

// position finds the item after which it must be linked. Items between the
// origin and the right origin that were inserted concurrently are skipped
// according to their own origins; ties on the same origin are ordered by
// ascending client id.
func (d *Doc) position(it, left, rightOrigin *item) *item {
	o := d.start
	if left != nil {
		o = left.right
	}
	conflicting := make(map[*item]struct{})
	before := make(map[*item]struct{})
	for o != nil && o != rightOrigin {
		before[o] = struct{}{}
		conflicting[o] = struct{}{}
		if o.origin == it.origin {
			if o.id.Client < it.id.Client {
				left = o
				clear(conflicting)
			} else if o.rightOrigin == it.rightOrigin {
				break
			}
		} else if originItem, ok := d.items[o.origin]; ok && inSet(before, originItem) {
			if !inSet(conflicting, originItem) {
				left = o
				clear(conflicting)
			}
		} else {
			break
		}
		o = o.right
	}
	return left
}

func inSet(set map[*item]struct{}, it *item) bool {
	_, ok := set[it]
	return ok
}

func (d *Doc) link(it, left *item) {
	it.left = left
	if left == nil {
		it.right = d.start
		d.start = it
	} else {
		it.right = left.right
		left.right = it
	}
	if it.right != nil {
		it.right.left = it
	}
}

// Diff returns, in causal order, every integrated operation not reflected
// by sv.
func (d *Doc) Diff(sv StateVector) []Op {
	var out []Op
	for _, op := range d.log {
		if !sv.Covers(op.ID) {
			out = append(out, op)
		}
	}
	return out
}

func (d *Doc) StateVector() StateVector {
	return d.sv.Clone()
}

func (d *Doc) Pending() int {
	return d.npending
}

// PendingFrom returns the number of buffered operations submitted by source.
func (d *Doc) PendingFrom(source string) int {
	return d.bySource[source]
}

func (d *Doc) Len() int {
	return d.length
}

// Text materializes the visible content.
func (d *Doc) Text() string {
	var b strings.Builder
	for it := d.start; it != nil; it = it.right {
		if !it.deleted {
			b.WriteRune(it.value)
		}
	}
	return b.String()
}

// visibleAt returns the visible item at rune index pos.
func (d *Doc) visibleAt(pos int) *item {
	i := 0
	for it := d.start; it != nil; it = it.right {
		if it.deleted {
			continue
		}
		if i == pos {
			return it
		}
		i++
	}
	return nil
}

func (d *Doc) nextID() ID {
	return ID{Client: d.client, Clock: d.sv[d.client] + 1}
}

// Insert creates and integrates insert operations placing text at rune
// index pos. The new operations are returned for broadcasting.
func (d *Doc) Insert(pos int, text string) ([]Op, error) {
	if pos < 0 || pos > d.length {
		return nil, fmt.Errorf("%w: insert at %d, length %d", ErrOutOfRange, pos, d.length)
	}
	if len(d.pending[d.client]) > 0 {
		return nil, fmt.Errorf("%w: local replica has buffered operations", ErrOutOfOrder)
	}

	var left *item
	if pos > 0 {
		left = d.visibleAt(pos - 1)
	}
	right := d.start
	if left != nil {
		right = left.right
	}

	var ops []Op
	for _, r := range text {
		op := Op{ID: d.nextID(), Kind: KindInsert, Value: r}
		if left != nil {
			op.Origin = left.id
		}
		if right != nil {
			op.RightOrigin = right.id
		}
		if err := d.integrate(op); err != nil {
			return ops, err
		}
		ops = append(ops, op)
		left = d.items[op.ID]
	}
	return ops, nil
}

// Delete creates and integrates delete operations removing n runes starting
// at rune index pos.
func (d *Doc) Delete(pos, n int) ([]Op, error) {
	if n == 0 {
		return nil, nil
	}
	if pos < 0 || n < 0 || pos+n > d.length {
		return nil, fmt.Errorf("%w: delete %d at %d, length %d", ErrOutOfRange, n, pos, d.length)
	}
	if len(d.pending[d.client]) > 0 {
		return nil, fmt.Errorf("%w: local replica has buffered operations", ErrOutOfOrder)
	}

	targets := make([]ID, 0, n)
	for it := d.visibleAt(pos); it != nil && len(targets) < n; it = it.right {
		if !it.deleted {
			targets = append(targets, it.id)
		}
	}

	ops := make([]Op, 0, n)
	for _, target := range targets {
		op := Op{ID: d.nextID(), Kind: KindDelete, Target: target}
		if err := d.integrate(op); err != nil {
			return ops, err
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// Replace deletes deleteLen runes at pos and inserts text in their place.
func (d *Doc) Replace(pos, deleteLen int, text string) ([]Op, error) {
	ops, err := d.Delete(pos, deleteLen)
	if err != nil {
		return ops, err
	}
	inserted, err := d.Insert(pos, text)
	return append(ops, inserted...), err
}
