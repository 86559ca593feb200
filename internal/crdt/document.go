package crdt

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrInvalidUpdate indicates that an update payload could not be decoded.
	ErrInvalidUpdate = errors.New("crdt: invalid update")
	// ErrInvalidStateVector indicates that a state vector payload could not be decoded.
	ErrInvalidStateVector = errors.New("crdt: invalid state vector")
	// ErrRangeOutOfBounds indicates that a local edit addressed a range outside the document.
	ErrRangeOutOfBounds = errors.New("crdt: edit range out of bounds")
)

const maxDigit = 1<<31 - 1

// Document is a replicated text document using Logoot-style dense position
// identifiers. Concurrent updates merge commutatively and idempotently: every
// operation carries a globally unique (client, clock) identifier, inserts carry
// a totally ordered position, and deletes tombstone their target so arrival
// order across clients does not matter.
//
// A Document is not safe for concurrent use. Callers own serialization;
// within this codebase the document store holds one mutex per room.
//
// Invariant: operations originating from a single client must be applied in
// generation order. The state vector records the highest clock seen per client
// and treats anything at or below it as already applied.
type Document struct {
	client string
	clock  uint64

	items   []item
	seen    map[string]uint64
	removed map[ItemID]struct{}
	log     []Op
}

type item struct {
	id    ItemID
	pos   Position
	value string
}

// NewDocument returns an empty document owned by the given replica client id.
func NewDocument(client string) *Document {
	return &Document{
		client:  client,
		seen:    make(map[string]uint64),
		removed: make(map[ItemID]struct{}),
	}
}

// NewDocumentFromSnapshot reconstructs a document from a persisted snapshot
// payload (the encoded operation log).
func NewDocumentFromSnapshot(client string, snapshot []byte) (*Document, error) {
	doc := NewDocument(client)
	if len(snapshot) > 0 {
		if err := doc.ApplyUpdate(snapshot); err != nil {
			return nil, err
		}
	}
	doc.clock = doc.seen[client]
	return doc, nil
}

// Text returns the visible document content.
func (d *Document) Text() string {
	var out []byte
	for _, it := range d.items {
		out = append(out, it.value...)
	}
	return string(out)
}

// Len returns the number of visible characters.
func (d *Document) Len() int {
	return len(d.items)
}

// StateVector returns the encoded summary of operations this replica has seen.
func (d *Document) StateVector() []byte {
	return encodeStateVector(d.seen)
}

// ApplyUpdate merges a remote update into the document. Operations already
// reflected in the state vector are skipped, making re-application a no-op.
func (d *Document) ApplyUpdate(payload []byte) error {
	update, err := decodeUpdate(payload)
	if err != nil {
		return err
	}
	for _, op := range update.Ops {
		d.applyOp(op)
	}
	return nil
}

// Insert generates, applies and returns an update inserting text at the given
// visible character index.
func (d *Document) Insert(index int, text string) ([]byte, error) {
	if index < 0 || index > len(d.items) {
		return nil, fmt.Errorf("%w: insert at %d, length %d", ErrRangeOutOfBounds, index, len(d.items))
	}
	runes := []rune(text)
	ops := make([]Op, 0, len(runes))
	left := Position(nil)
	if index > 0 {
		left = d.items[index-1].pos
	}
	right := Position(nil)
	if index < len(d.items) {
		right = d.items[index].pos
	}
	for _, r := range runes {
		pos := positionBetween(left, right, d.client)
		d.clock++
		op := Op{
			Kind:  OpInsert,
			ID:    ItemID{Client: d.client, Clock: d.clock},
			Pos:   pos,
			Value: string(r),
		}
		d.applyOp(op)
		ops = append(ops, op)
		left = pos
	}
	return encodeUpdate(Update{Ops: ops}), nil
}

// Delete generates, applies and returns an update removing count visible
// characters starting at index.
func (d *Document) Delete(index, count int) ([]byte, error) {
	if index < 0 || count < 0 || index+count > len(d.items) {
		return nil, fmt.Errorf("%w: delete [%d,%d), length %d", ErrRangeOutOfBounds, index, index+count, len(d.items))
	}
	targets := make([]ItemID, 0, count)
	for _, it := range d.items[index : index+count] {
		targets = append(targets, it.id)
	}
	ops := make([]Op, 0, len(targets))
	for _, target := range targets {
		d.clock++
		op := Op{
			Kind:   OpDelete,
			ID:     ItemID{Client: d.client, Clock: d.clock},
			Target: target,
		}
		d.applyOp(op)
		ops = append(ops, op)
	}
	return encodeUpdate(Update{Ops: ops}), nil
}

// Diff returns an update containing every operation the holder of the given
// state vector has not yet seen. A nil or empty state vector yields the full
// history.
func (d *Document) Diff(stateVector []byte) ([]byte, error) {
	since, err := decodeStateVector(stateVector)
	if err != nil {
		return nil, err
	}
	var ops []Op
	for _, op := range d.log {
		if op.ID.Clock > since[op.ID.Client] {
			ops = append(ops, op)
		}
	}
	return encodeUpdate(Update{Ops: ops}), nil
}

// Snapshot returns the full encoded operation log, suitable for persistence
// and for bootstrapping a replica from scratch.
func (d *Document) Snapshot() []byte {
	return encodeUpdate(Update{Ops: d.log})
}

func (d *Document) applyOp(op Op) {
	if op.ID.Clock <= d.seen[op.ID.Client] {
		return
	}
	switch op.Kind {
	case OpInsert:
		if _, deleted := d.removed[op.ID]; !deleted {
			d.insertItem(item{id: op.ID, pos: op.Pos, value: op.Value})
		}
	case OpDelete:
		d.removed[op.Target] = struct{}{}
		d.removeItem(op.Target)
	default:
		return
	}
	d.seen[op.ID.Client] = op.ID.Clock
	d.log = append(d.log, op)
}

func (d *Document) insertItem(it item) {
	at := sort.Search(len(d.items), func(i int) bool {
		c := comparePositions(d.items[i].pos, it.pos)
		if c != 0 {
			return c > 0
		}
		return compareIDs(d.items[i].id, it.id) > 0
	})
	d.items = append(d.items, item{})
	copy(d.items[at+1:], d.items[at:])
	d.items[at] = it
}

func (d *Document) removeItem(id ItemID) {
	for i, it := range d.items {
		if it.id == id {
			d.items = append(d.items[:i], d.items[i+1:]...)
			return
		}
	}
}

// positionBetween allocates a fresh position strictly between left and right.
// A nil left is the document start, a nil right the document end. Allocation is
// deterministic per site; uniqueness across sites comes from the trailing
// client component.
func positionBetween(left, right Position, client string) Position {
	var prefix Position
	withinRight := true
	for depth := 0; ; depth++ {
		var lo uint64
		leftComponent := posComponent{}
		if depth < len(left) {
			leftComponent = left[depth]
			lo = uint64(leftComponent.Digit)
		}
		hi := uint64(maxDigit) + 1
		if withinRight && depth < len(right) {
			hi = uint64(right[depth].Digit)
		}
		if hi > lo+1 {
			mid := lo + (hi-lo)/2
			return append(prefix, posComponent{Digit: uint32(mid), Client: client})
		}
		prefix = append(prefix, leftComponent)
		if withinRight && depth < len(right) && leftComponent != right[depth] {
			withinRight = false
		}
	}
}

func comparePositions(a, b Position) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i].Digit != b[i].Digit {
			if a[i].Digit < b[i].Digit {
				return -1
			}
			return 1
		}
		if a[i].Client != b[i].Client {
			if a[i].Client < b[i].Client {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

func compareIDs(a, b ItemID) int {
	if a.Client != b.Client {
		if a.Client < b.Client {
			return -1
		}
		return 1
	}
	switch {
	case a.Clock < b.Clock:
		return -1
	case a.Clock > b.Clock:
		return 1
	default:
		return 0
	}
}
