// Package crdt implements the replicated text document owned by each room.
//
// The document is a replicated growable array: every character is an item
// with a unique Lamport id, inserted immediately after an origin item.
// Concurrent inserts after the same origin are ordered by descending id, and
// deletions leave tombstones, so applying the same set of updates in any
// order that respects each replica's own order yields the same text.
//
// A Doc is not safe for concurrent use. The room actor is its only caller.
package crdt

import (
	"fmt"
	"slices"
	"strings"
)

// ID identifies one item. The zero ID is the document start and never names an item.
type ID struct {
	Client uint64
	Clock  uint64
}

func (id ID) IsZero() bool {
	return id.Clock == 0 && id.Client == 0
}

// Less orders ids by clock, then by client.
func (id ID) Less(o ID) bool {
	if id.Clock != o.Clock {
		return id.Clock < o.Clock
	}
	return id.Client < o.Client
}

func (id ID) String() string {
	return fmt.Sprintf("%d@%d", id.Clock, id.Client)
}

type item struct {
	id      ID
	origin  ID
	value   rune
	deleted bool
}

type insertOp struct {
	id     ID
	origin ID
	value  rune
}

type Doc struct {
	client uint64
	clock  uint64

	items []*item
	byID  map[ID]*item

	// inserts waiting for their origin, and deletes of items not seen yet
	pending    []insertOp
	tombstones map[ID]struct{}
}

// NewDoc returns an empty document whose local edits are attributed to client.
func NewDoc(client uint64) *Doc {
	return &Doc{
		client:     client,
		byID:       make(map[ID]*item),
		tombstones: make(map[ID]struct{}),
	}
}

// Load builds a replica from an encoded state or update.
func Load(client uint64, state []byte) (*Doc, error) {
	d := NewDoc(client)
	if err := d.ApplyUpdate(state); err != nil {
		return nil, err
	}
	return d, nil
}

// ApplyUpdate merges a remote update. Malformed input returns a *DecodeError
// and leaves the document untouched.
func (d *Doc) ApplyUpdate(update []byte) error {
	u, err := decodeUpdate(update)
	if err != nil {
		return err
	}
	d.apply(u)
	return nil
}

func (d *Doc) apply(u update) {
	for _, op := range u.inserts {
		d.observe(op.id.Clock)
		if !d.integrate(op) {
			d.pending = append(d.pending, op)
		}
	}
	for _, id := range u.deletes {
		d.observe(id.Clock)
		d.delete(id)
	}
	d.drainPending()
}

func (d *Doc) observe(clock uint64) {
	if clock > d.clock {
		d.clock = clock
	}
}

// integrate places op in the sequence. It reports false if the origin is
// not known yet.
func (d *Doc) integrate(op insertOp) bool {
	if _, ok := d.byID[op.id]; ok {
		return true
	}

	pos := 0
	if !op.origin.IsZero() {
		idx := d.indexOf(op.origin)
		if idx < 0 {
			return false
		}
		pos = idx + 1
	}
	for pos < len(d.items) && op.id.Less(d.items[pos].id) {
		pos++
	}

	it := &item{id: op.id, origin: op.origin, value: op.value}
	if _, ok := d.tombstones[op.id]; ok {
		it.deleted = true
		delete(d.tombstones, op.id)
	}

	d.items = append(d.items, nil)
	copy(d.items[pos+1:], d.items[pos:])
	d.items[pos] = it
	d.byID[op.id] = it
	return true
}

func (d *Doc) drainPending() {
	for progress := true; progress && len(d.pending) > 0; {
		progress = false
		rest := d.pending[:0]
		for _, op := range d.pending {
			if d.integrate(op) {
				progress = true
			} else {
				rest = append(rest, op)
			}
		}
		d.pending = rest
	}
}

func (d *Doc) delete(id ID) {
	if it, ok := d.byID[id]; ok {
		it.deleted = true
		return
	}
	d.tombstones[id] = struct{}{}
}

func (d *Doc) indexOf(id ID) int {
	for i, it := range d.items {
		if it.id == id {
			return i
		}
	}
	return -1
}

// visibleIndex returns the sequence index of the n-th visible item, or -1.
func (d *Doc) visibleIndex(n int) int {
	for i, it := range d.items {
		if it.deleted {
			continue
		}
		if n == 0 {
			return i
		}
		n--
	}
	return -1
}

// Insert inserts text before visible position pos and returns the update
// describing the edit. pos is clamped to the document length.
func (d *Doc) Insert(pos int, text string) []byte {
	var origin ID
	if pos > 0 {
		if idx := d.visibleIndex(min(pos, d.Len()) - 1); idx >= 0 {
			origin = d.items[idx].id
		}
	}

	var u update
	for _, r := range text {
		d.clock++
		op := insertOp{id: ID{Client: d.client, Clock: d.clock}, origin: origin, value: r}
		d.integrate(op)
		u.inserts = append(u.inserts, op)
		origin = op.id
	}
	return encodeUpdate(u)
}

// Delete removes n visible characters starting at pos and returns the update
// describing the edit.
func (d *Doc) Delete(pos, n int) []byte {
	var u update
	for ; n > 0; n-- {
		idx := d.visibleIndex(pos)
		if idx < 0 {
			break
		}
		it := d.items[idx]
		it.deleted = true
		u.deletes = append(u.deletes, it.id)
	}
	return encodeUpdate(u)
}

// EncodeState encodes the whole document, tombstones and pending operations
// included, as one update that rebuilds it in an empty replica.
func (d *Doc) EncodeState() []byte {
	u := update{
		inserts: make([]insertOp, 0, len(d.items)+len(d.pending)),
	}
	for _, it := range d.items {
		u.inserts = append(u.inserts, insertOp{id: it.id, origin: it.origin, value: it.value})
		if it.deleted {
			u.deletes = append(u.deletes, it.id)
		}
	}
	u.inserts = append(u.inserts, d.pending...)

	unseen := make([]ID, 0, len(d.tombstones))
	for id := range d.tombstones {
		unseen = append(unseen, id)
	}
	slices.SortFunc(unseen, func(a, b ID) int {
		if a.Less(b) {
			return -1
		}
		if b.Less(a) {
			return 1
		}
		return 0
	})
	u.deletes = append(u.deletes, unseen...)
	return encodeUpdate(u)
}

// Len returns the number of visible characters.
func (d *Doc) Len() int {
	n := 0
	for _, it := range d.items {
		if !it.deleted {
			n++
		}
	}
	return n
}

func (d *Doc) String() string {
	var b strings.Builder
	for _, it := range d.items {
		if !it.deleted {
			b.WriteRune(it.value)
		}
	}
	return b.String()
}

// Pending reports how many operations are waiting on missing dependencies.
func (d *Doc) Pending() int {
	return len(d.pending) + len(d.tombstones)
}
