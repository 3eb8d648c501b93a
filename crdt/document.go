package crdt

import (
	"strings"

	"github.com/pkg/errors"
)

// Constants

// noEntry marks the absence of a successor in the entry arena.
const noEntry int32 = -1

// Structs

// entry is one character slot of the document. Entries live in an arena
// and reference their successor by arena handle, forming a singly-linked
// list in document order. Only the visible flag mutates after creation.
type entry struct {
	gid     GlobalID
	char    rune
	visible bool
	next    int32
}

// Document is the sequence-CRDT engine. It applies any multiset of events
// in any order and materializes the current visible text. Two documents
// that applied the same multiset of events materialize identical strings.
type Document struct {
	entries []entry
	head    int32
	index   map[GlobalID]int32
}

// Functions

// NewDocument returns an empty initialized document.
func NewDocument() *Document {

	return &Document{
		head:  noEntry,
		index: make(map[GlobalID]int32),
	}
}

// Apply folds a single event into the document. Duplicate inserts and
// repeated deletes are no-ops, so replaying history is always safe. An
// event naming an unknown target refuses to mutate any state and returns
// ErrUnknownTarget.
func (d *Document) Apply(event Event) error {

	if event.Type == Delete {

		handle, found := d.index[event.GID]
		if !found {
			return errors.Wrapf(ErrUnknownTarget, "delete of gid (%d,%d)", event.GID.Counter, event.GID.SiteID)
		}

		d.entries[handle].visible = false

		return nil
	}

	if err := event.Validate(); err != nil {
		return err
	}

	// Idempotence: this insert has been applied before.
	if _, found := d.index[event.GID]; found {
		return nil
	}

	// Locate the anchor: either just after the entry the event names, or
	// just before the head when no anchor is given.
	prev := noEntry
	if event.AfterGID != nil {

		anchor, found := d.index[*event.AfterGID]
		if !found {
			return errors.Wrapf(ErrUnknownTarget, "anchor gid (%d,%d)", event.AfterGID.Counter, event.AfterGID.SiteID)
		}

		prev = anchor
	}

	next := d.head
	if prev != noEntry {
		next = d.entries[prev].next
	}

	// Walk past all entries with a greater gid. Concurrent siblings that
	// share the anchor therefore end up sorted descending by gid, which is
	// what makes every replica converge on the same order.
	for next != noEntry && event.GID.Less(d.entries[next].gid) {
		prev = next
		next = d.entries[next].next
	}

	char, _ := firstRune(event.Char)

	handle := int32(len(d.entries))
	d.entries = append(d.entries, entry{
		gid:     event.GID,
		char:    char,
		visible: true,
		next:    next,
	})

	if prev == noEntry {
		d.head = handle
	} else {
		d.entries[prev].next = handle
	}

	d.index[event.GID] = handle

	return nil
}

// Materialize walks the document from its head and concatenates every
// visible character into the current text.
func (d *Document) Materialize() string {

	var b strings.Builder

	for handle := d.head; handle != noEntry; handle = d.entries[handle].next {

		if d.entries[handle].visible {
			b.WriteRune(d.entries[handle].char)
		}
	}

	return b.String()
}

// Len returns the number of entries in the document, tombstones included.
func (d *Document) Len() int {
	return len(d.entries)
}

// firstRune decodes the first Unicode scalar of s.
func firstRune(s string) (rune, bool) {

	for _, r := range s {
		return r, true
	}

	return 0, false
}
