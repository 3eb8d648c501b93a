package crdt

import (
	"unicode/utf8"

	"github.com/pkg/errors"
)

// Variables

// ErrMalformedInsert is returned for an insert event whose char field does
// not hold exactly one Unicode scalar.
var ErrMalformedInsert = errors.New("insert event must carry exactly one character")

// ErrUnknownTarget is returned when a delete or an afterGid anchor names a
// global identifier that was never inserted.
var ErrUnknownTarget = errors.New("event names an unknown target gid")

// Constants

// EventType discriminates the two operation kinds of the sequence CRDT.
type EventType string

const (
	// Insert places a single character immediately after its anchor.
	Insert EventType = "insert"
	// Delete tombstones a previously inserted character.
	Delete EventType = "delete"
)

// Structs

// Event is one immutable CRDT operation as it appears both on the wire
// and in the room's event log. Char and AfterGID are only meaningful for
// inserts and are omitted from the wire encoding when absent.
type Event struct {
	Type     EventType `json:"type"`
	GID      GlobalID  `json:"gid"`
	Char     string    `json:"char,omitempty"`
	AfterGID *GlobalID `json:"afterGid,omitempty"`
}

// Functions

// Validate checks the static shape of an event: inserts carry exactly one
// Unicode scalar, deletes carry none, and no third kind exists.
func (e Event) Validate() error {

	switch e.Type {
	case Insert:
		if utf8.RuneCountInString(e.Char) != 1 {
			return errors.Wrapf(ErrMalformedInsert, "gid (%d,%d)", e.GID.Counter, e.GID.SiteID)
		}
		return nil
	case Delete:
		return nil
	default:
		return errors.Errorf("unknown event type %q", e.Type)
	}
}
