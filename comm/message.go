package comm

import (
	"encoding/json"
	"unicode/utf8"

	"github.com/pkg/errors"

	"github.com/marnikitta/livecoding/crdt"
)

// Variables

// ErrMalformedMessage is returned when a text frame cannot be parsed into
// a valid WsMessage.
var ErrMalformedMessage = errors.New("malformed message")

// Constants

// MaxPresenceNameLength bounds the display name a site may advertise.
const MaxPresenceNameLength = 30

// Structs

// SetSiteID tells a freshly connected client which site identifier the
// room assigned to it. Server to client only.
type SetSiteID struct {
	SiteID uint32 `json:"siteId"`
}

// SiteDisconnected announces that a peer left the room.
// Server to client only.
type SiteDisconnected struct {
	SiteID uint32 `json:"siteId"`
}

// SitePresence is a site's self-describing payload: its identifier, a
// display name, and any further fields (cursor state and the like) that
// the server treats as opaque. The server validates only the identifier
// and the name and echoes everything else verbatim, which is why the
// original frame bytes are retained.
type SitePresence struct {
	SiteID uint32
	Name   string

	raw json.RawMessage
}

// WsMessage is one websocket text frame. Any subset of the fields may be
// present; absent fields are omitted on the wire.
type WsMessage struct {
	SetSiteID          *SetSiteID        `json:"setSiteId,omitempty"`
	SitePresence       *SitePresence     `json:"sitePresence,omitempty"`
	SiteDisconnected   *SiteDisconnected `json:"siteDisconnected,omitempty"`
	CrdtEvents         []crdt.Event      `json:"crdtEvents,omitempty"`
	Heartbit           bool              `json:"heartbit,omitempty"`
	CompactionRequired bool              `json:"compactionRequired,omitempty"`
}

// Functions

// NewPresence constructs a server-originated presence payload. Presences
// parsed from the wire keep their original bytes instead.
func NewPresence(siteID uint32, name string) *SitePresence {

	return &SitePresence{
		SiteID: siteID,
		Name:   name,
	}
}

// UnmarshalJSON parses the known presence fields and retains the full
// frame bytes so that opaque client fields survive the round-trip.
func (p *SitePresence) UnmarshalJSON(data []byte) error {

	var probe struct {
		SiteID *uint32 `json:"siteId"`
		Name   string  `json:"name"`
	}

	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}

	if probe.SiteID == nil {
		return errors.New("presence is missing siteId")
	}

	p.SiteID = *probe.SiteID
	p.Name = probe.Name
	p.raw = append(json.RawMessage(nil), data...)

	return nil
}

// MarshalJSON emits the retained frame bytes verbatim when the presence
// came off the wire, and a plain object otherwise.
func (p *SitePresence) MarshalJSON() ([]byte, error) {

	if len(p.raw) > 0 {
		return p.raw, nil
	}

	return json.Marshal(struct {
		SiteID uint32 `json:"siteId"`
		Name   string `json:"name,omitempty"`
	}{
		SiteID: p.SiteID,
		Name:   p.Name,
	})
}

// Validate bounds the display name to 1..30 characters.
func (p *SitePresence) Validate() error {

	length := utf8.RuneCountInString(p.Name)
	if length < 1 || length > MaxPresenceNameLength {
		return errors.Errorf("presence name length %d is out of bounds", length)
	}

	return nil
}

// DecodeMessage parses one text frame into a WsMessage and validates all
// client-suppliable payloads. Every parse or validation failure is
// reported as ErrMalformedMessage.
func DecodeMessage(data []byte) (*WsMessage, error) {

	msg := new(WsMessage)
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, errors.Wrapf(ErrMalformedMessage, "%v", err)
	}

	if msg.SitePresence != nil {

		if err := msg.SitePresence.Validate(); err != nil {
			return nil, errors.Wrapf(ErrMalformedMessage, "%v", err)
		}
	}

	for _, event := range msg.CrdtEvents {

		if err := event.Validate(); err != nil {
			return nil, errors.Wrapf(ErrMalformedMessage, "%v", err)
		}
	}

	return msg, nil
}

// EncodeMessage serializes a WsMessage for the wire, omitting every
// absent field.
func EncodeMessage(msg *WsMessage) ([]byte, error) {

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal message")
	}

	return data, nil
}
