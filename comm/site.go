package comm

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// Variables

// ErrDisconnected is returned by Send and Receive as soon as the
// underlying transport failed. It is non-fatal at the room level: the
// affected site is disconnected and its peers keep being served.
var ErrDisconnected = errors.New("site transport disconnected")

// Interfaces

// Conn is the subset of a websocket connection the site needs. It is
// satisfied by *websocket.Conn and by in-memory fakes in tests.
type Conn interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Structs

// Site is one connected participant of a room: its identifier assigned
// by the room, the last presence payload it advertised, and its
// transport. The room owning the site serializes access to LastPresence;
// the transport is additionally guarded for the heartbeat goroutine.
type Site struct {
	ID           uint32
	LastPresence *SitePresence

	conn    Conn
	sendMu  sync.Mutex
	stateMu sync.Mutex
	dead    bool
	closed  bool
}

// Functions

// NewSite wraps a freshly accepted transport into a site handle.
func NewSite(id uint32, conn Conn) *Site {

	return &Site{
		ID:   id,
		conn: conn,
	}
}

// Send serializes the message into one text frame with absent fields
// omitted and pushes it to the transport. Any transport failure marks
// the site dead and surfaces as ErrDisconnected.
func (s *Site) Send(msg *WsMessage) error {

	data, err := EncodeMessage(msg)
	if err != nil {
		return err
	}

	s.sendMu.Lock()
	err = s.conn.WriteMessage(websocket.TextMessage, data)
	s.sendMu.Unlock()

	if err != nil {
		s.markDead()
		return errors.Wrapf(ErrDisconnected, "send to site %d: %v", s.ID, err)
	}

	return nil
}

// Receive pulls one text frame from the transport and parses it.
// Transport failures surface as ErrDisconnected, unparseable payloads
// as ErrMalformedMessage.
func (s *Site) Receive() (*WsMessage, error) {

	_, data, err := s.conn.ReadMessage()
	if err != nil {
		s.markDead()
		return nil, errors.Wrapf(ErrDisconnected, "receive from site %d: %v", s.ID, err)
	}

	return DecodeMessage(data)
}

// ReceiveText pulls one raw text frame. It exists for the literal
// "Hello" handshake, which is not a JSON object.
func (s *Site) ReceiveText() (string, error) {

	_, data, err := s.conn.ReadMessage()
	if err != nil {
		s.markDead()
		return "", errors.Wrapf(ErrDisconnected, "receive from site %d: %v", s.ID, err)
	}

	return string(data), nil
}

// Close shuts the transport down best-effort. It is idempotent and
// swallows transport errors.
func (s *Site) Close() {

	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	if s.closed {
		return
	}

	s.closed = true
	s.dead = true

	// Ignore the error: the peer may be long gone.
	_ = s.conn.Close()
}

// IsAlive reports whether the transport is still believed to be fully
// established for both peers, i.e. it was neither closed locally nor has
// any I/O on it failed yet.
func (s *Site) IsAlive() bool {

	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	return !s.dead && !s.closed
}

// Heartbeat sends a heartbit frame every interval until the transport
// fails or done is closed. It terminates on the first failed send.
func (s *Site) Heartbeat(interval time.Duration, done <-chan struct{}) {

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {

		if err := s.Send(&WsMessage{Heartbit: true}); err != nil {
			return
		}

		select {
		case <-done:
			return
		case <-ticker.C:
		}
	}
}

// markDead remembers that the transport failed so that IsAlive and the
// room's site GC observe the death without further I/O.
func (s *Site) markDead() {

	s.stateMu.Lock()
	s.dead = true
	s.stateMu.Unlock()
}
