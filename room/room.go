package room

import (
	"sort"
	"sync"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"

	"github.com/marnikitta/livecoding/comm"
	"github.com/marnikitta/livecoding/crdt"
)

// Variables

// ErrAlreadyConnected is returned on a connect with a site identifier
// that is already present. Lifecycle operations are strict where document
// operations are idempotent.
var ErrAlreadyConnected = errors.New("site already connected to room")

// ErrRoomFull is returned on a connect beyond the sites limit.
var ErrRoomFull = errors.New("room is full")

// ErrLogFull is returned when a batch would push the event log over its
// hard cap. The whole batch is refused.
var ErrLogFull = errors.New("room event log reached hard limit")

// ErrNotConnected is returned when a sender is not a member of the room.
var ErrNotConnected = errors.New("sender is not connected to room")

// ErrNoPresence is returned when a sender submits events before
// advertising its presence.
var ErrNoPresence = errors.New("sender has not advertised presence")

// ErrWrongSite is returned when a payload carries a site identifier that
// does not match its sender.
var ErrWrongSite = errors.New("payload site id does not match sender")

// Constants

// NoSender may be passed to Broadcast as the excluded site. It is the
// reserved synthetic identifier, which no real participant ever holds.
const NoSender = crdt.UtilSiteID

// Structs

// Limits bundles the per-room capacity settings.
type Limits struct {
	EventsLimit         int
	SitesLimit          int
	DocumentLengthLimit int
}

// Room orchestrates the sites, event log and document of one shared
// buffer. All exported methods serialize on the room mutex.
type Room struct {
	ID string

	logger log.Logger
	limits Limits

	mu            sync.Mutex
	sites         map[uint32]*comm.Site
	events        []crdt.Event
	doc           *crdt.Document
	maxSeenSiteID uint32
}

// Functions

// NewRoom returns an empty room.
func NewRoom(logger log.Logger, id string, limits Limits) *Room {

	return &Room{
		ID:     id,
		logger: logger,
		limits: limits,
		sites:  make(map[uint32]*comm.Site),
		doc:    crdt.NewDocument(),
	}
}

// FromText reconstructs a room from a stored text snapshot. One insert
// per character is synthesized under the reserved utility site id, each
// anchored to its predecessor, and the result is verified to materialize
// back into the input.
func FromText(logger log.Logger, id string, text string, limits Limits) (*Room, error) {

	r := NewRoom(logger, id, limits)

	var prev *crdt.GlobalID
	counter := uint32(0)

	for _, char := range text {

		event := crdt.Event{
			Type:     crdt.Insert,
			GID:      crdt.GlobalID{Counter: counter, SiteID: crdt.UtilSiteID},
			Char:     string(char),
			AfterGID: prev,
		}

		if err := r.doc.Apply(event); err != nil {
			return nil, errors.Wrapf(err, "failed to seed room %s", id)
		}
		r.events = append(r.events, event)

		gid := event.GID
		prev = &gid
		counter++
	}

	if materialized := r.doc.Materialize(); materialized != text {
		return nil, errors.Errorf("seeded room %s does not materialize its snapshot: %d characters in, %d out",
			id, len(text), len(materialized))
	}

	return r, nil
}

// NextSiteID returns an identifier that cannot collide with any past or
// present participant: one beyond the maximum of all identifiers seen in
// event gids and all currently connected ones. Empty rooms start at 1,
// keeping 0 reserved for the synthetic snapshot originator.
func (r *Room) NextSiteID() uint32 {

	r.mu.Lock()
	defer r.mu.Unlock()

	return r.nextSiteIDLocked()
}

// Join assigns the next free site identifier, registers a fresh site for
// the transport under it and brings it up to date, all within a single
// lock acquisition. Concurrent joiners therefore can never race the
// assignment and collide on an id.
func (r *Room) Join(conn comm.Conn, offset int) (*comm.Site, error) {

	r.mu.Lock()
	defer r.mu.Unlock()

	site := comm.NewSite(r.nextSiteIDLocked(), conn)
	if err := r.connectLocked(site, offset); err != nil {
		return nil, err
	}

	return site, nil
}

// Connect registers a site and brings it up to date: first the event log
// from the requested offset, then one presence per peer that has
// advertised one.
func (r *Room) Connect(site *comm.Site, offset int) error {

	r.mu.Lock()
	defer r.mu.Unlock()

	return r.connectLocked(site, offset)
}

func (r *Room) connectLocked(site *comm.Site, offset int) error {

	if _, connected := r.sites[site.ID]; connected {
		return errors.Wrapf(ErrAlreadyConnected, "site %d, room %s", site.ID, r.ID)
	}

	if len(r.sites) >= r.limits.SitesLimit {
		return errors.Wrapf(ErrRoomFull, "room %s holds %d sites", r.ID, len(r.sites))
	}

	r.sites[site.ID] = site
	level.Info(r.logger).Log("msg", "site connected to room", "room", r.ID, "site", site.ID)

	if err := site.Send(&comm.WsMessage{CrdtEvents: r.eventsFromLocked(offset)}); err != nil {
		r.dropLocked(site.ID)
		return err
	}

	for _, id := range r.siteIDsLocked() {

		peer, connected := r.sites[id]
		if !connected || peer.ID == site.ID || peer.LastPresence == nil {
			continue
		}

		if err := site.Send(&comm.WsMessage{SitePresence: peer.LastPresence}); err != nil {
			r.dropLocked(site.ID)
			return err
		}
	}

	return nil
}

// nextSiteIDLocked computes one beyond the maximum identifier seen in
// event gids or currently connected.
func (r *Room) nextSiteIDLocked() uint32 {

	max := r.maxSeenSiteID
	for id := range r.sites {
		if id > max {
			max = id
		}
	}

	return max + 1
}

// ApplyEvents validates a batch from a sender, appends it to the log and
// the document, and broadcasts it to every peer except the sender.
func (r *Room) ApplyEvents(events []crdt.Event, sender uint32) error {

	r.mu.Lock()
	defer r.mu.Unlock()

	site, connected := r.sites[sender]
	if !connected {
		return errors.Wrapf(ErrNotConnected, "sender %d, room %s", sender, r.ID)
	}

	if site.LastPresence == nil {
		return errors.Wrapf(ErrNoPresence, "sender %d, room %s", sender, r.ID)
	}

	// An empty batch is a no-op. Broadcasting it would serialize into a
	// bare frame without any payload, which clients must not see.
	if len(events) == 0 {
		return nil
	}

	for _, event := range events {

		if event.Type == crdt.Insert && event.GID.SiteID != sender {
			return errors.Wrapf(ErrWrongSite, "insert gid (%d,%d) from sender %d",
				event.GID.Counter, event.GID.SiteID, sender)
		}
	}

	if len(r.events)+len(events) > r.limits.EventsLimit {
		return errors.Wrapf(ErrLogFull, "room %s holds %d events, batch of %d refused",
			r.ID, len(r.events), len(events))
	}

	for _, event := range events {

		if err := r.doc.Apply(event); err != nil {
			return errors.Wrapf(err, "room %s", r.ID)
		}

		r.events = append(r.events, event)
		if event.GID.SiteID > r.maxSeenSiteID {
			r.maxSeenSiteID = event.GID.SiteID
		}
	}

	r.broadcastLocked(&comm.WsMessage{CrdtEvents: events}, sender)

	return nil
}

// ApplyPresence replaces the sender's cached presence and echoes it to
// the whole cohort, the sender included, so that every client observes
// the server-validated payload.
func (r *Room) ApplyPresence(presence *comm.SitePresence, sender uint32) error {

	r.mu.Lock()
	defer r.mu.Unlock()

	site, connected := r.sites[sender]
	if !connected {
		return errors.Wrapf(ErrNotConnected, "sender %d, room %s", sender, r.ID)
	}

	if presence.SiteID != sender {
		return errors.Wrapf(ErrWrongSite, "presence for site %d from sender %d", presence.SiteID, sender)
	}

	site.LastPresence = presence
	r.broadcastLocked(&comm.WsMessage{SitePresence: presence}, NoSender)

	return nil
}

// Broadcast sends a message to every site except the given one. Pass
// NoSender to address the whole cohort. Sites whose transport fails are
// disconnected on the spot; the remaining sites keep being served.
func (r *Room) Broadcast(msg *comm.WsMessage, except uint32) {

	r.mu.Lock()
	defer r.mu.Unlock()

	r.broadcastLocked(msg, except)
}

// Disconnect removes a site from the room, closes its transport and
// announces the departure to the remaining cohort. Absent sites are a
// no-op, so every session exit path may call it unconditionally.
func (r *Room) Disconnect(siteID uint32) {

	r.mu.Lock()
	defer r.mu.Unlock()

	r.dropLocked(siteID)
}

// GCSites disconnects every site whose transport is no longer alive.
func (r *Room) GCSites() {

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range r.siteIDsLocked() {

		site, connected := r.sites[id]
		if connected && !site.IsAlive() {
			r.dropLocked(id)
		}
	}
}

// HasActiveSites reports whether any site is connected.
func (r *Room) HasActiveSites() bool {

	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.sites) > 0
}

// SiteIDs returns a snapshot of the connected site identifiers in
// ascending order.
func (r *Room) SiteIDs() []uint32 {

	r.mu.Lock()
	defer r.mu.Unlock()

	return r.siteIDsLocked()
}

// SitesLen returns the number of connected sites.
func (r *Room) SitesLen() int {

	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.sites)
}

// EventsLen returns the current length of the event log.
func (r *Room) EventsLen() int {

	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.events)
}

// Events returns a copy of the event log from the given offset. Offsets
// beyond the log yield an empty batch.
func (r *Room) Events(offset int) []crdt.Event {

	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]crdt.Event{}, r.eventsFromLocked(offset)...)
}

// Materialize returns the current visible text of the document.
func (r *Room) Materialize() string {

	r.mu.Lock()
	defer r.mu.Unlock()

	return r.doc.Materialize()
}

// eventsFromLocked slices the log at offset with list semantics: out of
// bounds offsets clamp instead of panicking.
func (r *Room) eventsFromLocked(offset int) []crdt.Event {

	if offset < 0 {
		offset = 0
	}
	if offset > len(r.events) {
		offset = len(r.events)
	}

	return r.events[offset:]
}

// siteIDsLocked snapshots the current membership in ascending order so
// that callers can iterate while dropLocked mutates the map underneath.
func (r *Room) siteIDsLocked() []uint32 {

	ids := make([]uint32, 0, len(r.sites))
	for id := range r.sites {
		ids = append(ids, id)
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	return ids
}

// broadcastLocked fans a message out to the cohort. Membership is
// re-checked per send because a failed send disconnects the affected
// site, which in turn broadcasts and may fail further sites.
func (r *Room) broadcastLocked(msg *comm.WsMessage, except uint32) {

	for _, id := range r.siteIDsLocked() {

		if id == except {
			continue
		}

		site, connected := r.sites[id]
		if !connected {
			continue
		}

		if err := site.Send(msg); err != nil {
			level.Warn(r.logger).Log("msg", "site is not reachable, disconnecting it", "room", r.ID, "site", id)
			r.dropLocked(id)
		}
	}
}

// dropLocked removes one site and tells the remaining cohort. The
// recursion through broadcastLocked terminates because every step
// strictly shrinks the membership.
func (r *Room) dropLocked(siteID uint32) {

	site, connected := r.sites[siteID]
	if !connected {
		return
	}

	site.Close()
	delete(r.sites, siteID)
	level.Info(r.logger).Log("msg", "site disconnected from room", "room", r.ID, "site", siteID)

	r.broadcastLocked(&comm.WsMessage{SiteDisconnected: &comm.SiteDisconnected{SiteID: siteID}}, NoSender)
}
