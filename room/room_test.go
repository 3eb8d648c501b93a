package room

import (
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marnikitta/livecoding/comm"
	"github.com/marnikitta/livecoding/crdt"
)

// Variables

var testLimits = Limits{
	EventsLimit:         1000,
	SitesLimit:          4,
	DocumentLengthLimit: 1000,
}

// Structs

// fakeConn records written frames and can be switched into a failing
// state to simulate a dead peer.
type fakeConn struct {
	mu     sync.Mutex
	writes [][]byte
	fail   bool
	closed int
}

// Functions

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	return 0, nil, errors.New("fakeConn does not read")
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.fail {
		return errors.New("broken pipe")
	}

	c.writes = append(c.writes, data)

	return nil
}

func (c *fakeConn) Close() error {

	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed++

	return nil
}

// messages decodes every frame the peer received so far.
func (c *fakeConn) messages(t *testing.T) []comm.WsMessage {

	t.Helper()

	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]comm.WsMessage, 0, len(c.writes))
	for _, data := range c.writes {

		var msg comm.WsMessage
		require.Nil(t, json.Unmarshal(data, &msg))
		out = append(out, msg)
	}

	return out
}

// connectSite registers a fresh site with the room's next identifier.
func connectSite(t *testing.T, r *Room) (*comm.Site, *fakeConn) {

	t.Helper()

	conn := new(fakeConn)
	site := comm.NewSite(r.NextSiteID(), conn)
	require.Nil(t, r.Connect(site, 0))

	return site, conn
}

// presentSite connects a site and advertises its presence.
func presentSite(t *testing.T, r *Room, name string) (*comm.Site, *fakeConn) {

	t.Helper()

	site, conn := connectSite(t, r)
	require.Nil(t, r.ApplyPresence(comm.NewPresence(site.ID, name), site.ID))

	return site, conn
}

// insertAtHead builds a head-anchored insert owned by the given site.
func insertAtHead(counter uint32, siteID uint32, char string) crdt.Event {

	return crdt.Event{
		Type: crdt.Insert,
		GID:  crdt.GlobalID{Counter: counter, SiteID: siteID},
		Char: char,
	}
}

// TestNextSiteID verifies that identifiers start at 1, skip over every
// identifier seen in event gids, and are never reused while events
// referencing them remain in the log.
func TestNextSiteID(t *testing.T) {

	r := NewRoom(log.NewNopLogger(), "test", testLimits)
	assert.Equal(t, uint32(1), r.NextSiteID())

	// Snapshot seeding uses the reserved id 0 and must not shift ids.
	r, err := FromText(log.NewNopLogger(), "test", "seeded", testLimits)
	require.Nil(t, err)
	assert.Equal(t, uint32(1), r.NextSiteID())

	site, _ := presentSite(t, r, "ada")
	assert.Equal(t, uint32(1), site.ID)
	assert.Equal(t, uint32(2), r.NextSiteID())

	require.Nil(t, r.ApplyEvents([]crdt.Event{insertAtHead(0, site.ID, "x")}, site.ID))
	r.Disconnect(site.ID)

	// The id lives on in the log, so it stays burned.
	assert.Equal(t, uint32(2), r.NextSiteID())
}

// TestFromTextRoundTrip verifies that a room built from a snapshot
// materializes the identical text.
func TestFromTextRoundTrip(t *testing.T) {

	text := "Hello, Wörld!\nsecond line"

	r, err := FromText(log.NewNopLogger(), "test", text, testLimits)
	require.Nil(t, err)

	assert.Equal(t, text, r.Materialize())
	assert.Equal(t, len([]rune(text)), r.EventsLen())
}

// TestConnectCatchUp verifies the initial log replay from an offset and
// the forwarding of peer presences to the newcomer.
func TestConnectCatchUp(t *testing.T) {

	r, err := FromText(log.NewNopLogger(), "test", "0123456789", testLimits)
	require.Nil(t, err)

	_, _ = presentSite(t, r, "ada")

	conn := new(fakeConn)
	site := comm.NewSite(r.NextSiteID(), conn)
	require.Nil(t, r.Connect(site, 4))

	msgs := conn.messages(t)
	require.True(t, len(msgs) >= 2)

	// First frame: the log from offset 4.
	require.Len(t, msgs[0].CrdtEvents, 6)
	assert.Equal(t, uint32(4), msgs[0].CrdtEvents[0].GID.Counter)
	assert.Equal(t, uint32(9), msgs[0].CrdtEvents[5].GID.Counter)

	// Second frame: the present peer's cached presence.
	require.NotNil(t, msgs[1].SitePresence)
	assert.Equal(t, "ada", msgs[1].SitePresence.Name)

	// Offsets beyond the log yield an empty catch-up batch.
	far := comm.NewSite(r.NextSiteID(), new(fakeConn))
	require.Nil(t, r.Connect(far, 10_000))
}

// TestJoinAssignsUniqueIDs verifies that concurrent joiners never
// collide on a site identifier.
func TestJoinAssignsUniqueIDs(t *testing.T) {

	r := NewRoom(log.NewNopLogger(), "test", testLimits)

	var wg sync.WaitGroup
	ids := make(chan uint32, testLimits.SitesLimit)

	for i := 0; i < testLimits.SitesLimit; i++ {

		wg.Add(1)
		go func() {

			defer wg.Done()

			site, err := r.Join(new(fakeConn), 0)
			if assert.Nil(t, err) {
				ids <- site.ID
			}
		}()
	}

	wg.Wait()
	close(ids)

	seen := make(map[uint32]bool)
	for id := range ids {
		assert.False(t, seen[id], "site id %d assigned twice", id)
		seen[id] = true
	}

	assert.Len(t, seen, testLimits.SitesLimit)
	assert.Equal(t, testLimits.SitesLimit, r.SitesLen())
}

// TestJoinRejectionLeavesCohortIntact verifies that a refused join and
// its teardown leave the established sites untouched.
func TestJoinRejectionLeavesCohortIntact(t *testing.T) {

	limits := Limits{EventsLimit: 1000, SitesLimit: 1, DocumentLengthLimit: 1000}
	r := NewRoom(log.NewNopLogger(), "test", limits)

	winner, winnerConn := joinSite(t, r)

	loser, err := r.Join(new(fakeConn), 0)
	assert.Equal(t, ErrRoomFull, errors.Cause(err))
	assert.Nil(t, loser)

	// The established session survives the rejected join untouched.
	assert.Equal(t, 1, r.SitesLen())
	assert.True(t, winner.IsAlive())

	winnerConn.mu.Lock()
	closed := winnerConn.closed
	winnerConn.mu.Unlock()
	assert.Equal(t, 0, closed)
}

// joinSite joins a fresh transport and fails the test on rejection.
func joinSite(t *testing.T, r *Room) (*comm.Site, *fakeConn) {

	t.Helper()

	conn := new(fakeConn)
	site, err := r.Join(conn, 0)
	require.Nil(t, err)

	return site, conn
}

// TestJoinDropsSiteOnDeadTransport verifies that a transport failing
// during catch-up never leaves a half-registered site behind.
func TestJoinDropsSiteOnDeadTransport(t *testing.T) {

	r := NewRoom(log.NewNopLogger(), "test", testLimits)

	conn := new(fakeConn)
	conn.fail = true

	_, err := r.Join(conn, 0)
	assert.NotNil(t, err)
	assert.Equal(t, 0, r.SitesLen())
}

// TestConnectStrict verifies the strict lifecycle checks on connect.
func TestConnectStrict(t *testing.T) {

	r := NewRoom(log.NewNopLogger(), "test", testLimits)

	site, _ := connectSite(t, r)

	err := r.Connect(comm.NewSite(site.ID, new(fakeConn)), 0)
	assert.Equal(t, ErrAlreadyConnected, errors.Cause(err))

	for r.SitesLen() < testLimits.SitesLimit {
		connectSite(t, r)
	}

	err = r.Connect(comm.NewSite(r.NextSiteID(), new(fakeConn)), 0)
	assert.Equal(t, ErrRoomFull, errors.Cause(err))
}

// TestApplyEventsGate verifies the PRESENT gate and the insert ownership
// check.
func TestApplyEventsGate(t *testing.T) {

	r := NewRoom(log.NewNopLogger(), "test", testLimits)

	err := r.ApplyEvents([]crdt.Event{insertAtHead(0, 9, "x")}, 9)
	assert.Equal(t, ErrNotConnected, errors.Cause(err))

	site, _ := connectSite(t, r)

	err = r.ApplyEvents([]crdt.Event{insertAtHead(0, site.ID, "x")}, site.ID)
	assert.Equal(t, ErrNoPresence, errors.Cause(err))

	require.Nil(t, r.ApplyPresence(comm.NewPresence(site.ID, "ada"), site.ID))

	err = r.ApplyEvents([]crdt.Event{insertAtHead(0, site.ID+1, "x")}, site.ID)
	assert.Equal(t, ErrWrongSite, errors.Cause(err))

	require.Nil(t, r.ApplyEvents([]crdt.Event{insertAtHead(0, site.ID, "x")}, site.ID))
	assert.Equal(t, "x", r.Materialize())
}

// TestApplyPresenceWrongSite verifies that a presence must carry its
// sender's identifier.
func TestApplyPresenceWrongSite(t *testing.T) {

	r := NewRoom(log.NewNopLogger(), "test", testLimits)
	site, _ := connectSite(t, r)

	err := r.ApplyPresence(comm.NewPresence(site.ID+1, "eve"), site.ID)
	assert.Equal(t, ErrWrongSite, errors.Cause(err))
}

// TestLogFull verifies that a batch overshooting the hard cap is refused
// as a whole and leaves the log untouched.
func TestLogFull(t *testing.T) {

	limits := Limits{EventsLimit: 100, SitesLimit: 4, DocumentLengthLimit: 1000}

	r, err := FromText(log.NewNopLogger(), "test", strings.Repeat("a", 99), limits)
	require.Nil(t, err)

	site, _ := presentSite(t, r, "ada")

	batch := []crdt.Event{
		insertAtHead(0, site.ID, "x"),
		insertAtHead(1, site.ID, "y"),
	}

	err = r.ApplyEvents(batch, site.ID)
	assert.Equal(t, ErrLogFull, errors.Cause(err))
	assert.Equal(t, 99, r.EventsLen())

	// A batch of exactly one still fits.
	require.Nil(t, r.ApplyEvents(batch[:1], site.ID))
	assert.Equal(t, 100, r.EventsLen())
}

// TestBroadcastExclusion verifies that a sender never receives the echo
// of its own events but does receive the echo of its own presence.
func TestBroadcastExclusion(t *testing.T) {

	r := NewRoom(log.NewNopLogger(), "test", testLimits)

	alice, aliceConn := presentSite(t, r, "alice")
	_, bobConn := presentSite(t, r, "bob")

	aliceFrames := len(aliceConn.messages(t))
	bobFrames := len(bobConn.messages(t))

	require.Nil(t, r.ApplyEvents([]crdt.Event{insertAtHead(0, alice.ID, "x")}, alice.ID))

	assert.Len(t, aliceConn.messages(t), aliceFrames, "sender must not receive its own events")

	bobMsgs := bobConn.messages(t)
	require.Len(t, bobMsgs, bobFrames+1)
	require.Len(t, bobMsgs[bobFrames].CrdtEvents, 1)
	assert.Equal(t, "x", bobMsgs[bobFrames].CrdtEvents[0].Char)

	// Presence echoes back to the sender as well.
	require.Nil(t, r.ApplyPresence(comm.NewPresence(alice.ID, "alice2"), alice.ID))

	aliceMsgs := aliceConn.messages(t)
	require.Len(t, aliceMsgs, aliceFrames+1)
	require.NotNil(t, aliceMsgs[aliceFrames].SitePresence)
	assert.Equal(t, "alice2", aliceMsgs[aliceFrames].SitePresence.Name)
}

// TestApplyEmptyBatch verifies that an empty batch neither grows the
// log nor reaches any peer as a payload-less frame.
func TestApplyEmptyBatch(t *testing.T) {

	r := NewRoom(log.NewNopLogger(), "test", testLimits)

	alice, _ := presentSite(t, r, "alice")
	_, bobConn := presentSite(t, r, "bob")

	before := len(bobConn.messages(t))

	require.Nil(t, r.ApplyEvents([]crdt.Event{}, alice.ID))
	require.Nil(t, r.ApplyEvents(nil, alice.ID))

	assert.Equal(t, 0, r.EventsLen())
	assert.Len(t, bobConn.messages(t), before)
}

// TestDisconnectBroadcast verifies the departure announcement and the
// no-op on unknown identifiers.
func TestDisconnectBroadcast(t *testing.T) {

	r := NewRoom(log.NewNopLogger(), "test", testLimits)

	alice, _ := connectSite(t, r)
	_, bobConn := connectSite(t, r)

	before := len(bobConn.messages(t))

	r.Disconnect(alice.ID)

	msgs := bobConn.messages(t)
	require.Len(t, msgs, before+1)
	require.NotNil(t, msgs[before].SiteDisconnected)
	assert.Equal(t, alice.ID, msgs[before].SiteDisconnected.SiteID)

	// Unknown ids are ignored.
	r.Disconnect(999)
	assert.Equal(t, 1, r.SitesLen())
}

// TestBroadcastPrunesDeadSites verifies that a failing transport drops
// only the affected site while the rest of the cohort keeps being
// served, including the departure announcement.
func TestBroadcastPrunesDeadSites(t *testing.T) {

	r := NewRoom(log.NewNopLogger(), "test", testLimits)

	_, aliceConn := connectSite(t, r)
	bob, bobConn := connectSite(t, r)
	_, carolConn := connectSite(t, r)

	bobConn.mu.Lock()
	bobConn.fail = true
	bobConn.mu.Unlock()

	before := len(carolConn.messages(t))

	r.Broadcast(&comm.WsMessage{CompactionRequired: true}, NoSender)

	assert.Equal(t, 2, r.SitesLen())

	carolMsgs := carolConn.messages(t)
	require.Len(t, carolMsgs, before+2)
	assert.True(t, carolMsgs[before].CompactionRequired)
	require.NotNil(t, carolMsgs[before+1].SiteDisconnected)
	assert.Equal(t, bob.ID, carolMsgs[before+1].SiteDisconnected.SiteID)

	aliceMsgs := aliceConn.messages(t)
	assert.True(t, aliceMsgs[len(aliceMsgs)-1].SiteDisconnected != nil)
}

// TestGCSites verifies that sites with dead transports are collected.
func TestGCSites(t *testing.T) {

	r := NewRoom(log.NewNopLogger(), "test", testLimits)

	alice, _ := connectSite(t, r)
	_, bobConn := connectSite(t, r)

	alice.Close()
	r.GCSites()

	assert.Equal(t, 1, r.SitesLen())

	msgs := bobConn.messages(t)
	require.NotEmpty(t, msgs)
	last := msgs[len(msgs)-1]
	require.NotNil(t, last.SiteDisconnected)
	assert.Equal(t, alice.ID, last.SiteDisconnected.SiteID)
}
