package repository

import (
	"compress/gzip"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"

	"github.com/marnikitta/livecoding/comm"
	"github.com/marnikitta/livecoding/config"
	"github.com/marnikitta/livecoding/room"
	"github.com/marnikitta/livecoding/utils"
)

// Variables

// ErrRoomNotFound is returned by Get for rooms that exist neither in
// memory nor on disk.
var ErrRoomNotFound = errors.New("room does not exist")

// Constants

// snapshotSuffix is the on-disk extension of room snapshots: gzipped
// UTF-8 text, one file per room.
const snapshotSuffix = ".txt.gz"

// purgeInterval paces the TTL purge loop.
const purgeInterval = time.Hour

// Interfaces

// Service defines the room registry a livecoding process provides.
type Service interface {

	// Create allocates a fresh empty room under a generated phonetic id
	// and registers it. No file is written until the room is claimed.
	Create() *room.Room

	// Claim persists the initial snapshot of an in-memory room unless one
	// exists already. Keeping this separate from Create makes rooms that
	// nobody ever connects to cost no I/O.
	Claim(roomID string)

	// Exists reports whether the room is in memory or on disk.
	Exists(roomID string) bool

	// Get returns the in-memory room, loading and seeding it from its
	// snapshot first when necessary.
	Get(roomID string) (*room.Room, error)

	// Flush persists the room's materialized text unless nothing changed
	// since the last flush.
	Flush(r *room.Room) error

	// FlushAll flushes every live room, logging and continuing on
	// individual failures.
	FlushAll()

	// Offload flushes a room best-effort and drops it from memory.
	Offload(roomID string)

	// GC disconnects dead sites everywhere and offloads rooms that ended
	// up empty.
	GC()

	// TryCompact compacts the room once its event log exceeds the
	// compaction threshold. It reports whether compaction ran.
	TryCompact(roomID string) bool

	// Compact tells every site to resynchronize, disconnects them and
	// offloads the room. The next Get rebuilds it from its snapshot with
	// a tombstone-free log.
	Compact(roomID string)

	// PurgeStaleRooms removes snapshots untouched for longer than the
	// configured TTL and returns how many were removed.
	PurgeStaleRooms() int

	// TotalRooms counts the union of rooms on disk and in memory. The
	// count is memoized per time bucket.
	TotalRooms(bucket int64) int

	// ActiveRooms returns the number of rooms currently in memory.
	ActiveRooms() int

	// ActiveSites returns the number of sites connected across all rooms.
	ActiveSites() int

	// RunFlushLoop periodically flushes and GCs until the context is
	// cancelled.
	RunFlushLoop(ctx context.Context)

	// RunPurgeLoop purges stale snapshots once immediately and then every
	// hour until the context is cancelled.
	RunPurgeLoop(ctx context.Context)
}

// Structs

type service struct {
	logger log.Logger
	conf   *config.Config
	root   string
	limits room.Limits

	mu                sync.Mutex
	rooms             map[string]*room.Room
	eventsAtLastFlush map[string]int

	totalBucket int64
	totalCount  int
	totalValid  bool
}

// Functions

// NewService initializes the registry and creates the data root when it
// is absent.
func NewService(logger log.Logger, conf *config.Config) (Service, error) {

	if err := os.MkdirAll(conf.DataRoot, 0700); err != nil {
		return nil, errors.Wrapf(err, "failed to create data root at '%s'", conf.DataRoot)
	}

	return &service{
		logger: logger,
		conf:   conf,
		root:   conf.DataRoot,
		limits: room.Limits{
			EventsLimit:         conf.RoomEventsLimit,
			SitesLimit:          conf.RoomSitesLimit,
			DocumentLengthLimit: conf.DocumentLengthLimit,
		},
		rooms:             make(map[string]*room.Room),
		eventsAtLastFlush: make(map[string]int),
	}, nil
}

func (s *service) Create() *room.Room {

	s.mu.Lock()
	defer s.mu.Unlock()

	roomID := utils.GeneratePhoneticName(s.conf.RoomNameLength)
	r := room.NewRoom(s.logger, roomID, s.limits)
	s.rooms[roomID] = r

	return r
}

func (s *service) Claim(roomID string) {

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(s.roomPath(roomID)); err == nil {
		return
	}

	r, live := s.rooms[roomID]
	if !live {
		return
	}

	if err := s.flushLocked(r); err != nil {
		level.Warn(s.logger).Log("msg", "failed to claim room", "room", roomID, "err", err)
	}
}

func (s *service) Exists(roomID string) bool {

	s.mu.Lock()
	_, live := s.rooms[roomID]
	s.mu.Unlock()

	if live {
		return true
	}

	_, err := os.Stat(s.roomPath(roomID))

	return err == nil
}

func (s *service) Get(roomID string) (*room.Room, error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	if r, live := s.rooms[roomID]; live {
		return r, nil
	}

	text, err := s.readSnapshot(roomID)
	if err != nil {
		return nil, err
	}

	r, err := room.FromText(s.logger, roomID, text, s.limits)
	if err != nil {
		return nil, err
	}

	s.eventsAtLastFlush[roomID] = r.EventsLen()
	s.rooms[roomID] = r

	return r, nil
}

func (s *service) Flush(r *room.Room) error {

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.flushLocked(r)
}

func (s *service) FlushAll() {

	s.mu.Lock()
	defer s.mu.Unlock()

	for roomID, r := range s.rooms {

		if err := s.flushLocked(r); err != nil {
			level.Error(s.logger).Log("msg", "failed to flush room, ignoring it", "room", roomID, "err", err)
		}
	}
}

func (s *service) Offload(roomID string) {

	s.mu.Lock()
	defer s.mu.Unlock()

	s.offloadLocked(roomID)
}

func (s *service) GC() {

	s.mu.Lock()
	defer s.mu.Unlock()

	for roomID, r := range s.snapshotRoomsLocked() {
		s.gcRoomLocked(roomID, r)
	}
}

func (s *service) TryCompact(roomID string) bool {

	s.mu.Lock()
	defer s.mu.Unlock()

	r, live := s.rooms[roomID]
	if !live || r.EventsLen() <= s.conf.RoomCompactionThreshold {
		return false
	}

	s.compactLocked(roomID, r)

	return true
}

func (s *service) Compact(roomID string) {

	s.mu.Lock()
	defer s.mu.Unlock()

	if r, live := s.rooms[roomID]; live {
		s.compactLocked(roomID, r)
	}
}

func (s *service) PurgeStaleRooms() int {

	if s.conf.RoomTTLDays == 0 {
		return 0
	}

	ttl := time.Duration(s.conf.RoomTTLDays) * 24 * time.Hour
	now := time.Now()

	entries, err := os.ReadDir(s.root)
	if err != nil {
		level.Error(s.logger).Log("msg", "failed to list data root", "err", err)
		return 0
	}

	purged := 0
	for _, entry := range entries {

		if entry.IsDir() {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}

		age := now.Sub(info.ModTime())
		if age <= ttl {
			continue
		}

		if err := os.Remove(filepath.Join(s.root, entry.Name())); err != nil {
			level.Warn(s.logger).Log("msg", "failed to remove stale snapshot", "file", entry.Name(), "err", err)
			continue
		}

		level.Info(s.logger).Log(
			"msg", "removed stale room snapshot",
			"file", entry.Name(),
			"inactive_days", int(age.Hours()/24),
		)
		purged++
	}

	return purged
}

func (s *service) TotalRooms(bucket int64) int {

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.totalValid && s.totalBucket == bucket {
		return s.totalCount
	}

	known := make(map[string]struct{}, len(s.rooms))
	for roomID := range s.rooms {
		known[roomID] = struct{}{}
	}

	entries, err := os.ReadDir(s.root)
	if err != nil {
		level.Warn(s.logger).Log("msg", "failed to list data root", "err", err)
	}

	for _, entry := range entries {

		name := entry.Name()
		if strings.HasSuffix(name, snapshotSuffix) {
			known[strings.TrimSuffix(name, snapshotSuffix)] = struct{}{}
		}
	}

	s.totalBucket = bucket
	s.totalCount = len(known)
	s.totalValid = true

	return s.totalCount
}

func (s *service) ActiveRooms() int {

	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.rooms)
}

func (s *service) ActiveSites() int {

	s.mu.Lock()
	defer s.mu.Unlock()

	sites := 0
	for _, r := range s.rooms {
		sites += r.SitesLen()
	}

	return sites
}

func (s *service) RunFlushLoop(ctx context.Context) {

	ticker := time.NewTicker(time.Duration(s.conf.FlushInterval) * time.Second)
	defer ticker.Stop()

	for {

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.FlushAll()
			s.GC()
		}
	}
}

func (s *service) RunPurgeLoop(ctx context.Context) {

	s.PurgeStaleRooms()

	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()

	for {

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.PurgeStaleRooms()
		}
	}
}

// roomPath maps a room id to its snapshot location.
func (s *service) roomPath(roomID string) string {
	return filepath.Join(s.root, roomID+snapshotSuffix)
}

// readSnapshot reads and decompresses a room's on-disk snapshot.
func (s *service) readSnapshot(roomID string) (string, error) {

	file, err := os.Open(s.roomPath(roomID))
	if err != nil {

		if os.IsNotExist(err) {
			return "", errors.Wrapf(ErrRoomNotFound, "room %s", roomID)
		}

		return "", errors.Wrapf(err, "failed to open snapshot of room %s", roomID)
	}
	defer file.Close()

	gz, err := gzip.NewReader(file)
	if err != nil {
		return "", errors.Wrapf(err, "failed to decompress snapshot of room %s", roomID)
	}
	defer gz.Close()

	text, err := io.ReadAll(gz)
	if err != nil {
		return "", errors.Wrapf(err, "failed to read snapshot of room %s", roomID)
	}

	return string(text), nil
}

// flushLocked persists one room, skipping the write when the event count
// has not moved since the last flush. The snapshot is written to a
// temporary file first and renamed into place.
func (s *service) flushLocked(r *room.Room) error {

	count := r.EventsLen()
	if last, flushed := s.eventsAtLastFlush[r.ID]; flushed && last == count {
		level.Debug(s.logger).Log("msg", "skipping flush, no new events", "room", r.ID)
		return nil
	}

	start := time.Now()
	text := r.Materialize()

	if err := s.writeSnapshot(r.ID, text); err != nil {
		return err
	}

	s.eventsAtLastFlush[r.ID] = count
	level.Info(s.logger).Log(
		"msg", "persisted room to disk",
		"room", r.ID,
		"text_length", len(text),
		"took", time.Since(start),
	)

	return nil
}

// writeSnapshot gzips the text into a temporary file in the data root
// and renames it over the room's snapshot.
func (s *service) writeSnapshot(roomID string, text string) error {

	tmp, err := os.CreateTemp(s.root, roomID+".*.tmp")
	if err != nil {
		return errors.Wrapf(err, "failed to create temporary snapshot for room %s", roomID)
	}

	gz := gzip.NewWriter(tmp)

	if _, err := gz.Write([]byte(text)); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return errors.Wrapf(err, "failed to compress snapshot of room %s", roomID)
	}

	if err := gz.Close(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return errors.Wrapf(err, "failed to finish snapshot of room %s", roomID)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return errors.Wrapf(err, "failed to close snapshot of room %s", roomID)
	}

	if err := os.Rename(tmp.Name(), s.roomPath(roomID)); err != nil {
		os.Remove(tmp.Name())
		return errors.Wrapf(err, "failed to move snapshot of room %s into place", roomID)
	}

	return nil
}

// offloadLocked drops a room from memory after a best-effort flush. A
// failed flush does not block the removal.
func (s *service) offloadLocked(roomID string) {

	r, live := s.rooms[roomID]
	if !live {
		return
	}

	if err := s.flushLocked(r); err != nil {
		level.Error(s.logger).Log("msg", "failed to flush room, continuing with offload", "room", roomID, "err", err)
	}

	delete(s.rooms, roomID)
	delete(s.eventsAtLastFlush, roomID)
}

// gcRoomLocked is the per-room failure boundary of the GC cycle: one
// misbehaving room is offloaded defensively instead of stalling the
// loop.
func (s *service) gcRoomLocked(roomID string, r *room.Room) {

	defer func() {

		if rec := recover(); rec != nil {
			level.Error(s.logger).Log("msg", "failed to clean up room, offloading it", "room", roomID, "panic", rec)
			s.offloadLocked(roomID)
		}
	}()

	r.GCSites()

	if !r.HasActiveSites() {
		level.Info(s.logger).Log("msg", "room is empty, removing it from memory", "room", roomID)
		s.offloadLocked(roomID)
	}
}

// compactLocked forces every site to resynchronize and offloads the
// room. The reloaded room has a tombstone-free log seeded from the
// snapshot.
func (s *service) compactLocked(roomID string, r *room.Room) {

	level.Warn(s.logger).Log("msg", "compacting room", "room", roomID, "events", r.EventsLen())

	r.Broadcast(&comm.WsMessage{CompactionRequired: true}, room.NoSender)

	for _, siteID := range r.SiteIDs() {
		r.Disconnect(siteID)
	}

	s.offloadLocked(roomID)
}

// snapshotRoomsLocked copies the registry map so that callers can mutate
// it while iterating.
func (s *service) snapshotRoomsLocked() map[string]*room.Room {

	rooms := make(map[string]*room.Room, len(s.rooms))
	for roomID, r := range s.rooms {
		rooms[roomID] = r
	}

	return rooms
}
