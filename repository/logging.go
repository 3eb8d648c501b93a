package repository

import (
	"context"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"

	"github.com/marnikitta/livecoding/room"
)

type loggingService struct {
	logger  log.Logger
	service Service
}

// NewLoggingService wraps a provided existing
// service with the provided logger.
func NewLoggingService(s Service, logger log.Logger) Service {
	return &loggingService{logger, s}
}

// Create wraps this service's Create method with
// added logging capabilities.
func (s *loggingService) Create() *room.Room {

	r := s.service.Create()

	level.Info(s.logger).Log(
		"msg", "created new room",
		"method", "Create",
		"room", r.ID,
	)

	return r
}

func (s *loggingService) Claim(roomID string) {
	s.service.Claim(roomID)
	level.Debug(s.logger).Log("method", "Claim", "room", roomID)
}

func (s *loggingService) Exists(roomID string) bool {
	return s.service.Exists(roomID)
}

// Get wraps this service's Get method with
// added logging capabilities.
func (s *loggingService) Get(roomID string) (*room.Room, error) {

	r, err := s.service.Get(roomID)

	logger := log.With(s.logger,
		"method", "Get",
		"room", roomID,
	)

	if err != nil {
		level.Info(logger).Log("msg", "failed to load room", "err", err)
	} else {
		level.Debug(logger).Log()
	}

	return r, err
}

func (s *loggingService) Flush(r *room.Room) error {
	return s.service.Flush(r)
}

func (s *loggingService) FlushAll() {
	s.service.FlushAll()
}

// Offload wraps this service's Offload method with
// added logging capabilities.
func (s *loggingService) Offload(roomID string) {

	s.service.Offload(roomID)

	level.Debug(s.logger).Log(
		"method", "Offload",
		"room", roomID,
	)
}

func (s *loggingService) GC() {
	s.service.GC()
}

func (s *loggingService) TryCompact(roomID string) bool {
	return s.service.TryCompact(roomID)
}

func (s *loggingService) Compact(roomID string) {
	s.service.Compact(roomID)
}

// PurgeStaleRooms wraps this service's PurgeStaleRooms
// method with added logging capabilities.
func (s *loggingService) PurgeStaleRooms() int {

	purged := s.service.PurgeStaleRooms()

	if purged > 0 {
		level.Info(s.logger).Log(
			"msg", "purged stale rooms",
			"method", "PurgeStaleRooms",
			"purged", purged,
		)
	}

	return purged
}

func (s *loggingService) TotalRooms(bucket int64) int {
	return s.service.TotalRooms(bucket)
}

func (s *loggingService) ActiveRooms() int {
	return s.service.ActiveRooms()
}

func (s *loggingService) ActiveSites() int {
	return s.service.ActiveSites()
}

func (s *loggingService) RunFlushLoop(ctx context.Context) {
	s.service.RunFlushLoop(ctx)
	level.Info(s.logger).Log("msg", "flush loop stopped")
}

func (s *loggingService) RunPurgeLoop(ctx context.Context) {
	s.service.RunPurgeLoop(ctx)
	level.Info(s.logger).Log("msg", "purge loop stopped")
}
