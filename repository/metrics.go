package repository

import (
	"context"

	"github.com/go-kit/kit/metrics"

	"github.com/marnikitta/livecoding/room"
)

type metricsService struct {
	service   Service
	created   metrics.Counter
	loaded    metrics.Counter
	compacted metrics.Counter
	purged    metrics.Counter
}

func NewMetricsService(s Service, created metrics.Counter, loaded metrics.Counter, compacted metrics.Counter, purged metrics.Counter) Service {
	return &metricsService{
		service:   s,
		created:   created,
		loaded:    loaded,
		compacted: compacted,
		purged:    purged,
	}
}

func (s *metricsService) Create() *room.Room {

	r := s.service.Create()
	s.created.Add(1)

	return r
}

func (s *metricsService) Claim(roomID string) {
	s.service.Claim(roomID)
}

func (s *metricsService) Exists(roomID string) bool {
	return s.service.Exists(roomID)
}

func (s *metricsService) Get(roomID string) (*room.Room, error) {

	r, err := s.service.Get(roomID)

	if err == nil {
		s.loaded.Add(1)
	}

	return r, err
}

func (s *metricsService) Flush(r *room.Room) error {
	return s.service.Flush(r)
}

func (s *metricsService) FlushAll() {
	s.service.FlushAll()
}

func (s *metricsService) Offload(roomID string) {
	s.service.Offload(roomID)
}

func (s *metricsService) GC() {
	s.service.GC()
}

func (s *metricsService) TryCompact(roomID string) bool {

	ok := s.service.TryCompact(roomID)

	if ok {
		s.compacted.Add(1)
	}

	return ok
}

func (s *metricsService) Compact(roomID string) {
	s.service.Compact(roomID)
	s.compacted.Add(1)
}

func (s *metricsService) PurgeStaleRooms() int {

	purged := s.service.PurgeStaleRooms()
	s.purged.Add(float64(purged))

	return purged
}

func (s *metricsService) TotalRooms(bucket int64) int {
	return s.service.TotalRooms(bucket)
}

func (s *metricsService) ActiveRooms() int {
	return s.service.ActiveRooms()
}

func (s *metricsService) ActiveSites() int {
	return s.service.ActiveSites()
}

func (s *metricsService) RunFlushLoop(ctx context.Context) {
	s.service.RunFlushLoop(ctx)
}

func (s *metricsService) RunPurgeLoop(ctx context.Context) {
	s.service.RunPurgeLoop(ctx)
}
