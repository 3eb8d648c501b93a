package main

import (
	"net/http"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type LivecodingMetrics struct {
	Repository *RepositoryMetrics
}

type RepositoryMetrics struct {
	RoomsCreated    metrics.Counter
	RoomsLoaded     metrics.Counter
	RoomsCompacted  metrics.Counter
	SnapshotsPurged metrics.Counter
}

func NewLivecodingMetrics(prometheusAddr string) *LivecodingMetrics {

	m := &LivecodingMetrics{}

	if prometheusAddr == "" {
		m.Repository = &RepositoryMetrics{
			RoomsCreated:    discard.NewCounter(),
			RoomsLoaded:     discard.NewCounter(),
			RoomsCompacted:  discard.NewCounter(),
			SnapshotsPurged: discard.NewCounter(),
		}
	} else {
		m.Repository = &RepositoryMetrics{
			RoomsCreated: prometheus.NewCounterFrom(prom.CounterOpts{
				Namespace: "livecoding",
				Subsystem: "repository",
				Name:      "rooms_created_total",
				Help:      "Number of rooms created",
			}, nil),
			RoomsLoaded: prometheus.NewCounterFrom(prom.CounterOpts{
				Namespace: "livecoding",
				Subsystem: "repository",
				Name:      "rooms_loaded_total",
				Help:      "Number of rooms loaded from disk",
			}, nil),
			RoomsCompacted: prometheus.NewCounterFrom(prom.CounterOpts{
				Namespace: "livecoding",
				Subsystem: "repository",
				Name:      "rooms_compacted_total",
				Help:      "Number of room compactions",
			}, nil),
			SnapshotsPurged: prometheus.NewCounterFrom(prom.CounterOpts{
				Namespace: "livecoding",
				Subsystem: "repository",
				Name:      "snapshots_purged_total",
				Help:      "Number of stale snapshots removed",
			}, nil),
		}
	}

	return m
}

func runPromHTTP(logger log.Logger, addr string) {

	if addr == "" {
		level.Debug(logger).Log("msg", "prometheus addr is empty, not exposing prometheus metrics")
		return
	}

	http.Handle("/metrics", promhttp.HandlerFor(prom.DefaultGatherer, promhttp.HandlerOpts{}))

	level.Info(logger).Log("msg", "prometheus handler listening", "addr", addr)
	if err := http.ListenAndServe(addr, nil); err != nil {
		level.Warn(logger).Log("msg", "failed to serve prometheus metrics", "err", err)
	}
}
