// Package metrics exports cache and arena statistics to Prometheus.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/garethgeorge/afina/internal/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "afina"

type StatsSource interface {
	Stats() storage.Stats
}

type metric struct {
	desc  *prometheus.Desc
	kind  prometheus.ValueType
	value func(storage.Stats) float64
}

// Collector reads a fresh storage.Stats snapshot on every scrape.
type Collector struct {
	source  StatsSource
	metrics []metric
}

var _ prometheus.Collector = (*Collector)(nil)

func NewCollector(source StatsSource) *Collector {
	counter := func(name, help string, v func(storage.Stats) uint64) metric {
		return metric{
			desc:  prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, nil, nil),
			kind:  prometheus.CounterValue,
			value: func(s storage.Stats) float64 { return float64(v(s)) },
		}
	}
	gauge := func(name, help string, v func(storage.Stats) int) metric {
		return metric{
			desc:  prometheus.NewDesc(prometheus.BuildFQName(namespace, "arena", name), help, nil, nil),
			kind:  prometheus.GaugeValue,
			value: func(s storage.Stats) float64 { return float64(v(s)) },
		}
	}

	items := metric{
		desc:  prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "items"), "Number of stored items.", nil, nil),
		kind:  prometheus.GaugeValue,
		value: func(s storage.Stats) float64 { return float64(s.Entries) },
	}
	fragmentation := metric{
		desc: prometheus.NewDesc(prometheus.BuildFQName(namespace, "arena", "fragmentation_ratio"),
			"Share of free bytes outside the largest free run.", nil, nil),
		kind:  prometheus.GaugeValue,
		value: func(s storage.Stats) float64 { return s.Arena.Fragmentation() },
	}

	return &Collector{
		source: source,
		metrics: []metric{
			items,
			counter("get_hits_total", "Lookups that found their key.", func(s storage.Stats) uint64 { return s.Hits }),
			counter("get_misses_total", "Lookups that did not find their key.", func(s storage.Stats) uint64 { return s.Misses }),
			counter("evictions_total", "Items evicted to make room.", func(s storage.Stats) uint64 { return s.Evictions }),
			counter("compactions_total", "Arena compactions.", func(s storage.Stats) uint64 { return s.Compactions }),
			counter("out_of_memory_total", "Allocations that did not fit the arena.", func(s storage.Stats) uint64 { return s.OutOfMemory }),
			gauge("size_bytes", "Total arena size.", func(s storage.Stats) int { return s.Arena.ArenaBytes }),
			gauge("free_bytes", "Free bytes outside the handle table.", func(s storage.Stats) int { return s.Arena.FreeBytes }),
			gauge("free_runs", "Number of free runs.", func(s storage.Stats) int { return s.Arena.FreeRuns }),
			gauge("largest_free_bytes", "Size of the largest free run.", func(s storage.Stats) int { return s.Arena.LargestFree }),
			gauge("live_blocks", "Number of live allocations.", func(s storage.Stats) int { return s.Arena.LiveBlocks }),
			gauge("live_bytes", "Bytes held by live allocations.", func(s storage.Stats) int { return s.Arena.LiveBytes }),
			gauge("table_slots", "Handle table slots.", func(s storage.Stats) int { return s.Arena.TableSlots }),
			gauge("max_allocatable_bytes", "Largest allocation that currently fits.", func(s storage.Stats) int { return s.Arena.MaxAllocatable }),
			fragmentation,
		},
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range c.metrics {
		ch <- m.desc
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	stats := c.source.Stats()
	for _, m := range c.metrics {
		ch <- prometheus.MustNewConstMetric(m.desc, m.kind, m.value(stats))
	}
}

// Handler serves the metrics gathered by reg in the Prometheus text format.
func Handler(reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	return mux
}

// Serve exposes /metrics on ln until ctx is cancelled.
func Serve(ctx context.Context, ln net.Listener, reg *prometheus.Registry) error {
	srv := &http.Server{
		Handler:           Handler(reg),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving metrics: %w", err)
	}
	return nil
}
