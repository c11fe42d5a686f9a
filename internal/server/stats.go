package server

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"offline0/internal/logging"
	"offline0/internal/store"
	"offline0/internal/strategy"
)

// Stats counts served responses by source and tracks their sizes.
type Stats struct {
	totalResponses atomic.Uint64
	totalRespBytes atomic.Uint64
	minRespBytes   atomic.Uint64
	maxRespBytes   atomic.Uint64

	mu       sync.Mutex
	bySource map[strategy.Source]uint64
}

func NewStats() *Stats {
	s := &Stats{bySource: map[strategy.Source]uint64{}}
	s.minRespBytes.Store(math.MaxUint64)
	return s
}

func (s *Stats) Observe(src strategy.Source, respBytes int) {
	if respBytes < 0 {
		respBytes = 0
	}
	n := uint64(respBytes)

	s.totalResponses.Add(1)
	s.totalRespBytes.Add(n)

	for {
		cur := s.minRespBytes.Load()
		if n >= cur || s.minRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxRespBytes.Load()
		if n <= cur || s.maxRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}

	s.mu.Lock()
	s.bySource[src]++
	s.mu.Unlock()
}

type StatsSnapshot struct {
	TotalResponses uint64
	TotalRespBytes uint64
	MinRespBytes   uint64
	MaxRespBytes   uint64
	AvgRespBytes   uint64
	BySource       map[strategy.Source]uint64
}

func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	by := make(map[strategy.Source]uint64, len(s.bySource))
	for k, v := range s.bySource {
		by[k] = v
	}
	s.mu.Unlock()

	count := s.totalResponses.Load()
	if count == 0 {
		return StatsSnapshot{BySource: by}
	}
	total := s.totalRespBytes.Load()
	minv := s.minRespBytes.Load()
	if minv == math.MaxUint64 {
		minv = 0
	}
	return StatsSnapshot{
		TotalResponses: count,
		TotalRespBytes: total,
		MinRespBytes:   minv,
		MaxRespBytes:   s.maxRespBytes.Load(),
		AvgRespBytes:   total / count,
		BySource:       by,
	}
}

type sizer interface {
	TotalSize() int64
}

// Run logs a stats line every interval until ctx is done. Backends that
// report their size (memory, leveldb) add it to the line.
func (s *Stats) Run(ctx context.Context, every time.Duration, backend store.Backend, log *zap.Logger) {
	if every <= 0 {
		return
	}
	log = logging.OrNop(log).With(zap.String("component", "stats"))
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			log.Info("stats", s.fields(ctx, backend)...)
		}
	}
}

func (s *Stats) fields(ctx context.Context, backend store.Backend) []zap.Field {
	ss := s.Snapshot()
	fields := []zap.Field{
		zap.Uint64("responses", ss.TotalResponses),
		zap.String("resp", formatBytes(ss.MinRespBytes)+"/"+formatBytes(ss.AvgRespBytes)+"/"+formatBytes(ss.MaxRespBytes)),
		zap.String("sources", formatSources(ss.BySource)),
	}
	if backend != nil {
		if names, err := backend.ListStoreNames(ctx); err == nil {
			fields = append(fields, zap.Int("stores", len(names)))
		}
		if sz, ok := backend.(sizer); ok {
			fields = append(fields, zap.String("cached", formatBytes(uint64(sz.TotalSize()))))
		}
	}
	if rss, ok := processRSSBytes(); ok {
		fields = append(fields, zap.String("rss", formatBytes(rss)))
	}
	if vals, ok := processSmapsRollupBytes(); ok {
		fields = append(fields, zap.String("anon", formatBytes(vals["Anonymous"])))
	}
	return fields
}

func formatSources(by map[strategy.Source]uint64) string {
	keys := make([]string, 0, len(by))
	for k := range by {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, by[strategy.Source(k)]))
	}
	return strings.Join(parts, " ")
}

func formatBytes(b uint64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	if b < kb {
		return fmt.Sprintf("%db", b)
	}
	if b < mb {
		return trimFloat(fmt.Sprintf("%.1f", float64(b)/kb)) + "kb"
	}
	if b < gb {
		return trimFloat(fmt.Sprintf("%.1f", float64(b)/mb)) + "mb"
	}
	return trimFloat(fmt.Sprintf("%.1f", float64(b)/gb)) + "gb"
}

func trimFloat(s string) string {
	return strings.TrimSuffix(strings.TrimSpace(s), ".0")
}
