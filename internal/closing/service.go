package closing

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"fechamento/internal/cache"
	"fechamento/internal/core"

	"golang.org/x/sync/singleflight"
)

// SnapshotLoader reads everything a closing needs in one consistent read.
type SnapshotLoader interface {
	LoadSnapshot(ctx context.Context, orgID string, r core.DateRange) (core.Snapshot, error)
}

// Service serves closings from a cache, loading one snapshot per miss.
// Concurrent identical requests share a single load.
//
// Every Invalidate bumps the epoch of its organization. A load only caches
// its result when the epoch is unchanged since the load began, and loads
// started in different epochs are never shared.
type Service struct {
	loader SnapshotLoader
	cache  cache.Cache[MonthlyClosing]
	group  singleflight.Group

	mu     sync.Mutex
	epochs map[string]uint64
}

func NewService(loader SnapshotLoader, c cache.Cache[MonthlyClosing]) *Service {
	return &Service{loader: loader, cache: c, epochs: map[string]uint64{}}
}

// NewCachedService builds a Service over a fresh LRU cache.
func NewCachedService(loader SnapshotLoader, size int, ttl time.Duration) (*Service, *cache.LRUCache[MonthlyClosing]) {
	lru := cache.NewLRUCache[MonthlyClosing](size, ttl)
	return NewService(loader, lru), lru
}

func key(orgID string, year, month int) string {
	return fmt.Sprintf("%s/%04d/%02d", orgID, year, month)
}

func (s *Service) epoch(orgID string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epochs[orgID]
}

// store caches c under k unless orgID was invalidated after epoch was read.
func (s *Service) store(orgID string, epoch uint64, k string, c MonthlyClosing) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epochs[orgID] != epoch {
		return false
	}
	s.cache.Set(k, c)
	return true
}

// Monthly returns the closing of orgID for year-month.
func (s *Service) Monthly(ctx context.Context, orgID string, year, month int) (MonthlyClosing, error) {
	k := key(orgID, year, month)
	if c, ok := s.cache.Get(k); ok {
		slog.DebugContext(ctx, "Closing cache hit", "key", k)
		return c, nil
	}

	epoch := s.epoch(orgID)
	v, err, shared := s.group.Do(fmt.Sprintf("%s@%d", k, epoch), func() (any, error) {
		snap, err := s.loader.LoadSnapshot(ctx, orgID, SnapshotRange(year, month))
		if err != nil {
			return MonthlyClosing{}, fmt.Errorf("load snapshot: %w", err)
		}
		c, err := Compute(snap, year, month)
		if err != nil {
			return MonthlyClosing{}, err
		}
		if !s.store(orgID, epoch, k, c) {
			slog.DebugContext(ctx, "Closing invalidated during load, not cached", "key", k)
		}
		return c, nil
	})
	if err != nil {
		slog.ErrorContext(ctx, "Failed to compute closing",
			"org_id", orgID,
			"year", year,
			"month", month,
			"error", err)
		return MonthlyClosing{}, err
	}
	if shared {
		slog.DebugContext(ctx, "Closing computation shared", "key", k)
	}
	return v.(MonthlyClosing), nil
}

// Yearly returns the closings of year up to the month of today, computed
// from one snapshot covering the whole year.
func (s *Service) Yearly(ctx context.Context, orgID string, year int, today core.Date) ([]MonthlyClosing, error) {
	n := Months(year, today)
	out := make([]MonthlyClosing, 0, n)
	if n == 0 {
		return out, nil
	}

	allCached := true
	for month := 1; month <= n; month++ {
		c, ok := s.cache.Get(key(orgID, year, month))
		if !ok {
			allCached = false
			break
		}
		out = append(out, c)
	}
	if allCached {
		return out, nil
	}

	epoch := s.epoch(orgID)
	k := fmt.Sprintf("%s/%04d/series/%02d@%d", orgID, year, n, epoch)
	v, err, _ := s.group.Do(k, func() (any, error) {
		snap, err := s.loader.LoadSnapshot(ctx, orgID, SeriesRange(year))
		if err != nil {
			return nil, fmt.Errorf("load snapshot: %w", err)
		}
		series := make([]MonthlyClosing, 0, n)
		for c, err := range Series(snap, year, today) {
			if err != nil {
				return nil, fmt.Errorf("closing %04d-%02d: %w", year, len(series)+1, err)
			}
			s.store(orgID, epoch, key(orgID, year, c.Month), c)
			series = append(series, c)
		}
		return series, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]MonthlyClosing), nil
}

// Invalidate drops the cached closing of one month. A zero month drops the
// whole year and a zero year drops everything cached for orgID. Loads of
// orgID already in flight are not cached and not shared with later calls.
func (s *Service) Invalidate(orgID string, year, month int) int {
	s.mu.Lock()
	s.epochs[orgID]++
	s.mu.Unlock()

	switch {
	case year == 0:
		return s.cache.DeletePrefix(orgID + "/")
	case month == 0:
		return s.cache.DeletePrefix(fmt.Sprintf("%s/%04d/", orgID, year))
	default:
		k := key(orgID, year, month)
		_, ok := s.cache.Get(k)
		s.cache.Delete(k)
		if ok {
			return 1
		}
		return 0
	}
}
