package vision

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"runtime"
	"sync"

	"visual-waypoint-nav/models"
	"visual-waypoint-nav/utils"

	"github.com/mdobak/go-xerrors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// SnapshotSource loads the reference image of a waypoint. Missing or
// undecodable snapshots are reported wrapped in ErrSnapshotUnavailable.
type SnapshotSource interface {
	LoadSnapshot(ctx context.Context, wp models.Waypoint) (image.Image, error)
}

// SnapshotCache memoizes the FeatureSet of every waypoint snapshot for the
// lifetime of a mission. Entries are never evicted; after Release the cache
// refuses all lookups.
type SnapshotCache struct {
	source    SnapshotSource
	extractor FeatureExtractor
	logger    *slog.Logger

	group    singleflight.Group
	mu       sync.RWMutex
	entries  map[string]FeatureSet
	released bool
}

func NewSnapshotCache(source SnapshotSource, extractor FeatureExtractor) *SnapshotCache {
	return &SnapshotCache{
		source:    source,
		extractor: extractor,
		logger:    utils.GetLogger(),
		entries:   make(map[string]FeatureSet),
	}
}

// Get returns the cached FeatureSet for wp, computing it on first access.
func (c *SnapshotCache) Get(ctx context.Context, wp models.Waypoint) (FeatureSet, error) {
	c.mu.RLock()
	if c.released {
		c.mu.RUnlock()
		return FeatureSet{}, ErrCacheReleased
	}
	set, ok := c.entries[wp.ID]
	c.mu.RUnlock()
	if ok {
		return set, nil
	}

	v, err, _ := c.group.Do(wp.ID, func() (interface{}, error) {
		c.mu.RLock()
		cached, ok := c.entries[wp.ID]
		c.mu.RUnlock()
		if ok {
			return cached, nil
		}

		computed, err := c.compute(ctx, wp)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		if c.released {
			return nil, ErrCacheReleased
		}
		c.entries[wp.ID] = computed
		return computed, nil
	})
	if err != nil {
		return FeatureSet{}, err
	}
	return v.(FeatureSet), nil
}

func (c *SnapshotCache) compute(ctx context.Context, wp models.Waypoint) (FeatureSet, error) {
	img, err := c.source.LoadSnapshot(ctx, wp)
	if errors.Is(err, ErrSnapshotUnavailable) {
		c.logger.WarnContext(ctx, "snapshot unavailable, caching empty feature set",
			slog.String("waypoint", wp.ID),
			slog.Any("error", xerrors.New(err)),
		)
		return FeatureSet{}, nil
	}
	if err != nil {
		return FeatureSet{}, fmt.Errorf("loading snapshot for waypoint %s: %w", wp.ID, err)
	}

	set, err := c.extractor.Extract(ctx, img)
	if errors.Is(err, ErrNoFeatures) {
		set, err = FeatureSet{}, nil
	}
	if err != nil {
		return FeatureSet{}, fmt.Errorf("extracting features for waypoint %s: %w", wp.ID, err)
	}
	if set.Empty() {
		c.logger.WarnContext(ctx, "snapshot has no features", slog.String("waypoint", wp.ID))
	} else {
		c.logger.DebugContext(ctx, "cached snapshot features",
			slog.String("waypoint", wp.ID),
			slog.Int("features", set.Len()),
		)
	}
	return set, nil
}

// Warm computes the feature sets of every waypoint after the start in parallel.
func (c *SnapshotCache) Warm(ctx context.Context, waypoints []models.Waypoint) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for _, wp := range waypoints {
		if wp.OrderIndex == 0 {
			continue
		}
		wp := wp
		g.Go(func() error {
			_, err := c.Get(ctx, wp)
			return err
		})
	}
	return g.Wait()
}

// Release drops every entry. Later lookups return ErrCacheReleased.
func (c *SnapshotCache) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = nil
	c.released = true
}

func (c *SnapshotCache) Released() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.released
}

func (c *SnapshotCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
