package feed

import (
	"context"
	"time"

	"go.uber.org/zap"

	"feedsync/internal/instrument"
	"feedsync/internal/model"
)

// MasterWatcher is a contract-master source that records when each segment
// was last replaced.
type MasterWatcher interface {
	instrument.MasterSource
	LoadedAt(ctx context.Context, seg model.Segment) (time.Time, int, error)
}

// masterVersions reads the current load stamp of every running segment.
func (s *Service) masterVersions(ctx context.Context, src MasterWatcher) map[model.Segment]time.Time {
	seen := make(map[model.Segment]time.Time, len(s.cfg.Segments))
	for _, seg := range s.Segments() {
		at, _, err := src.LoadedAt(ctx, seg)
		if err != nil {
			s.logger.Warn("contract master stamp unavailable", zap.Stringer("segment", seg), zap.Error(err))
			continue
		}
		seen[seg] = at
	}
	return seen
}

// pollMaster reinitializes every segment whose master was replaced since
// seen and records the new stamps. It returns the number of reloads.
func (s *Service) pollMaster(ctx context.Context, src MasterWatcher, seen map[model.Segment]time.Time) int {
	reloaded := 0
	for _, seg := range s.Segments() {
		at, rows, err := src.LoadedAt(ctx, seg)
		if err != nil {
			s.logger.Warn("contract master stamp unavailable", zap.Stringer("segment", seg), zap.Error(err))
			continue
		}
		if prev, ok := seen[seg]; ok && at.Equal(prev) {
			continue
		}
		if err := s.ReloadFrom(ctx, src, seg); err != nil {
			s.logger.Error("contract master reload failed, keeping old index",
				zap.Stringer("segment", seg), zap.Int("rows", rows), zap.Error(err))
			continue
		}
		seen[seg] = at
		reloaded++
	}
	return reloaded
}

// WatchMaster polls src every interval and reinitializes each segment whose
// contract master has been replaced since the service was built. It returns
// when ctx is cancelled.
func (s *Service) WatchMaster(ctx context.Context, src MasterWatcher, interval time.Duration) {
	if interval <= 0 {
		return
	}
	seen := s.masterVersions(ctx, src)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pollMaster(ctx, src, seen)
		}
	}
}
