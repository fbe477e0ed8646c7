package keep

import (
	"context"
	"fmt"
	"time"

	"github.com/juju/clock"
)

// RunRetentionSweep deletes every backup older than the retention window and
// returns the names it deleted. Age is checked again right before each
// delete, against the clock at that moment.
func (s *KeepService) RunRetentionSweep(ctx context.Context) ([]string, error) {
	lease, err := s.acquire(ctx, "sweep")
	if err != nil {
		return nil, err
	}
	defer s.release(lease)

	recs, err := s.catalog.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing catalog: %w", err)
	}

	var deleted []string
	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
		if !s.expired(rec.CreatedAt) {
			continue
		}
		if err := s.sweepOne(ctx, rec.Name); err != nil {
			return deleted, err
		}
		deleted = append(deleted, rec.Name)
	}
	s.logger.Info("retention sweep finished", "deleted", len(deleted), "max_age", s.opts.MaxAge)
	return deleted, nil
}

func (s *KeepService) sweepOne(ctx context.Context, name string) error {
	unlock := s.names.Lock(name)
	defer unlock()
	return s.deleteLocked(ctx, name)
}

// expired reports whether a backup created at createdAt is past the
// retention window. A backup exactly at the boundary is kept.
func (s *KeepService) expired(createdAt time.Time) bool {
	return s.clock.Now().Sub(createdAt) > s.opts.MaxAge
}

// RunRetentionSchedule sweeps every interval until ctx is done. Failed
// sweeps are logged and retried at the next tick.
func (s *KeepService) RunRetentionSchedule(ctx context.Context, clk clock.Clock, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("sweep interval must be positive, got %s", interval)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-clk.After(interval):
		}
		deleted, err := s.RunRetentionSweep(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Warn("scheduled retention sweep failed", "error", err)
			continue
		}
		if len(deleted) > 0 {
			s.logger.Info("scheduled retention sweep deleted backups", "names", deleted)
		}
	}
}
