// Package sweeper expires and abandons carts in the background.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fjod/go_cart/cart-core/internal/service"
)

const (
	DefaultInterval  = time.Hour
	DefaultBatchSize = 500
)

type Stats struct {
	Expired   int
	Abandoned int
}

// Sweeper periodically moves overdue carts to EXPIRED and idle carts to
// ABANDONED. Every transition is conditional in the repository, so a
// concurrent mutation that slides the expiration wins.
type Sweeper struct {
	svc       *service.CartService
	interval  time.Duration
	batchSize int
	logger    *slog.Logger
}

func New(svc *service.CartService, interval time.Duration, batchSize int, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Sweeper{svc: svc, interval: interval, batchSize: batchSize, logger: logger}
}

// Run sweeps once immediately and then on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.runOnce(ctx)
	for {
		select {
		case <-ticker.C:
			s.runOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sweeper) runOnce(ctx context.Context) {
	stats, err := s.Sweep(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "cart sweep failed", "error", err)
	}
	if stats.Expired > 0 || stats.Abandoned > 0 {
		s.logger.InfoContext(ctx, "cart sweep finished", "expired", stats.Expired, "abandoned", stats.Abandoned)
	}
}

func (s *Sweeper) Sweep(ctx context.Context) (Stats, error) {
	var stats Stats
	now := s.svc.Now()

	expired, err := s.expire(ctx, now)
	stats.Expired = expired
	if err != nil {
		return stats, err
	}

	if after := s.svc.Policy().AbandonAfter; after > 0 {
		abandoned, err := s.abandon(ctx, now.Add(-after), now)
		stats.Abandoned = abandoned
		if err != nil {
			return stats, err
		}
	}
	return stats, nil
}

func (s *Sweeper) expire(ctx context.Context, now time.Time) (int, error) {
	repo := s.svc.Repo()
	total := 0
	for {
		carts, err := repo.ListExpirable(ctx, now, s.batchSize)
		if err != nil {
			return total, fmt.Errorf("list expirable carts: %w", err)
		}

		changed := 0
		for _, c := range carts {
			ok, err := repo.ExpireIfDue(ctx, c.ID, now)
			if err != nil {
				s.logger.WarnContext(ctx, "expire cart failed", "cart_id", c.ID, "error", err)
				continue
			}
			if ok {
				changed++
				s.svc.NotifyExpired(ctx, c)
			}
		}
		total += changed

		if len(carts) < s.batchSize || changed == 0 || ctx.Err() != nil {
			return total, ctx.Err()
		}
	}
}

func (s *Sweeper) abandon(ctx context.Context, before, now time.Time) (int, error) {
	repo := s.svc.Repo()
	total := 0
	for {
		carts, err := repo.ListIdle(ctx, before, s.batchSize)
		if err != nil {
			return total, fmt.Errorf("list idle carts: %w", err)
		}

		changed := 0
		for _, c := range carts {
			ok, err := repo.AbandonIfIdle(ctx, c.ID, before, now)
			if err != nil {
				s.logger.WarnContext(ctx, "abandon cart failed", "cart_id", c.ID, "error", err)
				continue
			}
			if ok {
				changed++
				s.svc.InvalidateCache(c.Identity().Key())
			}
		}
		total += changed

		if len(carts) < s.batchSize || changed == 0 || ctx.Err() != nil {
			return total, ctx.Err()
		}
	}
}
