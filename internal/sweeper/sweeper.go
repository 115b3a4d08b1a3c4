package sweeper

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// CartExpirer is the part of repository.Store the sweeper drives.
type CartExpirer interface {
	ExpireCarts(ctx context.Context, now time.Time) (int64, error)
}

// CartSweeper periodically deactivates carts whose expiry passed. Expired
// carts are already ignored on read; sweeping keeps the active-cart index small.
type CartSweeper struct {
	interval time.Duration
	carts    CartExpirer
	logger   *zap.Logger
	now      func() time.Time
}

func New(carts CartExpirer, interval time.Duration, l *zap.Logger) *CartSweeper {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &CartSweeper{interval: interval, carts: carts, logger: l, now: time.Now}
}

func (s *CartSweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *CartSweeper) sweep(ctx context.Context) int64 {
	n, err := s.carts.ExpireCarts(ctx, s.now())
	if err != nil {
		s.logger.Error("failed to expire carts", zap.Error(err))
		return 0
	}
	if n > 0 {
		s.logger.Info("expired carts deactivated", zap.Int64("count", n))
	}
	return n
}
