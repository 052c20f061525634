// Package reclaim periodically requeues reserved jobs whose expiry passed
// without a completion, usually because the consumer that held them died.
package reclaim

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"cloudq/pkg/store"
)

// Sweeper runs ReclaimExpired on a cron schedule.
type Sweeper struct {
	cron   *cron.Cron
	logger *slog.Logger
}

// NewSweeper builds a sweeper for the given cron spec (e.g. "@every 1m").
func NewSweeper(st store.Store, schedule string, logger *slog.Logger) (*Sweeper, error) {
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		n, err := st.ReclaimExpired(ctx, time.Now())
		if err != nil {
			logger.Error("reclaim sweep failed", "error", err)
			return
		}
		if n > 0 {
			logger.Info("requeued expired reservations", "count", n)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("invalid reclaim schedule %q: %w", schedule, err)
	}
	return &Sweeper{cron: c, logger: logger}, nil
}

// Start begins the schedule.
func (s *Sweeper) Start() { s.cron.Start() }

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}
