package sessions

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// Retention prunes run history older than a maximum age on a cron
// schedule.
type Retention struct {
	pruner  Pruner
	maxAge  time.Duration
	logger  *slog.Logger
	now     func() time.Time
	cron    *cron.Cron
	started bool
	mu      sync.Mutex
}

// NewRetention validates schedule (standard cron syntax, optional seconds
// field, or descriptors like "@hourly") and returns an unstarted job.
func NewRetention(pruner Pruner, schedule string, maxAge time.Duration, logger *slog.Logger) (*Retention, error) {
	if pruner == nil {
		return nil, fmt.Errorf("pruner is required")
	}
	if maxAge <= 0 {
		return nil, fmt.Errorf("retention max age must be positive")
	}
	schedule = strings.TrimSpace(schedule)
	if schedule == "" {
		schedule = "@hourly"
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Retention{
		pruner: pruner,
		maxAge: maxAge,
		logger: logger.With("component", "retention"),
		now:    time.Now,
		cron:   cron.New(cron.WithParser(cronParser)),
	}
	if _, err := r.cron.AddFunc(schedule, func() { r.RunOnce(context.Background()) }); err != nil {
		return nil, fmt.Errorf("invalid prune schedule %q: %w", schedule, err)
	}
	return r, nil
}

// Start begins the schedule.
func (r *Retention) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true
	r.cron.Start()
}

// Stop halts the schedule and waits for a running prune up to ctx.
func (r *Retention) Stop(ctx context.Context) error {
	r.mu.Lock()
	started := r.started
	r.started = false
	r.mu.Unlock()
	if !started {
		return nil
	}
	done := r.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce prunes immediately and returns the number of removed records.
func (r *Retention) RunOnce(ctx context.Context) int64 {
	cutoff := r.now().Add(-r.maxAge)
	n, err := r.pruner.Prune(ctx, cutoff)
	if err != nil {
		r.logger.Warn("run history prune failed", "error", err)
		return 0
	}
	if n > 0 {
		r.logger.Info("pruned run history", "removed", n, "cutoff", cutoff)
	}
	return n
}
