package memory

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Sweeper evicts idle sessions.
type Sweeper interface {
	Sweep(now time.Time) int
}

// DefaultSweepSchedule runs the idle sweep once a minute.
const DefaultSweepSchedule = "@every 1m"

// Janitor runs Sweep on a cron schedule in its own goroutine so request
// handling never waits on eviction.
type Janitor struct {
	sweeper  Sweeper
	schedule string
	logger   *slog.Logger
	cron     *cron.Cron
}

// NewJanitor validates schedule (standard 5-field or "@every <duration>").
func NewJanitor(sweeper Sweeper, schedule string, logger *slog.Logger) (*Janitor, error) {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(schedule); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	return &Janitor{
		sweeper:  sweeper,
		schedule: schedule,
		logger:   logger,
		cron:     cron.New(cron.WithParser(parser)),
	}, nil
}

// RunOnce sweeps immediately.
func (j *Janitor) RunOnce(now time.Time) int {
	removed := j.sweeper.Sweep(now)
	if removed > 0 {
		j.logger.Info("idle sessions evicted", slog.Int("count", removed))
	}
	return removed
}

// Start schedules the sweep and returns a stop function that waits for a
// running sweep to finish.
func (j *Janitor) Start(ctx context.Context) (func(), error) {
	if _, err := j.cron.AddFunc(j.schedule, func() { j.RunOnce(time.Now()) }); err != nil {
		return nil, fmt.Errorf("scheduling sweep: %w", err)
	}
	j.cron.Start()
	j.logger.InfoContext(ctx, "session janitor started", slog.String("schedule", j.schedule))

	return func() {
		<-j.cron.Stop().Done()
		j.logger.Info("session janitor stopped")
	}, nil
}
