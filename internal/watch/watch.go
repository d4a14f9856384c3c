// Package watch runs a periodic health sweep over the worker pool: it
// opportunistically borrows an idle worker, runs the stats command on it
// and returns it. A worker whose subprocess died between requests fails
// the probe, is retired on release and replaced, so broken workers are
// noticed before a client request hits them.
package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	gocron "github.com/go-co-op/gocron/v2"
	"github.com/robfig/cron/v3"

	"github.com/gembridge/gembridge/internal/model"
	"github.com/gembridge/gembridge/internal/pool"
)

// probeAcquireTimeout keeps the sweep from queueing behind real requests:
// when no worker frees up almost immediately, the sweep is skipped.
const probeAcquireTimeout = time.Second

type Sweeper struct {
	pool      *pool.Pool
	probe     string
	timeout   time.Duration
	scheduler gocron.Scheduler
}

// New builds a sweeper from the watch configuration. Returns (nil, nil)
// when the sweep is disabled.
func New(cfg model.Watch, p *pool.Pool, probe string, timeout time.Duration) (*Sweeper, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	var def gocron.JobDefinition
	switch {
	case cfg.Cron != "":
		if err := ParseCron(cfg.Cron); err != nil {
			return nil, fmt.Errorf("parsing watch.cron: %w", err)
		}
		def = gocron.CronJob(cfg.Cron, false)
	case cfg.Every > 0:
		def = gocron.DurationJob(cfg.Every)
	default:
		return nil, errors.New("watch enabled but both cron and every are empty")
	}

	s := &Sweeper{
		pool:    p,
		probe:   probe,
		timeout: timeout,
	}

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing scheduler: %w", err)
	}
	_, err = scheduler.NewJob(def, gocron.NewTask(func() {
		s.sweep(context.Background())
	}))
	if err != nil {
		return nil, fmt.Errorf("initializing sweep job: %w", err)
	}
	s.scheduler = scheduler
	return s, nil
}

// Start begins scheduling sweeps. Safe to call on a nil sweeper.
func (s *Sweeper) Start() {
	if s == nil {
		return
	}
	s.scheduler.Start()
}

// Shutdown stops the scheduler. Safe to call on a nil sweeper.
func (s *Sweeper) Shutdown() error {
	if s == nil {
		return nil
	}
	return s.scheduler.Shutdown()
}

func (s *Sweeper) sweep(ctx context.Context) {
	actx, cancel := context.WithTimeout(ctx, probeAcquireTimeout)
	defer cancel()

	w, err := s.pool.Acquire(actx)
	if err != nil {
		// Saturated or closed pool: nothing to probe right now.
		slog.DebugContext(ctx, "health sweep skipped", "reason", err)
		return
	}
	defer s.pool.Release(w)

	if _, err := w.Run(ctx, s.probe, s.timeout); err != nil {
		slog.WarnContext(ctx, "health probe failed, retiring worker",
			"worker_id", w.ID(), "error", err)
		return
	}
	slog.DebugContext(ctx, "health probe ok", "worker_id", w.ID())
}

// ParseCron validates a 5-field cron expression or an @macro/@every spec.
func ParseCron(expr string) error {
	e := strings.TrimSpace(expr)
	if e == "" {
		return errors.New("empty cron expression")
	}

	// Macros / @every handled by ParseStandard.
	if strings.HasPrefix(e, "@") {
		_, err := cron.ParseStandard(e)
		return err
	}

	parser5 := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	_, err := parser5.Parse(e)
	return err
}
