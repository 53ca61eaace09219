// Package scheduler drives the per-host fetch engines: one timer issues
// listings on every engine, a second flushes and logs the per-host
// counters.
package scheduler

import (
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/gluk-w/logfetcher/internal/fetcher"
)

// Engine is the slice of the fetch engine the scheduler drives.
type Engine interface {
	Host() string
	Tick()
	FlushStats() fetcher.Stats
	Shutdown()
}

// Scheduler owns the engines and the two process-wide timers.
type Scheduler struct {
	engines []Engine
	cron    *cron.Cron
}

// New creates a Scheduler over the given engines with the configured
// intervals (both in seconds).
func New(engines []Engine, logCheckInterval, statusLogInterval int) (*Scheduler, error) {
	if logCheckInterval <= 0 || statusLogInterval <= 0 {
		return nil, fmt.Errorf("intervals must be positive (logCheck=%d, statusLog=%d)",
			logCheckInterval, statusLogInterval)
	}

	s := &Scheduler{
		engines: engines,
		cron:    cron.New(cron.WithSeconds()),
	}

	if _, err := s.cron.AddFunc(fmt.Sprintf("@every %ds", logCheckInterval), s.tickAll); err != nil {
		return nil, fmt.Errorf("schedule listing timer: %w", err)
	}
	if _, err := s.cron.AddFunc(fmt.Sprintf("@every %ds", statusLogInterval), s.FlushStatus); err != nil {
		return nil, fmt.Errorf("schedule status timer: %w", err)
	}
	return s, nil
}

// Start runs one eager tick per engine so the first listings go out
// immediately, then starts the timers.
func (s *Scheduler) Start() {
	s.tickAll()
	s.cron.Start()
}

// Stop halts the timers and kills every engine's control channel. In-flight
// transfers are abandoned to process exit; completed archives are safe by
// the rename barrier.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	for _, e := range s.engines {
		e.Shutdown()
	}
}

func (s *Scheduler) tickAll() {
	for _, e := range s.engines {
		e.Tick()
	}
}

// FlushStatus emits one info line per engine and resets its counters.
func (s *Scheduler) FlushStatus() {
	for _, e := range s.engines {
		stats := e.FlushStats()
		slog.Info("status",
			"host", e.Host(),
			"filesChecked", stats.FilesChecked,
			"filesTransfered", stats.FilesTransfered,
			"bytesTransfered", stats.BytesTransfered)
	}
}
