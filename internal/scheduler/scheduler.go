// Package scheduler emits hooks on cron schedules.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/watzon/fixiplug/internal/hooks"
	"github.com/watzon/fixiplug/internal/metrics"
)

// PluginName is the name the scheduler registers under.
const PluginName = "scheduler"

// Hooks served by the scheduler plugin.
const (
	HookGetSchedules    = "api:getSchedules"
	HookTriggerSchedule = "api:triggerSchedule"
)

var (
	ErrDuplicateSchedule = errors.New("duplicate schedule")
	ErrScheduleNotFound  = errors.New("schedule not found")
)

type entry struct {
	Schedule
	cron    cron.Schedule
	loc     *time.Location
	next    time.Time
	lastRun *time.Time
	runs    int
	dropped int
}

// Scheduler manages cron schedules. Runs are emitted on the deferred bus so
// they are subject to the same loop protection as plugin emissions.
type Scheduler struct {
	entries      []*entry
	pollInterval time.Duration
	now          func() time.Time

	mu     sync.Mutex
	emit   func(hook string, ev hooks.Event) bool
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Config holds configuration for Scheduler.
type Config struct {
	// PollInterval is how often to check for due schedules (default: 1 second).
	PollInterval time.Duration
}

// NewScheduler parses schedules. It fails on the first invalid expression
// or duplicate name.
func NewScheduler(schedules []Schedule, cfg *Config) (*Scheduler, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}

	s := &Scheduler{
		pollInterval: cfg.PollInterval,
		now:          time.Now,
	}

	parser := NewCronParser()
	seen := make(map[string]bool, len(schedules))
	for _, sc := range schedules {
		if seen[sc.Name] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateSchedule, sc.Name)
		}
		seen[sc.Name] = true

		cs, err := parser.Parse(sc.Cron)
		if err != nil {
			return nil, fmt.Errorf("schedule %s: %w", sc.Name, err)
		}
		loc, err := time.LoadLocation(sc.Timezone)
		if err != nil {
			return nil, fmt.Errorf("schedule %s: loading timezone: %w", sc.Name, err)
		}

		s.entries = append(s.entries, &entry{Schedule: sc, cron: cs, loc: loc})
	}

	return s, nil
}

// Plugin installs the scheduler. Setup starts the poll loop and cleanup
// stops it.
func (s *Scheduler) Plugin() hooks.Plugin {
	return hooks.NewPlugin(PluginName, func(pc *hooks.PluginContext) error {
		pc.On(HookGetSchedules, func(_ context.Context, _ hooks.Event) (hooks.Event, error) {
			return hooks.Event{"schedules": s.Statuses()}, nil
		})

		pc.On(HookTriggerSchedule, func(_ context.Context, ev hooks.Event) (hooks.Event, error) {
			name := ev.String("name")
			if err := s.Trigger(name); err != nil {
				return hooks.Event{"error": err.Error()}, nil
			}
			return hooks.Event{"success": true, "name": name}, nil
		})

		s.Start(pc.Emit)
		pc.Cleanup(s.Stop)
		return nil
	})
}

// Start resets next run times and begins polling. emit receives every run.
func (s *Scheduler) Start(emit func(hook string, ev hooks.Event) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return
	}

	s.emit = emit
	now := s.now()
	for _, e := range s.entries {
		e.next = e.cron.Next(now.In(e.loc))
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go s.pollLoop(ctx)

	log.Info().
		Int("schedules", len(s.entries)).
		Dur("poll_interval", s.pollInterval).
		Msg("Scheduler started")
}

// Stop halts polling and waits for the loop to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
	log.Info().Msg("Scheduler stopped")
}

func (s *Scheduler) pollLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(s.now())
		}
	}
}

// Tick emits every schedule due at now and advances it. Missed runs are
// collapsed into one.
func (s *Scheduler) Tick(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	fired := 0
	for _, e := range s.entries {
		if e.next.IsZero() || now.Before(e.next) {
			continue
		}
		s.runLocked(e, now)
		e.next = e.cron.Next(now.In(e.loc))
		fired++
	}
	return fired
}

// Trigger runs the named schedule immediately without moving its next run.
func (s *Scheduler) Trigger(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.entries {
		if e.Name == name {
			s.runLocked(e, s.now())
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrScheduleNotFound, name)
}

func (s *Scheduler) runLocked(e *entry, now time.Time) {
	if s.emit == nil {
		return
	}

	ev := hooks.Event(maps.Clone(e.Event))
	if ev == nil {
		ev = hooks.Event{}
	}
	ev["schedule"] = e.Name
	ev["scheduledAt"] = now.UnixMilli()

	queued := s.emit(e.Hook, ev)
	metrics.RecordScheduleRun(e.Name, queued)

	ran := now
	e.lastRun = &ran
	e.runs++
	if !queued {
		e.dropped++
		log.Warn().Str("schedule", e.Name).Str("hook", e.Hook).Msg("Scheduled emission dropped")
		return
	}
	log.Debug().Str("schedule", e.Name).Str("hook", e.Hook).Msg("Scheduled emission queued")
}

// Statuses returns every schedule sorted by name.
func (s *Scheduler) Statuses() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Status, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, Status{
			Name:     e.Name,
			Cron:     e.Cron,
			Hook:     e.Hook,
			Timezone: e.Timezone,
			NextRun:  e.next,
			LastRun:  e.lastRun,
			Runs:     e.runs,
			Dropped:  e.dropped,
		})
	}
	slices.SortFunc(out, func(a, b Status) int {
		if a.Name < b.Name {
			return -1
		}
		if a.Name > b.Name {
			return 1
		}
		return 0
	})
	return out
}
