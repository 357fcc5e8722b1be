// Package scheduler publishes recurring trigger commands (SendEvents,
// StartProcesses, DeleteOldOutboxMessages) onto the bus from cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/rendis/relay/internal/bus"
	"github.com/rendis/relay/pkg/schema"
)

// Schedule is one recurring command.
type Schedule struct {
	Cron    string             `json:"cron"`
	Command schema.CommandKind `json:"command"`
}

type entry struct {
	schedule  cron.Schedule
	command   schema.CommandKind
	nextRunAt time.Time
}

// Scheduler drives the configured schedules with a 60s ticker.
type Scheduler struct {
	bus    bus.Bus
	parser cron.Parser
	logger *slog.Logger

	mu      sync.Mutex
	entries []*entry
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewScheduler parses the schedules and creates a Scheduler.
func NewScheduler(b bus.Bus, schedules []Schedule, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		bus:    b,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger: logger,
	}

	now := time.Now().UTC()
	for _, sched := range schedules {
		parsed, err := s.parser.Parse(sched.Cron)
		if err != nil {
			return nil, fmt.Errorf("parse cron expression %q: %w", sched.Cron, err)
		}
		s.entries = append(s.entries, &entry{
			schedule:  parsed,
			command:   sched.Command,
			nextRunAt: parsed.Next(now),
		})
	}
	return s, nil
}

// Start launches the background scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(loopCtx)
	s.logger.Info("scheduler started", "schedules", len(s.entries))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, time.Now().UTC())
		}
	}
}

// tick publishes a trigger command for every due schedule.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.entries {
		if e.nextRunAt.After(now) {
			continue
		}
		env := schema.Envelope{
			MessageID: uuid.New().String(),
			Kind:      e.command,
			Payload:   []byte("{}"),
		}
		if err := s.bus.Publish(ctx, env); err != nil {
			s.logger.Error("failed to publish scheduled command",
				"command", string(e.command),
				"error", err.Error(),
			)
		}
		e.nextRunAt = e.schedule.Next(now)
	}
}

// Due reports the schedules that would fire at the given instant. Exposed
// for tests and diagnostics.
func (s *Scheduler) Due(now time.Time) []schema.CommandKind {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []schema.CommandKind
	for _, e := range s.entries {
		if !e.nextRunAt.After(now) {
			due = append(due, e.command)
		}
	}
	return due
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}
