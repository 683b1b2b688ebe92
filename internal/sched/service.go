// Package sched triggers ingestion cycles on per-department schedules. It is
// trigger-only: execution, retries and ordering belong to the dispatch queue.
package sched

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"noticewatch/internal/config"
	logx "noticewatch/pkg/logx"
)

// DefaultSchedule applies when neither the department nor the global config
// names one.
const DefaultSchedule = "@every 10m"

// TriggerFunc fires one department cycle. It must not block: the scheduler
// shares one goroutine per tick with every other entry.
type TriggerFunc func(dept config.Department)

type entry struct {
	id   cron.EntryID
	spec string
}

// Service owns the cron registry and keeps it in sync with the department
// list across hot reloads.
type Service struct {
	mu      sync.Mutex
	log     logx.Logger
	trigger TriggerFunc
	parser  cron.Parser
	c       *cron.Cron
	entries map[string]entry
	started bool
}

func New(trigger TriggerFunc, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log:     log,
		trigger: trigger,
		// SecondOptional allows both 5-field and 6-field cron specs.
		parser:  cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		entries: map[string]entry{},
	}
}

// Apply reconciles the registry against the given department list: new
// departments are registered, vanished ones removed, changed schedules
// re-registered. Safe to call before Start and on every config reload.
func (s *Service) Apply(def string, depts []config.Department) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		s.c = cron.New(cron.WithParser(s.parser))
	}

	if def == "" {
		def = DefaultSchedule
	}
	keep := make(map[string]struct{}, len(depts))
	for _, d := range depts {
		if d.Disabled {
			continue
		}
		raw := d.Schedule
		if raw == "" {
			raw = def
		}
		spec, err := ParseSchedule(raw)
		if err != nil {
			return fmt.Errorf("department %s: %w", d.ID, err)
		}
		cs := spec.CronSpec()
		keep[d.ID] = struct{}{}

		if old, ok := s.entries[d.ID]; ok {
			if old.spec == cs {
				continue
			}
			s.c.Remove(old.id)
		}
		dept := d
		id, err := s.c.AddFunc(cs, func() { s.trigger(dept) })
		if err != nil {
			return fmt.Errorf("department %s: schedule %q: %w", d.ID, raw, err)
		}
		s.entries[d.ID] = entry{id: id, spec: cs}
		s.log.Debug("schedule registered",
			logx.String("dept", d.ID), logx.String("spec", cs))
	}

	for id, e := range s.entries {
		if _, ok := keep[id]; ok {
			continue
		}
		s.c.Remove(e.id)
		delete(s.entries, id)
		s.log.Debug("schedule removed", logx.String("dept", id))
	}
	return nil
}

// Start begins triggering. Entries registered later via Apply join the
// running cron.
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	if s.c == nil {
		s.c = cron.New(cron.WithParser(s.parser))
	}
	s.c.Start()
	s.started = true
	s.log.Info("scheduler started", logx.Int("schedules", len(s.entries)))
}

// Stop halts triggering and waits for in-flight trigger callbacks, bounded
// by ctx.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.started = false
	s.entries = map[string]entry{}
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
}

// Len reports the number of registered schedules.
func (s *Service) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
