package dispatch

import (
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "crosspost/pkg/logx"
)

// recurring holds cron-driven schedules: one entry per post, each fire
// queues an immediate one-shot job. Definitions survive engine restarts;
// the cron runner itself lives only while the engine runs.
type recurring struct {
	mu      sync.Mutex
	parser  cron.Parser
	c       *cron.Cron
	entries map[string]recurringEntry
}

type recurringEntry struct {
	expr string
	id   cron.EntryID
}

func newRecurring() recurring {
	return recurring{
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser:  cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		entries: make(map[string]recurringEntry),
	}
}

// ScheduleRecurring registers (or replaces) a cron schedule for postID.
// Each fire queues the post for immediate delivery. The definition is kept
// across engine restarts; fires while the engine is stopped are dropped.
func (s *Service) ScheduleRecurring(postID, expr string) error {
	postID = strings.TrimSpace(postID)
	expr = strings.TrimSpace(expr)
	if postID == "" || expr == "" {
		return ErrInvalidSchedule
	}
	if _, err := s.rec.parser.Parse(expr); err != nil {
		return ErrBadRecurrence
	}

	s.rec.mu.Lock()
	defer s.rec.mu.Unlock()

	if prev, ok := s.rec.entries[postID]; ok && s.rec.c != nil {
		s.rec.c.Remove(prev.id)
	}
	entry := recurringEntry{expr: expr}
	if s.rec.c != nil {
		id, err := s.rec.c.AddJob(expr, s.recurringJob(postID))
		if err != nil {
			return ErrBadRecurrence
		}
		entry.id = id
	}
	s.rec.entries[postID] = entry

	s.log.Info("recurring schedule set", logx.String("post", postID), logx.String("cron", expr))
	return nil
}

// RemoveRecurring drops the cron schedule for postID, if any.
func (s *Service) RemoveRecurring(postID string) bool {
	s.rec.mu.Lock()
	defer s.rec.mu.Unlock()
	entry, ok := s.rec.entries[postID]
	if !ok {
		return false
	}
	if s.rec.c != nil {
		s.rec.c.Remove(entry.id)
	}
	delete(s.rec.entries, postID)
	s.log.Info("recurring schedule removed", logx.String("post", postID))
	return true
}

// RecurringSpecs returns the registered cron expression per post ID.
func (s *Service) RecurringSpecs() map[string]string {
	s.rec.mu.Lock()
	defer s.rec.mu.Unlock()
	out := make(map[string]string, len(s.rec.entries))
	for id, e := range s.rec.entries {
		out[id] = e.expr
	}
	return out
}

func (s *Service) recurringJob(postID string) cron.Job {
	return cron.FuncJob(func() {
		if _, err := s.Schedule(postID, time.Now()); err != nil {
			s.log.Warn("recurring fire not scheduled", logx.String("post", postID), logx.Any("err", err))
		}
	})
}

func (s *Service) startRecurring() {
	s.rec.mu.Lock()
	defer s.rec.mu.Unlock()
	if s.rec.c != nil {
		return
	}
	s.rec.c = cron.New(cron.WithParser(s.rec.parser))
	for postID, entry := range s.rec.entries {
		id, err := s.rec.c.AddJob(entry.expr, s.recurringJob(postID))
		if err != nil {
			// Validated at registration; a parse failure here means the
			// expression predates a parser change. Drop it loudly.
			s.log.Error("recurring schedule no longer parses", logx.String("post", postID), logx.String("cron", entry.expr))
			delete(s.rec.entries, postID)
			continue
		}
		entry.id = id
		s.rec.entries[postID] = entry
	}
	s.rec.c.Start()
}

func (s *Service) stopRecurring() {
	s.rec.mu.Lock()
	c := s.rec.c
	s.rec.c = nil
	s.rec.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}
