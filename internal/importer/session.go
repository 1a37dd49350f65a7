package importer

import (
	"context"
	"sync"
	"time"

	"github.com/quizfolio/deckvault/internal/model"
)

// sessionRetention is how long terminal sessions stay queryable before the
// janitor prunes them.
const sessionRetention = 10 * time.Minute

// session is the orchestrator's mutable per-import record. All access goes
// through the methods below; snapshot copies are handed out to callers.
type session struct {
	mu sync.Mutex

	data     model.ImportSession
	cancel   context.CancelFunc
	doneAt   time.Time
	progress ProgressFunc
	onError  ErrorFunc
}

func (s *session) setState(state model.ImportState) {
	s.mu.Lock()
	s.data.State = state
	s.data.UpdatedAt = time.Now()
	if state.Terminal() {
		s.doneAt = s.data.UpdatedAt
	}
	s.mu.Unlock()
}

func (s *session) recordError(ie model.ImportError) {
	s.mu.Lock()
	s.data.Errors = append(s.data.Errors, ie)
	s.data.UpdatedAt = time.Now()
	cb := s.onError
	s.mu.Unlock()
	if cb != nil {
		cb(ie)
	}
}

func (s *session) updateCounters(fn func(*model.ProgressCounters)) {
	s.mu.Lock()
	fn(&s.data.Counters)
	s.data.UpdatedAt = time.Now()
	s.mu.Unlock()
}

// report fires the progress callback with a consistent snapshot.
func (s *session) report(percent int) {
	s.mu.Lock()
	p := model.Progress{
		PercentComplete: percent,
		CurrentPhase:    s.data.State,
		Counters:        s.data.Counters,
	}
	cb := s.progress
	s.mu.Unlock()
	if cb != nil {
		cb(p)
	}
}

func (s *session) setSummary(sum *model.ImportSummary) {
	s.mu.Lock()
	s.data.Summary = sum
	s.mu.Unlock()
}

func (s *session) id() string {
	return s.data.ID // immutable after creation
}

func (s *session) snapshot() model.ImportSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := s.data
	copied.Errors = append([]model.ImportError(nil), s.data.Errors...)
	return copied
}

func (s *session) expired(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.State.Terminal() && !s.doneAt.IsZero() && now.Sub(s.doneAt) > sessionRetention
}
