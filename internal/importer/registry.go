package importer

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quizfolio/deckvault/internal/model"
)

// registry tracks live import sessions, per-user active counts, and the
// model template hashes seen across imports.
type registry struct {
	mu         sync.Mutex
	sessions   map[string]*session
	active     map[string]int
	seenHashes map[string]bool
}

func newRegistry() *registry {
	return &registry{
		sessions:   make(map[string]*session),
		active:     make(map[string]int),
		seenHashes: make(map[string]bool),
	}
}

// open admits a new session if the user is under their active-import
// ceiling, registering it under a fresh ID.
func (r *registry) open(up Upload, maxPerUser int, onProgress ProgressFunc, onError ErrorFunc) (*session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if maxPerUser > 0 && r.active[up.UserID] >= maxPerUser {
		return nil, fmt.Errorf("%w: %d active", ErrTooManyActiveImports, r.active[up.UserID])
	}
	r.active[up.UserID]++

	now := time.Now()
	sess := &session{
		data: model.ImportSession{
			ID:        uuid.New().String(),
			UserID:    up.UserID,
			Filename:  up.Filename,
			FileSize:  int64(len(up.Data)),
			State:     model.StateInitializing,
			StartedAt: now,
			UpdatedAt: now,
		},
		progress: onProgress,
		onError:  onError,
	}
	r.sessions[sess.data.ID] = sess
	return sess, nil
}

// release decrements the user's active count when their import ends. The
// session itself stays queryable until the janitor prunes it.
func (r *registry) release(userID string) {
	r.mu.Lock()
	if r.active[userID] > 0 {
		r.active[userID]--
	}
	if r.active[userID] == 0 {
		delete(r.active, userID)
	}
	r.mu.Unlock()
}

func (r *registry) get(sessionID string) *session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[sessionID]
}

// claimModelHash reports whether the hash is new, marking it seen either way.
func (r *registry) claimModelHash(hash string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.seenHashes[hash] {
		return false
	}
	r.seenHashes[hash] = true
	return true
}

// prune drops terminal sessions past their retention window and returns
// how many were removed.
func (r *registry) prune(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, sess := range r.sessions {
		if sess.expired(now) {
			delete(r.sessions, id)
			removed++
		}
	}
	return removed
}
