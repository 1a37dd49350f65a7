// Package mediaref maintains per-deck mappings from original media
// filenames to signed, expiring references, resolves those references
// inside rendered HTML, and caches resolved HTML with bounded memory.
package mediaref

import (
	"context"
	"encoding/hex"
	"fmt"
	"html"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/quizfolio/deckvault/internal/access"
	"github.com/quizfolio/deckvault/internal/model"
	"github.com/quizfolio/deckvault/internal/render"
	"github.com/quizfolio/deckvault/internal/store"
)

// DefaultURLTTL is how long a signed media reference stays valid.
const DefaultURLTTL = 30 * time.Minute

// defaultCacheSize bounds the resolved-HTML cache entry count.
const defaultCacheSize = 256

// topAccessedCount is how many filenames Stats ranks.
const topAccessedCount = 5

var (
	imgTag   = regexp.MustCompile(`(?i)<img\b[^>]*\bsrc\s*=\s*"([^"]*)"[^>]*/?>`)
	videoTag = regexp.MustCompile(`(?i)<video\b[^>]*\bsrc\s*=\s*"([^"]*)"[^>]*/?>`)
	soundTag = regexp.MustCompile(`\[sound:([^\]]+)\]`)
)

// Mapping is the per-filename reference record for one deck's media.
type Mapping struct {
	MediaID      string
	SecureURL    string
	MIMEType     string
	Kind         model.MediaKind
	AccessCount  int64
	LastAccessed time.Time
	Cached       bool
}

// Stats summarizes a deck's media reference activity.
type Stats struct {
	TotalMedia    int
	CachedMedia   int
	TotalAccesses int64
	TopAccessed   []FileAccess
}

// FileAccess pairs a filename with its access count.
type FileAccess struct {
	Filename    string
	AccessCount int64
}

// Service owns the per-deck mapping tables and the resolved-HTML cache.
// All mutation is guarded by a single mutex.
type Service struct {
	ctrl   access.Controller
	store  store.Store
	logger *slog.Logger
	ttl    time.Duration

	mu       sync.Mutex
	mappings map[string]map[string]*Mapping // deckID -> filename -> mapping
	cache    *fifoCache
}

// NewService creates a Service issuing references through ctrl and
// persisting access counters through st.
func NewService(ctrl access.Controller, st store.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		ctrl:     ctrl,
		store:    st,
		logger:   logger,
		ttl:      DefaultURLTTL,
		mappings: make(map[string]map[string]*Mapping),
		cache:    newFIFOCache(defaultCacheSize),
	}
}

// BuildMappings requests a signed reference for every accepted media file
// and stores the mapping keyed by original filename. A signing failure
// skips that file (fail closed) rather than aborting the deck.
func (s *Service) BuildMappings(ctx context.Context, deckID string, media []model.MediaFile, userID string) {
	deckMap := make(map[string]*Mapping, len(media))
	for _, m := range media {
		signed, err := s.ctrl.SignedURL(m.ID, userID, s.ttl)
		if err != nil {
			s.logger.Warn("signing media reference failed; file left unmapped",
				"deck", deckID, "filename", m.Filename, "error", err)
			continue
		}
		deckMap[m.Filename] = &Mapping{
			MediaID:   m.ID,
			SecureURL: signed,
			MIMEType:  m.MIMEType,
			Kind:      m.Kind,
		}
	}

	s.mu.Lock()
	s.mappings[deckID] = deckMap
	s.mu.Unlock()
}

// ResolveReferences rewrites img/src, [sound:...] markers, and video/src
// occurrences in rendered HTML to their signed references. Unmapped
// filenames become a visible missing-media placeholder; external URLs pass
// through. Resolved output is cached per (deck, content hash).
func (s *Service) ResolveReferences(ctx context.Context, content, deckID, userID string) string {
	key := deckID + ":" + contentHash(content)
	if cached, ok := s.cache.Get(key); ok {
		// A hit is still a resolution; the referenced files get their
		// access accounted from the filenames stored with the entry.
		touched := make(map[string]*Mapping, len(cached.filenames))
		for _, name := range cached.filenames {
			if m := s.lookup(deckID, name); m != nil {
				touched[name] = m
			}
		}
		s.recordAccess(ctx, deckID, touched)
		return cached.resolved
	}

	touched := make(map[string]*Mapping)

	resolved := imgTag.ReplaceAllStringFunc(content, func(tag string) string {
		name := imgTag.FindStringSubmatch(tag)[1]
		return s.resolveElement(deckID, tag, name, "src", "missing image", touched)
	})
	resolved = videoTag.ReplaceAllStringFunc(resolved, func(tag string) string {
		name := videoTag.FindStringSubmatch(tag)[1]
		return s.resolveElement(deckID, tag, name, "src", "missing video", touched)
	})
	resolved = soundTag.ReplaceAllStringFunc(resolved, func(marker string) string {
		name := soundTag.FindStringSubmatch(marker)[1]
		m := s.lookup(deckID, name)
		if m == nil {
			return missingPlaceholder("missing audio", name)
		}
		touched[name] = m
		return fmt.Sprintf(
			`<audio controls src="%s" data-media-id="%s" data-original-filename="%s">Audio playback is not supported.</audio>`,
			m.SecureURL, m.MediaID, html.EscapeString(name))
	})

	filenames := make([]string, 0, len(touched))
	for name := range touched {
		filenames = append(filenames, name)
	}
	s.cache.Set(key, cacheEntry{resolved: resolved, filenames: filenames})
	s.recordAccess(ctx, deckID, touched)
	return resolved
}

// resolveElement rewrites one media-bearing element, or replaces it with a
// placeholder when the filename has no mapping.
func (s *Service) resolveElement(deckID, tag, name, attr, missingLabel string, touched map[string]*Mapping) string {
	if name == "" || render.IsExternalURL(name) {
		return tag
	}
	m := s.lookup(deckID, name)
	if m == nil {
		return missingPlaceholder(missingLabel, name)
	}
	touched[name] = m

	rewritten := strings.Replace(tag, attr+`="`+name+`"`, attr+`="`+m.SecureURL+`"`, 1)
	traceAttrs := fmt.Sprintf(` data-media-id="%s" data-original-filename="%s"`,
		m.MediaID, html.EscapeString(name))
	if idx := strings.LastIndex(rewritten, ">"); idx >= 0 {
		suffix := ">"
		if strings.HasSuffix(rewritten[:idx+1], "/>") {
			suffix = "/>"
		}
		rewritten = rewritten[:len(rewritten)-len(suffix)] + traceAttrs + suffix
	}
	return rewritten
}

func missingPlaceholder(label, name string) string {
	return fmt.Sprintf(`<span class="missing-media">[%s: %s]</span>`, label, html.EscapeString(name))
}

func (s *Service) lookup(deckID, filename string) *Mapping {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mappings[deckID][filename]
}

// recordAccess bumps in-memory counters and schedules a non-blocking
// persistence of each counter. Persistence failures are logged, never
// surfaced.
func (s *Service) recordAccess(ctx context.Context, deckID string, touched map[string]*Mapping) {
	if len(touched) == 0 {
		return
	}
	now := time.Now()
	s.mu.Lock()
	for _, m := range touched {
		m.AccessCount++
		m.LastAccessed = now
		m.Cached = true
	}
	s.mu.Unlock()

	for _, m := range touched {
		mediaID := m.MediaID
		go func() {
			if err := s.store.IncrementMediaAccess(context.WithoutCancel(ctx), mediaID, 1); err != nil {
				s.logger.Warn("persisting media access count", "media", mediaID, "error", err)
			}
		}()
	}
}

// URL returns the signed reference for filename within deckID, or "" when
// no mapping exists or access is denied.
func (s *Service) URL(ctx context.Context, filename, deckID, userID string) string {
	m := s.lookup(deckID, filename)
	if m == nil {
		return ""
	}
	if !s.ctrl.ValidateAccess(ctx, m.MediaID, userID, deckID) {
		return ""
	}
	return m.SecureURL
}

// CleanupDeck drops the deck's mappings, purges its cache entries, and
// deletes its persisted media rows.
func (s *Service) CleanupDeck(ctx context.Context, deckID string) error {
	s.DeckDeleted(deckID)

	if err := s.store.DeleteMediaRowsForDeck(ctx, deckID); err != nil {
		return fmt.Errorf("deleting media rows for deck %s: %w", deckID, err)
	}
	return nil
}

// DeckCreated satisfies store.Subscriber. Mappings only exist once the
// importer registers the deck's media through BuildMappings, so a bare
// deck row needs no action here.
func (s *Service) DeckCreated(deck *model.Deck) {}

// DeckDeleted satisfies store.Subscriber. Any path that removes a deck
// row, not just the HTTP delete handler, drops the deck's in-memory
// mappings and cached HTML so they cannot outlive the deck.
func (s *Service) DeckDeleted(deckID string) {
	s.mu.Lock()
	delete(s.mappings, deckID)
	s.mu.Unlock()

	purged := s.cache.PurgePrefix(deckID + ":")
	s.logger.Info("deck media mappings dropped", "deck", deckID, "cache_entries_purged", purged)
}

// Stats reports totals and the most-accessed filenames for a deck.
func (s *Service) Stats(deckID string) Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := Stats{}
	for filename, m := range s.mappings[deckID] {
		stats.TotalMedia++
		if m.Cached {
			stats.CachedMedia++
		}
		stats.TotalAccesses += m.AccessCount
		stats.TopAccessed = append(stats.TopAccessed, FileAccess{
			Filename:    filename,
			AccessCount: m.AccessCount,
		})
	}
	sort.Slice(stats.TopAccessed, func(i, j int) bool {
		if stats.TopAccessed[i].AccessCount != stats.TopAccessed[j].AccessCount {
			return stats.TopAccessed[i].AccessCount > stats.TopAccessed[j].AccessCount
		}
		return stats.TopAccessed[i].Filename < stats.TopAccessed[j].Filename
	})
	if len(stats.TopAccessed) > topAccessedCount {
		stats.TopAccessed = stats.TopAccessed[:topAccessedCount]
	}
	return stats
}

func contentHash(content string) string {
	sum := blake3.Sum256([]byte(content))
	return hex.EncodeToString(sum[:8])
}
