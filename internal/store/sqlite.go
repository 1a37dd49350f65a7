package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/quizfolio/deckvault/internal/model"
	_ "modernc.org/sqlite"
)

//go:embed migrations
var migrationsFS embed.FS

const timeFormat = "2006-01-02 15:04:05"

// SQLiteStore implements Store backed by SQLite.
type SQLiteStore struct {
	db *sql.DB

	mu   sync.RWMutex
	subs []Subscriber
}

// NewSQLiteStore opens a SQLite database at the given path and runs
// migrations.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Subscribe registers a subscriber for deck lifecycle notifications.
func (s *SQLiteStore) Subscribe(sub Subscriber) {
	s.mu.Lock()
	s.subs = append(s.subs, sub)
	s.mu.Unlock()
}

func (s *SQLiteStore) notify(fn func(Subscriber)) {
	s.mu.RLock()
	subs := make([]Subscriber, len(s.subs))
	copy(subs, s.subs)
	s.mu.RUnlock()
	for _, sub := range subs {
		fn(sub)
	}
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	// Sort by filename to ensure order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		data, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("execute migration %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// --- Decks ---

func (s *SQLiteStore) CreateDeck(ctx context.Context, deck *model.Deck) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO decks (id, user_id, name, card_count, media_count, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		deck.ID, deck.UserID, deck.Name, deck.CardCount, deck.MediaCount,
		deck.CreatedAt.UTC().Format(timeFormat))
	if err != nil {
		return err
	}
	s.notify(func(sub Subscriber) { sub.DeckCreated(deck) })
	return nil
}

func (s *SQLiteStore) GetDeck(ctx context.Context, id string) (*model.Deck, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, name, card_count, media_count, created_at FROM decks WHERE id = ?`, id)

	var deck model.Deck
	var created string
	err := row.Scan(&deck.ID, &deck.UserID, &deck.Name, &deck.CardCount, &deck.MediaCount, &created)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	deck.CreatedAt, _ = time.Parse(timeFormat, created)
	return &deck, nil
}

func (s *SQLiteStore) DeleteDeck(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM decks WHERE id = ?`, id); err != nil {
		return err
	}
	s.notify(func(sub Subscriber) { sub.DeckDeleted(id) })
	return nil
}

// --- Cards ---

func (s *SQLiteStore) CreateCard(ctx context.Context, card *model.Card) error {
	fields, err := json.Marshal(card.Fields)
	if err != nil {
		return fmt.Errorf("encoding card fields: %w", err)
	}
	sanitized, err := json.Marshal(card.SanitizedFields)
	if err != nil {
		return fmt.Errorf("encoding sanitized fields: %w", err)
	}
	tags, err := json.Marshal(card.Tags)
	if err != nil {
		return fmt.Errorf("encoding tags: %w", err)
	}
	warnings, err := json.Marshal(card.SecurityWarnings)
	if err != nil {
		return fmt.Errorf("encoding warnings: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO cards (id, deck_id, model_id, fields, sanitized_fields, tags,
		                    security_warnings, has_unsafe_content, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		card.ID, card.DeckID, card.ModelID, string(fields), string(sanitized), string(tags),
		string(warnings), boolToInt(card.HasUnsafeContent), card.Status,
		card.CreatedAt.UTC().Format(timeFormat))
	return err
}

func (s *SQLiteStore) ListCardsByDeck(ctx context.Context, deckID string) ([]*model.Card, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, deck_id, model_id, fields, sanitized_fields, tags,
		        security_warnings, has_unsafe_content, status, created_at
		 FROM cards WHERE deck_id = ? ORDER BY created_at, id`, deckID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cards []*model.Card
	for rows.Next() {
		card, err := scanCard(rows)
		if err != nil {
			return nil, err
		}
		cards = append(cards, card)
	}
	return cards, rows.Err()
}

func scanCard(rows *sql.Rows) (*model.Card, error) {
	var card model.Card
	var fields, sanitized, tags, warnings, created string
	var unsafe int
	err := rows.Scan(&card.ID, &card.DeckID, &card.ModelID, &fields, &sanitized,
		&tags, &warnings, &unsafe, &card.Status, &created)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(fields), &card.Fields); err != nil {
		return nil, fmt.Errorf("decoding card fields: %w", err)
	}
	if err := json.Unmarshal([]byte(sanitized), &card.SanitizedFields); err != nil {
		return nil, fmt.Errorf("decoding sanitized fields: %w", err)
	}
	if err := json.Unmarshal([]byte(tags), &card.Tags); err != nil {
		return nil, fmt.Errorf("decoding tags: %w", err)
	}
	if err := json.Unmarshal([]byte(warnings), &card.SecurityWarnings); err != nil {
		return nil, fmt.Errorf("decoding warnings: %w", err)
	}
	card.HasUnsafeContent = unsafe != 0
	card.CreatedAt, _ = time.Parse(timeFormat, created)
	return &card, nil
}

// --- Media ---

func (s *SQLiteStore) CreateMediaFile(ctx context.Context, media *StoredMedia) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO media_files (id, deck_id, filename, mime_type, kind, signature,
		                          size_bytes, data, access_count, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		media.ID, media.DeckID, media.Filename, media.MIMEType, string(media.Kind),
		media.Signature, media.SizeBytes, media.Data, media.AccessCount,
		media.CreatedAt.UTC().Format(timeFormat))
	return err
}

func (s *SQLiteStore) GetMediaFile(ctx context.Context, id string) (*StoredMedia, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, deck_id, filename, mime_type, kind, signature, size_bytes, data, access_count, created_at
		 FROM media_files WHERE id = ?`, id)

	var media StoredMedia
	var kind, created string
	err := row.Scan(&media.ID, &media.DeckID, &media.Filename, &media.MIMEType, &kind,
		&media.Signature, &media.SizeBytes, &media.Data, &media.AccessCount, &created)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	media.Kind = model.MediaKind(kind)
	media.CreatedAt, _ = time.Parse(timeFormat, created)
	return &media, nil
}

func (s *SQLiteStore) MediaBelongsTo(ctx context.Context, mediaID, userID, deckID string) (bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM media_files m JOIN decks d ON d.id = m.deck_id
		 WHERE m.id = ? AND m.deck_id = ? AND d.user_id = ?`, mediaID, deckID, userID)
	var count int
	if err := row.Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *SQLiteStore) IncrementMediaAccess(ctx context.Context, mediaID string, delta int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE media_files SET access_count = access_count + ? WHERE id = ?`, delta, mediaID)
	return err
}

func (s *SQLiteStore) DeleteMediaRowsForDeck(ctx context.Context, deckID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM media_files WHERE deck_id = ?`, deckID)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
