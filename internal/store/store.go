// Package store is the deck/card storage collaborator. The pipeline
// consumes it only through the Store interface; SQLiteStore is the default
// implementation.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/quizfolio/deckvault/internal/model"
)

var ErrNotFound = errors.New("not found")

// StoredMedia is a persisted media row, including the validated blob bytes.
type StoredMedia struct {
	ID          string
	DeckID      string
	Filename    string
	MIMEType    string
	Kind        model.MediaKind
	Signature   string
	SizeBytes   int64
	Data        []byte
	AccessCount int64
	CreatedAt   time.Time
}

// Store defines the persistence interface for imported decks, cards, and
// accepted media.
type Store interface {
	// Decks
	CreateDeck(ctx context.Context, deck *model.Deck) error
	GetDeck(ctx context.Context, id string) (*model.Deck, error)
	DeleteDeck(ctx context.Context, id string) error

	// Cards
	CreateCard(ctx context.Context, card *model.Card) error
	ListCardsByDeck(ctx context.Context, deckID string) ([]*model.Card, error)

	// Media
	CreateMediaFile(ctx context.Context, media *StoredMedia) error
	GetMediaFile(ctx context.Context, id string) (*StoredMedia, error)
	MediaBelongsTo(ctx context.Context, mediaID, userID, deckID string) (bool, error)
	IncrementMediaAccess(ctx context.Context, mediaID string, delta int64) error
	DeleteMediaRowsForDeck(ctx context.Context, deckID string) error
}

// Subscriber receives deck lifecycle notifications. Registration is
// explicit; there is no process-wide listener state.
type Subscriber interface {
	DeckCreated(deck *model.Deck)
	DeckDeleted(deckID string)
}
