package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/quizfolio/deckvault/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(context.Background(), t.TempDir()+"/test.db")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedDeck(t *testing.T, s *SQLiteStore, id, userID string) *model.Deck {
	t.Helper()
	deck := &model.Deck{
		ID:        id,
		UserID:    userID,
		Name:      "Test Deck",
		CreatedAt: time.Now().UTC(),
	}
	if err := s.CreateDeck(context.Background(), deck); err != nil {
		t.Fatalf("CreateDeck: %v", err)
	}
	return deck
}

func TestDeckRoundTrip(t *testing.T) {
	s := newTestStore(t)
	seedDeck(t, s, "deck-1", "user-1")

	got, err := s.GetDeck(context.Background(), "deck-1")
	if err != nil {
		t.Fatalf("GetDeck: %v", err)
	}
	if got.UserID != "user-1" || got.Name != "Test Deck" {
		t.Errorf("deck = %+v", got)
	}

	if err := s.DeleteDeck(context.Background(), "deck-1"); err != nil {
		t.Fatalf("DeleteDeck: %v", err)
	}
	if _, err := s.GetDeck(context.Background(), "deck-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("after delete, err = %v, want ErrNotFound", err)
	}
}

func TestCardRoundTrip(t *testing.T) {
	s := newTestStore(t)
	seedDeck(t, s, "deck-1", "user-1")

	card := &model.Card{
		ID:               "card-1",
		DeckID:           "deck-1",
		ModelID:          "model-1",
		Fields:           map[string]string{"Front": "hola", "Back": "hello"},
		SanitizedFields:  map[string]string{"Front": "hola", "Back": "hello"},
		Tags:             []string{"spanish"},
		SecurityWarnings: []string{},
		HasUnsafeContent: true,
		Status:           "ready",
		CreatedAt:        time.Now().UTC(),
	}
	if err := s.CreateCard(context.Background(), card); err != nil {
		t.Fatalf("CreateCard: %v", err)
	}

	cards, err := s.ListCardsByDeck(context.Background(), "deck-1")
	if err != nil {
		t.Fatalf("ListCardsByDeck: %v", err)
	}
	if len(cards) != 1 {
		t.Fatalf("got %d cards, want 1", len(cards))
	}
	got := cards[0]
	if got.Fields["Front"] != "hola" || !got.HasUnsafeContent || got.Tags[0] != "spanish" {
		t.Errorf("card = %+v", got)
	}
}

func TestMediaOwnershipAndAccess(t *testing.T) {
	s := newTestStore(t)
	seedDeck(t, s, "deck-1", "user-1")

	media := &StoredMedia{
		ID:        "media-1",
		DeckID:    "deck-1",
		Filename:  "a.jpg",
		MIMEType:  "image/jpeg",
		Kind:      model.MediaImage,
		Signature: "abc123",
		SizeBytes: 4,
		Data:      []byte{0xFF, 0xD8, 0xFF, 0xE0},
		CreatedAt: time.Now().UTC(),
	}
	if err := s.CreateMediaFile(context.Background(), media); err != nil {
		t.Fatalf("CreateMediaFile: %v", err)
	}

	ok, err := s.MediaBelongsTo(context.Background(), "media-1", "user-1", "deck-1")
	if err != nil || !ok {
		t.Errorf("MediaBelongsTo(owner) = (%v, %v), want (true, nil)", ok, err)
	}
	ok, _ = s.MediaBelongsTo(context.Background(), "media-1", "user-2", "deck-1")
	if ok {
		t.Error("media visible to wrong user")
	}

	if err := s.IncrementMediaAccess(context.Background(), "media-1", 3); err != nil {
		t.Fatalf("IncrementMediaAccess: %v", err)
	}
	got, err := s.GetMediaFile(context.Background(), "media-1")
	if err != nil {
		t.Fatalf("GetMediaFile: %v", err)
	}
	if got.AccessCount != 3 {
		t.Errorf("AccessCount = %d, want 3", got.AccessCount)
	}

	if err := s.DeleteMediaRowsForDeck(context.Background(), "deck-1"); err != nil {
		t.Fatalf("DeleteMediaRowsForDeck: %v", err)
	}
	if _, err := s.GetMediaFile(context.Background(), "media-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("after cleanup, err = %v, want ErrNotFound", err)
	}
}

type recordingSubscriber struct {
	created []string
	deleted []string
}

func (r *recordingSubscriber) DeckCreated(deck *model.Deck) { r.created = append(r.created, deck.ID) }
func (r *recordingSubscriber) DeckDeleted(deckID string)    { r.deleted = append(r.deleted, deckID) }

func TestSubscriberNotifications(t *testing.T) {
	s := newTestStore(t)
	sub := &recordingSubscriber{}
	s.Subscribe(sub)

	seedDeck(t, s, "deck-9", "user-1")
	if err := s.DeleteDeck(context.Background(), "deck-9"); err != nil {
		t.Fatalf("DeleteDeck: %v", err)
	}

	if len(sub.created) != 1 || sub.created[0] != "deck-9" {
		t.Errorf("created notifications = %v", sub.created)
	}
	if len(sub.deleted) != 1 || sub.deleted[0] != "deck-9" {
		t.Errorf("deleted notifications = %v", sub.deleted)
	}
}
