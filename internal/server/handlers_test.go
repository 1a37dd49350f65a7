package server

import (
	"archive/zip"
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/quizfolio/deckvault/internal/access"
	"github.com/quizfolio/deckvault/internal/importer"
	"github.com/quizfolio/deckvault/internal/mediaref"
	"github.com/quizfolio/deckvault/internal/model"
	"github.com/quizfolio/deckvault/internal/store"
)

type testEnv struct {
	srv    *Server
	store  *store.SQLiteStore
	tokens *access.JWTController
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st, err := store.NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "deckvault.db"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	tokens, err := access.NewJWTController([]byte("test-secret-0123456789"), "/media",
		func(ctx context.Context, mediaID, userID, deckID string) (bool, error) {
			return st.MediaBelongsTo(ctx, mediaID, userID, deckID)
		})
	if err != nil {
		t.Fatalf("building controller: %v", err)
	}

	refs := mediaref.NewService(tokens, st, logger)
	imp := importer.New(importer.DefaultConfig(), st, refs, logger)
	srv := NewServer(Config{MaxUploadBytes: 100 << 20}, st, imp, refs, tokens, logger)
	t.Cleanup(srv.Stop)

	return &testEnv{srv: srv, store: st, tokens: tokens}
}

func buildDeckFixture(t *testing.T, withMedia bool) []byte {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "collection.anki2")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("opening fixture database: %v", err)
	}
	stmts := []string{
		`CREATE TABLE col (id INTEGER PRIMARY KEY, decks TEXT)`,
		`CREATE TABLE notes (id INTEGER PRIMARY KEY, flds TEXT, tags TEXT)`,
		`CREATE TABLE cards (id INTEGER PRIMARY KEY, nid INTEGER, ord INTEGER)`,
		`INSERT INTO col (id, decks) VALUES (1, '{"1":{"name":"Geography"}}')`,
	}
	notes := []string{
		"capital of France\x1fParis",
		"capital of Japan\x1fTokyo <img src=\"map.jpg\">",
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("building fixture schema: %v", err)
		}
	}
	for i, flds := range notes {
		if _, err := db.Exec(`INSERT INTO notes (id, flds, tags) VALUES (?, ?, '')`, i+1, flds); err != nil {
			t.Fatalf("inserting fixture note: %v", err)
		}
		if _, err := db.Exec(`INSERT INTO cards (id, nid, ord) VALUES (?, ?, 0)`, i+1, i+1); err != nil {
			t.Fatalf("inserting fixture card: %v", err)
		}
	}
	if err := db.Close(); err != nil {
		t.Fatalf("closing fixture database: %v", err)
	}
	dbBytes, err := os.ReadFile(dbPath)
	if err != nil {
		t.Fatalf("reading fixture database: %v", err)
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	entries := map[string][]byte{"collection.anki2": dbBytes}
	if withMedia {
		entries["media"] = []byte(`{"0":"map.jpg"}`)
		entries["0"] = append([]byte{0xFF, 0xD8, 0xFF, 0xE0}, bytes.Repeat([]byte{0x10}, 32)...)
	}
	for name, data := range entries {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("creating fixture entry: %v", err)
		}
		if _, err := w.Write(data); err != nil {
			t.Fatalf("writing fixture entry: %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("closing fixture archive: %v", err)
	}
	return buf.Bytes()
}

func multipartUpload(t *testing.T, filename string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile(uploadFieldName, filename)
	if err != nil {
		t.Fatalf("creating form file: %v", err)
	}
	if _, err := fw.Write(data); err != nil {
		t.Fatalf("writing form file: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("closing multipart writer: %v", err)
	}
	return &body, mw.FormDataContentType()
}

func (e *testEnv) do(t *testing.T, method, path, userID string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if userID != "" {
		req.Header.Set(userIDHeader, userID)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)
	return rec
}

// startImport uploads the fixture and waits for the session to complete.
func (e *testEnv) startImport(t *testing.T, userID string, withMedia bool) sessionJSON {
	t.Helper()
	body, contentType := multipartUpload(t, "geography.apkg", buildDeckFixture(t, withMedia))
	rec := e.do(t, http.MethodPost, "/api/imports", userID, body, contentType)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("upload status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var created importCreatedResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decoding upload response: %v", err)
	}

	deadline := time.Now().Add(10 * time.Second)
	for {
		rec := e.do(t, http.MethodGet, "/api/imports/"+created.SessionID, userID, nil, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("status endpoint = %d, body = %s", rec.Code, rec.Body.String())
		}
		var sess sessionJSON
		if err := json.Unmarshal(rec.Body.Bytes(), &sess); err != nil {
			t.Fatalf("decoding status: %v", err)
		}
		if sess.State.Terminal() {
			return sess
		}
		if time.Now().After(deadline) {
			t.Fatalf("import did not finish, state = %s", sess.State)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestImportEndToEnd(t *testing.T) {
	env := newTestEnv(t)

	sess := env.startImport(t, "user-1", true)
	if sess.State != model.StateCompleted {
		t.Fatalf("state = %s, errors = %v", sess.State, sess.Errors)
	}
	if sess.Summary == nil {
		t.Fatal("completed session has no summary")
	}
	if sess.Summary.CardsImported != 2 {
		t.Errorf("cards imported = %d, want 2", sess.Summary.CardsImported)
	}
	if sess.Summary.MediaFilesProcessed != 1 {
		t.Errorf("media processed = %d, want 1", sess.Summary.MediaFilesProcessed)
	}

	// Deck metadata.
	rec := env.do(t, http.MethodGet, "/api/decks/"+sess.Summary.DeckID, "user-1", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("deck get = %d", rec.Code)
	}
	var deck deckJSON
	if err := json.Unmarshal(rec.Body.Bytes(), &deck); err != nil {
		t.Fatalf("decoding deck: %v", err)
	}
	if deck.Name != "Geography" {
		t.Errorf("deck name = %q", deck.Name)
	}

	// Cards with resolved media references.
	rec = env.do(t, http.MethodGet, "/api/decks/"+sess.Summary.DeckID+"/cards", "user-1", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("cards get = %d", rec.Code)
	}
	var cards []cardJSON
	if err := json.Unmarshal(rec.Body.Bytes(), &cards); err != nil {
		t.Fatalf("decoding cards: %v", err)
	}
	if len(cards) != 2 {
		t.Fatalf("cards = %d, want 2", len(cards))
	}

	// Stats reflect the imported media.
	rec = env.do(t, http.MethodGet, "/api/decks/"+sess.Summary.DeckID+"/stats", "user-1", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("stats get = %d", rec.Code)
	}
	var stats statsJSON
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decoding stats: %v", err)
	}
	if stats.TotalMedia != 1 {
		t.Errorf("total media = %d, want 1", stats.TotalMedia)
	}
}

func TestImportRequiresIdentity(t *testing.T) {
	env := newTestEnv(t)
	body, contentType := multipartUpload(t, "x.apkg", []byte("zip"))
	rec := env.do(t, http.MethodPost, "/api/imports", "", body, contentType)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestImportRejectsWrongExtension(t *testing.T) {
	env := newTestEnv(t)
	body, contentType := multipartUpload(t, "deck.zip", []byte("zip"))
	rec := env.do(t, http.MethodPost, "/api/imports", "user-1", body, contentType)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestSessionHiddenFromOtherUsers(t *testing.T) {
	env := newTestEnv(t)
	sess := env.startImport(t, "user-1", false)

	rec := env.do(t, http.MethodGet, "/api/imports/"+sess.ID, "user-2", nil, "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("foreign session status = %d, want 404", rec.Code)
	}
	rec = env.do(t, http.MethodDelete, "/api/imports/"+sess.ID, "user-2", nil, "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("foreign session cancel = %d, want 404", rec.Code)
	}
}

func TestDeckHiddenFromOtherUsers(t *testing.T) {
	env := newTestEnv(t)
	sess := env.startImport(t, "user-1", false)

	rec := env.do(t, http.MethodGet, "/api/decks/"+sess.Summary.DeckID, "user-2", nil, "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("foreign deck get = %d, want 404", rec.Code)
	}
}

func TestDeckDelete(t *testing.T) {
	env := newTestEnv(t)
	sess := env.startImport(t, "user-1", true)

	rec := env.do(t, http.MethodDelete, "/api/decks/"+sess.Summary.DeckID, "user-1", nil, "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete = %d", rec.Code)
	}
	rec = env.do(t, http.MethodGet, "/api/decks/"+sess.Summary.DeckID, "user-1", nil, "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("deleted deck get = %d, want 404", rec.Code)
	}
}

func TestMediaDelivery(t *testing.T) {
	env := newTestEnv(t)
	sess := env.startImport(t, "user-1", true)

	// Find the imported media row.
	medias := listMedia(t, env, sess.Summary.DeckID)
	if len(medias) != 1 {
		t.Fatalf("media rows = %d, want 1", len(medias))
	}
	mediaID := medias[0]

	signed, err := env.tokens.SignedURL(mediaID, "user-1", time.Minute)
	if err != nil {
		t.Fatalf("signing URL: %v", err)
	}

	rec := env.do(t, http.MethodGet, signed, "user-1", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("media get = %d, body = %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Content-Type"); got != "image/jpeg" {
		t.Errorf("content type = %q, want image/jpeg", got)
	}
	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("nosniff header = %q", got)
	}

	// Same token presented by another user fails closed.
	rec = env.do(t, http.MethodGet, signed, "user-2", nil, "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("foreign user media get = %d, want 404", rec.Code)
	}

	// A tampered token fails closed.
	rec = env.do(t, http.MethodGet, signed+"x", "user-1", nil, "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("tampered token media get = %d, want 404", rec.Code)
	}
}

// listMedia pulls media IDs for a deck by resolving the card references
// and extracting the data-media-id attributes the resolver adds.
func listMedia(t *testing.T, env *testEnv, deckID string) []string {
	t.Helper()
	rec := env.do(t, http.MethodGet, "/api/decks/"+deckID+"/cards", "user-1", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("cards get = %d", rec.Code)
	}
	var cards []cardJSON
	if err := json.Unmarshal(rec.Body.Bytes(), &cards); err != nil {
		t.Fatalf("decoding cards: %v", err)
	}
	seen := map[string]bool{}
	var ids []string
	for _, c := range cards {
		for _, value := range c.Fields {
			for _, id := range extractMediaIDs(value) {
				if !seen[id] {
					seen[id] = true
					ids = append(ids, id)
				}
			}
		}
	}
	return ids
}

func extractMediaIDs(html string) []string {
	const marker = `data-media-id="`
	var ids []string
	for {
		idx := strings.Index(html, marker)
		if idx < 0 {
			return ids
		}
		rest := html[idx+len(marker):]
		end := strings.Index(rest, `"`)
		if end < 0 {
			return ids
		}
		ids = append(ids, rest[:end])
		html = rest[end:]
	}
}
