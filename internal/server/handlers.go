package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/quizfolio/deckvault/internal/importer"
	"github.com/quizfolio/deckvault/internal/model"
	"github.com/quizfolio/deckvault/internal/store"
)

// uploadFieldName is the multipart form field carrying the deck file.
const uploadFieldName = "deck"

type errorResponse struct {
	Error string `json:"error"`
}

type importCreatedResponse struct {
	SessionID string `json:"session_id"`
}

type importErrorJSON struct {
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	Timestamp time.Time `json:"timestamp"`
}

type countersJSON struct {
	ModelsFound     int `json:"models_found"`
	ModelsProcessed int `json:"models_processed"`
	CardsFound      int `json:"cards_found"`
	CardsProcessed  int `json:"cards_processed"`
	MediaFound      int `json:"media_found"`
	MediaProcessed  int `json:"media_processed"`
}

type summaryJSON struct {
	DeckID              string `json:"deck_id"`
	DeckName            string `json:"deck_name"`
	ModelsImported      int    `json:"models_imported"`
	CardsImported       int    `json:"cards_imported"`
	MediaFilesProcessed int    `json:"media_files_processed"`
	DuplicatesSkipped   int    `json:"duplicates_skipped"`
	SecurityIssuesFound int    `json:"security_issues_found"`
	ProcessingMillis    int64  `json:"processing_ms"`
}

type sessionJSON struct {
	ID        string            `json:"id"`
	Filename  string            `json:"filename"`
	State     model.ImportState `json:"state"`
	Counters  countersJSON      `json:"counters"`
	Errors    []importErrorJSON `json:"errors"`
	Summary   *summaryJSON      `json:"summary,omitempty"`
	StartedAt time.Time         `json:"started_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

func sessionToJSON(sess model.ImportSession) sessionJSON {
	out := sessionJSON{
		ID:       sess.ID,
		Filename: sess.Filename,
		State:    sess.State,
		Counters: countersJSON{
			ModelsFound:     sess.Counters.ModelsFound,
			ModelsProcessed: sess.Counters.ModelsProcessed,
			CardsFound:      sess.Counters.CardsFound,
			CardsProcessed:  sess.Counters.CardsProcessed,
			MediaFound:      sess.Counters.MediaFound,
			MediaProcessed:  sess.Counters.MediaProcessed,
		},
		Errors:    make([]importErrorJSON, 0, len(sess.Errors)),
		StartedAt: sess.StartedAt,
		UpdatedAt: sess.UpdatedAt,
	}
	for _, e := range sess.Errors {
		out.Errors = append(out.Errors, importErrorJSON{
			Type:      e.Type,
			Message:   e.Message,
			Retryable: e.Retryable,
			Timestamp: e.Timestamp,
		})
	}
	if sess.Summary != nil {
		out.Summary = &summaryJSON{
			DeckID:              sess.Summary.DeckID,
			DeckName:            sess.Summary.DeckName,
			ModelsImported:      sess.Summary.ModelsImported,
			CardsImported:       sess.Summary.CardsImported,
			MediaFilesProcessed: sess.Summary.MediaFilesProcessed,
			DuplicatesSkipped:   sess.Summary.DuplicatesSkipped,
			SecurityIssuesFound: sess.Summary.SecurityIssuesFound,
			ProcessingMillis:    sess.Summary.TotalProcessingTime.Milliseconds(),
		}
	}
	return out
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encoding response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg})
}

// HandleImportCreate accepts a multipart deck upload and starts a
// background import, returning the session ID for polling.
func (s *Server) HandleImportCreate(w http.ResponseWriter, r *http.Request) {
	userID := UserIDFromContext(r.Context())
	if userID == "" {
		s.writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	if !s.rl.AllowUserImport(userID) {
		s.writeError(w, http.StatusTooManyRequests, "import rate limit exceeded")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxUploadBytes)
	file, header, err := r.FormFile(uploadFieldName)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, "upload too large")
			return
		}
		s.writeError(w, http.StatusBadRequest, "missing deck file")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, "upload too large")
			return
		}
		s.writeError(w, http.StatusBadRequest, "reading upload")
		return
	}

	// The import outlives the request; detach from its cancellation.
	sessionID, err := s.importer.StartImport(
		contextWithoutRequest(r), importer.Upload{
			Filename: header.Filename,
			Data:     data,
			UserID:   userID,
		}, nil, nil)
	if err != nil {
		s.writeImportError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, importCreatedResponse{SessionID: sessionID})
}

func (s *Server) writeImportError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, importer.ErrAuthenticationRequired):
		s.writeError(w, http.StatusUnauthorized, "authentication required")
	case errors.Is(err, importer.ErrUnsupportedFileType):
		s.writeError(w, http.StatusBadRequest, "only .apkg uploads are supported")
	case errors.Is(err, importer.ErrFileTooLarge):
		s.writeError(w, http.StatusRequestEntityTooLarge, "upload too large")
	case errors.Is(err, importer.ErrTooManyActiveImports):
		s.writeError(w, http.StatusTooManyRequests, "too many active imports")
	default:
		s.writeError(w, http.StatusInternalServerError, "starting import")
	}
}

// HandleImportStatus reports the state, counters, and errors of a session.
func (s *Server) HandleImportStatus(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.ownedSession(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, sessionToJSON(sess))
}

// HandleImportCancel requests cooperative cancellation of a session.
func (s *Server) HandleImportCancel(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.ownedSession(w, r)
	if !ok {
		return
	}
	if err := s.importer.Cancel(sess.ID); err != nil {
		s.writeError(w, http.StatusNotFound, "import session not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ownedSession resolves the path session and enforces that it belongs to
// the caller. Foreign sessions read as not found.
func (s *Server) ownedSession(w http.ResponseWriter, r *http.Request) (model.ImportSession, bool) {
	userID := UserIDFromContext(r.Context())
	if userID == "" {
		s.writeError(w, http.StatusUnauthorized, "authentication required")
		return model.ImportSession{}, false
	}
	sess, err := s.importer.Status(chi.URLParam(r, "sessionID"))
	if err != nil || sess.UserID != userID {
		s.writeError(w, http.StatusNotFound, "import session not found")
		return model.ImportSession{}, false
	}
	return sess, true
}

type deckJSON struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	CardCount  int       `json:"card_count"`
	MediaCount int       `json:"media_count"`
	CreatedAt  time.Time `json:"created_at"`
}

// HandleDeckGet returns deck metadata.
func (s *Server) HandleDeckGet(w http.ResponseWriter, r *http.Request) {
	deck, ok := s.ownedDeck(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, deckJSON{
		ID:         deck.ID,
		Name:       deck.Name,
		CardCount:  deck.CardCount,
		MediaCount: deck.MediaCount,
		CreatedAt:  deck.CreatedAt,
	})
}

// HandleDeckDelete removes a deck, its cards and media rows, and the
// in-memory media mappings.
func (s *Server) HandleDeckDelete(w http.ResponseWriter, r *http.Request) {
	deck, ok := s.ownedDeck(w, r)
	if !ok {
		return
	}
	if err := s.mediaRefs.CleanupDeck(r.Context(), deck.ID); err != nil {
		s.logger.Error("cleaning up deck media", "deck", deck.ID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "deleting deck")
		return
	}
	if err := s.store.DeleteDeck(r.Context(), deck.ID); err != nil {
		s.writeError(w, http.StatusInternalServerError, "deleting deck")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type cardJSON struct {
	ID               string            `json:"id"`
	Fields           map[string]string `json:"fields"`
	Tags             []string          `json:"tags"`
	HasUnsafeContent bool              `json:"has_unsafe_content"`
	Warnings         []string          `json:"warnings,omitempty"`
}

// HandleDeckCards lists a deck's cards with sanitized field values and
// media references resolved to signed URLs.
func (s *Server) HandleDeckCards(w http.ResponseWriter, r *http.Request) {
	deck, ok := s.ownedDeck(w, r)
	if !ok {
		return
	}
	userID := UserIDFromContext(r.Context())
	cards, err := s.store.ListCardsByDeck(r.Context(), deck.ID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "listing cards")
		return
	}

	out := make([]cardJSON, 0, len(cards))
	for _, c := range cards {
		fields := make(map[string]string, len(c.SanitizedFields))
		for name, value := range c.SanitizedFields {
			fields[name] = s.mediaRefs.ResolveReferences(r.Context(), value, deck.ID, userID)
		}
		out = append(out, cardJSON{
			ID:               c.ID,
			Fields:           fields,
			Tags:             c.Tags,
			HasUnsafeContent: c.HasUnsafeContent,
			Warnings:         c.SecurityWarnings,
		})
	}
	s.writeJSON(w, http.StatusOK, out)
}

type statsJSON struct {
	TotalMedia    int              `json:"total_media"`
	CachedMedia   int              `json:"cached_media"`
	TotalAccesses int64            `json:"total_accesses"`
	TopAccessed   []fileAccessJSON `json:"top_accessed"`
}

type fileAccessJSON struct {
	Filename    string `json:"filename"`
	AccessCount int64  `json:"access_count"`
}

// HandleDeckStats reports media usage statistics for a deck.
func (s *Server) HandleDeckStats(w http.ResponseWriter, r *http.Request) {
	deck, ok := s.ownedDeck(w, r)
	if !ok {
		return
	}
	stats := s.mediaRefs.Stats(deck.ID)
	out := statsJSON{
		TotalMedia:    stats.TotalMedia,
		CachedMedia:   stats.CachedMedia,
		TotalAccesses: stats.TotalAccesses,
		TopAccessed:   make([]fileAccessJSON, 0, len(stats.TopAccessed)),
	}
	for _, fa := range stats.TopAccessed {
		out.TopAccessed = append(out.TopAccessed, fileAccessJSON{
			Filename:    fa.Filename,
			AccessCount: fa.AccessCount,
		})
	}
	s.writeJSON(w, http.StatusOK, out)
}

// ownedDeck resolves the path deck and enforces caller ownership. Foreign
// decks read as not found.
func (s *Server) ownedDeck(w http.ResponseWriter, r *http.Request) (*model.Deck, bool) {
	userID := UserIDFromContext(r.Context())
	if userID == "" {
		s.writeError(w, http.StatusUnauthorized, "authentication required")
		return nil, false
	}
	deck, err := s.store.GetDeck(r.Context(), chi.URLParam(r, "deckID"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "deck not found")
		} else {
			s.writeError(w, http.StatusInternalServerError, "loading deck")
		}
		return nil, false
	}
	if deck.UserID != userID {
		s.writeError(w, http.StatusNotFound, "deck not found")
		return nil, false
	}
	return deck, true
}

// HandleMediaGet streams a validated media blob. Authorization comes from
// the signed token in the query string; an invalid or expired token, or a
// token minted for a different file or user, reads as not found.
func (s *Server) HandleMediaGet(w http.ResponseWriter, r *http.Request) {
	mediaID := chi.URLParam(r, "mediaID")
	token := r.URL.Query().Get("token")
	userID := UserIDFromContext(r.Context())

	claimedID, ok := s.tokens.ParseToken(token, userID)
	if !ok || claimedID != mediaID {
		s.writeError(w, http.StatusNotFound, "media not found")
		return
	}

	media, err := s.store.GetMediaFile(r.Context(), mediaID)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "media not found")
		return
	}

	w.Header().Set("Content-Type", media.MIMEType)
	w.Header().Set("Content-Length", strconv.FormatInt(media.SizeBytes, 10))
	w.Header().Set("Cache-Control", "private, max-age=300")
	w.Header().Set("Content-Disposition", "inline")
	if _, err := w.Write(media.Data); err != nil {
		s.logger.Debug("writing media response", "media", mediaID, "error", err)
	}
}
