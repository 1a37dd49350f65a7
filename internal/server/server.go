// Package server exposes the import pipeline over HTTP. All endpoints
// speak JSON except media delivery, which streams validated blobs.
package server

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/quizfolio/deckvault/internal/access"
	"github.com/quizfolio/deckvault/internal/importer"
	"github.com/quizfolio/deckvault/internal/mediaref"
	"github.com/quizfolio/deckvault/internal/store"
)

// Config holds server configuration.
type Config struct {
	ListenAddr     string
	MaxUploadBytes int64
}

// Server is the HTTP front for deck imports and media delivery.
type Server struct {
	config    Config
	store     store.Store
	importer  *importer.Orchestrator
	mediaRefs *mediaref.Service
	tokens    *access.JWTController
	rl        *RateLimiter
	router    chi.Router
	logger    *slog.Logger
}

// NewServer wires a Server from its collaborators.
func NewServer(cfg Config, st store.Store, imp *importer.Orchestrator, refs *mediaref.Service, tokens *access.JWTController, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	srv := &Server{
		config:    cfg,
		store:     st,
		importer:  imp,
		mediaRefs: refs,
		tokens:    tokens,
		rl:        NewRateLimiter(DefaultRateLimiterConfig()),
		logger:    logger,
	}
	srv.router = srv.routes()
	return srv
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(s.logger))
	r.Use(RecoveryMiddleware(s.logger))
	r.Use(SecurityHeadersMiddleware)
	r.Use(IPRateLimitMiddleware(s.rl, s.rl.config.GeneralRequestsPerMin))
	r.Use(IdentityMiddleware)

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(ImportRateLimitMiddleware(s.rl))
			r.Post("/imports", s.HandleImportCreate)
		})
		r.Get("/imports/{sessionID}", s.HandleImportStatus)
		r.Delete("/imports/{sessionID}", s.HandleImportCancel)

		r.Get("/decks/{deckID}", s.HandleDeckGet)
		r.Delete("/decks/{deckID}", s.HandleDeckDelete)
		r.Get("/decks/{deckID}/cards", s.HandleDeckCards)
		r.Get("/decks/{deckID}/stats", s.HandleDeckStats)
	})

	// Media delivery authenticates by signed token, not caller identity.
	r.Get("/media/{mediaID}", s.HandleMediaGet)

	return r
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Stop cleans up server resources.
func (s *Server) Stop() {
	s.rl.Stop()
}
