package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/quizfolio/deckvault/internal/access"
	"github.com/quizfolio/deckvault/internal/importer"
	"github.com/quizfolio/deckvault/internal/mediaref"
	"github.com/quizfolio/deckvault/internal/server"
	"github.com/quizfolio/deckvault/internal/store"
)

func main() {
	listenAddr := flag.String("listen", envOr("DECKVAULT_LISTEN", ":8080"), "HTTP listen address")
	dbPath := flag.String("db", envOr("DECKVAULT_DB_PATH", "./deckvault.db"), "SQLite database path")
	maxUploadMB := flag.Int64("max-upload-mb", envOrInt("DECKVAULT_MAX_UPLOAD_MB", 100), "maximum upload size in MiB")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := slog.Default()

	db, err := store.NewSQLiteStore(ctx, *dbPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	baseURL := envOr("DECKVAULT_BASE_URL", "http://localhost:8080")
	signingSecret := os.Getenv("DECKVAULT_SIGNING_SECRET")
	if signingSecret == "" || signingSecret == "change-me-in-production" {
		if strings.HasPrefix(baseURL, "https://") {
			log.Fatal("DECKVAULT_SIGNING_SECRET must be set to a strong random value in production (try: openssl rand -hex 32)")
		}
		// Allow an insecure default for local development only.
		log.Println("WARNING: using insecure default signing secret -- set DECKVAULT_SIGNING_SECRET for production")
		signingSecret = "insecure-dev-only-signing-secret-do-not-use"
	}

	tokens, err := access.NewJWTController([]byte(signingSecret), "/media",
		func(ctx context.Context, mediaID, userID, deckID string) (bool, error) {
			return db.MediaBelongsTo(ctx, mediaID, userID, deckID)
		})
	if err != nil {
		log.Fatalf("Failed to create access controller: %v", err)
	}

	refs := mediaref.NewService(tokens, db, logger)
	db.Subscribe(refs)

	impCfg := importer.DefaultConfig()
	impCfg.MaxFileSize = *maxUploadMB << 20
	imp := importer.New(impCfg, db, refs, logger)
	go imp.RunJanitor(ctx, time.Minute)

	srv := server.NewServer(server.Config{
		ListenAddr:     *listenAddr,
		MaxUploadBytes: impCfg.MaxFileSize,
	}, db, imp, refs, tokens, logger)
	defer srv.Stop()

	httpSrv := &http.Server{
		Addr:    *listenAddr,
		Handler: srv.Handler(),
	}

	go func() {
		log.Printf("Listening on %s", *listenAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrInt(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}
