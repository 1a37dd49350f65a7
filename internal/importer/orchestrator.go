// Package importer coordinates the deck-import workflow: upload gates,
// extraction, media validation, template and field sanitization,
// deduplication, and batched persistence, with per-session progress and
// cooperative cancellation.
package importer

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/quizfolio/deckvault/internal/archive"
	"github.com/quizfolio/deckvault/internal/mediaref"
	"github.com/quizfolio/deckvault/internal/mediasec"
	"github.com/quizfolio/deckvault/internal/model"
	"github.com/quizfolio/deckvault/internal/render"
	"github.com/quizfolio/deckvault/internal/store"

	"log/slog"
)

// supportedExtension is the only accepted container type.
const supportedExtension = ".apkg"

// validationWorkers bounds the media-validation fan-out per import.
const validationWorkers = 4

var (
	ErrAuthenticationRequired = errors.New("authentication required")
	ErrUnsupportedFileType    = errors.New("unsupported file type")
	ErrFileTooLarge           = errors.New("file exceeds maximum size")
	ErrTooManyActiveImports   = errors.New("too many active imports")
	ErrCriticalSecurityIssue  = errors.New("critical security issue in deck templates")
	ErrSaveFailed             = errors.New("saving deck failed")
	ErrImportCancelled        = errors.New("import cancelled")
	ErrSessionNotFound        = errors.New("import session not found")
)

// Config tunes the orchestrator's gates and batching.
type Config struct {
	MaxFileSize         int64
	MaxActivePerUser    int
	MaxConcurrentTotal  int
	BatchSize           int
	DeduplicateModels   bool
	DeduplicateCards    bool
	SimilarityThreshold float64
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxFileSize:         100 << 20, // 100 MiB
		MaxActivePerUser:    2,
		MaxConcurrentTotal:  8,
		BatchSize:           50,
		DeduplicateModels:   true,
		DeduplicateCards:    true,
		SimilarityThreshold: 0.95,
	}
}

// Upload is the caller-supplied file descriptor for one import.
type Upload struct {
	Filename string
	Data     []byte
	UserID   string
}

// ProgressFunc receives coarse progress checkpoints.
type ProgressFunc func(model.Progress)

// ErrorFunc receives structured stage errors as they are recorded.
type ErrorFunc func(model.ImportError)

// Orchestrator drives the import pipeline. All exported methods are safe
// for concurrent use.
type Orchestrator struct {
	cfg       Config
	extractor *archive.Extractor
	validator *mediasec.Validator
	sanitizer *render.Sanitizer
	mediaRefs *mediaref.Service
	store     store.Store
	logger    *slog.Logger

	reg  *registry
	pool chan struct{}
}

// New wires an Orchestrator from its collaborators.
func New(cfg Config, st store.Store, refs *mediaref.Service, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:       cfg,
		extractor: archive.NewExtractor(logger),
		validator: mediasec.NewValidator(),
		sanitizer: render.NewSanitizer(logger),
		mediaRefs: refs,
		store:     st,
		logger:    logger,
		reg:       newRegistry(),
		pool:      make(chan struct{}, cfg.MaxConcurrentTotal),
	}
}

// admit checks the upload gates in order and registers a new session.
func (o *Orchestrator) admit(up Upload, onProgress ProgressFunc, onError ErrorFunc) (*session, error) {
	if up.UserID == "" {
		return nil, ErrAuthenticationRequired
	}
	if !strings.EqualFold(filepath.Ext(up.Filename), supportedExtension) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFileType, filepath.Ext(up.Filename))
	}
	if int64(len(up.Data)) > o.cfg.MaxFileSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFileTooLarge, len(up.Data))
	}
	return o.reg.open(up, o.cfg.MaxActivePerUser, onProgress, onError)
}

// ImportDeck runs one import to completion in the calling goroutine. The
// gates are checked in order before any archive entry is read.
func (o *Orchestrator) ImportDeck(ctx context.Context, up Upload, onProgress ProgressFunc, onError ErrorFunc) (*model.ImportSummary, error) {
	sess, err := o.admit(up, onProgress, onError)
	if err != nil {
		return nil, err
	}
	return o.execute(ctx, sess, up)
}

// StartImport admits the upload and runs the pipeline in a background
// goroutine, returning the session ID for Status and Cancel. The outcome
// is available on the session's Summary once it reaches a terminal state.
func (o *Orchestrator) StartImport(ctx context.Context, up Upload, onProgress ProgressFunc, onError ErrorFunc) (string, error) {
	sess, err := o.admit(up, onProgress, onError)
	if err != nil {
		return "", err
	}
	go func() {
		if _, err := o.execute(ctx, sess, up); err != nil {
			o.logger.Warn("background import failed", "session", sess.id(), "error", err)
		}
	}()
	return sess.id(), nil
}

// execute drives an admitted session through the pipeline, holding one
// slot in the global worker pool for its duration.
func (o *Orchestrator) execute(ctx context.Context, sess *session, up Upload) (*model.ImportSummary, error) {
	start := time.Now()

	ctx, cancel := context.WithCancel(ctx)
	sess.mu.Lock()
	sess.cancel = cancel
	sess.mu.Unlock()
	defer cancel()
	defer o.reg.release(up.UserID)

	select {
	case o.pool <- struct{}{}:
		defer func() { <-o.pool }()
	case <-ctx.Done():
		return nil, o.fail(sess, "WORKER_POOL", ctx.Err(), true)
	}

	summary, err := o.run(ctx, sess, up)
	if err != nil {
		return nil, err
	}
	summary.TotalProcessingTime = time.Since(start)
	sess.setSummary(summary)
	sess.setState(model.StateCompleted)
	sess.report(100)
	o.logger.Info("import completed",
		"session", sess.id(), "deck", summary.DeckID,
		"cards", summary.CardsImported, "media", summary.MediaFilesProcessed,
		"duration_ms", summary.TotalProcessingTime.Milliseconds())
	return summary, nil
}

// Cancel requests cooperative cancellation of a running session. Cards
// already persisted are not rolled back.
func (o *Orchestrator) Cancel(sessionID string) error {
	sess := o.reg.get(sessionID)
	if sess == nil {
		return ErrSessionNotFound
	}
	sess.mu.Lock()
	cancel := sess.cancel
	sess.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// Status returns a snapshot of the session's state, counters, and errors.
func (o *Orchestrator) Status(sessionID string) (model.ImportSession, error) {
	sess := o.reg.get(sessionID)
	if sess == nil {
		return model.ImportSession{}, ErrSessionNotFound
	}
	return sess.snapshot(), nil
}

// RunJanitor prunes expired terminal sessions until ctx is cancelled.
func (o *Orchestrator) RunJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := o.reg.prune(now); n > 0 {
				o.logger.Debug("pruned import sessions", "count", n)
			}
		}
	}
}

// run drives the pipeline once the gates have passed.
func (o *Orchestrator) run(ctx context.Context, sess *session, up Upload) (*model.ImportSummary, error) {
	summary := &model.ImportSummary{}

	// Parsing.
	sess.setState(model.StateParsing)
	extracted, err := o.extractor.Extract(ctx, up.Data, up.Filename)
	if err != nil {
		return nil, o.fail(sess, "EXTRACTION_FAILED", err, false)
	}
	sess.updateCounters(func(c *model.ProgressCounters) {
		c.CardsFound = len(extracted.Cards)
		c.MediaFound = len(extracted.MediaFiles)
		c.ModelsFound = 1
	})
	sess.report(15)

	// Processing: media validation fan-out.
	sess.setState(model.StateProcessing)
	accepted, signatures, securityIssues := o.validateMedia(ctx, sess, extracted.MediaFiles)
	summary.SecurityIssuesFound += securityIssues
	summary.MediaFilesProcessed = len(accepted)
	sess.report(40)

	// Processing: model template sanitization.
	deckModel := defaultModel(extracted.DeckName)
	if err := o.sanitizeModel(sess, deckModel); err != nil {
		return nil, err
	}
	summary.SecurityIssuesFound += len(deckModel.Errors)

	// Processing: card field sanitization.
	cards := o.sanitizeCards(sess, deckModel, extracted.Cards)
	for _, c := range cards {
		if c.HasUnsafeContent {
			summary.SecurityIssuesFound++
		}
	}

	// Optimizing: deduplication.
	sess.setState(model.StateOptimizing)
	cards, skipped := o.dedupeCards(cards)
	summary.DuplicatesSkipped += skipped
	modelIsNew := o.reg.claimModelHash(deckModel.TemplateHash) || !o.cfg.DeduplicateModels
	if modelIsNew {
		summary.ModelsImported = 1
	} else {
		summary.DuplicatesSkipped++
	}
	sess.report(60)

	// Finalizing: persistence.
	sess.setState(model.StateFinalizing)
	deck := &model.Deck{
		ID:         uuid.New().String(),
		UserID:     up.UserID,
		Name:       extracted.DeckName,
		CardCount:  len(cards),
		MediaCount: len(accepted),
		CreatedAt:  time.Now().UTC(),
	}
	if err := o.store.CreateDeck(ctx, deck); err != nil {
		return nil, o.fail(sess, "SAVE_FAILED", fmt.Errorf("%w: %v", ErrSaveFailed, err), true)
	}
	summary.DeckID = deck.ID
	summary.DeckName = deck.Name

	o.persistMedia(ctx, sess, deck, accepted, signatures)
	o.mediaRefs.BuildMappings(ctx, deck.ID, accepted, up.UserID)

	saved, err := o.persistCards(ctx, sess, deck, cards)
	summary.CardsImported = saved
	if err != nil {
		return nil, err
	}
	sess.report(95)
	return summary, nil
}

// validateMedia fans blob validation out over a bounded worker group and
// returns the blobs that passed along with their content signatures.
// Invalid blobs are recorded, not fatal.
func (o *Orchestrator) validateMedia(ctx context.Context, sess *session, media []model.MediaFile) ([]model.MediaFile, map[string]string, int) {
	if len(media) == 0 {
		return nil, nil, 0
	}

	reports := make([]*model.ValidationReport, len(media))
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(validationWorkers)
	for i := range media {
		i := i
		g.Go(func() error {
			reports[i] = o.validator.Validate(media[i].Data, media[i].Filename)
			return nil
		})
	}
	g.Wait() // workers never return errors

	var accepted []model.MediaFile
	signatures := make(map[string]string, len(media))
	issues := 0
	for i, report := range reports {
		sess.updateCounters(func(c *model.ProgressCounters) { c.MediaProcessed++ })
		if len(report.Threats) > 0 {
			issues += len(report.Threats)
		}
		if !report.IsValid {
			sess.recordError(model.ImportError{
				Type:      "MEDIA_REJECTED",
				Message:   fmt.Sprintf("%s: %s", media[i].Filename, strings.Join(report.Warnings, "; ")),
				Retryable: false,
				Timestamp: time.Now(),
			})
			o.logger.Warn("media rejected", "filename", media[i].Filename, "threats", len(report.Threats))
			continue
		}
		signatures[media[i].ID] = report.Signature
		accepted = append(accepted, media[i])
	}
	return accepted, signatures, issues
}

// defaultModel is the two-field model imported containers map onto.
func defaultModel(deckName string) *model.CardModel {
	m := &model.CardModel{
		ID:   uuid.New().String(),
		Name: deckName,
		Fields: []model.FieldDef{
			{Name: "Front", Ordinal: 0},
			{Name: "Back", Ordinal: 1},
		},
		Templates: []model.CardTemplate{{
			Name:         "Card 1",
			QuestionHTML: "{{Front}}",
			AnswerHTML:   `{{Front}}<hr id="answer">{{Back}}`,
			CSS:          ".card { font-family: sans-serif; text-align: center; }",
		}},
	}
	m.TemplateHash = templateHash(m)
	return m
}

// sanitizeModel runs the sanitizer over every template face and derives the
// model's security classification. A dangerous model aborts the import.
func (o *Orchestrator) sanitizeModel(sess *session, m *model.CardModel) error {
	classification := model.SecuritySafe
	for i, tmpl := range m.Templates {
		for _, side := range []render.Side{render.SideQuestion, render.SideAnswer} {
			result := o.sanitizer.RenderCard(m, tmpl, nil, side)
			if result.HTML == "" && result.Original != "" {
				m.Errors = append(m.Errors, fmt.Sprintf("template %q produced no output", tmpl.Name))
				classification = model.SecurityDangerous
				continue
			}
			if result.OutputUnsafe {
				m.Errors = append(m.Errors, fmt.Sprintf("template %q retained dangerous content", tmpl.Name))
				classification = model.SecurityDangerous
				continue
			}
			if len(result.Warnings) > 0 {
				m.Errors = append(m.Errors, result.Warnings...)
				if classification == model.SecuritySafe {
					classification = model.SecurityWarning
				}
			}
			if side == render.SideQuestion {
				m.Templates[i].QuestionHTML = result.HTML
			} else {
				m.Templates[i].AnswerHTML = result.HTML
			}
			m.Templates[i].CSS = result.CSS
		}
	}
	m.Security = classification
	sess.updateCounters(func(c *model.ProgressCounters) { c.ModelsProcessed++ })

	if classification == model.SecurityDangerous {
		return o.fail(sess, "CRITICAL_SECURITY_ISSUE",
			fmt.Errorf("%w: model %q", ErrCriticalSecurityIssue, m.Name), false)
	}
	return nil
}

// sanitizeCards sanitizes each card's field values. Cards that triggered
// any sanitizer warning, or whose output differs materially from input,
// are flagged unsafe but still imported. A field whose output still scans
// dangerous quarantines the card and is replaced with escaped text.
func (o *Orchestrator) sanitizeCards(sess *session, m *model.CardModel, raw []model.RawCard) []*model.Card {
	cards := make([]*model.Card, 0, len(raw))
	for _, rc := range raw {
		fields := map[string]string{"Front": rc.Front, "Back": rc.Back}
		sanitized := make(map[string]string, len(fields))
		var warnings []string
		unsafe := false
		status := "ready"
		for name, value := range fields {
			result := o.sanitizer.Sanitize(value, "", render.Options{Strictness: render.Strict})
			warnings = append(warnings, result.Warnings...)
			if len(result.Warnings) > 0 || materiallyDiffers(value, result.HTML) {
				unsafe = true
			}
			if result.OutputUnsafe {
				sanitized[name] = template.HTMLEscapeString(result.HTML)
				status = "quarantined"
				continue
			}
			sanitized[name] = result.HTML
		}
		cards = append(cards, &model.Card{
			ID:               uuid.New().String(),
			ModelID:          m.ID,
			Fields:           fields,
			SanitizedFields:  sanitized,
			Tags:             rc.Tags,
			SecurityWarnings: warnings,
			HasUnsafeContent: unsafe,
			Status:           status,
			CreatedAt:        time.Now().UTC(),
		})
	}
	return cards
}

// materiallyDiffers ignores whitespace and entity-escaping noise when
// deciding whether sanitization changed a field.
func materiallyDiffers(before, after string) bool {
	normalize := func(s string) string {
		s = strings.NewReplacer("&amp;", "&", "&lt;", "<", "&gt;", ">", "&#34;", `"`, "&#39;", "'").Replace(s)
		return strings.Join(strings.Fields(s), " ")
	}
	return normalize(before) != normalize(after)
}

// dedupeCards drops exact and near-duplicate (front, back) pairs.
func (o *Orchestrator) dedupeCards(cards []*model.Card) ([]*model.Card, int) {
	if !o.cfg.DeduplicateCards {
		return cards, 0
	}

	seen := make(map[string]bool, len(cards))
	kept := make([]*model.Card, 0, len(cards))
	skipped := 0
	for _, card := range cards {
		key := cardKey(card.SanitizedFields["Front"], card.SanitizedFields["Back"])
		if seen[key] {
			skipped++
			continue
		}
		if o.cfg.SimilarityThreshold > 0 && nearDuplicate(kept, card, o.cfg.SimilarityThreshold) {
			skipped++
			continue
		}
		seen[key] = true
		kept = append(kept, card)
	}
	return kept, skipped
}

func nearDuplicate(kept []*model.Card, card *model.Card, threshold float64) bool {
	front := card.SanitizedFields["Front"]
	back := card.SanitizedFields["Back"]
	for _, other := range kept {
		if similarity(front, other.SanitizedFields["Front"]) >= threshold &&
			similarity(back, other.SanitizedFields["Back"]) >= threshold {
			return true
		}
	}
	return false
}

// persistMedia stores accepted blobs. Failures are isolated per file.
func (o *Orchestrator) persistMedia(ctx context.Context, sess *session, deck *model.Deck, media []model.MediaFile, signatures map[string]string) {
	for _, m := range media {
		err := o.store.CreateMediaFile(ctx, &store.StoredMedia{
			ID:        m.ID,
			DeckID:    deck.ID,
			Filename:  m.Filename,
			MIMEType:  m.MIMEType,
			Kind:      m.Kind,
			Signature: signatures[m.ID],
			SizeBytes: int64(len(m.Data)),
			Data:      m.Data,
			CreatedAt: time.Now().UTC(),
		})
		if err != nil {
			sess.recordError(model.ImportError{
				Type:      "MEDIA_SAVE_FAILED",
				Message:   fmt.Sprintf("%s: %v", m.Filename, err),
				Retryable: true,
				Timestamp: time.Now(),
			})
		}
	}
}

// persistCards saves cards in fixed-size batches with an inter-batch yield
// and a cancellation check at each batch boundary. A failing card is
// retried once before being counted as failed; card-level failures never
// abort the import.
func (o *Orchestrator) persistCards(ctx context.Context, sess *session, deck *model.Deck, cards []*model.Card) (int, error) {
	batchSize := o.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 50
	}

	saved := 0
	for start := 0; start < len(cards); start += batchSize {
		select {
		case <-ctx.Done():
			return saved, o.fail(sess, "CANCELLED",
				fmt.Errorf("%w after %d cards", ErrImportCancelled, saved), false)
		default:
		}

		end := min(start+batchSize, len(cards))
		for _, card := range cards[start:end] {
			card.DeckID = deck.ID
			err := o.store.CreateCard(ctx, card)
			if err != nil {
				// Per-card retry before counting the card as failed.
				err = o.store.CreateCard(ctx, card)
			}
			if err != nil {
				sess.recordError(model.ImportError{
					Type:      "CARD_SAVE_FAILED",
					Message:   fmt.Sprintf("card %s: %v", card.ID, err),
					Retryable: true,
					Timestamp: time.Now(),
				})
				continue
			}
			saved++
			sess.updateCounters(func(c *model.ProgressCounters) { c.CardsProcessed++ })
		}

		sess.report(60 + 35*end/len(cards))
		runtime.Gosched() // inter-batch yield
	}
	return saved, nil
}

// fail records a structured error, moves the session to failed, and
// returns the underlying error for the caller.
func (o *Orchestrator) fail(sess *session, errType string, err error, retryable bool) error {
	sess.recordError(model.ImportError{
		Type:      errType,
		Message:   err.Error(),
		Retryable: retryable,
		Timestamp: time.Now(),
	})
	sess.setState(model.StateFailed)
	o.logger.Error("import failed", "session", sess.id(), "type", errType, "error", err)
	return err
}
