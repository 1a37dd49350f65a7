// Package archive opens untrusted deck containers: a zip holding an
// embedded SQLite collection database, an optional media-mapping entry, and
// raw media blobs named by ordinal. It extracts structured card data and
// renamed media files; nothing here trusts the container's contents.
package archive

import (
	"archive/zip"
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/quizfolio/deckvault/internal/mediasec"
	"github.com/quizfolio/deckvault/internal/model"
	_ "modernc.org/sqlite"
)

// Container entries holding the embedded collection database, newest
// schema name first.
var collectionNames = []string{"collection.anki21", "collection.anki2"}

// mediaMapEntry is the sidecar JSON mapping ordinals to original filenames.
const mediaMapEntry = "media"

// fieldSeparator splits a note's multi-field string.
const fieldSeparator = "\x1f"

// decompressionLimit caps total extracted bytes to stop zip bombs.
const decompressionLimit = 256 << 20 // 256 MiB

// sampleNotes is how many notes the field-pair scorer inspects.
const sampleNotes = 10

var (
	ErrCorruptArchive  = errors.New("container is not a readable archive")
	ErrMissingDatabase = errors.New("container has no embedded collection database")
	ErrNoValidCards    = errors.New("container produced no valid cards")
	ErrUnsafePath      = errors.New("container entry has an unsafe path")
)

// mediaExtensions are entry-name extensions treated as media even without a
// mapping entry.
var mediaExtensions = map[string]model.MediaKind{
	".jpg":  model.MediaImage,
	".jpeg": model.MediaImage,
	".png":  model.MediaImage,
	".gif":  model.MediaImage,
	".webp": model.MediaImage,
	".svg":  model.MediaImage,
	".mp3":  model.MediaAudio,
	".wav":  model.MediaAudio,
	".ogg":  model.MediaAudio,
	".mp4":  model.MediaVideo,
	".webm": model.MediaVideo,
}

var ordinalName = regexp.MustCompile(`^\d+$`)

// Result is the structured output of a successful extraction.
type Result struct {
	DeckName   string
	Cards      []model.RawCard
	MediaFiles []model.MediaFile
}

// Extractor pulls deck data out of uploaded containers.
type Extractor struct {
	logger *slog.Logger
}

// NewExtractor returns an Extractor logging through the given logger.
func NewExtractor(logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{logger: logger}
}

// Extract opens the container bytes uploaded under uploadName and returns
// the deck name, deduplicated (front, back) cards, and renamed media blobs.
func (e *Extractor) Extract(ctx context.Context, data []byte, uploadName string) (*Result, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptArchive, err)
	}

	entries, err := readEntries(zr)
	if err != nil {
		return nil, err
	}

	dbBytes, ok := findCollection(entries)
	if !ok {
		return nil, ErrMissingDatabase
	}

	deckName, notes, err := e.queryCollection(ctx, dbBytes)
	if err != nil {
		return nil, err
	}
	if deckName == "" {
		deckName = deckNameFromUpload(uploadName)
	}

	cards := e.notesToCards(notes)
	if len(cards) == 0 {
		return nil, ErrNoValidCards
	}

	media := e.collectMedia(entries)
	e.logger.Info("container extracted",
		"deck", deckName, "cards", len(cards), "media", len(media))

	return &Result{DeckName: deckName, Cards: cards, MediaFiles: media}, nil
}

// readEntries decompresses every archive entry, rejecting unsafe paths and
// enforcing the total decompression ceiling.
func readEntries(zr *zip.Reader) (map[string][]byte, error) {
	entries := make(map[string][]byte, len(zr.File))
	var total int64
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		name := path.Clean(strings.ReplaceAll(f.Name, "\\", "/"))
		if path.IsAbs(name) || strings.HasPrefix(name, "../") {
			return nil, fmt.Errorf("%w: %s", ErrUnsafePath, f.Name)
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("%w: open %s: %v", ErrCorruptArchive, f.Name, err)
		}
		content, err := io.ReadAll(io.LimitReader(rc, decompressionLimit-total+1))
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("%w: read %s: %v", ErrCorruptArchive, f.Name, err)
		}
		total += int64(len(content))
		if total > decompressionLimit {
			return nil, fmt.Errorf("%w: decompression limit exceeded", ErrCorruptArchive)
		}
		entries[name] = content
	}
	return entries, nil
}

func findCollection(entries map[string][]byte) ([]byte, bool) {
	for _, name := range collectionNames {
		if b, ok := entries[name]; ok && len(b) > 0 {
			return b, true
		}
	}
	return nil, false
}

// note is one row recovered from the embedded database.
type note struct {
	fields []string
	tags   []string
}

// queryCollection writes the database bytes to a temp file, opens it
// read-only, and pulls the deck name and note rows.
func (e *Extractor) queryCollection(ctx context.Context, dbBytes []byte) (string, []note, error) {
	tmp, err := os.CreateTemp("", "deckvault-collection-*.db")
	if err != nil {
		return "", nil, fmt.Errorf("staging collection database: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(dbBytes); err != nil {
		tmp.Close()
		return "", nil, fmt.Errorf("staging collection database: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", nil, fmt.Errorf("staging collection database: %w", err)
	}

	db, err := sql.Open("sqlite", tmpPath+"?mode=ro&_pragma=busy_timeout(5000)")
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrMissingDatabase, err)
	}
	defer db.Close()

	deckName := e.readDeckName(ctx, db)

	rows, err := db.QueryContext(ctx,
		`SELECT DISTINCT n.id, n.flds, n.tags
		 FROM notes n JOIN cards c ON c.nid = n.id
		 ORDER BY n.id`)
	if err != nil {
		return "", nil, fmt.Errorf("%w: querying notes: %v", ErrMissingDatabase, err)
	}
	defer rows.Close()

	var notes []note
	for rows.Next() {
		var id int64
		var flds, tags string
		if err := rows.Scan(&id, &flds, &tags); err != nil {
			return "", nil, fmt.Errorf("scanning note row: %w", err)
		}
		notes = append(notes, note{
			fields: strings.Split(flds, fieldSeparator),
			tags:   strings.Fields(tags),
		})
	}
	if err := rows.Err(); err != nil {
		return "", nil, fmt.Errorf("reading note rows: %w", err)
	}
	return deckName, notes, nil
}

// readDeckName decodes the single-row metadata table's JSON deck map and
// returns the first user-named deck. Failures degrade to an empty name so
// the caller can fall back to the upload filename.
func (e *Extractor) readDeckName(ctx context.Context, db *sql.DB) string {
	var decksJSON string
	if err := db.QueryRowContext(ctx, `SELECT decks FROM col LIMIT 1`).Scan(&decksJSON); err != nil {
		e.logger.Warn("reading deck metadata", "error", err)
		return ""
	}

	var decks map[string]struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal([]byte(decksJSON), &decks); err != nil {
		e.logger.Warn("decoding deck metadata", "error", err)
		return ""
	}

	var fallback string
	for _, d := range decks {
		name := strings.TrimSpace(d.Name)
		if name == "" {
			continue
		}
		if name != "Default" {
			return name
		}
		fallback = name
	}
	return fallback
}

func deckNameFromUpload(uploadName string) string {
	base := filepath.Base(uploadName)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	name = strings.NewReplacer("_", " ", "-", " ").Replace(name)
	name = strings.TrimSpace(name)
	if name == "" {
		return "Imported Deck"
	}
	return name
}

// notesToCards maps N-field notes onto (front, back) pairs via the sampled
// pair scorer, then drops empty, identical, and duplicate cards.
func (e *Extractor) notesToCards(notes []note) []model.RawCard {
	if len(notes) == 0 {
		return nil
	}
	front, back := chooseFieldPair(notes)
	e.logger.Debug("field pair chosen", "front", front, "back", back)

	seen := make(map[string]bool)
	var cards []model.RawCard
	for _, n := range notes {
		f := fieldAt(n.fields, front)
		b := fieldAt(n.fields, back)
		if strings.TrimSpace(stripTags(f)) == "" || strings.TrimSpace(stripTags(b)) == "" {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(f), strings.TrimSpace(b)) {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(f)) + "\x00" + strings.ToLower(strings.TrimSpace(b))
		if seen[key] {
			continue
		}
		seen[key] = true
		cards = append(cards, model.RawCard{Front: f, Back: b, Tags: n.tags})
	}
	return cards
}

// chooseFieldPair samples up to sampleNotes notes and scores every ordered
// pair of field indices: non-empty plain text on both sides +10, unequal
// content +5, neither side audio-tag-only +3, neither side pure numeric +2.
// The highest total wins; a scoreless board falls back to (0, 1), or (0, 2)
// when the second field is empty across the sample.
func chooseFieldPair(notes []note) (int, int) {
	sample := notes
	if len(sample) > sampleNotes {
		sample = sample[:sampleNotes]
	}

	maxFields := 0
	for _, n := range sample {
		if len(n.fields) > maxFields {
			maxFields = len(n.fields)
		}
	}
	if maxFields < 2 {
		return 0, 0
	}

	bestFront, bestBack, bestScore := 0, 1, 0
	for i := 0; i < maxFields; i++ {
		for j := 0; j < maxFields; j++ {
			if i == j {
				continue
			}
			score := 0
			for _, n := range sample {
				score += scorePair(fieldAt(n.fields, i), fieldAt(n.fields, j))
			}
			if score > bestScore {
				bestFront, bestBack, bestScore = i, j, score
			}
		}
	}
	if bestScore > 0 {
		return bestFront, bestBack
	}

	if maxFields > 2 && allEmptyAt(sample, 1) {
		return 0, 2
	}
	return 0, 1
}

func scorePair(front, back string) int {
	fText := strings.TrimSpace(stripTags(front))
	bText := strings.TrimSpace(stripTags(back))

	// A pair with an empty side can never fill both card faces; scoring it
	// zero keeps the (0,1)/(0,2) fallback reachable.
	if fText == "" || bText == "" {
		return 0
	}

	score := 10
	if fText != bText {
		score += 5
	}
	if !audioOnly(front) && !audioOnly(back) {
		score += 3
	}
	if !pureNumeric(fText) && !pureNumeric(bText) {
		score += 2
	}
	return score
}

func allEmptyAt(sample []note, idx int) bool {
	for _, n := range sample {
		if strings.TrimSpace(stripTags(fieldAt(n.fields, idx))) != "" {
			return false
		}
	}
	return true
}

func fieldAt(fields []string, idx int) string {
	if idx < 0 || idx >= len(fields) {
		return ""
	}
	return fields[idx]
}

var (
	tagPattern   = regexp.MustCompile(`<[^>]*>`)
	soundPattern = regexp.MustCompile(`\[sound:[^\]]+\]`)
)

func stripTags(s string) string {
	return tagPattern.ReplaceAllString(s, "")
}

// audioOnly reports whether a field is nothing but [sound:...] markers.
func audioOnly(s string) bool {
	stripped := strings.TrimSpace(soundPattern.ReplaceAllString(s, ""))
	return stripped == "" && strings.Contains(s, "[sound:")
}

func pureNumeric(s string) bool {
	if s == "" {
		return false
	}
	_, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return err == nil
}

// collectMedia gathers media blobs: the mapping entry renames ordinal
// entries, and any other entry with a recognized media extension is taken
// under its own name. Kind is decided here, at the boundary.
func (e *Extractor) collectMedia(entries map[string][]byte) []model.MediaFile {
	mapping := map[string]string{}
	if raw, ok := entries[mediaMapEntry]; ok {
		if err := json.Unmarshal(raw, &mapping); err != nil {
			e.logger.Warn("decoding media mapping", "error", err)
		}
	}

	var media []model.MediaFile
	for name, data := range entries {
		if name == mediaMapEntry || isCollectionEntry(name) {
			continue
		}
		switch {
		case ordinalName.MatchString(name):
			ordinal, _ := strconv.Atoi(name)
			filename, ok := mapping[name]
			if !ok {
				// Unmapped ordinal entries are unreferenced; skip them
				// rather than inventing filenames.
				continue
			}
			media = append(media, newMediaFile(ordinal, filename, data))
		case extensionKind(name) != "":
			media = append(media, newMediaFile(-1, name, data))
		}
	}
	return media
}

func isCollectionEntry(name string) bool {
	for _, c := range collectionNames {
		if name == c {
			return true
		}
	}
	return false
}

func newMediaFile(ordinal int, filename string, data []byte) model.MediaFile {
	mime := mediasec.DetectMIME(data, filename)
	return model.MediaFile{
		ID:       uuid.New().String(),
		Ordinal:  ordinal,
		Filename: filename,
		Data:     data,
		Kind:     kindFor(mime, filename),
		MIMEType: mime,
	}
}

func extensionKind(name string) model.MediaKind {
	return mediaExtensions[strings.ToLower(filepath.Ext(name))]
}

// kindFor picks the closed media variant from the detected MIME type,
// falling back to the filename extension, then to image (the most
// restrictive rendering path).
func kindFor(mime, filename string) model.MediaKind {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return model.MediaImage
	case strings.HasPrefix(mime, "audio/"):
		return model.MediaAudio
	case strings.HasPrefix(mime, "video/"):
		return model.MediaVideo
	}
	if k := extensionKind(filename); k != "" {
		return k
	}
	return model.MediaImage
}
