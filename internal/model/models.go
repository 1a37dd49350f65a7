package model

import "time"

// ImportState tracks an import session through its lifecycle.
type ImportState string

const (
	StateInitializing ImportState = "initializing"
	StateParsing      ImportState = "parsing"
	StateProcessing   ImportState = "processing"
	StateOptimizing   ImportState = "optimizing"
	StateFinalizing   ImportState = "finalizing"
	StateCompleted    ImportState = "completed"
	StateFailed       ImportState = "failed"
)

// Terminal reports whether the state is one an import never leaves.
func (s ImportState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// SecurityClass is the aggregate security classification of a card model
// after its templates have been sanitized.
type SecurityClass string

const (
	SecuritySafe      SecurityClass = "safe"
	SecurityWarning   SecurityClass = "warning"
	SecurityDangerous SecurityClass = "dangerous"
)

// Severity ranks a detected security threat.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// ThreatType identifies the rule that produced a SecurityThreat. The set is
// fixed so tests can enumerate exact coverage.
type ThreatType string

const (
	ThreatEmptyFile         ThreatType = "EMPTY_FILE"
	ThreatFileTypeMismatch  ThreatType = "FILE_TYPE_MISMATCH"
	ThreatSuspiciousText    ThreatType = "SUSPICIOUS_TEXT_CONTENT"
	ThreatSVGFileType       ThreatType = "SVG_FILE_TYPE"
	ThreatMaliciousMetadata ThreatType = "MALICIOUS_METADATA"
	ThreatDangerousPattern  ThreatType = "DANGEROUS_PATTERN_DETECTED"
)

// SecurityThreat is a single finding against a media blob.
type SecurityThreat struct {
	Type        ThreatType
	Severity    Severity
	Description string
}

// ValidationReport is the immutable result of validating one media blob.
// A blob with any CRITICAL threat is invalid.
type ValidationReport struct {
	IsValid      bool
	DetectedMIME string
	ExpectedMIME string
	Threats      []SecurityThreat
	Warnings     []string
	Signature    string // hex SHA-256 of the raw bytes
	SizeBefore   int
	SizeAfter    int
	Elapsed      time.Duration
}

// HasCritical reports whether any recorded threat is CRITICAL.
func (r *ValidationReport) HasCritical() bool {
	for _, t := range r.Threats {
		if t.Severity == SeverityCritical {
			return true
		}
	}
	return false
}

// MediaKind is the closed set of media variants the pipeline handles.
// It is decided at the extractor boundary; nothing downstream re-sniffs.
type MediaKind string

const (
	MediaImage MediaKind = "image"
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)

// MediaFile is an extracted media blob with the original filename recovered
// from the container's media-mapping entry.
type MediaFile struct {
	ID       string
	Ordinal  int
	Filename string
	Data     []byte
	Kind     MediaKind
	MIMEType string
}

// RawCard is a (front, back) pair as recovered from the embedded database,
// before any sanitization.
type RawCard struct {
	Front string
	Back  string
	Tags  []string
}

// FieldDef is one named, ordered field of a card model.
type FieldDef struct {
	Name    string
	Ordinal int
}

// CardTemplate is the question/answer HTML pattern belonging to exactly one
// CardModel. The template placeholder syntax ({{Field}}, {{cloze:Field}},
// conditional sections) must survive sanitization.
type CardTemplate struct {
	Name         string
	QuestionHTML string
	AnswerHTML   string
	CSS          string
}

// CardModel is a note type: ordered fields plus ordered templates.
// Immutable once sanitized.
type CardModel struct {
	ID           string
	Name         string
	TemplateHash string // content fingerprint for deduplication
	Fields       []FieldDef
	Templates    []CardTemplate
	Security     SecurityClass
	Errors       []string
}

// Card is a single flashcard derived from a note. A Card never outlives
// its deck.
type Card struct {
	ID               string
	DeckID           string
	ModelID          string
	Fields           map[string]string
	SanitizedFields  map[string]string
	Tags             []string
	SecurityWarnings []string
	HasUnsafeContent bool
	Status           string
	CreatedAt        time.Time
}

// Deck is the persisted container for imported cards and media.
type Deck struct {
	ID         string
	UserID     string
	Name       string
	CardCount  int
	MediaCount int
	CreatedAt  time.Time
}

// ImportError is the structured error shape every fallible stage produces.
// The orchestrator aggregates these into the session rather than throwing
// past its own boundary.
type ImportError struct {
	Type      string
	Message   string
	Retryable bool
	Timestamp time.Time
}

// ProgressCounters breaks progress down by kind of work.
type ProgressCounters struct {
	ModelsFound     int
	ModelsProcessed int
	CardsFound      int
	CardsProcessed  int
	MediaFound      int
	MediaProcessed  int
}

// Progress is reported to the caller at coarse checkpoints.
type Progress struct {
	PercentComplete int
	CurrentPhase    ImportState
	Counters        ProgressCounters
}

// ImportSession is the mutable per-import record. Only the orchestrator
// mutates it.
type ImportSession struct {
	ID        string
	UserID    string
	Filename  string
	FileSize  int64
	State     ImportState
	Counters  ProgressCounters
	Errors    []ImportError
	Summary   *ImportSummary // set once the session completes
	StartedAt time.Time
	UpdatedAt time.Time
}

// ImportSummary is the caller-facing result of a completed import.
type ImportSummary struct {
	DeckID              string
	DeckName            string
	ModelsImported      int
	CardsImported       int
	MediaFilesProcessed int
	DuplicatesSkipped   int
	SecurityIssuesFound int
	TotalProcessingTime time.Duration
}
