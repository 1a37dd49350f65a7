package mediasec

import "regexp"

// RulesVersion identifies the threat-rule table revision. Bump when a rule
// is added, removed, or reworded so validation reports can be compared
// across releases.
const RulesVersion = 2

// binarySignature maps a MIME type to the fixed leading bytes identifying it.
// RIFF containers (WAV, WebP) share a prefix and are disambiguated by the
// format tag at bytes 8-11; see resolveRIFF.
type binarySignature struct {
	mime   string
	prefix []byte
}

var binarySignatures = []binarySignature{
	{"image/jpeg", []byte{0xFF, 0xD8, 0xFF}},
	{"image/png", []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}},
	{"image/gif", []byte{0x47, 0x49, 0x46, 0x38}}, // GIF8
	{"audio/ogg", []byte{0x4F, 0x67, 0x67, 0x53}}, // OggS
	{"audio/mpeg", []byte{0x49, 0x44, 0x33}},      // ID3 tag block
	{"audio/mpeg", []byte{0xFF, 0xFB}},            // bare MPEG frame sync
	{"audio/mpeg", []byte{0xFF, 0xF3}},
	{"audio/mpeg", []byte{0xFF, 0xF2}},
}

// riffPrefix opens both WAV and WebP files.
var riffPrefix = []byte{0x52, 0x49, 0x46, 0x46} // RIFF

// extensionMIME maps lowercase filename extensions to their implied MIME
// type. Extensions absent from this table imply no type; the validator
// still records a mismatch when the detected type is confident, so
// unknown-extension files do not bypass spoofing detection.
var extensionMIME = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
	".svg":  "image/svg+xml",
	".mp3":  "audio/mpeg",
	".wav":  "audio/wav",
	".ogg":  "audio/ogg",
	".mp4":  "video/mp4",
	".webm": "video/webm",
}

// patternRule is one entry of the fixed dangerous-content rule table shared
// by the validator and the renderer's pre/post scans.
type patternRule struct {
	Name string
	re   *regexp.Regexp
}

// Match reports whether the rule fires anywhere in s.
func (p patternRule) Match(s string) bool { return p.re.MatchString(s) }

// dangerousPatterns fire on any file content, independent of detected type.
// A hit is always CRITICAL.
var dangerousPatterns = []patternRule{
	{"script tag", regexp.MustCompile(`(?i)<script`)},
	{"javascript scheme", regexp.MustCompile(`(?i)javascript\s*:`)},
	{"vbscript scheme", regexp.MustCompile(`(?i)vbscript\s*:`)},
	{"data text/html URI", regexp.MustCompile(`(?i)data:\s*text/html`)},
	{"php open tag", regexp.MustCompile(`<\?php`)},
	{"svg onload", regexp.MustCompile(`(?i)<svg[^>]*\bonload`)},
	{"inline event handler", regexp.MustCompile(`(?i)\bon[a-z]+\s*=`)},
}

// metadataMarkers flag script or URL content smuggled into audio tag frames.
var metadataMarkers = []patternRule{
	{"script tag", regexp.MustCompile(`(?i)<script`)},
	{"javascript scheme", regexp.MustCompile(`(?i)javascript\s*:`)},
	{"vbscript scheme", regexp.MustCompile(`(?i)vbscript\s*:`)},
	{"embedded URL", regexp.MustCompile(`(?i)https?://`)},
	{"data URI", regexp.MustCompile(`(?i)data:`)},
}

// ScanDangerous returns the names of dangerous-content rules matching s, in
// table order. The renderer's pre- and post-sanitization scans share this
// table so HTML and media are held to the same patterns.
func ScanDangerous(s string) []string {
	var hits []string
	for _, p := range dangerousPatterns {
		if p.Match(s) {
			hits = append(hits, p.Name)
		}
	}
	return hits
}

// DangerousPatternNames returns the rule names in table order, so tests can
// pin exact coverage of the rule table.
func DangerousPatternNames() []string {
	names := make([]string, len(dangerousPatterns))
	for i, p := range dangerousPatterns {
		names[i] = p.Name
	}
	return names
}
