package mediasec

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/quizfolio/deckvault/internal/model"
)

func jpegBytes(extra string) []byte {
	return append([]byte{0xFF, 0xD8, 0xFF, 0xE0}, []byte(extra)...)
}

func pngBytes(extra string) []byte {
	return append([]byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}, []byte(extra)...)
}

func riffBytes(tag, extra string) []byte {
	b := []byte("RIFF\x00\x00\x00\x00")
	b = append(b, []byte(tag)...)
	return append(b, []byte(extra)...)
}

// id3Bytes builds a minimal tag block: "ID3" marker, 10-byte header, then
// one frame with the given id and payload.
func id3Bytes(frameID, payload string) []byte {
	b := []byte("ID3\x04\x00\x00\x00\x00\x00\x00")
	b = append(b, []byte(frameID)...)
	size := make([]byte, 4)
	binary.BigEndian.PutUint32(size, uint32(len(payload)))
	b = append(b, size...)
	b = append(b, 0x00, 0x00) // flags
	b = append(b, []byte(payload)...)
	// Trailing audio data so the whole thing still detects as audio/mpeg.
	return append(b, 0xFF, 0xFB, 0x90, 0x00)
}

func TestDetectMIME(t *testing.T) {
	tests := []struct {
		name     string
		data     []byte
		filename string
		want     string
	}{
		{"jpeg ignores filename", jpegBytes("data"), "totally-a.png", "image/jpeg"},
		{"png", pngBytes("data"), "x.png", "image/png"},
		{"gif", []byte("GIF89a..."), "x.gif", "image/gif"},
		{"wav via riff tag", riffBytes("WAVE", "fmt "), "anything.bin", "audio/wav"},
		{"webp via riff tag", riffBytes("WEBP", "VP8 "), "anything.bin", "image/webp"},
		{"truncated riff falls back to extension", []byte("RIFF\x01\x02"), "x.webp", "image/webp"},
		{"truncated riff unknown extension", []byte("RIFF\x01\x02"), "x.bin", "application/octet-stream"},
		{"mp3 id3", []byte("ID3\x04\x00\x00\x00\x00\x00\x00"), "x.mp3", "audio/mpeg"},
		{"mp3 frame sync", []byte{0xFF, 0xFB, 0x90, 0x00}, "x.mp3", "audio/mpeg"},
		{"ogg", []byte("OggS\x00\x02"), "x.ogg", "audio/ogg"},
		{"unknown", []byte("hello world"), "x.txt", "application/octet-stream"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DetectMIME(tt.data, tt.filename); got != tt.want {
				t.Errorf("DetectMIME() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestValidateEmptyFile(t *testing.T) {
	v := NewValidator()
	report := v.Validate(nil, "a.jpg")
	if report.IsValid {
		t.Error("empty file should be invalid")
	}
	if len(report.Threats) != 1 || report.Threats[0].Type != model.ThreatEmptyFile {
		t.Fatalf("want single EMPTY_FILE threat, got %+v", report.Threats)
	}
	if report.Threats[0].Severity != model.SeverityCritical {
		t.Errorf("EMPTY_FILE severity = %s, want CRITICAL", report.Threats[0].Severity)
	}
}

func TestValidateDangerousPatterns(t *testing.T) {
	payloads := []string{
		"<script>alert(1)</script>",
		"click javascript:alert(1)",
		"vbscript:msgbox",
		"data:text/html,<h1>x</h1>",
		"<?php system($_GET['c']); ?>",
		"<svg onload=alert(1)>",
		"<img onerror=steal()>",
	}

	v := NewValidator()
	for _, payload := range payloads {
		t.Run(payload[:12], func(t *testing.T) {
			report := v.Validate(jpegBytes(payload), "x.jpg")
			if report.IsValid {
				t.Error("payload should invalidate the file")
			}
			found := false
			for _, threat := range report.Threats {
				if threat.Type == model.ThreatDangerousPattern && threat.Severity == model.SeverityCritical {
					found = true
				}
			}
			if !found {
				t.Errorf("want CRITICAL DANGEROUS_PATTERN_DETECTED, got %+v", report.Threats)
			}
		})
	}
}

func TestValidateTypeMismatch(t *testing.T) {
	v := NewValidator()

	report := v.Validate(jpegBytes("data"), "photo.png")
	if !hasThreat(report, model.ThreatFileTypeMismatch) {
		t.Errorf("jpeg named .png should be a mismatch, got %+v", report.Threats)
	}
	if !report.IsValid {
		t.Error("mismatch is HIGH, not CRITICAL; file should still be valid")
	}

	// Unknown extension does not bypass the check when content is confident.
	report = v.Validate(jpegBytes("data"), "photo.xyz")
	if !hasThreat(report, model.ThreatFileTypeMismatch) {
		t.Errorf("unknown extension on confident jpeg should be a mismatch, got %+v", report.Threats)
	}

	report = v.Validate(jpegBytes("data"), "photo.jpg")
	if hasThreat(report, model.ThreatFileTypeMismatch) {
		t.Errorf("matching extension flagged: %+v", report.Threats)
	}
}

func TestValidateSVGAlwaysFlagged(t *testing.T) {
	v := NewValidator()
	report := v.Validate([]byte("<xml></xml>"), "icon.svg")
	if !hasThreat(report, model.ThreatSVGFileType) {
		t.Errorf("svg extension should always be flagged, got %+v", report.Threats)
	}
}

func TestValidateSuspiciousTextInImage(t *testing.T) {
	v := NewValidator()
	// Over a kilobyte of printable text inside an "image".
	report := v.Validate(jpegBytes(strings.Repeat("benign text here. ", 100)), "x.jpg")
	if !hasThreat(report, model.ThreatSuspiciousText) {
		t.Errorf("want SUSPICIOUS_TEXT_CONTENT, got %+v", report.Threats)
	}

	report = v.Validate(jpegBytes("tiny"), "x.jpg")
	if hasThreat(report, model.ThreatSuspiciousText) {
		t.Errorf("small text flagged: %+v", report.Threats)
	}
}

func TestValidateAudioMetadata(t *testing.T) {
	v := NewValidator()

	report := v.Validate(id3Bytes("TXXX", "javascript:alert(1)"), "x.mp3")
	if !hasThreat(report, model.ThreatMaliciousMetadata) {
		t.Errorf("script marker in tag frame should flag MALICIOUS_METADATA, got %+v", report.Threats)
	}

	report = v.Validate(id3Bytes("TIT2", "A Perfectly Normal Song Title"), "x.mp3")
	if hasThreat(report, model.ThreatMaliciousMetadata) {
		t.Errorf("benign tag frame flagged: %+v", report.Threats)
	}
}

func TestValidateSignatureIdempotent(t *testing.T) {
	v := NewValidator()
	data := pngBytes("same bytes every time")
	first := v.Validate(data, "x.png")
	second := v.Validate(data, "x.png")
	if first.Signature == "" || first.Signature != second.Signature {
		t.Errorf("signatures differ: %q vs %q", first.Signature, second.Signature)
	}
}

func TestValidateWarningsMirrorThreats(t *testing.T) {
	v := NewValidator()
	report := v.Validate(jpegBytes("<script>x</script>"), "x.png")
	if len(report.Warnings) != len(report.Threats) {
		t.Errorf("warnings (%d) should mirror threats (%d)", len(report.Warnings), len(report.Threats))
	}
	if report.Elapsed <= 0 {
		t.Error("elapsed time not populated")
	}
	if report.SizeBefore != report.SizeAfter || report.SizeBefore == 0 {
		t.Errorf("sizes not populated: before=%d after=%d", report.SizeBefore, report.SizeAfter)
	}
}

func TestDangerousPatternTableCoverage(t *testing.T) {
	want := []string{
		"script tag",
		"javascript scheme",
		"vbscript scheme",
		"data text/html URI",
		"php open tag",
		"svg onload",
		"inline event handler",
	}
	got := DangerousPatternNames()
	if len(got) != len(want) {
		t.Fatalf("rule table has %d entries, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("rule %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func hasThreat(report *model.ValidationReport, typ model.ThreatType) bool {
	for _, t := range report.Threats {
		if t.Type == typ {
			return true
		}
	}
	return false
}

func TestPrintableRuns(t *testing.T) {
	data := append([]byte{0x00, 0x01}, []byte("hello world")...)
	data = append(data, 0x02, 0x03)
	data = append(data, []byte("ab")...) // too short, dropped

	got := printableRuns(data, 1024)
	if got != "hello world" {
		t.Errorf("printableRuns = %q, want %q", got, "hello world")
	}
	if !bytes.Equal(data[2:13], []byte("hello world")) {
		t.Fatal("test fixture broken")
	}
}
