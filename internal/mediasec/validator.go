// Package mediasec validates untrusted media blobs extracted from deck
// containers. It classifies each blob's true format from its binary
// signature, detects file-type spoofing, and scans for embedded executable
// content. It is a pattern-based defense-in-depth layer, not a virus
// scanner.
package mediasec

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/quizfolio/deckvault/internal/model"
)

// octetStream is the fallback when no signature matches.
const octetStream = "application/octet-stream"

// textScanWindow bounds how much of a file is inspected for printable text.
const textScanWindow = 10 * 1024

// maxPrintableInImage is the printable-byte budget above which an image is
// flagged as carrying suspicious text content.
const maxPrintableInImage = 1000

// Validator checks media blobs against the fixed rule tables in rules.go.
// The zero value is ready to use; all methods are safe for concurrent use.
type Validator struct{}

// NewValidator returns a Validator.
func NewValidator() *Validator { return &Validator{} }

// Validate inspects data under the name it was uploaded as and returns a
// report. It never fails: every anomaly is recorded as a threat and the
// report is always fully populated.
func (v *Validator) Validate(data []byte, filename string) *model.ValidationReport {
	start := time.Now()
	report := &model.ValidationReport{
		SizeBefore: len(data),
		SizeAfter:  len(data),
	}

	if len(data) == 0 {
		addThreat(report, model.ThreatEmptyFile, model.SeverityCritical, "file is empty")
		report.DetectedMIME = octetStream
		report.ExpectedMIME = mimeForExtension(filename)
		finish(report, start)
		return report
	}

	detected := DetectMIME(data, filename)
	expected := mimeForExtension(filename)
	report.DetectedMIME = detected
	report.ExpectedMIME = expected

	// Spoofing check. An unknown extension does not grant a bypass: when
	// the signature confidently identifies the content, the absent
	// extension-implied type is itself a mismatch.
	switch {
	case expected != "" && detected != octetStream && expected != detected:
		addThreat(report, model.ThreatFileTypeMismatch, model.SeverityHigh,
			fmt.Sprintf("extension implies %s but content is %s", expected, detected))
	case expected == "" && detected != octetStream:
		addThreat(report, model.ThreatFileTypeMismatch, model.SeverityHigh,
			fmt.Sprintf("unrecognized extension on %s content", detected))
	}

	text := printableRuns(data, textScanWindow)

	if strings.HasPrefix(detected, "image/") {
		if len(text) > maxPrintableInImage {
			addThreat(report, model.ThreatSuspiciousText, model.SeverityMedium,
				fmt.Sprintf("image contains %d bytes of printable text", len(text)))
		}
	}
	if strings.EqualFold(filepath.Ext(filename), ".svg") {
		addThreat(report, model.ThreatSVGFileType, model.SeverityHigh,
			"SVG files can carry embedded script and are not accepted as media")
	}
	if strings.HasPrefix(detected, "audio/") {
		for _, finding := range scanAudioTagBlock(data) {
			addThreat(report, model.ThreatMaliciousMetadata, model.SeverityHigh, finding)
		}
	}

	for _, rule := range dangerousPatterns {
		if rule.Match(text) {
			addThreat(report, model.ThreatDangerousPattern, model.SeverityCritical,
				fmt.Sprintf("dangerous content pattern: %s", rule.Name))
		}
	}

	sum := sha256.Sum256(data)
	report.Signature = hex.EncodeToString(sum[:])
	finish(report, start)
	return report
}

func finish(report *model.ValidationReport, start time.Time) {
	report.IsValid = !report.HasCritical()
	report.Elapsed = time.Since(start)
}

func addThreat(report *model.ValidationReport, typ model.ThreatType, sev model.Severity, desc string) {
	report.Threats = append(report.Threats, model.SecurityThreat{
		Type:        typ,
		Severity:    sev,
		Description: desc,
	})
	report.Warnings = append(report.Warnings, fmt.Sprintf("[%s] %s: %s", sev, typ, desc))
}

// DetectMIME classifies content by its leading bytes, independent of the
// filename except for the RIFF tie-break when the container tag is absent.
func DetectMIME(data []byte, filename string) string {
	if bytes.HasPrefix(data, riffPrefix) {
		return resolveRIFF(data, filename)
	}
	for _, sig := range binarySignatures {
		if bytes.HasPrefix(data, sig.prefix) {
			return sig.mime
		}
	}
	return octetStream
}

// resolveRIFF disambiguates the shared RIFF prefix by the format tag at
// bytes 8-11, falling back to the filename extension when truncated.
func resolveRIFF(data []byte, filename string) string {
	if len(data) >= 12 {
		switch string(data[8:12]) {
		case "WAVE":
			return "audio/wav"
		case "WEBP":
			return "image/webp"
		}
	}
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".wav":
		return "audio/wav"
	case ".webp":
		return "image/webp"
	}
	return octetStream
}

func mimeForExtension(filename string) string {
	return extensionMIME[strings.ToLower(filepath.Ext(filename))]
}

// printableRuns extracts runs of at least four printable ASCII bytes from
// the first limit bytes, joined by newlines. Short runs are binary noise
// and are skipped.
func printableRuns(data []byte, limit int) string {
	if len(data) > limit {
		data = data[:limit]
	}
	var sb strings.Builder
	var run []byte
	flush := func() {
		if len(run) >= 4 {
			if sb.Len() > 0 {
				sb.WriteByte('\n')
			}
			sb.Write(run)
		}
		run = run[:0]
	}
	for _, b := range data {
		if b >= 0x20 && b <= 0x7E {
			run = append(run, b)
			continue
		}
		flush()
	}
	flush()
	return sb.String()
}

// scanAudioTagBlock parses the simplified tag block at the start of an
// audio file: a 3-byte "ID3" marker, a fixed 10-byte header, then frames of
// 4-byte id, 4-byte big-endian size, and 2 flag bytes. Frame payloads
// containing script or URL markers are reported.
func scanAudioTagBlock(data []byte) []string {
	const headerLen = 10
	const frameHeaderLen = 10
	if len(data) < headerLen || string(data[0:3]) != "ID3" {
		return nil
	}

	var findings []string
	pos := headerLen
	for pos+frameHeaderLen <= len(data) {
		id := data[pos : pos+4]
		if id[0] == 0 { // padding reached
			break
		}
		size := int(binary.BigEndian.Uint32(data[pos+4 : pos+8]))
		if size <= 0 || pos+frameHeaderLen+size > len(data) {
			break
		}
		payload := string(data[pos+frameHeaderLen : pos+frameHeaderLen+size])
		for _, rule := range metadataMarkers {
			if rule.Match(payload) {
				findings = append(findings,
					fmt.Sprintf("tag frame %q contains %s", string(id), rule.Name))
				break
			}
		}
		pos += frameHeaderLen + size
	}
	return findings
}
