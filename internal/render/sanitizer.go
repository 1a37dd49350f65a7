// Package render sanitizes card templates and field HTML. It preserves the
// card-templating mini-language ({{Field}}, {{cloze:Field}}, conditional
// sections) while stripping scripting and embedding markup, then performs
// field and media substitution on the sanitized output.
package render

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/quizfolio/deckvault/internal/mediasec"
	"github.com/quizfolio/deckvault/internal/model"
)

// fallbackHTML replaces card content when sanitization itself fails.
const fallbackHTML = "<div>Card content could not be safely rendered</div>"

// placeholderPattern matches the card-templating mini-language: an optional
// section prefix (#, /, ^), an optional filter (cloze:, type:, media:), and
// a field or file name. Markup characters are not part of the grammar, so
// braced text carrying tags or quotes falls through to the HTML sanitizer
// instead of being shielded.
var placeholderPattern = regexp.MustCompile(`\{\{[#/^]?[\w .:-]+\}\}`)

// Side selects which face of a card template to render.
type Side string

const (
	SideQuestion Side = "question"
	SideAnswer   Side = "answer"
)

// Options configures a single Sanitize call.
type Options struct {
	Strictness Strictness
	// Fields, when non-nil, substitutes {{FieldName}} placeholders with
	// the (re-sanitized) field values.
	Fields map[string]string
	// MediaRefs, when non-nil, rewrites media filenames in src, href,
	// url(...) and {{media:...}} occurrences to resolved references.
	MediaRefs map[string]string
}

// Result is the outcome of one sanitization pass. It is produced per call
// and never persisted.
type Result struct {
	HTML               string
	CSS                string
	Original           string
	MediaReferences    []string
	Warnings           []string
	RemovedElements    []string
	ModifiedAttributes []string
	IsSecure           bool
	// OutputUnsafe is set when the post-sanitization scan still finds
	// dangerous content in the final output. Callers must not treat such
	// output as renderable.
	OutputUnsafe bool
	Elapsed      time.Duration
}

// Sanitizer neutralizes executable content in card HTML and CSS. The zero
// value is not usable; construct with NewSanitizer.
type Sanitizer struct {
	logger *slog.Logger
}

// NewSanitizer returns a Sanitizer logging through the given logger.
func NewSanitizer(logger *slog.Logger) *Sanitizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sanitizer{logger: logger}
}

// Sanitize runs the full pipeline over raw HTML and CSS. It never fails:
// an internal error yields the fixed safe-fallback result.
func (s *Sanitizer) Sanitize(rawHTML, rawCSS string, opts Options) (result *Result) {
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("sanitizer panic", "error", fmt.Sprintf("%v", rec))
			result = fallbackResult(rawHTML, start)
		}
	}()

	result = &Result{Original: rawHTML}

	// Pre-sanitization scan over the raw input.
	for _, hit := range mediasec.ScanDangerous(rawHTML + "\n" + rawCSS) {
		result.Warnings = append(result.Warnings, "dangerous content detected before sanitization: "+hit)
	}
	for _, rule := range cssRules {
		if rule.re.MatchString(rawCSS) {
			result.Warnings = append(result.Warnings, "dangerous CSS detected before sanitization: "+rule.Name)
		}
	}

	// Shield templating placeholders from the HTML sanitizer.
	shielded, markers := shieldPlaceholders(rawHTML)

	result.CSS = sanitizeCSS(rawCSS)

	clean, err := s.sanitizeHTML(shielded, policyFor(opts.Strictness), result)
	if err != nil {
		return fallbackResult(rawHTML, start)
	}

	clean = restorePlaceholders(clean, markers)

	if opts.Fields != nil {
		clean = s.substituteFields(clean, opts.Fields, result)
	}

	result.MediaReferences = collectMediaReferences(clean, result.CSS)
	if opts.MediaRefs != nil {
		clean = rewriteMediaReferences(clean, opts.MediaRefs)
		result.CSS = rewriteCSSURLs(result.CSS, opts.MediaRefs)
	}

	// Post-sanitization defense-in-depth re-scan of the final output.
	for _, hit := range mediasec.ScanDangerous(clean + "\n" + result.CSS) {
		result.Warnings = append(result.Warnings, "dangerous content survived sanitization: "+hit)
		result.OutputUnsafe = true
	}

	result.HTML = clean
	result.IsSecure = len(result.Warnings) == 0
	result.Elapsed = time.Since(start)
	return result
}

// RenderCard sanitizes one face of a template and substitutes field data.
func (s *Sanitizer) RenderCard(m *model.CardModel, tmpl model.CardTemplate, fields map[string]string, side Side) *Result {
	source := tmpl.QuestionHTML
	if side == SideAnswer {
		source = tmpl.AnswerHTML
	}
	if fields == nil {
		fields = map[string]string{}
	}
	return s.Sanitize(source, tmpl.CSS, Options{
		Strictness: Strict,
		Fields:     fields,
	})
}

func fallbackResult(original string, start time.Time) *Result {
	return &Result{
		HTML:     fallbackHTML,
		Original: original,
		Warnings: []string{"card content failed sanitization and was replaced with a safe fallback"},
		IsSecure: true,
		Elapsed:  time.Since(start),
	}
}

// shieldPlaceholders swaps every {{...}} occurrence for a positional marker
// the HTML sanitizer cannot damage, returning the marker table for restore.
func shieldPlaceholders(in string) (string, []string) {
	var markers []string
	out := placeholderPattern.ReplaceAllStringFunc(in, func(ph string) string {
		marker := fmt.Sprintf("dvph%dx", len(markers))
		markers = append(markers, ph)
		return marker
	})
	return out, markers
}

func restorePlaceholders(in string, markers []string) string {
	// Restore back to front so marker 1 is untouched by restoring 11.
	for i := len(markers) - 1; i >= 0; i-- {
		in = strings.ReplaceAll(in, fmt.Sprintf("dvph%dx", i), markers[i])
	}
	return in
}

// sanitizeCSS strips every CSS danger-rule hit by substitution. This is
// pattern-based, not a CSS parse.
func sanitizeCSS(css string) string {
	for _, rule := range cssRules {
		css = rule.re.ReplaceAllString(css, "")
	}
	return css
}

// sanitizeHTML parses the shielded fragment and rebuilds it through the
// allow-list walk, recording every removed element and stripped attribute.
func (s *Sanitizer) sanitizeHTML(fragment string, pol policy, result *Result) (string, error) {
	ctx := &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
	nodes, err := html.ParseFragment(strings.NewReader(fragment), ctx)
	if err != nil {
		return "", err
	}

	root := &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
	for _, n := range nodes {
		root.AppendChild(n)
	}
	s.walk(root, pol, result)

	var sb strings.Builder
	for c := root.FirstChild; c != nil; c = c.NextSibling {
		if err := html.Render(&sb, c); err != nil {
			return "", err
		}
	}
	return sb.String(), nil
}

func (s *Sanitizer) walk(parent *html.Node, pol policy, result *Result) {
	var next *html.Node
	for c := parent.FirstChild; c != nil; c = next {
		next = c.NextSibling

		switch c.Type {
		case html.CommentNode:
			parent.RemoveChild(c)

		case html.ElementNode:
			name := strings.ToLower(c.Data)
			if pol.drop[name] {
				parent.RemoveChild(c)
				result.RemovedElements = append(result.RemovedElements, name)
				result.Warnings = append(result.Warnings,
					fmt.Sprintf("removed forbidden <%s> element and its content", name))
				continue
			}
			if pol.allowed != nil && !pol.allowed[name] {
				// Unwrap: keep the children, drop the element itself,
				// then reprocess the promoted children.
				first := c.FirstChild
				for c.FirstChild != nil {
					child := c.FirstChild
					c.RemoveChild(child)
					parent.InsertBefore(child, c)
				}
				parent.RemoveChild(c)
				result.RemovedElements = append(result.RemovedElements, name)
				result.Warnings = append(result.Warnings,
					fmt.Sprintf("removed disallowed <%s> element (content kept)", name))
				if first != nil {
					next = first
				}
				continue
			}
			s.scrubAttributes(c, pol, result)
			s.walk(c, pol, result)
		}
	}
}

// scrubAttributes drops event handlers, dangerous URL values, and any
// attribute outside the policy allow-list.
func (s *Sanitizer) scrubAttributes(n *html.Node, pol policy, result *Result) {
	kept := n.Attr[:0]
	for _, attr := range n.Attr {
		key := strings.ToLower(attr.Key)
		switch {
		case strings.HasPrefix(key, "on"):
			result.ModifiedAttributes = append(result.ModifiedAttributes, key)
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("stripped event handler attribute %q from <%s>", key, n.Data))
		case dangerousAttrValue.MatchString(attr.Val):
			result.ModifiedAttributes = append(result.ModifiedAttributes, key)
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("stripped attribute %q with dangerous value from <%s>", key, n.Data))
		case pol.attrs != nil && !pol.attrs[key]:
			result.ModifiedAttributes = append(result.ModifiedAttributes, key)
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("stripped disallowed attribute %q from <%s>", key, n.Data))
		default:
			kept = append(kept, attr)
		}
	}
	n.Attr = kept
}
