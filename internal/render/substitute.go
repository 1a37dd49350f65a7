package render

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

var (
	clozePattern = regexp.MustCompile(`\{\{cloze:([^{}]+)\}\}`)
	typePattern  = regexp.MustCompile(`\{\{type:([^{}]+)\}\}`)
	mediaPattern = regexp.MustCompile(`\{\{media:([^{}]+)\}\}`)
	soundPattern = regexp.MustCompile(`\[sound:([^\]]+)\]`)
	srcHrefAttr  = regexp.MustCompile(`(?i)\b(src|href)\s*=\s*"([^"]*)"`)
	cssURL       = regexp.MustCompile(`(?i)url\(\s*['"]?([^'")]+?)['"]?\s*\)`)
)

// IsExternalURL reports whether a reference points outside the deck's own
// media: absolute http(s), protocol-relative, or data URLs. Such values are
// never rewritten.
func IsExternalURL(v string) bool {
	lower := strings.ToLower(strings.TrimSpace(v))
	return strings.HasPrefix(lower, "http://") ||
		strings.HasPrefix(lower, "https://") ||
		strings.HasPrefix(lower, "//") ||
		strings.HasPrefix(lower, "data:")
}

// substituteFields expands {{cloze:F}} and {{type:F}} placeholders, then
// replaces plain {{F}} occurrences with the field's value re-sanitized
// under the minimal inline allow-list. Unknown placeholders are left
// intact.
func (s *Sanitizer) substituteFields(content string, fields map[string]string, result *Result) string {
	content = clozePattern.ReplaceAllStringFunc(content, func(match string) string {
		name := clozePattern.FindStringSubmatch(match)[1]
		value, ok := fields[name]
		if !ok {
			return match
		}
		return `<span class="cloze" data-cloze="true">` + s.sanitizeFieldValue(value, result) + `</span>`
	})

	content = typePattern.ReplaceAllStringFunc(content, func(match string) string {
		name := typePattern.FindStringSubmatch(match)[1]
		if _, ok := fields[name]; !ok {
			return match
		}
		return fmt.Sprintf(`<span class="typed-answer" data-field="%s"></span>`, name)
	})

	// Deterministic order keeps warning output stable.
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		placeholder := "{{" + name + "}}"
		if !strings.Contains(content, placeholder) {
			continue
		}
		content = strings.ReplaceAll(content, placeholder, s.sanitizeFieldValue(fields[name], result))
	}
	return content
}

// sanitizeFieldValue re-sanitizes a substituted field value with the
// minimal inline allow-list, accumulating warnings into the caller's
// result.
func (s *Sanitizer) sanitizeFieldValue(value string, result *Result) string {
	clean, err := s.sanitizeHTML(value, inlineFieldPolicy(), result)
	if err != nil {
		result.Warnings = append(result.Warnings, "field value failed sanitization and was dropped")
		return ""
	}
	return clean
}

// collectMediaReferences lists every deck-local media filename referenced
// by the content, in first-seen order.
func collectMediaReferences(content, css string) []string {
	seen := make(map[string]bool)
	var refs []string
	add := func(name string) {
		name = strings.TrimSpace(name)
		if name == "" || IsExternalURL(name) || seen[name] {
			return
		}
		seen[name] = true
		refs = append(refs, name)
	}

	for _, m := range srcHrefAttr.FindAllStringSubmatch(content, -1) {
		add(m[2])
	}
	for _, m := range mediaPattern.FindAllStringSubmatch(content, -1) {
		add(m[1])
	}
	for _, m := range soundPattern.FindAllStringSubmatch(content, -1) {
		add(m[1])
	}
	for _, m := range cssURL.FindAllStringSubmatch(css, -1) {
		add(m[1])
	}
	return refs
}

// rewriteMediaReferences replaces mapped filenames in src/href attributes,
// {{media:...}} placeholders, and inline url(...) occurrences with their
// resolved references. External URLs and unmapped names pass through.
func rewriteMediaReferences(content string, refs map[string]string) string {
	content = srcHrefAttr.ReplaceAllStringFunc(content, func(match string) string {
		m := srcHrefAttr.FindStringSubmatch(match)
		if IsExternalURL(m[2]) {
			return match
		}
		if resolved, ok := refs[m[2]]; ok {
			return m[1] + `="` + resolved + `"`
		}
		return match
	})

	content = mediaPattern.ReplaceAllStringFunc(content, func(match string) string {
		name := mediaPattern.FindStringSubmatch(match)[1]
		if resolved, ok := refs[name]; ok {
			return resolved
		}
		return match
	})

	return rewriteCSSURLs(content, refs)
}

// rewriteCSSURLs replaces mapped filenames inside url(...) occurrences.
func rewriteCSSURLs(css string, refs map[string]string) string {
	return cssURL.ReplaceAllStringFunc(css, func(match string) string {
		name := cssURL.FindStringSubmatch(match)[1]
		if IsExternalURL(name) {
			return match
		}
		if resolved, ok := refs[name]; ok {
			return `url("` + resolved + `")`
		}
		return match
	})
}
