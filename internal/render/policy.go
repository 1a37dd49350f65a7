package render

import "regexp"

// Strictness selects the tag and attribute allow-list used by the
// sanitizer.
type Strictness string

const (
	Strict     Strictness = "strict"
	Moderate   Strictness = "moderate"
	Permissive Strictness = "permissive"
)

// policy is the resolved rule set for one sanitization run.
type policy struct {
	// drop removes the element and its entire subtree.
	drop map[string]bool
	// allowed keeps the element as-is. nil means every non-dropped
	// element is kept.
	allowed map[string]bool
	// attrs lists attribute names kept on allowed elements. Event
	// handlers and dangerous URL schemes are stripped regardless.
	attrs map[string]bool
}

// scriptingElements are forbidden at every strictness level.
var scriptingElements = []string{"script", "iframe", "object", "embed", "applet"}

// formElements are additionally forbidden below permissive.
var formElements = []string{"form", "input", "button", "textarea", "select"}

var strictTags = []string{
	"div", "span", "p", "br", "hr", "b", "i", "u", "em", "strong",
	"sub", "sup", "ul", "ol", "li", "img", "audio", "video", "source",
	"h1", "h2", "h3", "h4", "h5", "h6", "blockquote", "pre", "code",
}

var moderateTags = append([]string{
	"a", "table", "thead", "tbody", "tr", "td", "th", "caption",
	"figure", "figcaption", "small", "mark", "ruby", "rt", "rp",
}, strictTags...)

var strictAttrs = []string{
	"class", "id", "src", "alt", "title", "controls", "preload",
	"width", "height", "data-media-id", "data-original-filename",
	"data-field", "data-cloze",
}

var moderateAttrs = append([]string{"href", "style", "colspan", "rowspan", "lang", "dir"}, strictAttrs...)

// inlineFieldTags is the minimal allow-list applied when re-sanitizing
// substituted field values.
var inlineFieldTags = []string{"b", "i", "u", "em", "strong", "sub", "sup", "span", "br"}

func policyFor(level Strictness) policy {
	switch level {
	case Permissive:
		return policy{drop: toSet(scriptingElements)}
	case Moderate:
		return policy{
			drop:    toSet(append(append([]string{"style"}, scriptingElements...), formElements...)),
			allowed: toSet(moderateTags),
			attrs:   toSet(moderateAttrs),
		}
	default: // strict
		return policy{
			drop:    toSet(append(append([]string{"style"}, scriptingElements...), formElements...)),
			allowed: toSet(strictTags),
			attrs:   toSet(strictAttrs),
		}
	}
}

func inlineFieldPolicy() policy {
	return policy{
		drop:    toSet(append(append([]string{"style"}, scriptingElements...), formElements...)),
		allowed: toSet(inlineFieldTags),
		attrs:   toSet([]string{"class"}),
	}
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, item := range items {
		set[item] = true
	}
	return set
}

// cssRule is one entry of the fixed CSS danger table. Hits are stripped by
// substitution during CSS sanitization and reported by the pre-scan.
type cssRule struct {
	Name string
	re   *regexp.Regexp
}

var cssRules = []cssRule{
	{"css expression", regexp.MustCompile(`(?i)expression\s*\(`)},
	{"css import", regexp.MustCompile(`(?i)@import`)},
	{"css behavior url", regexp.MustCompile(`(?i)behavior\s*:\s*url\s*\(`)},
	{"moz binding", regexp.MustCompile(`(?i)-moz-binding`)},
	{"javascript scheme", regexp.MustCompile(`(?i)javascript\s*:`)},
	{"vbscript scheme", regexp.MustCompile(`(?i)vbscript\s*:`)},
}

// dangerousAttrValue matches attribute values that smuggle executable
// content through URL-bearing attributes.
var dangerousAttrValue = regexp.MustCompile(`(?i)(^\s*(javascript|vbscript)\s*:|data:\s*text/html)`)

// CSSRuleNames returns the CSS danger-rule names in table order.
func CSSRuleNames() []string {
	names := make([]string, len(cssRules))
	for i, r := range cssRules {
		names[i] = r.Name
	}
	return names
}
