package importer

import (
	"encoding/hex"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/quizfolio/deckvault/internal/model"
)

// templateHash fingerprints a model's templates and field layout for
// deduplication across imports.
func templateHash(m *model.CardModel) string {
	h := blake3.New()
	for _, f := range m.Fields {
		h.Write([]byte(f.Name))
		h.Write([]byte{0})
	}
	for _, t := range m.Templates {
		h.Write([]byte(t.QuestionHTML))
		h.Write([]byte{0})
		h.Write([]byte(t.AnswerHTML))
		h.Write([]byte{0})
		h.Write([]byte(t.CSS))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)[:16])
}

func cardKey(front, back string) string {
	return strings.ToLower(strings.TrimSpace(front)) + "\x00" + strings.ToLower(strings.TrimSpace(back))
}

// similarity is a normalized edit-distance measure in [0, 1]; 1 means
// identical. Used for near-duplicate card detection.
func similarity(a, b string) float64 {
	a = strings.ToLower(strings.TrimSpace(a))
	b = strings.ToLower(strings.TrimSpace(b))
	if a == b {
		return 1
	}
	longest := max(len(a), len(b))
	if longest == 0 {
		return 1
	}
	return 1 - float64(editDistance(a, b))/float64(longest)
}

// editDistance is a two-row Levenshtein distance.
func editDistance(a, b string) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}
