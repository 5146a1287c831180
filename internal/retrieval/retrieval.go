package retrieval

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/storysmith/storysmith-backend/internal/contextstore"
	"github.com/storysmith/storysmith-backend/internal/platform/vectorstore"
)

// Ranking constants. The additive boost compensates for titles/categories
// being folded into the embedded text; the down-weight penalizes rules whose
// recorded confidence has dropped below half. Both are empirically tuned
// against text-embedding-3-small and may need recalibration for other models.
const (
	SimilarityBoost     = 0.1
	LowConfidenceCutoff = 0.5
	LowConfidenceWeight = 0.7
	OverfetchFactor     = 2

	// CriticalSimilarity marks the band above which a rule is flagged as
	// critical in the assembled prompt.
	CriticalSimilarity = 0.85

	DefaultMaxResults          = 5
	DefaultSimilarityThreshold = 0.3
)

type Request struct {
	QueryText           string
	MaxResults          int
	SimilarityThreshold float64
}

func (r Request) withDefaults() Request {
	if r.MaxResults <= 0 {
		r.MaxResults = DefaultMaxResults
	}
	if r.SimilarityThreshold <= 0 {
		r.SimilarityThreshold = DefaultSimilarityThreshold
	}
	return r
}

// RankedResult is one retrieved context document with its adjusted similarity
// and a human-readable relevance explanation.
type RankedResult struct {
	DocumentID  string    `json:"document_id"`
	Kind        string    `json:"kind"`
	Text        string    `json:"text"`
	Similarity  float64   `json:"similarity"`
	Confidence  float64   `json:"confidence,omitempty"`
	RuleID      uuid.UUID `json:"rule_id,omitempty"`
	Title       string    `json:"title,omitempty"`
	Explanation string    `json:"explanation"`
	CreatedAt   time.Time `json:"created_at,omitempty"`
}

func (r RankedResult) Critical() bool {
	return r.Similarity >= CriticalSimilarity
}

// resultFromMatch lifts the store payload into a RankedResult and applies the
// calibration boost. Matches with no stored text are dropped by the caller.
func resultFromMatch(m vectorstore.Match) RankedResult {
	out := RankedResult{
		DocumentID: m.ID,
		Similarity: boost(m.Score),
	}
	if m.Payload == nil {
		return out
	}
	out.Kind, _ = m.Payload[contextstore.MetaKind].(string)
	out.Text, _ = m.Payload[contextstore.MetaText].(string)
	out.Title, _ = m.Payload[contextstore.MetaTitle].(string)
	if raw, ok := m.Payload[contextstore.MetaConfidence].(float64); ok {
		out.Confidence = raw
	}
	if raw, ok := m.Payload[contextstore.MetaRuleID].(string); ok {
		if id, err := uuid.Parse(raw); err == nil {
			out.RuleID = id
		}
	}
	if raw, ok := m.Payload[contextstore.MetaCreatedAt].(string); ok {
		if ts, err := time.Parse(time.RFC3339, raw); err == nil {
			out.CreatedAt = ts
		}
	}
	return out
}

func boost(similarity float64) float64 {
	adjusted := similarity + SimilarityBoost
	if adjusted > 1.0 {
		adjusted = 1.0
	}
	return adjusted
}

func sortAndTruncate(results []RankedResult, maxResults int) []RankedResult {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Similarity == results[j].Similarity {
			return results[i].DocumentID < results[j].DocumentID
		}
		return results[i].Similarity > results[j].Similarity
	})
	if len(results) > maxResults {
		results = results[:maxResults]
	}
	return results
}

// Explain produces the relevance explanation attached to every result:
// keyword overlap when the query and document share a term longer than three
// characters, otherwise a similarity-banded phrase.
func Explain(queryText, docText string, similarity float64) string {
	shared := sharedTerms(queryText, docText, 3)
	if len(shared) > 0 {
		if len(shared) > 3 {
			shared = shared[:3]
		}
		return "shares key terms: " + strings.Join(shared, ", ")
	}
	switch {
	case similarity >= 0.9:
		return "near-exact semantic match"
	case similarity >= 0.75:
		return "strong thematic match"
	case similarity >= 0.6:
		return "related content"
	default:
		return "loosely related content"
	}
}

func sharedTerms(a, b string, minLen int) []string {
	inA := make(map[string]struct{})
	for _, term := range tokenize(a) {
		if len(term) > minLen {
			inA[term] = struct{}{}
		}
	}
	var shared []string
	seen := make(map[string]struct{})
	for _, term := range tokenize(b) {
		if len(term) <= minLen {
			continue
		}
		if _, ok := inA[term]; !ok {
			continue
		}
		if _, dup := seen[term]; dup {
			continue
		}
		seen[term] = struct{}{}
		shared = append(shared, term)
	}
	sort.Strings(shared)
	return shared
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9') && r != '\''
	})
}
