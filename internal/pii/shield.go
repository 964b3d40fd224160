// Package pii detects and masks personally identifiable information before a
// payload crosses the trust boundary to an upstream provider.
package pii

import (
	"fmt"
	"sort"
	"strings"
)

// Entity categories produced by the built-in detectors.
const (
	CategoryEmail      = "EMAIL"
	CategoryPhone      = "PHONE"
	CategoryIBAN       = "IBAN"
	CategoryNationalID = "NATIONAL_ID"
	CategoryAddress    = "POSTAL_ADDRESS"
	CategoryName       = "NAME"
)

// Span is one detected region of the input text.
type Span struct {
	Start      int
	End        int // exclusive
	Category   string
	Confidence float64
}

// DetectedEntity is the request-scoped record of one redacted span. It never
// carries the original value.
type DetectedEntity struct {
	Category   string  `json:"category"`
	Start      int     `json:"start"`
	End        int     `json:"end"`
	Confidence float64 `json:"confidence"`
}

// Detector finds sensitive spans in text. Implementations must be safe for
// concurrent use; Redact runs fully in parallel across requests.
type Detector interface {
	Name() string
	Detect(text string) ([]Span, error)
}

// Shield runs an ordered set of independent detectors and replaces surviving
// spans with category-tagged placeholders.
type Shield struct {
	detectors     []Detector
	minConfidence float64
}

// NewShield builds a shield over the given detectors. Spans scored below
// minConfidence are dropped before overlap resolution.
func NewShield(minConfidence float64, detectors ...Detector) *Shield {
	return &Shield{detectors: detectors, minConfidence: minConfidence}
}

// DefaultShield returns a shield with the built-in structural detectors.
func DefaultShield(minConfidence float64) *Shield {
	return NewShield(minConfidence,
		NewEmailDetector(),
		NewPhoneDetector(),
		NewIBANDetector(),
		NewNationalIDDetector(),
		NewAddressDetector(),
	)
}

// Redact returns the input with every surviving span replaced by a
// placeholder of the form [REDACTED:<CATEGORY>], plus the entity list.
// When nothing is found the input comes back unchanged with an empty list.
//
// The operation is fail-closed: if any detector errors, Redact returns a
// non-nil error and the caller must treat the text as unredacted risk.
//
// Redaction is idempotent: placeholders match no detector pattern, so
// Redact(Redact(x)) == Redact(x).
func (s *Shield) Redact(text string) (string, []DetectedEntity, error) {
	var spans []Span
	for _, d := range s.detectors {
		found, err := d.Detect(text)
		if err != nil {
			return "", nil, fmt.Errorf("detector %s: %w", d.Name(), err)
		}
		for _, sp := range found {
			if sp.Confidence >= s.minConfidence {
				spans = append(spans, sp)
			}
		}
	}

	if len(spans) == 0 {
		return text, []DetectedEntity{}, nil
	}

	kept := resolveOverlaps(spans)

	// Single left-to-right replacement pass.
	var b strings.Builder
	entities := make([]DetectedEntity, 0, len(kept))
	cursor := 0
	for _, sp := range kept {
		b.WriteString(text[cursor:sp.Start])
		b.WriteString(placeholder(sp.Category))
		entities = append(entities, DetectedEntity{
			Category:   sp.Category,
			Start:      sp.Start,
			End:        sp.End,
			Confidence: sp.Confidence,
		})
		cursor = sp.End
	}
	b.WriteString(text[cursor:])

	return b.String(), entities, nil
}

func placeholder(category string) string {
	return "[REDACTED:" + category + "]"
}

// resolveOverlaps keeps the longest span of any overlapping pair; exact
// length ties go to the lowest start offset. Losers are discarded whole.
// The survivors come back ordered by start offset.
func resolveOverlaps(spans []Span) []Span {
	sort.Slice(spans, func(i, j int) bool {
		li, lj := spans[i].End-spans[i].Start, spans[j].End-spans[j].Start
		if li != lj {
			return li > lj
		}
		return spans[i].Start < spans[j].Start
	})

	var kept []Span
	for _, sp := range spans {
		overlaps := false
		for _, k := range kept {
			if sp.Start < k.End && k.Start < sp.End {
				overlaps = true
				break
			}
		}
		if !overlaps {
			kept = append(kept, sp)
		}
	}

	sort.Slice(kept, func(i, j int) bool { return kept[i].Start < kept[j].Start })
	return kept
}
