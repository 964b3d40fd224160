package pii

import (
	"errors"
	"strings"
	"testing"
)

func TestRedact_EmailAndPhone(t *testing.T) {
	shield := DefaultShield(0.5)

	input := "Contact me at jane.doe@example.com or +49 170 1234567"
	redacted, entities, err := shield.Redact(input)
	if err != nil {
		t.Fatalf("Redact error: %v", err)
	}

	if strings.Contains(redacted, "jane.doe@example.com") {
		t.Errorf("redacted text still contains email: %q", redacted)
	}
	if strings.Contains(redacted, "1234567") {
		t.Errorf("redacted text still contains phone digits: %q", redacted)
	}
	if len(entities) != 2 {
		t.Fatalf("expected 2 entities, got %d: %+v", len(entities), entities)
	}
	if entities[0].Category != CategoryEmail {
		t.Errorf("entity 0 category = %s, want %s", entities[0].Category, CategoryEmail)
	}
	if entities[1].Category != CategoryPhone {
		t.Errorf("entity 1 category = %s, want %s", entities[1].Category, CategoryPhone)
	}
	if !strings.Contains(redacted, "[REDACTED:EMAIL]") || !strings.Contains(redacted, "[REDACTED:PHONE]") {
		t.Errorf("missing placeholders in %q", redacted)
	}
}

func TestRedact_NoMatches(t *testing.T) {
	shield := DefaultShield(0.5)

	input := "The quick brown fox jumps over the lazy dog"
	redacted, entities, err := shield.Redact(input)
	if err != nil {
		t.Fatalf("Redact error: %v", err)
	}
	if redacted != input {
		t.Errorf("input without PII was modified: %q", redacted)
	}
	if len(entities) != 0 {
		t.Errorf("expected no entities, got %+v", entities)
	}
}

func TestRedact_Idempotent(t *testing.T) {
	shield := DefaultShield(0.5)

	inputs := []string{
		"Contact me at jane.doe@example.com or +49 170 1234567",
		"Wire to DE89370400440532013000 please",
		"SSN 123-45-6789 lives at Hauptstraße 5, 10115 Berlin",
		"no pii here",
		"",
	}
	for _, input := range inputs {
		once, _, err := shield.Redact(input)
		if err != nil {
			t.Fatalf("Redact(%q) error: %v", input, err)
		}
		twice, entities, err := shield.Redact(once)
		if err != nil {
			t.Fatalf("Redact(Redact(%q)) error: %v", input, err)
		}
		if twice != once {
			t.Errorf("not idempotent for %q:\n once: %q\ntwice: %q", input, once, twice)
		}
		if len(entities) != 0 {
			t.Errorf("second pass found entities in %q: %+v", once, entities)
		}
	}
}

func TestRedact_IBANChecksum(t *testing.T) {
	shield := DefaultShield(0.5)

	// Valid mod-97 checksum: redacted.
	redacted, entities, err := shield.Redact("account DE89 3704 0044 0532 0130 00 end")
	if err != nil {
		t.Fatalf("Redact error: %v", err)
	}
	if len(entities) != 1 || entities[0].Category != CategoryIBAN {
		t.Fatalf("expected one IBAN entity, got %+v", entities)
	}
	if strings.Contains(redacted, "3704") {
		t.Errorf("IBAN digits survived redaction: %q", redacted)
	}

	// Broken checksum scores below the 0.5 threshold and passes through.
	passthrough, entities, err := shield.Redact("account DE89 3704 0044 0532 0130 01 end")
	if err != nil {
		t.Fatalf("Redact error: %v", err)
	}
	if len(entities) != 0 {
		t.Errorf("invalid IBAN should fall below threshold, got %+v", entities)
	}
	if !strings.Contains(passthrough, "DE89 3704") {
		t.Errorf("invalid IBAN unexpectedly redacted: %q", passthrough)
	}
}

func TestResolveOverlaps_LongestThenLeftmost(t *testing.T) {
	tests := []struct {
		name  string
		spans []Span
		want  []Span
	}{
		{
			name: "longest wins",
			spans: []Span{
				{Start: 0, End: 5, Category: CategoryPhone, Confidence: 1},
				{Start: 2, End: 12, Category: CategoryIBAN, Confidence: 1},
			},
			want: []Span{{Start: 2, End: 12, Category: CategoryIBAN, Confidence: 1}},
		},
		{
			name: "exact tie goes leftmost",
			spans: []Span{
				{Start: 4, End: 9, Category: CategoryPhone, Confidence: 1},
				{Start: 2, End: 7, Category: CategoryEmail, Confidence: 1},
			},
			want: []Span{{Start: 2, End: 7, Category: CategoryEmail, Confidence: 1}},
		},
		{
			name: "disjoint spans all survive, ordered by start",
			spans: []Span{
				{Start: 10, End: 14, Category: CategoryPhone, Confidence: 1},
				{Start: 0, End: 4, Category: CategoryEmail, Confidence: 1},
			},
			want: []Span{
				{Start: 0, End: 4, Category: CategoryEmail, Confidence: 1},
				{Start: 10, End: 14, Category: CategoryPhone, Confidence: 1},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := resolveOverlaps(tt.spans)
			if len(got) != len(tt.want) {
				t.Fatalf("got %d spans, want %d: %+v", len(got), len(tt.want), got)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("span %d = %+v, want %+v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

type failingDetector struct{}

func (failingDetector) Name() string                 { return "failing" }
func (failingDetector) Detect(string) ([]Span, error) { return nil, errors.New("model unavailable") }

func TestRedact_FailClosed(t *testing.T) {
	shield := NewShield(0.5, NewEmailDetector(), failingDetector{})

	_, _, err := shield.Redact("jane.doe@example.com")
	if err == nil {
		t.Fatal("expected error when a detector fails")
	}
	if !strings.Contains(err.Error(), "failing") {
		t.Errorf("error should name the detector: %v", err)
	}
}

func TestRedact_ConfidenceThreshold(t *testing.T) {
	// Address matches score 0.65; a threshold above that drops them.
	strict := DefaultShield(0.9)
	redacted, entities, err := strict.Redact("Meet at Hauptstraße 5 tomorrow")
	if err != nil {
		t.Fatalf("Redact error: %v", err)
	}
	if len(entities) != 0 {
		t.Errorf("threshold 0.9 should drop address spans, got %+v", entities)
	}
	if !strings.Contains(redacted, "Hauptstraße 5") {
		t.Errorf("text should pass through unchanged: %q", redacted)
	}

	lenient := DefaultShield(0.5)
	_, entities, err = lenient.Redact("Meet at Hauptstraße 5 tomorrow")
	if err != nil {
		t.Fatalf("Redact error: %v", err)
	}
	if len(entities) != 1 || entities[0].Category != CategoryAddress {
		t.Errorf("threshold 0.5 should keep the address span, got %+v", entities)
	}
}
