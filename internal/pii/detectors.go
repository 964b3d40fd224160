package pii

import (
	"regexp"
	"strings"
)

// regexDetector is the shared shape of all structural matchers: a compiled
// pattern, a fixed category and a base confidence, with an optional scoring
// hook for detectors that can validate a match (e.g. IBAN checksums).
type regexDetector struct {
	name       string
	category   string
	pattern    *regexp.Regexp
	confidence float64
	score      func(match string) float64 // overrides confidence when set
}

func (d *regexDetector) Name() string { return d.name }

func (d *regexDetector) Detect(text string) ([]Span, error) {
	matches := d.pattern.FindAllStringIndex(text, -1)
	if matches == nil {
		return nil, nil
	}
	spans := make([]Span, 0, len(matches))
	for _, m := range matches {
		conf := d.confidence
		if d.score != nil {
			conf = d.score(text[m[0]:m[1]])
		}
		if conf <= 0 {
			continue
		}
		spans = append(spans, Span{Start: m[0], End: m[1], Category: d.category, Confidence: conf})
	}
	return spans, nil
}

var emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)

// NewEmailDetector matches RFC-5322-shaped addresses. Structural matches are
// near-certain, so confidence is high.
func NewEmailDetector() Detector {
	return &regexDetector{
		name:       "email",
		category:   CategoryEmail,
		pattern:    emailPattern,
		confidence: 0.98,
	}
}

// phonePattern covers international numbers (+49 170 1234567, +1-202-555-0143)
// and domestic numbers with an explicit trunk prefix (0170/1234567).
var phonePattern = regexp.MustCompile(`(?:\+\d{1,3}|\b00\d{1,3}|\b0\d{2,4})(?:[ \-/]?\d{2,8}){1,5}`)

// NewPhoneDetector matches phone numbers with at least seven digits total.
func NewPhoneDetector() Detector {
	return &regexDetector{
		name:       "phone",
		category:   CategoryPhone,
		pattern:    phonePattern,
		confidence: 0.90,
		score: func(match string) float64 {
			digits := 0
			for _, r := range match {
				if r >= '0' && r <= '9' {
					digits++
				}
			}
			if digits < 7 {
				return 0 // too short to be a dialable number
			}
			return 0.90
		},
	}
}

var ibanPattern = regexp.MustCompile(`\b[A-Z]{2}\d{2}(?: ?[A-Z0-9]{4}){2,7}(?: ?[A-Z0-9]{1,4})?\b`)

// NewIBANDetector matches IBAN-shaped account numbers. Matches that pass the
// ISO 13616 mod-97 check are near-certain; the rest keep a low score so the
// threshold can drop them.
func NewIBANDetector() Detector {
	return &regexDetector{
		name:     "iban",
		category: CategoryIBAN,
		pattern:  ibanPattern,
		score: func(match string) float64 {
			if validIBANChecksum(match) {
				return 0.99
			}
			return 0.40
		},
	}
}

// validIBANChecksum runs the ISO 13616 mod-97 test.
func validIBANChecksum(iban string) bool {
	s := strings.ReplaceAll(iban, " ", "")
	if len(s) < 15 || len(s) > 34 {
		return false
	}
	// Move the country code and check digits to the end, then map letters
	// to numbers (A=10 .. Z=35) and compute the remainder mod 97.
	rearranged := s[4:] + s[:4]
	rem := 0
	for _, r := range rearranged {
		switch {
		case r >= '0' && r <= '9':
			rem = (rem*10 + int(r-'0')) % 97
		case r >= 'A' && r <= 'Z':
			v := int(r-'A') + 10
			rem = (rem*100 + v) % 97
		default:
			return false
		}
	}
	return rem == 1
}

// nationalIDPatterns is the default structural pattern set for national
// identifiers. The set is intentionally configurable: which categories are
// mandatory is deployment policy, not a property of the algorithm.
var nationalIDPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),                // US SSN
	regexp.MustCompile(`\b\d{2} ?\d{6} ?[A-Z] ?\d{3}\b`),       // DE Personalausweis (old format)
	regexp.MustCompile(`\b[A-Z]{2}\d{6}[A-Z]?\b`),              // generic passport-shaped
}

type nationalIDDetector struct {
	patterns []*regexp.Regexp
}

// NewNationalIDDetector matches the default national identifier pattern set.
func NewNationalIDDetector() Detector {
	return &nationalIDDetector{patterns: nationalIDPatterns}
}

// NewNationalIDDetectorWithPatterns matches a caller-supplied pattern set.
func NewNationalIDDetectorWithPatterns(patterns []*regexp.Regexp) Detector {
	return &nationalIDDetector{patterns: patterns}
}

func (d *nationalIDDetector) Name() string { return "national_id" }

func (d *nationalIDDetector) Detect(text string) ([]Span, error) {
	var spans []Span
	for _, p := range d.patterns {
		for _, m := range p.FindAllStringIndex(text, -1) {
			spans = append(spans, Span{Start: m[0], End: m[1], Category: CategoryNationalID, Confidence: 0.85})
		}
	}
	return spans, nil
}

// addressPattern matches street-and-number plus postal-code-and-city shapes
// for German and English conventions.
var addressPattern = regexp.MustCompile(
	`\b[A-ZÄÖÜ][a-zäöüß]+(?:straße|strasse|weg|allee|gasse|platz| Street| Road| Avenue| Lane)\.? \d+[a-z]?\b` +
		`|\b\d{5} [A-ZÄÖÜ][a-zäöüß]+\b`)

// NewAddressDetector matches postal address fragments. Street shapes are
// weaker evidence than the other structural matchers, hence the lower score.
func NewAddressDetector() Detector {
	return &regexDetector{
		name:       "address",
		category:   CategoryAddress,
		pattern:    addressPattern,
		confidence: 0.65,
	}
}
