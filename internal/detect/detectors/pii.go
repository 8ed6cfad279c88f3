package detectors

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/aegis-ai/aegis/internal/detect"
)

// Pre-compiled PII rule patterns — high precision, targeted per PII type.
// Compiled once at startup, never during a request.
var piiRules = []struct {
	re         *regexp.Regexp
	subtype    string
	confidence float64
	severity   detect.Severity
}{
	// SSN: 123-45-6789 or 123 45 6789
	{regexp.MustCompile(`\b\d{3}[-\s]\d{2}[-\s]\d{4}\b`), "ssn", 0.90, detect.SeverityCritical},

	// Credit cards (Visa, MC, Amex, Discover) — validated with Luhn below.
	{regexp.MustCompile(`\b(?:4\d{3}|5[1-5]\d{2}|3[47]\d{2}|6011)[-\s]?\d{4}[-\s]?\d{4,6}[-\s]?\d{3,5}\b`), "credit_card", 0.90, detect.SeverityCritical},

	// Email addresses
	{regexp.MustCompile(`\b[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}\b`), "email", 0.85, detect.SeverityHigh},

	// Phone numbers (US and international with country code)
	{regexp.MustCompile(`(\+\d{1,3}[-\s]?)?\(?\d{3}\)?[-\s.]\d{3}[-\s.]\d{4}\b`), "phone", 0.75, detect.SeverityHigh},

	// IBAN
	{regexp.MustCompile(`\b[A-Z]{2}\d{2}[A-Z0-9]{11,30}\b`), "iban", 0.90, detect.SeverityHigh},

	// API keys: Stripe-like, GitHub, Google
	{regexp.MustCompile(`\b(?:sk|pk)_(?:live_|test_)?[a-zA-Z0-9]{20,}\b`), "api_key", 0.92, detect.SeverityCritical},
	{regexp.MustCompile(`\b(?:ghp|gho|ghu|ghs|ghr)_[A-Za-z0-9_]{36}\b`), "api_key", 0.95, detect.SeverityCritical},
	{regexp.MustCompile(`\bAIza[A-Za-z0-9_\-]{35}\b`), "api_key", 0.95, detect.SeverityCritical},

	// JWT-shaped tokens
	{regexp.MustCompile(`\beyJ[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-.+/=]*\b`), "jwt_token", 0.90, detect.SeverityCritical},

	// IPv4 / IPv6
	{regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`), "ip_address", 0.70, detect.SeverityMedium},
	{regexp.MustCompile(`\b(?:[0-9a-fA-F]{1,4}:){7}[0-9a-fA-F]{1,4}\b`), "ip_address", 0.80, detect.SeverityMedium},

	// URLs
	{regexp.MustCompile(`\bhttps?://[^\s<>"']+`), "url", 0.70, detect.SeverityLow},
}

// luhnRe extracts digits for credit card checksum validation.
var nonDigitRe = regexp.MustCompile(`\D`)

// Named-entity heuristics: person, organization, location. A cheap
// classifier, not a model — context words anchor capitalized sequences.
var nerPatterns = []struct {
	re         *regexp.Regexp
	subtype    string
	group      int
	confidence float64
	severity   detect.Severity
}{
	{regexp.MustCompile(`\b(?:[Mm]y name is|I am|I'm|contact|[Mm]r\.|[Mm]rs\.|[Mm]s\.|[Dd]r\.)\s+([A-Z][a-z]+(?:\s+[A-Z][a-z]+)?)`), "person", 1, 0.75, detect.SeverityMedium},
	{regexp.MustCompile(`\b([A-Z][A-Za-z&]+(?:\s+[A-Z][A-Za-z&]+)*)\s+(?:Inc|Corp|LLC|Ltd|GmbH)\b\.?`), "organization", 0, 0.72, detect.SeverityLow},
	{regexp.MustCompile(`\b(?:lives? in|located in|based in|address(?:\s+is)?:?)\s+([A-Z][a-z]+(?:[\s,]+[A-Z][a-z]+)*)`), "location", 1, 0.70, detect.SeverityLow},
}

// riskClass is the anonymization analyzer's class per entity subtype.
// Subtypes absent from the map keep the rule's own severity.
var riskClass = map[string]detect.Severity{
	"ssn":          detect.SeverityCritical,
	"credit_card":  detect.SeverityCritical,
	"api_key":      detect.SeverityCritical,
	"jwt_token":    detect.SeverityCritical,
	"email":        detect.SeverityHigh,
	"phone":        detect.SeverityHigh,
	"iban":         detect.SeverityHigh,
	"ip_address":   detect.SeverityMedium,
	"person":       detect.SeverityMedium,
	"organization": detect.SeverityLow,
	"location":     detect.SeverityLow,
	"url":          detect.SeverityLow,
}

// PIIDetector scans text for personally identifiable information using a
// regex rule engine plus named-entity heuristics. Overlapping findings
// keep the higher severity; ties prefer the rule engine.
type PIIDetector struct{}

func NewPIIDetector() *PIIDetector {
	return &PIIDetector{}
}

func (d *PIIDetector) Name() string { return "pii" }

func (d *PIIDetector) Kind() detect.Kind { return detect.KindPII }

// Weight maps severity to the PII score contribution.
func (d *PIIDetector) Weight(sev detect.Severity) float64 {
	switch sev {
	case detect.SeverityCritical:
		return 9
	case detect.SeverityHigh:
		return 6
	case detect.SeverityMedium:
		return 4
	default:
		return 2
	}
}

func (d *PIIDetector) Scan(ctx context.Context, req *detect.Request) ([]detect.Finding, error) {
	text := req.Text
	var found []detect.Finding

	// Strategy 1: rule engine.
	for _, rule := range piiRules {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		for _, loc := range rule.re.FindAllStringIndex(text, -1) {
			value := text[loc[0]:loc[1]]
			if rule.subtype == "credit_card" && !luhnValid(nonDigitRe.ReplaceAllString(value, "")) {
				continue
			}
			found = append(found, detect.Finding{
				Kind:       detect.KindPII,
				Subtype:    rule.subtype,
				Span:       detect.RuneSpan(text, loc[0], loc[1]),
				Value:      value,
				Confidence: rule.confidence,
				Severity:   classify(rule.subtype, rule.severity),
				DetectorID: "pii_rules",
			})
		}
	}

	// Strategy 2: named-entity heuristics.
	for _, p := range nerPatterns {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		for _, m := range p.re.FindAllStringSubmatchIndex(text, -1) {
			start, end := m[2*p.group], m[2*p.group+1]
			if start < 0 || end <= start {
				continue
			}
			found = append(found, detect.Finding{
				Kind:       detect.KindPII,
				Subtype:    p.subtype,
				Span:       detect.RuneSpan(text, start, end),
				Value:      text[start:end],
				Confidence: p.confidence,
				Severity:   classify(p.subtype, p.severity),
				DetectorID: "pii_ner",
			})
		}
	}

	merged := mergeOverlaps(found)
	assignReplacements(merged)
	return merged, nil
}

// classify applies the anonymization analyzer's risk class for a subtype.
func classify(subtype string, fallback detect.Severity) detect.Severity {
	if sev, ok := riskClass[subtype]; ok {
		return sev
	}
	return fallback
}

// luhnValid reports whether digits passes the Luhn checksum.
func luhnValid(digits string) bool {
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := int(digits[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

// mergeOverlaps resolves span collisions between strategies: the higher
// severity wins; on ties, the rule engine wins (cheaper to explain).
func mergeOverlaps(findings []detect.Finding) []detect.Finding {
	sort.SliceStable(findings, func(i, j int) bool {
		if findings[i].Span.Start != findings[j].Span.Start {
			return findings[i].Span.Start < findings[j].Span.Start
		}
		return findings[i].Span.End > findings[j].Span.End
	})

	var out []detect.Finding
	for _, f := range findings {
		if len(out) == 0 || !out[len(out)-1].Span.Overlaps(f.Span) {
			out = append(out, f)
			continue
		}
		prev := &out[len(out)-1]
		if f.Severity > prev.Severity ||
			(f.Severity == prev.Severity && prev.DetectorID != "pii_rules" && f.DetectorID == "pii_rules") {
			keep := f
			keep.Span = prev.Span.Union(f.Span)
			*prev = keep
		} else {
			prev.Span = prev.Span.Union(f.Span)
		}
	}
	return out
}

// assignReplacements numbers findings per subtype in span order, giving a
// stable per-text suggested replacement of form ‹EMAIL_1›.
func assignReplacements(findings []detect.Finding) {
	counters := make(map[string]int)
	for i := range findings {
		counters[findings[i].Subtype]++
		findings[i].Replacement = fmt.Sprintf("‹%s_%d›",
			strings.ToUpper(findings[i].Subtype), counters[findings[i].Subtype])
	}
}
