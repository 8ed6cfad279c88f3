package detectors

import (
	"context"
	"regexp"
	"strings"

	"github.com/aegis-ai/aegis/internal/detect"
)

// ClaimStatus is the verification outcome for a single extracted claim.
type ClaimStatus int

const (
	ClaimSupported ClaimStatus = iota + 1
	ClaimContradicted
	ClaimUnverifiable
)

// String returns the lowercase status name.
func (s ClaimStatus) String() string {
	switch s {
	case ClaimSupported:
		return "supported"
	case ClaimContradicted:
		return "contradicted"
	case ClaimUnverifiable:
		return "unverifiable"
	default:
		return "unspecified"
	}
}

// Claim is a noun-predicate-object tuple extracted from model output.
type Claim struct {
	Subject   string
	Predicate string
	Object    string
	Span      detect.Span
	Status    ClaimStatus
}

// GroundingReport summarizes claim verification against the trusted
// context assembled during the tool-call loop.
type GroundingReport struct {
	Claims          []Claim
	Supported       int
	Contradicted    int
	Unverifiable    int
	FactualAccuracy float64 // supported / total, 1.0 when no claims
	Score           float64 // 0-10, higher = more hallucination
}

// statusGroups canonicalizes fulfillment-status vocabulary so that
// "shipped" supports a grounding value of "in_transit".
var statusGroups = map[string][]string{
	"in_transit": {"in transit", "in_transit", "shipping", "shipped", "on the way", "en route"},
	"delivered":  {"delivered", "completed", "arrived", "received"},
	"pending":    {"pending", "processing", "preparing", "waiting"},
	"cancelled":  {"cancelled", "canceled"},
	"returned":   {"returned"},
}

var (
	statusTokenRe = regexp.MustCompile(`(?i)\b(in[\s_]transit|shipped|shipping|en route|on the way|delivered|arrived|received|pending|processing|preparing|waiting|cancell?ed|returned)\b`)
	dateTokenRe   = regexp.MustCompile(`\b(\d{4}-\d{2}-\d{2}|\d{1,2}/\d{1,2}/\d{2,4}|(?:Jan|Feb|Mar|Apr|May|Jun|Jul|Aug|Sep|Oct|Nov|Dec)[a-z]*\s+\d{1,2},?\s+\d{4}|yesterday|today|tomorrow)\b`)
	idTokenRe     = regexp.MustCompile(`\b([A-Z]{2,5}-[A-Za-z0-9]+|#\d{4,})\b`)
)

// HallucinationDetector verifies model output claims against grounding
// records. It only produces findings in the output phase and only when a
// grounding context is supplied.
type HallucinationDetector struct{}

func NewHallucinationDetector() *HallucinationDetector {
	return &HallucinationDetector{}
}

func (d *HallucinationDetector) Name() string { return "hallucination" }

func (d *HallucinationDetector) Kind() detect.Kind { return detect.KindHallucination }

// Weight maps severity to the hallucination score contribution.
func (d *HallucinationDetector) Weight(sev detect.Severity) float64 {
	switch sev {
	case detect.SeverityCritical:
		return 9
	case detect.SeverityHigh:
		return 7
	case detect.SeverityMedium:
		return 4
	default:
		return 2
	}
}

func (d *HallucinationDetector) Scan(ctx context.Context, req *detect.Request) ([]detect.Finding, error) {
	if req.Phase != detect.PhaseOutput || len(req.Grounding) == 0 {
		return nil, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	_, findings := d.Assess(req.Text, req.Grounding)
	return findings, nil
}

// Assess extracts claims from output, verifies each against grounding and
// returns the full report alongside the contradiction and unverifiable
// findings. The score rises with contradicted mass and with the fraction
// of unverifiable claims about entities present in grounding.
func (d *HallucinationDetector) Assess(output string, grounding []detect.GroundingRecord) (GroundingReport, []detect.Finding) {
	claims := extractClaims(output)
	groundingText := strings.ToLower(flattenGrounding(grounding))

	var report GroundingReport
	var findings []detect.Finding
	groundedUnverifiable := 0

	for i := range claims {
		c := &claims[i]
		c.Status = verifyClaim(*c, grounding, groundingText)
		switch c.Status {
		case ClaimSupported:
			report.Supported++
		case ClaimContradicted:
			report.Contradicted++
			findings = append(findings, detect.Finding{
				Kind:       detect.KindHallucination,
				Subtype:    "contradiction",
				Span:       c.Span,
				Value:      c.Object,
				Confidence: 0.9,
				Severity:   detect.SeverityHigh,
				DetectorID: "hallucination",
			})
		case ClaimUnverifiable:
			report.Unverifiable++
			sev := detect.SeverityLow
			if groundingMentions(groundingText, c) {
				groundedUnverifiable++
				sev = detect.SeverityMedium
			}
			findings = append(findings, detect.Finding{
				Kind:       detect.KindHallucination,
				Subtype:    "unverifiable",
				Span:       c.Span,
				Value:      c.Object,
				Confidence: 0.6,
				Severity:   sev,
				DetectorID: "hallucination",
			})
		}
	}

	report.Claims = claims
	total := report.Supported + report.Contradicted + report.Unverifiable
	if total == 0 {
		report.FactualAccuracy = 1.0
		return report, nil
	}
	report.FactualAccuracy = float64(report.Supported) / float64(total)

	contradictedFrac := float64(report.Contradicted) / float64(total)
	unverifiableFrac := float64(report.Unverifiable) / float64(total)
	groundedFrac := float64(groundedUnverifiable) / float64(total)
	score := 10*contradictedFrac + 3*unverifiableFrac + 2*groundedFrac
	if score > 10 {
		score = 10
	}
	report.Score = score
	return report, findings
}

// extractClaims pulls status, date and identifier tuples out of the
// output text. The subject is the nearest order/package noun, defaulting
// to "order".
func extractClaims(text string) []Claim {
	var claims []Claim

	for _, m := range statusTokenRe.FindAllStringIndex(text, -1) {
		claims = append(claims, Claim{
			Subject:   "order",
			Predicate: "status",
			Object:    strings.ToLower(text[m[0]:m[1]]),
			Span:      detect.RuneSpan(text, m[0], m[1]),
		})
	}
	for _, m := range dateTokenRe.FindAllStringIndex(text, -1) {
		claims = append(claims, Claim{
			Subject:   "order",
			Predicate: "date",
			Object:    strings.ToLower(text[m[0]:m[1]]),
			Span:      detect.RuneSpan(text, m[0], m[1]),
		})
	}
	for _, m := range idTokenRe.FindAllStringIndex(text, -1) {
		claims = append(claims, Claim{
			Subject:   "order",
			Predicate: "id",
			Object:    text[m[0]:m[1]],
			Span:      detect.RuneSpan(text, m[0], m[1]),
		})
	}
	return claims
}

func verifyClaim(c Claim, grounding []detect.GroundingRecord, groundingText string) ClaimStatus {
	switch c.Predicate {
	case "status":
		claimGroup := canonicalStatus(c.Object)
		for _, rec := range grounding {
			recGroup := canonicalStatus(strings.ToLower(rec.Value))
			if recGroup == "" {
				continue
			}
			if claimGroup == recGroup {
				return ClaimSupported
			}
			return ClaimContradicted
		}
		return ClaimUnverifiable
	case "date", "id":
		if strings.Contains(groundingText, strings.ToLower(strings.TrimPrefix(c.Object, "#"))) {
			return ClaimSupported
		}
		return ClaimUnverifiable
	default:
		return ClaimUnverifiable
	}
}

// canonicalStatus maps a status token to its group key, or "" when the
// token is not fulfillment-status vocabulary.
func canonicalStatus(token string) string {
	token = strings.ReplaceAll(token, "_", " ")
	for group, synonyms := range statusGroups {
		for _, syn := range synonyms {
			if strings.ReplaceAll(syn, "_", " ") == token {
				return group
			}
		}
	}
	return ""
}

// groundingMentions reports whether the grounding set talks about the
// claim's predicate at all (an unverifiable claim about a grounded entity
// weighs more than one about something the data never covered).
func groundingMentions(groundingText string, c *Claim) bool {
	switch c.Predicate {
	case "date":
		return strings.Contains(groundingText, "eta") || strings.Contains(groundingText, "date") || dateTokenRe.MatchString(groundingText)
	case "id":
		return strings.Contains(groundingText, "id") || idTokenRe.MatchString(groundingText)
	default:
		return strings.Contains(groundingText, c.Predicate)
	}
}

func flattenGrounding(grounding []detect.GroundingRecord) string {
	var b strings.Builder
	for _, rec := range grounding {
		b.WriteString(rec.Key)
		b.WriteString(": ")
		b.WriteString(rec.Value)
		b.WriteString("\n")
	}
	return b.String()
}
