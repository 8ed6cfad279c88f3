package detectors

import (
	"context"
	"regexp"

	"github.com/aegis-ai/aegis/internal/detect"
)

// Adversarial patterns, grouped by attack subtype. Any critical match
// forces a block decision at the risk agent regardless of score.
var adversarialPatterns = []struct {
	re         *regexp.Regexp
	subtype    string
	confidence float64
	severity   detect.Severity
}{
	// Directive overrides.
	{regexp.MustCompile(`(?i)\b(?:ignore|forget|disregard|skip|bypass)\s+(?:all\s+|the\s+)?(?:previous|prior|above|earlier)\s+(?:instructions?|rules?|guidelines?|prompts?|context)\b`), "prompt_injection", 0.95, detect.SeverityCritical},
	{regexp.MustCompile(`(?i)\bdisregard\s+the\s+system\b`), "prompt_injection", 0.95, detect.SeverityCritical},
	{regexp.MustCompile(`(?i)\b(?:new\s+instructions?|override|replace)\s+(?:your\s+)?(?:instructions?|rules?|guidelines?)\b`), "prompt_injection", 0.90, detect.SeverityCritical},
	{regexp.MustCompile(`(?i)\[SYSTEM\]|<\|im_start\|>system|###\s*(?:SYSTEM|NEW INSTRUCTION)`), "prompt_injection", 0.92, detect.SeverityCritical},

	// Jailbreak intents.
	{regexp.MustCompile(`(?i)\b(?:bypass|circumvent|evade)\s+(?:the\s+)?(?:safety|security|content)\s+(?:filter|check|policy|rules|restrictions?)\b`), "jailbreak", 0.93, detect.SeverityCritical},
	{regexp.MustCompile(`(?i)\bdo\s+anything\s+now\b|\bDAN\s+mode\b`), "jailbreak", 0.90, detect.SeverityCritical},
	{regexp.MustCompile(`(?i)\bexploit\s+(?:a\s+)?vulnerabilit(?:y|ies)\b|\bfind\s+(?:a\s+)?loophole\b`), "jailbreak", 0.78, detect.SeverityHigh},

	// Role reassignments.
	{regexp.MustCompile(`(?i)\byou\s+are\s+now\s+(?:a|an|the)\b`), "role_play_override", 0.85, detect.SeverityHigh},
	{regexp.MustCompile(`(?i)\bfrom\s+now\s+on\s+you\s+(?:are|will|must|should)\b`), "role_play_override", 0.85, detect.SeverityHigh},
	{regexp.MustCompile(`(?i)\b(?:pretend|act\s+as\s+if|imagine|suppose)\s+you\s+are\s+(?:a\s+)?(?:hacker|criminal|unrestricted|unfiltered)\b`), "role_play_override", 0.88, detect.SeverityCritical},
	{regexp.MustCompile(`(?i)\byour\s+new\s+(?:role|identity|persona)\s+(?:is|are)\b`), "role_play_override", 0.85, detect.SeverityHigh},

	// Extraction probes.
	{regexp.MustCompile(`(?i)\b(?:reveal|show|print|output|repeat)\s+(?:me\s+)?(?:your|the)\s+(?:system|initial|original|hidden)\s+(?:prompt|instructions?|message)\b`), "system_prompt_leak", 0.92, detect.SeverityCritical},
	{regexp.MustCompile(`(?i)\bwhat\s+(?:are|is|were)\s+your\s+(?:system\s+)?(?:instructions?|rules?|initial\s+prompt)\b`), "system_prompt_leak", 0.85, detect.SeverityHigh},

	// Unsafe instructional intents.
	{regexp.MustCompile(`(?i)\bhow\s+to\s+(?:make|build)\s+(?:a\s+)?(?:bomb|explosive|weapon)\b`), "unsafe_instruction", 0.95, detect.SeverityCritical},
	{regexp.MustCompile(`(?i)\bhow\s+to\s+(?:hack|break\s+into|steal)\b`), "unsafe_instruction", 0.88, detect.SeverityCritical},
	{regexp.MustCompile(`(?i)\bplease\s+break\s+the\s+rules\b`), "unsafe_instruction", 0.80, detect.SeverityHigh},
}

// AdversarialDetector scans text for prompt injection, jailbreak and
// related attack patterns.
type AdversarialDetector struct{}

func NewAdversarialDetector() *AdversarialDetector {
	return &AdversarialDetector{}
}

func (d *AdversarialDetector) Name() string { return "adversarial" }

func (d *AdversarialDetector) Kind() detect.Kind { return detect.KindAdversarial }

// Weight maps severity to the adversarial score contribution.
func (d *AdversarialDetector) Weight(sev detect.Severity) float64 {
	switch sev {
	case detect.SeverityCritical:
		return 10
	case detect.SeverityHigh:
		return 8
	case detect.SeverityMedium:
		return 6
	default:
		return 3
	}
}

func (d *AdversarialDetector) Scan(ctx context.Context, req *detect.Request) ([]detect.Finding, error) {
	text := req.Text
	var found []detect.Finding

	for _, p := range adversarialPatterns {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		for _, loc := range p.re.FindAllStringIndex(text, -1) {
			found = append(found, detect.Finding{
				Kind:       detect.KindAdversarial,
				Subtype:    p.subtype,
				Span:       detect.RuneSpan(text, loc[0], loc[1]),
				Value:      text[loc[0]:loc[1]],
				Confidence: p.confidence,
				Severity:   p.severity,
				DetectorID: "adversarial_patterns",
			})
		}
	}

	return detect.Dedupe(found), nil
}
