package detectors

import (
	"context"
	"regexp"

	"github.com/aegis-ai/aegis/internal/detect"
)

// Lexicon patterns for known biased framings, per subtype.
var biasPatterns = []struct {
	re         *regexp.Regexp
	subtype    string
	confidence float64
	severity   detect.Severity
}{
	// Hate speech — always critical.
	{regexp.MustCompile(`(?i)\b(?:hate|despise|loathe)\s+(?:all\s+)?(?:women|men|immigrants|jews|muslims|christians|gay|lesbian|trans)\b`), "hate", 0.95, detect.SeverityCritical},
	{regexp.MustCompile(`(?i)\b(?:kill|harm|hurt)\s+(?:all|every)\s+\w+`), "hate", 0.95, detect.SeverityCritical},
	{regexp.MustCompile(`(?i)\b(?:inferior|subhuman|worthless)\s+(?:race|people|group)\b`), "hate", 0.92, detect.SeverityCritical},

	// Explicit discrimination — high.
	{regexp.MustCompile(`(?i)\b(?:discriminate|exclude|reject)\s+(?:based\s+on|due\s+to|because\s+of)\s+(?:gender|race|age|religion)\b`), "stereotyping", 0.85, detect.SeverityHigh},
	{regexp.MustCompile(`(?i)\b(?:only|exclusively)\s+(?:for|available\s+to)\s+(?:men|women|whites|blacks|young|old)\b`), "stereotyping", 0.85, detect.SeverityHigh},

	// Gender framing.
	{regexp.MustCompile(`(?i)\b(?:women|girls|females?)\s+(?:should|must|belong|can't|cannot)\b`), "gender", 0.80, detect.SeverityMedium},
	{regexp.MustCompile(`(?i)\b(?:men|boys|males?)\s+are\s+(?:better|superior|stronger|smarter)\b`), "gender", 0.82, detect.SeverityMedium},

	// Racial framing.
	{regexp.MustCompile(`(?i)\b(?:black|white|asian|hispanic|latino)\s+people\s+(?:are|tend\s+to|usually)\b`), "racial", 0.80, detect.SeverityMedium},

	// Age framing.
	{regexp.MustCompile(`(?i)\b(?:old|elderly|senior)\s+people\s+(?:are|can't|cannot|are\s+unable)\b`), "age", 0.78, detect.SeverityMedium},
	{regexp.MustCompile(`(?i)\byoung\s+people\s+are\s+(?:immature|irresponsible|lazy)\b`), "age", 0.78, detect.SeverityMedium},

	// Religious framing.
	{regexp.MustCompile(`(?i)\b(?:religious|atheist|agnostic)\s+people\s+are\s+(?:backward|primitive|immoral|untrustworthy)\b`), "religious", 0.80, detect.SeverityMedium},

	// Cultural framing.
	{regexp.MustCompile(`(?i)\b(?:western|eastern|american|european|asian)\s+(?:culture|values)\s+(?:is|are)\s+(?:superior|better)\b`), "cultural", 0.78, detect.SeverityMedium},
	{regexp.MustCompile(`(?i)\b(?:primitive|backward|uncivilized)\s+(?:culture|society|people)\b`), "cultural", 0.80, detect.SeverityMedium},

	// Generic stereotyping.
	{regexp.MustCompile(`(?i)\b(?:people\s+like\s+you|your\s+kind|those\s+people)\b`), "stereotyping", 0.75, detect.SeverityMedium},
}

// absoluteQuantifier flags absolute quantifiers bound to demographic terms:
// "all X are…", "only Y should…".
var absoluteQuantifier = regexp.MustCompile(`(?i)\b(all|every|no|only)\s+(women|men|girls|boys|immigrants|foreigners|americans|europeans|asians|africans|christians|muslims|jews|atheists|elderly|teenagers|millennials|boomers)\s+(are|should|must|can|deserve|belong)\b`)

// BiasDetector scans text for biased or discriminatory framing. It never
// suggests replacements: bias mitigation is advisory or blocking, not
// substitution.
type BiasDetector struct{}

func NewBiasDetector() *BiasDetector {
	return &BiasDetector{}
}

func (d *BiasDetector) Name() string { return "bias" }

func (d *BiasDetector) Kind() detect.Kind { return detect.KindBias }

// Weight maps severity to the bias score contribution.
func (d *BiasDetector) Weight(sev detect.Severity) float64 {
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

func (d *BiasDetector) Scan(ctx context.Context, req *detect.Request) ([]detect.Finding, error) {
	text := req.Text
	var found []detect.Finding

	for _, p := range biasPatterns {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		for _, loc := range p.re.FindAllStringIndex(text, -1) {
			found = append(found, detect.Finding{
				Kind:       detect.KindBias,
				Subtype:    p.subtype,
				Span:       detect.RuneSpan(text, loc[0], loc[1]),
				Value:      text[loc[0]:loc[1]],
				Confidence: p.confidence,
				Severity:   p.severity,
				DetectorID: "bias_lexicon",
			})
		}
	}

	for _, loc := range absoluteQuantifier.FindAllStringIndex(text, -1) {
		found = append(found, detect.Finding{
			Kind:       detect.KindBias,
			Subtype:    "stereotyping",
			Span:       detect.RuneSpan(text, loc[0], loc[1]),
			Value:      text[loc[0]:loc[1]],
			Confidence: 0.72,
			Severity:   detect.SeverityMedium,
			DetectorID: "bias_quantifier",
		})
	}

	return detect.Dedupe(found), nil
}
