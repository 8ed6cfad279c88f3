package risk

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/aegis-ai/aegis/internal/detect"
)

// Level buckets an overall score by fixed thresholds (2, 4, 6, 8).
type Level string

const (
	LevelSafe     Level = "safe"
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

// LevelForScore maps a 0-10 score to its level.
func LevelForScore(score float64) Level {
	switch {
	case score < 2:
		return LevelSafe
	case score < 4:
		return LevelLow
	case score < 6:
		return LevelMedium
	case score < 8:
		return LevelHigh
	default:
		return LevelCritical
	}
}

// rank orders levels for gate comparisons.
func (l Level) rank() int {
	switch l {
	case LevelSafe:
		return 0
	case LevelLow:
		return 1
	case LevelMedium:
		return 2
	case LevelHigh:
		return 3
	default:
		return 4
	}
}

// AtMost reports whether l is no riskier than other.
func (l Level) AtMost(other Level) bool { return l.rank() <= other.rank() }

// Mitigations applied to a text.
const (
	MitigationBlock    = "block"
	MitigationSanitize = "sanitize"
	MitigationEscalate = "escalate"
)

// Assessment is the aggregated result of analyzing one text.
type Assessment struct {
	Findings      []detect.Finding
	OverallScore  float64
	Level         Level
	SanitizedText string
	Mitigations   []string
	Fingerprint   string

	// Populated in the output phase when grounding was supplied.
	HallucinationScore float64
	FactualAccuracy    float64
	HasGrounding       bool
}

// Blocked reports whether the block mitigation was applied.
func (a *Assessment) Blocked() bool { return a.hasMitigation(MitigationBlock) }

// Sanitized reports whether the sanitize mitigation was applied.
func (a *Assessment) Sanitized() bool { return a.hasMitigation(MitigationSanitize) }

// Escalated reports whether the escalate mitigation was applied.
func (a *Assessment) Escalated() bool { return a.hasMitigation(MitigationEscalate) }

func (a *Assessment) hasMitigation(m string) bool {
	for _, applied := range a.Mitigations {
		if applied == m {
			return true
		}
	}
	return false
}

// fingerprint hashes the sorted finding keys and the sanitized text. Equal
// inputs under equal detector versions produce equal fingerprints.
func fingerprint(findings []detect.Finding, sanitized string) string {
	keys := make([]string, len(findings))
	for i, f := range findings {
		keys[i] = f.Key()
	}
	sort.Strings(keys)

	h := sha256.New()
	h.Write([]byte(strings.Join(keys, ";")))
	h.Write([]byte{0})
	h.Write([]byte(sanitized))
	return hex.EncodeToString(h.Sum(nil))[:16]
}
