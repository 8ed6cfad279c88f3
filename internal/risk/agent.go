// Package risk is the risk agent: it fans out over the detector registry,
// aggregates findings into a scored assessment and applies the mitigation
// ladder (block, sanitize, allow) for the requested mode.
package risk

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/aegis-ai/aegis/internal/detect"
	"github.com/aegis-ai/aegis/internal/detect/detectors"
)

// Remapper is the subset of the token vault the agent needs.
type Remapper interface {
	Mint(ctx context.Context, original, kind string, ttl time.Duration, ownerRequestID string) (string, error)
}

// Request is one analyze call. Mode and MaxRiskScore override the agent's
// defaults when set; the agent never reaches back into the caller for them.
type Request struct {
	Text         string
	Phase        detect.Phase
	Grounding    []detect.GroundingRecord
	Question     string
	RequestID    string
	Mode         Mode
	MaxRiskScore float64
}

// Agent runs detectors concurrently and scores their merged findings.
// Immutable after construction; safe for concurrent use.
type Agent struct {
	scanners []detect.Detector
	halluc   *detectors.HallucinationDetector
	weights  map[detect.Kind]func(detect.Severity) float64
	remapper Remapper
	cfg      Config
	log      *zap.Logger
}

// NewAgent builds an agent with the standard detector set.
func NewAgent(remapper Remapper, cfg Config, log *zap.Logger) *Agent {
	return NewAgentWithDetectors([]detect.Detector{
		detectors.NewPIIDetector(),
		detectors.NewBiasDetector(),
		detectors.NewAdversarialDetector(),
	}, remapper, cfg, log)
}

// NewAgentWithDetectors builds an agent over an explicit detector registry.
// Tests supply their own.
func NewAgentWithDetectors(scanners []detect.Detector, remapper Remapper, cfg Config, log *zap.Logger) *Agent {
	a := &Agent{
		scanners: scanners,
		halluc:   detectors.NewHallucinationDetector(),
		weights:  make(map[detect.Kind]func(detect.Severity) float64, len(scanners)+1),
		remapper: remapper,
		cfg:      cfg.Normalize(),
		log:      log,
	}
	for _, d := range scanners {
		a.weights[d.Kind()] = d.Weight
	}
	a.weights[detect.KindHallucination] = a.halluc.Weight
	return a
}

type scanOutput struct {
	name     string
	kind     detect.Kind
	findings []detect.Finding
	err      error
}

// Analyze scans text with every registered detector, merges and scores the
// findings and applies mitigations. Detector failures degrade to low
// severity findings; Analyze itself does not fail.
func (a *Agent) Analyze(ctx context.Context, req *Request) *Assessment {
	cfg := a.configFor(req)

	dreq := &detect.Request{
		Text:      req.Text,
		Phase:     req.Phase,
		Grounding: req.Grounding,
		Question:  req.Question,
	}

	findings := a.fanOut(ctx, dreq, cfg)

	assessment := &Assessment{}
	if req.Phase == detect.PhaseOutput && len(req.Grounding) > 0 && !cfg.DisableHallucination {
		report, hfindings := a.halluc.Assess(req.Text, req.Grounding)
		findings = append(findings, hfindings...)
		assessment.HasGrounding = true
		assessment.HallucinationScore = report.Score
		assessment.FactualAccuracy = report.FactualAccuracy
	}

	findings = detect.Dedupe(a.filterByConfidence(findings, cfg))
	sort.SliceStable(findings, func(i, j int) bool {
		return findings[i].Span.Start < findings[j].Span.Start
	})
	assessment.Findings = findings

	assessment.OverallScore = a.score(assessment)
	assessment.Level = LevelForScore(assessment.OverallScore)

	a.mitigate(ctx, req, cfg, assessment)
	assessment.Fingerprint = fingerprint(assessment.Findings, assessment.SanitizedText)
	return assessment
}

func (a *Agent) configFor(req *Request) Config {
	cfg := a.cfg
	if req.Mode != "" && req.Mode != cfg.Mode {
		disable := cfg.DisableHallucination
		cfg = ConfigForMode(req.Mode)
		cfg.DisableHallucination = disable
	}
	if req.MaxRiskScore > 0 {
		cfg.MaxRiskScore = req.MaxRiskScore
	}
	return cfg
}

// fanOut dispatches every detector concurrently, each under its own
// deadline. A detector that misses its deadline contributes a low severity
// detector_timeout finding instead of failing the request.
func (a *Agent) fanOut(ctx context.Context, req *detect.Request, cfg Config) []detect.Finding {
	ch := make(chan scanOutput, len(a.scanners))
	for _, d := range a.scanners {
		go func(d detect.Detector) {
			dctx, cancel := context.WithTimeout(ctx, cfg.DetectorTimeout)
			defer cancel()
			findings, err := d.Scan(dctx, req)
			ch <- scanOutput{name: d.Name(), kind: d.Kind(), findings: findings, err: err}
		}(d)
	}

	var findings []detect.Finding
	seen := make(map[string]bool, len(a.scanners))
	join := time.NewTimer(cfg.DetectorTimeout + 50*time.Millisecond)
	defer join.Stop()

	remaining := len(a.scanners)
	for remaining > 0 {
		select {
		case out := <-ch:
			remaining--
			seen[out.name] = true
			switch {
			case errors.Is(out.err, context.DeadlineExceeded):
				findings = append(findings, timeoutFinding(out.name, out.kind))
			case out.err != nil:
				a.log.Warn("detector error", zap.String("detector", out.name), zap.Error(out.err))
				findings = append(findings, detect.Finding{
					Kind:       out.kind,
					Subtype:    "detector_unavailable",
					Confidence: 1.0,
					Severity:   detect.SeverityLow,
					DetectorID: out.name,
				})
			default:
				findings = append(findings, out.findings...)
			}
		case <-join.C:
			remaining = 0
		case <-ctx.Done():
			remaining = 0
		}
	}

	for _, d := range a.scanners {
		if !seen[d.Name()] {
			a.log.Warn("detector missed deadline, degrading", zap.String("detector", d.Name()))
			findings = append(findings, timeoutFinding(d.Name(), d.Kind()))
		}
	}
	return findings
}

func timeoutFinding(name string, kind detect.Kind) detect.Finding {
	return detect.Finding{
		Kind:       kind,
		Subtype:    "detector_timeout",
		Confidence: 1.0,
		Severity:   detect.SeverityLow,
		DetectorID: name,
	}
}

// filterByConfidence drops PII and bias findings below the configured
// confidence thresholds. Adversarial and hallucination findings always
// count.
func (a *Agent) filterByConfidence(findings []detect.Finding, cfg Config) []detect.Finding {
	out := findings[:0:0]
	for _, f := range findings {
		switch f.Kind {
		case detect.KindPII:
			if f.Subtype != "detector_timeout" && f.Subtype != "detector_unavailable" && f.Confidence < cfg.PIIConfidenceThreshold {
				continue
			}
		case detect.KindBias:
			if f.Subtype != "detector_timeout" && f.Subtype != "detector_unavailable" && f.Confidence < cfg.BiasConfidenceThreshold {
				continue
			}
		}
		out = append(out, f)
	}
	return out
}

// score computes the weighted maximum over all findings plus additive
// pressure of 0.5 per additional medium-or-worse finding, capped at +2.
// Adding a finding never lowers the result.
func (a *Agent) score(assessment *Assessment) float64 {
	maxComponent := 0.0
	mediumPlus := 0
	for _, f := range assessment.Findings {
		if weight, ok := a.weights[f.Kind]; ok {
			if w := weight(f.Severity); w > maxComponent {
				maxComponent = w
			}
		}
		if f.Severity >= detect.SeverityMedium {
			mediumPlus++
		}
	}
	if assessment.HasGrounding && assessment.HallucinationScore > maxComponent {
		maxComponent = assessment.HallucinationScore
	}
	if maxComponent == 0 {
		return 0
	}

	pressure := 0.0
	if mediumPlus > 1 {
		pressure = 0.5 * float64(mediumPlus-1)
		if pressure > 2.0 {
			pressure = 2.0
		}
	}

	score := maxComponent + pressure
	if score > 10 {
		score = 10
	}
	return score
}

// mitigate applies the ladder: critical adversarial findings always block;
// a score at or above the gate blocks; findings at or above the sanitize
// threshold are replaced with vault placeholders; otherwise the text passes
// unchanged.
func (a *Agent) mitigate(ctx context.Context, req *Request, cfg Config, assessment *Assessment) {
	for _, f := range assessment.Findings {
		if f.Kind == detect.KindAdversarial && f.Severity == detect.SeverityCritical {
			assessment.Mitigations = append(assessment.Mitigations, MitigationBlock)
			return
		}
	}
	if assessment.OverallScore >= cfg.MaxRiskScore {
		assessment.Mitigations = append(assessment.Mitigations, MitigationBlock)
		return
	}

	var targets []detect.Finding
	escalate := false
	for _, f := range assessment.Findings {
		if f.Severity < cfg.SanitizeThreshold {
			continue
		}
		if f.Kind == detect.KindPII {
			targets = append(targets, f)
		} else {
			// Bias, adversarial and hallucination findings have no value
			// substitution; above the threshold they annotate the report.
			escalate = true
		}
	}

	assessment.SanitizedText = req.Text
	if len(targets) > 0 {
		assessment.Mitigations = append(assessment.Mitigations, MitigationSanitize)
		sanitized, mintFailed := a.substitute(ctx, req, targets)
		assessment.SanitizedText = sanitized
		if mintFailed {
			escalate = true
		}
	}
	if escalate {
		assessment.Mitigations = append(assessment.Mitigations, MitigationEscalate)
	}
}

// substitute replaces target spans with vault placeholders in reverse span
// order. Overlapping targets collapse to the union span under the higher
// severity's kind. On vault failure the fallback is plain redaction.
func (a *Agent) substitute(ctx context.Context, req *Request, targets []detect.Finding) (string, bool) {
	merged := make([]detect.Finding, 0, len(targets))
	for _, f := range targets {
		if n := len(merged); n > 0 && merged[n-1].Span.Overlaps(f.Span) {
			prev := &merged[n-1]
			union := prev.Span.Union(f.Span)
			if f.Severity > prev.Severity {
				*prev = f
			}
			prev.Span = union
			continue
		}
		merged = append(merged, f)
	}

	runes := []rune(req.Text)
	mintFailed := false
	for i := len(merged) - 1; i >= 0; i-- {
		f := merged[i]
		if f.Span.Start < 0 || f.Span.End > len(runes) || f.Span.Start >= f.Span.End {
			continue
		}
		value := string(runes[f.Span.Start:f.Span.End])

		replacement, err := a.remapper.Mint(ctx, value, f.Subtype, 0, req.RequestID)
		if err != nil {
			a.log.Warn("vault mint failed, using plain redaction",
				zap.String("kind", f.Subtype), zap.Error(err))
			replacement = "[" + strings.ToUpper(f.Subtype) + "]"
			mintFailed = true
		}
		runes = append(runes[:f.Span.Start], append([]rune(replacement), runes[f.Span.End:]...)...)
	}
	return string(runes), mintFailed
}
