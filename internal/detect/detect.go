// Package detect defines the detector contract and the Finding data model
// shared by every scanner in the gateway. Detectors are stateless: the same
// text always produces the same findings for a given detector version.
package detect

import "context"

// Phase identifies which pipeline stage a text comes from. Detectors may
// behave differently per phase (hallucination only runs on outputs).
type Phase int

const (
	PhaseInput Phase = iota + 1
	PhaseOutput
	PhaseData
)

// String returns the lowercase phase name.
func (p Phase) String() string {
	switch p {
	case PhaseInput:
		return "input"
	case PhaseOutput:
		return "output"
	case PhaseData:
		return "data"
	default:
		return "unspecified"
	}
}

// Kind classifies the detector family a finding belongs to.
type Kind int

const (
	KindUnspecified Kind = iota
	KindPII
	KindBias
	KindAdversarial
	KindHallucination
)

// String returns the lowercase kind name (used for audit storage).
func (k Kind) String() string {
	switch k {
	case KindPII:
		return "pii"
	case KindBias:
		return "bias"
	case KindAdversarial:
		return "adversarial"
	case KindHallucination:
		return "hallucination"
	default:
		return "unspecified"
	}
}

// GroundingRecord is one trusted key/value pair retrieved during the
// tool-call loop. The hallucination detector verifies output claims
// against the full grounding set.
type GroundingRecord struct {
	Key   string
	Value string
}

// Request carries the text and context for one detector run.
type Request struct {
	Text  string
	Phase Phase

	// Grounding is only set in the output phase when data was retrieved
	// during the request. Empty grounding disables hallucination checks.
	Grounding []GroundingRecord

	// Question is the original user question, used by the hallucination
	// detector to weigh unverifiable claims.
	Question string
}

// Detector is the interface every scanner must implement.
// Implementations must respect context deadlines and return quickly.
type Detector interface {
	// Name returns the detector's unique identifier (e.g. "pii").
	Name() string

	// Kind returns the finding family this detector produces.
	Kind() Kind

	// Scan runs the detection logic against the request text.
	// Must respect ctx deadline. Return early if ctx is cancelled.
	Scan(ctx context.Context, req *Request) ([]Finding, error)

	// Weight maps a severity to this family's score contribution on the
	// 0-10 risk scale.
	Weight(sev Severity) float64
}
