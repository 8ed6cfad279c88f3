package detect

import (
	"fmt"
	"unicode/utf8"
)

// Severity ranks how damaging a finding is if released.
type Severity int

const (
	SeverityLow Severity = iota + 1
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// String returns the lowercase severity name.
func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unspecified"
	}
}

// ParseSeverity maps a lowercase severity name back to its value.
// Unknown names return SeverityLow.
func ParseSeverity(s string) Severity {
	switch s {
	case "medium":
		return SeverityMedium
	case "high":
		return SeverityHigh
	case "critical":
		return SeverityCritical
	default:
		return SeverityLow
	}
}

// Span is a half-open [Start, End) range of code-point offsets into the
// scanned text. Byte offsets from regexp matches must be converted with
// RuneSpan before being stored on a finding.
type Span struct {
	Start int
	End   int
}

// Overlaps reports whether two spans share at least one code point.
func (sp Span) Overlaps(other Span) bool {
	return sp.Start < other.End && other.Start < sp.End
}

// Union returns the smallest span covering both.
func (sp Span) Union(other Span) Span {
	u := sp
	if other.Start < u.Start {
		u.Start = other.Start
	}
	if other.End > u.End {
		u.End = other.End
	}
	return u
}

// RuneSpan converts byte offsets into text to code-point offsets.
func RuneSpan(text string, byteStart, byteEnd int) Span {
	return Span{
		Start: utf8.RuneCountInString(text[:byteStart]),
		End:   utf8.RuneCountInString(text[:byteEnd]),
	}
}

// Finding is a single detector observation. Immutable after creation;
// spans index the input text as code-point offsets.
type Finding struct {
	Kind        Kind
	Subtype     string
	Span        Span
	Value       string // original matched text; never leaves the core unredacted
	Confidence  float64
	Severity    Severity
	Replacement string // suggested replacement, e.g. "‹EMAIL_1›" or a masked preview
	DetectorID  string
}

// Key returns the dedupe identity (kind, subtype, span).
func (f Finding) Key() string {
	return fmt.Sprintf("%s/%s/%d-%d", f.Kind, f.Subtype, f.Span.Start, f.Span.End)
}

// Dedupe drops findings sharing the same (kind, subtype, span), keeping
// the first occurrence. Order is preserved.
func Dedupe(findings []Finding) []Finding {
	seen := make(map[string]struct{}, len(findings))
	out := findings[:0:0]
	for _, f := range findings {
		k := f.Key()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, f)
	}
	return out
}
