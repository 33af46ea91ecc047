package critic

import (
	"math"
	"strings"

	"go.uber.org/zap"

	"github.com/scholarmesh/orchestrator/internal/evidence"
	"github.com/scholarmesh/orchestrator/internal/metrics"
)

// VerdictKind is the outcome of one critique.
type VerdictKind string

const (
	VerdictAccept        VerdictKind = "accept"
	VerdictInsufficient  VerdictKind = "insufficient-evidence"
	VerdictContradiction VerdictKind = "contradiction-detected"
	VerdictAbandon       VerdictKind = "abandon"
)

// Conflict names two evidence items judged mutually contradictory.
type Conflict struct {
	KeyA string `json:"key_a"`
	KeyB string `json:"key_b"`
}

// Feedback is the structured part of a verdict, consumed by the planner to
// seed the next round's retrieval subtasks.
type Feedback struct {
	UnsupportedClaims []string   `json:"unsupported_claims,omitempty"`
	Conflicts         []Conflict `json:"conflicts,omitempty"`
}

// Verdict is the outcome of critiquing one draft against its evidence.
type Verdict struct {
	Kind       VerdictKind `json:"kind"`
	Confidence float64     `json:"confidence"`
	Feedback   Feedback    `json:"feedback"`
}

// ConflictDetector decides whether two evidence items contradict each other.
// The comparison is domain-specific and pluggable; the critic only consumes
// the boolean.
type ConflictDetector interface {
	Conflicts(a, b evidence.Item) bool
}

// ConflictDetectorFunc adapts a function to the ConflictDetector interface.
type ConflictDetectorFunc func(a, b evidence.Item) bool

func (f ConflictDetectorFunc) Conflicts(a, b evidence.Item) bool { return f(a, b) }

// NopConflictDetector never reports a contradiction. It is the default until
// a domain-specific detector is plugged in.
var NopConflictDetector = ConflictDetectorFunc(func(a, b evidence.Item) bool { return false })

// conflictPenalty is the multiplicative confidence cost per detected
// contradiction.
const conflictPenalty = 0.6

// Critic evaluates draft answers for evidence coverage and consistency.
type Critic struct {
	detector ConflictDetector
	logger   *zap.Logger
}

// New creates a critic. A nil detector falls back to NopConflictDetector.
func New(detector ConflictDetector, logger *zap.Logger) *Critic {
	if detector == nil {
		detector = NopConflictDetector
	}
	return &Critic{detector: detector, logger: logger}
}

// Critique evaluates a draft against its supporting evidence. claimsUsed
// holds the evidence identity keys the generator reported relying on.
//
// Coverage: every factual claim in the draft must overlap at least one used
// evidence item; any claim with zero support forces insufficient-evidence.
// Consistency: any conflicting pair among the used items forces
// contradiction-detected, which outranks a coverage failure since poisoned
// evidence invalidates the coverage it provides.
//
// Confidence is strictly monotone: each additional unsupported claim and
// each additional contradiction lowers it, full coverage with no
// contradictions yields 1.0, and an empty evidence set never accepts.
func (c *Critic) Critique(draft string, ev evidence.Set, claimsUsed []string) Verdict {
	v := c.critique(draft, ev, claimsUsed)
	metrics.RecordCritique(string(v.Kind), v.Confidence)
	c.logger.Info("Critiqued draft",
		zap.String("verdict", string(v.Kind)),
		zap.Float64("confidence", v.Confidence),
		zap.Int("unsupported_claims", len(v.Feedback.UnsupportedClaims)),
		zap.Int("conflicts", len(v.Feedback.Conflicts)),
	)
	return v
}

func (c *Critic) critique(draft string, ev evidence.Set, claimsUsed []string) Verdict {
	if strings.TrimSpace(draft) == "" {
		return Verdict{Kind: VerdictAbandon, Confidence: 0.1}
	}

	// No evidence at all can never support an answer.
	if ev.Empty() {
		return Verdict{Kind: VerdictInsufficient, Confidence: 0.1}
	}

	used := make([]evidence.Item, 0, len(claimsUsed))
	for _, key := range claimsUsed {
		if it, ok := ev.Lookup(key); ok {
			used = append(used, it)
		}
	}

	claims := SplitClaims(draft)
	if len(claims) == 0 {
		// Terse drafts like a one-word answer still assert one claim; it
		// must pass the coverage check like any other.
		claims = []string{strings.TrimSpace(draft)}
	}
	var unsupported []string
	for _, claim := range claims {
		if !supported(claim, used) {
			unsupported = append(unsupported, claim)
		}
	}

	var conflicts []Conflict
	for i := 0; i < len(used); i++ {
		for j := i + 1; j < len(used); j++ {
			if c.detector.Conflicts(used[i], used[j]) {
				conflicts = append(conflicts, Conflict{KeyA: used[i].Key, KeyB: used[j].Key})
			}
		}
	}

	confidence := Confidence(len(claims), len(unsupported), len(conflicts))

	switch {
	case len(conflicts) > 0:
		return Verdict{
			Kind:       VerdictContradiction,
			Confidence: confidence,
			Feedback:   Feedback{UnsupportedClaims: unsupported, Conflicts: conflicts},
		}
	case len(unsupported) > 0:
		return Verdict{
			Kind:       VerdictInsufficient,
			Confidence: confidence,
			Feedback:   Feedback{UnsupportedClaims: unsupported},
		}
	default:
		return Verdict{Kind: VerdictAccept, Confidence: confidence}
	}
}

// Confidence maps coverage and contradiction counts to [0,1]. The smoothed
// coverage ratio keeps it strictly decreasing in the unsupported count even
// at zero coverage, and each contradiction applies a multiplicative penalty.
func Confidence(totalClaims, unsupported, conflicts int) float64 {
	if totalClaims <= 0 {
		return 0
	}
	covered := totalClaims - unsupported
	ratio := float64(covered+1) / float64(totalClaims+1)
	return ratio * math.Pow(conflictPenalty, float64(conflicts))
}

// SplitClaims breaks a draft into sentence-level factual claims. Fragments
// shorter than three words are treated as filler, not claims.
func SplitClaims(draft string) []string {
	var claims []string
	var current strings.Builder
	flush := func() {
		s := strings.TrimSpace(current.String())
		current.Reset()
		if len(strings.Fields(s)) >= 3 {
			claims = append(claims, s)
		}
	}
	for _, r := range draft {
		switch r {
		case '.', '!', '?', '\n':
			flush()
		default:
			current.WriteRune(r)
		}
	}
	flush()
	return claims
}

// supported reports whether a claim shares at least one content term with
// any used evidence item.
func supported(claim string, used []evidence.Item) bool {
	terms := contentTerms(claim)
	if len(terms) == 0 {
		return true
	}
	for _, it := range used {
		evTerms := contentTerms(it.Content)
		for t := range terms {
			if _, ok := evTerms[t]; ok {
				return true
			}
		}
	}
	return false
}

// contentTerms lowercases and keeps words of four or more runes, a cheap
// stand-in for stopword removal.
func contentTerms(s string) map[string]struct{} {
	terms := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(s)) {
		w = strings.Trim(w, ".,;:!?()[]\"'")
		if len([]rune(w)) >= 4 {
			terms[w] = struct{}{}
		}
	}
	return terms
}
