package critic

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/scholarmesh/orchestrator/internal/evidence"
)

func evidenceSet(items ...evidence.Item) evidence.Set {
	return evidence.Set{Items: items, Round: 1}
}

func TestCritiqueAcceptsFullyCoveredDraft(t *testing.T) {
	c := New(nil, zap.NewNop())
	ev := evidenceSet(
		evidence.Item{Key: "doc1", Kind: evidence.SourceVectorDocument, Content: "The model was trained with the Adam optimizer.", Score: 0.9},
	)

	v := c.Critique("The cited paper trained its model with the Adam optimizer.", ev, []string{"doc1"})

	assert.Equal(t, VerdictAccept, v.Kind)
	assert.Greater(t, v.Confidence, 0.7)
	assert.Empty(t, v.Feedback.UnsupportedClaims)
}

func TestCritiqueFlagsUnsupportedClaim(t *testing.T) {
	c := New(nil, zap.NewNop())
	ev := evidenceSet(
		evidence.Item{Key: "doc1", Kind: evidence.SourceVectorDocument, Content: "The model was trained with the Adam optimizer.", Score: 0.9},
	)

	draft := "The paper trained with the Adam optimizer. The batch size equals sixty-four samples."
	v := c.Critique(draft, ev, []string{"doc1"})

	require.Equal(t, VerdictInsufficient, v.Kind)
	require.Len(t, v.Feedback.UnsupportedClaims, 1)
	assert.Contains(t, v.Feedback.UnsupportedClaims[0], "batch size")
	assert.Less(t, v.Confidence, 1.0)
}

func TestCritiqueOneWordDraftCarriesFullConfidence(t *testing.T) {
	// A draft too short for sentence splitting is still one claim; a covered
	// one-word answer must not come back accepted with zero confidence.
	c := New(nil, zap.NewNop())
	ev := evidenceSet(
		evidence.Item{Key: "doc1", Kind: evidence.SourceVectorDocument, Content: "The model was trained with the Adam optimizer.", Score: 0.9},
	)

	v := c.Critique("Adam.", ev, []string{"doc1"})

	assert.Equal(t, VerdictAccept, v.Kind)
	assert.Equal(t, 1.0, v.Confidence)
}

func TestCritiqueOneWordDraftStillNeedsCoverage(t *testing.T) {
	c := New(nil, zap.NewNop())
	ev := evidenceSet(
		evidence.Item{Key: "doc1", Kind: evidence.SourceVectorDocument, Content: "The model was trained with the Adam optimizer.", Score: 0.9},
	)

	v := c.Critique("Zebra.", ev, []string{"doc1"})

	require.Equal(t, VerdictInsufficient, v.Kind)
	require.Len(t, v.Feedback.UnsupportedClaims, 1)
	assert.Less(t, v.Confidence, 1.0)
}

func TestCritiqueEmptyEvidenceNeverAccepts(t *testing.T) {
	c := New(nil, zap.NewNop())

	v := c.Critique("Everything is fine and well supported here.", evidence.Set{Round: 1}, nil)

	assert.Equal(t, VerdictInsufficient, v.Kind)
	assert.LessOrEqual(t, v.Confidence, 0.2)
}

func TestCritiqueEmptyDraftAbandons(t *testing.T) {
	c := New(nil, zap.NewNop())
	ev := evidenceSet(evidence.Item{Key: "doc1", Kind: evidence.SourceVectorDocument, Content: "content here", Score: 0.5})

	v := c.Critique("   ", ev, []string{"doc1"})

	assert.Equal(t, VerdictAbandon, v.Kind)
	assert.LessOrEqual(t, v.Confidence, 0.2)
}

func TestCritiqueDetectsContradiction(t *testing.T) {
	detector := ConflictDetectorFunc(func(a, b evidence.Item) bool {
		return (a.Key == "doc1" && b.Key == "doc9") || (a.Key == "doc9" && b.Key == "doc1")
	})
	c := New(detector, zap.NewNop())
	ev := evidenceSet(
		evidence.Item{Key: "doc1", Kind: evidence.SourceVectorDocument, Content: "The dataset released during 2015 publicly.", Score: 0.9},
		evidence.Item{Key: "doc9", Kind: evidence.SourceVectorDocument, Content: "The dataset released during 2017 publicly.", Score: 0.8},
	)

	v := c.Critique("The dataset was released publicly.", ev, []string{"doc1", "doc9"})

	require.Equal(t, VerdictContradiction, v.Kind)
	require.Len(t, v.Feedback.Conflicts, 1)
	assert.Equal(t, Conflict{KeyA: "doc1", KeyB: "doc9"}, v.Feedback.Conflicts[0])
	assert.Less(t, v.Confidence, 0.7)
}

func TestContradictionOutranksCoverageFailure(t *testing.T) {
	detector := ConflictDetectorFunc(func(a, b evidence.Item) bool { return true })
	c := New(detector, zap.NewNop())
	ev := evidenceSet(
		evidence.Item{Key: "doc1", Kind: evidence.SourceVectorDocument, Content: "alpha finding reported here", Score: 0.9},
		evidence.Item{Key: "doc2", Kind: evidence.SourceVectorDocument, Content: "beta finding reported here", Score: 0.8},
	)

	v := c.Critique("Something entirely unrelated was claimed today.", ev, []string{"doc1", "doc2"})

	assert.Equal(t, VerdictContradiction, v.Kind)
	assert.NotEmpty(t, v.Feedback.UnsupportedClaims)
}

func TestConfidenceStrictlyMonotone(t *testing.T) {
	// More unsupported claims must mean strictly lower confidence, including
	// past the zero-coverage point.
	prev := Confidence(4, 0, 0)
	assert.Equal(t, 1.0, prev)
	for unsupported := 1; unsupported <= 4; unsupported++ {
		cur := Confidence(4, unsupported, 0)
		assert.Less(t, cur, prev, "unsupported=%d", unsupported)
		prev = cur
	}

	// Same for contradictions.
	prev = Confidence(4, 0, 0)
	for conflicts := 1; conflicts <= 3; conflicts++ {
		cur := Confidence(4, 0, conflicts)
		assert.Less(t, cur, prev, "conflicts=%d", conflicts)
		prev = cur
	}

	// And confidence never leaves [0,1].
	for unsupported := 0; unsupported <= 4; unsupported++ {
		for conflicts := 0; conflicts <= 4; conflicts++ {
			c := Confidence(4, unsupported, conflicts)
			assert.GreaterOrEqual(t, c, 0.0)
			assert.LessOrEqual(t, c, 1.0)
		}
	}
}

func TestSplitClaimsSkipsShortFragments(t *testing.T) {
	claims := SplitClaims("Yes. The optimizer used was Adam throughout. No.")
	require.Len(t, claims, 1)
	assert.Equal(t, "The optimizer used was Adam throughout", claims[0])
}

func TestCritiqueIgnoresUnknownClaimKeys(t *testing.T) {
	c := New(nil, zap.NewNop())
	ev := evidenceSet(
		evidence.Item{Key: "doc1", Kind: evidence.SourceVectorDocument, Content: "The optimizer used throughout was Adam.", Score: 0.9},
	)

	// A stale key not present in the fused set contributes nothing.
	v := c.Critique("The optimizer used was Adam throughout.", ev, []string{"doc1", "ghost"})

	assert.Equal(t, VerdictAccept, v.Kind)
}
