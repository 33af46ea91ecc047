package evidence

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestFuser(topK int) *Fuser {
	return NewFuser(FuserConfig{TopK: topK}, zap.NewNop())
}

func TestFuseDeduplicatesKeepingMaxScore(t *testing.T) {
	f := newTestFuser(10)

	lists := [][]Item{
		{{Key: "doc42", Kind: SourceVectorDocument, Score: 0.6, Provenance: Provenance{DocumentID: "42", Location: "p3"}}},
		{{Key: "doc42", Kind: SourceVectorDocument, Score: 0.9, Provenance: Provenance{DocumentID: "42", Location: "p7"}}},
	}

	set := f.Fuse(1, lists, nil)

	require.Len(t, set.Items, 1)
	assert.Equal(t, "doc42", set.Items[0].Key)
	assert.Equal(t, 0.9, set.Items[0].Score)
	// Losing mention survives on the merged item
	require.Len(t, set.Items[0].Mentions, 1)
	assert.Equal(t, "p3", set.Items[0].Mentions[0].Location)
}

func TestFuseOrderingIsDeterministic(t *testing.T) {
	items := []Item{
		{Key: "c", Kind: SourceConnector, Score: 0.8},
		{Key: "a", Kind: SourceVectorDocument, Score: 0.8},
		{Key: "b", Kind: SourceStructuredRow, Score: 0.8},
		{Key: "d", Kind: SourceVectorDocument, Score: 0.95},
	}

	f := newTestFuser(10)
	first := f.Fuse(1, [][]Item{items}, nil)

	// Same multiset in a different arrival order
	shuffled := []Item{items[2], items[0], items[3], items[1]}
	second := f.Fuse(1, [][]Item{shuffled}, nil)

	require.Equal(t, first.Keys(), second.Keys())
	// Highest score first, then source-kind priority on ties
	assert.Equal(t, []string{"d", "b", "a", "c"}, first.Keys())
}

func TestFuseTieBreaksByKeyWithinKind(t *testing.T) {
	f := newTestFuser(10)
	set := f.Fuse(1, [][]Item{{
		{Key: "z", Kind: SourceVectorDocument, Score: 0.5},
		{Key: "m", Kind: SourceVectorDocument, Score: 0.5},
	}}, nil)
	assert.Equal(t, []string{"m", "z"}, set.Keys())
}

func TestFuseTruncatesToTopK(t *testing.T) {
	f := newTestFuser(2)
	set := f.Fuse(1, [][]Item{{
		{Key: "a", Kind: SourceVectorDocument, Score: 0.9},
		{Key: "b", Kind: SourceVectorDocument, Score: 0.8},
		{Key: "c", Kind: SourceVectorDocument, Score: 0.7},
	}}, nil)
	assert.Equal(t, []string{"a", "b"}, set.Keys())
}

func TestFuseCarriesPriorRoundEvidence(t *testing.T) {
	f := newTestFuser(10)
	prior := f.Fuse(1, [][]Item{{
		{Key: "old", Kind: SourceVectorDocument, Score: 0.4},
	}}, nil)

	set := f.Fuse(2, [][]Item{{
		{Key: "new", Kind: SourceVectorDocument, Score: 0.7},
		{Key: "old", Kind: SourceVectorDocument, Score: 0.6},
	}}, &prior)

	require.Equal(t, []string{"new", "old"}, set.Keys())
	got, ok := set.Lookup("old")
	require.True(t, ok)
	assert.Equal(t, 0.6, got.Score)
	assert.Equal(t, 2, set.Round)
}

func TestFuseDropsItemsWithoutIdentityKey(t *testing.T) {
	f := newTestFuser(10)
	set := f.Fuse(1, [][]Item{{
		{Key: "", Kind: SourceConnector, Score: 0.9},
		{Key: "ok", Kind: SourceConnector, Score: 0.1},
	}}, nil)
	assert.Equal(t, []string{"ok"}, set.Keys())
}

func TestItemValidate(t *testing.T) {
	assert.Error(t, Item{Kind: SourceConnector}.Validate())
	assert.Error(t, Item{Key: "k", Kind: SourceKind("mystery")}.Validate())
	assert.NoError(t, Item{Key: "k", Kind: SourceStructuredRow}.Validate())
}
