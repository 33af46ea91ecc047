package planner

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/scholarmesh/orchestrator/internal/workers"
)

func newTestPlanner(maxRounds int) *Planner {
	return New(DefaultRules(), maxRounds, zap.NewNop())
}

func TestPlanRejectsEmptyQuery(t *testing.T) {
	p := newTestPlanner(3)
	for _, q := range []string{"", "   ", "?!...,"} {
		_, err := p.Plan(context.Background(), q, "")
		var pe *PlanningError
		require.ErrorAs(t, err, &pe, "query %q", q)
	}
}

func TestPlanBuildsRetrievalThenGeneration(t *testing.T) {
	p := newTestPlanner(3)
	g, err := p.Plan(context.Background(), "What optimizer does the cited paper use?", "")
	require.NoError(t, err)

	require.Equal(t, 2, g.Len())
	gen, ok := g.GenerationNode()
	require.True(t, ok)
	assert.Equal(t, []string{"retrieve-1"}, gen.DependsOn)

	// Only the retrieval node is dispatchable up front
	ready := g.Ready()
	require.Len(t, ready, 1)
	assert.Equal(t, workers.KindRetrieval, ready[0].Kind)
}

func TestPlanAddsHistoryContextToTerseFollowUps(t *testing.T) {
	p := newTestPlanner(3)
	history := "Q: What optimizer does the cited paper use? | A: Adam. | verdict=accept confidence=0.85"

	g, err := p.Plan(context.Background(), "and the batch size?", history)
	require.NoError(t, err)
	ready := g.Ready()
	require.Len(t, ready, 1)
	assert.Contains(t, ready[0].Query, "and the batch size?")
	assert.Contains(t, ready[0].Query, "What optimizer does the cited paper use?")

	// Fully formed queries retrieve as-is
	g, err = p.Plan(context.Background(), "What batch size does the paper report?", history)
	require.NoError(t, err)
	assert.Equal(t, "What batch size does the paper report?", g.Ready()[0].Query)
}

func TestPlanRoutesAggregationQueriesToStructuredStore(t *testing.T) {
	p := newTestPlanner(3)
	g, err := p.Plan(context.Background(), "How many papers cite ResNet since 2020?", "")
	require.NoError(t, err)

	require.Equal(t, 3, g.Len())
	gen, _ := g.GenerationNode()
	assert.ElementsMatch(t, []string{"retrieve-1", "structured-1"}, gen.DependsOn)

	// Retrieval and structured nodes share no prerequisite: both dispatch together
	ready := g.Ready()
	assert.Len(t, ready, 2)
}

func TestReplanAddsRewrittenRetrievalPerUnsupportedClaim(t *testing.T) {
	p := newTestPlanner(3)
	prior, err := p.Plan(context.Background(), "What optimizer does the cited paper use?", "")
	require.NoError(t, err)

	g, err := p.Replan(context.Background(), ReplanFeedback{
		Round:             1,
		UnsupportedClaims: []string{"the paper uses Adam", "learning rate is 3e-4"},
		Query:             "What optimizer does the cited paper use?",
	}, prior)
	require.NoError(t, err)

	evidence := g.EvidenceNodes()
	require.Len(t, evidence, 2)
	for _, n := range evidence {
		assert.Equal(t, workers.KindRetrieval, n.Kind)
	}
	assert.True(t, strings.Contains(evidence[0].Query, "the paper uses Adam"))

	gen, ok := g.GenerationNode()
	require.True(t, ok)
	assert.Len(t, gen.DependsOn, 2)
}

func TestReplanBroadensQueryOnContradiction(t *testing.T) {
	p := newTestPlanner(3)
	prior, err := p.Plan(context.Background(), "When was the dataset released?", "")
	require.NoError(t, err)

	g, err := p.Replan(context.Background(), ReplanFeedback{
		Round:        1,
		ConflictKeys: []string{"doc1", "doc9"},
		Query:        "When was the dataset released?",
	}, prior)
	require.NoError(t, err)

	evidence := g.EvidenceNodes()
	require.Len(t, evidence, 1)
	assert.Contains(t, evidence[0].Query, "conflicting accounts")
}

func TestReplanCarriesStructuredRouting(t *testing.T) {
	p := newTestPlanner(3)
	prior, err := p.Plan(context.Background(), "How many papers cite ResNet?", "")
	require.NoError(t, err)

	g, err := p.Replan(context.Background(), ReplanFeedback{
		Round:             1,
		UnsupportedClaims: []string{"42 papers"},
		Query:             "How many papers cite ResNet?",
	}, prior)
	require.NoError(t, err)

	var structured int
	for _, n := range g.EvidenceNodes() {
		if n.Kind == workers.KindStructured {
			structured++
		}
	}
	assert.Equal(t, 1, structured)
}

func TestReplanFailsWhenRoundBudgetExhausted(t *testing.T) {
	p := newTestPlanner(2)
	prior, err := p.Plan(context.Background(), "some query about papers", "")
	require.NoError(t, err)

	_, err = p.Replan(context.Background(), ReplanFeedback{
		Round:             2,
		UnsupportedClaims: []string{"claim"},
		Query:             "some query about papers",
	}, prior)
	var pe *PlanningError
	require.ErrorAs(t, err, &pe)
	assert.Contains(t, pe.Error(), "round budget exhausted")
}

func TestGraphValidateRejectsCycles(t *testing.T) {
	g := NewGraph()
	require.NoError(t, g.Add(&Node{ID: "a", Kind: workers.KindRetrieval, DependsOn: []string{"b"}}))
	require.NoError(t, g.Add(&Node{ID: "b", Kind: workers.KindRetrieval, DependsOn: []string{"a"}}))
	assert.Error(t, g.Validate())
}

func TestGraphValidateRejectsUnknownDependency(t *testing.T) {
	g := NewGraph()
	require.NoError(t, g.Add(&Node{ID: "a", Kind: workers.KindRetrieval, DependsOn: []string{"ghost"}}))
	assert.Error(t, g.Validate())
}

func TestGraphReadyUnblocksDependentsOfFailedNodes(t *testing.T) {
	g := NewGraph()
	require.NoError(t, g.Add(&Node{ID: "a", Kind: workers.KindRetrieval}))
	require.NoError(t, g.Add(&Node{ID: "b", Kind: workers.KindGeneration, DependsOn: []string{"a"}}))

	a, _ := g.Node("a")
	a.Status = StatusFailed

	ready := g.Ready()
	require.Len(t, ready, 1)
	assert.Equal(t, "b", ready[0].ID)
}

func TestLoadRulesFillsDefaults(t *testing.T) {
	rules, err := LoadRules(strings.NewReader("rewrite_template: \"find support: {claim}\"\n"))
	require.NoError(t, err)
	assert.Equal(t, "find support: {claim}", rules.RewriteTemplate)
	assert.NotEmpty(t, rules.StructuredRoutes)
	assert.NotEmpty(t, rules.BroadenTemplate)
}
