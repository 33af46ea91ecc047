package planner

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"

	"go.uber.org/zap"

	"github.com/scholarmesh/orchestrator/internal/metrics"
	"github.com/scholarmesh/orchestrator/internal/workers"
)

// PlanningError is fatal to the task: the query cannot be decomposed, or the
// round budget was exhausted during replanning.
type PlanningError struct {
	Reason string
}

func (e *PlanningError) Error() string { return "planning failed: " + e.Reason }

// ReplanFeedback carries the critic's structured feedback into replanning.
type ReplanFeedback struct {
	Round             int      // the round that just finished
	UnsupportedClaims []string // claims with zero evidence support
	ConflictKeys      []string // evidence keys involved in a contradiction
	Query             string   // the original task query
}

// Planner decomposes queries into subtask graphs and augments them on
// reflection rejections.
type Planner struct {
	rules     Rules
	maxRounds int
	logger    *zap.Logger
}

// New creates a planner. maxRounds bounds the replan loop; values below 1
// are clamped to 1.
func New(rules Rules, maxRounds int, logger *zap.Logger) *Planner {
	if maxRounds < 1 {
		maxRounds = 1
	}
	return &Planner{rules: rules, maxRounds: maxRounds, logger: logger}
}

// MaxRounds returns the configured round budget.
func (p *Planner) MaxRounds() int { return p.maxRounds }

// Plan decomposes a query into the round-one subtask graph: one retrieval
// node, optionally one structured-query node when a route rule matches, and
// a generation node depending on every evidence node. Terse follow-up
// queries borrow the latest turn summary from history as retrieval context.
func (p *Planner) Plan(ctx context.Context, query, history string) (*Graph, error) {
	start := time.Now()
	defer func() { metrics.PlanningLatency.Observe(time.Since(start).Seconds()) }()

	query = strings.TrimSpace(query)
	if err := validateQuery(query); err != nil {
		metrics.PlanningErrors.Inc()
		return nil, err
	}

	g := NewGraph()
	deps := []string{}

	retrieval := &Node{
		ID:    "retrieve-1",
		Kind:  workers.KindRetrieval,
		Query: contextualize(query, history),
	}
	if err := g.Add(retrieval); err != nil {
		return nil, err
	}
	deps = append(deps, retrieval.ID)

	if rule, ok := p.rules.matchStructured(query); ok {
		structured := &Node{
			ID:    "structured-1",
			Kind:  workers.KindStructured,
			Query: query,
		}
		if err := g.Add(structured); err != nil {
			return nil, err
		}
		deps = append(deps, structured.ID)
		p.logger.Debug("Routing query to structured store",
			zap.String("rule", rule.Name),
		)
	}

	gen := &Node{
		ID:        "generate-1",
		Kind:      workers.KindGeneration,
		Query:     query,
		DependsOn: deps,
	}
	if err := g.Add(gen); err != nil {
		return nil, err
	}

	if err := g.Validate(); err != nil {
		metrics.PlanningErrors.Inc()
		return nil, &PlanningError{Reason: err.Error()}
	}

	p.logger.Info("Planned subtask graph",
		zap.Int("nodes", g.Len()),
		zap.Int("evidence_nodes", len(g.EvidenceNodes())),
	)
	return g, nil
}

// Replan builds the next round's graph from critic feedback: one rewritten
// retrieval node per unsupported claim (or a broadened retrieval on
// contradiction), plus a fresh generation node depending on all of them.
// Exceeding the round budget is a PlanningError; the scheduler then
// finalizes with the current best answer instead of looping.
func (p *Planner) Replan(ctx context.Context, fb ReplanFeedback, prior *Graph) (*Graph, error) {
	if fb.Round+1 > p.maxRounds {
		metrics.PlanningErrors.Inc()
		return nil, &PlanningError{
			Reason: fmt.Sprintf("round budget exhausted (%d rounds)", p.maxRounds),
		}
	}
	round := fb.Round + 1

	g := NewGraph()
	var deps []string

	addRetrieval := func(idx int, query string) error {
		n := &Node{
			ID:    fmt.Sprintf("retrieve-%d-%d", round, idx),
			Kind:  workers.KindRetrieval,
			Query: query,
		}
		if err := g.Add(n); err != nil {
			return err
		}
		deps = append(deps, n.ID)
		return nil
	}

	idx := 1
	for _, claim := range fb.UnsupportedClaims {
		q := expand(p.rules.RewriteTemplate, map[string]string{
			"claim": claim,
			"query": fb.Query,
		})
		if err := addRetrieval(idx, q); err != nil {
			return nil, err
		}
		idx++
	}
	if len(fb.ConflictKeys) > 0 || len(deps) == 0 {
		q := expand(p.rules.BroadenTemplate, map[string]string{"query": fb.Query})
		if err := addRetrieval(idx, q); err != nil {
			return nil, err
		}
	}

	// Carry structured routing into the new round when the prior graph had it.
	if prior != nil {
		for _, n := range prior.EvidenceNodes() {
			if n.Kind == workers.KindStructured {
				sn := &Node{
					ID:    fmt.Sprintf("structured-%d", round),
					Kind:  workers.KindStructured,
					Query: n.Query,
				}
				if err := g.Add(sn); err != nil {
					return nil, err
				}
				deps = append(deps, sn.ID)
				break
			}
		}
	}

	gen := &Node{
		ID:        fmt.Sprintf("generate-%d", round),
		Kind:      workers.KindGeneration,
		Query:     fb.Query,
		DependsOn: deps,
	}
	if err := g.Add(gen); err != nil {
		return nil, err
	}

	if err := g.Validate(); err != nil {
		metrics.PlanningErrors.Inc()
		return nil, &PlanningError{Reason: err.Error()}
	}

	p.logger.Info("Replanned subtask graph",
		zap.Int("round", round),
		zap.Int("new_retrieval_nodes", len(deps)),
		zap.Strings("unsupported_claims", fb.UnsupportedClaims),
	)
	return g, nil
}

// contextualize appends the most recent turn summary to queries too short to
// retrieve on alone, so follow-ups like "and the batch size?" still find the
// documents the conversation is about.
func contextualize(query, history string) string {
	if history == "" || len(strings.Fields(query)) >= 5 {
		return query
	}
	lines := strings.Split(strings.TrimSpace(history), "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	if last == "" {
		return query
	}
	return query + " " + last
}

// validateQuery rejects empty or unintelligible input (no letters or digits
// at all, e.g. pure punctuation).
func validateQuery(query string) error {
	if query == "" {
		return &PlanningError{Reason: "empty query"}
	}
	for _, r := range query {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return nil
		}
	}
	return &PlanningError{Reason: "query contains no intelligible content"}
}
