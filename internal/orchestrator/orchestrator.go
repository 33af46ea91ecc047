package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/scholarmesh/orchestrator/internal/critic"
	"github.com/scholarmesh/orchestrator/internal/evidence"
	"github.com/scholarmesh/orchestrator/internal/metrics"
	"github.com/scholarmesh/orchestrator/internal/planner"
	"github.com/scholarmesh/orchestrator/internal/session"
	"github.com/scholarmesh/orchestrator/internal/tracing"
	"github.com/scholarmesh/orchestrator/internal/workers"
)

// abandonPlaceholder is the answer text when no round produced a draft.
const abandonPlaceholder = "No sufficiently supported answer could be produced for this query."

// degradedConfidence caps the confidence of any forced or degraded
// finalization.
const degradedConfidence = 0.2

// Task is one answering request bound to a conversation session.
type Task struct {
	ID        string
	SessionID string
	Query     string
}

// Config holds the scheduler's execution knobs. Round budget lives on the
// planner; the scheduler only bounds individual invocations and the task.
type Config struct {
	// MaxRetries is the number of retries after the first attempt for
	// recoverable worker failures.
	MaxRetries int
	// NodeTimeout is the per-invocation deadline.
	NodeTimeout time.Duration
	// TaskTimeout is the overall task deadline; expiry forces a degraded
	// finalization.
	TaskTimeout time.Duration
	// HistoryTurns bounds how many prior turns feed the planner context.
	HistoryTurns int
}

func (c Config) withDefaults() Config {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.NodeTimeout <= 0 {
		c.NodeTimeout = 30 * time.Second
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 5 * time.Minute
	}
	if c.HistoryTurns <= 0 {
		c.HistoryTurns = 5
	}
	return c
}

// Orchestrator walks subtask graphs round by round: concurrent dispatch of
// ready nodes, evidence fusion, generation, critique, then replan or
// finalize. One Run call handles one task; concurrent tasks get concurrent
// Run calls.
type Orchestrator struct {
	planner  *planner.Planner
	registry *workers.Registry
	fuser    *evidence.Fuser
	critic   *critic.Critic
	sessions *session.Manager
	cfg      Config
	logger   *zap.Logger
}

// New assembles the scheduler. sessions may be nil, disabling history context
// and turn persistence (used by tests).
func New(
	p *planner.Planner,
	registry *workers.Registry,
	fuser *evidence.Fuser,
	cr *critic.Critic,
	sessions *session.Manager,
	cfg Config,
	logger *zap.Logger,
) *Orchestrator {
	return &Orchestrator{
		planner:  p,
		registry: registry,
		fuser:    fuser,
		critic:   cr,
		sessions: sessions,
		cfg:      cfg.withDefaults(),
		logger:   logger,
	}
}

// roundOutcome is the immutable result of one executed round.
type roundOutcome struct {
	fused       evidence.Set
	draft       string
	claimsUsed  []string
	failedNodes []string
	genFailed   bool
	genErr      error
}

// Run executes one task to a finalized conversation turn. Every path except
// a planning failure on the initial query returns a turn; abandon verdicts
// carry the best available answer rather than none.
func (o *Orchestrator) Run(ctx context.Context, task Task) (*session.ConversationTurn, error) {
	start := time.Now()
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.SessionID == "" {
		task.SessionID = task.ID
	}
	metrics.TasksStarted.Inc()

	ctx, cancel := context.WithTimeout(ctx, o.cfg.TaskTimeout)
	defer cancel()
	ctx, span := tracing.StartSpan(ctx, "orchestrator.run")
	defer span.End()

	historySummary := ""
	if o.sessions != nil {
		summary, err := o.sessions.HistorySummary(ctx, task.SessionID, o.cfg.HistoryTurns)
		if err != nil {
			o.logger.Warn("Proceeding without session history",
				zap.String("session_id", task.SessionID),
				zap.Error(err),
			)
		} else {
			historySummary = summary
		}
	}

	graph, err := o.planner.Plan(ctx, task.Query, historySummary)
	if err != nil {
		// The only path yielding no turn at all.
		return nil, err
	}

	var (
		fused     evidence.Set
		rounds    []session.Round
		bestDraft string
		bestConf  float64
	)

	for round := 1; ; round++ {
		o.logger.Info("Starting round",
			zap.String("task_id", task.ID),
			zap.Int("round", round),
			zap.Int("nodes", graph.Len()),
		)

		out := o.runRound(ctx, round, graph, historySummary, fused)
		fused = out.fused

		record := session.Round{
			Number:       round,
			Draft:        out.draft,
			EvidenceKeys: out.fused.Keys(),
			FailedNodes:  out.failedNodes,
		}

		if out.draft != "" {
			bestDraft = out.draft
		}

		// Overall deadline expiry: finalize immediately with whatever is
		// available, confidence downgraded to reflect incompleteness.
		if ctx.Err() != nil {
			// Cap only, never raise: a task that was never scored stays at 0.
			conf := bestConf
			if conf > degradedConfidence {
				conf = degradedConfidence
			}
			record.Verdict = string(critic.VerdictAbandon)
			record.Confidence = conf
			rounds = append(rounds, record)
			o.logger.Warn("Task deadline expired, finalizing degraded",
				zap.String("task_id", task.ID),
				zap.Int("round", round),
			)
			answer := bestDraft
			if answer == "" {
				answer = abandonPlaceholder
			}
			return o.finalize(ctx, task, critic.VerdictAbandon, conf, answer, fused, rounds, start)
		}

		if out.genFailed {
			record.Verdict = string(critic.VerdictAbandon)
			record.Confidence = degradedConfidence
			rounds = append(rounds, record)
			o.logger.Warn("Generation failed for round",
				zap.String("task_id", task.ID),
				zap.Int("round", round),
				zap.Error(out.genErr),
			)
			if round < o.planner.MaxRounds() {
				metrics.Replans.WithLabelValues("round-failed").Inc()
				next, rerr := o.planner.Replan(ctx, planner.ReplanFeedback{
					Round: round,
					Query: task.Query,
				}, graph)
				if rerr == nil {
					graph = next
					continue
				}
				o.logger.Warn("Replan after failed round rejected", zap.Error(rerr))
			}
			answer := bestDraft
			if answer == "" {
				answer = abandonPlaceholder
			}
			return o.finalize(ctx, task, critic.VerdictAbandon, degradedConfidence, answer, fused, rounds, start)
		}

		verdict := o.critic.Critique(out.draft, out.fused, out.claimsUsed)
		record.Verdict = string(verdict.Kind)
		record.Confidence = verdict.Confidence
		rounds = append(rounds, record)
		if verdict.Confidence > bestConf {
			bestConf = verdict.Confidence
		}

		switch verdict.Kind {
		case critic.VerdictAccept, critic.VerdictAbandon:
			answer := out.draft
			if answer == "" {
				answer = abandonPlaceholder
			}
			return o.finalize(ctx, task, verdict.Kind, verdict.Confidence, answer, fused, rounds, start)
		}

		// insufficient-evidence or contradiction-detected: replan if the
		// budget allows, otherwise force abandon with the current draft and
		// its existing confidence.
		metrics.Replans.WithLabelValues(string(verdict.Kind)).Inc()
		next, rerr := o.planner.Replan(ctx, planner.ReplanFeedback{
			Round:             round,
			UnsupportedClaims: verdict.Feedback.UnsupportedClaims,
			ConflictKeys:      conflictKeys(verdict.Feedback.Conflicts),
			Query:             task.Query,
		}, graph)
		if rerr != nil {
			o.logger.Info("Round budget exhausted, forcing abandon",
				zap.String("task_id", task.ID),
				zap.Int("round", round),
			)
			answer := out.draft
			if answer == "" {
				answer = abandonPlaceholder
			}
			return o.finalize(ctx, task, critic.VerdictAbandon, verdict.Confidence, answer, fused, rounds, start)
		}
		graph = next
	}
}

// runRound dispatches every ready evidence node concurrently wave by wave,
// waits on the join barrier, fuses the collected evidence with the prior
// round's set, then invokes generation on the fused result.
func (o *Orchestrator) runRound(ctx context.Context, round int, g *planner.Graph, history string, prior evidence.Set) roundOutcome {
	var (
		mu     sync.Mutex
		lists  [][]evidence.Item
		failed []string
	)

	for {
		ready := readyEvidenceNodes(g)
		if len(ready) == 0 {
			break
		}
		var wg sync.WaitGroup
		for _, n := range ready {
			n.Status = planner.StatusRunning
			wg.Add(1)
			go func(n *planner.Node) {
				defer wg.Done()
				res, err := o.invokeWithRetry(ctx, workers.Request{
					NodeID:  n.ID,
					Kind:    n.Kind,
					Query:   n.Query,
					TopK:    n.TopK,
					Filters: n.Filters,
				})
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					// Degraded evidence: the node contributes nothing but the
					// round proceeds.
					n.Status = planner.StatusFailed
					failed = append(failed, n.ID)
					o.logger.Warn("Evidence node failed",
						zap.String("node_id", n.ID),
						zap.String("kind", string(n.Kind)),
						zap.Error(err),
					)
					return
				}
				n.Status = planner.StatusDone
				lists = append(lists, res.Evidence)
			}(n)
		}
		wg.Wait()
	}

	var priorPtr *evidence.Set
	if !prior.Empty() {
		priorPtr = &prior
	}
	fused := o.fuser.Fuse(round, lists, priorPtr)
	out := roundOutcome{fused: fused, failedNodes: failed}

	gen, ok := g.GenerationNode()
	if !ok {
		out.genFailed = true
		return out
	}
	gen.Status = planner.StatusRunning
	res, err := o.invokeWithRetry(ctx, workers.Request{
		NodeID:         gen.ID,
		Kind:           gen.Kind,
		Query:          gen.Query,
		Evidence:       fused,
		HistorySummary: history,
	})
	if err != nil {
		// A failed generation node is fatal for the round.
		gen.Status = planner.StatusFailed
		out.genFailed = true
		out.genErr = err
		return out
	}
	gen.Status = planner.StatusDone
	out.draft = res.Text
	out.claimsUsed = res.ClaimsUsed
	return out
}

// invokeWithRetry applies the per-node deadline and bounded retry policy.
// Only recoverable failures (tool errors, timeouts) are retried; the task
// deadline cuts retries short.
func (o *Orchestrator) invokeWithRetry(ctx context.Context, req workers.Request) (*workers.Result, error) {
	attempts := o.cfg.MaxRetries + 1
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, &workers.TimeoutError{}
		}
		nodeCtx, cancel := context.WithTimeout(ctx, o.cfg.NodeTimeout)
		res, err := o.registry.Invoke(nodeCtx, req)
		cancel()
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !workers.Recoverable(err) {
			return nil, err
		}
		if attempt < attempts {
			metrics.WorkerRetries.WithLabelValues(string(req.Kind)).Inc()
			o.logger.Debug("Retrying worker invocation",
				zap.String("node_id", req.NodeID),
				zap.String("kind", string(req.Kind)),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
		}
	}
	return nil, lastErr
}

// finalize builds the immutable turn, persists it and records completion.
func (o *Orchestrator) finalize(
	ctx context.Context,
	task Task,
	kind critic.VerdictKind,
	confidence float64,
	answer string,
	fused evidence.Set,
	rounds []session.Round,
	start time.Time,
) (*session.ConversationTurn, error) {
	turn := &session.ConversationTurn{
		TurnID:       uuid.NewString(),
		TaskID:       task.ID,
		SessionID:    task.SessionID,
		Query:        task.Query,
		Answer:       answer,
		Verdict:      string(kind),
		Confidence:   confidence,
		EvidenceKeys: fused.Keys(),
		Rounds:       rounds,
		CreatedAt:    time.Now().UTC(),
	}

	if o.sessions != nil {
		// Persist even when the task deadline already fired.
		appendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := o.sessions.AppendTurn(appendCtx, *turn); err != nil {
			o.logger.Error("Failed to persist conversation turn",
				zap.String("task_id", task.ID),
				zap.Error(err),
			)
		}
	}

	metrics.RecordTaskCompletion(string(kind), time.Since(start).Seconds(), len(rounds))
	o.logger.Info("Task finalized",
		zap.String("task_id", task.ID),
		zap.String("session_id", task.SessionID),
		zap.String("verdict", string(kind)),
		zap.Float64("confidence", confidence),
		zap.Int("rounds", len(rounds)),
		zap.Int("evidence_items", len(fused.Items)),
	)
	return turn, nil
}

// readyEvidenceNodes filters generation out of the dispatchable set; the
// generation step runs after fusion, not inside the wave loop.
func readyEvidenceNodes(g *planner.Graph) []*planner.Node {
	var out []*planner.Node
	for _, n := range g.Ready() {
		if n.Kind != workers.KindGeneration {
			out = append(out, n)
		}
	}
	return out
}

func conflictKeys(conflicts []critic.Conflict) []string {
	seen := make(map[string]struct{}, len(conflicts)*2)
	var keys []string
	for _, c := range conflicts {
		for _, k := range []string{c.KeyA, c.KeyB} {
			if _, ok := seen[k]; !ok {
				seen[k] = struct{}{}
				keys = append(keys, k)
			}
		}
	}
	return keys
}
