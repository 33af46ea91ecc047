package evidence

import (
	"sort"

	"go.uber.org/zap"

	"github.com/scholarmesh/orchestrator/internal/metrics"
)

// FuserConfig controls ranking and truncation of fused evidence.
type FuserConfig struct {
	TopK     int          `mapstructure:"top_k"`
	Priority []SourceKind `mapstructure:"priority"` // tie-break order, highest trust first
}

// Fuser merges per-subtask evidence lists into one deduplicated ranked set.
// Given identical input multisets it always produces identical output.
type Fuser struct {
	cfg    FuserConfig
	rank   map[SourceKind]int
	logger *zap.Logger
}

// NewFuser creates a fuser. A zero TopK defaults to 10; an empty priority
// list falls back to DefaultPriority.
func NewFuser(cfg FuserConfig, logger *zap.Logger) *Fuser {
	if cfg.TopK <= 0 {
		cfg.TopK = 10
	}
	if len(cfg.Priority) == 0 {
		cfg.Priority = DefaultPriority
	}
	rank := make(map[SourceKind]int, len(cfg.Priority))
	for i, k := range cfg.Priority {
		rank[k] = i
	}
	return &Fuser{cfg: cfg, rank: rank, logger: logger}
}

// Fuse concatenates all lists plus the prior round's set, merges items that
// share an identity key (keeping the maximum score and the union of
// contributing mentions), ranks the survivors, and truncates to top-K.
// Pass a nil prior on the first round.
func (f *Fuser) Fuse(round int, lists [][]Item, prior *Set) Set {
	var total int
	for _, l := range lists {
		total += len(l)
	}
	all := make([]Item, 0, total)
	for _, l := range lists {
		all = append(all, l...)
	}
	if prior != nil {
		all = append(all, prior.Items...)
	}

	merged := make(map[string]Item, len(all))
	order := make([]string, 0, len(all))
	dropped := 0
	for _, it := range all {
		if it.Key == "" {
			// Sources are required to populate identity keys; skip
			// rather than fabricate one and break dedup semantics.
			f.logger.Warn("Dropping evidence item without identity key",
				zap.String("kind", string(it.Kind)))
			continue
		}
		existing, ok := merged[it.Key]
		if !ok {
			merged[it.Key] = it
			order = append(order, it.Key)
			continue
		}
		dropped++
		merged[it.Key] = mergeItems(existing, it)
	}

	items := make([]Item, 0, len(order))
	for _, key := range order {
		items = append(items, merged[key])
	}

	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		ra, rb := f.kindRank(a.Kind), f.kindRank(b.Kind)
		if ra != rb {
			return ra < rb
		}
		return a.Key < b.Key
	})

	if len(items) > f.cfg.TopK {
		items = items[:f.cfg.TopK]
	}

	if dropped > 0 {
		metrics.EvidenceDeduplicated.Add(float64(dropped))
	}
	metrics.EvidenceFused.Observe(float64(len(items)))
	f.logger.Debug("Fused evidence",
		zap.Int("round", round),
		zap.Int("input_items", len(all)),
		zap.Int("merged_away", dropped),
		zap.Int("fused_items", len(items)),
	)

	return Set{Items: items, Round: round}
}

func (f *Fuser) kindRank(k SourceKind) int {
	if r, ok := f.rank[k]; ok {
		return r
	}
	return len(f.rank) // unknown kinds sort last
}

// mergeItems combines two items with the same identity key. The higher-scored
// item wins content and primary provenance; the loser's provenance joins the
// mention list.
func mergeItems(a, b Item) Item {
	winner, loser := a, b
	if b.Score > a.Score {
		winner, loser = b, a
	}
	mentions := append([]Provenance{}, winner.Mentions...)
	mentions = appendMention(mentions, winner.Provenance, loser.Provenance)
	for _, m := range loser.Mentions {
		mentions = appendMention(mentions, winner.Provenance, m)
	}
	sortMentions(mentions)
	winner.Mentions = mentions
	return winner
}

func appendMention(mentions []Provenance, primary, candidate Provenance) []Provenance {
	if candidate == (Provenance{}) || candidate == primary {
		return mentions
	}
	for _, m := range mentions {
		if m == candidate {
			return mentions
		}
	}
	return append(mentions, candidate)
}
