package session

import (
	"fmt"
	"strings"
	"time"
)

// Round is the audit record of one plan/execute/critique cycle within a task.
type Round struct {
	Number       int      `json:"number"`
	Draft        string   `json:"draft"`
	Verdict      string   `json:"verdict"`
	Confidence   float64  `json:"confidence"`
	EvidenceKeys []string `json:"evidence_keys,omitempty"`
	FailedNodes  []string `json:"failed_nodes,omitempty"`
}

// ConversationTurn is the finalized record of one task. It is never mutated
// after being appended; history reads return decoded copies.
type ConversationTurn struct {
	TurnID       string    `json:"turn_id"`
	TaskID       string    `json:"task_id"`
	SessionID    string    `json:"session_id"`
	Query        string    `json:"query"`
	Answer       string    `json:"answer"`
	Verdict      string    `json:"verdict"`
	Confidence   float64   `json:"confidence"`
	EvidenceKeys []string  `json:"evidence_keys,omitempty"`
	Rounds       []Round   `json:"rounds,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Clone returns a deep copy whose slices share nothing with the receiver,
// so callers may mutate the result without reaching into cached state.
func (t ConversationTurn) Clone() ConversationTurn {
	out := t
	out.EvidenceKeys = append([]string(nil), t.EvidenceKeys...)
	if t.Rounds != nil {
		out.Rounds = make([]Round, len(t.Rounds))
		for i, r := range t.Rounds {
			r.EvidenceKeys = append([]string(nil), r.EvidenceKeys...)
			r.FailedNodes = append([]string(nil), r.FailedNodes...)
			out.Rounds[i] = r
		}
	}
	return out
}

// Summary renders the turn as one prior-turn line for planner context: the
// question, the answer and the verdict, without evidence payloads.
func (t ConversationTurn) Summary() string {
	answer := t.Answer
	if len(answer) > 200 {
		answer = answer[:200] + "..."
	}
	return fmt.Sprintf("Q: %s | A: %s | verdict=%s confidence=%.2f",
		strings.TrimSpace(t.Query), strings.TrimSpace(answer), t.Verdict, t.Confidence)
}
