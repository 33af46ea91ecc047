package evidence

import (
	"fmt"
	"sort"
	"strings"
)

// SourceKind identifies where a piece of evidence came from.
type SourceKind string

const (
	SourceStructuredRow  SourceKind = "structured-row"
	SourceVectorDocument SourceKind = "vector-document"
	SourceConnector      SourceKind = "external-connector"
)

// DefaultPriority orders source kinds by trust: directly queried structured
// facts rank above semantic matches, which rank above external connectors.
var DefaultPriority = []SourceKind{
	SourceStructuredRow,
	SourceVectorDocument,
	SourceConnector,
}

// Valid reports whether k names a known source kind.
func (k SourceKind) Valid() bool {
	switch k {
	case SourceStructuredRow, SourceVectorDocument, SourceConnector:
		return true
	}
	return false
}

// Provenance points back to the origin of one evidence item.
type Provenance struct {
	DocumentID string `json:"document_id,omitempty"`
	Location   string `json:"location,omitempty"` // page/chunk/row locator
	Query      string `json:"query,omitempty"`    // for structured rows: the query that produced it
}

func (p Provenance) String() string {
	parts := make([]string, 0, 3)
	if p.DocumentID != "" {
		parts = append(parts, "doc="+p.DocumentID)
	}
	if p.Location != "" {
		parts = append(parts, "loc="+p.Location)
	}
	if p.Query != "" {
		parts = append(parts, "query="+p.Query)
	}
	return strings.Join(parts, " ")
}

// Item is a single unit of retrieved material, normalized at the source
// boundary so fusion can treat all sources uniformly.
type Item struct {
	// Key is the stable identity of the underlying material. Items from
	// different calls sharing a Key are the same evidence and get merged.
	Key        string       `json:"key"`
	Kind       SourceKind   `json:"kind"`
	Content    string       `json:"content"`
	Score      float64      `json:"score"`
	Provenance Provenance   `json:"provenance"`
	Mentions   []Provenance `json:"mentions,omitempty"` // additional contributing sources after merge
}

// Validate checks the minimum contract a source must honor.
func (it Item) Validate() error {
	if it.Key == "" {
		return fmt.Errorf("evidence item missing identity key")
	}
	if !it.Kind.Valid() {
		return fmt.Errorf("evidence item %q has unknown source kind %q", it.Key, it.Kind)
	}
	return nil
}

// Set is a deduplicated, ranked sequence of evidence items for one planning
// round. Sets are rebuilt per round, never mutated.
type Set struct {
	Items []Item `json:"items"`
	Round int    `json:"round"`
}

// Keys returns the identity keys in ranked order.
func (s Set) Keys() []string {
	keys := make([]string, len(s.Items))
	for i, it := range s.Items {
		keys[i] = it.Key
	}
	return keys
}

// Lookup returns the item with the given identity key, if present.
func (s Set) Lookup(key string) (Item, bool) {
	for _, it := range s.Items {
		if it.Key == key {
			return it, true
		}
	}
	return Item{}, false
}

// Empty reports whether the set holds no evidence at all.
func (s Set) Empty() bool { return len(s.Items) == 0 }

// sortMentions keeps merged mention lists deterministic.
func sortMentions(mentions []Provenance) {
	sort.Slice(mentions, func(i, j int) bool {
		return mentions[i].String() < mentions[j].String()
	})
}
