package planner

import (
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// RouteRule sends a query to the structured store when any of its keywords
// appears in the query text.
type RouteRule struct {
	Name     string   `yaml:"name"`
	Keywords []string `yaml:"keywords"`
}

// Rules drive query decomposition and replan query rewriting. They are
// deliberately declarative so operators can tune routing without a rebuild.
type Rules struct {
	// StructuredRoutes trigger an additional structured-query subtask.
	StructuredRoutes []RouteRule `yaml:"structured_routes"`
	// RewriteTemplate builds the replan retrieval query for an unsupported
	// claim. Placeholders: {claim}, {query}.
	RewriteTemplate string `yaml:"rewrite_template"`
	// BroadenTemplate builds the replan retrieval query after a detected
	// contradiction. Placeholder: {query}.
	BroadenTemplate string `yaml:"broaden_template"`
}

// DefaultRules returns the built-in routing and rewrite rules.
func DefaultRules() Rules {
	return Rules{
		StructuredRoutes: []RouteRule{
			{Name: "aggregation", Keywords: []string{"how many", "count", "number of", "average", "total"}},
			{Name: "catalog", Keywords: []string{"list all", "which papers", "published since", "published in", "authored by"}},
		},
		RewriteTemplate: "evidence for: {claim}",
		BroadenTemplate: "background and conflicting accounts: {query}",
	}
}

// LoadRules parses a YAML rules document, filling gaps from the defaults.
func LoadRules(r io.Reader) (Rules, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Rules{}, fmt.Errorf("read rules: %w", err)
	}
	rules := Rules{}
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return Rules{}, fmt.Errorf("parse rules: %w", err)
	}
	def := DefaultRules()
	if len(rules.StructuredRoutes) == 0 {
		rules.StructuredRoutes = def.StructuredRoutes
	}
	if rules.RewriteTemplate == "" {
		rules.RewriteTemplate = def.RewriteTemplate
	}
	if rules.BroadenTemplate == "" {
		rules.BroadenTemplate = def.BroadenTemplate
	}
	return rules, nil
}

// LoadRulesFile loads rules from a YAML file, falling back to defaults when
// the path is empty or missing.
func LoadRulesFile(path string) (Rules, error) {
	if path == "" {
		return DefaultRules(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultRules(), nil
		}
		return Rules{}, fmt.Errorf("open rules file: %w", err)
	}
	defer f.Close()
	return LoadRules(f)
}

// matchStructured returns the first route rule matching the query, if any.
func (r Rules) matchStructured(query string) (RouteRule, bool) {
	q := strings.ToLower(query)
	for _, rule := range r.StructuredRoutes {
		for _, kw := range rule.Keywords {
			if strings.Contains(q, kw) {
				return rule, true
			}
		}
	}
	return RouteRule{}, false
}

// expand fills template placeholders.
func expand(template string, vars map[string]string) string {
	out := template
	for k, v := range vars {
		out = strings.ReplaceAll(out, "{"+k+"}", v)
	}
	return out
}
