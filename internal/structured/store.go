package structured

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/scholarmesh/orchestrator/internal/circuitbreaker"
	"github.com/scholarmesh/orchestrator/internal/evidence"
	"github.com/scholarmesh/orchestrator/internal/metrics"
)

const sourceName = "structured"

// rowScore is the relevance assigned to directly queried rows. Structured
// facts outrank similarity hits of equal score during fusion.
const rowScore = 1.0

// QueryTemplate maps a family of natural-language queries onto one SQL
// statement. Keywords select the template; FilterColumns whitelists the
// columns callers may constrain.
type QueryTemplate struct {
	Name          string   `yaml:"name"`
	Keywords      []string `yaml:"keywords"`
	SQL           string   `yaml:"sql"`
	OrderBy       string   `yaml:"order_by,omitempty"`
	FilterColumns []string `yaml:"filter_columns,omitempty"`
}

// Config holds connection settings for the structured store.
type Config struct {
	Driver          string          `mapstructure:"driver"` // postgres or sqlite3
	DSN             string          `mapstructure:"dsn"`
	MaxConnections  int             `mapstructure:"max_connections"`
	IdleConnections int             `mapstructure:"idle_connections"`
	MaxLifetime     time.Duration   `mapstructure:"max_lifetime"`
	Templates       []QueryTemplate `mapstructure:"templates"`
}

// DefaultTemplates covers the paper catalog schema the demo data loads.
func DefaultTemplates() []QueryTemplate {
	return []QueryTemplate{
		{
			Name:          "paper_count",
			Keywords:      []string{"how many", "count", "number of", "total"},
			SQL:           "SELECT COUNT(*) AS paper_count FROM papers",
			FilterColumns: []string{"venue", "year"},
		},
		{
			Name:          "paper_catalog",
			Keywords:      []string{"list all", "which papers", "published since", "published in", "authored by"},
			SQL:           "SELECT title, authors, venue, year FROM papers",
			OrderBy:       "year DESC, title ASC",
			FilterColumns: []string{"venue", "year"},
		},
	}
}

// Store answers structured-query subtasks against a relational paper catalog
// and normalizes rows into evidence items.
type Store struct {
	db        *circuitbreaker.DatabaseWrapper
	templates []QueryTemplate
	logger    *zap.Logger
}

// NewStore opens the database and verifies connectivity.
func NewStore(cfg Config, logger *zap.Logger) (*Store, error) {
	if cfg.Driver == "" {
		cfg.Driver = "postgres"
	}
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = 25
	}
	if cfg.IdleConnections == 0 {
		cfg.IdleConnections = 5
	}
	if cfg.MaxLifetime == 0 {
		cfg.MaxLifetime = 5 * time.Minute
	}

	rawDB, err := sqlx.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open structured store: %w", err)
	}
	rawDB.SetMaxOpenConns(cfg.MaxConnections)
	rawDB.SetMaxIdleConns(cfg.IdleConnections)
	rawDB.SetConnMaxLifetime(cfg.MaxLifetime)

	db := circuitbreaker.NewDatabaseWrapper(rawDB, sourceName, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		rawDB.Close()
		return nil, fmt.Errorf("failed to ping structured store: %w", err)
	}

	logger.Info("Structured store initialized",
		zap.String("driver", cfg.Driver),
		zap.Int("templates", len(templatesOrDefault(cfg.Templates))),
	)
	return &Store{
		db:        db,
		templates: templatesOrDefault(cfg.Templates),
		logger:    logger,
	}, nil
}

// NewStoreWithDB wraps an existing connection. Used by tests with sqlmock.
func NewStoreWithDB(db *sqlx.DB, templates []QueryTemplate, logger *zap.Logger) *Store {
	return &Store{
		db:        circuitbreaker.NewDatabaseWrapper(db, sourceName, logger),
		templates: templatesOrDefault(templates),
		logger:    logger,
	}
}

func templatesOrDefault(templates []QueryTemplate) []QueryTemplate {
	if len(templates) == 0 {
		return DefaultTemplates()
	}
	return templates
}

// Name implements the evidence source contract.
func (s *Store) Name() string { return sourceName }

// Search routes the query to a template, executes it with the whitelisted
// filters, and renders each row as one structured-row evidence item.
func (s *Store) Search(ctx context.Context, query string, topK int, filters map[string]string) ([]evidence.Item, error) {
	start := time.Now()
	if topK <= 0 {
		topK = 10
	}

	tmpl, ok := s.match(query)
	if !ok {
		metrics.RecordSourceSearch(sourceName, "no_template", time.Since(start).Seconds())
		return nil, fmt.Errorf("no query template matches %q", query)
	}

	stmt, args := s.build(tmpl, topK, filters)
	rows, err := s.db.QueryxContext(ctx, stmt, args...)
	if err != nil {
		metrics.RecordSourceSearch(sourceName, "error", time.Since(start).Seconds())
		return nil, fmt.Errorf("structured query %q failed: %w", tmpl.Name, err)
	}
	defer rows.Close()

	var items []evidence.Item
	for rows.Next() {
		row := map[string]interface{}{}
		if err := rows.MapScan(row); err != nil {
			metrics.RecordSourceSearch(sourceName, "error", time.Since(start).Seconds())
			return nil, fmt.Errorf("scan structured row: %w", err)
		}
		items = append(items, s.toItem(tmpl, row, query))
	}
	if err := rows.Err(); err != nil {
		metrics.RecordSourceSearch(sourceName, "error", time.Since(start).Seconds())
		return nil, fmt.Errorf("iterate structured rows: %w", err)
	}

	metrics.RecordSourceSearch(sourceName, "ok", time.Since(start).Seconds())
	return items, nil
}

// match returns the first template with a keyword hit in the query.
func (s *Store) match(query string) (QueryTemplate, bool) {
	q := strings.ToLower(query)
	for _, t := range s.templates {
		for _, kw := range t.Keywords {
			if strings.Contains(q, kw) {
				return t, true
			}
		}
	}
	return QueryTemplate{}, false
}

// build assembles the final statement: template SQL, whitelisted filters,
// ordering, and the row limit. Rebind adapts placeholders to the driver.
func (s *Store) build(t QueryTemplate, limit int, filters map[string]string) (string, []interface{}) {
	allowed := make(map[string]struct{}, len(t.FilterColumns))
	for _, c := range t.FilterColumns {
		allowed[c] = struct{}{}
	}

	cols := make([]string, 0, len(filters))
	for col := range filters {
		if _, ok := allowed[col]; ok {
			cols = append(cols, col)
		} else {
			s.logger.Warn("Dropping filter on non-whitelisted column",
				zap.String("template", t.Name),
				zap.String("column", col),
			)
		}
	}
	sort.Strings(cols)

	stmt := t.SQL
	args := make([]interface{}, 0, len(cols)+1)
	if len(cols) > 0 {
		clauses := make([]string, 0, len(cols))
		for _, col := range cols {
			clauses = append(clauses, col+" = ?")
			args = append(args, filters[col])
		}
		stmt += " WHERE " + strings.Join(clauses, " AND ")
	}
	if t.OrderBy != "" {
		stmt += " ORDER BY " + t.OrderBy
	}
	stmt += " LIMIT ?"
	args = append(args, limit)

	return s.db.DB().Rebind(stmt), args
}

// toItem renders a row as one evidence item with a content-derived key so
// identical rows deduplicate across rounds.
func (s *Store) toItem(t QueryTemplate, row map[string]interface{}, query string) evidence.Item {
	cols := make([]string, 0, len(row))
	for col := range row {
		cols = append(cols, col)
	}
	sort.Strings(cols)

	parts := make([]string, 0, len(cols))
	for _, col := range cols {
		parts = append(parts, fmt.Sprintf("%s=%s", col, renderValue(row[col])))
	}
	content := strings.Join(parts, "; ")

	h := fnv.New64a()
	h.Write([]byte(t.Name))
	h.Write([]byte{0})
	h.Write([]byte(content))

	return evidence.Item{
		Key:     fmt.Sprintf("row:%s:%x", t.Name, h.Sum64()),
		Kind:    evidence.SourceStructuredRow,
		Content: content,
		Score:   rowScore,
		Provenance: evidence.Provenance{
			DocumentID: t.Name,
			Query:      query,
		},
	}
}

// renderValue flattens driver-specific scalar types to text.
func renderValue(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case []byte:
		return string(val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

// Wrapper exposes the breaker-wrapped handle for health checks.
func (s *Store) Wrapper() *circuitbreaker.DatabaseWrapper { return s.db }

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }
