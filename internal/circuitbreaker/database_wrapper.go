package circuitbreaker

import (
	"context"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// DatabaseWrapper wraps an sqlx.DB with a circuit breaker for the
// structured-query source.
type DatabaseWrapper struct {
	db     *sqlx.DB
	cb     *CircuitBreaker
	logger *zap.Logger
}

// NewDatabaseWrapper creates a database wrapper with circuit breaker
func NewDatabaseWrapper(db *sqlx.DB, name string, logger *zap.Logger) *DatabaseWrapper {
	cb := NewCircuitBreaker(name, DatabaseConfig(), logger)
	GlobalMetricsCollector.RegisterCircuitBreaker(name, "structured-store", cb)
	return &DatabaseWrapper{db: db, cb: cb, logger: logger}
}

// QueryxContext runs a read query through the breaker.
func (dw *DatabaseWrapper) QueryxContext(ctx context.Context, query string, args ...interface{}) (*sqlx.Rows, error) {
	var rows *sqlx.Rows
	err := dw.cb.Execute(ctx, func() error {
		var qErr error
		rows, qErr = dw.db.QueryxContext(ctx, query, args...)
		return qErr
	})
	GlobalMetricsCollector.RecordRequest(dw.cb.name, "structured-store", dw.cb.State(), err == nil)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// PingContext verifies connectivity through the breaker.
func (dw *DatabaseWrapper) PingContext(ctx context.Context) error {
	err := dw.cb.Execute(ctx, func() error { return dw.db.PingContext(ctx) })
	GlobalMetricsCollector.RecordRequest(dw.cb.name, "structured-store", dw.cb.State(), err == nil)
	return err
}

// DB exposes the underlying handle for health checks.
func (dw *DatabaseWrapper) DB() *sqlx.DB { return dw.db }

// Close closes the underlying database handle.
func (dw *DatabaseWrapper) Close() error { return dw.db.Close() }
