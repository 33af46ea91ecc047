package health

import (
	"context"
	"time"

	"github.com/scholarmesh/orchestrator/internal/circuitbreaker"
)

// RedisChecker probes the session store connection. Critical: without it no
// turn can be persisted.
type RedisChecker struct {
	client *circuitbreaker.RedisWrapper
}

func NewRedisChecker(client *circuitbreaker.RedisWrapper) *RedisChecker {
	return &RedisChecker{client: client}
}

func (c *RedisChecker) Name() string     { return "redis" }
func (c *RedisChecker) IsCritical() bool { return true }

func (c *RedisChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	res := CheckResult{Component: c.Name(), Critical: true, Timestamp: start.UTC(), Status: StatusHealthy}
	if err := c.client.Ping(ctx); err != nil {
		res.Status = StatusUnhealthy
		res.Error = err.Error()
	}
	res.Duration = time.Since(start)
	return res
}

// DatabaseChecker probes the structured store. Non-critical: the pipeline
// degrades to vector retrieval only.
type DatabaseChecker struct {
	db *circuitbreaker.DatabaseWrapper
}

func NewDatabaseChecker(db *circuitbreaker.DatabaseWrapper) *DatabaseChecker {
	return &DatabaseChecker{db: db}
}

func (c *DatabaseChecker) Name() string     { return "structured-store" }
func (c *DatabaseChecker) IsCritical() bool { return false }

func (c *DatabaseChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	res := CheckResult{Component: c.Name(), Timestamp: start.UTC(), Status: StatusHealthy}
	if err := c.db.PingContext(ctx); err != nil {
		res.Status = StatusUnhealthy
		res.Error = err.Error()
	}
	res.Duration = time.Since(start)
	return res
}
