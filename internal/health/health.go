package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Status of one component check.
type Status int

const (
	StatusHealthy Status = iota
	StatusDegraded
	StatusUnhealthy
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// CheckResult is the outcome of one component check.
type CheckResult struct {
	Component string        `json:"component"`
	Status    Status        `json:"status"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
	Critical  bool          `json:"critical"`
}

// Checker probes one component. Critical checkers gate readiness; failures
// of non-critical ones only degrade the report.
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
	IsCritical() bool
}

// Overall is the aggregated service health.
type Overall struct {
	Status     Status                 `json:"status"`
	Components map[string]CheckResult `json:"components"`
	Timestamp  time.Time              `json:"timestamp"`
}

// Manager runs registered checkers on demand and keeps the last results.
type Manager struct {
	mu       sync.RWMutex
	checkers map[string]Checker
	timeout  time.Duration
	logger   *zap.Logger
}

// NewManager creates an empty health manager.
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{
		checkers: make(map[string]Checker),
		timeout:  5 * time.Second,
		logger:   logger,
	}
}

// RegisterChecker adds a component checker, replacing any prior one of the
// same name.
func (m *Manager) RegisterChecker(c Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers[c.Name()] = c
	m.logger.Info("Registered health checker", zap.String("component", c.Name()))
}

// Check runs every checker and aggregates the results.
func (m *Manager) Check(ctx context.Context) Overall {
	m.mu.RLock()
	checkers := make([]Checker, 0, len(m.checkers))
	for _, c := range m.checkers {
		checkers = append(checkers, c)
	}
	m.mu.RUnlock()

	overall := Overall{
		Status:     StatusHealthy,
		Components: make(map[string]CheckResult, len(checkers)),
		Timestamp:  time.Now().UTC(),
	}
	for _, c := range checkers {
		cctx, cancel := context.WithTimeout(ctx, m.timeout)
		res := c.Check(cctx)
		cancel()
		overall.Components[c.Name()] = res

		switch {
		case res.Status == StatusUnhealthy && res.Critical:
			overall.Status = StatusUnhealthy
		case res.Status != StatusHealthy && overall.Status == StatusHealthy:
			overall.Status = StatusDegraded
		}
	}
	return overall
}

// Ready reports whether every critical component is healthy.
func (m *Manager) Ready(ctx context.Context) bool {
	return m.Check(ctx).Status != StatusUnhealthy
}
