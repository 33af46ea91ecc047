package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/scholarmesh/orchestrator/internal/circuitbreaker"
	"github.com/scholarmesh/orchestrator/internal/metrics"
)

// Manager is the conversation context store: a Redis-backed turn log per
// session with a local cache in front. Appends are idempotent per task id
// and serialized to preserve turn ordering; history reads are
// most-recent-first and return copies of the stored turns.
type Manager struct {
	client      *circuitbreaker.RedisWrapper
	logger      *zap.Logger
	ttl         time.Duration
	mu          sync.RWMutex
	localCache  map[string][]ConversationTurn // session id -> turns in append order
	cacheAccess map[string]time.Time          // last access, for LRU eviction
	maxSessions int
	appendMu    sync.Mutex
}

// NewManager connects to Redis and returns a session manager.
func NewManager(redisAddr string, logger *zap.Logger) (*Manager, error) {
	redisClient := redis.NewClient(&redis.Options{
		Addr:         redisAddr,
		Password:     os.Getenv("REDIS_PASSWORD"),
		DB:           0,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	client := circuitbreaker.NewRedisWrapper(redisClient, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewManagerWithClient(client, logger), nil
}

// NewManagerWithClient wraps an existing Redis client. Used directly by tests
// with miniredis.
func NewManagerWithClient(client *circuitbreaker.RedisWrapper, logger *zap.Logger) *Manager {
	return &Manager{
		client:      client,
		logger:      logger,
		ttl:         24 * time.Hour,
		localCache:  make(map[string][]ConversationTurn),
		cacheAccess: make(map[string]time.Time),
		maxSessions: 10000,
	}
}

// SetTTL overrides the default turn-log TTL.
func (m *Manager) SetTTL(ttl time.Duration) {
	if ttl > 0 {
		m.ttl = ttl
	}
}

// AppendTurn appends a finalized turn to its session's log. Idempotent per
// task id: re-appending a turn for a previously seen task is a silent no-op,
// guarding against at-least-once delivery from callers.
func (m *Manager) AppendTurn(ctx context.Context, turn ConversationTurn) error {
	if turn.SessionID == "" {
		return fmt.Errorf("turn missing session id")
	}
	if turn.TaskID == "" {
		return fmt.Errorf("turn missing task id")
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}

	m.appendMu.Lock()
	defer m.appendMu.Unlock()

	// The marker insert and the list push are not atomic; a crash between
	// them loses the turn, never duplicates it.
	inserted, err := m.client.SetNX(ctx, m.taskKey(turn.TaskID), turn.TurnID, m.ttl)
	if err != nil {
		return fmt.Errorf("failed to claim task append marker: %w", err)
	}
	if !inserted {
		metrics.TurnAppendDuplicates.Inc()
		m.logger.Debug("Ignoring duplicate turn append",
			zap.String("task_id", turn.TaskID),
			zap.String("session_id", turn.SessionID),
		)
		return nil
	}

	data, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("failed to marshal turn: %w", err)
	}
	key := m.sessionKey(turn.SessionID)
	if err := m.client.RPush(ctx, key, data); err != nil {
		return fmt.Errorf("failed to append turn: %w", err)
	}
	if err := m.client.Expire(ctx, key, m.ttl); err != nil {
		m.logger.Warn("Failed to refresh session TTL",
			zap.String("session_id", turn.SessionID),
			zap.Error(err),
		)
	}

	m.mu.Lock()
	if cached, ok := m.localCache[turn.SessionID]; ok {
		m.localCache[turn.SessionID] = append(cached, turn)
		m.cacheAccess[turn.SessionID] = time.Now()
	}
	m.mu.Unlock()

	metrics.TurnsAppended.Inc()
	m.logger.Info("Appended conversation turn",
		zap.String("session_id", turn.SessionID),
		zap.String("task_id", turn.TaskID),
		zap.String("verdict", turn.Verdict),
		zap.Float64("confidence", turn.Confidence),
	)
	return nil
}

// History returns up to limit turns for a session, most recent first.
// A limit of zero or below means no bound.
func (m *Manager) History(ctx context.Context, sessionID string, limit int) ([]ConversationTurn, error) {
	turns, err := m.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	// Stored in append order; callers want the newest on top. Cloning keeps
	// the cached turns untouchable through the returned slices.
	out := make([]ConversationTurn, 0, len(turns))
	for i := len(turns) - 1; i >= 0; i-- {
		out = append(out, turns[i].Clone())
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// HistorySummary renders prior turns as planner context, oldest first so the
// narrative reads in conversation order. Empty sessions yield an empty string.
func (m *Manager) HistorySummary(ctx context.Context, sessionID string, limit int) (string, error) {
	turns, err := m.History(ctx, sessionID, limit)
	if err != nil {
		return "", err
	}
	if len(turns) == 0 {
		return "", nil
	}
	lines := make([]string, 0, len(turns))
	for i := len(turns) - 1; i >= 0; i-- {
		lines = append(lines, turns[i].Summary())
	}
	return strings.Join(lines, "\n"), nil
}

// TurnCount returns the number of turns stored for a session.
func (m *Manager) TurnCount(ctx context.Context, sessionID string) (int64, error) {
	return m.client.LLen(ctx, m.sessionKey(sessionID))
}

// load fetches a session's turns, serving from the local cache when possible.
func (m *Manager) load(ctx context.Context, sessionID string) ([]ConversationTurn, error) {
	m.mu.RLock()
	cached, ok := m.localCache[sessionID]
	m.mu.RUnlock()
	if ok {
		metrics.SessionCacheHits.Inc()
		m.mu.Lock()
		m.cacheAccess[sessionID] = time.Now()
		m.mu.Unlock()
		return cached, nil
	}
	metrics.SessionCacheMisses.Inc()

	raw, err := m.client.LRange(ctx, m.sessionKey(sessionID), 0, -1)
	if err != nil {
		return nil, fmt.Errorf("failed to load session turns: %w", err)
	}
	turns := make([]ConversationTurn, 0, len(raw))
	for _, item := range raw {
		var t ConversationTurn
		if err := json.Unmarshal([]byte(item), &t); err != nil {
			m.logger.Warn("Skipping undecodable turn record",
				zap.String("session_id", sessionID),
				zap.Error(err),
			)
			continue
		}
		turns = append(turns, t)
	}

	m.mu.Lock()
	m.localCache[sessionID] = turns
	m.cacheAccess[sessionID] = time.Now()
	if len(m.localCache) > m.maxSessions {
		m.evictLocked()
	}
	metrics.SessionCacheSize.Set(float64(len(m.localCache)))
	m.mu.Unlock()

	return turns, nil
}

// evictLocked drops the least recently used tenth of the cache. Caller holds mu.
func (m *Manager) evictLocked() {
	type entry struct {
		id     string
		access time.Time
	}
	entries := make([]entry, 0, len(m.localCache))
	for id := range m.localCache {
		entries = append(entries, entry{id: id, access: m.cacheAccess[id]})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].access.Before(entries[j].access) })

	drop := len(entries) / 10
	if drop < 1 {
		drop = 1
	}
	for i := 0; i < drop; i++ {
		delete(m.localCache, entries[i].id)
		delete(m.cacheAccess, entries[i].id)
	}
}

func (m *Manager) sessionKey(sessionID string) string {
	return "scholarmesh:session:" + sessionID + ":turns"
}

func (m *Manager) taskKey(taskID string) string {
	return "scholarmesh:task:" + taskID + ":turn"
}

// RedisWrapper exposes the underlying client for health checks.
func (m *Manager) RedisWrapper() *circuitbreaker.RedisWrapper {
	return m.client
}

// Close releases the Redis connection.
func (m *Manager) Close() error {
	return m.client.Close()
}
