package pacing

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/chatrelay/persistence"
	"github.com/BaSui01/chatrelay/types"
)

// PolicyStore is the slice of persistence.Store the manager needs.
type PolicyStore interface {
	GetDelayPolicy(ctx context.Context) (*types.DelayPolicy, error)
	SaveDelayPolicy(ctx context.Context, p *types.DelayPolicy) error
}

// DefaultRefreshInterval bounds how long a cached policy is served before the
// store is read again.
const DefaultRefreshInterval = 30 * time.Second

// Manager holds the process-wide delay policy in memory with the store as
// source of truth. The policy is loaded on first use; when nothing is
// persisted the defaults are written back. The cached copy is re-read after
// the refresh interval so updates saved by other instances are picked up.
type Manager struct {
	mu       sync.RWMutex
	store    PolicyStore
	defaults types.DelayPolicy
	current  *types.DelayPolicy
	loadedAt time.Time
	refresh  time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithDefaults overrides the policy materialised when the store has none.
func WithDefaults(p types.DelayPolicy) ManagerOption {
	return func(m *Manager) { m.defaults = p }
}

// WithRefreshInterval sets how long the cached policy is trusted. Zero or
// negative caches until Update.
func WithRefreshInterval(d time.Duration) ManagerOption {
	return func(m *Manager) { m.refresh = d }
}

// WithManagerClock overrides the time source used for UpdatedAt and refresh.
func WithManagerClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a policy manager. Nothing is read until the first call.
func NewManager(store PolicyStore, logger *zap.Logger, opts ...ManagerOption) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		store:    store,
		defaults: DefaultPolicy(),
		refresh:  DefaultRefreshInterval,
		logger:   logger.With(zap.String("component", "pacing_manager")),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Policy returns the current policy, loading it on first use and again once
// the cached copy is older than the refresh interval.
func (m *Manager) Policy(ctx context.Context) (types.DelayPolicy, error) {
	m.mu.RLock()
	if m.current != nil && m.freshLocked() {
		p := *m.current
		m.mu.RUnlock()
		return p, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil && m.freshLocked() {
		return *m.current, nil
	}

	stored, err := m.store.GetDelayPolicy(ctx)
	switch {
	case err == nil:
		if m.current != nil && !samePolicy(*m.current, *stored) {
			m.logger.Info("delay policy changed in store", policyFields(*stored)...)
		} else if m.current == nil {
			m.logger.Debug("delay policy loaded", policyFields(*stored)...)
		}
		m.current = stored
		m.loadedAt = m.now()
	case errors.Is(err, persistence.ErrNotFound):
		if err := Validate(m.defaults); err != nil {
			return types.DelayPolicy{}, err
		}
		p := m.defaults
		p.UpdatedAt = m.now()
		if err := m.store.SaveDelayPolicy(ctx, &p); err != nil {
			return types.DelayPolicy{}, persistence.DomainError(err, "materialise default delay policy")
		}
		m.current = &p
		m.loadedAt = m.now()
		m.logger.Info("default delay policy materialised", policyFields(p)...)
	case m.current != nil:
		// 存储暂时不可用时继续使用旧策略, 下个周期再读
		m.loadedAt = m.now()
		m.logger.Warn("delay policy refresh failed, keeping cached policy", zap.Error(err))
	default:
		return types.DelayPolicy{}, persistence.DomainError(err, "load delay policy")
	}
	return *m.current, nil
}

func (m *Manager) freshLocked() bool {
	return m.refresh <= 0 || m.now().Sub(m.loadedAt) < m.refresh
}

// Delay computes the dispatch delay for queueDepth under the current policy.
func (m *Manager) Delay(ctx context.Context, queueDepth int) (time.Duration, error) {
	p, err := m.Policy(ctx)
	if err != nil {
		return 0, err
	}
	return Compute(p, queueDepth), nil
}

// Update validates, persists and then swaps in p. An invalid policy is
// rejected with INVALID_CONFIG and nothing changes.
func (m *Manager) Update(ctx context.Context, p types.DelayPolicy) (types.DelayPolicy, error) {
	if err := Validate(p); err != nil {
		return types.DelayPolicy{}, err
	}

	m.mu.Lock()
	p.UpdatedAt = m.now()
	if err := m.store.SaveDelayPolicy(ctx, &p); err != nil {
		m.mu.Unlock()
		return types.DelayPolicy{}, persistence.DomainError(err, "save delay policy")
	}
	m.current = &p
	m.loadedAt = m.now()
	m.mu.Unlock()

	m.logger.Info("delay policy updated", policyFields(p)...)
	return p, nil
}

func samePolicy(a, b types.DelayPolicy) bool {
	return a.Enabled == b.Enabled &&
		a.MinDelayMs == b.MinDelayMs &&
		a.MaxDelayMs == b.MaxDelayMs &&
		a.PerQueuedMessageDelayMs == b.PerQueuedMessageDelayMs
}

func policyFields(p types.DelayPolicy) []zap.Field {
	return []zap.Field{
		zap.Bool("enabled", p.Enabled),
		zap.Int64("min_delay_ms", p.MinDelayMs),
		zap.Int64("max_delay_ms", p.MaxDelayMs),
		zap.Int64("per_queued_message_delay_ms", p.PerQueuedMessageDelayMs),
	}
}
