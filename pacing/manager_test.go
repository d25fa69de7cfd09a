package pacing

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/chatrelay/persistence"
	"github.com/BaSui01/chatrelay/types"
)

var fixedNow = time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)

type countingStore struct {
	*persistence.MemoryStore
	gets  atomic.Int32
	saves atomic.Int32
	fail  error
}

func (s *countingStore) GetDelayPolicy(ctx context.Context) (*types.DelayPolicy, error) {
	s.gets.Add(1)
	if s.fail != nil {
		return nil, s.fail
	}
	return s.MemoryStore.GetDelayPolicy(ctx)
}

func (s *countingStore) SaveDelayPolicy(ctx context.Context, p *types.DelayPolicy) error {
	s.saves.Add(1)
	return s.MemoryStore.SaveDelayPolicy(ctx, p)
}

func TestManager_MaterialisesDefaults(t *testing.T) {
	store := &countingStore{MemoryStore: persistence.NewMemoryStore()}
	m := NewManager(store, zap.NewNop(), WithManagerClock(func() time.Time { return fixedNow }))
	ctx := context.Background()

	assert.Zero(t, store.gets.Load())

	p, err := m.Policy(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2000), p.MinDelayMs)
	assert.True(t, p.UpdatedAt.Equal(fixedNow))
	assert.Equal(t, int32(1), store.saves.Load())

	persisted, err := store.MemoryStore.GetDelayPolicy(ctx)
	require.NoError(t, err)
	assert.Equal(t, p.MaxDelayMs, persisted.MaxDelayMs)

	// 之后的读取走内存
	_, err = m.Policy(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(1), store.gets.Load())
}

func TestManager_LoadsPersistedPolicy(t *testing.T) {
	store := persistence.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.SaveDelayPolicy(ctx, &types.DelayPolicy{Enabled: true, MinDelayMs: 100, MaxDelayMs: 900, PerQueuedMessageDelayMs: 200}))

	m := NewManager(store, nil, WithDefaults(types.DelayPolicy{MinDelayMs: 1, MaxDelayMs: 2}))
	d, err := m.Delay(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 500*time.Millisecond, d)
}

func TestManager_Update(t *testing.T) {
	store := persistence.NewMemoryStore()
	m := NewManager(store, nil)
	ctx := context.Background()

	_, err := m.Update(ctx, types.DelayPolicy{Enabled: true, MinDelayMs: 5000, MaxDelayMs: 1000})
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrInvalidConfig))

	_, err = store.GetDelayPolicy(ctx)
	assert.ErrorIs(t, err, persistence.ErrNotFound)

	updated, err := m.Update(ctx, types.DelayPolicy{Enabled: false, MinDelayMs: 0, MaxDelayMs: 0})
	require.NoError(t, err)
	assert.False(t, updated.Enabled)

	d, err := m.Delay(ctx, 4)
	require.NoError(t, err)
	assert.Zero(t, d)
}

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestManager_RefreshesFromStore(t *testing.T) {
	store := persistence.NewMemoryStore()
	clock := &stepClock{now: fixedNow}
	m := NewManager(store, nil, WithManagerClock(clock.Now), WithRefreshInterval(time.Minute))
	ctx := context.Background()

	_, err := m.Policy(ctx)
	require.NoError(t, err)

	// 其他进程直接改写存储
	require.NoError(t, store.SaveDelayPolicy(ctx, &types.DelayPolicy{Enabled: true, MinDelayMs: 10, MaxDelayMs: 10}))
	p, err := m.Policy(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2000), p.MinDelayMs)

	clock.Advance(time.Minute)
	p, err = m.Policy(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(10), p.MinDelayMs)
}

func TestManager_SharedStoreAcrossInstances(t *testing.T) {
	store := persistence.NewMemoryStore()
	clock := &stepClock{now: fixedNow}
	ctx := context.Background()

	a := NewManager(store, nil, WithManagerClock(clock.Now), WithRefreshInterval(10*time.Second))
	b := NewManager(store, nil, WithManagerClock(clock.Now), WithRefreshInterval(10*time.Second))

	d, err := b.Delay(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, d)

	_, err = a.Update(ctx, types.DelayPolicy{Enabled: false})
	require.NoError(t, err)
	stored, err := store.GetDelayPolicy(ctx)
	require.NoError(t, err)
	assert.False(t, stored.Enabled)

	clock.Advance(10 * time.Second)
	p, err := b.Policy(ctx)
	require.NoError(t, err)
	assert.False(t, p.Enabled)
	d, err = b.Delay(ctx, 3)
	require.NoError(t, err)
	assert.Zero(t, d)
}

func TestManager_RefreshFailureKeepsCachedPolicy(t *testing.T) {
	store := &countingStore{MemoryStore: persistence.NewMemoryStore()}
	clock := &stepClock{now: fixedNow}
	m := NewManager(store, nil, WithManagerClock(clock.Now), WithRefreshInterval(time.Second))
	ctx := context.Background()

	want, err := m.Policy(ctx)
	require.NoError(t, err)

	store.fail = errors.New("connection refused")
	clock.Advance(time.Second)
	got, err := m.Policy(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, int32(2), store.gets.Load())

	// 失败后同样等一个周期再读
	_, err = m.Policy(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(2), store.gets.Load())
}

func TestManager_ZeroRefreshCachesUntilUpdate(t *testing.T) {
	store := &countingStore{MemoryStore: persistence.NewMemoryStore()}
	clock := &stepClock{now: fixedNow}
	m := NewManager(store, nil, WithManagerClock(clock.Now), WithRefreshInterval(0))
	ctx := context.Background()

	_, err := m.Policy(ctx)
	require.NoError(t, err)
	clock.Advance(24 * time.Hour)
	_, err = m.Policy(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(1), store.gets.Load())
}

func TestManager_StoreFailure(t *testing.T) {
	store := &countingStore{MemoryStore: persistence.NewMemoryStore(), fail: errors.New("connection refused")}
	m := NewManager(store, nil)

	_, err := m.Policy(context.Background())
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrInternalError))

	// 失败不会缓存
	store.fail = nil
	_, err = m.Policy(context.Background())
	assert.NoError(t, err)
}
