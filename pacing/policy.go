package pacing

import (
	"time"

	"github.com/BaSui01/chatrelay/types"
)

// DefaultPolicy returns the policy materialised when none is persisted.
func DefaultPolicy() types.DelayPolicy {
	return types.DelayPolicy{
		Enabled:                 true,
		MinDelayMs:              2000,
		MaxDelayMs:              5000,
		PerQueuedMessageDelayMs: 1000,
	}
}

// Validate rejects a policy with negative values or MinDelayMs > MaxDelayMs.
func Validate(p types.DelayPolicy) error {
	switch {
	case p.MinDelayMs < 0:
		return types.Errorf(types.ErrInvalidConfig, "min_delay_ms must be >= 0, got %d", p.MinDelayMs)
	case p.MaxDelayMs < 0:
		return types.Errorf(types.ErrInvalidConfig, "max_delay_ms must be >= 0, got %d", p.MaxDelayMs)
	case p.PerQueuedMessageDelayMs < 0:
		return types.Errorf(types.ErrInvalidConfig, "per_queued_message_delay_ms must be >= 0, got %d", p.PerQueuedMessageDelayMs)
	case p.MinDelayMs > p.MaxDelayMs:
		return types.Errorf(types.ErrInvalidConfig, "min_delay_ms (%d) must not exceed max_delay_ms (%d)", p.MinDelayMs, p.MaxDelayMs)
	}
	return nil
}

// Compute returns how long an automated reply is held before dispatch:
// clamp(min + perQueued*depth, min, max) when enabled, zero otherwise.
// A negative depth is treated as zero.
func Compute(p types.DelayPolicy, queueDepth int) time.Duration {
	if !p.Enabled {
		return 0
	}
	if queueDepth < 0 {
		queueDepth = 0
	}

	ms := p.MinDelayMs
	// 先判断是否会越过上限, 避免大队列深度时乘法溢出
	if p.PerQueuedMessageDelayMs > 0 && int64(queueDepth) > (p.MaxDelayMs-p.MinDelayMs)/p.PerQueuedMessageDelayMs {
		ms = p.MaxDelayMs
	} else {
		ms += p.PerQueuedMessageDelayMs * int64(queueDepth)
	}

	if ms < p.MinDelayMs {
		ms = p.MinDelayMs
	}
	if ms > p.MaxDelayMs {
		ms = p.MaxDelayMs
	}
	return time.Duration(ms) * time.Millisecond
}
