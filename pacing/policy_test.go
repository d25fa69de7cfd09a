package pacing

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"

	"github.com/BaSui01/chatrelay/types"
)

func TestCompute_Examples(t *testing.T) {
	p := types.DelayPolicy{Enabled: true, MinDelayMs: 2000, MaxDelayMs: 5000, PerQueuedMessageDelayMs: 1000}

	tests := []struct {
		depth int
		want  time.Duration
	}{
		{0, 2000 * time.Millisecond},
		{1, 3000 * time.Millisecond},
		{2, 4000 * time.Millisecond},
		{10, 5000 * time.Millisecond},
		{-3, 2000 * time.Millisecond},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Compute(p, tt.depth), "depth=%d", tt.depth)
	}
}

func TestCompute_Disabled(t *testing.T) {
	p := DefaultPolicy()
	p.Enabled = false
	assert.Zero(t, Compute(p, 5))
}

func TestCompute_HugeDepthDoesNotOverflow(t *testing.T) {
	p := types.DelayPolicy{Enabled: true, MinDelayMs: 10, MaxDelayMs: 60_000, PerQueuedMessageDelayMs: 1 << 40}
	assert.Equal(t, 60*time.Second, Compute(p, 1<<30))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name  string
		p     types.DelayPolicy
		valid bool
	}{
		{"default", DefaultPolicy(), true},
		{"min equals max", types.DelayPolicy{MinDelayMs: 100, MaxDelayMs: 100}, true},
		{"zero everything", types.DelayPolicy{}, true},
		{"min above max", types.DelayPolicy{MinDelayMs: 5000, MaxDelayMs: 2000}, false},
		{"negative min", types.DelayPolicy{MinDelayMs: -1, MaxDelayMs: 10}, false},
		{"negative max", types.DelayPolicy{MaxDelayMs: -1}, false},
		{"negative per message", types.DelayPolicy{MaxDelayMs: 10, PerQueuedMessageDelayMs: -5}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.p)
			if tt.valid {
				assert.NoError(t, err)
				return
			}
			assert.True(t, types.IsCode(err, types.ErrInvalidConfig))
		})
	}
}

func genPolicy() gopter.Gen {
	return gopter.CombineGens(
		gen.Int64Range(0, 10_000),
		gen.Int64Range(0, 10_000),
		gen.Int64Range(0, 5_000),
	).Map(func(v []any) types.DelayPolicy {
		lo, hi := v[0].(int64), v[1].(int64)
		if lo > hi {
			lo, hi = hi, lo
		}
		return types.DelayPolicy{Enabled: true, MinDelayMs: lo, MaxDelayMs: hi, PerQueuedMessageDelayMs: v[2].(int64)}
	})
}

func TestProperty_DelayWithinBounds(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("delay stays within [min, max]", prop.ForAll(
		func(p types.DelayPolicy, depth int) bool {
			d := Compute(p, depth)
			return d >= time.Duration(p.MinDelayMs)*time.Millisecond &&
				d <= time.Duration(p.MaxDelayMs)*time.Millisecond
		},
		genPolicy(),
		gen.IntRange(0, 1000),
	))

	properties.Property("delay is monotonic in queue depth", prop.ForAll(
		func(p types.DelayPolicy, depth int) bool {
			return Compute(p, depth) <= Compute(p, depth+1)
		},
		genPolicy(),
		gen.IntRange(0, 1000),
	))

	properties.Property("computation is deterministic", prop.ForAll(
		func(p types.DelayPolicy, depth int) bool {
			return Compute(p, depth) == Compute(p, depth)
		},
		genPolicy(),
		gen.IntRange(0, 1000),
	))

	properties.TestingRun(t)
}
