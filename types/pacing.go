package types

import "time"

// DelayPolicy is the process-wide response pacing configuration.
// The persisted copy is the source of truth.
type DelayPolicy struct {
	Enabled                 bool      `json:"enabled" yaml:"enabled" bson:"enabled"`
	MinDelayMs              int64     `json:"min_delay_ms" yaml:"min_delay_ms" bson:"min_delay_ms"`
	MaxDelayMs              int64     `json:"max_delay_ms" yaml:"max_delay_ms" bson:"max_delay_ms"`
	PerQueuedMessageDelayMs int64     `json:"per_queued_message_delay_ms" yaml:"per_queued_message_delay_ms" bson:"per_queued_message_delay_ms"`
	UpdatedAt               time.Time `json:"updated_at" yaml:"-" bson:"updated_at"`
}
