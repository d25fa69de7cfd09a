package types

import (
	"fmt"
	"time"
)

// Status is the ownership state of a conversation.
type Status string

const (
	StatusAIActive      Status = "ai_active"
	StatusWaiting       Status = "waiting"
	StatusAgentAssigned Status = "agent_assigned"
	StatusResolved      Status = "resolved"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusAIActive, StatusWaiting, StatusAgentAssigned, StatusResolved:
		return true
	}
	return false
}

// AutomationOwned reports whether the automated agent drives conversations in this status.
func (s Status) AutomationOwned() bool {
	return s == StatusAIActive || s == StatusWaiting
}

// Party is one side of a handoff.
type Party string

const (
	PartyAgent Party = "agent"
	PartyHuman Party = "human"
)

// Conversation is the unit of ownership for one external contact's thread.
// ID is the stable contact identifier (e.g. a phone number).
type Conversation struct {
	ID                 string     `json:"id" bson:"_id"`
	Status             Status     `json:"status" bson:"status"`
	AutomationPaused   bool       `json:"automation_paused" bson:"automation_paused"`
	AssignedOperator   string     `json:"assigned_operator,omitempty" bson:"assigned_operator,omitempty"`
	PausedAt           *time.Time `json:"paused_at,omitempty" bson:"paused_at,omitempty"`
	PausedBy           string     `json:"paused_by,omitempty" bson:"paused_by,omitempty"`
	ResolvedAt         *time.Time `json:"resolved_at,omitempty" bson:"resolved_at,omitempty"`
	ResolvedBy         string     `json:"resolved_by,omitempty" bson:"resolved_by,omitempty"`
	UnreadCount        int        `json:"unread_count" bson:"unread_count"`
	LastMessageSummary string     `json:"last_message_summary,omitempty" bson:"last_message_summary,omitempty"`
	CreatedAt          time.Time  `json:"created_at" bson:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at" bson:"updated_at"`

	// Version is bumped by every successful write and checked by compare-and-swap updates.
	Version int64 `json:"version" bson:"version"`
}

// NewConversation returns a fresh automation-owned conversation.
func NewConversation(id string, now time.Time) *Conversation {
	return &Conversation{
		ID:        id,
		Status:    StatusAIActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Clone returns a deep copy.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	cp := *c
	cp.PausedAt = cloneTime(c.PausedAt)
	cp.ResolvedAt = cloneTime(c.ResolvedAt)
	return &cp
}

// DispatchAllowed reports whether an automated reply may be sent right now.
func (c *Conversation) DispatchAllowed() bool {
	return !c.AutomationPaused && c.Status.AutomationOwned()
}

// Touch advances UpdatedAt without ever moving it backwards.
func (c *Conversation) Touch(now time.Time) {
	if now.After(c.UpdatedAt) {
		c.UpdatedAt = now
	}
}

// CheckInvariants validates the ownership invariants:
// AssignedOperator is set iff Status is agent_assigned, and
// AutomationPaused is true iff Status is agent_assigned or resolved.
func (c *Conversation) CheckInvariants() error {
	if !c.Status.Valid() {
		return fmt.Errorf("unknown status %q", c.Status)
	}
	if (c.AssignedOperator != "") != (c.Status == StatusAgentAssigned) {
		return fmt.Errorf("assigned operator %q inconsistent with status %s", c.AssignedOperator, c.Status)
	}
	if c.AutomationPaused == c.Status.AutomationOwned() {
		return fmt.Errorf("automation_paused=%t inconsistent with status %s", c.AutomationPaused, c.Status)
	}
	if c.UnreadCount < 0 {
		return fmt.Errorf("negative unread count %d", c.UnreadCount)
	}
	return nil
}

// TransferEvent is an immutable record of an ownership change.
type TransferEvent struct {
	ID             string    `json:"id" bson:"id"`
	ConversationID string    `json:"conversation_id" bson:"conversation_id"`
	From           Party     `json:"from" bson:"from"`
	To             Party     `json:"to" bson:"to"`
	Actor          string    `json:"actor" bson:"actor"`
	Reason         string    `json:"reason" bson:"reason"`
	Timestamp      time.Time `json:"timestamp" bson:"timestamp"`
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
