package conversation

import (
	"time"

	"github.com/BaSui01/chatrelay/types"
)

// Outcome is the pure result of applying an action to a conversation.
type Outcome struct {
	Next *types.Conversation

	// Transfer is set when the action changed ownership between parties.
	Transfer *types.TransferEvent

	// Changed is false when the action left the conversation as it was.
	Changed bool
}

// Transition applies a to c without touching storage. Every action is accepted
// from every status. The returned Transfer has no ID; the caller assigns one.
func Transition(c *types.Conversation, a Action, actor string, now time.Time) (Outcome, error) {
	next := c.Clone()
	var transfer *types.TransferEvent

	handoff := func(from, to types.Party) {
		transfer = &types.TransferEvent{
			ConversationID: c.ID,
			From:           from,
			To:             to,
			Actor:          actor,
			Reason:         a.name,
			Timestamp:      now,
		}
	}

	switch a {
	case PauseAI, AssignAgent:
		claim(next, actor, now)

	case AssumeChat:
		switch {
		case c.Status == types.StatusAgentAssigned && c.AssignedOperator == actor:
			// 同一操作员重复接管: 不产生新的移交事件
		case c.Status == types.StatusAgentAssigned:
			handoff(types.PartyHuman, types.PartyHuman)
		default:
			handoff(types.PartyAgent, types.PartyHuman)
		}
		claim(next, actor, now)

	case ResumeAI, ReturnToAI, ReopenChat:
		if c.Status == types.StatusAgentAssigned {
			handoff(types.PartyHuman, types.PartyAgent)
		}
		release(next)

	case MarkResolved:
		if c.Status != types.StatusResolved {
			next.ResolvedAt = &now
			next.ResolvedBy = actor
		}
		next.Status = types.StatusResolved
		next.AutomationPaused = true
		next.AssignedOperator = ""

	default:
		return Outcome{}, types.Errorf(types.ErrInvalidAction, "unknown action %q", a.name)
	}

	changed := !sameState(c, next)
	if changed {
		next.Touch(now)
	}
	return Outcome{Next: next, Transfer: transfer, Changed: changed}, nil
}

// claim hands the conversation to operator. Pause stamps are kept when the
// same operator already holds it.
func claim(c *types.Conversation, operator string, now time.Time) {
	if c.Status != types.StatusAgentAssigned || c.AssignedOperator != operator || c.PausedAt == nil {
		c.PausedAt = &now
		c.PausedBy = operator
	}
	c.Status = types.StatusAgentAssigned
	c.AutomationPaused = true
	c.AssignedOperator = operator
	c.ResolvedAt = nil
	c.ResolvedBy = ""
}

// release returns the conversation to automation.
func release(c *types.Conversation) {
	c.Status = types.StatusAIActive
	c.AutomationPaused = false
	c.AssignedOperator = ""
	c.PausedAt = nil
	c.PausedBy = ""
	c.ResolvedAt = nil
	c.ResolvedBy = ""
}

// sameState compares the ownership fields, ignoring UpdatedAt and Version.
func sameState(a, b *types.Conversation) bool {
	return a.Status == b.Status &&
		a.AutomationPaused == b.AutomationPaused &&
		a.AssignedOperator == b.AssignedOperator &&
		a.PausedBy == b.PausedBy &&
		a.ResolvedBy == b.ResolvedBy &&
		timeEqual(a.PausedAt, b.PausedAt) &&
		timeEqual(a.ResolvedAt, b.ResolvedAt)
}

func timeEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
