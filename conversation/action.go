package conversation

import (
	"github.com/BaSui01/chatrelay/types"
)

// Action is an operator command against a conversation.
// The set is closed: values can only come from the package variables below
// or from ParseAction at a wire boundary.
type Action struct {
	name string
}

var (
	PauseAI      = Action{"pause_ai"}
	ResumeAI     = Action{"resume_ai"}
	ReturnToAI   = Action{"return_to_ai"}
	AssumeChat   = Action{"assume_chat"}
	AssignAgent  = Action{"assign_agent"}
	MarkResolved = Action{"mark_resolved"}
	ReopenChat   = Action{"reopen_chat"}
)

// Actions lists every known action.
var Actions = []Action{PauseAI, ResumeAI, ReturnToAI, AssumeChat, AssignAgent, MarkResolved, ReopenChat}

// String returns the wire name.
func (a Action) String() string { return a.name }

// IsZero reports whether a is the zero value.
func (a Action) IsZero() bool { return a.name == "" }

// ParseAction maps a wire name to an Action.
func ParseAction(name string) (Action, error) {
	for _, a := range Actions {
		if a.name == name {
			return a, nil
		}
	}
	return Action{}, types.Errorf(types.ErrInvalidAction, "unknown action %q", name)
}

// MarshalText implements encoding.TextMarshaler.
func (a Action) MarshalText() ([]byte, error) {
	return []byte(a.name), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Action) UnmarshalText(text []byte) error {
	parsed, err := ParseAction(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
