package types

import "time"

// Direction tells whether a message came from the contact or was sent to it.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// DeliveryStatus only ever advances: sent -> delivered -> read.
type DeliveryStatus string

const (
	DeliverySent      DeliveryStatus = "sent"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryRead      DeliveryStatus = "read"
)

func (d DeliveryStatus) rank() int {
	switch d {
	case DeliverySent:
		return 1
	case DeliveryDelivered:
		return 2
	case DeliveryRead:
		return 3
	}
	return 0
}

// Valid reports whether d is a known delivery status.
func (d DeliveryStatus) Valid() bool {
	return d.rank() > 0
}

// CanAdvanceTo reports whether moving from d to next keeps the status monotonic.
// Staying in place is allowed.
func (d DeliveryStatus) CanAdvanceTo(next DeliveryStatus) bool {
	return next.Valid() && next.rank() >= d.rank()
}

// ActorKind distinguishes operator reactions from automated ones.
type ActorKind string

const (
	ActorOperator   ActorKind = "operator"
	ActorAutomation ActorKind = "automation"
)

// Reaction is an emoji attached to a single message.
type Reaction struct {
	Emoji        string    `json:"emoji" bson:"emoji"`
	Actor        string    `json:"actor" bson:"actor"`
	ActorKind    ActorKind `json:"actor_kind" bson:"actor_kind"`
	IsOwnMessage bool      `json:"is_own_message" bson:"is_own_message"`
	Timestamp    time.Time `json:"timestamp" bson:"timestamp"`
}

// SameAs reports whether two reactions are the same emoji from the same actor
// of the same kind. Timestamps are ignored.
func (r Reaction) SameAs(other Reaction) bool {
	return r.Emoji == other.Emoji && r.ActorKind == other.ActorKind && r.Actor == other.Actor
}

// Message belongs to exactly one conversation.
type Message struct {
	ID             string         `json:"id" bson:"id"`
	ConversationID string         `json:"conversation_id" bson:"conversation_id"`
	Direction      Direction      `json:"direction" bson:"direction"`
	Text           string         `json:"text" bson:"text"`
	DeliveryStatus DeliveryStatus `json:"delivery_status" bson:"delivery_status"`
	ReadAt         *time.Time     `json:"read_at,omitempty" bson:"read_at,omitempty"`
	Reactions      []Reaction     `json:"reactions,omitempty" bson:"reactions,omitempty"`
	CreatedAt      time.Time      `json:"created_at" bson:"created_at"`
}

// Clone returns a deep copy.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	cp := *m
	cp.ReadAt = cloneTime(m.ReadAt)
	if m.Reactions != nil {
		cp.Reactions = append([]Reaction(nil), m.Reactions...)
	}
	return &cp
}

// HasReaction reports whether an identical reaction is already attached.
func (m *Message) HasReaction(r Reaction) bool {
	for _, existing := range m.Reactions {
		if existing.SameAs(r) {
			return true
		}
	}
	return false
}

// Unread reports whether an inbound message still awaits a read receipt.
func (m *Message) Unread() bool {
	return m.Direction == DirectionInbound &&
		(m.DeliveryStatus == DeliverySent || m.DeliveryStatus == DeliveryDelivered)
}

// MessageUpdate advances the delivery status of one message inside a batch.
type MessageUpdate struct {
	MessageID      string         `json:"message_id"`
	DeliveryStatus DeliveryStatus `json:"delivery_status"`
	At             time.Time      `json:"at"`
}
