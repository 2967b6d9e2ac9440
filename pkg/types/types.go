package types

import (
	"time"
)

// MessageType values stored with every chat message
// ARCHITECTURAL DISCOVERY: System messages (join/left) share the message table
// with user messages so message ids stay dense per group
type MessageType int

const (
	MessageTypeText MessageType = iota
	MessageTypeJoinGroup
	MessageTypeLeftGroup
	MessageTypeImage
	MessageTypeFileShare
)

// IsUserMessage reports whether clients may send this type directly
func (t MessageType) IsUserMessage() bool {
	return t == MessageTypeText || t == MessageTypeImage || t == MessageTypeFileShare
}

// User is an account as seen by other users
type User struct {
	ID       int64     `json:"userId"`
	Email    string    `json:"email,omitempty"`
	Nickname string    `json:"nickname"`
	Picture  string    `json:"picture,omitempty"`
	LastSeen time.Time `json:"lastSeen"`
}

// Account carries the credential columns that never leave the server
type Account struct {
	User
	PasswordHash string `json:"-"`
}

// Group is a chat group. Contact groups are the implicit two-member groups
// created by joinContactChat.
type Group struct {
	ID        int64     `json:"groupId"`
	Name      string    `json:"name"`
	IsContact bool      `json:"isContactGroup"`
	CreatedAt time.Time `json:"createdAt"`
	Members   []*Member `json:"members,omitempty"`
	// Per requesting user
	NbNewMessages int64 `json:"nbNewMessages"`
	LastMessageID int64 `json:"lastMessageId"`
}

// Member is a row of group membership.
// FUNCTIONAL DISCOVERY: AckStart is the ack floor; messages before the member
// joined can never be acknowledged by them
type Member struct {
	GroupID       int64  `json:"groupId"`
	UserID        int64  `json:"userId"`
	Nickname      string `json:"nickname,omitempty"`
	AckStart      int64  `json:"ackStart"`
	NbNewMessages int64  `json:"nbNewMessages"`
}

// Message is a persisted chat message
type Message struct {
	GroupID    int64       `json:"groupId"`
	MessageID  int64       `json:"messageId"`
	UserID     int64       `json:"userId"`
	Type       MessageType `json:"type"`
	Content    string      `json:"content"`
	Importance int         `json:"importance"`
	Location   *Location   `json:"location,omitempty"`
	NbRead     int64       `json:"nbread"`
	Date       time.Time   `json:"date"`
}

// Location attached to a message or an event
type Location struct {
	Lat float64 `json:"lat" validate:"gte=-90,lte=90"`
	Lng float64 `json:"lng" validate:"gte=-180,lte=180"`
}

// Contact links two accounts; GroupID is zero until a contact chat exists
type Contact struct {
	UserID    int64 `json:"userId"`
	ContactID int64 `json:"contactId"`
	GroupID   int64 `json:"groupId,omitempty"`
	User      *User `json:"user,omitempty"`
}

// JoinRecord is an entry of the member join history of a group
type JoinRecord struct {
	GroupID   int64 `json:"groupId"`
	UserID    int64 `json:"userId"`
	MessageID int64 `json:"messageId"`
}

// Event is a scheduled meetup that turns into a group when it starts
type Event struct {
	ID                int64          `json:"eventId"`
	Name              string         `json:"name"`
	Description       string         `json:"description"`
	CreatorID         int64          `json:"creatorId"`
	Date              time.Time      `json:"date"`
	NbParticipantsMax int            `json:"nbParticipantsMax"`
	Started           bool           `json:"started"`
	GroupID           int64          `json:"groupId,omitempty"`
	Location          *Location      `json:"location,omitempty"`
	Participants      []*Participant `json:"participants,omitempty"`
}

// Participant of an event; Acked is set once the invitation is accepted
type Participant struct {
	EventID int64 `json:"eventId"`
	UserID  int64 `json:"userId"`
	Acked   bool  `json:"acked"`
}

// AckRange is an inclusive range of message ids
type AckRange struct {
	Start int64 `json:"ackStart"`
	End   int64 `json:"ackEnd"`
}

// Len returns the number of message ids covered by the range
func (r AckRange) Len() int64 {
	return r.End - r.Start + 1
}
