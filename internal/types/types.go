package types

import (
	"time"

	"github.com/google/uuid"
)

// Profile is the persisted identity record of a user. Handle is the
// user-visible name, ExternalId the identity provider's stable id.
type Profile struct {
	Handle       string    `json:"handle"`
	ExternalId   string    `json:"externalId"`
	Email        string    `json:"email,omitempty"`
	DisplayPhoto string    `json:"displayPhoto"`
	LastSeen     time.Time `json:"lastSeen"`
	Online       bool      `json:"online"`
}

type Message struct {
	Id               string `json:"id"`
	SenderHandle     string `json:"senderHandle"`
	SenderExternalId string `json:"senderExternalId"`
	SenderPhoto      string `json:"senderPhoto,omitempty"`
	// Recipient is a handle for direct messages and a room name for room messages.
	Recipient           string `json:"recipient"`
	RecipientExternalId string `json:"recipientExternalId,omitempty"`
	Room                bool   `json:"room,omitempty"`
	Text                string `json:"text"`
	CreatedAt           string `json:"createdAt"`
	TimestampMs         int64  `json:"timestampMs"`
}

// NewMessage stamps a message with a fresh id and the given wall clock time.
func NewMessage(sender Profile, recipient, text string, now time.Time) Message {
	return Message{
		Id:               uuid.NewString(),
		SenderHandle:     sender.Handle,
		SenderExternalId: sender.ExternalId,
		SenderPhoto:      sender.DisplayPhoto,
		Recipient:        recipient,
		Text:             text,
		CreatedAt:        now.Format(time.Kitchen),
		TimestampMs:      now.UnixMilli(),
	}
}

// Conversation is one entry of a user's conversation list.
type Conversation struct {
	Kind string `json:"kind"`
	// Room is set for room conversations, Peer for direct ones.
	Room string   `json:"room,omitempty"`
	Peer *Profile `json:"peer,omitempty"`
}

const (
	ConversationDirect = "direct"
	ConversationRoom   = "room"
)
