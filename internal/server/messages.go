package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/npezzotti/softtalk/internal/types"
)

var (
	ErrInvalidMessage       = errors.New("invalid message")
	ErrNotAuthenticated     = errors.New("not logged in")
	ErrAlreadyAuthenticated = errors.New("already logged in")
	ErrUnauthorized         = errors.New("identity token rejected")
	ErrNotInRoom            = errors.New("not a member of this room")
	ErrRateLimited          = errors.New("too many events")
)

// Error notice contexts.
const (
	ContextProtocol    = "protocol"
	ContextLogin       = "login"
	ContextJoinRoom    = "joinRoom"
	ContextLeaveRoom   = "leaveRoom"
	ContextSendMessage = "sendMessage"
	ContextInitChat    = "initChat"
	ContextGetAllUsers = "getAllUsers"
	ContextRateLimit   = "rateLimit"
)

// Message status values.
const (
	StatusOffline  = "offline"
	StatusNotFound = "not found"
)

const (
	systemHandle     = "System"
	systemExternalId = "system"
)

var validate = validator.New()

type BaseMessage struct {
	Id        int       `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ClientMessage is an inbound frame. Exactly one variant is set.
type ClientMessage struct {
	BaseMessage
	Login       *Login       `json:"login,omitempty"`
	JoinRoom    *JoinRoom    `json:"joinRoom,omitempty"`
	LeaveRoom   *LeaveRoom   `json:"leaveRoom,omitempty"`
	SendMessage *SendMessage `json:"sendMessage,omitempty"`
	InitChat    *InitChat    `json:"initChat,omitempty"`
	GetAllUsers *GetAllUsers `json:"getAllUsers,omitempty"`
}

type Login struct {
	DisplayName string `json:"displayName,omitempty" validate:"max=64"`
	ExternalId  string `json:"externalId" validate:"required,max=128"`
	Email       string `json:"email,omitempty" validate:"omitempty,email,max=254"`
	AvatarURL   string `json:"avatarURL,omitempty" validate:"omitempty,url,max=2048"`
	// Token is the identity provider's HS256 token, required when the server
	// has a signing key.
	Token string `json:"token,omitempty" validate:"max=4096"`
}

type JoinRoom struct {
	// Handle is informational, the joining identity is the logged in one.
	Handle string `json:"handle,omitempty" validate:"max=64"`
	Room   string `json:"room" validate:"required,max=64"`
}

type LeaveRoom struct {
	Room string `json:"room" validate:"required,max=64"`
}

// SendMessage carries either To (a handle) or Room.
type SendMessage struct {
	To   string `json:"to,omitempty" validate:"required_without=Room,excluded_with=Room,max=64"`
	Room string `json:"room,omitempty" validate:"required_without=To,max=64"`
	Text string `json:"text" validate:"required,max=2000"`
}

type InitChat struct {
	TargetHandle string `json:"targetHandle" validate:"required,max=128"`
}

type GetAllUsers struct{}

// DecodeClientMessage parses and validates an inbound frame. Frames with
// unknown keys, zero or several variants, or invalid payloads are rejected
// with an error wrapping ErrInvalidMessage.
func DecodeClientMessage(raw []byte) (*ClientMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()

	var msg ClientMessage
	if err := dec.Decode(&msg); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidMessage, err)
	}

	var payload any
	variants := 0
	for _, v := range []any{msg.Login, msg.JoinRoom, msg.LeaveRoom, msg.SendMessage, msg.InitChat, msg.GetAllUsers} {
		if !isNilVariant(v) {
			variants++
			payload = v
		}
	}

	switch variants {
	case 0:
		return &msg, fmt.Errorf("%w: no event", ErrInvalidMessage)
	case 1:
	default:
		return &msg, fmt.Errorf("%w: more than one event", ErrInvalidMessage)
	}

	if msg.SendMessage != nil {
		msg.SendMessage.Text = strings.TrimSpace(msg.SendMessage.Text)
	}

	if err := validate.Struct(payload); err != nil {
		var vErrs validator.ValidationErrors
		if errors.As(err, &vErrs) {
			first := vErrs[0]
			return &msg, fmt.Errorf("%w: field %s failed %q", ErrInvalidMessage, first.Field(), first.Tag())
		}
		return &msg, fmt.Errorf("%w: %s", ErrInvalidMessage, err)
	}

	return &msg, nil
}

func isNilVariant(v any) bool {
	switch p := v.(type) {
	case *Login:
		return p == nil
	case *JoinRoom:
		return p == nil
	case *LeaveRoom:
		return p == nil
	case *SendMessage:
		return p == nil
	case *InitChat:
		return p == nil
	case *GetAllUsers:
		return p == nil
	}
	return true
}

// ServerMessage is an outbound frame. Exactly one payload is set.
type ServerMessage struct {
	BaseMessage
	Message             *types.Message   `json:"message,omitempty"`
	PreviousMessages    *History         `json:"previousMessages,omitempty"`
	ConversationHistory *Conversations   `json:"conversationHistory,omitempty"`
	ActiveUsers         *UserList        `json:"activeUsers,omitempty"`
	AllUsers            *UserList        `json:"allUsers,omitempty"`
	RoomUsers           *RoomUsers       `json:"roomUsers,omitempty"`
	MessageStatus       *MessageStatus   `json:"messageStatus,omitempty"`
	UsernameChanged     *UsernameChanged `json:"usernameChanged,omitempty"`
	Error               *ErrorNotice     `json:"error,omitempty"`
}

type History struct {
	// Conversation is the peer handle for direct chats and the room name for rooms.
	Conversation string          `json:"conversation"`
	Room         bool            `json:"room,omitempty"`
	Messages     []types.Message `json:"messages"`
}

type Conversations struct {
	Conversations []types.Conversation `json:"conversations"`
}

type UserList struct {
	Users []types.Profile `json:"users"`
}

type RoomUsers struct {
	Room  string          `json:"room"`
	Users []types.Profile `json:"users"`
}

type MessageStatus struct {
	Status          string     `json:"status"`
	Text            string     `json:"text"`
	RecipientHandle string     `json:"recipientHandle"`
	LastSeen        *time.Time `json:"lastSeen,omitempty"`
}

type UsernameChanged struct {
	OldHandle string `json:"oldHandle"`
	NewHandle string `json:"newHandle"`
	Reason    string `json:"reason"`
}

type ErrorNotice struct {
	Context string `json:"context"`
	Message string `json:"message"`
}

func base(id int) BaseMessage {
	return BaseMessage{Id: id, Timestamp: Now()}
}

func NoErrMessage(id int, msg types.Message) *ServerMessage {
	return &ServerMessage{BaseMessage: base(id), Message: &msg}
}

func NoErrPreviousMessages(id int, conversation string, room bool, msgs []types.Message) *ServerMessage {
	if msgs == nil {
		msgs = []types.Message{}
	}
	return &ServerMessage{
		BaseMessage: base(id),
		PreviousMessages: &History{
			Conversation: conversation,
			Room:         room,
			Messages:     msgs,
		},
	}
}

func NoErrConversationHistory(id int, convs []types.Conversation) *ServerMessage {
	if convs == nil {
		convs = []types.Conversation{}
	}
	return &ServerMessage{
		BaseMessage:         base(id),
		ConversationHistory: &Conversations{Conversations: convs},
	}
}

func NoErrActiveUsers(users []types.Profile) *ServerMessage {
	return &ServerMessage{BaseMessage: base(0), ActiveUsers: &UserList{Users: nonNil(users)}}
}

func NoErrAllUsers(id int, users []types.Profile) *ServerMessage {
	return &ServerMessage{BaseMessage: base(id), AllUsers: &UserList{Users: nonNil(users)}}
}

func NoErrRoomUsers(id int, room string, users []types.Profile) *ServerMessage {
	return &ServerMessage{
		BaseMessage: base(id),
		RoomUsers:   &RoomUsers{Room: room, Users: nonNil(users)},
	}
}

func NoErrUsernameChanged(id int, oldHandle, newHandle string) *ServerMessage {
	return &ServerMessage{
		BaseMessage: base(id),
		UsernameChanged: &UsernameChanged{
			OldHandle: oldHandle,
			NewHandle: newHandle,
			Reason:    fmt.Sprintf("the name %q is already taken, you are now known as %q", oldHandle, newHandle),
		},
	}
}

// ErrRecipientOffline tells a sender that a direct message was stored but not delivered.
func ErrRecipientOffline(id int, text string, recipient types.Profile) *ServerMessage {
	status := &MessageStatus{
		Status:          StatusOffline,
		Text:            text,
		RecipientHandle: recipient.Handle,
	}
	if !recipient.LastSeen.IsZero() {
		lastSeen := recipient.LastSeen
		status.LastSeen = &lastSeen
	}
	return &ServerMessage{BaseMessage: base(id), MessageStatus: status}
}

func ErrRecipientNotFound(id int, text, handle string) *ServerMessage {
	return &ServerMessage{
		BaseMessage: base(id),
		MessageStatus: &MessageStatus{
			Status:          StatusNotFound,
			Text:            text,
			RecipientHandle: handle,
		},
	}
}

// ErrNotice reports a failed client event.
func ErrNotice(id int, context string, err error) *ServerMessage {
	return &ServerMessage{
		BaseMessage: base(id),
		Error: &ErrorNotice{
			Context: context,
			Message: err.Error(),
		},
	}
}

func nonNil(users []types.Profile) []types.Profile {
	if users == nil {
		return []types.Profile{}
	}
	return users
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
