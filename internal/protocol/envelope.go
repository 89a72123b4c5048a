package protocol

import (
	"fmt"
	"time"

	"github.com/luciancaetano/kephaschat"
)

// Envelope is a typed outbound message. Each envelope type has its own
// struct so the encoded shape carries exactly its fields.
type Envelope interface {
	EnvelopeType() string
}

// ErrorEnvelope reports a problem to a single sender.
type ErrorEnvelope struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// LoginSuccessEnvelope confirms a login to the new user.
type LoginSuccessEnvelope struct {
	Type     string   `json:"type"`
	Nickname string   `json:"nickname"`
	Users    []string `json:"users"`
}

// PresenceEnvelope announces a user joining or leaving.
type PresenceEnvelope struct {
	Type      string   `json:"type"`
	Nickname  string   `json:"nickname"`
	Message   string   `json:"message"`
	Users     []string `json:"users"`
	Timestamp string   `json:"timestamp"`
}

// ChatEnvelope carries one chat message.
type ChatEnvelope struct {
	Type      string `json:"type"`
	Username  string `json:"username"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

func (e ErrorEnvelope) EnvelopeType() string        { return e.Type }
func (e LoginSuccessEnvelope) EnvelopeType() string { return e.Type }
func (e PresenceEnvelope) EnvelopeType() string     { return e.Type }
func (e ChatEnvelope) EnvelopeType() string         { return e.Type }

// NewError builds an error envelope.
func NewError(message string) ErrorEnvelope {
	return ErrorEnvelope{Type: kephaschat.TypeError, Message: message}
}

// NewLoginSuccess builds the login confirmation sent to the new user.
func NewLoginSuccess(nickname string, users []string) LoginSuccessEnvelope {
	return LoginSuccessEnvelope{
		Type:     kephaschat.TypeLoginSuccess,
		Nickname: nickname,
		Users:    nonNil(users),
	}
}

// NewUserJoined builds the join notice broadcast to the other users.
func NewUserJoined(nickname string, users []string, at time.Time) PresenceEnvelope {
	return PresenceEnvelope{
		Type:      kephaschat.TypeUserJoined,
		Nickname:  nickname,
		Message:   fmt.Sprintf(kephaschat.JoinedNoticeFormat, nickname),
		Users:     nonNil(users),
		Timestamp: FormatTimestamp(at),
	}
}

// NewUserLeft builds the departure notice broadcast to the remaining users.
func NewUserLeft(nickname string, users []string, at time.Time) PresenceEnvelope {
	return PresenceEnvelope{
		Type:      kephaschat.TypeUserLeft,
		Nickname:  nickname,
		Message:   fmt.Sprintf(kephaschat.LeftNoticeFormat, nickname),
		Users:     nonNil(users),
		Timestamp: FormatTimestamp(at),
	}
}

// NewChat builds a chat message envelope.
func NewChat(username, text string, at time.Time) ChatEnvelope {
	return ChatEnvelope{
		Type:      kephaschat.TypeMessage,
		Username:  username,
		Message:   text,
		Timestamp: FormatTimestamp(at),
	}
}

// FormatTimestamp renders t as an ISO-8601 string.
func FormatTimestamp(t time.Time) string {
	return t.Format(time.RFC3339Nano)
}

// users is always encoded as an array, never null
func nonNil(users []string) []string {
	if users == nil {
		return []string{}
	}
	return users
}
