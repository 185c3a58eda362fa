package models

import (
	"time"
)

// Message is one entry of the conversation log. It is a closed union of UserMessage and
// AssistantMessage; callers switch on the concrete type to access variant data. Messages are
// immutable once created.
type Message interface {
	MessageID() string
	MessageTime() time.Time
	// Content returns the text shown as the message body: the literal user input for a user
	// message, the answer for an assistant message.
	Content() string

	isMessage()
}

// UserMessage is a message authored by the user, either typed or transcribed from voice.
type UserMessage struct {
	ID        string
	Text      string
	Timestamp time.Time
	IsVoice   bool
}

// AssistantMessage is a reply from the assistant. AudioURL is empty when the reply carries no
// synthesized speech.
type AssistantMessage struct {
	ID        string
	Timestamp time.Time
	Response  AssistantResponse
	AudioURL  string
}

// Role names the author of a message. It is used by presentations to pick a layout.
type Role string

const (
	// RoleUser marks messages written or spoken by the user.
	RoleUser Role = "user"
	// RoleAssistant marks messages produced by the assistant service.
	RoleAssistant Role = "assistant"
)

// WelcomeMessageID is the fixed id of the synthetic greeting that opens every conversation.
const WelcomeMessageID = "welcome"

func (m UserMessage) MessageID() string      { return m.ID }
func (m UserMessage) MessageTime() time.Time { return m.Timestamp }
func (m UserMessage) Content() string        { return m.Text }
func (UserMessage) isMessage()               {}

func (m AssistantMessage) MessageID() string      { return m.ID }
func (m AssistantMessage) MessageTime() time.Time { return m.Timestamp }
func (m AssistantMessage) Content() string        { return m.Response.Answer }
func (AssistantMessage) isMessage()               {}

// RoleOf reports the author role of msg.
func RoleOf(msg Message) Role {
	if _, ok := msg.(UserMessage); ok {
		return RoleUser
	}
	return RoleAssistant
}

// WelcomeMessage returns the greeting placed in the log when a conversation is mounted.
func WelcomeMessage(now time.Time) AssistantMessage {
	return AssistantMessage{
		ID:        WelcomeMessageID,
		Timestamp: now,
		Response: AssistantResponse{
			Lang:         "en",
			BlessingOpen: "Om Gam Ganapataye Namaha",
			Answer: "Welcome to my divine presence. I am here to remove obstacles and guide you on " +
				"your spiritual journey. You may speak to me or type your questions.",
			BlessingClose: "May wisdom and prosperity be with you",
		},
	}
}
