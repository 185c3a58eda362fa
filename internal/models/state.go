package models

import "time"

// AudioClip is a finalized voice recording ready to be sent for transcription.
type AudioClip struct {
	Data     []byte
	MIMEType string
	Filename string
	Duration time.Duration
}

// State is a point-in-time copy of the conversation state owned by the orchestrator.
type State struct {
	Messages     []Message
	IsLoading    bool
	IsSpeaking   bool
	IsTTSEnabled bool
}

// Last returns the most recent message, or nil for an empty log.
func (s State) Last() Message {
	if len(s.Messages) == 0 {
		return nil
	}
	return s.Messages[len(s.Messages)-1]
}
