package models

import (
	"errors"
	"strings"
)

// AssistantResponse is the structured reply produced by the assistant service. Answer is
// always present on success. A refusal is informational: it is still rendered as a normal
// message.
type AssistantResponse struct {
	Lang          string `json:"lang"`
	BlessingOpen  string `json:"blessing_open"`
	Answer        string `json:"answer"`
	BlessingClose string `json:"blessing_close"`
	Refusal       bool   `json:"refusal"`
	RefusalReason string `json:"refusal_reason,omitempty"`
}

// Reply is the payload returned by both the transcription and the text message endpoints.
// Transcription is only filled by the transcription endpoint.
type Reply struct {
	ID            string             `json:"id"`
	Transcription string             `json:"transcription,omitempty"`
	Response      *AssistantResponse `json:"ganesha_response"`
	AudioURL      string             `json:"audio_url,omitempty"`
}

var (
	errMissingResponse      = errors.New("missing ganesha_response")
	errMissingAnswer        = errors.New("missing ganesha_response.answer")
	errMissingTranscription = errors.New("missing transcription")
)

// Validate reports whether r carries the fields every reply needs. When withTranscription is
// true the transcription must be present as well.
func (r Reply) Validate(withTranscription bool) error {
	if r.Response == nil {
		return errMissingResponse
	}
	if strings.TrimSpace(r.Response.Answer) == "" {
		return errMissingAnswer
	}
	if withTranscription && strings.TrimSpace(r.Transcription) == "" {
		return errMissingTranscription
	}
	return nil
}
