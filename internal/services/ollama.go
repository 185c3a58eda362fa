package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/MegaGrindStone/ganapathi/internal/models"
	"github.com/google/uuid"
	"github.com/ollama/ollama/api"
)

// Ollama is a text-only self-hosted assistant backend. It cannot transcribe or synthesize,
// so voice input degrades to the usual apology and replies never carry audio.
type Ollama struct {
	model string

	client  *api.Client
	history *history

	logger *slog.Logger
}

const defaultOllamaHost = "http://127.0.0.1:11434"

// NewOllama creates an Ollama backend talking to the server at host. An empty host selects the
// local default.
func NewOllama(host, model string, logger *slog.Logger) (Ollama, error) {
	if host == "" {
		host = defaultOllamaHost
	}
	u, err := url.Parse(host)
	if err != nil {
		return Ollama{}, fmt.Errorf("invalid ollama host %q: %w", host, err)
	}
	if model == "" {
		return Ollama{}, fmt.Errorf("model is required")
	}

	return Ollama{
		model:   model,
		client:  api.NewClient(u, &http.Client{}),
		history: newHistory(),
		logger:  logger.With(slog.String("module", "ollama")),
	}, nil
}

// Transcribe always fails with ErrTranscriptionUnsupported.
func (o Ollama) Transcribe(context.Context, models.AudioClip, string) (models.Reply, error) {
	return models.Reply{}, ErrTranscriptionUnsupported
}

// SendText answers text. The speak hint is ignored because no speech is produced.
func (o Ollama) SendText(ctx context.Context, text, sessionID string, _ bool) (models.Reply, error) {
	msgs := []api.Message{{Role: "system", Content: PersonaPrompt}}
	for _, t := range o.history.get(sessionID) {
		msgs = append(msgs, api.Message{Role: t.role, Content: t.content})
	}
	msgs = append(msgs, api.Message{Role: "user", Content: text})

	f := false
	req := api.ChatRequest{
		Model:    o.model,
		Messages: msgs,
		Stream:   &f,
		Format:   json.RawMessage(`"json"`),
	}

	var content string
	if err := o.client.Chat(ctx, &req, func(res api.ChatResponse) error {
		content += res.Message.Content
		return nil
	}); err != nil {
		return models.Reply{}, fmt.Errorf("%w: error sending request: %w", ErrNetworkFailure, err)
	}

	ar, err := parseAssistantResponse(content)
	if err != nil {
		return models.Reply{}, err
	}

	o.history.add(sessionID,
		turn{role: "user", content: text},
		turn{role: "assistant", content: content},
	)
	o.logger.Debug("Ollama answered", slog.String("sessionID", sessionID))

	return models.Reply{
		ID:       uuid.New().String(),
		Response: &ar,
	}, nil
}
