package services

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/MegaGrindStone/ganapathi/internal/models"
	"github.com/google/uuid"
	goopenai "github.com/sashabaranov/go-openai"
)

// OpenAI is a self-hosted assistant backend built on the OpenAI API. It transcribes audio with
// Whisper, answers with a chat model in the persona's JSON shape and synthesizes the answer
// into the audio cache.
type OpenAI struct {
	model       string
	speechModel goopenai.SpeechModel
	voice       goopenai.SpeechVoice

	client  *goopenai.Client
	cache   AudioCache
	history *history

	logger *slog.Logger
}

// OpenAIParams configures the OpenAI backend. Empty fields select defaults.
type OpenAIParams struct {
	APIKey      string
	BaseURL     string
	Model       string
	SpeechModel string
	Voice       string
}

// NewOpenAI creates an OpenAI backend writing synthesized speech into cache.
func NewOpenAI(params OpenAIParams, cache AudioCache, logger *slog.Logger) OpenAI {
	cfg := goopenai.DefaultConfig(params.APIKey)
	if params.BaseURL != "" {
		cfg.BaseURL = params.BaseURL
	}

	model := params.Model
	if model == "" {
		model = goopenai.GPT4oMini
	}
	speechModel := goopenai.SpeechModel(params.SpeechModel)
	if speechModel == "" {
		speechModel = goopenai.TTSModel1
	}
	voice := goopenai.SpeechVoice(params.Voice)
	if voice == "" {
		voice = goopenai.VoiceOnyx
	}

	return OpenAI{
		model:       model,
		speechModel: speechModel,
		voice:       voice,
		client:      goopenai.NewClientWithConfig(cfg),
		cache:       cache,
		history:     newHistory(),
		logger:      logger.With(slog.String("module", "openai")),
	}
}

// Transcribe converts clip to text and answers it. Speech is always synthesized for voice
// input, matching the remote service.
func (o OpenAI) Transcribe(ctx context.Context, clip models.AudioClip, sessionID string) (models.Reply, error) {
	filename := clip.Filename
	if filename == "" {
		filename = defaultClipFilename
	}

	res, err := o.client.CreateTranscription(ctx, goopenai.AudioRequest{
		Model:    goopenai.Whisper1,
		FilePath: filename,
		Reader:   bytes.NewReader(clip.Data),
	})
	if err != nil {
		return models.Reply{}, fmt.Errorf("%w: error transcribing audio: %w", ErrNetworkFailure, err)
	}

	transcription := strings.TrimSpace(res.Text)
	if transcription == "" {
		return models.Reply{}, fmt.Errorf("%w: empty transcription", ErrInvalidResponse)
	}

	reply, err := o.answer(ctx, transcription, sessionID, true)
	if err != nil {
		return models.Reply{}, err
	}
	reply.Transcription = transcription
	return reply, nil
}

// SendText answers text, synthesizing speech only when speak is set.
func (o OpenAI) SendText(ctx context.Context, text, sessionID string, speak bool) (models.Reply, error) {
	return o.answer(ctx, text, sessionID, speak)
}

func (o OpenAI) answer(ctx context.Context, text, sessionID string, speak bool) (models.Reply, error) {
	msgs := []goopenai.ChatCompletionMessage{
		{Role: goopenai.ChatMessageRoleSystem, Content: PersonaPrompt},
	}
	for _, t := range o.history.get(sessionID) {
		msgs = append(msgs, goopenai.ChatCompletionMessage{Role: t.role, Content: t.content})
	}
	msgs = append(msgs, goopenai.ChatCompletionMessage{Role: goopenai.ChatMessageRoleUser, Content: text})

	resp, err := o.client.CreateChatCompletion(ctx, goopenai.ChatCompletionRequest{
		Model:    o.model,
		Messages: msgs,
		ResponseFormat: &goopenai.ChatCompletionResponseFormat{
			Type: goopenai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return models.Reply{}, fmt.Errorf("%w: error creating completion: %w", ErrNetworkFailure, err)
	}
	if len(resp.Choices) == 0 {
		return models.Reply{}, fmt.Errorf("%w: completion has no choices", ErrInvalidResponse)
	}

	content := resp.Choices[0].Message.Content
	ar, err := parseAssistantResponse(content)
	if err != nil {
		return models.Reply{}, err
	}

	o.history.add(sessionID,
		turn{role: goopenai.ChatMessageRoleUser, content: text},
		turn{role: goopenai.ChatMessageRoleAssistant, content: content},
	)

	reply := models.Reply{
		ID:       uuid.New().String(),
		Response: &ar,
	}
	if speak {
		reply.AudioURL = o.speak(ctx, ar)
	}
	return reply, nil
}

// speak synthesizes the reply. A failure only costs the audio, never the answer.
func (o OpenAI) speak(ctx context.Context, ar models.AssistantResponse) string {
	input := strings.TrimSpace(strings.Join([]string{ar.BlessingOpen, ar.Answer, ar.BlessingClose}, " "))

	res, err := o.client.CreateSpeech(ctx, goopenai.CreateSpeechRequest{
		Model:          o.speechModel,
		Input:          input,
		Voice:          o.voice,
		ResponseFormat: goopenai.SpeechResponseFormatMp3,
	})
	if err != nil {
		o.logger.Error("Failed to synthesize speech", slog.String(errLoggerKey, err.Error()))
		return ""
	}
	defer res.Close()

	audioURL, err := o.cache.Save(res, string(goopenai.SpeechResponseFormatMp3))
	if err != nil {
		o.logger.Error("Failed to store speech", slog.String(errLoggerKey, err.Error()))
		return ""
	}
	return audioURL
}
