package handlers

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"strings"
	"time"

	ganapathi "github.com/MegaGrindStone/ganapathi"
	"github.com/MegaGrindStone/ganapathi/internal/capture"
	"github.com/MegaGrindStone/ganapathi/internal/conversation"
	"github.com/MegaGrindStone/ganapathi/internal/models"
	"github.com/gorilla/websocket"
	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting"
	"github.com/yuin/goldmark/extension"
)

// Orchestrator is the conversation state machine the page drives.
type Orchestrator interface {
	HandleText(ctx context.Context, text string) error
	HandleVoice(ctx context.Context, clip models.AudioClip) error
	SetTTSEnabled(enabled bool)
	BeginRecording()
	Replay(id string) error
	State() models.State
	Subscribe(fn func(conversation.Event)) func()
}

// VoiceRecorder records clips from a microphone and reports them through its hooks.
type VoiceRecorder interface {
	Start(ctx context.Context, mic capture.Microphone) error
	Stop() error
	State() capture.VoiceState
	OnStart(fn func())
	OnComplete(fn func(models.AudioClip))
	OnError(fn func(error))
	OnTick(fn func(time.Duration))
}

// PlaybackReporter receives the page's reports about audio it was asked to play.
type PlaybackReporter interface {
	Ended(token string) error
	Failed(token, reason string) error
}

// Avatar holds the two animation loops the avatar switches between.
type Avatar struct {
	Idle     string
	Speaking string
}

// Main serves the page and translates its requests into conversation intents. Conversation
// changes are pushed back to the page through the Broadcaster.
type Main struct {
	broadcaster *Broadcaster
	templates   *template.Template
	markdown    goldmark.Markdown
	upgrader    *websocket.Upgrader

	orchestrator Orchestrator
	voice        VoiceRecorder
	playback     PlaybackReporter
	avatar       Avatar

	logger *slog.Logger
}

const (
	errLoggerKey = "err"

	microphoneAlert = "Could not access microphone. Please check permissions."
	busyAlert       = "Ganesha is still responding. Please wait a moment."
)

// NewMain creates a Main and subscribes it to the conversation and the voice recorder. It
// parses the page templates from the embedded filesystem.
func NewMain(
	orchestrator Orchestrator,
	voice VoiceRecorder,
	playback PlaybackReporter,
	broadcaster *Broadcaster,
	avatar Avatar,
	logger *slog.Logger,
) (Main, error) {
	// We parse templates from three distinct directories to separate layout, pages, and partial views
	tmpl, err := template.New("").Funcs(template.FuncMap{
		"clock": func(t time.Time) string { return t.Format("15:04") },
	}).ParseFS(
		ganapathi.TemplateFS,
		"templates/layout/*.html",
		"templates/pages/*.html",
		"templates/partials/*.html",
	)
	if err != nil {
		return Main{}, fmt.Errorf("failed to parse templates: %w", err)
	}

	m := Main{
		broadcaster: broadcaster,
		templates:   tmpl,
		markdown: goldmark.New(
			goldmark.WithExtensions(
				extension.GFM,
				highlighting.NewHighlighting(highlighting.WithStyle("monokai")),
			),
		),
		upgrader: &websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 1024,
		},
		orchestrator: orchestrator,
		voice:        voice,
		playback:     playback,
		avatar:       avatar,
		logger:       logger.With(slog.String("module", "main")),
	}

	orchestrator.Subscribe(m.publishEvent)

	voice.OnStart(orchestrator.BeginRecording)
	voice.OnComplete(m.handleClip)
	voice.OnError(func(err error) {
		m.publishRecording(capture.VoiceIdle, 0)
		if errors.Is(err, capture.ErrPermissionDenied) || errors.Is(err, capture.ErrDeviceUnavailable) {
			m.Alert(microphoneAlert)
		}
	})
	voice.OnTick(func(d time.Duration) {
		m.publishRecording(capture.VoiceRecording, d)
	})

	return m, nil
}

// Alert shows a blocking notification on every open page.
func (m Main) Alert(text string) {
	if err := m.broadcaster.publish(alertSSEType, text); err != nil {
		m.logger.Error("Failed to publish alert", slog.String(errLoggerKey, err.Error()))
	}
}

// Shutdown closes the event stream of every open page.
func (m Main) Shutdown(ctx context.Context) error {
	return m.broadcaster.Shutdown(ctx)
}

func (m Main) handleClip(clip models.AudioClip) {
	m.publishRecording(capture.VoiceIdle, 0)

	if err := m.orchestrator.HandleVoice(context.Background(), clip); err != nil {
		m.logger.Warn("Voice message rejected", slog.String(errLoggerKey, err.Error()))
		if errors.Is(err, conversation.ErrBusy) {
			m.Alert(busyAlert)
		}
	}
}

type stateEvent struct {
	IsLoading    bool `json:"isLoading"`
	IsSpeaking   bool `json:"isSpeaking"`
	IsTTSEnabled bool `json:"isTtsEnabled"`
}

type recordingEvent struct {
	State   string `json:"state"`
	Elapsed string `json:"elapsed"`
}

func (m Main) publishEvent(ev conversation.Event) {
	switch ev.Kind {
	case conversation.EventMessage:
		html, err := m.renderMessage(ev.Message)
		if err != nil {
			m.logger.Error("Failed to render message",
				slog.String("messageID", ev.Message.MessageID()),
				slog.String(errLoggerKey, err.Error()))
			return
		}
		if err := m.broadcaster.publish(messagesSSEType, html); err != nil {
			m.logger.Error("Failed to publish message", slog.String(errLoggerKey, err.Error()))
		}
		return
	case conversation.EventSpeaking:
		if err := m.broadcaster.publish(avatarSSEType, m.avatarSource(ev.State.IsSpeaking)); err != nil {
			m.logger.Error("Failed to publish avatar", slog.String(errLoggerKey, err.Error()))
		}
	}

	err := m.broadcaster.publishJSON(stateSSEType, stateEvent{
		IsLoading:    ev.State.IsLoading,
		IsSpeaking:   ev.State.IsSpeaking,
		IsTTSEnabled: ev.State.IsTTSEnabled,
	})
	if err != nil {
		m.logger.Error("Failed to publish state", slog.String(errLoggerKey, err.Error()))
	}
}

func (m Main) publishRecording(state capture.VoiceState, elapsed time.Duration) {
	err := m.broadcaster.publishJSON(recordingSSEType, recordingEvent{
		State:   state.String(),
		Elapsed: capture.FormatElapsed(elapsed),
	})
	if err != nil {
		m.logger.Error("Failed to publish recording state", slog.String(errLoggerKey, err.Error()))
	}
}

// avatarSource selects the animation loop for the speaking flag.
func (m Main) avatarSource(speaking bool) string {
	if speaking {
		return m.avatar.Speaking
	}
	return m.avatar.Idle
}

type messageView struct {
	ID        string
	Role      string
	Timestamp time.Time

	// Text is set for user messages.
	Text    string
	IsVoice bool

	// The rest is set for assistant messages.
	BlessingOpen  string
	Answer        template.HTML
	BlessingClose string
	Refusal       bool
	RefusalReason string
	AudioURL      string
}

func (m Main) messageView(msg models.Message) (messageView, error) {
	switch msg := msg.(type) {
	case models.UserMessage:
		return messageView{
			ID:        msg.ID,
			Role:      string(models.RoleOf(msg)),
			Timestamp: msg.Timestamp,
			Text:      msg.Text,
			IsVoice:   msg.IsVoice,
		}, nil
	case models.AssistantMessage:
		// goldmark omits raw HTML unless rendered with html.WithUnsafe.
		var sb strings.Builder
		if err := m.markdown.Convert([]byte(msg.Response.Answer), &sb); err != nil {
			return messageView{}, fmt.Errorf("failed to render answer: %w", err)
		}
		return messageView{
			ID:            msg.ID,
			Role:          string(models.RoleOf(msg)),
			Timestamp:     msg.Timestamp,
			BlessingOpen:  msg.Response.BlessingOpen,
			Answer:        template.HTML(sb.String()),
			BlessingClose: msg.Response.BlessingClose,
			Refusal:       msg.Response.Refusal,
			RefusalReason: msg.Response.RefusalReason,
			AudioURL:      msg.AudioURL,
		}, nil
	default:
		return messageView{}, fmt.Errorf("unknown message type %T", msg)
	}
}

func (m Main) renderMessage(msg models.Message) (string, error) {
	view, err := m.messageView(msg)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	if err := m.templates.ExecuteTemplate(&sb, "message", view); err != nil {
		return "", fmt.Errorf("failed to execute message template: %w", err)
	}
	return sb.String(), nil
}
