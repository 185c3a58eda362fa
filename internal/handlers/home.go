package handlers

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/MegaGrindStone/ganapathi/internal/capture"
)

type homePageData struct {
	Messages     []messageView
	IsLoading    bool
	IsSpeaking   bool
	IsTTSEnabled bool
	Recording    bool

	Avatar       Avatar
	AvatarSource string
}

// HandleHome renders the page with the whole conversation so far.
func (m Main) HandleHome(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	state := m.orchestrator.State()

	msgs := make([]messageView, 0, len(state.Messages))
	for _, msg := range state.Messages {
		view, err := m.messageView(msg)
		if err != nil {
			m.logger.Error("Failed to render message",
				slog.String("message", fmt.Sprintf("%+v", msg)),
				slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		msgs = append(msgs, view)
	}

	data := homePageData{
		Messages:     msgs,
		IsLoading:    state.IsLoading,
		IsSpeaking:   state.IsSpeaking,
		IsTTSEnabled: state.IsTTSEnabled,
		Recording:    m.voice.State() != capture.VoiceIdle,
		Avatar:       m.avatar,
		AvatarSource: m.avatarSource(state.IsSpeaking),
	}

	if err := m.templates.ExecuteTemplate(w, "home.html", data); err != nil {
		m.logger.Error("Failed to execute home template", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// HandleHealth reports that the server is up.
func (m Main) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}
