package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/MegaGrindStone/ganapathi/internal/capture"
	"github.com/MegaGrindStone/ganapathi/internal/conversation"
	"github.com/MegaGrindStone/ganapathi/internal/playback"
)

// HandleTextMessage accepts a submitted text message. The text is trimmed and dispatched in the
// background; the reply reaches the page over SSE. Submissions are refused while a reply is
// pending.
func (m Main) HandleTextMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var text string
	tc := capture.NewTextCapturer(
		func(s string) { text = s },
		func() bool { return m.orchestrator.State().IsLoading },
	)
	tc.Update(r.FormValue("message"))

	if !tc.Submit() {
		if m.orchestrator.State().IsLoading {
			http.Error(w, busyAlert, http.StatusConflict)
			return
		}
		m.logger.Error("Message is required")
		http.Error(w, "Message is required", http.StatusBadRequest)
		return
	}

	// The user message is appended synchronously by HandleText before it blocks on the
	// network, so we dispatch in the background and let SSE carry both messages.
	go func() {
		if err := m.orchestrator.HandleText(context.Background(), text); err != nil {
			m.logger.Warn("Text message rejected", slog.String(errLoggerKey, err.Error()))
			if errors.Is(err, conversation.ErrBusy) {
				m.Alert(busyAlert)
			}
		}
	}()

	w.WriteHeader(http.StatusAccepted)
}

// HandleTTS toggles speech playback. It expects an "enabled" form field holding a boolean.
func (m Main) HandleTTS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	enabled, err := strconv.ParseBool(r.FormValue("enabled"))
	if err != nil {
		http.Error(w, "enabled must be a boolean", http.StatusBadRequest)
		return
	}

	m.orchestrator.SetTTSEnabled(enabled)
	w.WriteHeader(http.StatusNoContent)
}

// HandleReplay plays the audio response of the message named by the {id} path value again.
func (m Main) HandleReplay(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := r.PathValue("id")
	err := m.orchestrator.Replay(id)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, conversation.ErrMessageNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, conversation.ErrNoAudio):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		m.logger.Error("Failed to replay message",
			slog.String("messageID", id),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// HandlePlaybackEnded receives the page's report that the audio identified by the "token"
// form field finished.
func (m Main) HandlePlaybackEnded(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	m.playbackReport(w, m.playback.Ended(r.FormValue("token")))
}

// HandlePlaybackError receives the page's report that the audio identified by the "token" form
// field could not be played. The "reason" field carries the media error.
func (m Main) HandlePlaybackError(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	reason := r.FormValue("reason")
	if reason == "" {
		reason = "unknown media error"
	}
	m.playbackReport(w, m.playback.Failed(r.FormValue("token"), reason))
}

func (m Main) playbackReport(w http.ResponseWriter, err error) {
	if errors.Is(err, playback.ErrUnknownToken) {
		// A report for audio that has since been replaced.
		w.WriteHeader(http.StatusConflict)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
