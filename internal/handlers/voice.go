package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/MegaGrindStone/ganapathi/internal/capture"
	"github.com/gorilla/websocket"
)

// HandleVoiceStream upgrades to a websocket and records from the microphone of the page on the
// other end. The page announces whether it acquired the device, then streams MediaRecorder
// chunks until it is told to stop.
func (m Main) HandleVoiceStream(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client.
		m.logger.Error("Failed to upgrade microphone stream", slog.String(errLoggerKey, err.Error()))
		return
	}

	// The recording outlives this handler, so it must not inherit the request context.
	err = m.voice.Start(context.Background(), capture.NewWebSocketMicrophone(conn))
	if err == nil {
		m.publishRecording(capture.VoiceRecording, 0)
		return
	}

	if errors.Is(err, capture.ErrAlreadyRecording) {
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error())
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = conn.Close()
	}
	// Microphone failures were already reported through the recorder's error hook.
	m.logger.Warn("Recording not started", slog.String(errLoggerKey, err.Error()))
}

// HandleVoiceStop finishes the current recording. The clip is dispatched once the page has
// flushed its last chunk.
func (m Main) HandleVoiceStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := m.voice.Stop(); err != nil {
		if errors.Is(err, capture.ErrNotRecording) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		m.logger.Error("Failed to stop recording", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
