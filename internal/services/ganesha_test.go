package services_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MegaGrindStone/ganapathi/internal/models"
	"github.com/MegaGrindStone/ganapathi/internal/services"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newGanesha(t *testing.T, h http.HandlerFunc) services.Ganesha {
	t.Helper()

	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	g, err := services.NewGanesha(srv.URL, 0, discardLogger())
	if err != nil {
		t.Fatalf("NewGanesha() error = %v", err)
	}
	return g
}

func TestNewGaneshaRejectsInvalidBaseURL(t *testing.T) {
	for _, raw := range []string{"", "localhost:5000", "://bad"} {
		if _, err := services.NewGanesha(raw, 0, discardLogger()); err == nil {
			t.Errorf("NewGanesha(%q) expected error", raw)
		}
	}
}

func TestTranscribe(t *testing.T) {
	var (
		gotSession  string
		gotAudio    []byte
		gotFilename string
	)
	g := newGanesha(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/transcribe" || r.Method != http.MethodPost {
			http.Error(w, "unexpected request", http.StatusNotFound)
			return
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		gotSession = r.FormValue("session_id")
		f, hdr, err := r.FormFile("audio")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer f.Close()
		gotFilename = hdr.Filename
		gotAudio, _ = io.ReadAll(f)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "r1",
			"transcription": "What is wisdom?",
			"ganesha_response": {"lang": "en", "blessing_open": "Om", "answer": "Wisdom is patience.",
				"blessing_close": "Peace", "refusal": false},
			"audio_url": "/audio/a.mp3"
		}`))
	})

	reply, err := g.Transcribe(context.Background(), models.AudioClip{Data: []byte("opus-bytes")}, "sess-1")
	if err != nil {
		t.Fatalf("Transcribe() error = %v", err)
	}

	if gotSession != "sess-1" {
		t.Errorf("session_id = %q, want %q", gotSession, "sess-1")
	}
	if string(gotAudio) != "opus-bytes" {
		t.Errorf("audio = %q, want %q", gotAudio, "opus-bytes")
	}
	if gotFilename != "recording.webm" {
		t.Errorf("filename = %q, want %q", gotFilename, "recording.webm")
	}
	if reply.Transcription != "What is wisdom?" {
		t.Errorf("Transcription = %q", reply.Transcription)
	}
	if reply.Response == nil || reply.Response.Answer != "Wisdom is patience." {
		t.Errorf("Response = %+v", reply.Response)
	}
	if want := g.BaseURL() + "/audio/a.mp3"; reply.AudioURL != want {
		t.Errorf("AudioURL = %q, want %q", reply.AudioURL, want)
	}
}

func TestSendText(t *testing.T) {
	var got struct {
		Message       string `json:"message"`
		SessionID     string `json:"session_id"`
		SpeakResponse bool   `json:"speak_response"`
	}
	g := newGanesha(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/text-message" {
			http.Error(w, "unexpected path", http.StatusNotFound)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"id": "r2", "ganesha_response": {"lang": "en", "answer": "Be still.", "refusal": false},
			"audio_url": "https://cdn.example.com/b.mp3"}`))
	})

	reply, err := g.SendText(context.Background(), "Hello", "sess-2", true)
	if err != nil {
		t.Fatalf("SendText() error = %v", err)
	}
	if got.Message != "Hello" || got.SessionID != "sess-2" || !got.SpeakResponse {
		t.Errorf("request body = %+v", got)
	}
	if reply.Response.Answer != "Be still." {
		t.Errorf("Answer = %q", reply.Response.Answer)
	}
	if reply.AudioURL != "https://cdn.example.com/b.mp3" {
		t.Errorf("AudioURL = %q", reply.AudioURL)
	}
}

func TestSendTextFailures(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		body        string
		wantInvalid bool
		wantDetails string
	}{
		{
			name:        "Missing answer",
			status:      http.StatusOK,
			body:        `{"id": "x", "ganesha_response": {"lang": "en", "refusal": false}}`,
			wantInvalid: true,
		},
		{
			name:        "Missing response",
			status:      http.StatusOK,
			body:        `{"id": "x"}`,
			wantInvalid: true,
		},
		{
			name:        "Malformed JSON",
			status:      http.StatusOK,
			body:        `{"id": `,
			wantInvalid: true,
		},
		{
			name:        "Server error with details",
			status:      http.StatusInternalServerError,
			body:        `{"details": "model overloaded"}`,
			wantDetails: "model overloaded",
		},
		{
			name:        "Server error without details",
			status:      http.StatusBadGateway,
			body:        `oops`,
			wantDetails: "Failed to send message",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newGanesha(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			_, err := g.SendText(context.Background(), "Hi", "s", false)
			if err == nil {
				t.Fatal("SendText() expected error")
			}
			if tt.wantInvalid && !errors.Is(err, services.ErrInvalidResponse) {
				t.Errorf("error = %v, want ErrInvalidResponse", err)
			}
			if tt.wantDetails != "" {
				var apiErr *services.APIError
				if !errors.As(err, &apiErr) {
					t.Fatalf("error = %v, want *APIError", err)
				}
				if apiErr.Details != tt.wantDetails || apiErr.StatusCode != tt.status {
					t.Errorf("APIError = %+v", apiErr)
				}
			}
		})
	}
}

func TestTranscribeRequiresTranscription(t *testing.T) {
	g := newGanesha(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"id": "x", "ganesha_response": {"answer": "Hm."}}`))
	})

	_, err := g.Transcribe(context.Background(), models.AudioClip{Data: []byte("a")}, "s")
	if !errors.Is(err, services.ErrInvalidResponse) {
		t.Errorf("Transcribe() error = %v, want ErrInvalidResponse", err)
	}
}

func TestNetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	g, err := services.NewGanesha(url, 0, discardLogger())
	if err != nil {
		t.Fatal(err)
	}

	_, err = g.SendText(context.Background(), "Hi", "s", false)
	if !errors.Is(err, services.ErrNetworkFailure) {
		t.Errorf("SendText() error = %v, want ErrNetworkFailure", err)
	}
}
