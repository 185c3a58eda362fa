package capture_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MegaGrindStone/ganapathi/internal/capture"
	"github.com/MegaGrindStone/ganapathi/internal/models"
	"github.com/gorilla/websocket"
)

type control struct {
	Type     string `json:"type"`
	MIMEType string `json:"mimeType,omitempty"`
	Name     string `json:"name,omitempty"`
	Message  string `json:"message,omitempty"`
}

// newMicrophoneServer upgrades every request and starts recording from it with v. The result
// of Start is delivered on the returned channel.
func newMicrophoneServer(t *testing.T, v *capture.VoiceCapturer) (*httptest.Server, <-chan error) {
	t.Helper()

	started := make(chan error, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			started <- err
			return
		}
		started <- v.Start(context.Background(), capture.NewWebSocketMicrophone(conn))
	}))
	t.Cleanup(srv.Close)
	return srv, started
}

func dialMicrophone(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func waitStarted(t *testing.T, started <-chan error) error {
	t.Helper()

	select {
	case err := <-started:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("Start() did not return")
		return nil
	}
}

func TestWebSocketMicrophoneRecordsClip(t *testing.T) {
	v := capture.NewVoiceCapturer(discardLogger(), capture.WithTickInterval(0))
	clips := make(chan models.AudioClip, 1)
	v.OnComplete(func(clip models.AudioClip) { clips <- clip })

	srv, started := newMicrophoneServer(t, v)
	conn := dialMicrophone(t, srv)

	if err := conn.WriteJSON(control{Type: "start", MIMEType: "audio/webm;codecs=opus"}); err != nil {
		t.Fatal(err)
	}
	if err := waitStarted(t, started); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if v.State() != capture.VoiceRecording {
		t.Fatalf("State() = %v, want recording", v.State())
	}

	for _, chunk := range []string{"ab", "cd"} {
		if err := conn.WriteMessage(websocket.BinaryMessage, []byte(chunk)); err != nil {
			t.Fatal(err)
		}
	}

	// The page answers the stop request by flushing its last chunk and confirming.
	go func() {
		for {
			typ, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var ctrl control
			if typ != websocket.TextMessage || json.Unmarshal(data, &ctrl) != nil || ctrl.Type != "stop" {
				continue
			}
			_ = conn.WriteMessage(websocket.BinaryMessage, []byte("ef"))
			_ = conn.WriteJSON(control{Type: "stop"})
		}
	}()

	if err := v.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	select {
	case clip := <-clips:
		if string(clip.Data) != "abcdef" {
			t.Errorf("clip data = %q, want %q", clip.Data, "abcdef")
		}
		if clip.MIMEType != "audio/webm" {
			t.Errorf("clip MIME type = %q, want audio/webm", clip.MIMEType)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no clip delivered")
	}

	if v.State() != capture.VoiceIdle {
		t.Errorf("State() = %v after stop, want idle", v.State())
	}
}

func TestWebSocketMicrophoneHandshakeErrors(t *testing.T) {
	tests := []struct {
		name    string
		ctrl    control
		wantErr error
	}{
		{
			name:    "Permission denied",
			ctrl:    control{Type: "error", Name: "NotAllowedError", Message: "denied"},
			wantErr: capture.ErrPermissionDenied,
		},
		{
			name:    "Insecure context",
			ctrl:    control{Type: "error", Name: "SecurityError", Message: "insecure"},
			wantErr: capture.ErrPermissionDenied,
		},
		{
			name:    "No device",
			ctrl:    control{Type: "error", Name: "NotFoundError", Message: "no microphone"},
			wantErr: capture.ErrDeviceUnavailable,
		},
		{
			name:    "Unexpected message",
			ctrl:    control{Type: "hello"},
			wantErr: capture.ErrDeviceUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := capture.NewVoiceCapturer(discardLogger(), capture.WithTickInterval(0))
			hookErrs := make(chan error, 1)
			v.OnError(func(err error) { hookErrs <- err })

			srv, started := newMicrophoneServer(t, v)
			conn := dialMicrophone(t, srv)

			if err := conn.WriteJSON(tt.ctrl); err != nil {
				t.Fatal(err)
			}

			err := waitStarted(t, started)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Start() error = %v, want %v", err, tt.wantErr)
			}
			if tt.ctrl.Message != "" && !strings.Contains(err.Error(), tt.ctrl.Message) {
				t.Errorf("error %q does not carry the browser message", err)
			}

			select {
			case hookErr := <-hookErrs:
				if !errors.Is(hookErr, tt.wantErr) {
					t.Errorf("OnError got %v, want %v", hookErr, tt.wantErr)
				}
			case <-time.After(time.Second):
				t.Error("OnError was not called")
			}
			if v.State() != capture.VoiceIdle {
				t.Errorf("State() = %v, want idle", v.State())
			}
		})
	}
}
