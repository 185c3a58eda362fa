package capture

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Control messages exchanged with the page over the microphone websocket. Audio chunks travel
// as binary messages.
type wsControl struct {
	Type     string `json:"type"`
	MIMEType string `json:"mimeType,omitempty"`
	Name     string `json:"name,omitempty"`
	Message  string `json:"message,omitempty"`
}

const (
	wsControlStart = "start"
	wsControlStop  = "stop"
	wsControlError = "error"

	wsHandshakeTimeout = 10 * time.Second
	wsWriteTimeout     = 5 * time.Second
)

// WebSocketMicrophone is a microphone living in the page. The page acquires the device, then
// announces the outcome with a start or error control message and streams MediaRecorder
// chunks as binary messages.
type WebSocketMicrophone struct {
	conn *websocket.Conn
}

// NewWebSocketMicrophone wraps an upgraded connection.
func NewWebSocketMicrophone(conn *websocket.Conn) WebSocketMicrophone {
	return WebSocketMicrophone{conn: conn}
}

// Open implements Microphone. It waits for the page to report whether it could acquire the
// device.
func (m WebSocketMicrophone) Open(ctx context.Context) (AudioStream, error) {
	deadline := time.Now().Add(wsHandshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := m.conn.SetReadDeadline(deadline); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
	}

	var ctrl wsControl
	if err := m.conn.ReadJSON(&ctrl); err != nil {
		_ = m.conn.Close()
		return nil, fmt.Errorf("%w: no microphone handshake: %w", ErrDeviceUnavailable, err)
	}
	if err := m.conn.SetReadDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
	}

	switch ctrl.Type {
	case wsControlStart:
		return &wsStream{conn: m.conn, mimeType: ctrl.MIMEType}, nil
	case wsControlError:
		_ = m.conn.Close()
		return nil, browserMediaError(ctrl.Name, ctrl.Message)
	default:
		_ = m.conn.Close()
		return nil, fmt.Errorf("%w: unexpected control message %q", ErrDeviceUnavailable, ctrl.Type)
	}
}

// browserMediaError maps getUserMedia DOMException names to capture errors.
func browserMediaError(name, message string) error {
	switch name {
	case "NotAllowedError", "SecurityError", "PermissionDeniedError":
		return fmt.Errorf("%w: %s", ErrPermissionDenied, message)
	default:
		return fmt.Errorf("%w: %s: %s", ErrDeviceUnavailable, name, message)
	}
}

type wsStream struct {
	conn     *websocket.Conn
	mimeType string

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (s *wsStream) Read() ([]byte, error) {
	for {
		typ, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, io.EOF
			}
			return nil, err
		}

		switch typ {
		case websocket.BinaryMessage:
			return data, nil
		case websocket.TextMessage:
			var ctrl wsControl
			if err := json.Unmarshal(data, &ctrl); err != nil {
				continue
			}
			switch ctrl.Type {
			case wsControlStop:
				return nil, io.EOF
			case wsControlError:
				return nil, browserMediaError(ctrl.Name, ctrl.Message)
			}
		}
	}
}

// Stop asks the page to stop its recorder. The page flushes the last chunk and answers with a
// stop control message.
func (s *wsStream) Stop() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return err
	}
	return s.conn.WriteJSON(wsControl{Type: wsControlStop})
}

func (s *wsStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "recording finished")
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteTimeout))
		s.writeMu.Unlock()

		err = s.conn.Close()
	})
	if errors.Is(err, websocket.ErrCloseSent) {
		return nil
	}
	return err
}

func (s *wsStream) MIMEType() string {
	if s.mimeType == "" {
		return "audio/webm;codecs=opus"
	}
	return s.mimeType
}
