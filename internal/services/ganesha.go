package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"time"

	"github.com/MegaGrindStone/ganapathi/internal/models"
)

// Ganesha is the client of the remote assistant service. The service transcribes audio,
// generates the answer and synthesizes speech; this client only shapes requests and validates
// replies.
type Ganesha struct {
	baseURL *url.URL
	client  *http.Client

	logger *slog.Logger
}

type textMessageRequest struct {
	Message       string `json:"message"`
	SessionID     string `json:"session_id"`
	SpeakResponse bool   `json:"speak_response"`
}

type errorResponse struct {
	Details string `json:"details"`
}

const (
	transcribePath  = "/transcribe"
	textMessagePath = "/text-message"

	defaultClipFilename = "recording.webm"
	defaultClipMIMEType = "audio/webm"
)

// NewGanesha creates a client for the service at baseURL. A zero timeout leaves requests bound
// only by their context.
func NewGanesha(baseURL string, timeout time.Duration, logger *slog.Logger) (Ganesha, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return Ganesha{}, fmt.Errorf("invalid base url %q: %w", baseURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return Ganesha{}, fmt.Errorf("invalid base url %q: scheme and host are required", baseURL)
	}

	return Ganesha{
		baseURL: u,
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With(slog.String("module", "ganesha")),
	}, nil
}

// BaseURL returns the service base URL.
func (g Ganesha) BaseURL() string {
	return g.baseURL.String()
}

// Transcribe uploads clip as multipart form data together with the session id. The reply must
// carry both a transcription and an answer.
func (g Ganesha) Transcribe(ctx context.Context, clip models.AudioClip, sessionID string) (models.Reply, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	filename := clip.Filename
	if filename == "" {
		filename = defaultClipFilename
	}
	mimeType := clip.MIMEType
	if mimeType == "" {
		mimeType = defaultClipMIMEType
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="audio"; filename=%q`, filename))
	h.Set("Content-Type", mimeType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return models.Reply{}, fmt.Errorf("error creating audio part: %w", err)
	}
	if _, err := part.Write(clip.Data); err != nil {
		return models.Reply{}, fmt.Errorf("error writing audio part: %w", err)
	}
	if err := mw.WriteField("session_id", sessionID); err != nil {
		return models.Reply{}, fmt.Errorf("error writing session_id field: %w", err)
	}
	if err := mw.Close(); err != nil {
		return models.Reply{}, fmt.Errorf("error closing multipart body: %w", err)
	}

	reply, err := g.do(ctx, transcribePath, mw.FormDataContentType(), &body, "Failed to transcribe audio")
	if err != nil {
		return models.Reply{}, err
	}
	if err := reply.Validate(true); err != nil {
		return models.Reply{}, fmt.Errorf("%w: %w", ErrInvalidResponse, err)
	}
	return reply, nil
}

// SendText posts a typed message. speak forwards the user's TTS preference to the service as
// a hint.
func (g Ganesha) SendText(ctx context.Context, text, sessionID string, speak bool) (models.Reply, error) {
	jsonBody, err := json.Marshal(textMessageRequest{
		Message:       text,
		SessionID:     sessionID,
		SpeakResponse: speak,
	})
	if err != nil {
		return models.Reply{}, fmt.Errorf("error marshaling request: %w", err)
	}

	reply, err := g.do(ctx, textMessagePath, "application/json", bytes.NewReader(jsonBody), "Failed to send message")
	if err != nil {
		return models.Reply{}, err
	}
	if err := reply.Validate(false); err != nil {
		return models.Reply{}, fmt.Errorf("%w: %w", ErrInvalidResponse, err)
	}
	return reply, nil
}

func (g Ganesha) do(
	ctx context.Context,
	path, contentType string,
	body io.Reader,
	fallbackDetails string,
) (models.Reply, error) {
	endpoint := g.baseURL.JoinPath(path)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), body)
	if err != nil {
		return models.Reply{}, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := g.client.Do(req)
	if err != nil {
		return models.Reply{}, fmt.Errorf("%w: %w", ErrNetworkFailure, err)
	}
	defer resp.Body.Close()

	g.logger.Debug("Assistant responded",
		slog.String("path", path),
		slog.Int("status", resp.StatusCode),
		slog.Duration("elapsed", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e errorResponse
		if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Details == "" {
			e.Details = fallbackDetails
		}
		return models.Reply{}, &APIError{StatusCode: resp.StatusCode, Details: e.Details}
	}

	var reply models.Reply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return models.Reply{}, fmt.Errorf("%w: %w", ErrNetworkFailure, err)
		}
		return models.Reply{}, fmt.Errorf("%w: error decoding response: %w", ErrInvalidResponse, err)
	}
	reply.AudioURL = g.resolveAudioURL(reply.AudioURL)

	return reply, nil
}

// resolveAudioURL turns a server-relative audio path into an absolute URL.
func (g Ganesha) resolveAudioURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		g.logger.Warn("Ignoring malformed audio url", slog.String("audioURL", raw))
		return ""
	}
	return g.baseURL.ResolveReference(u).String()
}
