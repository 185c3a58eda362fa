package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/MegaGrindStone/ganapathi/internal/playback"
	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// SSE event types pushed to the page.
var (
	messagesSSEType  = sse.Type("messages")
	stateSSEType     = sse.Type("state")
	avatarSSEType    = sse.Type("avatar")
	playbackSSEType  = sse.Type("playback")
	recordingSSEType = sse.Type("recording")
	alertSSEType     = sse.Type("alert")
	closeSSEType     = sse.Type("close")
)

// Broadcaster pushes conversation updates to every open page over server-sent events. It is
// also the relay of the browser audio player: playback commands travel on the same stream, but
// only to the most recently opened page, so two tabs never play the same reply at once.
type Broadcaster struct {
	sseSrv *sse.Server

	mu    sync.Mutex
	pages []string // per-page topics, oldest first; the last one plays audio
	// onSpeakerChange runs when the page playing audio is replaced or goes away.
	onSpeakerChange []func()

	logger *slog.Logger
}

type pageTopicKey struct{}

var errNoPage = errors.New("no page is connected")

// NewBroadcaster creates a Broadcaster. Every session is subscribed to the default topic; the
// conversation is process-wide, so all pages see the same state.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	b := &Broadcaster{
		logger: logger.With(slog.String("module", "sse")),
	}
	b.sseSrv = &sse.Server{
		OnSession: func(_ http.ResponseWriter, r *http.Request) ([]string, bool) {
			b.logger.Debug("New SSE session", slog.String("remoteAddr", r.RemoteAddr))

			topics := []string{sse.DefaultTopic}
			if topic, ok := r.Context().Value(pageTopicKey{}).(string); ok {
				b.addPage(topic)
				topics = append(topics, topic)
			}
			return topics, true
		},
		Logger: func(*http.Request) *slog.Logger {
			return b.logger
		},
	}
	return b
}

// OnSpeakerChange registers fn to run whenever a new page connects or the page playing audio
// disconnects. Audio sent to the previous page is gone at that point.
func (b *Broadcaster) OnSpeakerChange(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.onSpeakerChange = append(b.onSpeakerChange, fn)
}

// ServeHTTP serves the event stream.
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	topic := "page-" + uuid.New().String()
	r = r.WithContext(context.WithValue(r.Context(), pageTopicKey{}, topic))

	b.sseSrv.ServeHTTP(w, r)

	b.removePage(topic)
}

// Relay implements playback.Relay.
func (b *Broadcaster) Relay(cmd playback.Command) error {
	b.mu.Lock()
	var speaker string
	if len(b.pages) > 0 {
		speaker = b.pages[len(b.pages)-1]
	}
	b.mu.Unlock()

	if speaker == "" {
		return errNoPage
	}
	return b.publishJSON(playbackSSEType, cmd, speaker)
}

func (b *Broadcaster) addPage(topic string) {
	b.mu.Lock()
	b.pages = append(b.pages, topic)
	fns := append([]func(){}, b.onSpeakerChange...)
	b.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

func (b *Broadcaster) removePage(topic string) {
	b.mu.Lock()
	wasSpeaker := false
	for i, p := range b.pages {
		if p == topic {
			wasSpeaker = i == len(b.pages)-1
			b.pages = append(b.pages[:i], b.pages[i+1:]...)
			break
		}
	}
	fns := append([]func(){}, b.onSpeakerChange...)
	b.mu.Unlock()

	if !wasSpeaker {
		return
	}
	for _, fn := range fns {
		fn()
	}
}

// publish sends an event to topics, or to every page when none are given.
func (b *Broadcaster) publish(typ sse.EventType, data string, topics ...string) error {
	msg := &sse.Message{Type: typ}
	msg.AppendData(data)
	if err := b.sseSrv.Publish(msg, topics...); err != nil {
		return fmt.Errorf("failed to publish %s event: %w", typ, err)
	}
	return nil
}

func (b *Broadcaster) publishJSON(typ sse.EventType, v any, topics ...string) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", typ, err)
	}
	return b.publish(typ, string(data), topics...)
}

// Shutdown tells every page the stream is closing and waits up to 5 seconds for the
// connections to terminate.
func (b *Broadcaster) Shutdown(ctx context.Context) error {
	// SSE requires data on every event, so the close event carries a placeholder.
	_ = b.publish(closeSSEType, "bye")

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	return b.sseSrv.Shutdown(ctx)
}
