// Package conversation owns the conversation state. The Orchestrator receives finalized intents
// from the capturers, dispatches them to the assistant service, reconciles replies into the
// message log and drives playback of synthesized speech.
package conversation

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MegaGrindStone/ganapathi/internal/models"
	"github.com/google/uuid"
)

// Assistant is the remote assistant service.
type Assistant interface {
	Transcribe(ctx context.Context, clip models.AudioClip, sessionID string) (models.Reply, error)
	SendText(ctx context.Context, text, sessionID string, speak bool) (models.Reply, error)
}

// SessionProvider supplies the identifier correlating requests to a server-side conversation.
type SessionProvider interface {
	SessionID(ctx context.Context) string
}

// Speaker is the audio playback driver. Play must stop any previous audio before starting the
// new source, and must clear the speaking flag when source is empty or enabled is false.
type Speaker interface {
	Play(source string, enabled bool)
	Stop()
	OnChange(fn func(speaking bool))
}

// EventKind tells subscribers which part of the state changed.
type EventKind int

const (
	// EventMessage is emitted once per appended message.
	EventMessage EventKind = iota
	// EventLoading is emitted when the loading flag flips.
	EventLoading
	// EventSpeaking is emitted when the speaking flag flips.
	EventSpeaking
	// EventTTS is emitted when the TTS preference changes.
	EventTTS
)

func (k EventKind) String() string {
	switch k {
	case EventMessage:
		return "message"
	case EventLoading:
		return "loading"
	case EventSpeaking:
		return "speaking"
	case EventTTS:
		return "tts"
	default:
		return "unknown"
	}
}

// Event is a state change notification. State is a snapshot taken right after the change;
// Message is only set for EventMessage.
type Event struct {
	Kind    EventKind
	Message models.Message
	State   models.State
}

const (
	voiceFailureReason = "Audio transcription failed"
	textFailureReason  = "Message processing failed"

	voiceApology = "I apologize, but I could not hear your message clearly. Please try again or type your question."
	textApology  = "I apologize for the difficulty. Please try again with your question."

	flowVoice = "voice"
	flowText  = "text"

	errLoggerKey = "err"
)

var (
	// ErrBusy is returned when an intent arrives while a request is still in flight.
	ErrBusy = errors.New("a request is already in flight")
	// ErrClosed is returned by every intent after Close.
	ErrClosed = errors.New("conversation closed")
	// ErrEmptyInput is returned by HandleText for blank text.
	ErrEmptyInput = errors.New("empty input")
	// ErrMessageNotFound is returned by Replay for an unknown message id.
	ErrMessageNotFound = errors.New("message not found")
	// ErrNoAudio is returned by Replay for a message without synthesized speech.
	ErrNoAudio = errors.New("message has no audio")
)

// Orchestrator is the conversation state machine. At most one request is in flight at a time:
// intents arriving while loading are rejected with ErrBusy. Every request carries a generation
// token, and a reply whose token is no longer current is discarded without touching state.
type Orchestrator struct {
	assistant Assistant
	sessions  SessionProvider
	speaker   Speaker
	metrics   *Metrics
	now       func() time.Time

	mu         sync.Mutex
	messages   []models.Message
	loading    bool
	speaking   bool
	ttsEnabled bool
	generation uint64
	closed     bool

	subMu       sync.Mutex
	subscribers map[int]func(Event)
	nextSubID   int

	// emitMu is taken before mu is released, so subscribers see snapshots in the order they
	// were taken. Lock order is mu then emitMu.
	emitMu sync.Mutex

	logger *slog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithTTSEnabled sets the initial TTS preference. It defaults to enabled.
func WithTTSEnabled(enabled bool) Option {
	return func(o *Orchestrator) {
		o.ttsEnabled = enabled
	}
}

// WithMetrics records exchanges into m.
func WithMetrics(m *Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// WithClock overrides the clock used for message timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// New creates an Orchestrator whose log holds the welcome message.
func New(assistant Assistant, sessions SessionProvider, speaker Speaker, logger *slog.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		assistant:   assistant,
		sessions:    sessions,
		speaker:     speaker,
		now:         time.Now,
		ttsEnabled:  true,
		subscribers: make(map[int]func(Event)),
		logger:      logger.With(slog.String("module", "conversation")),
	}
	for _, opt := range opts {
		opt(o)
	}

	o.messages = []models.Message{models.WelcomeMessage(o.now())}
	speaker.OnChange(o.setSpeaking)

	return o
}

// Subscribe registers fn for every subsequent state change. The returned function removes the
// subscription. fn must not block or call back into the Orchestrator's intents; it runs on the
// goroutine that caused the change.
func (o *Orchestrator) Subscribe(fn func(Event)) func() {
	o.subMu.Lock()
	defer o.subMu.Unlock()

	id := o.nextSubID
	o.nextSubID++
	o.subscribers[id] = fn

	return func() {
		o.subMu.Lock()
		defer o.subMu.Unlock()
		delete(o.subscribers, id)
	}
}

// State returns a snapshot of the conversation state.
func (o *Orchestrator) State() models.State {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.snapshot()
}

// HandleVoice sends clip for transcription and appends the transcribed user message and the
// assistant reply as a pair. Failures become an apology message; the returned error only
// reports rejected intents.
func (o *Orchestrator) HandleVoice(ctx context.Context, clip models.AudioClip) error {
	gen, err := o.begin(nil)
	if err != nil {
		return err
	}
	defer o.end(gen)

	o.speaker.Stop()

	started := o.now()
	sessionID := o.sessions.SessionID(ctx)
	o.logger.Debug("Sending audio for transcription",
		slog.String("sessionID", sessionID),
		slog.Int("bytes", len(clip.Data)))

	reply, err := o.assistant.Transcribe(ctx, clip, sessionID)
	if err == nil {
		err = reply.Validate(true)
	}
	if err != nil {
		o.logger.Error("Error processing audio", slog.String(errLoggerKey, err.Error()))
		o.metrics.observe(flowVoice, outcomeFailure, o.now().Sub(started))

		o.commit(gen, o.apology(voiceApology, voiceFailureReason))
		return nil
	}
	o.metrics.observe(flowVoice, outcomeOf(reply), o.now().Sub(started))

	now := o.now()
	user := models.UserMessage{
		ID:        uuid.New().String(),
		Text:      reply.Transcription,
		Timestamp: now,
		IsVoice:   true,
	}
	assistant := o.assistantMessage(reply, now)
	if !o.commit(gen, user, assistant) {
		return nil
	}

	o.speaker.Play(assistant.AudioURL, o.ttsOn())
	return nil
}

// HandleText appends the user message immediately, then sends text and appends the assistant
// reply. Failures become an apology message; the returned error only reports rejected intents.
func (o *Orchestrator) HandleText(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyInput
	}

	user := models.UserMessage{
		ID:        uuid.New().String(),
		Text:      text,
		Timestamp: o.now(),
	}
	gen, err := o.begin(user)
	if err != nil {
		return err
	}
	defer o.end(gen)

	o.speaker.Stop()

	started := o.now()
	sessionID := o.sessions.SessionID(ctx)
	speak := o.ttsOn()
	o.logger.Debug("Sending text message",
		slog.String("sessionID", sessionID),
		slog.Bool("speak", speak))

	reply, err := o.assistant.SendText(ctx, text, sessionID, speak)
	if err == nil {
		err = reply.Validate(false)
	}
	if err != nil {
		o.logger.Error("Error sending message", slog.String(errLoggerKey, err.Error()))
		o.metrics.observe(flowText, outcomeFailure, o.now().Sub(started))

		o.commit(gen, o.apology(textApology, textFailureReason))
		return nil
	}
	o.metrics.observe(flowText, outcomeOf(reply), o.now().Sub(started))

	assistant := o.assistantMessage(reply, o.now())
	if !o.commit(gen, assistant) {
		return nil
	}

	o.speaker.Play(assistant.AudioURL, o.ttsOn())
	return nil
}

// SetTTSEnabled changes the TTS preference. Disabling it stops any playback in progress.
func (o *Orchestrator) SetTTSEnabled(enabled bool) {
	o.mu.Lock()
	if o.ttsEnabled == enabled {
		o.mu.Unlock()
		return
	}
	o.ttsEnabled = enabled
	o.unlockAndEmit(Event{Kind: EventTTS, State: o.snapshot()})

	if !enabled {
		o.speaker.Stop()
	}
}

// BeginRecording prepares for a new voice recording by stopping any playback in progress.
func (o *Orchestrator) BeginRecording() {
	o.speaker.Stop()
}

// Replay plays the synthesized speech of the assistant message id again. It is an explicit
// request, so it plays regardless of the TTS preference.
func (o *Orchestrator) Replay(id string) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	var found *models.AssistantMessage
	for _, msg := range o.messages {
		if am, ok := msg.(models.AssistantMessage); ok && am.ID == id {
			found = &am
			break
		}
	}
	o.mu.Unlock()

	if found == nil {
		return ErrMessageNotFound
	}
	if found.AudioURL == "" {
		return ErrNoAudio
	}

	o.speaker.Play(found.AudioURL, true)
	return nil
}

// Close stops playback and invalidates the request in flight, if any. Its reply will be
// discarded when it arrives.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	o.generation++
	var events []Event
	if o.loading {
		o.loading = false
		events = append(events, Event{Kind: EventLoading, State: o.snapshot()})
	}
	o.unlockAndEmit(events...)

	o.speaker.Stop()
}

// begin starts a request. The optional user message is appended in the same step so it is
// visible before the request is dispatched.
func (o *Orchestrator) begin(user models.Message) (uint64, error) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return 0, ErrClosed
	}
	if o.loading {
		o.mu.Unlock()
		return 0, ErrBusy
	}

	var events []Event
	if user != nil {
		o.messages = append(o.messages, user)
		events = append(events, Event{Kind: EventMessage, Message: user, State: o.snapshot()})
	}
	o.loading = true
	o.generation++
	gen := o.generation
	events = append(events, Event{Kind: EventLoading, State: o.snapshot()})
	o.unlockAndEmit(events...)

	return gen, nil
}

// commit appends msgs when gen is still the current request. It reports false for a stale
// request, in which case nothing is appended.
func (o *Orchestrator) commit(gen uint64, msgs ...models.Message) bool {
	o.mu.Lock()
	if gen != o.generation {
		o.mu.Unlock()
		o.logger.Warn("Discarding stale reply", slog.Uint64("generation", gen))
		return false
	}

	events := make([]Event, 0, len(msgs))
	for _, msg := range msgs {
		o.messages = append(o.messages, msg)
		events = append(events, Event{Kind: EventMessage, Message: msg, State: o.snapshot()})
	}
	o.unlockAndEmit(events...)

	return true
}

// end clears the loading flag of request gen. It runs on every completion path.
func (o *Orchestrator) end(gen uint64) {
	o.mu.Lock()
	if gen != o.generation || !o.loading {
		o.mu.Unlock()
		return
	}
	o.loading = false
	o.unlockAndEmit(Event{Kind: EventLoading, State: o.snapshot()})
}

func (o *Orchestrator) setSpeaking(speaking bool) {
	o.mu.Lock()
	if o.speaking == speaking {
		o.mu.Unlock()
		return
	}
	o.speaking = speaking
	o.metrics.speaking(speaking)
	o.unlockAndEmit(Event{Kind: EventSpeaking, State: o.snapshot()})
}

func (o *Orchestrator) ttsOn() bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.ttsEnabled
}

func (o *Orchestrator) assistantMessage(reply models.Reply, now time.Time) models.AssistantMessage {
	id := reply.ID
	if id == "" {
		id = uuid.New().String()
	}
	return models.AssistantMessage{
		ID:        id,
		Timestamp: now,
		Response:  *reply.Response,
		AudioURL:  reply.AudioURL,
	}
}

func (o *Orchestrator) apology(answer, reason string) models.AssistantMessage {
	return models.AssistantMessage{
		ID:        uuid.New().String(),
		Timestamp: o.now(),
		Response: models.AssistantResponse{
			Lang:          "en",
			Answer:        answer,
			Refusal:       true,
			RefusalReason: reason,
		},
	}
}

// snapshot must be called with mu held.
func (o *Orchestrator) snapshot() models.State {
	msgs := make([]models.Message, len(o.messages))
	copy(msgs, o.messages)
	return models.State{
		Messages:     msgs,
		IsLoading:    o.loading,
		IsSpeaking:   o.speaking,
		IsTTSEnabled: o.ttsEnabled,
	}
}

// unlockAndEmit must be called with mu held. It releases mu only once no other emitter can
// deliver ahead of events.
func (o *Orchestrator) unlockAndEmit(events ...Event) {
	if len(events) == 0 {
		o.mu.Unlock()
		return
	}

	o.emitMu.Lock()
	o.mu.Unlock()
	defer o.emitMu.Unlock()

	o.subMu.Lock()
	fns := make([]func(Event), 0, len(o.subscribers))
	for _, fn := range o.subscribers {
		fns = append(fns, fn)
	}
	o.subMu.Unlock()

	for _, ev := range events {
		for _, fn := range fns {
			fn(ev)
		}
	}
}
