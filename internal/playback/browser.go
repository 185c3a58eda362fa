package playback

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Action is what a Command asks the page to do with its audio element.
type Action string

const (
	// ActionPlay asks the page to load Command.Source and start it.
	ActionPlay Action = "play"
	// ActionStop asks the page to pause and rewind.
	ActionStop Action = "stop"
)

// Command is sent to the page. Token identifies the playback so completion reports for a
// replaced source can be told apart.
type Command struct {
	Action Action `json:"action"`
	Token  string `json:"token"`
	Source string `json:"source,omitempty"`
}

// Relay delivers commands to the page.
type Relay interface {
	Relay(cmd Command) error
}

// ErrUnknownToken is returned when the page reports on a playback that is no longer current.
var ErrUnknownToken = errors.New("unknown playback token")

// BrowserPlayer plays audio in the page that displays the conversation. It forwards commands
// through a Relay and receives completion reports via Ended and Failed.
type BrowserPlayer struct {
	relay Relay

	mu     sync.Mutex
	token  string
	events Events
}

// NewBrowserPlayer creates a BrowserPlayer sending commands through relay.
func NewBrowserPlayer(relay Relay) *BrowserPlayer {
	return &BrowserPlayer{relay: relay}
}

// Play implements Player.
func (p *BrowserPlayer) Play(source string, events Events) error {
	token := uuid.New().String()

	p.mu.Lock()
	p.token = token
	p.events = events
	p.mu.Unlock()

	if err := p.relay.Relay(Command{Action: ActionPlay, Token: token, Source: source}); err != nil {
		p.clear(token)
		return FailureError(fmt.Errorf("error relaying play command: %w", err))
	}
	return nil
}

// Stop implements Player.
func (p *BrowserPlayer) Stop() {
	p.mu.Lock()
	token := p.token
	p.token = ""
	p.events = Events{}
	p.mu.Unlock()

	if token == "" {
		return
	}
	_ = p.relay.Relay(Command{Action: ActionStop, Token: token})
}

// Ended reports that the playback identified by token finished naturally.
func (p *BrowserPlayer) Ended(token string) error {
	events, ok := p.take(token)
	if !ok {
		return ErrUnknownToken
	}
	if events.OnEnded != nil {
		events.OnEnded()
	}
	return nil
}

// Failed reports that the page could not decode or play the source.
func (p *BrowserPlayer) Failed(token, reason string) error {
	events, ok := p.take(token)
	if !ok {
		return ErrUnknownToken
	}
	if events.OnError != nil {
		events.OnError(FailureError(errors.New(reason)))
	}
	return nil
}

func (p *BrowserPlayer) take(token string) (Events, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if token == "" || token != p.token {
		return Events{}, false
	}
	events := p.events
	p.token = ""
	p.events = Events{}
	return events, true
}

func (p *BrowserPlayer) clear(token string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.token == token {
		p.token = ""
		p.events = Events{}
	}
}
