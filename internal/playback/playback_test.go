package playback_test

import (
	"errors"
	"io"
	"log/slog"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/MegaGrindStone/ganapathi/internal/playback"
)

type mockPlayer struct {
	mu      sync.Mutex
	played  []string
	stops   int
	events  []playback.Events
	playErr error
	calls   []string
}

func (m *mockPlayer) Play(source string, events playback.Events) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, "play")
	if m.playErr != nil {
		return m.playErr
	}
	m.played = append(m.played, source)
	m.events = append(m.events, events)
	return nil
}

func (m *mockPlayer) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, "stop")
	m.stops++
}

func (m *mockPlayer) lastEvents(t *testing.T) playback.Events {
	t.Helper()

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.events) == 0 {
		t.Fatal("no playback was started")
	}
	return m.events[len(m.events)-1]
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDriverPlayAndEnd(t *testing.T) {
	player := &mockPlayer{}
	d := playback.NewDriver(player, discardLogger())

	var changes []bool
	d.OnChange(func(v bool) { changes = append(changes, v) })

	d.Play("https://cdn.example.com/a.mp3", true)
	if !d.IsSpeaking() {
		t.Fatal("IsSpeaking() = false after Play")
	}
	if len(player.played) != 1 || player.played[0] != "https://cdn.example.com/a.mp3" {
		t.Fatalf("played = %v", player.played)
	}
	if player.calls[0] != "stop" {
		t.Errorf("first player call = %q, want stop before play", player.calls[0])
	}

	player.lastEvents(t).OnEnded()
	if d.IsSpeaking() {
		t.Error("IsSpeaking() = true after playback ended")
	}
	if len(changes) != 2 || !changes[0] || changes[1] {
		t.Errorf("changes = %v, want [true false]", changes)
	}
}

func TestDriverSkipsPlayback(t *testing.T) {
	tests := []struct {
		name    string
		source  string
		enabled bool
	}{
		{name: "TTS disabled", source: "a.mp3", enabled: false},
		{name: "No audio", source: "", enabled: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			player := &mockPlayer{}
			d := playback.NewDriver(player, discardLogger())

			d.Play(tt.source, tt.enabled)

			if d.IsSpeaking() {
				t.Error("IsSpeaking() = true")
			}
			if len(player.played) != 0 {
				t.Errorf("played = %v, want nothing", player.played)
			}
		})
	}
}

func TestDriverPlaybackError(t *testing.T) {
	player := &mockPlayer{}
	d := playback.NewDriver(player, discardLogger())

	d.Play("a.mp3", true)
	player.lastEvents(t).OnError(errors.New("codec"))

	if d.IsSpeaking() {
		t.Error("IsSpeaking() = true after playback error")
	}
}

func TestDriverPlayerRefusesToStart(t *testing.T) {
	player := &mockPlayer{playErr: errors.New("no device")}
	d := playback.NewDriver(player, discardLogger())

	d.Play("a.mp3", true)

	if d.IsSpeaking() {
		t.Error("IsSpeaking() = true after Play failed")
	}
}

func TestDriverNewPlaybackStopsPrevious(t *testing.T) {
	player := &mockPlayer{}
	d := playback.NewDriver(player, discardLogger())

	d.Play("first.mp3", true)
	first := player.lastEvents(t)
	d.Play("second.mp3", true)

	if player.stops != 2 {
		t.Errorf("stops = %d, want 2", player.stops)
	}

	// The replaced playback must not clear the flag of the current one.
	first.OnEnded()
	if !d.IsSpeaking() {
		t.Error("stale OnEnded cleared the speaking flag")
	}

	player.lastEvents(t).OnEnded()
	if d.IsSpeaking() {
		t.Error("IsSpeaking() = true after current playback ended")
	}
}

func TestDriverStop(t *testing.T) {
	player := &mockPlayer{}
	d := playback.NewDriver(player, discardLogger())

	d.Play("a.mp3", true)
	events := player.lastEvents(t)
	d.Stop()

	if d.IsSpeaking() {
		t.Error("IsSpeaking() = true after Stop")
	}
	events.OnEnded()
	if d.IsSpeaking() {
		t.Error("IsSpeaking() = true after late OnEnded")
	}
}

func TestDriverCacheBust(t *testing.T) {
	now := time.UnixMilli(1700000000000)
	tests := []struct {
		source   string
		wantBust bool
	}{
		{source: "https://cdn.example.com/a.mp3?v=1", wantBust: true},
		{source: "/audio/a.mp3", wantBust: true},
		{source: "file:///tmp/a.mp3", wantBust: false},
	}

	for _, tt := range tests {
		t.Run(tt.source, func(t *testing.T) {
			player := &mockPlayer{}
			d := playback.NewDriver(player, discardLogger(),
				playback.WithCacheBust(true),
				playback.WithClock(func() time.Time { return now }))

			d.Play(tt.source, true)

			got := player.played[0]
			if !tt.wantBust {
				if got != tt.source {
					t.Errorf("played %q, want %q unchanged", got, tt.source)
				}
				return
			}
			u, err := url.Parse(got)
			if err != nil {
				t.Fatal(err)
			}
			if u.Query().Get("t") != "1700000000000" {
				t.Errorf("played %q, want t=1700000000000", got)
			}
		})
	}
}
