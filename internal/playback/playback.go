// Package playback drives synthesized speech. A Driver owns the single playback handle: it is
// the only component allowed to start or stop audio, and it always stops the previous source
// before starting a new one.
package playback

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ErrPlaybackFailure wraps every error reported by a Player.
var ErrPlaybackFailure = errors.New("playback failure")

const errLoggerKey = "err"

// Events are the callbacks a Player invokes when a playback it started finishes. Exactly one of
// them fires per started playback, unless the playback is stopped first, in which case neither
// needs to fire.
type Events struct {
	OnEnded func()
	OnError func(error)
}

// Player is the platform audio primitive. Play begins playback of source and returns without
// waiting for it to finish. Stop halts and rewinds whatever is playing.
type Player interface {
	Play(source string, events Events) error
	Stop()
}

// Driver translates play and stop requests into Player calls and tracks whether audio is
// actively playing.
type Driver struct {
	player    Player
	cacheBust bool
	now       func() time.Time

	// playMu serializes Player calls so two playbacks never overlap.
	playMu sync.Mutex

	mu         sync.Mutex
	speaking   bool
	generation uint64
	onChange   []func(bool)

	logger *slog.Logger
}

// Option configures a Driver.
type Option func(*Driver)

// WithCacheBust appends a timestamp query parameter to network sources so stale cached audio
// is never replayed.
func WithCacheBust(enabled bool) Option {
	return func(d *Driver) {
		d.cacheBust = enabled
	}
}

// WithClock overrides the clock used for cache busting.
func WithClock(now func() time.Time) Option {
	return func(d *Driver) {
		d.now = now
	}
}

// NewDriver creates a Driver around player.
func NewDriver(player Player, logger *slog.Logger, opts ...Option) *Driver {
	d := &Driver{
		player: player,
		now:    time.Now,
		logger: logger.With(slog.String("module", "playback")),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// OnChange registers fn to be called whenever the speaking flag flips.
func (d *Driver) OnChange(fn func(speaking bool)) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.onChange = append(d.onChange, fn)
}

// IsSpeaking reports whether audio is actively playing.
func (d *Driver) IsSpeaking() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.speaking
}

// Play starts source. When source is empty or enabled is false nothing is played and the
// speaking flag is cleared. A playback already in progress is always stopped first.
func (d *Driver) Play(source string, enabled bool) {
	d.playMu.Lock()
	defer d.playMu.Unlock()

	gen := d.bump()
	d.player.Stop()

	if source == "" || !enabled {
		d.setSpeaking(gen, false)
		return
	}

	src := d.bust(source)
	d.setSpeaking(gen, true)

	err := d.player.Play(src, Events{
		OnEnded: func() {
			d.setSpeaking(gen, false)
		},
		OnError: func(err error) {
			d.logger.Error("Error playing audio",
				slog.String("source", src),
				slog.String(errLoggerKey, err.Error()))
			d.setSpeaking(gen, false)
		},
	})
	if err != nil {
		d.logger.Error("Failed to play audio response",
			slog.String("source", src),
			slog.String(errLoggerKey, err.Error()))
		d.setSpeaking(gen, false)
	}
}

// Stop halts any playback and clears the speaking flag.
func (d *Driver) Stop() {
	d.playMu.Lock()
	defer d.playMu.Unlock()

	gen := d.bump()
	d.player.Stop()
	d.setSpeaking(gen, false)
}

func (d *Driver) bump() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.generation++
	return d.generation
}

// setSpeaking applies v if gen is still the latest playback. Callbacks of playbacks that have
// since been replaced are dropped.
func (d *Driver) setSpeaking(gen uint64, v bool) {
	d.mu.Lock()
	if gen != d.generation || d.speaking == v {
		d.mu.Unlock()
		return
	}
	d.speaking = v
	fns := append([]func(bool)(nil), d.onChange...)
	d.mu.Unlock()

	for _, fn := range fns {
		fn(v)
	}
}

func (d *Driver) bust(source string) string {
	if !d.cacheBust {
		return source
	}
	u, err := url.Parse(source)
	if err != nil {
		return source
	}
	relative := u.Scheme == "" && strings.HasPrefix(u.Path, "/")
	if u.Scheme != "http" && u.Scheme != "https" && !relative {
		return source
	}

	q := u.Query()
	q.Set("t", strconv.FormatInt(d.now().UnixMilli(), 10))
	u.RawQuery = q.Encode()
	return u.String()
}

// FailureError wraps err as a playback failure.
func FailureError(err error) error {
	return fmt.Errorf("%w: %w", ErrPlaybackFailure, err)
}
