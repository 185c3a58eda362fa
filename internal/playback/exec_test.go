package playback_test

import (
	"errors"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/MegaGrindStone/ganapathi/internal/playback"
)

// shellPlayer runs script through sh. The played source arrives as $1.
func shellPlayer(t *testing.T, script string) *playback.ExecPlayer {
	t.Helper()

	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	return playback.NewExecPlayer([]string{"sh", "-c", script, "player"}, discardLogger())
}

type execOutcome struct {
	ended bool
	err   error
}

func playAndWatch(t *testing.T, p *playback.ExecPlayer, source string) <-chan execOutcome {
	t.Helper()

	outcomes := make(chan execOutcome, 2)
	err := p.Play(source, playback.Events{
		OnEnded: func() { outcomes <- execOutcome{ended: true} },
		OnError: func(err error) { outcomes <- execOutcome{err: err} },
	})
	if err != nil {
		t.Fatalf("Play() error = %v", err)
	}
	return outcomes
}

func TestExecPlayerEnded(t *testing.T) {
	p := shellPlayer(t, `test "$1" = /audio/a.mp3`)

	select {
	case out := <-playAndWatch(t, p, "/audio/a.mp3"):
		if !out.ended {
			t.Errorf("got error %v, want ended", out.err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("player never finished")
	}
}

func TestExecPlayerFailure(t *testing.T) {
	p := shellPlayer(t, `echo "cannot decode $1" >&2; exit 3`)

	select {
	case out := <-playAndWatch(t, p, "/audio/broken.mp3"):
		if out.ended {
			t.Fatal("got ended, want error")
		}
		if !errors.Is(out.err, playback.ErrPlaybackFailure) {
			t.Errorf("error = %v, want %v", out.err, playback.ErrPlaybackFailure)
		}
		if !strings.Contains(out.err.Error(), "cannot decode /audio/broken.mp3") {
			t.Errorf("error %q does not carry the player output", out.err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("player never finished")
	}
}

func TestExecPlayerStopSilencesCallbacks(t *testing.T) {
	p := shellPlayer(t, `exec sleep 10`)

	outcomes := playAndWatch(t, p, "/audio/a.mp3")
	p.Stop()

	select {
	case out := <-outcomes:
		t.Errorf("got %+v after Stop, want no callback", out)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestExecPlayerPlayReplacesCurrent(t *testing.T) {
	p := shellPlayer(t, `case "$1" in *long*) exec sleep 10;; esac`)

	first := playAndWatch(t, p, "/audio/long.mp3")
	second := playAndWatch(t, p, "/audio/short.mp3")

	select {
	case out := <-second:
		if !out.ended {
			t.Errorf("second play got error %v, want ended", out.err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("second play never finished")
	}

	select {
	case out := <-first:
		t.Errorf("replaced play reported %+v, want no callback", out)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestExecPlayerMissingBinary(t *testing.T) {
	p := playback.NewExecPlayer([]string{"ganapathi-no-such-player"}, discardLogger())

	err := p.Play("/audio/a.mp3", playback.Events{})
	if !errors.Is(err, playback.ErrPlaybackFailure) {
		t.Errorf("Play() error = %v, want %v", err, playback.ErrPlaybackFailure)
	}
}
