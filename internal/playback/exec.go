package playback

import (
	"bytes"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
)

// DefaultPlayerCommand plays a source without a window and exits when it ends.
var DefaultPlayerCommand = []string{"ffplay", "-nodisp", "-autoexit", "-loglevel", "error"}

// ExecPlayer plays audio on the host by running an external player with the source appended
// to its arguments.
type ExecPlayer struct {
	command []string

	mu      sync.Mutex
	current *exec.Cmd
	stopped map[*exec.Cmd]bool

	logger *slog.Logger
}

// NewExecPlayer creates an ExecPlayer. An empty command selects DefaultPlayerCommand.
func NewExecPlayer(command []string, logger *slog.Logger) *ExecPlayer {
	if len(command) == 0 {
		command = DefaultPlayerCommand
	}
	return &ExecPlayer{
		command: command,
		stopped: make(map[*exec.Cmd]bool),
		logger:  logger.With(slog.String("module", "exec-player")),
	}
}

// Play implements Player.
func (p *ExecPlayer) Play(source string, events Events) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stopLocked()

	args := append(append([]string(nil), p.command[1:]...), source)
	cmd := exec.Command(p.command[0], args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return FailureError(fmt.Errorf("error starting %s: %w", p.command[0], err))
	}
	p.current = cmd

	go func() {
		err := cmd.Wait()

		p.mu.Lock()
		stopped := p.stopped[cmd]
		delete(p.stopped, cmd)
		if p.current == cmd {
			p.current = nil
		}
		p.mu.Unlock()

		if stopped {
			return
		}
		if err != nil {
			if events.OnError != nil {
				events.OnError(FailureError(fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))))
			}
			return
		}
		if events.OnEnded != nil {
			events.OnEnded()
		}
	}()

	return nil
}

// Stop implements Player.
func (p *ExecPlayer) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stopLocked()
}

func (p *ExecPlayer) stopLocked() {
	if p.current == nil || p.current.Process == nil {
		return
	}
	p.stopped[p.current] = true
	if err := p.current.Process.Kill(); err != nil {
		p.logger.Debug("Failed to kill player", slog.String(errLoggerKey, err.Error()))
	}
	p.current = nil
}
