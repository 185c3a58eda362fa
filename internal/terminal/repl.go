// Package terminal is a line-oriented presentation of the conversation. Typed lines are sent as
// text messages, slash commands drive the microphone, playback and TTS preference.
package terminal

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MegaGrindStone/ganapathi/internal/capture"
	"github.com/MegaGrindStone/ganapathi/internal/conversation"
	"github.com/MegaGrindStone/ganapathi/internal/models"
)

// Orchestrator is the conversation state machine the terminal drives.
type Orchestrator interface {
	HandleText(ctx context.Context, text string) error
	HandleVoice(ctx context.Context, clip models.AudioClip) error
	SetTTSEnabled(enabled bool)
	BeginRecording()
	Replay(id string) error
	State() models.State
	Subscribe(fn func(conversation.Event)) func()
}

// VoiceRecorder records clips from a microphone and reports them through its hooks.
type VoiceRecorder interface {
	Toggle(ctx context.Context, mic capture.Microphone) error
	State() capture.VoiceState
	OnStart(fn func())
	OnComplete(fn func(models.AudioClip))
	OnError(fn func(error))
}

// REPL reads commands from an input stream and prints the conversation to an output stream.
type REPL struct {
	orchestrator Orchestrator
	voice        VoiceRecorder
	mic          capture.Microphone

	in    io.Reader
	outMu sync.Mutex
	out   io.Writer

	logger *slog.Logger
}

const (
	errLoggerKey = "err"

	helpText = `Type a question and press enter to ask Ganesha.
Commands:
  /rec         start or stop a voice recording
  /tts on|off  speak replies or stay silent
  /play [n]    replay audio response n (the latest one without n)
  /history     print the conversation so far
  /help        show this help
  /quit        leave`
)

// New creates a REPL. mic may be nil, in which case voice recording is unavailable.
func New(
	orchestrator Orchestrator,
	voice VoiceRecorder,
	mic capture.Microphone,
	in io.Reader,
	out io.Writer,
	logger *slog.Logger,
) *REPL {
	return &REPL{
		orchestrator: orchestrator,
		voice:        voice,
		mic:          mic,
		in:           in,
		out:          out,
		logger:       logger.With(slog.String("module", "terminal")),
	}
}

// Run prints the conversation so far and processes input lines until the input ends, /quit is
// entered or ctx is done.
func (r *REPL) Run(ctx context.Context) error {
	unsubscribe := r.orchestrator.Subscribe(r.render)
	defer unsubscribe()

	r.voice.OnStart(r.orchestrator.BeginRecording)
	r.voice.OnComplete(func(clip models.AudioClip) {
		r.println("Recording finished (%s), sending...", capture.FormatElapsed(clip.Duration))
		if err := r.orchestrator.HandleVoice(ctx, clip); err != nil {
			r.println("Voice message not sent: %s", err)
		}
	})
	r.voice.OnError(func(err error) {
		r.logger.Error("Microphone error", slog.String(errLoggerKey, err.Error()))
		r.println("Could not access microphone. Please check permissions.")
	})

	r.printHistory()
	r.println("Type /help for commands.")

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(r.in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			if err != nil {
				return fmt.Errorf("failed to read input: %w", err)
			}
			return nil
		case line := <-lines:
			quit, err := r.handleLine(ctx, line)
			if err != nil {
				r.println("%s", err)
			}
			if quit {
				return nil
			}
		}
	}
}

func (r *REPL) handleLine(ctx context.Context, line string) (bool, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return false, r.submit(ctx, line)
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "/quit", "/exit":
		return true, nil
	case "/help":
		r.println("%s", helpText)
	case "/history":
		r.printHistory()
	case "/rec":
		return false, r.toggleRecording(ctx)
	case "/tts":
		return false, r.setTTS(arg)
	case "/play":
		return false, r.replay(arg)
	default:
		return false, fmt.Errorf("unknown command %s, type /help", cmd)
	}
	return false, nil
}

// submit sends text through a TextCapturer so blank lines and lines typed while a reply is
// pending are dropped.
func (r *REPL) submit(ctx context.Context, line string) error {
	var text string
	tc := capture.NewTextCapturer(
		func(s string) { text = s },
		func() bool { return r.orchestrator.State().IsLoading },
	)
	tc.Update(line)
	if !tc.Submit() {
		if r.orchestrator.State().IsLoading {
			return conversation.ErrBusy
		}
		return nil
	}
	return r.orchestrator.HandleText(ctx, text)
}

func (r *REPL) toggleRecording(ctx context.Context) error {
	if r.mic == nil {
		return errors.New("no microphone configured")
	}
	wasIdle := r.voice.State() == capture.VoiceIdle
	if wasIdle && r.orchestrator.State().IsLoading {
		return conversation.ErrBusy
	}
	if err := r.voice.Toggle(ctx, r.mic); err != nil {
		if errors.Is(err, capture.ErrPermissionDenied) || errors.Is(err, capture.ErrDeviceUnavailable) {
			// Already reported by the error hook.
			return nil
		}
		return err
	}
	if wasIdle {
		r.println("Recording... type /rec to stop.")
	}
	return nil
}

func (r *REPL) setTTS(arg string) error {
	switch arg {
	case "on":
		r.orchestrator.SetTTSEnabled(true)
	case "off":
		r.orchestrator.SetTTSEnabled(false)
	case "":
		state := "off"
		if r.orchestrator.State().IsTTSEnabled {
			state = "on"
		}
		r.println("Speech is %s.", state)
	default:
		return fmt.Errorf("usage: /tts on|off")
	}
	return nil
}

func (r *REPL) replay(arg string) error {
	audible := audibleMessages(r.orchestrator.State().Messages)
	if len(audible) == 0 {
		return errors.New("no audio response to play")
	}

	idx := len(audible)
	if arg != "" {
		n, err := strconv.Atoi(arg)
		if err != nil || n < 1 || n > len(audible) {
			return fmt.Errorf("usage: /play [1-%d]", len(audible))
		}
		idx = n
	}
	return r.orchestrator.Replay(audible[idx-1].ID)
}

func (r *REPL) render(ev conversation.Event) {
	switch ev.Kind {
	case conversation.EventMessage:
		r.printMessage(ev.Message, audibleIndex(ev.State.Messages, ev.Message.MessageID()))
	case conversation.EventLoading:
		if ev.State.IsLoading {
			r.println("Ganesha is responding...")
		}
	case conversation.EventTTS:
		state := "off"
		if ev.State.IsTTSEnabled {
			state = "on"
		}
		r.println("Speech is %s.", state)
	}
}

func (r *REPL) printHistory() {
	msgs := r.orchestrator.State().Messages
	for _, msg := range msgs {
		r.printMessage(msg, audibleIndex(msgs, msg.MessageID()))
	}
}

// printMessage prints msg. audio is the number /play accepts for it, or zero.
func (r *REPL) printMessage(msg models.Message, audio int) {
	r.outMu.Lock()
	defer r.outMu.Unlock()

	switch msg := msg.(type) {
	case models.UserMessage:
		via := ""
		if msg.IsVoice {
			via = " (voice)"
		}
		fmt.Fprintf(r.out, "[%s] You%s: %s\n", msg.Timestamp.Format(time.Kitchen), via, msg.Text)
	case models.AssistantMessage:
		fmt.Fprintf(r.out, "[%s] Ganesha:\n", msg.Timestamp.Format(time.Kitchen))
		if msg.Response.BlessingOpen != "" {
			fmt.Fprintf(r.out, "  ~ %s ~\n", msg.Response.BlessingOpen)
		}
		for _, line := range strings.Split(msg.Response.Answer, "\n") {
			fmt.Fprintf(r.out, "  %s\n", line)
		}
		if msg.Response.BlessingClose != "" {
			fmt.Fprintf(r.out, "  ~ %s ~\n", msg.Response.BlessingClose)
		}
		if audio > 0 {
			fmt.Fprintf(r.out, "  (audio: /play %d)\n", audio)
		}
	}
}

func (r *REPL) println(format string, args ...any) {
	r.outMu.Lock()
	defer r.outMu.Unlock()

	fmt.Fprintf(r.out, format+"\n", args...)
}

func audibleMessages(msgs []models.Message) []models.AssistantMessage {
	var res []models.AssistantMessage
	for _, msg := range msgs {
		if am, ok := msg.(models.AssistantMessage); ok && am.AudioURL != "" {
			res = append(res, am)
		}
	}
	return res
}

// audibleIndex returns the 1-based position of id among the messages carrying audio, or zero.
func audibleIndex(msgs []models.Message, id string) int {
	for i, am := range audibleMessages(msgs) {
		if am.ID == id {
			return i + 1
		}
	}
	return 0
}
