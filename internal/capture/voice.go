// Package capture turns user input into finalized intents: a voice recording becomes an audio
// clip, typed text becomes a trimmed string.
package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/MegaGrindStone/ganapathi/internal/models"
)

var (
	// ErrPermissionDenied is returned when the platform refuses microphone access.
	ErrPermissionDenied = errors.New("microphone permission denied")
	// ErrDeviceUnavailable is returned when no usable microphone exists.
	ErrDeviceUnavailable = errors.New("microphone unavailable")
	// ErrAlreadyRecording is returned by Start while a recording is in progress.
	ErrAlreadyRecording = errors.New("already recording")
	// ErrNotRecording is returned by Stop when nothing is being recorded.
	ErrNotRecording = errors.New("not recording")
)

const errLoggerKey = "err"

// Microphone acquires an audio stream.
type Microphone interface {
	Open(ctx context.Context) (AudioStream, error)
}

// AudioStream is an acquired microphone. Read returns encoded chunks until the source ends, at
// which point it returns io.EOF. Stop asks the source to flush and end. Close releases the
// underlying device and may be called at any time.
type AudioStream interface {
	Read() ([]byte, error)
	Stop() error
	Close() error
	MIMEType() string
}

// VoiceState is the state of a VoiceCapturer.
type VoiceState int

const (
	// VoiceIdle means no recording is in progress.
	VoiceIdle VoiceState = iota
	// VoiceStarting means a microphone is being acquired.
	VoiceStarting
	// VoiceRecording means chunks are being accumulated.
	VoiceRecording
)

func (s VoiceState) String() string {
	switch s {
	case VoiceStarting:
		return "starting"
	case VoiceRecording:
		return "recording"
	default:
		return "idle"
	}
}

// VoiceCapturer records one clip at a time. It is a restartable two-state machine: Idle, then
// Recording, then Idle again once the clip has been finalized and handed to OnComplete.
type VoiceCapturer struct {
	mu      sync.Mutex
	state   VoiceState
	stream  AudioStream
	started time.Time
	done    chan struct{}

	onStart    []func()
	onComplete []func(models.AudioClip)
	onError    []func(error)
	onTick     []func(time.Duration)

	now         func() time.Time
	tick        time.Duration
	stopTimeout time.Duration

	logger *slog.Logger
}

// VoiceOption configures a VoiceCapturer.
type VoiceOption func(*VoiceCapturer)

// WithVoiceClock overrides the clock used for elapsed time.
func WithVoiceClock(now func() time.Time) VoiceOption {
	return func(v *VoiceCapturer) {
		v.now = now
	}
}

// WithTickInterval sets how often OnTick listeners are told the elapsed time. Zero disables
// ticking.
func WithTickInterval(d time.Duration) VoiceOption {
	return func(v *VoiceCapturer) {
		v.tick = d
	}
}

// WithStopTimeout bounds how long Stop waits for the source to flush before the stream is
// closed forcibly.
func WithStopTimeout(d time.Duration) VoiceOption {
	return func(v *VoiceCapturer) {
		v.stopTimeout = d
	}
}

// NewVoiceCapturer creates an idle VoiceCapturer.
func NewVoiceCapturer(logger *slog.Logger, opts ...VoiceOption) *VoiceCapturer {
	v := &VoiceCapturer{
		now:         time.Now,
		tick:        time.Second,
		stopTimeout: 5 * time.Second,
		logger:      logger.With(slog.String("module", "voice")),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// OnStart registers fn to run before a microphone is acquired.
func (v *VoiceCapturer) OnStart(fn func()) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.onStart = append(v.onStart, fn)
}

// OnComplete registers fn to receive every finalized clip.
func (v *VoiceCapturer) OnComplete(fn func(models.AudioClip)) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.onComplete = append(v.onComplete, fn)
}

// OnError registers fn to be told about microphone failures. Presentations use it to alert
// the user.
func (v *VoiceCapturer) OnError(fn func(error)) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.onError = append(v.onError, fn)
}

// OnTick registers fn to receive the elapsed recording time while recording.
func (v *VoiceCapturer) OnTick(fn func(time.Duration)) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.onTick = append(v.onTick, fn)
}

// State returns the current state.
func (v *VoiceCapturer) State() VoiceState {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

// Elapsed returns how long the current recording has been running, or zero when idle.
func (v *VoiceCapturer) Elapsed() time.Duration {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.state != VoiceRecording {
		return 0
	}
	return v.now().Sub(v.started)
}

// Toggle stops the current recording, or starts a new one on mic when idle.
func (v *VoiceCapturer) Toggle(ctx context.Context, mic Microphone) error {
	if v.State() == VoiceRecording {
		return v.Stop()
	}
	return v.Start(ctx, mic)
}

// Start acquires mic and begins accumulating chunks. It fails with ErrAlreadyRecording when a
// recording is already starting or running. Acquisition errors leave the capturer idle and are
// reported to OnError listeners as well as returned.
func (v *VoiceCapturer) Start(ctx context.Context, mic Microphone) error {
	v.mu.Lock()
	if v.state != VoiceIdle {
		v.mu.Unlock()
		return ErrAlreadyRecording
	}
	v.state = VoiceStarting
	onStart := append([]func(){}, v.onStart...)
	v.mu.Unlock()

	for _, fn := range onStart {
		fn()
	}

	stream, err := mic.Open(ctx)
	if err != nil {
		v.mu.Lock()
		v.state = VoiceIdle
		v.mu.Unlock()

		v.logger.Error("Error accessing microphone", slog.String(errLoggerKey, err.Error()))
		v.emitError(err)
		return err
	}

	done := make(chan struct{})

	v.mu.Lock()
	v.state = VoiceRecording
	v.stream = stream
	v.started = v.now()
	v.done = done
	v.mu.Unlock()

	v.logger.Debug("Recording started", slog.String("mimeType", stream.MIMEType()))

	go v.record(stream, done)
	if v.tick > 0 {
		go v.ticker(done)
	}
	return nil
}

// Stop asks the source to finish, waits for the remaining chunks and finalizes the clip. The
// stream is released whether or not finalization succeeds.
func (v *VoiceCapturer) Stop() error {
	v.mu.Lock()
	if v.state != VoiceRecording {
		v.mu.Unlock()
		return ErrNotRecording
	}
	stream := v.stream
	done := v.done
	v.mu.Unlock()

	if err := stream.Stop(); err != nil {
		v.logger.Warn("Failed to stop audio source, closing it", slog.String(errLoggerKey, err.Error()))
		_ = stream.Close()
	}

	select {
	case <-done:
	case <-time.After(v.stopTimeout):
		v.logger.Warn("Audio source did not finish in time, closing it")
		_ = stream.Close()
		<-done
	}
	return nil
}

func (v *VoiceCapturer) record(stream AudioStream, done chan struct{}) {
	var (
		buf     bytes.Buffer
		readErr error
	)

	func() {
		defer stream.Close()

		for {
			chunk, err := stream.Read()
			if len(chunk) > 0 {
				buf.Write(chunk)
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					readErr = err
				}
				return
			}
		}
	}()

	v.mu.Lock()
	elapsed := v.now().Sub(v.started)
	v.state = VoiceIdle
	v.stream = nil
	v.done = nil
	onComplete := append([]func(models.AudioClip){}, v.onComplete...)
	v.mu.Unlock()
	close(done)

	if readErr != nil && buf.Len() == 0 {
		v.logger.Error("Recording failed", slog.String(errLoggerKey, readErr.Error()))
		v.emitError(fmt.Errorf("recording failed: %w", readErr))
		return
	}
	if readErr != nil {
		v.logger.Warn("Recording ended early", slog.String(errLoggerKey, readErr.Error()))
	}

	clip := models.AudioClip{
		Data:     buf.Bytes(),
		MIMEType: baseMIMEType(stream.MIMEType()),
		Filename: "recording.webm",
		Duration: elapsed,
	}
	v.logger.Debug("Recording finalized",
		slog.Int("bytes", len(clip.Data)),
		slog.Duration("duration", elapsed))

	for _, fn := range onComplete {
		fn(clip)
	}
}

func (v *VoiceCapturer) ticker(done chan struct{}) {
	t := time.NewTicker(v.tick)
	defer t.Stop()

	for {
		select {
		case <-done:
			return
		case <-t.C:
			v.mu.Lock()
			if v.done != done {
				v.mu.Unlock()
				return
			}
			elapsed := v.now().Sub(v.started)
			fns := append([]func(time.Duration){}, v.onTick...)
			v.mu.Unlock()

			for _, fn := range fns {
				fn(elapsed)
			}
		}
	}
}

func (v *VoiceCapturer) emitError(err error) {
	v.mu.Lock()
	fns := append([]func(error){}, v.onError...)
	v.mu.Unlock()

	for _, fn := range fns {
		fn(err)
	}
}

// baseMIMEType strips codec parameters: "audio/webm;codecs=opus" becomes "audio/webm".
func baseMIMEType(mimeType string) string {
	for i, c := range mimeType {
		if c == ';' {
			return mimeType[:i]
		}
	}
	if mimeType == "" {
		return "audio/webm"
	}
	return mimeType
}

// FormatElapsed renders d as m:ss for the recording timer.
func FormatElapsed(d time.Duration) string {
	secs := int(d / time.Second)
	return fmt.Sprintf("%d:%02d", secs/60, secs%60)
}
