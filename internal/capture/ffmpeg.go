package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
)

// DefaultMicrophoneCommand records the default PulseAudio source as webm/opus on stdout.
var DefaultMicrophoneCommand = []string{
	"ffmpeg", "-hide_banner", "-loglevel", "error",
	"-f", "pulse", "-i", "default",
	"-c:a", "libopus", "-f", "webm", "pipe:1",
}

const ffmpegChunkSize = 4096

// FFmpegMicrophone records from a host audio device by running an ffmpeg-compatible command
// that writes an encoded stream to stdout.
type FFmpegMicrophone struct {
	command []string
}

// NewFFmpegMicrophone creates an FFmpegMicrophone. An empty command selects
// DefaultMicrophoneCommand.
func NewFFmpegMicrophone(command []string) FFmpegMicrophone {
	if len(command) == 0 {
		command = DefaultMicrophoneCommand
	}
	return FFmpegMicrophone{command: command}
}

// Open implements Microphone.
func (m FFmpegMicrophone) Open(ctx context.Context) (AudioStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(m.command[0], m.command[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("error creating stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("error creating stdout pipe: %w", err)
	}
	s := &ffmpegStream{cmd: cmd, stdin: stdin, stdout: stdout}
	cmd.Stderr = &s.stderr

	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
		}
		if errors.Is(err, os.ErrPermission) {
			return nil, fmt.Errorf("%w: %w", ErrPermissionDenied, err)
		}
		return nil, fmt.Errorf("error starting %s: %w", m.command[0], err)
	}
	return s, nil
}

type ffmpegStream struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr bytes.Buffer

	waitOnce  sync.Once
	waitErr   error
	closeOnce sync.Once
}

func (s *ffmpegStream) Read() ([]byte, error) {
	buf := make([]byte, ffmpegChunkSize)
	n, err := s.stdout.Read(buf)
	if n > 0 {
		return buf[:n], nil
	}
	if err == nil {
		return nil, nil
	}
	if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
		return nil, err
	}

	if werr := s.wait(); werr != nil {
		return nil, classifyDeviceError(werr, s.stderr.String())
	}
	return nil, io.EOF
}

// Stop asks ffmpeg to quit, which makes it finalize the container before exiting.
func (s *ffmpegStream) Stop() error {
	if _, err := s.stdin.Write([]byte("q")); err != nil {
		if s.cmd.Process != nil {
			return s.cmd.Process.Signal(os.Interrupt)
		}
		return err
	}
	return s.stdin.Close()
}

func (s *ffmpegStream) Close() error {
	s.closeOnce.Do(func() {
		_ = s.stdin.Close()
		if s.cmd.Process != nil {
			// Fails harmlessly when the process already exited.
			_ = s.cmd.Process.Kill()
		}
		_ = s.wait()
	})
	return nil
}

func (s *ffmpegStream) MIMEType() string {
	return "audio/webm;codecs=opus"
}

func (s *ffmpegStream) wait() error {
	s.waitOnce.Do(func() {
		s.waitErr = s.cmd.Wait()
	})
	return s.waitErr
}

func classifyDeviceError(err error, stderr string) error {
	msg := strings.TrimSpace(stderr)
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "permission denied"), strings.Contains(lower, "access denied"):
		return fmt.Errorf("%w: %s", ErrPermissionDenied, msg)
	case msg != "":
		return fmt.Errorf("%w: %s", ErrDeviceUnavailable, msg)
	default:
		return fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
	}
}
