package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/MegaGrindStone/ganapathi/internal/capture"
	"github.com/MegaGrindStone/ganapathi/internal/conversation"
	"github.com/MegaGrindStone/ganapathi/internal/playback"
	"github.com/MegaGrindStone/ganapathi/internal/terminal"
	"github.com/spf13/cobra"
)

func newChatCmd(a *app) *cobra.Command {
	var noMic bool

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Converse in the terminal, speaking replies through the host audio player",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return chat(cmd.Context(), *a, noMic)
		},
	}
	cmd.Flags().BoolVar(&noMic, "no-mic", false, "disable voice recording")
	return cmd
}

func chat(ctx context.Context, a app, noMic bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := a.logger

	cache, err := a.audioCache("")
	if err != nil {
		return err
	}
	assistant, err := a.cfg.Assistant.assistant(cache, logger)
	if err != nil {
		return fmt.Errorf("error creating assistant: %w", err)
	}
	sessions, sessionCloser, err := a.sessionProvider()
	if err != nil {
		return err
	}
	defer sessionCloser.Close()

	player := playback.NewExecPlayer(a.cfg.Audio.PlayerCommand, logger)
	driver := playback.NewDriver(player, logger, playback.WithCacheBust(a.cfg.TTS.cacheBust()))
	defer driver.Stop()

	orch := conversation.New(assistant, sessions, driver, logger,
		conversation.WithTTSEnabled(a.cfg.TTS.enabled()),
	)
	defer orch.Close()

	voice := capture.NewVoiceCapturer(logger)
	var mic capture.Microphone
	if !noMic {
		mic = capture.NewFFmpegMicrophone(a.cfg.Audio.MicrophoneCommand)
	}

	repl := terminal.New(orch, voice, mic, os.Stdin, os.Stdout, logger)
	err = repl.Run(ctx)
	if voice.State() == capture.VoiceRecording {
		_ = voice.Stop()
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
