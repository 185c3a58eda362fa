package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MegaGrindStone/ganapathi"
	"github.com/MegaGrindStone/ganapathi/internal/capture"
	"github.com/MegaGrindStone/ganapathi/internal/conversation"
	"github.com/MegaGrindStone/ganapathi/internal/handlers"
	"github.com/MegaGrindStone/ganapathi/internal/playback"
	"github.com/spf13/cobra"
)

const errLoggerKey = "err"

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the conversation page",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			return serve(*a)
		},
	}
}

func serve(a app) error {
	logger := a.logger

	cache, err := a.audioCache("/audio/")
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

	broadcaster := handlers.NewBroadcaster(logger)
	player := playback.NewBrowserPlayer(broadcaster)
	driver := playback.NewDriver(player, logger, playback.WithCacheBust(a.cfg.TTS.cacheBust()))
	broadcaster.OnSpeakerChange(driver.Stop)

	metrics := conversation.NewMetrics("")
	orch := conversation.New(assistant, sessions, driver, logger,
		conversation.WithTTSEnabled(a.cfg.TTS.enabled()),
		conversation.WithMetrics(metrics),
	)
	voice := capture.NewVoiceCapturer(logger)

	m, err := handlers.NewMain(orch, voice, player, broadcaster, handlers.Avatar{
		Idle:     a.cfg.Avatar.idle(),
		Speaking: a.cfg.Avatar.speaking(),
	}, logger)
	if err != nil {
		return err
	}

	staticFS, err := fs.Sub(ganapathi.StaticFS, "static")
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/static/", http.StripPrefix("/static/", http.FileServer(http.FS(staticFS))))
	mux.Handle("/audio/", http.StripPrefix("/audio/", http.FileServer(http.Dir(cache.Dir()))))
	mux.HandleFunc("/", m.HandleHome)
	mux.Handle("/sse", broadcaster)
	mux.HandleFunc("POST /text-message", m.HandleTextMessage)
	mux.HandleFunc("/voice/stream", m.HandleVoiceStream)
	mux.HandleFunc("/voice/stop", m.HandleVoiceStop)
	mux.HandleFunc("/tts", m.HandleTTS)
	mux.HandleFunc("POST /messages/{id}/play", m.HandleReplay)
	mux.HandleFunc("/playback/ended", m.HandlePlaybackEnded)
	mux.HandleFunc("/playback/error", m.HandlePlaybackError)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", m.HandleHealth)

	srv := &http.Server{
		Addr:              ":" + a.cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	srv.RegisterOnShutdown(func() {
		orch.Close()
		_ = voice.Stop()
		if err := m.Shutdown(context.Background()); err != nil {
			logger.Error("Failed to shutdown sse server", slog.String(errLoggerKey, err.Error()))
		}
	})

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("Server starting", slog.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server error: %w", err)

	case sig := <-shutdown:
		logger.Info("Start shutdown", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Graceful shutdown failed", slog.String(errLoggerKey, err.Error()))
			if err := srv.Close(); err != nil {
				logger.Error("Forcing server close", slog.String(errLoggerKey, err.Error()))
			}
		}
	}
	return nil
}
