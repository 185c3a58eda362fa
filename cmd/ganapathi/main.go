package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/MegaGrindStone/ganapathi/internal/services"
	"github.com/MegaGrindStone/ganapathi/internal/session"
	"github.com/spf13/cobra"
)

// app carries what every subcommand needs once the config is loaded.
type app struct {
	cfgDir string
	cfg    config
	logger *slog.Logger
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		cfgPath string
		a       app
	)

	root := &cobra.Command{
		Use:          "ganapathi",
		Short:        "Talk to Lord Ganesha by voice or text",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			loaded, err := setup(cfgPath, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			a = loaded
			return nil
		},
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "path to the config file (default <user config dir>/ganapathi/config.yaml)")

	root.AddCommand(
		newServeCmd(&a),
		newChatCmd(&a),
		newSessionCmd(&a),
	)
	return root
}

func setup(cfgPath string, logOut io.Writer) (app, error) {
	userCfgDir, err := os.UserConfigDir()
	if err != nil {
		return app{}, fmt.Errorf("error getting user config dir: %w", err)
	}
	cfgDir := filepath.Join(userCfgDir, "ganapathi")
	if err := os.MkdirAll(cfgDir, 0755); err != nil {
		return app{}, fmt.Errorf("error creating config directory: %w", err)
	}
	if cfgPath == "" {
		cfgPath = filepath.Join(cfgDir, "config.yaml")
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		return app{}, err
	}
	level, err := parseLogLevel(cfg.LogLevel)
	if err != nil {
		return app{}, err
	}

	logger := slog.New(slog.NewTextHandler(logOut, &slog.HandlerOptions{Level: level}))
	logger.Debug("Config loaded", slog.String("path", cfgPath))

	return app{cfgDir: cfgDir, cfg: cfg, logger: logger}, nil
}

// audioCache is where self-hosted backends store synthesized speech. baseURL is the prefix
// under which the files are reachable by the player; empty means plain file paths.
func (a app) audioCache(baseURL string) (services.AudioCache, error) {
	dir := a.cfg.Audio.CacheDir
	if dir == "" {
		dir = filepath.Join(a.cfgDir, "audio")
	}
	return services.NewAudioCache(dir, baseURL)
}

// sessionProvider opens the configured store. The returned closer must be called once the
// provider is no longer used.
func (a app) sessionProvider() (session.Provider, io.Closer, error) {
	store, closer, err := a.cfg.SessionStore.store(a.cfgDir)
	if err != nil {
		return session.Provider{}, nil, fmt.Errorf("error opening session store: %w", err)
	}
	return session.NewProvider(store, session.NewID, a.logger), closer, nil
}

func newSessionCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "session",
		Short: "Print the session identifier sent with every request",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			provider, closer, err := a.sessionProvider()
			if err != nil {
				return err
			}
			defer closer.Close()

			fmt.Fprintln(cmd.OutOrStdout(), provider.SessionID(context.Background()))
			return nil
		},
	}
}
