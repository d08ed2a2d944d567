package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pocketpaw/pocketpaw/internal/config"
	"github.com/pocketpaw/pocketpaw/internal/runtime"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd(stateDir *string) *cobra.Command {
	var (
		host string
		port int
		dev  bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the runtime with all enabled channels",
		Long: `Start the agent runtime: the HTTP/SSE/WS surface, every enabled
channel adapter, the agent loop, and the reminder scheduler. Shuts down
cleanly on SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), serveConfig{
				stateDir: *stateDir,
				host:     host,
				port:     port,
				portSet:  cmd.Flags().Changed("port"),
				dev:      dev,
			})
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "Bind address (overrides settings)")
	cmd.Flags().IntVar(&port, "port", 0, "Bind port (overrides settings)")
	cmd.Flags().BoolVar(&dev, "dev", false, "Verbose logging for development")

	return cmd
}

func newBotCmd(stateDir *string) *cobra.Command {
	var (
		token string
		dev   bool
	)

	cmd := &cobra.Command{
		Use:   "bot <telegram|discord|slack|signal|whatsapp>",
		Short: "Enable one messaging channel and start the runtime",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := enableChannel(*stateDir, args[0], token); err != nil {
				return err
			}
			return runServe(cmd.Context(), serveConfig{stateDir: *stateDir, dev: dev})
		},
	}

	cmd.Flags().StringVar(&token, "token", "", "Bot token to store for the channel")
	cmd.Flags().BoolVar(&dev, "dev", false, "Verbose logging for development")

	return cmd
}

type serveConfig struct {
	stateDir string
	host     string
	port     int
	portSet  bool
	dev      bool
}

func runServe(ctx context.Context, cfg serveConfig) error {
	logger := newLogger(cfg.dev)

	if cfg.host != "" || cfg.portSet {
		store, err := config.NewStore(cfg.stateDir)
		if err != nil {
			return fmt.Errorf("load settings: %w", err)
		}
		err = store.Update(func(s *config.Settings) error {
			if cfg.host != "" {
				s.Host = cfg.host
			}
			if cfg.portSet {
				s.Port = cfg.port
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("apply overrides: %w", err)
		}
	}

	rt, err := runtime.New(runtime.Options{
		StateDir: cfg.stateDir,
		Logger:   logger,
		Version:  version,
	})
	if err != nil {
		return err
	}

	settings := rt.Settings.Get()
	if settings.AnthropicAPIKey == "" && settings.OpenAIAPIKey == "" {
		return dependencyErrorf("no model provider configured: set anthropic_api_key or openai_api_key in %s",
			rt.Settings.Path())
	}

	runCtx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rt.Start(runCtx); err != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer stopCancel()
		rt.Shutdown(stopCtx)
		return err
	}

	<-runCtx.Done()
	logger.Info("shutting down")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stopCancel()
	rt.Shutdown(stopCtx)
	return nil
}

// enableChannel flips the named channel on (storing the token when given)
// and verifies its credentials are present.
func enableChannel(stateDir, channel, token string) error {
	store, err := config.NewStore(stateDir)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	err = store.Update(func(s *config.Settings) error {
		switch channel {
		case "telegram":
			s.Channels.Telegram.Enabled = true
			if token != "" {
				s.Channels.Telegram.BotToken = token
			}
		case "discord":
			s.Channels.Discord.Enabled = true
			if token != "" {
				s.Channels.Discord.BotToken = token
			}
		case "slack":
			s.Channels.Slack.Enabled = true
			if token != "" {
				s.Channels.Slack.BotToken = token
			}
		case "signal":
			s.Channels.Signal.Enabled = true
		case "whatsapp":
			s.Channels.WhatsApp.Enabled = true
		default:
			return fmt.Errorf("unknown channel %q", channel)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s := store.Get().Channels
	switch channel {
	case "telegram":
		if s.Telegram.BotToken == "" {
			return dependencyErrorf("telegram bot token missing: pass --token or set channels.telegram.bot_token")
		}
	case "discord":
		if s.Discord.BotToken == "" {
			return dependencyErrorf("discord bot token missing: pass --token or set channels.discord.bot_token")
		}
	case "slack":
		if s.Slack.BotToken == "" || s.Slack.AppToken == "" {
			return dependencyErrorf("slack needs channels.slack.bot_token and app_token")
		}
	case "signal":
		if s.Signal.APIURL == "" || s.Signal.Account == "" {
			return dependencyErrorf("signal needs channels.signal.api_url and account")
		}
	}
	return nil
}

func newLogger(dev bool) *slog.Logger {
	level := slog.LevelInfo
	if dev {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
