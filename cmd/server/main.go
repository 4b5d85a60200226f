package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"github.com/omochice/relay-chat/internal/auth"
	"github.com/omochice/relay-chat/internal/chat"
	"github.com/omochice/relay-chat/internal/config"
	"github.com/omochice/relay-chat/internal/server"
)

var (
	// Build information. Populated at build-time via -ldflags flag.
	version = "dev"
	commit  = "HEAD"
	date    = "now"
)

func build() string {
	short := commit
	if len(commit) > 7 {
		short = commit[:7]
	}

	return fmt.Sprintf("%s (%s) %s", version, short, date)
}

type flags struct {
	LogLevel   string
	LogFile    string
	ConfigPath string
	EnvFile    string
	Config     *config.Config

	logFile io.Closer
}

// closeLog releases the log file opened by Before, if any.
func (f *flags) closeLog() {
	if f.logFile == nil {
		return
	}
	if err := f.logFile.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "close log file: %v\n", err)
	}
	f.logFile = nil
}

func main() {
	if _, err := setupLogger("info", ""); err != nil {
		panic(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	f := &flags{}
	app := &cli.Command{
		Name:    "relay-server",
		Usage:   "Real-time chat relay",
		Version: build(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "log level (debug, info, warn, error, fatal, panic)",
				Sources:     cli.EnvVars("RELAY_LOG_LEVEL"),
				Value:       "info",
				Destination: &f.LogLevel,
			},
			&cli.StringFlag{
				Name:        "log-file",
				Usage:       "path to log file (optional)",
				Sources:     cli.EnvVars("RELAY_LOG_FILE"),
				Destination: &f.LogFile,
			},
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "path to config file",
				Sources:     cli.EnvVars("RELAY_CONFIG"),
				Value:       "relay.yaml",
				Destination: &f.ConfigPath,
			},
			&cli.StringFlag{
				Name:        "env-file",
				Usage:       "dotenv file loaded before the config",
				Value:       ".env",
				Destination: &f.EnvFile,
			},
		},
		Before: func(ctx context.Context, c *cli.Command) (context.Context, error) {
			logFile, err := setupLogger(f.LogLevel, f.LogFile)
			if err != nil {
				return ctx, err
			}
			f.logFile = logFile
			if err := config.LoadEnvFile(f.EnvFile); err != nil {
				return ctx, err
			}

			cfg, err := config.Load(f.ConfigPath)
			if err != nil {
				return ctx, fmt.Errorf("load config: %w", err)
			}
			f.Config = cfg
			return ctx, nil
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			srv, err := server.New(f.Config, log.With().Str("service", "relay").Logger())
			if err != nil {
				return err
			}
			return srv.Run(ctx)
		},
		Commands: []*cli.Command{
			tokenCmd(f),
		},
	}

	err := app.Run(ctx, os.Args)
	if err != nil {
		log.Error().Err(err).Msg("relay-server failed")
	}
	f.closeLog()
	if err != nil {
		os.Exit(1)
	}
}

// tokenCmd signs a development token with the configured secret.
func tokenCmd(f *flags) *cli.Command {
	var (
		userID   string
		username string
		ttl      time.Duration
	)
	return &cli.Command{
		Name:  "token",
		Usage: "print a signed token for a user",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "user-id", Required: true, Destination: &userID},
			&cli.StringFlag{Name: "username", Destination: &username},
			&cli.DurationFlag{Name: "ttl", Value: 24 * time.Hour, Destination: &ttl},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			if f.Config.Auth.JWTSecret == "" {
				return fmt.Errorf("no jwt secret configured (set JWT_SECRET or auth.jwt_secret)")
			}
			if username == "" {
				username = userID
			}
			token, err := auth.Sign(f.Config.Auth.JWTSecret, chat.Identity{UserID: userID, Username: username}, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(c.Root().Writer, token)
			return err
		},
	}
}

// setupLogger points the global logger at stderr and, when logFile is
// set, at that file too. The returned closer is nil without a log file.
func setupLogger(level string, logFile string) (io.Closer, error) {
	parsedLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("failed to parse log level: %w", err)
	}

	var (
		output io.Writer = zerolog.ConsoleWriter{Out: os.Stderr}
		closer io.Closer
	)

	if logFile != "" {
		logDir := filepath.Dir(logFile)
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}

		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		closer = file

		output = io.MultiWriter(zerolog.ConsoleWriter{Out: os.Stderr}, file)
	}

	log.Logger = log.Output(output).Level(parsedLevel)

	return closer, nil
}
