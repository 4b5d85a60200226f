package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"github.com/omochice/relay-chat/internal/client"
	"github.com/omochice/relay-chat/pkg/protocol"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).Level(zerolog.InfoLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		serverURL string
		token     string
		to        string
	)

	app := &cli.Command{
		Name:  "relay-client",
		Usage: "Terminal client for the chat relay",
		Description: `Lines typed on stdin are sent to --to. A line of the form
"/file <path> [text]" sends the file as an attachment.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "server",
				Usage:       "relay WebSocket URL",
				Sources:     cli.EnvVars("RELAY_URL"),
				Value:       "ws://localhost:4040/ws",
				Destination: &serverURL,
			},
			&cli.StringFlag{
				Name:        "token",
				Usage:       "signed identity token",
				Sources:     cli.EnvVars("RELAY_TOKEN"),
				Destination: &token,
			},
			&cli.StringFlag{
				Name:        "to",
				Usage:       "recipient user id",
				Required:    true,
				Destination: &to,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			return run(ctx, serverURL, token, to)
		},
	}

	if err := app.Run(ctx, os.Args); err != nil {
		log.Error().Err(err).Msg("relay-client failed")
		os.Exit(1)
	}
}

func run(ctx context.Context, serverURL, token, to string) error {
	c := client.New(serverURL, token, log.Logger)
	if err := c.Connect(ctx); err != nil {
		return err
	}
	defer c.Disconnect()

	log.Info().Str("server", serverURL).Msg("connected")

	go func() {
		for f := range c.Frames() {
			printFrame(f)
		}
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		if err := scanner.Err(); err != nil {
			log.Error().Err(err).Msg("error reading input")
		}
	}()

	fmt.Println("Type your messages (or 'quit' to exit):")
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if line == "quit" || line == "exit" {
				return nil
			}
			if err := send(ctx, c, to, line); err != nil {
				log.Error().Err(err).Msg("failed to send message")
			}
		}
	}
}

func send(ctx context.Context, c *client.Client, to, line string) error {
	rest, ok := strings.CutPrefix(line, "/file ")
	if !ok {
		return c.SendText(ctx, to, line)
	}

	path, text, _ := strings.Cut(strings.TrimSpace(rest), " ")
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return c.SendFile(ctx, to, strings.TrimSpace(text), filepath.Base(path), data)
}

func printFrame(f protocol.Frame) {
	switch {
	case f.Presence != nil:
		names := make([]string, 0, len(f.Presence.Online))
		for _, p := range f.Presence.Online {
			names = append(names, p.Username)
		}
		fmt.Printf("*** online: %s ***\n", strings.Join(names, ", "))
	case f.Delivery != nil:
		d := f.Delivery
		if d.Text != "" {
			fmt.Printf("[%s]: %s\n", d.Sender, d.Text)
		}
		if d.File != "" {
			fmt.Printf("[%s] sent file %s\n", d.Sender, d.File)
		}
	}
}
