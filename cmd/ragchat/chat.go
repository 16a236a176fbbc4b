package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"

	"github.com/comigor/ragchat-go/internal/gateway"
	"github.com/comigor/ragchat-go/internal/session"
)

const chatHelp = `Commands:
  /upload <file>...  upload documents to the knowledge base
  /uploads           show recent uploads
  /logout            sign out and start over
  /help              show this help
  /quit              leave the chat`

func chatCommand(g *globals) *cli.Command {
	return &cli.Command{
		Name:  "chat",
		Usage: "Interactive conversation about your documents",
		Action: withApp(g, func(ctx context.Context, c *cli.Command, a *app) error {
			rl, err := readline.NewEx(&readline.Config{
				Prompt:          "> ",
				HistoryFile:     historyFile(),
				InterruptPrompt: "^C",
				EOFPrompt:       "/quit",
				Stdout:          c.Root().Writer,
			})
			if err != nil {
				return goerr.Wrap(err, "failed to start prompt")
			}
			defer rl.Close()

			return chatLoop(ctx, rl, c.Root().Writer, a)
		}),
	}
}

// lineReader is the part of readline the loop uses.
type lineReader interface {
	Readline() (string, error)
}

func chatLoop(ctx context.Context, rl lineReader, w io.Writer, a *app) error {
	for _, m := range a.session.Messages() {
		renderMessage(w, m)
	}
	fmt.Fprintln(w, "Type /help for commands.")

	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return nil
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return goerr.Wrap(err, "failed to read input")
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			if quit := chatCommandLine(ctx, w, a, line); quit {
				return nil
			}
			continue
		}

		stop := progress("Thinking...")
		msg, err := a.session.Ask(ctx, line)
		stop()

		switch {
		case errors.Is(err, session.ErrBusy):
			systemStyle.Fprintln(w, "Still waiting for the previous answer.")
		case errors.Is(err, session.ErrDiscarded):
			systemStyle.Fprintln(w, "You were signed out; the answer was dropped.")
		default:
			renderMessage(w, msg)
			if errors.Is(err, gateway.ErrAuthRequired) {
				systemStyle.Fprintln(w, "Update api.token and restart to sign in again.")
			}
		}
	}
}

func chatCommandLine(ctx context.Context, w io.Writer, a *app, line string) (quit bool) {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return true
	case "/help":
		fmt.Fprintln(w, chatHelp)
	case "/upload":
		if len(fields) < 2 {
			fmt.Fprintln(w, "usage: /upload <file>...")
			return false
		}
		// per-file outcomes are already printed
		_ = uploadFiles(ctx, w, a, fields[1:])
	case "/uploads":
		recent := a.pipeline.Recent(0)
		if len(recent) == 0 {
			fmt.Fprintln(w, "No uploads yet")
		}
		for _, rec := range recent {
			renderRecord(w, rec)
		}
	case "/logout":
		a.identity.Teardown()
		for _, m := range a.session.Messages() {
			renderMessage(w, m)
		}
	default:
		fmt.Fprintf(w, "unknown command %s, try /help\n", fields[0])
	}
	return false
}

func historyFile() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "ragchat_history")
}
