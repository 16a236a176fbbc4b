package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"

	"github.com/comigor/ragchat-go/internal/ingest"
)

func run(ctx context.Context, argv []string, stdout io.Writer) error {
	var g globals

	cmd := &cli.Command{
		Name:   "ragchat",
		Usage:  "Ask questions about your documents",
		Writer: stdout,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "Path to the config file",
				Destination: &g.configPath,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "Log level (debug, info, warn, error)",
				Destination: &g.logLevel,
			},
			&cli.StringFlag{
				Name:        "log-format",
				Usage:       "Log format (json, console)",
				Destination: &g.logFormat,
			},
			&cli.StringFlag{
				Name:        "metrics-addr",
				Usage:       "Serve Prometheus metrics on this address while the command runs",
				Sources:     cli.EnvVars("RAGCHAT_METRICS_ADDR"),
				Destination: &g.metricsAddr,
			},
		},
		Commands: []*cli.Command{
			askCommand(&g),
			chatCommand(&g),
			uploadCommand(&g),
			whoamiCommand(&g),
			historyCommand(&g),
			docsCommand(&g),
			statsCommand(&g),
			conversationCommand(&g),
			dataCommand(&g),
		},
	}

	return cmd.Run(ctx, argv)
}

// withApp builds the client for an action and releases it afterwards.
func withApp(g *globals, fn func(ctx context.Context, c *cli.Command, a *app) error) cli.ActionFunc {
	return func(ctx context.Context, c *cli.Command) error {
		a, err := newApp(*g)
		if err != nil {
			return err
		}
		defer a.close()
		return fn(ctx, c, a)
	}
}

// progress shows a spinner on stderr until the returned func is called.
func progress(label string) (stop func()) {
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(os.Stderr))
	s.Suffix = " " + label
	s.Start()
	return s.Stop
}

func askCommand(g *globals) *cli.Command {
	return &cli.Command{
		Name:      "ask",
		Usage:     "Ask a single question",
		ArgsUsage: "<question>",
		Action: withApp(g, func(ctx context.Context, c *cli.Command, a *app) error {
			question := strings.Join(c.Args().Slice(), " ")
			if strings.TrimSpace(question) == "" {
				return goerr.New("question is required")
			}

			stop := progress("Thinking...")
			msg, err := a.session.Ask(ctx, question)
			stop()

			if msg.Role != "" {
				renderMessage(c.Root().Writer, msg)
			}
			return err
		}),
	}
}

func uploadCommand(g *globals) *cli.Command {
	return &cli.Command{
		Name:      "upload",
		Usage:     "Upload documents (PDF, TXT, ZIP) to the knowledge base",
		ArgsUsage: "<file>...",
		Action: withApp(g, func(ctx context.Context, c *cli.Command, a *app) error {
			if c.Args().Len() == 0 {
				return goerr.New("at least one file is required")
			}
			return uploadFiles(ctx, c.Root().Writer, a, c.Args().Slice())
		}),
	}
}

func uploadFiles(ctx context.Context, w io.Writer, a *app, paths []string) error {
	var files []ingest.File
	var failed int
	for _, p := range paths {
		f, err := ingest.OpenFile(p)
		if err != nil {
			errorStyle.Fprint(w, "✗ ")
			fmt.Fprintf(w, "%s: %v\n", p, err)
			failed++
			continue
		}
		files = append(files, f)
	}

	stop := progress("Processing document...")
	results := a.pipeline.UploadMany(ctx, files...)
	stop()

	for _, r := range results {
		var invalid *ingest.InvalidFileError
		switch {
		case errors.As(r.Err, &invalid):
			errorStyle.Fprint(w, "✗ ")
			fmt.Fprintf(w, "%s: %s\n", invalid.Name, invalid.Reason)
			failed++
		default:
			renderRecord(w, r.Record)
			if r.Err != nil {
				failed++
			}
		}
	}

	if failed > 0 {
		return goerr.New("some uploads failed", goerr.V("failed", failed), goerr.V("total", len(paths)))
	}
	return nil
}

func whoamiCommand(g *globals) *cli.Command {
	var verify bool
	return &cli.Command{
		Name:  "whoami",
		Usage: "Show the signed-in user",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "verify",
				Usage:       "Also ask the backend to verify the credential",
				Destination: &verify,
			},
		},
		Action: withApp(g, func(ctx context.Context, c *cli.Command, a *app) error {
			w := c.Root().Writer
			if !a.identity.SignedIn() {
				fmt.Fprintln(w, "Not signed in. Set api.token or RAGCHAT_API_TOKEN.")
				return nil
			}

			p, err := a.identity.Profile(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "%s\n", p.Name())
			fmt.Fprintf(w, "  email:       %s\n", orUnknown(p.Email))
			fmt.Fprintf(w, "  uid:         %s\n", orUnknown(p.UID))
			fmt.Fprintf(w, "  member since %s\n", orUnknown(p.CreatedAt))
			fmt.Fprintf(w, "  last active  %s\n", orUnknown(p.LastActive))

			if verify {
				if _, err := a.identity.Verify(ctx); err != nil {
					return err
				}
				assistantStyle.Fprintln(w, "credential verified")
			}
			return nil
		}),
	}
}

func orUnknown(s string) string {
	if s == "" {
		return "Unknown"
	}
	return s
}

func historyCommand(g *globals) *cli.Command {
	var uploads bool
	var limit int64
	return &cli.Command{
		Name:      "history",
		Usage:     "List local conversations, or the messages of one",
		ArgsUsage: "[session-id]",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "uploads",
				Usage:       "List recorded uploads instead",
				Destination: &uploads,
			},
			&cli.IntFlag{
				Name:        "limit",
				Aliases:     []string{"n"},
				Usage:       "Number of uploads to show",
				Value:       ingest.DefaultRecent,
				Destination: &limit,
			},
		},
		Action: withApp(g, func(ctx context.Context, c *cli.Command, a *app) error {
			w := c.Root().Writer

			if uploads {
				recs, err := a.store.ListUploads(ctx, int(limit))
				if err != nil {
					return err
				}
				if len(recs) == 0 {
					fmt.Fprintln(w, "No uploads recorded")
				}
				for _, rec := range recs {
					renderRecord(w, rec)
				}
				return nil
			}

			if sid := c.Args().First(); sid != "" {
				msgs, err := a.store.ListMessages(ctx, sid)
				if err != nil {
					return err
				}
				if len(msgs) == 0 {
					fmt.Fprintf(w, "No messages found for session %s\n", sid)
				}
				for _, m := range msgs {
					renderMessage(w, m)
				}
				return nil
			}

			sessions, err := a.store.ListSessions(ctx)
			if err != nil {
				return err
			}
			if len(sessions) == 0 {
				fmt.Fprintln(w, "No conversations recorded")
			}
			for _, s := range sessions {
				fmt.Fprintf(w, "%s\t%d messages\t%s\n", s.SessionID, s.MessageCount, s.LastActive.Local().Format("2006-01-02 15:04:05"))
			}
			return nil
		}),
	}
}

func docsCommand(g *globals) *cli.Command {
	return &cli.Command{
		Name:  "docs",
		Usage: "Manage documents stored on the backend",
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List stored documents",
				Action: withApp(g, func(ctx context.Context, c *cli.Command, a *app) error {
					docs, err := a.account.Documents(ctx)
					if err != nil {
						return err
					}
					w := c.Root().Writer
					if len(docs) == 0 {
						fmt.Fprintln(w, "No documents")
					}
					for _, d := range docs {
						fmt.Fprintf(w, "%s\t%s\t%s\t%d chunks\t%s\n", d.ID, d.Name, formatSize(d.Size), d.Chunks, d.UploadedAt)
					}
					return nil
				}),
			},
			{
				Name:      "delete",
				Usage:     "Delete a stored document",
				ArgsUsage: "<document-id>",
				Action: withApp(g, func(ctx context.Context, c *cli.Command, a *app) error {
					id := c.Args().First()
					if id == "" {
						return goerr.New("document id is required")
					}
					if err := a.account.DeleteDocument(ctx, id); err != nil {
						return err
					}
					fmt.Fprintf(c.Root().Writer, "Deleted %s\n", id)
					return nil
				}),
			},
		},
	}
}

func statsCommand(g *globals) *cli.Command {
	return &cli.Command{
		Name:  "stats",
		Usage: "Show usage statistics",
		Action: withApp(g, func(ctx context.Context, c *cli.Command, a *app) error {
			stats, err := a.account.Stats(ctx)
			if err != nil {
				return err
			}
			keys := make([]string, 0, len(stats))
			for k := range stats {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Fprintf(c.Root().Writer, "%s: %v\n", k, stats[k])
			}
			return nil
		}),
	}
}

func conversationCommand(g *globals) *cli.Command {
	return &cli.Command{
		Name:  "conversation",
		Usage: "Inspect conversations stored on the backend",
		Commands: []*cli.Command{
			{
				Name:      "show",
				Usage:     "Show a conversation",
				ArgsUsage: "<session-id>",
				Action: withApp(g, func(ctx context.Context, c *cli.Command, a *app) error {
					id := c.Args().First()
					if id == "" {
						return goerr.New("session id is required")
					}
					conv, err := a.account.Conversation(ctx, id)
					if err != nil {
						return err
					}
					w := c.Root().Writer
					if conv.Title != "" {
						fmt.Fprintln(w, conv.Title)
					}
					for _, t := range conv.Messages {
						userStyle.Fprint(w, "You: ")
						fmt.Fprintln(w, t.Question)
						assistantStyle.Fprint(w, "Assistant: ")
						fmt.Fprintln(w, t.Answer)
					}
					return nil
				}),
			},
			{
				Name:      "delete",
				Usage:     "Delete a conversation",
				ArgsUsage: "<session-id>",
				Action: withApp(g, func(ctx context.Context, c *cli.Command, a *app) error {
					id := c.Args().First()
					if id == "" {
						return goerr.New("session id is required")
					}
					if err := a.account.DeleteConversation(ctx, id); err != nil {
						return err
					}
					fmt.Fprintf(c.Root().Writer, "Deleted conversation %s\n", id)
					return nil
				}),
			},
		},
	}
}

func dataCommand(g *globals) *cli.Command {
	var output string
	var yes bool
	return &cli.Command{
		Name:  "data",
		Usage: "Export or clear everything the backend keeps for you",
		Commands: []*cli.Command{
			{
				Name:  "export",
				Usage: "Export your data as JSON",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:        "output",
						Aliases:     []string{"o"},
						Usage:       "Write to this file instead of stdout",
						Destination: &output,
					},
				},
				Action: withApp(g, func(ctx context.Context, c *cli.Command, a *app) error {
					raw, err := a.account.Export(ctx)
					if err != nil {
						return err
					}
					if output == "" {
						_, err := fmt.Fprintln(c.Root().Writer, string(raw))
						return err
					}
					if err := os.WriteFile(output, raw, 0o600); err != nil {
						return goerr.Wrap(err, "failed to write export", goerr.V("path", output))
					}
					fmt.Fprintf(c.Root().Writer, "Exported to %s\n", output)
					return nil
				}),
			},
			{
				Name:  "clear",
				Usage: "Delete all documents and conversations",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:        "yes",
						Aliases:     []string{"y"},
						Usage:       "Do not ask for confirmation",
						Destination: &yes,
					},
				},
				Action: withApp(g, func(ctx context.Context, c *cli.Command, a *app) error {
					if !yes {
						return goerr.New("refusing to clear data without --yes")
					}
					if err := a.account.ClearData(ctx); err != nil {
						return err
					}
					fmt.Fprintln(c.Root().Writer, "All data cleared")
					return nil
				}),
			},
		},
	}
}
