package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/loqalabs/loqa-transcribe/internal/config"
	"github.com/loqalabs/loqa-transcribe/internal/eventstore"
)

var version = "0.1.0-dev"

type options struct {
	configPath string
	dbPath     string
	limit      int
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'list', 'show', 'prune' or 'version'")
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "list":
		opts, _ := parseFlags("list", os.Args[2:], 20)
		err = withStore(opts, func(ctx context.Context, es *eventstore.Store) error {
			return runList(ctx, es, opts.limit, os.Stdout)
		})
	case "show":
		opts, args := parseFlags("show", os.Args[2:], 100)
		if len(args) != 1 {
			fmt.Fprintln(os.Stderr, "usage: loqa-sessions show [flags] <session-id>")
			os.Exit(2)
		}
		err = withStore(opts, func(ctx context.Context, es *eventstore.Store) error {
			return runShow(ctx, es, args[0], opts.limit, os.Stdout)
		})
	case "prune":
		opts, _ := parseFlags("prune", os.Args[2:], 0)
		err = withStore(opts, func(ctx context.Context, es *eventstore.Store) error {
			n, err := es.Prune(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("pruned %d sessions\n", n)
			return nil
		})
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func parseFlags(name string, args []string, limit int) (options, []string) {
	var opts options
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	fs.StringVar(&opts.configPath, "config", "", "Path to configuration file")
	fs.StringVar(&opts.dbPath, "db", "", "Event store path (overrides config)")
	if limit > 0 {
		fs.IntVar(&opts.limit, "limit", limit, "Maximum rows to print")
	}
	_ = fs.Parse(args)
	return opts, fs.Args()
}

func withStore(opts options, fn func(context.Context, *eventstore.Store) error) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	storeCfg := cfg.EventStore
	if opts.dbPath != "" {
		storeCfg.Path = opts.dbPath
	}
	if storeCfg.RetentionMode == "ephemeral" {
		// The server keeps nothing in ephemeral mode, but an existing file can
		// still be inspected.
		storeCfg.RetentionMode = "session"
	}
	if _, err := os.Stat(storeCfg.Path); err != nil {
		return fmt.Errorf("event store %s: %w", storeCfg.Path, err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	es, err := eventstore.Open(ctx, storeCfg, logger)
	if err != nil {
		return err
	}
	defer es.Close()
	return fn(ctx, es)
}

func runList(ctx context.Context, es *eventstore.Store, limit int, out io.Writer) error {
	sessions, err := es.ListSessions(ctx, limit)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tKEY\tRATE\tCREATED\tENDED\tEVENTS")
	for _, s := range sessions {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%d\n",
			s.ID, s.Key, s.SampleRate, formatTime(s.CreatedAt), ended(s), s.Events)
	}
	return tw.Flush()
}

func runShow(ctx context.Context, es *eventstore.Store, id string, limit int, out io.Writer) error {
	sess, err := es.GetSession(ctx, id)
	if err != nil {
		return fmt.Errorf("%s: %w", id, err)
	}
	events, err := es.ListSessionEvents(ctx, id, limit)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "session %s\nkey %s\nsample rate %d\ncreated %s\nended %s\n\n",
		sess.ID, sess.Key, sess.SampleRate, formatTime(sess.CreatedAt), ended(sess))
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tTYPE\tTEXT")
	for _, e := range events {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", formatTime(e.CreatedAt), e.Type, e.Text)
	}
	return tw.Flush()
}

func ended(s eventstore.Session) string {
	if s.EndedAt.IsZero() {
		return "-"
	}
	return fmt.Sprintf("%s (%s)", formatTime(s.EndedAt), s.EndReason)
}

func formatTime(t time.Time) string {
	return t.Local().Format(time.DateTime)
}
