// Command studiofeed reads and posts to a studio's issue-backed news board.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/emberlight/studiofeed/internal/app"
	"github.com/emberlight/studiofeed/internal/config"
	"github.com/emberlight/studiofeed/internal/mutation"
	"github.com/emberlight/studiofeed/internal/remote"
	"github.com/emberlight/studiofeed/internal/store"
	"github.com/emberlight/studiofeed/internal/types"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd, args := os.Args[1], os.Args[2:]
	if cmd == "help" || cmd == "-h" || cmd == "--help" {
		printUsage()
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, cleanup, err := setup(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "studiofeed: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()

	if err := run(ctx, a, cmd, args); err != nil {
		fmt.Fprintf(os.Stderr, "studiofeed: %s\n", describe(err))
		cleanup()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: studiofeed <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  feed [retry]                       Show the merged news feed")
	fmt.Println("  list <scope> [tab] [pages]         List posts in a collection")
	fmt.Println("  show <n>                           Show a post with reactions and comments")
	fmt.Println("  react <n> <content>                Add a reaction (+1, -1, laugh, hooray, confused, heart, rocket, eyes)")
	fmt.Println("  unreact <n> <content>              Remove your reaction")
	fmt.Println("  comment <n> <text...>              Add a comment")
	fmt.Println("  post <scope> <title> <body> [labels]  Create a post; labels are comma-separated")
	fmt.Println("  edit <n> <title> <body>            Edit a post you own")
	fmt.Println("  close <n>                          Close a post you own")
	fmt.Println("  login <token>                      Sign in with a personal access token")
	fmt.Println("  logout                             Sign out")
	fmt.Println("  whoami                             Show the signed-in user")
	fmt.Println("  open <config|cache|post N>         Open config, cache directory or a post")
	fmt.Println("  watch                              Keep the feed warm until interrupted")
}

// setup loads config, creating a default file on first run, and wires the app.
func setup(ctx context.Context) (*app.App, func(), error) {
	cfg, err := config.Load()
	if errors.Is(err, fs.ErrNotExist) {
		cfg = config.Default()
		cfg.ApplyEnv()
		if saveErr := cfg.Save(); saveErr != nil {
			return nil, nil, fmt.Errorf("failed to write default config: %w", saveErr)
		}
		if path, pathErr := config.ConfigPath(); pathErr == nil {
			fmt.Fprintf(os.Stderr, "wrote default config to %s\n", path)
		}
	} else if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	log, err := app.NewLogger(cfg.Logging)
	if err != nil {
		return nil, nil, err
	}

	dbPath, err := config.DatabasePath()
	if err != nil {
		return nil, nil, err
	}
	durable, err := store.New(dbPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open state database: %w", err)
	}

	cacheDir, err := config.CacheDir()
	if err != nil {
		durable.Close()
		return nil, nil, err
	}

	a, err := app.New(ctx, cfg, app.Options{
		Durable:   durable,
		Out:       os.Stdout,
		Notices:   os.Stderr,
		Log:       log,
		Snapshots: store.NewSnapshots(cacheDir, 5),
	})
	if err != nil {
		durable.Close()
		return nil, nil, err
	}

	var closed bool
	cleanup := func() {
		if closed {
			return
		}
		closed = true
		if err := durable.Close(); err != nil {
			log.Warnw("failed to close state database", "err", err)
		}
		_ = log.Sync()
	}
	return a, cleanup, nil
}

func run(ctx context.Context, a *app.App, cmd string, args []string) error {
	switch cmd {
	case "feed":
		if len(args) > 0 && args[0] == "retry" {
			return a.RetryFeed(ctx)
		}
		return a.Feed(ctx)

	case "list":
		if len(args) < 1 {
			return usageError("list <scope> [tab] [pages]")
		}
		tab, pages := "", 1
		if len(args) > 1 {
			tab = args[1]
		}
		if len(args) > 2 {
			n, err := strconv.Atoi(args[2])
			if err != nil || n < 1 {
				return fmt.Errorf("invalid page count %q", args[2])
			}
			pages = n
		}
		return a.List(ctx, args[0], tab, pages)

	case "show":
		n, err := postNumber(args, "show <n>")
		if err != nil {
			return err
		}
		return a.Show(ctx, n)

	case "react", "unreact":
		if len(args) < 2 {
			return usageError(cmd + " <n> <content>")
		}
		n, err := postNumber(args, cmd+" <n> <content>")
		if err != nil {
			return err
		}
		content, ok := types.ParseReactionContent(args[1])
		if !ok {
			return fmt.Errorf("unknown reaction %q", args[1])
		}
		res, err := a.React(ctx, n, content, cmd == "react")
		if err != nil {
			return err
		}
		return report(res)

	case "comment":
		if len(args) < 2 {
			return usageError("comment <n> <text...>")
		}
		n, err := postNumber(args, "comment <n> <text...>")
		if err != nil {
			return err
		}
		res, err := a.Comment(ctx, n, strings.Join(args[1:], " "))
		if err != nil {
			return err
		}
		return report(res)

	case "post":
		if len(args) < 3 {
			return usageError("post <scope> <title> <body> [labels]")
		}
		in := remote.NewIssue{Title: args[1], Body: args[2]}
		if len(args) > 3 {
			for _, l := range strings.Split(args[3], ",") {
				if l = strings.TrimSpace(l); l != "" {
					in.Labels = append(in.Labels, l)
				}
			}
		}
		post, err := a.CreatePost(ctx, args[0], in)
		if err != nil {
			return err
		}
		fmt.Printf("Created #%d %s\n", post.Number, post.URL)
		return nil

	case "edit":
		if len(args) < 3 {
			return usageError("edit <n> <title> <body>")
		}
		n, err := postNumber(args, "edit <n> <title> <body>")
		if err != nil {
			return err
		}
		title, body := args[1], args[2]
		post, err := a.EditPost(ctx, n, remote.IssuePatch{Title: &title, Body: &body})
		if err != nil {
			return err
		}
		fmt.Printf("Updated #%d\n", post.Number)
		return nil

	case "close":
		n, err := postNumber(args, "close <n>")
		if err != nil {
			return err
		}
		if err := a.ClosePost(ctx, n); err != nil {
			return err
		}
		fmt.Printf("Closed #%d\n", n)
		return nil

	case "login":
		if len(args) < 1 {
			return usageError("login <token>")
		}
		_, err := a.Login(ctx, args[0])
		return err

	case "logout":
		if err := a.Logout(); err != nil {
			return err
		}
		fmt.Println("Logged out")
		return nil

	case "whoami":
		user, admin, ok := a.WhoAmI()
		switch {
		case !ok:
			fmt.Println("Not logged in")
		case admin:
			fmt.Printf("@%s (admin)\n", user)
		default:
			fmt.Printf("@%s\n", user)
		}
		return nil

	case "open":
		if len(args) < 1 {
			return usageError("open <config|cache|post N>")
		}
		switch args[0] {
		case "config":
			return a.OpenConfig()
		case "cache":
			return a.OpenCache()
		case "post":
			n, err := postNumber(args[1:], "open post <n>")
			if err != nil {
				return err
			}
			return a.OpenPost(ctx, n)
		default:
			return fmt.Errorf("unknown open target %q (use config, cache or post)", args[0])
		}

	case "watch":
		fmt.Fprintln(os.Stderr, "watching; press Ctrl+C to stop")
		return a.Watch(ctx)

	default:
		printUsage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// describe shows remote failures the way the app's notices do and keeps
// local errors verbatim.
func describe(err error) string {
	var re *remote.RemoteError
	if errors.As(err, &re) {
		return remote.UserMessage(err)
	}
	return err.Error()
}

func usageError(usage string) error {
	return fmt.Errorf("usage: studiofeed %s", usage)
}

func postNumber(args []string, usage string) (int, error) {
	if len(args) < 1 {
		return 0, usageError(usage)
	}
	n, err := strconv.Atoi(strings.TrimPrefix(args[0], "#"))
	if err != nil || n < 1 {
		return 0, fmt.Errorf("invalid post number %q", args[0])
	}
	return n, nil
}

// report prints the outcome of a mutation. Rollbacks were already announced
// by the notifier, so they only set the exit status here.
func report(res mutation.Result) error {
	switch res.State {
	case mutation.StateConfirmed:
		fmt.Printf("%s confirmed (id %s)\n", res.Kind, res.ID)
		return nil
	case mutation.StateRolledBack:
		return fmt.Errorf("%s rolled back", res.Kind)
	default:
		if res.Err != nil {
			return res.Err
		}
		return nil
	}
}
