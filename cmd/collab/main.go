// Command collab is a terminal client for a shared document: it connects
// to a relay, mirrors the document locally and appends each line typed on
// stdin as an edit. Useful for poking at a relay without a full editor.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/unidesk/unidesk/collab-go/internal/config"
	"github.com/unidesk/unidesk/collab-go/internal/doc"
	"github.com/unidesk/unidesk/collab-go/internal/session"
	"github.com/unidesk/unidesk/collab-go/internal/store"
	"github.com/unidesk/unidesk/collab-go/internal/transport"
)

func main() {
	relayURL := flag.String("relay", "ws://localhost:8080", "relay base URL")
	documentID := flag.String("doc", "", "document to join (required)")
	userID := flag.String("user", "", "user id (random when empty)")
	userName := flag.String("name", "Terminal", "display name")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))

	if *documentID == "" {
		fmt.Fprintln(os.Stderr, "collab: -doc is required")
		os.Exit(2)
	}
	if *userID == "" {
		*userID = "term-" + uuid.New().String()[:8]
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	tr := transport.New(transport.Config{
		URL:        fmt.Sprintf("%s/ws/doc/%s?userId=%s&userName=%s", *relayURL, *documentID, *userID, *userName),
		DocumentID: *documentID,
		UserID:     *userID,
		UserName:   *userName,
	})
	tr.Observe(func(ev transport.Event) {
		switch ev.Kind {
		case transport.EventConnected:
			slog.Info("connected", "relay", *relayURL)
		case transport.EventReconnecting:
			slog.Warn("reconnecting", "attempt", ev.Attempt, "error", ev.Err)
		}
	})

	sess := session.New(session.Config{
		DocumentID:       *documentID,
		UserID:           *userID,
		UserName:         *userName,
		AutoSaveDebounce: cfg.AutoSaveDebounce,
		ConflictStrategy: cfg.ConflictStrategy,
	}, tr, store.NewMemoryStore())

	sess.Document().Observe(func(ev doc.Event) {
		if ev.Kind == doc.EventRemoteOperation {
			fmt.Printf("[v%d] %s\n", ev.Version, ev.Content)
		}
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- sess.Run(ctx) }()

	// Each stdin line is appended to the end of the document.
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := scanner.Text() + "\n"
			sess.Insert(len(sess.Content()), line)
		}
		stop()
	}()

	if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("session ended", "error", err)
		os.Exit(1)
	}
}
