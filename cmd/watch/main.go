// Command watch prints notifications from a livebell server as they arrive.
//
// Usage:
//
//	watch [--url http://localhost:8080] [--since 2026-01-02T15:00:00Z] [--user alice] [--idle 45s]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/livebell/notify"
	"github.com/onnwee/livebell/watch"
)

func main() {
	_ = godotenv.Load()

	base := flag.String("url", envOr("LIVEBELL_URL", "http://localhost:8080"), "server base URL")
	since := flag.String("since", "", "only show notifications after this RFC3339 time")
	user := flag.String("user", "", "only show notifications for this user id")
	idle := flag.Duration("idle", 45*time.Second, "reconnect when the stream is silent this long (0 disables)")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))

	client := watch.New(*base)
	client.IdleTimeout = *idle
	if *since != "" {
		t, err := time.Parse(time.RFC3339, *since)
		if err != nil {
			slog.Error("invalid --since", slog.Any("err", err))
			os.Exit(2)
		}
		client.Since = t
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := client.Run(ctx, func(n notify.Notification) {
		if *user != "" && n.UserID != *user {
			return
		}
		fmt.Printf("%s  %-7s %-20s %s  %s\n", n.Timestamp.Local().Format(time.DateTime), n.Platform, n.ChannelName, n.Title, n.StreamURL)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("watch stopped", slog.Any("err", err))
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
