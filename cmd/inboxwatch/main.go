// Command inboxwatch runs the client-side inbox for one user against a running server and logs
// every badge change. It is a smoke test for the feed, the store client and the counters.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"inbox-service/internal/client"
	"inbox-service/internal/config"
	"inbox-service/internal/feed"
	"inbox-service/internal/logger"
	"inbox-service/internal/middleware"
	"inbox-service/internal/store"
	"inbox-service/internal/unread"
)

const tokenTTL = time.Hour

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("inboxwatch failed", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	if cfg.WatchUserID == "" {
		return errors.New("WATCH_USER_ID is required")
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	auth := middleware.NewAuthenticator(cfg.JWTSecret)
	tokens := func(_ context.Context, userID string) (string, error) {
		return auth.IssueToken(userID, tokenTTL)
	}
	base := strings.TrimRight(cfg.ServerURL, "/")

	c := client.New(client.Config{
		UserID: cfg.WatchUserID,
		Store:  store.NewHTTPClient(base, tokens, nil),
		Dialer: feed.WSDialer{
			URL:   wsURL(base) + "/ws",
			Token: func(ctx context.Context) (string, error) { return tokens(ctx, cfg.WatchUserID) },
		},
		FeedBackoffInitial:   cfg.FeedBackoffInitial,
		FeedBackoffMax:       cfg.FeedBackoffMax,
		PollInterval:         cfg.PollInterval,
		MessagePageSize:      cfg.MessagePageSize,
		NotificationPageSize: cfg.NotificationPageSize,
		Logger:               log,
	})
	defer c.Close()

	stopBadges := c.OnBadgeChange(func(s unread.Snapshot) {
		log.Info("badges",
			zap.Int("unread_messages", s.Aggregate),
			zap.Int("unread_notifications", s.Notifications),
			zap.Int("conversations_with_unread", len(s.PerConversation)),
			zap.Bool("reconciling", s.Reconciling),
		)
	})
	defer stopBadges()

	if err := c.Start(ctx); err != nil {
		return fmt.Errorf("start client: %w", err)
	}
	for _, conv := range c.Conversations() {
		fields := []zap.Field{zap.String("conversation_id", conv.ID), zap.String("with", conv.OtherUserID), zap.Int("unread", conv.UnreadCount)}
		if conv.LastMessage != nil {
			fields = append(fields, zap.String("last_message", conv.LastMessage.Content))
		}
		log.Info("conversation", fields...)
	}
	log.Info("watching", zap.String("user_id", cfg.WatchUserID), zap.String("server", base))

	<-ctx.Done()
	return nil
}

func wsURL(httpURL string) string {
	switch {
	case strings.HasPrefix(httpURL, "https://"):
		return "wss://" + strings.TrimPrefix(httpURL, "https://")
	case strings.HasPrefix(httpURL, "http://"):
		return "ws://" + strings.TrimPrefix(httpURL, "http://")
	}
	return httpURL
}
