package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/Prismer-AI/chatsync"
	"github.com/Prismer-AI/chatsync/sqlstore"
)

// backend is what a command runs against: the remote store or a local
// SQLite database.
type backend struct {
	chatsync.Backend
	streamer chatsync.Streamer
	userID   string
	close    func() error
}

// openBackend picks the local database when --db (or default.db) is set,
// and the configured remote store otherwise.
func openBackend() (*backend, error) {
	cfg, err := loadEffectiveConfig()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load config")
	}

	dbPath := flagDB
	if dbPath == "" {
		dbPath = cfg.Default.DB
	}
	if dbPath != "" {
		store, err := sqlstore.Open(dbPath)
		if err != nil {
			return nil, err
		}
		userID := cfg.Auth.UserID
		if userID == "" {
			userID = "local"
		}
		log.WithField("db", dbPath).Debug("using local store")
		return &backend{Backend: store, userID: userID, close: store.Close}, nil
	}

	if cfg.Default.BaseURL == "" {
		return nil, errors.New("no base URL configured; run 'chatsync init <base-url>' first")
	}
	if cfg.Auth.Token == "" || cfg.Auth.UserID == "" {
		return nil, errors.New("not signed in; run 'chatsync login <email>' first")
	}
	opts := []chatsync.ClientOption{
		chatsync.WithToken(cfg.Auth.Token),
		chatsync.WithRealtimeConfig(chatsync.RealtimeConfig{AutoReconnect: true}),
	}
	if cfg.Default.Transport == "ws" {
		opts = append(opts, chatsync.WithWebSocket())
	}
	client := chatsync.NewClient(cfg.Default.BaseURL, opts...)
	return &backend{
		Backend:  client,
		streamer: client,
		userID:   cfg.Auth.UserID,
		close:    func() error { return nil },
	}, nil
}

// session opens a Session for the signed-in user.
func (b *backend) session() *chatsync.Session {
	var opts []chatsync.SessionOption
	if b.streamer != nil {
		opts = append(opts, chatsync.WithStreamer(b.streamer))
	}
	return chatsync.NewSession(b.Backend, b.userID, opts...)
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// loadPages loads the first page of l for owner and then up to pages-1
// more.
func loadPages(ctx context.Context, l *chatsync.List, owner string, pages int) error {
	if err := l.Load(ctx, owner); err != nil {
		return err
	}
	for i := 1; i < pages && l.Cache().Page().HasMore(); i++ {
		if err := l.LoadNextPage(ctx); err != nil {
			return err
		}
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printEntry(e chatsync.Entry) {
	label := e.Field("title")
	if label == "" {
		label = e.Field("role")
	}
	content := strings.ReplaceAll(e.Content, "\n", " ")
	if len(content) > 80 {
		content = content[:77] + "..."
	}
	fmt.Printf("%-36s  %-10s  %-10s  %s\n", e.ID, valueOrDefault(string(e.Status), "-"), valueOrDefault(label, "-"), content)
}

// maskKey shows the first 8 and last 4 characters of a token.
func maskKey(key string) string {
	if len(key) <= 16 {
		return "****"
	}
	return key[:8] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
