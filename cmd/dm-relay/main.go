// ABOUTME: Entry point for the dm-relay coordinator
// ABOUTME: Wires transport supervision, aggregation, dispatch and the outbound gateway

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/redis/go-redis/v9"

	"github.com/2389/dm-relay/internal/accounts"
	"github.com/2389/dm-relay/internal/aggregator"
	"github.com/2389/dm-relay/internal/buffer"
	"github.com/2389/dm-relay/internal/config"
	"github.com/2389/dm-relay/internal/dedupe"
	"github.com/2389/dm-relay/internal/dispatch"
	"github.com/2389/dm-relay/internal/gateway"
	"github.com/2389/dm-relay/internal/notify"
	"github.com/2389/dm-relay/internal/responder"
	"github.com/2389/dm-relay/internal/store"
	"github.com/2389/dm-relay/internal/supervisor"
	"github.com/2389/dm-relay/internal/transport"
)

const banner = `
    ╭──────────────────────────────────╮
    │                                  │
    │   ╺┳┓┏┳┓   ┏━┓┏━╸╻  ┏━┓╻ ╻      │
    │    ┃┃┃┃┃╺━╸┣┳┛┣╸ ┃  ┣━┫┗┳┛      │
    │   ╺┻┛╹ ╹   ╹┗╸┗━╸┗━╸╹ ╹ ╹       │
    │                                  │
    │      realtime DM coordinator     │
    │                                  │
    ╰──────────────────────────────────╯
`

// getConfigPath returns the path to the coordinator config file.
// Priority: DM_RELAY_CONFIG env var > XDG_CONFIG_HOME/dm-relay/config.yaml > ~/.config/dm-relay/config.yaml
func getConfigPath() string {
	if envPath := os.Getenv("DM_RELAY_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "dm-relay", "config.yaml")
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	configPath := getConfigPath()

	// Load config
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config from %s: %w", configPath, err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging.Level)

	// Print startup info
	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Account:   %s\n", cfg.Account.Username)
	green.Print("    ▶ ")
	fmt.Printf("Agent:     %s\n", cfg.Transport.AgentURL)
	green.Print("    ▶ ")
	fmt.Printf("Responder: %s\n", cfg.Responder.BaseURL)
	green.Print("    ▶ ")
	fmt.Printf("Gateway:   %s\n", cfg.Gateway.Addr)
	fmt.Println()

	// Audit ledger
	ledger, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening audit ledger: %w", err)
	}
	defer ledger.Close()

	// Operator alerts over SMTP, or log-only when mail is not configured.
	var notifier notify.Notifier
	if cfg.Mail.Host != "" {
		notifier, err = notify.NewMailer(notify.MailerConfig{
			Host:       cfg.Mail.Host,
			Port:       cfg.Mail.Port,
			Username:   cfg.Mail.Username,
			Password:   cfg.Mail.Password,
			From:       cfg.Mail.From,
			Recipients: cfg.Mail.Recipients,
			ClientOrg:  cfg.Mail.ClientOrg,
		}, logger)
		if err != nil {
			return fmt.Errorf("creating mail notifier: %w", err)
		}
	} else {
		logger.Warn("mail not configured, alerts go to the log only")
		notifier = notify.Func(func(ctx context.Context, alert notify.Alert) error {
			logger.Warn("operator alert", "subject", alert.Subject, "text", alert.Text)
			return nil
		})
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Session cache for the account pool. The transport agent restores the
	// serialized session from here on login and hands back the refreshed state.
	var sessions *accounts.Cache
	if cfg.Accounts.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Accounts.Redis.Addr,
			Password: cfg.Accounts.Redis.Password,
			DB:       cfg.Accounts.Redis.DB,
		})
		defer rdb.Close()
		sessions = accounts.NewCache(rdb, logger)
	}

	var proxyURL string
	if cfg.Accounts.Proxy.Password != "" {
		proxyURL = accounts.ProxyURL(cfg.Accounts.Proxy.Password, accounts.SalesRep{
			Username: cfg.Account.Username,
			Country:  cfg.Accounts.Proxy.Country,
			City:     cfg.Accounts.Proxy.City,
		})
	}

	// The supervisor replaces the transport connection on restart; the holder
	// keeps the dispatch pipeline pointed at whichever one is live.
	live := &liveTransport{}
	factory := func() transport.Transport {
		client := transport.NewAgentClient(cfg.Transport.AgentURL, logger)
		if proxyURL != "" {
			client.UseProxy(proxyURL)
		}
		if sessions != nil {
			if sess, err := sessions.Get(ctx, cfg.Account.Username); err != nil {
				logger.Info("no cached session, agent will log in fresh", "username", cfg.Account.Username)
			} else {
				logger.Info("restoring cached session", "username", cfg.Account.Username, "user_id", sess.UserID)
				client.UseSession(sess.Instance, sess.UserID)
			}
			client.OnSessionRefresh(func(instance []byte, userID int64) {
				if err := sessions.Put(ctx, cfg.Account.Username, accounts.Session{Instance: instance, UserID: userID}); err != nil {
					logger.Error("caching refreshed session failed", "username", cfg.Account.Username, "error", err)
				}
			})
		}
		live.set(client)
		return client
	}

	gen := responder.New(cfg.Responder.BaseURL)
	pipeline := dispatch.New(live, gen, notifier, ledger, cfg.Timing.ReplyDelay, logger)

	buffers := buffer.New(cfg.Timing.DebounceWindow, func(threadID string, messages []string) {
		pipeline.Flush(context.Background(), threadID, messages)
	}, logger)
	defer buffers.Close()

	agg := aggregator.New(cfg.Account.SelfID, buffers, gen, notifier, ledger, logger)

	// The transport re-delivers recent items after a reconnect.
	seen := dedupe.New(24*time.Hour, 10000)
	defer seen.Close()
	agg.UseDedupe(seen)

	sup := supervisor.New(factory, agg, notifier, ledger, supervisor.Config{
		Subscriptions: transport.Subscriptions{
			GraphQL:   cfg.Transport.GraphQLSubs,
			Skywalker: cfg.Transport.SkywalkerSubs,
		},
		RestartDelay: cfg.Timing.RestartDelay,
	}, logger)

	api := gateway.New(pipeline, notifier, logger)
	server := &http.Server{
		Addr:    cfg.Gateway.Addr,
		Handler: api.Handler(),
	}

	gwErrCh := make(chan error, 1)
	supErrCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", cfg.Gateway.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			gwErrCh <- fmt.Errorf("gateway server: %w", err)
		}
	}()
	go func() {
		logger.Info("starting transport supervisor")
		if err := sup.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			supErrCh <- fmt.Errorf("transport supervisor: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case runErr = <-gwErrCh:
		logger.Error("fatal error, shutting down", "error", runErr)
	case runErr = <-supErrCh:
		logger.Error("fatal transport error, shutting down", "error", runErr)
		// The session is suspect after an unrecoverable connect failure; evict
		// it so the next start logs in fresh.
		if sessions != nil {
			evictCtx, evictCancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := sessions.Delete(evictCtx, cfg.Account.Username); err != nil {
				logger.Error("evicting cached session failed", "username", cfg.Account.Username, "error", err)
			}
			evictCancel()
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("gateway shutdown failed", "error", err)
	}

	return runErr
}

// liveTransport delegates sends to the connection currently owned by the
// supervisor. Sends before the first connect fail cleanly.
type liveTransport struct {
	cur atomic.Pointer[transport.AgentClient]
}

func (l *liveTransport) set(c *transport.AgentClient) {
	l.cur.Store(c)
}

func (l *liveTransport) get() (*transport.AgentClient, error) {
	c := l.cur.Load()
	if c == nil {
		return nil, fmt.Errorf("transport not connected")
	}
	return c, nil
}

func (l *liveTransport) SendText(ctx context.Context, userID int64, text string) (*transport.Receipt, error) {
	c, err := l.get()
	if err != nil {
		return nil, err
	}
	return c.SendText(ctx, userID, text)
}

func (l *liveTransport) AttachPost(ctx context.Context, userID int64, mediaID string) error {
	c, err := l.get()
	if err != nil {
		return err
	}
	return c.AttachPost(ctx, userID, mediaID)
}

func (l *liveTransport) PublishPhoto(ctx context.Context, image []byte, caption string) error {
	c, err := l.get()
	if err != nil {
		return err
	}
	return c.PublishPhoto(ctx, image, caption)
}

func (l *liveTransport) ResolveUserID(ctx context.Context, username string) (int64, error) {
	c, err := l.get()
	if err != nil {
		return 0, err
	}
	return c.ResolveUserID(ctx, username)
}

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
