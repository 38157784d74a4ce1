// Command livebell is the API and reconciliation service.
// It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Restores credentials, the live snapshot and notification state.
//   - Schedules a reconciliation cycle per connected platform and keeps
//     OAuth tokens fresh in the background.
//   - Serves the HTTP API including the notification push stream.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/time/rate"

	"github.com/onnwee/livebell/avatar"
	"github.com/onnwee/livebell/config"
	"github.com/onnwee/livebell/credential"
	"github.com/onnwee/livebell/db"
	"github.com/onnwee/livebell/live"
	"github.com/onnwee/livebell/notify"
	"github.com/onnwee/livebell/oauth"
	"github.com/onnwee/livebell/pipeline"
	"github.com/onnwee/livebell/poller"
	"github.com/onnwee/livebell/server"
	"github.com/onnwee/livebell/telemetry"
	"github.com/onnwee/livebell/twitchapi"
	"github.com/onnwee/livebell/youtubeapi"
)

const upstreamTimeout = 10 * time.Second

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", map[bool]string{true: "json", false: "text"}[format == "json"]))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()
	// Tracing is optional; it requires OTEL_EXPORTER_OTLP_ENDPOINT.
	shutdown, err := telemetry.InitTracing("livebell", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	database, err := db.Connect(cfg.DBDsn)
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	// Versioned migrations first; the embedded schema is the fallback for
	// databases that cannot run them.
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, falling back to embedded schema",
			slog.Any("err", err), slog.String("component", "db_migrate"))
		if err := db.Migrate(context.Background(), database); err != nil {
			slog.Error("failed to migrate db", slog.Any("err", err))
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	upstream := &http.Client{Timeout: upstreamTimeout}

	// OAuth apps and credentials
	twOAuth := &twitchapi.OAuth{
		ClientID:     cfg.TwitchClientID,
		ClientSecret: cfg.TwitchClientSecret,
		RedirectURI:  cfg.TwitchRedirectURI,
		Scopes:       cfg.TwitchScopes,
		HTTPClient:   upstream,
	}
	ytOAuth := youtubeapi.NewOAuth(cfg.YTClientID, cfg.YTClientSecret, cfg.YTRedirectURI, cfg.YTScopes)
	ytOAuth.HTTPClient = upstream

	refreshers := map[live.Platform]credential.RefreshFunc{}
	providers := map[live.Platform]server.Provider{}
	if cfg.TwitchEnabled() {
		refreshers[live.Twitch] = twOAuth.RefreshCredential
		providers[live.Twitch] = twOAuth
	}
	if cfg.YouTubeEnabled() {
		refreshers[live.YouTube] = ytOAuth.RefreshCredential
		providers[live.YouTube] = ytOAuth
	}
	creds := credential.NewStore(&db.TokenStore{DB: database}, refreshers)
	creds.SetRefreshTimeout(cfg.RefreshTimeout)
	if err := creds.Load(ctx); err != nil {
		slog.Error("failed to load credentials", slog.Any("err", err))
		os.Exit(1)
	}

	// Live state
	store := live.NewStore(&db.LiveStore{DB: database})
	if err := store.Load(ctx); err != nil {
		slog.Error("failed to load live snapshot", slog.Any("err", err))
		os.Exit(1)
	}

	// Notifications
	nlog := notify.NewLog(database)
	nlog.Retention = cfg.Retention
	go nlog.StartRetentionJob(ctx, cfg.RetentionInterval)
	subs := &notify.SubscriptionStore{DB: database}
	bus := notify.NewBus()
	defer bus.Close()
	outbox := notify.NewOutbox(nlog, 0)
	go outbox.Run(ctx)

	// Platform adapters
	avatars := avatar.New(cfg.AvatarCacheBytes, cfg.AvatarTTL)
	var pollers []pipeline.Poller
	intervals := map[live.Platform]time.Duration{}
	if cfg.TwitchEnabled() {
		pollers = append(pollers, &poller.Adapter{
			Fetcher: &twitchapi.LiveFetcher{
				Client:   &twitchapi.HelixClient{ClientID: cfg.TwitchClientID, HTTPClient: upstream},
				Avatars:  avatars,
				AppToken: &twitchapi.AppTokenSource{OAuth: twOAuth},
			},
			Creds:    creds,
			Limiter:  rate.NewLimiter(rate.Limit(cfg.TwitchRPS), 1),
			MaxPages: cfg.MaxPages,
		})
		intervals[live.Twitch] = cfg.TwitchPollInterval
	}
	if cfg.YouTubeEnabled() {
		pollers = append(pollers, &poller.Adapter{
			Fetcher: &youtubeapi.LiveFetcher{
				Data:        &youtubeapi.DataClient{HTTPClient: upstream},
				Prober:      &youtubeapi.Prober{HTTPClient: upstream},
				Avatars:     avatars,
				Concurrency: cfg.ProbeConcurrency,
			},
			Creds:    creds,
			Limiter:  rate.NewLimiter(rate.Limit(cfg.YouTubeRPS), 1),
			MaxPages: cfg.MaxPages,
		})
		intervals[live.YouTube] = cfg.YouTubePollInterval
	}
	if len(pollers) == 0 {
		slog.Warn("no platform configured; set TWITCH_CLIENT_ID/SECRET or YT_CLIENT_ID/SECRET")
	}

	runner := pipeline.NewRunner(store, &notify.Gate{Subs: subs}, nlog, bus, outbox, pollers...)
	runner.CycleTimeout = cfg.CycleTimeout
	runner.DB = database
	runner.Pending = &db.PendingStore{DB: database}
	if err := runner.Restore(ctx); err != nil {
		slog.Error("failed to restore runner state", slog.Any("err", err))
		os.Exit(1)
	}

	sched, err := pipeline.NewScheduler(runner, intervals, cfg.TwitchPollInterval)
	if err != nil {
		slog.Error("scheduler setup failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := sched.Start(ctx); err != nil {
		slog.Error("scheduler start failed", slog.Any("err", err))
		os.Exit(1)
	}

	for p := range refreshers {
		oauth.StartRefresher(ctx, creds, p, cfg.RefreshInterval, cfg.RefreshWindow)
	}

	// Enable pprof profiling endpoints in debug mode (ENABLE_PPROF=1)
	if os.Getenv("ENABLE_PPROF") == "1" {
		pprofAddr := os.Getenv("PPROF_ADDR")
		if pprofAddr == "" {
			pprofAddr = "localhost:6060"
		}
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
			srv := &http.Server{
				Addr:              pprofAddr,
				Handler:           nil, // default mux exposes /debug/pprof
				ReadHeaderTimeout: 5 * time.Second,
				ReadTimeout:       10 * time.Second,
				WriteTimeout:      10 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil {
				slog.Error("pprof server error", slog.Any("err", err))
			}
		}()
	}

	go func() {
		err := server.Start(ctx, server.Deps{
			DB:            database,
			Creds:         creds,
			Live:          store,
			Cycles:        runner,
			Log:           nlog,
			Subscriptions: subs,
			Bus:           bus,
			Providers:     providers,
			Heartbeat:     cfg.PushHeartbeat,
			PushBuffer:    cfg.PushBuffer,
		}, cfg.HTTPAddr)
		if err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sched.Stop(shutdownCtx)
}
