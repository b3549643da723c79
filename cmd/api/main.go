package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"konchat/backend/internal/auth"
	"konchat/backend/internal/brave"
	"konchat/backend/internal/config"
	"konchat/backend/internal/credits"
	"konchat/backend/internal/db"
	"konchat/backend/internal/history"
	"konchat/backend/internal/httpapi"
	"konchat/backend/internal/imagegen"
	"konchat/backend/internal/logger"
	"konchat/backend/internal/objectstore"
	"konchat/backend/internal/openrouter"
	"konchat/backend/internal/provider"
	"konchat/backend/internal/session"
	"konchat/backend/internal/tools"
	"konchat/backend/internal/turn"
	"konchat/backend/internal/webread"

	_ "github.com/joho/godotenv/autoload"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	lg, err := logger.New(cfg.LogMode)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer lg.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.Open(ctx, cfg)
	if err != nil {
		lg.Fatal("open db", "error", err)
	}
	defer database.Close()

	cache, closeCache := limitCache(ctx, cfg, lg)
	defer closeCache()

	var verifier auth.Verifier
	if cfg.InsecureSkipGoogleVerify {
		lg.Warn("google id token verification disabled")
		verifier = auth.NewVerifier(nil, cfg.GoogleClientID)
	} else {
		validator, err := auth.NewGoogleValidator(ctx)
		if err != nil {
			lg.Fatal("google validator", "error", err)
		}
		verifier = auth.NewVerifier(validator, cfg.GoogleClientID)
	}

	sessions := session.NewStore(database, cfg.SessionTTL)
	chats := history.NewStore(database)
	ledger := credits.NewLedger(sessions, cache, credits.Options{
		TTL:              cfg.LimitCacheTTL,
		AnonymousCredits: cfg.AnonymousCredits,
		Logger:           lg.With("component", "credits"),
	})

	searcher := tools.NewGuardedSearcher(brave.NewClient(cfg, nil), tools.GuardOptions{
		RequestsPerSecond: cfg.ToolRequestsPerSecond,
		Logger:            lg,
	})
	toolbox := tools.NewSet(searcher, webread.NewReader(webread.Options{}, nil), imagegen.NewClient(cfg, nil), objectStore(ctx, cfg, lg))
	gateway := provider.NewOpenRouter(openrouter.NewClient(cfg, nil), toolbox, provider.Options{
		MaxSteps: cfg.MaxToolSteps,
		Logger:   lg,
	})
	engine := turn.NewEngine(ledger, chats, gateway, turn.Options{Logger: lg})

	handler := httpapi.NewRouter(cfg, httpapi.NewHandler(cfg, sessions, chats, ledger, engine, verifier, lg), lg)

	srv := &http.Server{
		Addr:         cfg.ListenAddress(),
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		lg.Info("api listening", "addr", cfg.ListenAddress(), "env", cfg.Environment)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			lg.Fatal("listen", "error", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		lg.Error("shutdown error", "error", err)
	}
}

func limitCache(ctx context.Context, cfg config.Config, lg *logger.Logger) (credits.Cache, func()) {
	if cfg.RedisAddr == "" {
		lg.Info("limit cache: in-process")
		return credits.NewMemoryCache(), func() {}
	}
	cache, err := credits.NewRedisCache(ctx, credits.RedisOptions{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		lg.Fatal("connect redis", "error", err)
	}
	lg.Info("limit cache: redis", "addr", cfg.RedisAddr)
	return cache, func() { _ = cache.Close() }
}

// objectStore returns nil when no bucket is configured; image generation
// then reports itself unavailable.
func objectStore(ctx context.Context, cfg config.Config, lg *logger.Logger) tools.ObjectStore {
	if cfg.GCSBucket == "" {
		lg.Warn("object storage disabled, image generation unavailable")
		return nil
	}
	store, err := objectstore.NewGCS(ctx, cfg.GCSBucket, cfg.ObjectPublicBaseURL)
	if err != nil {
		lg.Fatal("object storage", "error", err)
	}
	lg.Info("object storage: gcs", "bucket", cfg.GCSBucket)
	return store
}
