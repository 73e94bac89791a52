package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"suggestions/engine/internal/app"
	"suggestions/engine/internal/collab"
	"suggestions/engine/internal/config"
	"suggestions/engine/internal/gitrepo"
	"suggestions/engine/internal/notebook"
	"suggestions/engine/internal/registry"
	"suggestions/engine/internal/search"
	"suggestions/engine/internal/session"
	"suggestions/engine/internal/store"
	"suggestions/engine/internal/suggestion/local"
	"suggestions/engine/internal/suggestion/rtc"
)

// parseFlags overrides cfg with the flags present in args.
func parseFlags(cfg *config.Config, args []string) error {
	flagSet := flag.NewFlagSet("suggestionsd", flag.ContinueOnError)
	flagSet.StringVar(&cfg.Addr, "addr", cfg.Addr, "HTTP listen address")
	flagSet.StringVar(&cfg.DatabaseURL, "database-url", cfg.DatabaseURL, "Postgres URL for the decision log (empty disables it)")
	flagSet.StringVar(&cfg.MigrationsDir, "migrations-dir", cfg.MigrationsDir, "Directory of SQL migrations")
	flagSet.StringVar(&cfg.RedisURL, "redis-url", cfg.RedisURL, "Redis URL for sessions and the fork directory")
	flagSet.StringVar(&cfg.MeiliURL, "meili-url", cfg.MeiliURL, "Meilisearch URL (empty disables it)")
	flagSet.StringVar(&cfg.NotebooksDir, "notebooks-dir", cfg.NotebooksDir, "Directory of .ipynb files")
	flagSet.StringVar(&cfg.ReposDir, "repos-dir", cfg.ReposDir, "Keep notebooks in git repositories below this directory")
	flagSet.StringVar(&cfg.SettingsPath, "settings", cfg.SettingsPath, "JSONC settings file")
	flagSet.StringVar(&cfg.UserName, "user", cfg.UserName, "Author for requests without a session user")
	flagSet.DurationVar(&cfg.ForkSyncTimeout, "fork-sync-timeout", cfg.ForkSyncTimeout, "Wait for fork sync (0 waits forever)")
	flagSet.DurationVar(&cfg.MoveRebindTimeout, "move-rebind-timeout", cfg.MoveRebindTimeout, "Wait for suggestions of moved cells to rebind")
	return flagSet.Parse(args)
}

func main() {
	cfg := config.Load()
	if err := parseFlags(&cfg, os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		log.Fatalf("invalid flags: %v", err)
	}
	ctx := context.Background()

	settings, err := config.LoadSettings(cfg.SettingsPath)
	if err != nil {
		log.Fatalf("settings: %v", err)
	}

	var (
		decisions *store.PostgresStore
		pgfts     *search.PgFTS
	)
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("database connection failed: %v", err)
		}
		defer db.Close()
		if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
			log.Fatalf("migrations failed: %v", err)
		}
		decisions = store.NewPostgresStore(db)
		pgfts = search.NewPgFTS(db)
	} else {
		log.Printf("No database configured, decision log disabled")
	}

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	var searchService *search.Service
	if meiliClient != nil || pgfts != nil {
		searchService = search.NewService(meiliClient, pgfts)
		if meiliClient != nil && pgfts != nil {
			go searchService.ReindexDecisionsFromPG(ctx)
		}
	}

	var (
		sessions  session.Store = session.NewMemoryStore()
		directory collab.Directory
	)
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Printf("Using Redis for sessions and the fork directory")
		redisSessions, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer redisSessions.Close()
		redisDirectory, err := collab.NewRedisDirectory(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer redisDirectory.Close()
		sessions = redisSessions
		directory = redisDirectory
	}

	author := cfg.UserName
	if author == "" {
		author = "suggestions"
	}
	hubOpts := collab.Options{
		Directory:  directory,
		Sessions:   sessions,
		Secret:     []byte(cfg.SessionSecret),
		SessionTTL: cfg.SessionTTL,
	}
	appOpts := app.Options{Sessions: sessions}
	if cfg.ReposDir != "" {
		if err := os.MkdirAll(cfg.ReposDir, 0o755); err != nil {
			log.Fatalf("failed to create repos dir: %v", err)
		}
		git := gitrepo.New(cfg.ReposDir)
		appOpts.Notebooks = git.Notebooks(author)
		appOpts.History = git
		hubOpts.Repository = git
	} else {
		if err := os.MkdirAll(cfg.NotebooksDir, 0o755); err != nil {
			log.Fatalf("failed to create notebooks dir: %v", err)
		}
		appOpts.Notebooks = notebook.FileStore{Dir: cfg.NotebooksDir}
	}
	hub := collab.NewHub(hubOpts)

	managers := registry.New()
	managers.Register(config.ManagerLocal, local.New())
	managers.Register(config.ManagerRTC, rtc.New(rtc.Options{Transport: hub, SyncTimeout: cfg.ForkSyncTimeout}))
	if !managers.SetManager(settings.SuggestionManager) {
		log.Printf("unknown suggestion manager %q in %s, using %s", settings.SuggestionManager, cfg.SettingsPath, config.ManagerLocal)
		managers.SetManager(config.ManagerLocal)
	}
	defer managers.Dispose()

	appOpts.Registry = managers
	appOpts.Hub = hub
	if decisions != nil {
		appOpts.Decisions = decisions
	}
	if searchService != nil {
		appOpts.Search = searchService
		appOpts.Index = searchService
	}
	service := app.New(cfg, appOpts)
	defer service.Close()

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Suggestions API listening on %s (manager %s)", cfg.Addr, managers.ActiveID())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
