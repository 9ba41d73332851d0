package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"agentchat/internal/agentapi"
	"agentchat/internal/api"
	"agentchat/internal/auth"
	"agentchat/internal/config"
	"agentchat/internal/logger"
	"agentchat/internal/redis"
	"agentchat/internal/service/chat"
	"agentchat/internal/service/history"
	"agentchat/internal/storage"
	"agentchat/internal/worker"
	"agentchat/web"

	"github.com/joho/godotenv"
)

func main() {
	loadEnvFiles()

	cfg, err := config.Load(os.Getenv("AGENTCHAT_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := storage.Open(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("open database")
	}
	defer db.Close()
	// Create necessary tables: users, sessions, messages, provider keys, tokens
	if err := storage.Migrate(db, cfg.Database.Driver); err != nil {
		log.Fatal().Err(err).Msg("migrate database")
	}

	rdb, err := redis.NewRedisClient(cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("create redis client")
	}
	defer rdb.Close()

	store, err := history.NewService(db, cfg.Database.Driver, cfg.BasicConfig.APIKeyCipherKey)
	if err != nil {
		log.Fatal().Err(err).Msg("init history service")
	}

	chatOpts := chat.Options{
		Store:     store,
		Profiles:  chat.ProfilesFromConfig(cfg.Profiles),
		Starters:  chat.StartersFromConfig(cfg.Starters),
		Providers: cfg.Providers,
		Logger:    log,
	}
	if cfg.HasAgentProfiles() {
		agents, err := agentapi.NewFromConfig(cfg.Agents, log)
		if err != nil {
			log.Fatal().Err(err).Msg("init agent service client")
		}
		chatOpts.Agents = agents
	}
	chatService, err := chat.NewService(chatOpts)
	if err != nil {
		log.Fatal().Err(err).Msg("init chat service")
	}
	if err := chatService.CheckConnection(ctx); err != nil {
		log.Warn().Err(err).Msg("agent service not reachable yet")
	}

	manager := worker.NewManager(chatService, worker.Config{
		MinWorkers:  cfg.BasicConfig.MinWorkers,
		MaxWorkers:  cfg.BasicConfig.MaxWorkers,
		QueueSize:   cfg.BasicConfig.QueueSize,
		IdleTimeout: time.Duration(cfg.BasicConfig.WorkerIdleTimeout) * time.Minute,
	}, rdb, log)
	defer manager.Close()

	authService := auth.NewService(db, rdb, cfg.BasicConfig.TokenTTL, log)
	if cfg.BasicConfig.HeaderAuth {
		authService.EnableHeaderAuth(store)
	}
	authService.StartTokenCleaner(ctx, auth.DefaultTokenCleanupInterval)

	checks := map[string]api.Pinger{"database": api.PingFunc(db.PingContext)}
	if rdb.Enabled() {
		checks["redis"] = rdb
	}
	handlers := api.NewHandler(api.Options{
		Users:   store,
		Chats:   manager,
		Catalog: chatService,
		Auth:    authService,
		UI:      cfg.UI,
		Checks:  checks,
		Logger:  log,
	})
	router := api.NewRouter(cfg.BasicConfig, handlers, web.Static(), log)

	log.Info().
		Int("profiles", len(chatOpts.Profiles)).
		Bool("agents", chatOpts.Agents != nil).
		Bool("redis", rdb.Enabled()).
		Bool("header_auth", cfg.BasicConfig.HeaderAuth).
		Msg("agentchat starting")

	if err := api.NewServer(cfg.BasicConfig, router, log).Run(ctx); err != nil {
		log.Error().Err(err).Msg("server stopped")
		return
	}
	log.Info().Msg("server exited cleanly")
}

// loadEnvFiles applies .env style files; AGENTCHAT_ENV_FILE overrides the default path.
func loadEnvFiles() {
	paths := []string{".env"}
	if p := os.Getenv("AGENTCHAT_ENV_FILE"); p != "" {
		paths = []string{p}
	}
	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			if err := godotenv.Overload(path); err != nil {
				fmt.Fprintf(os.Stderr, "warning: failed to load %s: %v\n", path, err)
			}
		}
	}
}
