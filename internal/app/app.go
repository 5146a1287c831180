package app

import (
	"context"
	"fmt"
	"os"

	"gorm.io/gorm"

	genrepo "github.com/storysmith/storysmith-backend/internal/data/repos/generation"
	"github.com/storysmith/storysmith-backend/internal/db"
	httpx "github.com/storysmith/storysmith-backend/internal/http"
	httpMW "github.com/storysmith/storysmith-backend/internal/http/middleware"
	"github.com/storysmith/storysmith-backend/internal/pkg/logger"
	"github.com/storysmith/storysmith-backend/internal/sse"
)

type App struct {
	Log      *logger.Logger
	DB       *gorm.DB
	Server   *httpx.Server
	Clients  Clients
	Repos    Repos
	Services Services
	Hub      *sse.Hub
	cancel   context.CancelFunc
}

func New() (*App, error) {
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	pg, err := db.NewPostgresService(log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init postgres: %w", err)
	}
	if err := pg.AutoMigrateAll(); err != nil {
		log.Sync()
		return nil, fmt.Errorf("postgres automigrate: %w", err)
	}
	theDB := pg.DB()
	if err := genrepo.EnsureActiveJobIndex(theDB); err != nil {
		log.Sync()
		return nil, fmt.Errorf("ensure active job index: %w", err)
	}

	clients, err := wireClients(log)
	if err != nil {
		log.Sync()
		return nil, err
	}

	hub := sse.NewHub(log)
	repos := wireRepos(theDB, log)

	svcs, err := wireServices(log, clients, repos, hub)
	if err != nil {
		log.Sync()
		return nil, err
	}

	handlers := wireHandlers(theDB, clients, repos, svcs, hub)

	authMW, err := httpMW.NewAuthMiddleware(log)
	if err != nil {
		log.Sync()
		return nil, err
	}

	server := httpx.NewServer(httpx.RouterConfig{
		Log:               log,
		AuthMiddleware:    authMW,
		GenerationHandler: handlers.Generation,
		JobHandler:        handlers.Jobs,
		StreamHandler:     handlers.Stream,
		HealthHandler:     handlers.Health,
	})

	return &App{
		Log:      log,
		DB:       theDB,
		Server:   server,
		Clients:  clients,
		Repos:    repos,
		Services: svcs,
		Hub:      hub,
	}, nil
}

// Start launches the background worker pool.
func (a *App) Start() {
	if a == nil || a.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	if a.Services.JobWorker != nil {
		a.Services.JobWorker.Start(ctx)
	}
}

func (a *App) Run(addr string) error {
	if a == nil || a.Server == nil {
		return fmt.Errorf("app not initialized")
	}
	return a.Server.Run(addr)
}

func (a *App) Close() {
	if a == nil {
		return
	}
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	if a.Clients.Cache != nil {
		_ = a.Clients.Cache.Close()
	}
	if a.Log != nil {
		a.Log.Sync()
	}
}
