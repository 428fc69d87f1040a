package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"runbox/internal/api"
	"runbox/internal/config"
	"runbox/internal/executor"
	"runbox/internal/history"
	"runbox/internal/history/postgres"
	"runbox/internal/history/sqlite"
	"runbox/internal/languages"
	"runbox/internal/limiter"
	"runbox/internal/queue"
	"runbox/internal/sandbox"
	"runbox/internal/worker"
)

type historyStore interface {
	history.Recorder
	Close() error
}

type Server struct {
	conf        *config.Config
	logger      *zerolog.Logger
	httpServer  *http.Server
	store       historyStore
	registry    *languages.Registry
	provider    *sandbox.Docker
	executor    *executor.Executor
	queue       *queue.Manager
	workers     []*worker.Worker
	rateLimiter *limiter.RateLimiter
	cancelFunc  context.CancelFunc
}

func New(conf *config.Config, logger *zerolog.Logger) (*Server, error) {
	registry := languages.NewRegistry()
	if conf.Languages.File != "" {
		if err := registry.LoadFile(conf.Languages.File); err != nil {
			return nil, fmt.Errorf("failed to load languages file: %w", err)
		}
	}

	provider, err := sandbox.NewDocker(logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create sandbox provider: %w", err)
	}

	exec := executor.NewExecutor(registry, provider, executor.Limits{
		MemoryMB: conf.Sandbox.MemoryMB,
		Timeout:  conf.Sandbox.Timeout(),
	}, logger)

	var store historyStore
	if conf.History.PostgresDSN != "" {
		store, err = postgres.Open(conf.History.PostgresDSN, logger)
	} else {
		store, err = sqlite.Open(conf.History.DBPath)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open history store: %w", err)
	}
	hist := history.NewLog(store, logger)

	q := queue.NewManager(conf.Pipeline.QueueCapacity)

	rl := limiter.NewRateLimiter(
		conf.Limiter.GlobalRPS,
		conf.Limiter.PerIPRPS,
		conf.Limiter.PerIPBurst,
		conf.Limiter.MaxConcurrent,
	)
	rl.StartCleanup(5 * time.Minute)

	handler := api.NewHandler(q, exec, registry, hist, logger, api.Options{
		MaxCodeChars:    conf.API.MaxCodeChars,
		MaxArchiveBytes: int64(conf.API.MaxArchiveMB) << 20,
		RunTimeout:      conf.Sandbox.Timeout(),
		BatchParallel:   conf.Pipeline.BatchParallel,
	})

	router := chi.NewRouter()
	router.Use(requestLogger(logger))
	router.Use(middleware.Recoverer)

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	router.Handle("/metrics", promhttp.Handler())
	router.Get("/languages", handler.Languages)
	router.Get("/history", handler.History)

	// execution endpoints sit behind the rate limiter
	router.Group(func(r chi.Router) {
		r.Use(rl.Middleware)
		r.Post("/run", handler.Run)
		r.Post("/run-batch", handler.RunBatch)
		r.Post("/run-zip", handler.RunZip)
	})

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", conf.Server.Port),
		Handler:      router,
		ReadTimeout:  time.Duration(conf.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(conf.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(conf.Server.IdleTimeout) * time.Second,
	}

	numWorkers := conf.Pipeline.Workers
	if numWorkers <= 0 {
		numWorkers = 5
	}
	workers := make([]*worker.Worker, numWorkers)
	for i := 0; i < numWorkers; i++ {
		workers[i] = worker.NewWorker(i, exec, q, logger)
	}

	s := &Server{
		conf:        conf,
		logger:      logger,
		httpServer:  httpServer,
		store:       store,
		registry:    registry,
		provider:    provider,
		executor:    exec,
		queue:       q,
		workers:     workers,
		rateLimiter: rl,
	}

	return s, nil
}

func (s *Server) Start() error {
	s.logger.Info().
		Int("port", s.conf.Server.Port).
		Msg("starting HTTP server")

	// Ensure all required images are pulled
	if err := s.ensureImages(context.Background()); err != nil {
		return fmt.Errorf("failed to ensure docker images: %w", err)
	}

	// Start workers
	ctx, cancel := context.WithCancel(context.Background())
	s.cancelFunc = cancel

	for _, w := range s.workers {
		go w.Start(ctx)
	}

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server failed: %w", err)
	}

	return nil
}

func (s *Server) ensureImages(ctx context.Context) error {
	langs := s.registry.List()
	uniqueImages := make(map[string]bool)
	for _, l := range langs {
		uniqueImages[l.Config.Image] = true
	}

	for img := range uniqueImages {
		if err := s.provider.EnsureImage(ctx, img); err != nil {
			return err
		}
	}

	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("shutting down HTTP server")

	if s.cancelFunc != nil {
		s.cancelFunc()
	}

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	if s.store != nil {
		_ = s.store.Close()
	}
	if s.provider != nil {
		_ = s.provider.Close()
	}

	return nil
}

func requestLogger(logger *zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("elapsed", time.Since(start)).
				Msg("request")
		})
	}
}
