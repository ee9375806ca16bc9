package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"waassist/internal/api"
	"waassist/internal/assistant"
	"waassist/internal/auth"
	"waassist/internal/config"
	"waassist/internal/conversation"
	"waassist/internal/delivery"
	"waassist/internal/httpserver"
	"waassist/internal/journal"
	"waassist/internal/logging"
	"waassist/internal/metrics"
	"waassist/internal/ollama"
	"waassist/internal/reporting"
	"waassist/internal/sessionctx"
	"waassist/internal/transport"
	"waassist/internal/whatsapp"

	"github.com/jessevdk/go-flags"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

var Revision = "dev"

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			fmt.Println(flagsErr.Message)
			return
		}
		log.Fatalf("failed to load config: %v", err)
	}

	logger := logging.New(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting service", slog.String("revision", Revision))

	flush, err := reporting.Init(cfg.Sentry.DSN, cfg.Sentry.Environment, Revision)
	if err != nil {
		logger.Error("failed to init error reporting", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer flush()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	sessions, err := newSessionStore(ctx, cfg.Session)
	if err != nil {
		logger.Error("failed to init session store", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ollamaClient := ollama.NewClient(ollama.Config{
		BaseURL:           cfg.Ollama.BaseURL,
		Model:             cfg.Ollama.Model,
		MaxRetries:        cfg.Ollama.MaxRetries,
		RetryBackoff:      cfg.Ollama.RetryBackoff,
		RetryableStatuses: cfg.Ollama.RetryableStatuses,
		ModelsTTL:         cfg.Ollama.ModelsTTL,
	}, transport.NewHTTPClient(cfg.RequestTimeout), sessions, logger,
		ollama.WithStreamClient(transport.NewStreamingClient(cfg.RequestTimeout)),
		ollama.WithMetrics(m),
	)

	store := conversation.NewStore(cfg.Conversation.MaxLength, nil)
	metrics.RegisterActiveConversations(registry, store.Len)

	var replyJournal journal.Journal = journal.Nop{}
	if cfg.Journal.DSN != "" {
		sqlJournal, err := journal.Open(ctx, cfg.Journal.Driver, cfg.Journal.DSN)
		if err != nil {
			logger.Error("failed to open reply journal", slog.String("error", err.Error()))
			os.Exit(1)
		}
		replyJournal = sqlJournal
	}

	service, err := assistant.NewService(assistant.Config{
		Model:              cfg.Ollama.Model,
		Temperature:        cfg.Ollama.Temperature,
		MaxTokens:          cfg.Ollama.MaxTokens,
		ContextWindow:      cfg.Assistant.ContextWindow,
		EnableQuestions:    !cfg.Assistant.DisableQuestions,
		ResponseDelay:      cfg.Assistant.ResponseDelay,
		AutoReplyThreshold: cfg.Assistant.Threshold,
		AssistantNames:     cfg.Assistant.Names,
		Stop:               cfg.Ollama.Stop,
		KeepAlive:          cfg.Ollama.KeepAlive,
		Format:             cfg.Ollama.Format,
		MaxContextChars:    cfg.Assistant.MaxContextChars,
		SnippetChars:       cfg.Assistant.SnippetChars,
		SelfID:             cfg.Assistant.SelfID,
	}, assistant.Deps{
		Backend: ollamaClient,
		Store:   store,
		Journal: replyJournal,
		Metrics: m,
		Logger:  logger,
	})
	if err != nil {
		logger.Error("failed to init assistant", slog.String("error", err.Error()))
		os.Exit(1)
	}

	sweeper := conversation.NewSweeper(store, conversation.SweeperConfig{
		Interval:    cfg.Conversation.CleanupInterval,
		IdleTimeout: cfg.Conversation.IdleTimeout,
		EmptyGrace:  cfg.Conversation.EmptyGrace,
	}, logger,
		conversation.WithSweeperMetrics(m),
		conversation.WithEvictHook(func(chatIDs []string) {
			service.ForgetSessions(context.Background(), chatIDs)
		}),
	)
	stopSweeper := sweeper.Start(ctx)

	limiter := auth.NewLimiterPool(cfg.API.RateRPS, cfg.API.RateBurst)
	go pruneLimiters(ctx, limiter, cfg.Conversation.CleanupInterval)

	sender := delivery.NewClient(delivery.Config{
		BaseURL:  cfg.Gateway.URL,
		Username: cfg.Gateway.Username,
		Password: cfg.Gateway.Password,
	}, transport.NewHTTPClient(cfg.RequestTimeout), logger, m)

	webhookHandler := whatsapp.NewWebhookHandler(whatsapp.WebhookDeps{
		Processor:     service,
		Sender:        sender,
		Logger:        logger,
		WebhookSecret: cfg.Gateway.WebhookSecret,
		SelfID:        service.Config().SelfID,
		ResponseDelay: service.Config().ResponseDelay,
	})

	apiHandler := api.NewHandler(api.Deps{
		Service: service,
		Store:   store,
		Models:  ollamaClient,
		Journal: replyJournal,
		Logger:  logger,
		Version: Revision,
	})

	router := httpserver.NewRouter(httpserver.RouterDeps{
		Logger:      logger,
		Auth:        auth.NewService(cfg.API.Key),
		Limiter:     limiter,
		CORSOrigins: cfg.API.CORSOrigins,
		Index:       apiHandler.Index,
		Health:      apiHandler.Health,
		Metrics:     promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		API:         apiHandler.Routes,
		Webhook:     webhookHandler,
	})

	// Генерация с повторами может идти дольше одного запроса к бэкенду.
	writeTimeout := cfg.RequestTimeout*time.Duration(cfg.Ollama.MaxRetries+1) + 15*time.Second
	server := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: writeTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server starting", slog.String("addr", cfg.HTTPAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", slog.String("error", err.Error()))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	stopSweeper()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", slog.String("error", err.Error()))
	}
	if err := webhookHandler.Wait(shutdownCtx); err != nil {
		logger.Warn("pending replies dropped", slog.String("error", err.Error()))
	}
	if err := replyJournal.Close(); err != nil {
		logger.Error("close reply journal", slog.String("error", err.Error()))
	}
	if err := sessions.Close(); err != nil {
		logger.Error("close session store", slog.String("error", err.Error()))
	}

	logger.Info("server stopped")
}

func newSessionStore(ctx context.Context, cfg config.SessionConfig) (sessionctx.Store, error) {
	driver := sessionctx.Driver(cfg.Driver)
	if driver != sessionctx.DriverRedis {
		return sessionctx.New(driver, sessionctx.WithFilePath(cfg.Path))
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return sessionctx.New(driver, sessionctx.WithRedisClient(client), sessionctx.WithRedisTTL(cfg.TTL))
}

func pruneLimiters(ctx context.Context, limiter *auth.LimiterPool, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			limiter.Prune(every)
		}
	}
}
