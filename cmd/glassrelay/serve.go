package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/glassrelay/glassrelay/internal/completion"
	"github.com/glassrelay/glassrelay/internal/config"
	"github.com/glassrelay/glassrelay/internal/handlers"
	"github.com/glassrelay/glassrelay/internal/logger"
	"github.com/glassrelay/glassrelay/internal/meta"
	"github.com/glassrelay/glassrelay/internal/relay"
	"github.com/glassrelay/glassrelay/internal/server"
)

func runServe() {
	fx.New(
		fx.Provide(
			provideConfig,
			provideLogger,
			provideTokenManager,
			provideDeliveryClient,
			provideCompletionClient,
			provideOrchestrator,
			provideServerHandler(provideWebhookHandler),
			provideServerHandler(handlers.NewPingHandler),
			provideServerHandler(provideLogsHandler),
			provideServerHandler(handlers.NewSystemInfoHandler),
			fx.Annotate(provideServer, fx.ParamTags(``, ``, `group:"server_handlers"`)),
		),
		fx.Invoke(
			startTokenManager,
			startServer,
		),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With(slog.String("component", "fx"))}
		}),
	).Run()
}

func provideServerHandler(fn any) any {
	return fx.Annotate(
		fn,
		fx.As(new(server.Handler)),
		fx.ResultTags(`group:"server_handlers"`),
	)
}

func provideConfig() (config.Config, error) {
	cfgPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

func provideTokenManager(log *slog.Logger, cfg config.Config) *meta.TokenManager {
	m := cfg.Meta
	if m.AppID != "" && m.AppSecret != "" {
		source := meta.NewGraphTokenSource(log, m.GraphBaseURL, m.APIVersion, m.AppID, m.AppSecret)
		return meta.NewTokenManager(log, source)
	}
	return meta.NewStaticTokenManager(log, m.AccessToken)
}

func provideDeliveryClient(log *slog.Logger, cfg config.Config, tokens *meta.TokenManager) *meta.Client {
	m := cfg.Meta
	return meta.NewClient(log, tokens, m.GraphBaseURL, m.APIVersion, m.PhoneNumberID, m.BusinessAccountID, meta.ClientOptions{
		MaxAttempts: cfg.Relay.SendMaxAttempts,
		BackoffBase: time.Duration(cfg.Relay.SendBackoffBaseMs) * time.Millisecond,
		BackoffCap:  time.Duration(cfg.Relay.SendBackoffCapMs) * time.Millisecond,
	})
}

func provideCompletionClient(log *slog.Logger, cfg config.Config) *completion.Client {
	return completion.NewClient(log, completion.Config{
		APIKey:      cfg.OpenAI.APIKey,
		BaseURL:     cfg.OpenAI.BaseURL,
		TextModel:   cfg.OpenAI.TextModel,
		VisionModel: cfg.OpenAI.VisionModel,
		MaxTokens:   cfg.OpenAI.MaxTokens,
		Timeout:     time.Duration(cfg.OpenAI.TimeoutSeconds) * time.Second,
	})
}

func provideOrchestrator(log *slog.Logger, cfg config.Config, completer *completion.Client, deliverer *meta.Client) *relay.Orchestrator {
	return relay.NewOrchestrator(log, completer, deliverer, deliverer, relay.Options{
		ProcessingNotice: cfg.Relay.ProcessingNotice,
		StaleAfter:       time.Duration(cfg.Relay.StaleAfterSeconds) * time.Second,
	})
}

func provideWebhookHandler(log *slog.Logger, cfg config.Config, orchestrator *relay.Orchestrator) *handlers.WebhookHandler {
	return handlers.NewWebhookHandler(log, cfg.Meta.WebhookVerifyToken, orchestrator)
}

func provideLogsHandler(log *slog.Logger) *handlers.LogsHandler {
	return handlers.NewLogsHandler(log, logger.DefaultRing)
}

func provideServer(cfg config.Config, log *slog.Logger, hs []server.Handler) *server.Server {
	return server.NewServer(cfg.Server.Addr, log, hs)
}

func startTokenManager(lc fx.Lifecycle, m *meta.TokenManager) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return m.Initialize(ctx)
		},
		OnStop: func(ctx context.Context) error {
			m.Close()
			return nil
		},
	})
}

func startServer(lc fx.Lifecycle, s *server.Server, log *slog.Logger, sd fx.Shutdowner) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := s.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("server stopped", slog.Any("error", err))
					_ = sd.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return s.Shutdown(ctx)
		},
	})
}
