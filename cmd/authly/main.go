package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"authly/internal/auth"
	"authly/internal/config"
	"authly/internal/http_server/handlers/login"
	"authly/internal/http_server/handlers/oauthflow"
	"authly/internal/http_server/handlers/refresh"
	register "authly/internal/http_server/handlers/register"
	"authly/internal/http_server/handlers/sendlink"
	"authly/internal/http_server/handlers/verifylink"
	"authly/internal/magiclink"
	"authly/internal/mailer"
	rateLimit "authly/internal/middleware/ratelimit"
	"authly/internal/oauth"
	"authly/internal/rabbitmq"
	"authly/internal/storage/postgres"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-playground/validator/v10"
)

const (
	envLocal = "local"
	envDev   = "dev"
	envProd  = "prod"
)

func main() {
	cfg := config.MustLoad("./config/config.yaml")

	log := setupLogger(cfg.Env)

	log.Info("starting authly", slog.String("env", cfg.Env))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		log.Info("Shutdown signal received")
		cancel()
	}()

	storage, err := postgres.New(ctx, cfg)
	if err != nil {
		log.Error("failed to connect postgres", slog.String("err", err.Error()))
		os.Exit(1)
	}
	defer storage.Close()

	sender, closeSender, err := setupSender(cfg)
	if err != nil {
		log.Error("failed to set up mail transport", slog.String("err", err.Error()))
		os.Exit(1)
	}
	defer closeSender()

	authService := auth.New(
		log,
		storage,
		cfg.Tokens.AccessTokenSecret,
		cfg.Tokens.RefreshTokenSecret,
		cfg.Tokens.AccessTokenTTL,
		cfg.Tokens.RefreshTokenTTL,
	)

	magicLinkService, err := magiclink.New(
		log,
		storage,
		storage,
		sender,
		authService,
		cfg.MagicLink.Secret,
		cfg.MagicLink.TTL,
		cfg.MagicLink.RateLimit,
		cfg.MagicLink.RateWindow,
		cfg.MagicLink.FrontendURL,
		cfg.Env != envProd,
	)
	if err != nil {
		log.Error("failed to set up magic link service", slog.String("err", err.Error()))
		os.Exit(1)
	}

	oauthService := oauth.New(log, storage)

	router := setupRouter(log, cfg, authService, magicLinkService, oauthService)

	srv := &http.Server{
		Addr:         cfg.HTTPServer.Address,
		Handler:      router,
		ReadTimeout:  cfg.HTTPServer.Timeout,
		WriteTimeout: cfg.HTTPServer.Timeout,
		IdleTimeout:  cfg.HTTPServer.IdleTimeout,
	}

	go func() {
		log.Info("HTTP server is running", slog.String("address", cfg.HTTPServer.Address))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("Server failed", slog.String("err", err.Error()))
			cancel()
		}
	}()

	<-ctx.Done()

	log.Info("Shutting down HTTP server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server shutdown error", slog.String("err", err.Error()))
	} else {
		log.Info("Server stopped gracefully")
	}

	log.Info("Main service stopped")
}

func setupSender(cfg *config.Config) (magiclink.Sender, func(), error) {
	if cfg.Mail.Transport == "rabbitmq" {
		broker, err := rabbitmq.New(cfg.Mail.RabbitMQ.URL, cfg.Mail.RabbitMQ.QueueName)
		if err != nil {
			return nil, nil, err
		}
		return broker, broker.Close, nil
	}

	m := &mailer.Mailer{
		Host:     cfg.Mail.SMTP.Host,
		Port:     cfg.Mail.SMTP.Port,
		Username: cfg.Mail.SMTP.Username,
		Password: cfg.Mail.SMTP.Password,
		From:     cfg.Mail.From,
	}

	return m, func() {}, nil
}

func setupRouter(
	log *slog.Logger,
	cfg *config.Config,
	authService *auth.Auth,
	magicLinkService *magiclink.Service,
	oauthService *oauth.Service,
) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	validate := validator.New()

	r.With(rateLimit.Login()).Post("/auth/login",
		login.New(log, validate, authService),
	)
	r.With(rateLimit.Register()).Post("/auth/register",
		register.New(log, validate, authService),
	)
	r.With(rateLimit.Refresh()).Post("/auth/refresh",
		refresh.New(log, validate, authService),
	)
	r.With(rateLimit.SendMagicLink()).Post("/magiclink/send",
		sendlink.New(log, validate, magicLinkService),
	)
	r.With(rateLimit.VerifyMagicLink()).Get("/magiclink/verify",
		verifylink.New(log, magicLinkService),
	)

	for provider, conf := range oauth.Configs(cfg.OAuth) {
		r.Get("/oauth/"+string(provider), oauthflow.Redirect(log, conf))
		r.Get("/oauth/"+string(provider)+"/callback",
			oauthflow.Callback(log, provider, conf, oauthService, authService),
		)
	}

	return r
}

func setupLogger(env string) *slog.Logger {
	var log *slog.Logger

	switch env {
	case envLocal:
		log = slog.New(
			slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}),
		)
	case envDev:
		log = slog.New(
			slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}),
		)
	case envProd:
		log = slog.New(
			slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}),
		)
	default:
		log = slog.New(
			slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}),
		)
	}

	return log
}
