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
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/dnscache"

	"github.com/bodhi-local/bodhigate/internal/alias"
	"github.com/bodhi-local/bodhigate/internal/app"
	"github.com/bodhi-local/bodhigate/internal/cache"
	"github.com/bodhi-local/bodhigate/internal/concurrency"
	"github.com/bodhi-local/bodhigate/internal/hub"
	"github.com/bodhi-local/bodhigate/internal/idp"
	"github.com/bodhi-local/bodhigate/internal/inference"
	"github.com/bodhi-local/bodhigate/internal/provider/aiapi"
	"github.com/bodhi-local/bodhigate/internal/ratelimit"
	"github.com/bodhi-local/bodhigate/internal/secretstore"
	"github.com/bodhi-local/bodhigate/internal/server"
	"github.com/bodhi-local/bodhigate/internal/session"
	"github.com/bodhi-local/bodhigate/internal/settingsstore"
	"github.com/bodhi-local/bodhigate/internal/storage/sqlite"
	"github.com/bodhi-local/bodhigate/internal/telemetry"
	"github.com/bodhi-local/bodhigate/internal/token"
	"github.com/bodhi-local/bodhigate/internal/tokencache"
	"github.com/bodhi-local/bodhigate/internal/useralias"
	"github.com/bodhi-local/bodhigate/internal/worker"
	"go.opentelemetry.io/otel/trace"
)

// defaultSettings seeds settingsstore.Store's lowest-precedence layer, the
// fallback values spec.md §6's environment-variable table documents for an
// otherwise unconfigured install.
var defaultSettings = map[string]string{
	"APP_STATUS":              "ready",
	"APP_AUTHZ":               "true",
	"BODHI_SCHEME":            "http",
	"BODHI_HOST":              "localhost",
	"BODHI_PORT":              "1135",
	"BODHI_PUBLIC_SCHEME":     "http",
	"BODHI_PUBLIC_HOST":       "localhost",
	"BODHI_PUBLIC_PORT":       "1135",
	"BODHI_EXEC_VARIANT":      "cpu",
	"BODHI_EXEC_TARGET":       "llama-server",
	"BODHI_EXEC_NAME":         "llama-server",
	"BODHI_KEEP_ALIVE_SECS":   "300",
	"BODHI_LOG_LEVEL":         "info",
	"BODHI_LOG_STDOUT":        "true",
	"RATE_LIMIT_DEFAULT_RPM":  "0",
	"RATE_LIMIT_DEFAULT_TPM":  "0",
}

// run boots the gateway: loads layered config and secrets, opens the local
// databases, wires the token/inference core to the HTTP surface, and serves
// until a shutdown signal arrives.
func run(configPath string) error {
	_ = configPath // settings precedence already layers in BODHI_HOME/settings.yaml; a -config flag would only name an additional file layer, not yet needed.

	bodhiHome := os.Getenv("BODHI_HOME")
	if bodhiHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolve BODHI_HOME: %w", err)
		}
		bodhiHome = filepath.Join(home, ".bodhi")
	}
	if err := os.MkdirAll(bodhiHome, 0o755); err != nil {
		return fmt.Errorf("create BODHI_HOME: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(bodhiHome, "aliases"), 0o755); err != nil {
		return fmt.Errorf("create aliases dir: %w", err)
	}

	hfHome := os.Getenv("HF_HOME")
	if hfHome == "" {
		home, _ := os.UserHomeDir()
		hfHome = filepath.Join(home, ".cache", "huggingface")
	}

	settings, err := settingsstore.New(filepath.Join(bodhiHome, "settings.yaml"), defaultSettings, "BODHI_")
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	logLevel := slog.LevelInfo
	if settings.GetOr("BODHI_LOG_LEVEL", "info") == "debug" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	logger.Info("starting bodhigate", "version", version, "home", bodhiHome)

	keyring := secretstore.EnvKeyringProvider{EnvVar: "BODHI_ENCRYPTION_KEY"}
	secrets := secretstore.New(filepath.Join(bodhiHome, "secrets.yaml"), keyring)

	store, err := sqlite.New(filepath.Join(bodhiHome, "app.db"))
	if err != nil {
		return fmt.Errorf("open app database: %w", err)
	}
	defer store.Close()

	sessions, err := session.New(filepath.Join(bodhiHome, "session.db"))
	if err != nil {
		return fmt.Errorf("open session database: %w", err)
	}
	defer sessions.Close()

	userAliases, err := useralias.New(filepath.Join(bodhiHome, "aliases"))
	if err != nil {
		return fmt.Errorf("load user aliases: %w", err)
	}

	hubLocator := hub.New(hfHome)
	aliasResolver := alias.NewResolver(userAliases, hubLocator, store, logger)

	concurrencySvc := concurrency.New()

	tokenCache, err := tokencache.New(10_000)
	if err != nil {
		return fmt.Errorf("create token cache: %w", err)
	}

	dnsResolver := &dnscache.Resolver{}
	go func() {
		t := time.NewTicker(5 * time.Minute)
		defer t.Stop()
		for range t.C {
			dnsResolver.Refresh(true)
		}
	}()

	idpClient := idp.New(idp.Config{
		AuthURL:      settings.GetOr("BODHI_AUTH_URL", ""),
		Realm:        settings.GetOr("BODHI_AUTH_REALM", "bodhi"),
		ClientID:     "",
		ClientSecret: "",
	}, dnsResolver)
	if appReg, err := secrets.AppRegInfo(); err == nil {
		idpClient = idp.New(idp.Config{
			AuthURL:      settings.GetOr("BODHI_AUTH_URL", ""),
			Realm:        settings.GetOr("BODHI_AUTH_REALM", "bodhi"),
			ClientID:     appReg.ClientID,
			ClientSecret: appReg.ClientSecret,
		}, dnsResolver)
	} else {
		logger.Warn("app registration info not yet provisioned; auth routes will fail until setup completes", "error", err)
	}

	// Prometheus metrics.
	var metrics *telemetry.Metrics
	var metricsHandler http.Handler
	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	promRegistry.MustRegister(collectors.NewGoCollector())
	metrics = telemetry.NewMetrics(promRegistry)
	metricsHandler = promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{})

	tokenSvc := token.New(token.Config{
		IdP:            idpClient,
		Secrets:        secrets,
		Cache:          tokenCache,
		APITokens:      store,
		AccessRequests: store,
		Sessions:       sessions,
		Concurrency:    concurrencySvc,
		AuthIssuer:     issuerURL(settings),
		Logger:         logger,
		Metrics:        metrics,
	})

	settingsAdapter := inference.NewSettingsAdapter(settings)
	sharedCtx := inference.New(hubLocator, settingsAdapter, settings.GetOr("BODHI_EXEC_VARIANT", "cpu"), logger)
	sharedCtx.AddStateListener(metrics)

	aiapiSvc := aiapi.New(store, secrets, dnsResolver)
	router := app.New(aliasResolver, sharedCtx, aiapiSvc)

	rateLimiter := ratelimit.NewRegistry()
	defaultRPM := parseInt64(settings.GetOr("RATE_LIMIT_DEFAULT_RPM", "0"))
	defaultTPM := parseInt64(settings.GetOr("RATE_LIMIT_DEFAULT_TPM", "0"))

	respCache, err := cache.NewMemory(10_000, 5*time.Minute)
	if err != nil {
		return fmt.Errorf("create response cache: %w", err)
	}

	// OpenTelemetry tracing.
	var tracer trace.Tracer
	var tracingShutdown func(context.Context) error
	if endpoint := settings.GetOr("BODHI_OTLP_ENDPOINT", ""); endpoint != "" {
		shutdown, err := telemetry.SetupTracing(context.Background(), endpoint, 0.1)
		if err != nil {
			logger.Warn("tracing setup failed, continuing without tracing", "error", err)
		} else {
			tracingShutdown = shutdown
			tracer = telemetry.Tracer("bodhigate/server")
			logger.Info("opentelemetry tracing enabled", "endpoint", endpoint)
		}
	}

	publicBaseURL := fmt.Sprintf("%s://%s:%s",
		settings.GetOr("BODHI_PUBLIC_SCHEME", "http"),
		settings.GetOr("BODHI_PUBLIC_HOST", "localhost"),
		settings.GetOr("BODHI_PUBLIC_PORT", "1135"),
	)

	handler := server.New(server.Deps{
		TokenSvc:    tokenSvc,
		Settings:    settings,
		IdP:         idpClient,
		Sessions:    sessions,
		Secrets:     secrets,
		Router:      router,
		Aliases:     aliasResolver,
		UserAliases: userAliases,
		LocalModels: hubLocator,
		Store:       store,
		AIAPI:       aiapiSvc,

		Cache:       respCache,
		RateLimiter: rateLimiter,
		DefaultRPM:  defaultRPM,
		DefaultTPM:  defaultTPM,

		Metrics:        metrics,
		MetricsHandler: metricsHandler,
		Tracer:         tracer,
		ReadyCheck:     func(ctx context.Context) error { return store.Ping(ctx) },

		PublicBaseURL: publicBaseURL,
		Version:       version,
	})

	addr := settings.GetOr("BODHI_HOST", "localhost") + ":" + settings.GetOr("BODHI_PORT", "1135")
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Background workers: download-queue visibility and rate-limiter eviction.
	downloadPoller := worker.NewDownloadPoller(store, 30*time.Second, logger)
	evictionSweeper := worker.NewEvictionSweeper(rateLimiter, 10*time.Minute, time.Hour, logger)
	runner := worker.NewRunner(downloadPoller, evictionSweeper)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	workerDone := make(chan error, 1)
	go func() { workerDone <- runner.Run(workerCtx) }()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	logger.Info("bodhigate ready", "addr", addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig)
	case err := <-errCh:
		workerCancel()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := sharedCtx.Stop(shutdownCtx); err != nil {
		logger.Error("shared context stop error", "error", err)
	}

	if err := srv.Shutdown(shutdownCtx); err != nil {
		workerCancel()
		return err
	}

	workerCancel()
	if err := <-workerDone; err != nil {
		logger.Error("worker shutdown error", "error", err)
	}

	if tracingShutdown != nil {
		if err := tracingShutdown(shutdownCtx); err != nil {
			logger.Error("tracing shutdown error", "error", err)
		}
	}

	logger.Info("bodhigate stopped")
	return nil
}

// issuerURL is the IdP issuer string claims must exactly match: the realm's
// base OIDC issuer, not the token endpoint itself.
func issuerURL(settings *settingsstore.Store) string {
	authURL := settings.GetOr("BODHI_AUTH_URL", "")
	realm := settings.GetOr("BODHI_AUTH_REALM", "bodhi")
	if authURL == "" {
		return ""
	}
	return fmt.Sprintf("%s/realms/%s", trimTrailingSlash(authURL), realm)
}

func trimTrailingSlash(s string) string {
	if len(s) > 0 && s[len(s)-1] == '/' {
		return s[:len(s)-1]
	}
	return s
}

func parseInt64(s string) int64 {
	var n int64
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int64(c-'0')
	}
	return n
}
