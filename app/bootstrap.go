package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"farm-identity/internal/auth"
	"farm-identity/internal/config"
	"farm-identity/internal/db"
	"farm-identity/internal/maintenance"
	"farm-identity/internal/notify"
	"farm-identity/internal/observability"
)

type Options struct {
	LoadDotEnv bool
	ConfigPath string
	// RunMigrations forces migrations on startup in addition to RUN_MIGRATIONS_ON_STARTUP.
	RunMigrations bool
}

type Runtime struct {
	Handler http.Handler
	Config  *config.Config
	Logger  *observability.Logger
	Close   func() error
}

// Identity is the wired identity subsystem shared by the HTTP server and the admin CLI.
type Identity struct {
	Repository *auth.Repository
	Tracker    *auth.LoginTracker
	Ledger     *auth.RevocationLedger
	Service    *auth.Service
	Cleanup    *maintenance.Runner
}

func LoadConfig(options Options) (*config.Config, error) {
	if options.LoadDotEnv {
		_ = godotenv.Load()
	}
	return config.Load(options.ConfigPath)
}

func NewIdentity(cfg *config.Config, pool *pgxpool.Pool, logger *observability.Logger) (*Identity, error) {
	notifier, err := newNotifier(cfg, logger)
	if err != nil {
		return nil, err
	}

	tokens, err := auth.NewTokenCodec(cfg.Token.SecretKey, cfg.Token.Algorithm, cfg.AccessTTL(), cfg.RefreshTTL())
	if err != nil {
		return nil, fmt.Errorf("init token codec: %w", err)
	}

	repo := auth.NewRepository(pool)
	hasher := auth.NewHasher(0)
	tracker := auth.NewLoginTracker(repo, auth.LockoutPolicy{
		MaxAttempts:  cfg.Lockout.MaxAttempts,
		LockDuration: cfg.LockDuration(),
		Window:       cfg.AttemptWindow(),
	})
	ledger := auth.NewRevocationLedger(repo)

	service := auth.NewService(auth.ServiceDeps{
		Principals: repo,
		Resets:     repo,
		Tracker:    tracker,
		Ledger:     ledger,
		Tokens:     tokens,
		OTP:        auth.NewOTPGenerator(cfg.OTP.SecretKey, cfg.OTPInterval(), hasher, repo),
		Hasher:     hasher,
		Notifier:   notifier,
		Logger:     logger,
	})
	service.WithSessionConfig(cfg.Token.RotateRefreshToken, cfg.ResetCodeTTL())

	return &Identity{
		Repository: repo,
		Tracker:    tracker,
		Ledger:     ledger,
		Service:    service,
		Cleanup:    maintenance.NewRunner(tracker, ledger, cfg.RevokedRetention(), cfg.Maintenance.CleanupBatchSize),
	}, nil
}

func Build(options Options) (*Runtime, error) {
	cfg, err := LoadConfig(options)
	if err != nil {
		return nil, err
	}

	logger := observability.NewLogger(cfg.Env)

	if err := observability.InitSentry(cfg.SentryDSN, cfg.Env); err != nil {
		logger.Error("init_sentry_failed", map[string]any{"error": err.Error()})
	}

	ctx := context.Background()
	pool, err := db.Open(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		return nil, err
	}

	if options.RunMigrations || cfg.RunMigrations {
		applied, err := db.Migrate(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
		logger.Info("migrations_applied", map[string]any{"versions": applied})
	}

	identity, err := NewIdentity(cfg, pool, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}

	if err := identity.Service.BootstrapAdmin(ctx, cfg.Admin.Username, cfg.Admin.Email, cfg.Admin.Password); err != nil {
		pool.Close()
		return nil, fmt.Errorf("bootstrap admin: %w", err)
	}

	authHandler := auth.NewHandler(identity.Service, !cfg.IsDevelopment())
	cleanupHandler := maintenance.NewCleanupHandler(identity.Cleanup, logger, cfg.Maintenance.CronSecret)
	loginLimiter := auth.NewLoginRateLimiter(cfg.RateLimit.Max, cfg.RateLimitWindow(), cfg.RateLimit.TrustProxyHeaders)

	mux := http.NewServeMux()
	Routes(mux, identity.Service, authHandler, loginLimiter)
	mux.HandleFunc("GET /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("POST /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("GET /health", healthHandler(pool))

	handler := observability.RecoverMiddleware(logger, observability.RequestLoggingMiddleware(logger, mux))

	return &Runtime{
		Handler: handler,
		Config:  cfg,
		Logger:  logger,
		Close: func() error {
			observability.FlushSentry()
			pool.Close()
			return nil
		},
	}, nil
}

// Routes registers the identity endpoints on mux.
func Routes(mux *http.ServeMux, service *auth.Service, h *auth.Handler, limiter *auth.LoginRateLimiter) {
	authed := func(next http.HandlerFunc) http.Handler {
		return auth.Middleware(service, next)
	}
	admin := func(next http.HandlerFunc) http.Handler {
		return auth.Middleware(service, auth.RequireRole(next, auth.RoleAdmin))
	}

	mux.Handle("POST /auth/login", limiter.Middleware(http.HandlerFunc(h.Login)))
	mux.Handle("POST /auth/verify", limiter.Middleware(http.HandlerFunc(h.Verify)))
	mux.HandleFunc("POST /auth/refresh", h.Refresh)
	mux.HandleFunc("POST /auth/logout", h.Logout)
	mux.HandleFunc("POST /auth/forgot-password", h.ForgotPassword)
	mux.HandleFunc("PATCH /auth/reset-password", h.ResetPassword)
	mux.Handle("GET /auth/me", authed(h.Me))
	mux.Handle("GET /admin/account-status/{username}", admin(h.AccountStatus))
	mux.Handle("POST /admin/unlock-account/{username}", admin(h.UnlockAccount))
	mux.Handle("PATCH /admin/users/{username}", admin(h.UpdateUser))
}

func newNotifier(cfg *config.Config, logger *observability.Logger) (notify.Notifier, error) {
	if cfg.SMTPConfigured() {
		return notify.NewSMTPNotifier(notify.SMTPConfig{
			Server:   cfg.SMTP.Server,
			Port:     cfg.SMTP.Port,
			Email:    cfg.SMTP.Email,
			Password: cfg.SMTP.Password,
		}), nil
	}
	if cfg.IsDevelopment() {
		logger.Warn("smtp_not_configured", map[string]any{"notifier": "log"})
		return notify.NewLogNotifier(logger), nil
	}
	return nil, errors.New("SMTP_SERVER and SMTP_EMAIL are required outside development")
}

func healthHandler(pool *pgxpool.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		body := map[string]any{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)}
		if err := pool.Ping(ctx); err != nil {
			status = http.StatusServiceUnavailable
			body = map[string]any{"status": "degraded", "time": time.Now().UTC().Format(time.RFC3339)}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}
