package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"attendee-api/internal/attendee"
	"attendee-api/internal/audit"
	"attendee-api/internal/auth"
	"attendee-api/internal/db"
	"attendee-api/internal/maintenance"
	"attendee-api/internal/observability"
	"attendee-api/internal/ratelimit"
)

type Options struct {
	LoadDotEnv    bool
	RunMigrations bool
}

type Runtime struct {
	Handler http.Handler
	Close   func() error
}

func Build(options Options) (*Runtime, error) {
	if options.LoadDotEnv {
		_ = godotenv.Load()
	}

	logger := observability.NewLogger("attendee-api")

	databaseURL, err := mustEnv("DATABASE_URL")
	if err != nil {
		return nil, err
	}
	jwtSecret, err := mustEnv("JWT_SECRET")
	if err != nil {
		return nil, err
	}

	if err := observability.InitSentry(os.Getenv("SENTRY_DSN"), envOrDefault("APP_ENV", "development")); err != nil {
		logger.Error("init_sentry_failed", map[string]any{"error": err.Error()})
	}

	database, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	database.SetMaxOpenConns(envIntOrDefault("DB_MAX_OPEN_CONNS", 10))
	database.SetMaxIdleConns(envIntOrDefault("DB_MAX_IDLE_CONNS", 5))
	database.SetConnMaxLifetime(envMinutesOrDefault("DB_CONN_MAX_LIFETIME_MINUTES", 30))
	database.SetConnMaxIdleTime(envMinutesOrDefault("DB_CONN_MAX_IDLE_TIME_MINUTES", 10))

	if err := database.Ping(); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if options.RunMigrations {
		if err := db.RunMigrations(context.Background(), database); err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}

	recorder := audit.NewSQLRecorder(database)
	authRepo := auth.NewRepository(database)
	hasher := auth.NewHasher(envIntOrDefault("BCRYPT_ROUNDS", 12))
	issuer := auth.NewTokenIssuer(jwtSecret, envMinutesOrDefault("ACCESS_TOKEN_TTL_MINUTES", 30))
	totpEngine := auth.NewTOTPEngine(envOrDefault("MFA_ISSUER", "AdminEvents"))

	authService := auth.NewService(authRepo, hasher, issuer, totpEngine, recorder)
	authService.WithSecurityConfig(
		envIntOrDefault("LOGIN_MAX_ATTEMPTS", 5),
		envMinutesOrDefault("LOGIN_LOCK_MINUTES", 15),
		envDaysOrDefault("REFRESH_TOKEN_TTL_DAYS", 7),
		EnvBoolOrDefault("MFA_ENABLED", true),
	)
	authHandler := auth.NewHandler(authService, recorder)
	guard := auth.NewGuard(issuer, recorder)

	if err := authService.BootstrapAdmin(context.Background(), os.Getenv("ADMIN_USERNAME"), os.Getenv("ADMIN_PASSWORD")); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("bootstrap admin: %w", err)
	}

	attendeeRepo := attendee.NewRepository(database)
	attendeeHandler := attendee.NewHandler(attendeeRepo, recorder)

	cleanupHandler := maintenance.NewCleanupHandler(
		authRepo,
		logger,
		os.Getenv("CRON_SECRET"),
		envDaysOrDefault("AUTH_REFRESH_TOKEN_RETENTION_DAYS", 14),
		envIntOrDefault("AUTH_CLEANUP_BATCH_SIZE", 500),
	)

	limiter := ratelimit.New(envIntOrDefault("RATE_LIMIT_PER_MINUTE", 100), time.Minute)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/register", authHandler.Register)
	mux.HandleFunc("POST /auth/login", authHandler.Login)
	mux.HandleFunc("POST /auth/refresh", authHandler.Refresh)
	mux.Handle("POST /auth/logout", guard.RequireAuth(http.HandlerFunc(authHandler.Logout)))
	mux.Handle("GET /auth/me", guard.RequireAuth(http.HandlerFunc(authHandler.Me)))
	mux.Handle("POST /auth/change-password", guard.RequireAuth(http.HandlerFunc(authHandler.ChangePassword)))
	mux.Handle("POST /auth/mfa/setup", guard.RequireAuth(http.HandlerFunc(authHandler.SetupMFA)))
	mux.Handle("POST /auth/mfa/verify", guard.RequireAuth(http.HandlerFunc(authHandler.VerifyMFA)))
	mux.Handle("POST /auth/mfa/disable", guard.RequireAuth(http.HandlerFunc(authHandler.DisableMFA)))
	mux.Handle("GET /auth/users", guard.RequireScope(auth.ScopeAdmin, http.HandlerFunc(authHandler.ListUsers)))
	mux.Handle("GET /auth/audit-logs", guard.RequireScope(auth.ScopeAdmin, http.HandlerFunc(authHandler.ListAuditLogs)))

	mux.Handle("GET /attendees", guard.RequireScope(auth.ScopeReadAttendees, http.HandlerFunc(attendeeHandler.List)))
	mux.Handle("GET /attendees/{id}", guard.RequireScope(auth.ScopeReadAttendees, http.HandlerFunc(attendeeHandler.Get)))
	mux.Handle("GET /attendees/search/by-document/{document_type}/{document_number}",
		guard.RequireScope(auth.ScopeReadAttendees, http.HandlerFunc(attendeeHandler.SearchByDocument)))
	mux.Handle("GET /attendees/search/by-email/{email}",
		guard.RequireScope(auth.ScopeReadAttendees, http.HandlerFunc(attendeeHandler.SearchByEmail)))
	mux.Handle("POST /attendees", guard.RequireScope(auth.ScopeWriteAttendees, http.HandlerFunc(attendeeHandler.Create)))
	mux.Handle("PUT /attendees/{id}", guard.RequireScope(auth.ScopeWriteAttendees, http.HandlerFunc(attendeeHandler.Update)))
	mux.Handle("DELETE /attendees/{id}", guard.RequireScope(auth.ScopeDeleteAttendees, http.HandlerFunc(attendeeHandler.Delete)))

	mux.HandleFunc("GET /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("POST /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("GET /health", healthHandler(database))

	handler := observability.RecoverMiddleware(logger,
		observability.RequestLoggingMiddleware(logger,
			observability.SecurityHeadersMiddleware(
				limiter.Middleware(mux))))

	return &Runtime{
		Handler: handler,
		Close: func() error {
			observability.FlushSentry()
			return database.Close()
		},
	}, nil
}

func healthHandler(database *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		body := map[string]any{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)}
		if err := database.PingContext(ctx); err != nil {
			status = http.StatusServiceUnavailable
			body = map[string]any{"status": "degraded", "time": time.Now().UTC().Format(time.RFC3339)}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}

func mustEnv(name string) (string, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return "", fmt.Errorf("missing required env: %s", name)
	}
	return value, nil
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func envIntOrDefault(name string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func envMinutesOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Minute
}

func envDaysOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * 24 * time.Hour
}

func EnvBoolOrDefault(name string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(name)))
	if value == "" {
		return fallback
	}

	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
