package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"account-service/internal/account"
	"account-service/internal/auth"
	"account-service/internal/db"
	"account-service/internal/httpx"
	"account-service/internal/maintenance"
	"account-service/internal/media"
	"account-service/internal/observability"
	"account-service/internal/user"
)

const usersPrefix = "/api/v1/users"

type Options struct {
	LoadDotEnv    bool
	RunMigrations bool
}

type Runtime struct {
	Config  Config
	Handler http.Handler
	Close   func() error
}

// Dependencies are the outside systems the HTTP surface talks to.
type Dependencies struct {
	Store   account.Store
	Blobs   media.BlobStore
	Limiter *auth.LoginRateLimiter
	Metrics *observability.Metrics
}

func Build(options Options) (*Runtime, error) {
	if options.LoadDotEnv {
		_ = godotenv.Load()
	}

	logger := observability.NewLogger()

	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}
	logger = logger.With(map[string]any{"environment": cfg.Environment})

	if err := observability.InitSentry(cfg.SentryDSN, cfg.Environment, cfg.Release); err != nil {
		logger.Error("init_sentry_failed", map[string]any{"error": err.Error()})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	store, err := openStore(ctx, cfg, options.RunMigrations, logger)
	if err != nil {
		return nil, err
	}

	blobs, err := media.NewCloudinary(cfg.CloudinaryURL, media.WithFolder(cfg.CloudinaryFolder))
	if err != nil {
		_ = store.Close(context.Background())
		return nil, fmt.Errorf("init cloudinary: %w", err)
	}

	limiter, redisClient, err := newLoginLimiter(ctx, cfg, logger)
	if err != nil {
		_ = store.Close(context.Background())
		return nil, err
	}

	handler, err := NewHandler(cfg, Dependencies{Store: store, Blobs: blobs, Limiter: limiter}, logger)
	if err != nil {
		_ = store.Close(context.Background())
		return nil, err
	}

	logger.Info("app_ready", map[string]any{"store_driver": cfg.StoreDriver})

	return &Runtime{
		Config:  cfg,
		Handler: handler,
		Close: func() error {
			observability.FlushSentry()
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			var errs []error
			if redisClient != nil {
				errs = append(errs, redisClient.Close())
			}
			errs = append(errs, store.Close(closeCtx))
			return errors.Join(errs...)
		},
	}, nil
}

// NewHandler wires services and routes on top of deps.
func NewHandler(cfg Config, deps Dependencies, logger *observability.Logger) (http.Handler, error) {
	tokens, err := auth.NewTokenIssuer(auth.TokenConfig{
		AccessSecret:  cfg.AccessTokenSecret,
		RefreshSecret: cfg.RefreshTokenSecret,
		AccessTTL:     cfg.AccessTokenTTL,
		RefreshTTL:    cfg.RefreshTokenTTL,
		Issuer:        cfg.TokenIssuer,
	})
	if err != nil {
		return nil, fmt.Errorf("init token issuer: %w", err)
	}

	limiter := deps.Limiter
	if limiter == nil {
		limiter = auth.NewLoginRateLimiter(cfg.LoginRateLimitMax, cfg.LoginRateLimitWindow, logger)
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = observability.NewMetrics()
	}

	hasher := auth.NewPasswordHasher(cfg.BcryptCost)
	authService := auth.NewService(deps.Store, hasher, tokens)
	authHandler := auth.NewHandler(authService, auth.CookieConfig{Secure: cfg.CookieSecure, Domain: cfg.CookieDomain}, logger)
	gate := auth.NewGate(tokens, deps.Store, logger)

	userService := user.NewService(deps.Store, hasher, deps.Blobs, logger)
	userHandler := user.NewHandler(userService, logger)

	cleanupHandler := maintenance.NewCleanupHandler(deps.Store, logger, cfg.CronSecret, cfg.CleanupBatchSize)

	protected := func(h http.HandlerFunc) http.Handler {
		return gate.Middleware(h)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST "+usersPrefix+"/register", userHandler.Register)
	mux.Handle("POST "+usersPrefix+"/login", limiter.Middleware(http.HandlerFunc(authHandler.Login)))
	mux.HandleFunc("POST "+usersPrefix+"/refresh-token", authHandler.Refresh)
	mux.Handle("POST "+usersPrefix+"/logout", protected(authHandler.Logout))
	mux.Handle("POST "+usersPrefix+"/change-password", protected(authHandler.ChangePassword))
	mux.Handle("GET "+usersPrefix+"/current-user", protected(userHandler.CurrentUser))
	mux.Handle("PATCH "+usersPrefix+"/update-account", protected(userHandler.UpdateAccount))
	mux.Handle("PATCH "+usersPrefix+"/avatar", protected(userHandler.UpdateAvatar))
	mux.Handle("PATCH "+usersPrefix+"/cover-image", protected(userHandler.UpdateCoverImage))
	mux.Handle("GET "+usersPrefix+"/c/{username}", protected(userHandler.Channel))
	mux.Handle("POST "+usersPrefix+"/c/{username}/subscription", protected(userHandler.Subscribe))
	mux.Handle("DELETE "+usersPrefix+"/c/{username}/subscription", protected(userHandler.Unsubscribe))
	mux.HandleFunc("GET /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("POST /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("GET /health", healthHandler(deps.Store))
	mux.Handle("GET /metrics", metrics.Handler())

	handler := observability.RecoverMiddleware(logger, observability.RequestLoggingMiddleware(logger, metrics.Middleware(mux)))
	return observability.RequestIDMiddleware(observability.ClientIPMiddleware(cfg.TrustedProxyHops, handler)), nil
}

func openStore(ctx context.Context, cfg Config, runMigrations bool, logger *observability.Logger) (account.Store, error) {
	switch cfg.StoreDriver {
	case DriverMongo:
		store, err := account.ConnectMongo(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return nil, fmt.Errorf("connect mongo: %w", err)
		}
		if err := store.EnsureIndexes(ctx); err != nil {
			_ = store.Close(context.Background())
			return nil, fmt.Errorf("ensure mongo indexes: %w", err)
		}
		return store, nil

	case DriverMemory:
		logger.Warn("memory_store_in_use", map[string]any{"environment": cfg.Environment})
		return account.NewMemoryStore(), nil

	default:
		database, err := sql.Open("pgx", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}

		database.SetMaxOpenConns(cfg.DBMaxOpenConns)
		database.SetMaxIdleConns(cfg.DBMaxIdleConns)
		database.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
		database.SetConnMaxIdleTime(cfg.DBConnMaxIdleTime)

		if err := database.PingContext(ctx); err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("ping database: %w", err)
		}

		if runMigrations {
			applied, err := db.RunMigrations(ctx, database)
			if err != nil {
				_ = database.Close()
				return nil, fmt.Errorf("run migrations: %w", err)
			}
			if len(applied) > 0 {
				logger.Info("migrations_applied", map[string]any{"versions": applied})
			}
		}

		return account.NewPostgresStore(database), nil
	}
}

// newLoginLimiter shares the login budget through redis when REDIS_URL is set.
func newLoginLimiter(ctx context.Context, cfg Config, logger *observability.Logger) (*auth.LoginRateLimiter, *redis.Client, error) {
	if cfg.RedisURL == "" {
		return auth.NewLoginRateLimiter(cfg.LoginRateLimitMax, cfg.LoginRateLimitWindow, logger), nil, nil
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis_unreachable", map[string]any{"error": err.Error()})
	}

	return auth.NewRedisLoginRateLimiter(client, cfg.LoginRateLimitMax, cfg.LoginRateLimitWindow, logger), client, nil
}

type pinger interface {
	Ping(ctx context.Context) error
}

func healthHandler(store pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		body := map[string]any{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)}
		if err := store.Ping(ctx); err != nil {
			status = http.StatusServiceUnavailable
			body = map[string]any{"status": "degraded", "time": time.Now().UTC().Format(time.RFC3339)}
		}

		httpx.WriteJSON(w, status, body)
	}
}
