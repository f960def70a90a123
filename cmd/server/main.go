package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"

	"tasklist/pkg/audit"
	"tasklist/pkg/auth"
	"tasklist/pkg/gql"
	"tasklist/pkg/httpx"
	"tasklist/pkg/metrics"
	"tasklist/pkg/ratelimit"
	"tasklist/pkg/store"
	"tasklist/pkg/task"
	"tasklist/pkg/telemetry"
)

const serviceVersion = "1.0.0"

type serverDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type serverDBCloser interface {
	serverDB
	Close()
}

type Server struct {
	Metrics             *metrics.Registry
	RateLimiter         ratelimit.Limiter
	RateLimitEnabled    bool
	RateLimitPerMinute  int
	MaxRequestBodyBytes int64
	Environment         string
}

type initTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)
type openDBFunc func(ctx context.Context) (serverDBCloser, error)
type openRedisFunc func(ctx context.Context) (*redis.Client, error)
type listenFunc func(server *http.Server) error

// Testable variables for main()
var (
	logFatalf       = log.Fatalf
	initTelemetryFn = telemetry.Init
	openDBFn        = func(ctx context.Context) (serverDBCloser, error) { return store.NewPostgresPool(ctx) }
	openRedisFn     = store.NewRedis
	listenFn        = func(server *http.Server) error { return server.ListenAndServe() }
)

func main() {
	if err := runServer(initTelemetryFn, openDBFn, openRedisFn, listenFn); err != nil {
		logFatalf("server: %v", err)
	}
}

func runServer(initTelemetry initTelemetryFunc, openDB openDBFunc, openRedis openRedisFunc, listen listenFunc) error {
	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "tasklist")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	// Storage is load-bearing: boot fails rather than serving half-initialized.
	pool, err := openDB(ctx)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer pool.Close()

	redisClient, err := openRedis(ctx)
	if err != nil {
		log.Printf("redis unavailable, falling back to in-memory cache/limits: %v", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}
	cache := store.NewCache(ctx, redisClient)

	environment := env("ENVIRONMENT", env("APP_ENV", "development"))
	authMode := strings.ToLower(strings.TrimSpace(env("AUTH_MODE", auth.ModeRS256)))
	if authMode == auth.ModeOff {
		if env("ALLOW_INSECURE_AUTH_OFF", "false") != "true" {
			return errors.New("AUTH_MODE=off is disabled unless ALLOW_INSECURE_AUTH_OFF=true")
		}
		if isProductionLikeEnv(environment) {
			return errors.New("AUTH_MODE=off is forbidden in production-like environments")
		}
	}

	taskStore := task.NewPgStore(pool)
	taskStore.CallTimeout = time.Millisecond * time.Duration(envInt("DB_CALL_TIMEOUT_MS", 5000))
	if err := taskStore.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	auditWriter := &audit.Writer{DB: pool}
	if err := auditWriter.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("schema: %w", err)
	}

	s := &Server{
		Metrics:             metrics.NewRegistry(),
		RateLimitEnabled:    env("RATE_LIMIT_ENABLED", "true") == "true",
		RateLimitPerMinute:  envInt("RATE_LIMIT_PER_MINUTE", 240),
		MaxRequestBodyBytes: int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20)),
		Environment:         environment,
	}
	rateLimitWindow := time.Second * time.Duration(envInt("RATE_LIMIT_WINDOW_SEC", 60))
	if rateLimitWindow <= 0 {
		rateLimitWindow = time.Minute
	}
	if s.RateLimitEnabled {
		if redisClient != nil {
			s.RateLimiter = ratelimit.NewRedis(redisClient, rateLimitWindow)
		} else {
			s.RateLimiter = ratelimit.NewInMemory(rateLimitWindow)
		}
	}

	httpClient := telemetry.InstrumentClient(&http.Client{Timeout: time.Millisecond * time.Duration(envInt("JWKS_TIMEOUT_MS", 5000))})
	keys := auth.NewKeySet(env("OIDC_JWKS_URL", ""), httpClient, cache)
	verifier := auth.NewVerifier(
		authMode,
		env("OIDC_HS256_SECRET", ""),
		auth.WithIssuer(env("OIDC_ISSUER", "")),
		auth.WithAudience(env("OIDC_AUDIENCE", "")),
		auth.WithKeySet(keys),
	)

	resolver := &gql.Resolver{
		Repo:    task.NewScopedRepo(taskStore),
		Audit:   auditWriter,
		Observe: s.Metrics.IncOperation,
	}
	schema, err := gql.NewSchema(resolver)
	if err != nil {
		return fmt.Errorf("schema: %w", err)
	}

	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "http://localhost:3000")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("tasklist"))
	r.Use(s.limitRequestBodyMiddleware)
	r.Use(s.rateLimitMiddleware)
	r.Use(auth.Middleware(verifier, s.Metrics.IncAuthBind))

	r.Get("/", s.rootHandler)
	r.Get("/health", s.healthHandler)
	gqlHandler := gql.Handler(schema)
	r.Post("/graphql", gqlHandler)
	r.Get("/graphql", gqlHandler)
	r.Get("/metrics", s.Metrics.Handler())
	r.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())

	addr := ":" + env("PORT", "4000")
	log.Printf("tasklist api listening on %s (environment=%s auth=%s)", addr, environment, authMode)
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if err := listen(srv); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen: %w", err)
	}
	return nil
}

func (s *Server) rootHandler(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]string{
		"message": "Task List API",
		"version": serviceVersion,
		"status":  "running",
	})
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]string{
		"status":      "OK",
		"message":     "Task List API is running",
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
		"environment": s.Environment,
	})
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.code = code
	rec.ResponseWriter.WriteHeader(code)
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: 200}
		next.ServeHTTP(rec, r)
		s.Metrics.Observe(r.Method+" "+r.URL.Path, rec.code, time.Since(start))
	})
}

func (s *Server) limitRequestBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.MaxRequestBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.MaxRequestBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimitMiddleware keys on the bearer token when present so one abusive
// client cannot starve others behind the same NAT, falling back to the
// remote address for anonymous traffic.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.RateLimitEnabled || s.RateLimiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		key := strings.TrimSpace(r.Header.Get("Authorization"))
		if key == "" {
			key = r.RemoteAddr
		}
		decision := s.RateLimiter.Allow(key, s.RateLimitPerMinute)
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		if !decision.Allowed {
			w.Header().Set("Retry-After", strconv.FormatInt(int64(time.Until(decision.ResetAt).Seconds())+1, 10))
			httpx.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isProductionLikeEnv(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "production", "prod", "staging", "stage":
		return true
	}
	return false
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
