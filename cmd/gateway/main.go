package main

import (
	"log"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/modelgate/modelgate/internal/audit"
	"github.com/modelgate/modelgate/internal/auth"
	"github.com/modelgate/modelgate/internal/config"
	"github.com/modelgate/modelgate/internal/db"
	"github.com/modelgate/modelgate/internal/gateway"
	"github.com/modelgate/modelgate/internal/ledger"
	"github.com/modelgate/modelgate/internal/logging"
	"github.com/modelgate/modelgate/internal/pii"
	"github.com/modelgate/modelgate/internal/ratelimit"
	"github.com/modelgate/modelgate/internal/router"
)

func main() {
	cfg := config.Load()

	// Initialize database
	database, err := db.InitDB(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}

	// Sync provider catalog from YAML, if present
	if n, err := config.SyncCatalog(database, cfg.CatalogPath); err != nil {
		log.Fatalf("Failed to sync provider catalog: %v", err)
	} else if n > 0 {
		log.Printf("📦 Synced %d providers from %s", n, cfg.CatalogPath)
	}

	// Rate limiter: shared Redis counter when configured, in-process fallback otherwise
	var limiter ratelimit.Limiter
	if cfg.RedisURL != "" {
		rl, err := ratelimit.NewRedisLimiter(cfg.RedisURL)
		if err != nil {
			log.Fatalf("Failed to connect rate limiter: %v", err)
		}
		limiter = rl
		log.Printf("🔗 Rate limiting via Redis")
	} else {
		limiter = ratelimit.NewMemoryLimiter()
		log.Printf("⚠️  REDIS_URL not set, rate limits are per-process only")
	}
	defer limiter.Close()

	// Audit sink
	zapLogger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize audit logger: %v", err)
	}
	defer zapLogger.Sync()
	auditLog := audit.NewLogger(zapLogger)

	// Provider router with circuit breaking
	breaker := router.BreakerConfig{
		DegradedAfter:    cfg.DegradedThreshold,
		UnavailableAfter: cfg.UnavailableThreshold,
		FailureWindow:    cfg.FailureWindow,
		Cooldown:         cfg.Cooldown,
	}
	rt := router.New(router.NewHealthTracker(breaker), router.NewAdapterFactory(), cfg.MaxAttempts)

	// Request pipeline
	shield := pii.DefaultShield(cfg.PIIMinConfidence)
	orch := gateway.NewOrchestrator(database, shield, rt, ledger.New(database), limiter, auditLog)
	handler := gateway.NewHandler(database, orch, rt.Health(), cfg.JWTSecret)
	authMiddleware := auth.NewMiddleware(database, cfg.JWTSecret)

	// Create router
	r := chi.NewRouter()
	r.Use(logging.RequestID)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	// Public routes (no auth required)
	handler.PublicRoutes(r)

	// Admin routes (protected if GATEWAY_ADMIN_PASSWORD is set)
	adminPassword := os.Getenv("GATEWAY_ADMIN_PASSWORD")
	optionalAdminAuth := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if adminPassword == "" {
				next.ServeHTTP(w, r)
				return
			}
			_, pass, ok := r.BasicAuth()
			if !ok || pass != adminPassword {
				w.Header().Set("WWW-Authenticate", `Basic realm="Gateway Admin"`)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
	r.Group(func(r chi.Router) {
		r.Use(optionalAdminAuth)
		handler.AdminRoutes(r)
	})

	// Tenant routes (license key or exchanged token required)
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Authenticate)
		handler.Routes(r)
	})

	addr := cfg.Host + ":" + cfg.Port
	log.Printf("🚀 ModelGate starting on http://%s", addr)
	log.Printf("🔌 Generate API: http://%s/v1/generate", addr)
	log.Printf("📊 Health: http://%s/health", addr)

	if err := http.ListenAndServe(addr, r); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}
