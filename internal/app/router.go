package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/drawline-erp/drawline-erp/internal/billing"
	"github.com/drawline-erp/drawline-erp/internal/observability"
	"github.com/drawline-erp/drawline-erp/internal/reconcile"
	"github.com/drawline-erp/drawline-erp/internal/undo"
	"github.com/drawline-erp/drawline-erp/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger           *slog.Logger
	Config           *Config
	Pool             *pgxpool.Pool
	Redis            *redis.Client
	BillingHandler   *billing.Handler
	ReconcileHandler *reconcile.Handler
	UndoHandler      *undo.Handler
	JobHandler       *jobs.Handler
	Metrics          *observability.Metrics
}

// NewRouter constructs the chi.Router with Drawline defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if params.Pool != nil {
			if err := params.Pool.Ping(req.Context()); err != nil {
				params.Logger.Warn("healthz postgres", slog.Any("error", err))
				http.Error(w, `{"status":"degraded"}`, http.StatusServiceUnavailable)
				return
			}
		}
		if params.Redis != nil {
			if err := params.Redis.Ping(req.Context()).Err(); err != nil {
				params.Logger.Warn("healthz redis", slog.Any("error", err))
				http.Error(w, `{"status":"degraded"}`, http.StatusServiceUnavailable)
				return
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	r.Route("/api/v1", func(api chi.Router) {
		if params.BillingHandler != nil {
			params.BillingHandler.MountRoutes(api)
		}
		if params.ReconcileHandler != nil {
			params.ReconcileHandler.MountRoutes(api)
		}
		if params.UndoHandler != nil {
			params.UndoHandler.MountRoutes(api)
		}
		if params.JobHandler != nil {
			api.Route("/queue", func(q chi.Router) {
				params.JobHandler.MountRoutes(q)
			})
		}
	})

	return r
}
