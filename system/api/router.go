package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/cyfrworks/cyfr/system/errkind"
)

// NewRouter builds the chi router for s: CORS-free internal surface,
// request ID + panic recovery + request logging middleware chain
// grounded on the ordering in the pack's chi gateway router
// (RequestID -> Recoverer -> Logger; the /mcp body size limit is applied
// inside handleExecution rather than as middleware), plus an inbound
// token-bucket shedding limiter in front of /mcp distinct from the
// per-(user,component) fixed-window RateLimiter the executor uses
// in-flight (SPEC_FULL.md §6 EXT).
func NewRouter(s *Server, shed *rate.Limiter) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(requestLogger(s))

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		// AllowContentType only guards the one route that actually reads
		// a JSON body; applied router-wide it would 415 the GET routes.
		r.Use(chimw.AllowContentType("application/json"))
		if shed != nil {
			r.Use(shedding(shed, s.Metrics))
		}
		r.Post("/mcp", s.handleExecution)
	})

	r.Get("/opus/executions/{id}", s.handleResource)
	r.Get("/opus/executions/{id}/logs", s.handleResourceLogs)

	return r
}

// DefaultShedLimiter returns the inbound token-bucket limiter for /mcp:
// requestsPerSecond sustained, bursting up to burst, beyond which a
// request is rejected with 429 rather than queued, so a slow downstream
// component never backs up the whole HTTP server.
func DefaultShedLimiter(requestsPerSecond float64, burst int) *rate.Limiter {
	return rate.NewLimiter(rate.Limit(requestsPerSecond), burst)
}

func shedding(limiter *rate.Limiter, metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				metrics.InboundRequestsShed.Inc()
				writeError(w, http.StatusTooManyRequests, errkind.KindRateLimited, "server is shedding load, retry later")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func requestLogger(s *Server) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			s.Log.With(nil).WithFields(map[string]interface{}{
				"method":      r.Method,
				"path":        r.URL.Path,
				"duration_ms": time.Since(start).Milliseconds(),
				"request_id":  chimw.GetReqID(r.Context()),
			}).Info("handled request")
		})
	}
}
