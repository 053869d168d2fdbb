// Command cyfrd runs the execution sandbox daemon: it loads
// configuration, wires the journal/policy/governor/rate-limit/secrets
// collaborators, and serves the MCP-style RPC surface over HTTP until
// SIGINT/SIGTERM, following the listen-then-graceful-shutdown shape of
// the teacher's cmd/gateway/main.go.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cyfrworks/cyfr/internal/config"
	"github.com/cyfrworks/cyfr/pkg/logger"
	"github.com/cyfrworks/cyfr/system/api"
	"github.com/cyfrworks/cyfr/system/executor"
	"github.com/cyfrworks/cyfr/system/governor"
	"github.com/cyfrworks/cyfr/system/journal"
	"github.com/cyfrworks/cyfr/system/mcpdispatch"
	"github.com/cyfrworks/cyfr/system/policy"
	"github.com/cyfrworks/cyfr/system/ratelimit"
	"github.com/cyfrworks/cyfr/system/secretsbridge"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err) // no logger yet to report through
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	j, err := journal.Open(cfg.ExecutionStoreDSN)
	if err != nil {
		log.With(nil).WithField("error", err).Fatal("open execution journal")
	}
	defer j.Close()

	store, err := loadPolicyStore(cfg.PolicyConfigPath)
	if err != nil {
		log.With(nil).WithField("error", err).Fatal("load policy store")
	}

	gov := governor.New()
	limiter := ratelimit.New()
	resolver := secretsbridge.NewResolver(secretsbridge.NewMemoryStore())

	defaultBudget := governor.Budget{
		MaxMemoryBytes: cfg.DefaultMaxMemoryBytes,
		Timeout:        cfg.DefaultTimeout,
		FuelBudget:     cfg.DefaultFuelBudget,
	}

	exec := executor.New(
		cfg.ComponentsRoot,
		store,
		limiter,
		j,
		gov,
		map[string]mcpdispatch.Tool{},
		api.LogTelemetry{Log: log},
		resolver,
		defaultBudget,
		log,
	)

	// Registered against the default registerer, the one promhttp.Handler()
	// scrapes in router.go's /metrics route; a private registry (what
	// NewMetrics(nil) would build) would never surface here.
	metrics := api.NewMetrics(prometheus.DefaultRegisterer)
	server := api.NewServer(exec, log, metrics)
	shed := api.DefaultShedLimiter(50, 100)
	handler := api.NewRouter(server, shed)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	go func() {
		log.With(nil).WithField("addr", cfg.ListenAddr).Info("cyfrd listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.With(nil).WithField("error", err).Fatal("http server exited")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.With(nil).Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.With(nil).WithField("error", err).Error("graceful shutdown failed")
	}
}

// loadPolicyStore reads a JSON policy bundle when configured, falling
// back to an empty store (every catalyst execution fails pre-flight with
// policy_not_configured until one is supplied; reagents and formulas run
// under an all-defaults policy) rather than failing
// startup, so the daemon still comes up for operators wiring policy in
// afterward.
func loadPolicyStore(path string) (policy.Store, error) {
	if path == "" {
		return policy.NewStaticStore(nil), nil
	}
	return policy.LoadFile(path)
}
