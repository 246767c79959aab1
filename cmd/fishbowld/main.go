// Fishbowld is the sandbox mediation server. It sits between the sandboxed
// agent and the outside world: every outbound request, host command, package
// install, file export, and git push passes through its permission pipeline.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/fishbowl-sh/fishbowl/pkg/audit"
	"github.com/fishbowl-sh/fishbowl/pkg/auth"
	"github.com/fishbowl-sh/fishbowl/pkg/broker"
	"github.com/fishbowl-sh/fishbowl/pkg/config"
	"github.com/fishbowl-sh/fishbowl/pkg/filesync"
	"github.com/fishbowl-sh/fishbowl/pkg/gitsync"
	fbotel "github.com/fishbowl-sh/fishbowl/pkg/otel"
	"github.com/fishbowl-sh/fishbowl/pkg/proxy"
	"github.com/fishbowl-sh/fishbowl/pkg/queue"
	"github.com/fishbowl-sh/fishbowl/pkg/server"
)

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// ── OpenTelemetry ────────────────────────────────────────────────────
	otelShutdown, err := fbotel.Setup(ctx, fbotel.Config{
		ServiceName:  config.EnvOr("OTEL_SERVICE_NAME", "fishbowld"),
		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	})
	if err != nil {
		log.Error("otel setup failed", "error", err)
	} else {
		defer otelShutdown(context.Background()) //nolint:errcheck // best-effort shutdown
	}

	// ── Paths ────────────────────────────────────────────────────────────
	workspace := config.EnvOr("WORKSPACE", "/workspace/merged")
	hostProject := config.EnvOr("HOST_PROJECT", "/workspace/lower")
	dataDir := config.EnvOr("DATA_DIR", "data")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		log.Error("data dir create failed", "path", dataDir, "error", err)
		os.Exit(1)
	}

	// ── Core state ───────────────────────────────────────────────────────
	cfg := config.NewStore(config.EnvOr("SANDBOX_CONFIG", "sandbox.config.json"), log)
	cfg.Load()

	auditLog := audit.New(filepath.Join(dataDir, "audit.log"), log)

	q := queue.New(filepath.Join(dataDir, "queue.json"), auditLog, log)
	if err := q.Init(); err != nil {
		log.Warn("queue restore failed, starting empty", "error", err)
	}

	// ── Subsystems ───────────────────────────────────────────────────────
	execBroker := broker.NewExecBroker(cfg, q, log)
	pkgBroker := broker.NewPackageBroker(cfg, q, log)
	mirror := filesync.NewMirror(workspace, hostProject, log)
	fileSvc := filesync.NewService(workspace, hostProject, cfg, q, log)
	gitSvc := gitsync.NewService(cfg, q, log)

	var maxUptime time.Duration
	if raw := os.Getenv("MAX_UPTIME"); raw != "" {
		d, err := config.ParseUptime(raw)
		if err != nil {
			log.Error("invalid MAX_UPTIME", "value", raw, "error", err)
			os.Exit(1)
		}
		maxUptime = d
	}

	// Optional: "role:token,..." pairs, e.g. "operator:fb-abc,agent:fb-def".
	// Empty leaves the control plane open, the usual single-user setup.
	keys := auth.NewKeyStore(os.Getenv("API_KEYS"))

	srv := server.New(server.Options{
		Queue:          q,
		Config:         cfg,
		Audit:          auditLog,
		Keys:           keys,
		Files:          fileSvc,
		Git:            gitSvc,
		Exec:           execBroker,
		Packages:       pkgBroker,
		Workspace:      workspace,
		MaxUptime:      maxUptime,
		PerClientLimit: config.EnvOrInt("RATE_LIMIT_PER_CLIENT", 50),
		Log:            log,
	})

	px := proxy.New(cfg, q, log)
	px.OnDecision = server.CountProxyDecision

	// ── Listeners ────────────────────────────────────────────────────────
	apiAddr := ":" + config.EnvOr("SERVER_PORT", "3700")
	apiSrv := &http.Server{
		Addr:              apiAddr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	metricsAddr := config.EnvOr("METRICS_ADDR", "127.0.0.1:9090")
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{
		Addr:              metricsAddr,
		Handler:           metricsMux,
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       30 * time.Second,
	}

	var shutdownReason atomic.Value
	shutdownReason.Store("shutdown signal received")

	if maxUptime > 0 {
		log.Info("max uptime armed", "duration", maxUptime.String())
		time.AfterFunc(maxUptime, func() {
			log.Info("max uptime reached, shutting down")
			shutdownReason.Store("max uptime reached")
			cancel()
		})
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("control plane starting", "addr", apiAddr)
		if err := apiSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	if config.EnvOrBool("PROXY_INLINE", true) {
		g.Go(func() error {
			return px.ListenAndServe(gctx, ":"+config.EnvOr("PROXY_PORT", "3701"))
		})
	}

	g.Go(func() error {
		log.Info("metrics server starting", "addr", metricsAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server error", "error", err)
		}
		return nil
	})

	g.Go(func() error {
		return mirror.Start(gctx)
	})

	<-gctx.Done()
	log.Info("shutting down")

	// Shutdown order matters: stop the watcher, flush the workspace to the
	// host, fail every outstanding waiter, tell clients, then close the
	// listeners.
	mirror.Stop()

	syncCtx, syncCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if n, err := mirror.FullSync(syncCtx); err != nil {
		log.Warn("final full sync failed", "error", err)
	} else {
		log.Info("final full sync complete", "files", n)
	}
	syncCancel()

	if n := q.DenyAllPending("auto"); n > 0 {
		log.Info("pending requests denied on shutdown", "count", n)
	}
	q.Flush()

	srv.Hub().CloseAll(shutdownReason.Load().(string))

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()
	if err := apiSrv.Shutdown(shutCtx); err != nil {
		log.Error("server shutdown error", "error", err)
	}
	if err := metricsSrv.Shutdown(shutCtx); err != nil {
		log.Error("metrics server shutdown error", "error", err)
	}
	if err := g.Wait(); err != nil {
		log.Error("server error", "error", err)
		os.Exit(1)
	}
}
