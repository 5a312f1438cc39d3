package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gorillabuilder-code/Gorilla-builder/internal/app/migrate"
	"github.com/gorillabuilder-code/Gorilla-builder/internal/commitlock"
	httpx "github.com/gorillabuilder-code/Gorilla-builder/internal/http"
	"github.com/gorillabuilder-code/Gorilla-builder/internal/repository/postgres"
	"github.com/gorillabuilder-code/Gorilla-builder/internal/sandbox"
	"github.com/gorillabuilder-code/Gorilla-builder/internal/service/agent"
	"github.com/gorillabuilder-code/Gorilla-builder/internal/service/changelog"
	"github.com/gorillabuilder-code/Gorilla-builder/internal/service/export"
	"github.com/gorillabuilder-code/Gorilla-builder/internal/service/logs"
	"github.com/gorillabuilder-code/Gorilla-builder/internal/service/preview"
	"github.com/gorillabuilder-code/Gorilla-builder/internal/service/project"
	"github.com/gorillabuilder-code/Gorilla-builder/internal/service/snapshot"
	"github.com/gorillabuilder-code/Gorilla-builder/internal/ws"
	"github.com/gorillabuilder-code/Gorilla-builder/pkg/config"
	"github.com/gorillabuilder-code/Gorilla-builder/pkg/logger"
)

func main() {
	cfg := config.LoadAppConfig()
	log := logger.New("api", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	defer runner.Close()
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	repo := postgres.New(pool)
	logHub := ws.NewHub()
	defer logHub.Shutdown()

	logSvc := logs.New(repo, logHub, log)
	locks := commitlock.NewRegistry()
	projectSvc := project.New(repo, repo, log)
	changeSvc := changelog.New(repo, locks, log)
	snapshotSvc := snapshot.New(repo, repo, locks, log)
	exportSvc := export.New(repo, repo, repo, repo, log)

	factory := func(projectID string) (sandbox.Runtime, error) {
		name := fmt.Sprintf("gorilla-preview-%s", projectID)
		return sandbox.NewDockerRuntime(cfg.DockerHost, cfg.SandboxImage, name, cfg.SandboxAppPort, log)
	}
	previewMgr := preview.NewManager(factory, repo, logSvc, log, preview.Options{
		QuietWindow: cfg.PreviewQuietWindow,
		RetryDelay:  cfg.PreviewRetryDelay,
		MaxAttempts: uint64(cfg.PreviewMaxAttempts),
	})

	propose := agent.ProposeFunc(agent.DisabledProposer)
	if endpoint := strings.TrimSpace(cfg.AgentEndpoint); endpoint != "" {
		propose = agent.NewHTTPProposer(endpoint, cfg.AgentTimeout, log).Propose
	}
	meter := agent.NewFixedMeter(int64(cfg.AgentTokenLimit))
	repairLoop := agent.NewLoop(meter, propose, changeSvc, repo, logSvc, log, cfg.AgentQueueSize)
	logSvc.OnReport(repairLoop.Submit)
	repairLoop.Start(ctx)

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, projectSvc, changeSvc, snapshotSvc, exportSvc, previewMgr, logSvc, limiter, pool.Ping)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("api server starting", "addr", cfg.Addr)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		previewMgr.StopAll(shutdownCtx)
		repairLoop.Wait()
		log.Info("api server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
