package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	_ "github.com/noah-isme/sma-adp-enrollment/api/swagger"
	"github.com/noah-isme/sma-adp-enrollment/internal/models"
	"github.com/noah-isme/sma-adp-enrollment/internal/service"
	"github.com/noah-isme/sma-adp-enrollment/pkg/config"
	"github.com/noah-isme/sma-adp-enrollment/pkg/logger"
)

// @title Course Enrollment API
// @version 1.0.0
// @description Course admission and waitlist engine. Mutations are queued per course and polled by job id.
// @BasePath /api/v1
// @schemes http https
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

func main() {
	issueToken := flag.String("issue-token", "", "print a development access token for user:role and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	if *issueToken != "" {
		if err := printToken(cfg, *issueToken); err != nil {
			logr.Sugar().Fatalw("failed to issue token", "error", err)
		}
		return
	}

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logr); err != nil {
		logr.Sugar().Fatalw("server failed", "error", err)
	}
}

func run(ctx context.Context, cfg *config.Config, logr *zap.Logger) error {
	app, err := newApp(ctx, cfg, logr)
	if err != nil {
		return err
	}
	defer app.close()

	if recovered := app.enrollments.RecoverPendingJobs(ctx); recovered > 0 {
		logr.Sugar().Infow("replayed queued enrollment jobs", "count", recovered)
	}
	sweeper, err := app.enrollments.StartSweeper()
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           app.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env, "storage", cfg.Enrollment.Storage, "job_store", cfg.Enrollment.JobStore, "lock_backend", cfg.Enrollment.LockBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logr.Sugar().Infow("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		<-sweeper.Stop().Done()
		err := srv.Shutdown(shutdownCtx)
		app.queue.Stop()
		return err
	})
	return g.Wait()
}

func printToken(cfg *config.Config, arg string) error {
	userID, role, found := strings.Cut(arg, ":")
	if !found {
		role = string(models.RoleStudent)
	}
	auth := service.NewAuthService(nil, service.AuthConfig{AccessTokenSecret: cfg.JWT.Secret, AccessTokenExpiry: cfg.JWT.Expiration})
	token, expiresAt, err := auth.IssueToken(userID, models.UserRole(strings.ToUpper(role)))
	if err != nil {
		return err
	}
	fmt.Printf("%s\n# expires %s\n", token, expiresAt.Format(time.RFC3339))
	return nil
}
