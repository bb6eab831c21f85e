package main

import (
	"context"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-adp-enrollment/internal/handler"
	"github.com/noah-isme/sma-adp-enrollment/internal/middleware"
	"github.com/noah-isme/sma-adp-enrollment/internal/models"
	"github.com/noah-isme/sma-adp-enrollment/internal/repository"
	"github.com/noah-isme/sma-adp-enrollment/internal/service"
	"github.com/noah-isme/sma-adp-enrollment/pkg/cache"
	"github.com/noah-isme/sma-adp-enrollment/pkg/config"
	"github.com/noah-isme/sma-adp-enrollment/pkg/database"
	appErrors "github.com/noah-isme/sma-adp-enrollment/pkg/errors"
	"github.com/noah-isme/sma-adp-enrollment/pkg/jobs"
	"github.com/noah-isme/sma-adp-enrollment/pkg/lock"
	"github.com/noah-isme/sma-adp-enrollment/pkg/logger"
	corsmiddleware "github.com/noah-isme/sma-adp-enrollment/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/sma-adp-enrollment/pkg/middleware/requestid"
)

type enrollmentStore interface {
	WithinTx(ctx context.Context, fn func(repository.AdmissionTx) error) error
	FindByID(ctx context.Context, id string) (*models.Enrollment, error)
	CountWithdrawn(ctx context.Context, requesterID, courseID string) (int, error)
	ListByRequester(ctx context.Context, filter models.EnrollmentFilter) ([]models.EnrollmentDetail, int, error)
	ListWaitlist(ctx context.Context, courseID string) ([]models.WaitlistEntry, error)
	Ping(ctx context.Context) error
}

type courseCatalog interface {
	FindCourse(ctx context.Context, id string) (*models.Course, error)
}

type prerequisiteSource interface {
	MissingPrerequisites(ctx context.Context, requesterID, courseID string) ([]string, error)
}

type jobStore interface {
	NextSequence(ctx context.Context) (int64, error)
	Create(ctx context.Context, job *models.EnrollmentJob) (*models.EnrollmentJob, bool, error)
	Get(ctx context.Context, id string) (*models.EnrollmentJob, error)
	Update(ctx context.Context, job *models.EnrollmentJob) error
	ListQueued(ctx context.Context, limit int) ([]models.EnrollmentJob, error)
	Ping(ctx context.Context) error
}

// app holds the wired engine and the resources to release on shutdown.
type app struct {
	cfg    *config.Config
	logger *zap.Logger

	metrics     *service.MetricsService
	auth        *service.AuthService
	enrollments *service.EnrollmentService
	exports     *service.ExportService
	queue       *jobs.Queue
	checks      map[string]handler.ReadinessCheck

	closers []func()
}

func newApp(ctx context.Context, cfg *config.Config, logr *zap.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logr, checks: make(map[string]handler.ReadinessCheck)}
	defer func() {
		if err != nil {
			a.close()
		}
	}()
	ec := cfg.Enrollment

	var rdb *redis.Client
	if ec.UsesRedis() {
		if rdb, err = cache.NewRedis(ctx, cfg.Redis); err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		a.closers = append(a.closers, func() { _ = rdb.Close() })
		a.checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}

	var (
		store   enrollmentStore
		courses courseCatalog
		prereqs prerequisiteSource
	)
	switch ec.Storage {
	case config.BackendPostgres:
		db, err := database.NewPostgres(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		a.closers = append(a.closers, func() { _ = db.Close() })
		store = repository.NewEnrollmentRepository(db, ec.LockTimeout)
		courses = repository.NewCourseRepository(db)
		prereqs = repository.NewPrerequisiteRepository(db)
	default:
		mem := repository.NewMemoryEnrollmentStore()
		if ec.SeedFile != "" {
			seed, err := repository.LoadMemorySeed(ec.SeedFile)
			if err != nil {
				return nil, fmt.Errorf("load seed: %w", err)
			}
			if err := mem.Seed(seed); err != nil {
				return nil, fmt.Errorf("apply seed: %w", err)
			}
			logr.Sugar().Infow("seeded in-memory catalog", "file", ec.SeedFile, "courses", len(seed.Courses))
		}
		store, courses, prereqs = mem, mem, mem
	}
	a.checks["enrollment_store"] = store.Ping

	var jobsRepo jobStore
	if ec.JobStore == config.BackendRedis {
		jobsRepo = repository.NewJobStatusRedisRepository(rdb, ec.JobRetention, logr)
	} else {
		memJobs := repository.NewJobStatusMemoryRepository(ec.JobRetention)
		memJobs.Start()
		a.closers = append(a.closers, memJobs.Stop)
		jobsRepo = memJobs
	}
	a.checks["job_store"] = jobsRepo.Ping

	var locks lock.Locker = lock.NewKeyedMutex()
	if ec.LockBackend == config.BackendRedis {
		locks = lock.NewRedisMutex(rdb, lock.RedisMutexConfig{
			Prefix: "enrollment:lock:",
			TTL:    ec.LockTTL,
			Logger: logr,
		})
	}

	notifier := service.NewPromotionNotifier(nil, logr)
	if ec.NotifyChannel != "" {
		notifier = service.NewPromotionNotifier(repository.NewPromotionPublisher(rdb, ec.NotifyChannel), logr)
	}

	a.metrics = service.NewMetricsService()
	admission := service.NewAdmissionController(store, locks, service.NewPrerequisiteEligibility(prereqs), notifier, a.metrics, logr,
		service.AdmissionConfig{LockTimeout: ec.LockTimeout})

	worker := service.NewEnrollmentWorker(jobsRepo, admission, a.metrics, logr, service.EnrollmentWorkerConfig{QueueTimeout: ec.QueueTimeout})
	a.queue = jobs.NewQueue("enrollment", worker.Handle, jobs.QueueConfig{
		MaxRetries:    ec.MaxRetries,
		RetryDelay:    ec.RetryBaseDelay,
		MaxRetryDelay: ec.RetryMaxDelay,
		IdleTimeout:   ec.LaneIdleTimeout,
		Retryable:     appErrors.IsRetryable,
		OnFailure:     worker.OnFailure,
		OnLaneChange:  a.metrics.SetActiveLanes,
		Logger:        logr,
	})
	worker.Bind(a.queue)
	// Lanes outlive the signal context; run stops the queue after the server drains.
	a.queue.Start(context.Background())
	a.closers = append(a.closers, a.queue.Stop)

	a.enrollments = service.NewEnrollmentService(jobsRepo, a.queue, store, courses, validator.New(), logr, service.EnrollmentServiceConfig{
		QueueTimeout:  ec.QueueTimeout,
		DropWait:      ec.DropWait,
		SweepSchedule: ec.SweepSchedule,
	})
	a.exports = service.NewExportService(a.enrollments, courses, logr)
	a.auth = service.NewAuthService(logr, service.AuthConfig{
		AccessTokenSecret: cfg.JWT.Secret,
		AccessTokenExpiry: cfg.JWT.Expiration,
	})
	return a, nil
}

func (a *app) router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(a.logger))
	r.Use(corsmiddleware.New(a.cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(a.metrics))

	metricsHandler := handler.NewMetricsHandler(a.metrics, a.checks)
	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", metricsHandler.Ready)
	r.GET("/metrics", metricsHandler.Prometheus)

	if a.cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	enrollmentHandler := handler.NewEnrollmentHandler(a.enrollments, a.exports, a.cfg.APIPrefix)
	courseHandler := handler.NewCourseHandler(a.enrollments, a.cfg.APIPrefix)

	api := r.Group(a.cfg.APIPrefix)
	api.Use(middleware.JWT(a.auth))

	enrollments := api.Group("/enrollments")
	enrollments.POST("", enrollmentHandler.Submit)
	enrollments.GET("/my-courses", enrollmentHandler.MyCourses)
	enrollments.GET("/status/:jobId", enrollmentHandler.Status)
	enrollments.DELETE("/status/:jobId", enrollmentHandler.Cancel)
	enrollments.DELETE("/:enrollmentId", enrollmentHandler.Drop)
	enrollments.GET("/waitlist/:courseId", enrollmentHandler.Waitlist)
	enrollments.GET("/waitlist/:courseId/export", middleware.RequireAdmin(), enrollmentHandler.ExportWaitlist)

	courses := api.Group("/courses")
	courses.GET("/:courseId", courseHandler.Get)
	courses.PUT("/:courseId/capacity", middleware.RequireAdmin(), courseHandler.UpdateCapacity)

	return r
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
