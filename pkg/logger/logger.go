package logger

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/noah-isme/sma-adp-enrollment/pkg/config"
	"github.com/noah-isme/sma-adp-enrollment/pkg/middleware/requestid"
)

// Gin context keys read by GinMiddleware. Handlers that queue or read a lane
// job set them through TagJob.
const (
	jobIDKey = "logger.job_id"
	laneKey  = "logger.lane"
)

// New builds the process logger from cfg.
func New(cfg *config.Config) (*zap.Logger, error) {
	var zapCfg zap.Config
	if cfg.Env == config.EnvProduction {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
	}

	switch cfg.Log.Format {
	case "console":
		zapCfg.Encoding = "console"
	default:
		zapCfg.Encoding = "json"
	}

	if cfg.Log.Level != "" {
		if err := zapCfg.Level.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
			zapCfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
		}
	}

	zapCfg.EncoderConfig.TimeKey = "timestamp"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return zapCfg.Build()
}

// GinMiddleware logs one line per request; 4xx at warn, 5xx at error.
func GinMiddleware(l *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		latency := time.Since(start)
		reqID := requestid.Value(c)
		status := c.Writer.Status()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", status),
			zap.Duration("latency", latency),
			zap.String("ip", c.ClientIP()),
		}
		if route := c.FullPath(); route != "" {
			fields = append(fields, zap.String("route", route))
		}
		if reqID != "" {
			fields = append(fields, zap.String("request_id", reqID))
		}
		if jobID := c.GetString(jobIDKey); jobID != "" {
			fields = append(fields, zap.String("job_id", jobID))
		}
		if lane := c.GetString(laneKey); lane != "" {
			fields = append(fields, zap.String("lane", lane))
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}

		switch {
		case status >= 500:
			l.Error("http_request", fields...)
		case status >= 400:
			l.Warn("http_request", fields...)
		default:
			l.Info("http_request", fields...)
		}
	}
}

// TagJob attaches the job and its course lane to the request's access log line.
func TagJob(c *gin.Context, jobID, lane string) {
	c.Set(jobIDKey, jobID)
	if lane != "" {
		c.Set(laneKey, lane)
	}
}

// ForJob scopes l to one lane job. requestID links the job back to the HTTP
// call that submitted it and is omitted when empty.
func ForJob(l *zap.Logger, jobID, lane, requestID string, attempt int) *zap.Logger {
	fields := []zap.Field{
		zap.String("job_id", jobID),
		zap.String("lane", lane),
		zap.Int("attempt", attempt),
	}
	if requestID != "" {
		fields = append(fields, zap.String("request_id", requestID))
	}
	return l.With(fields...)
}
