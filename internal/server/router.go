package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/imgstk/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/imgstk/backend/internal/batches"
	"github.com/MarcoPoloResearchLab/imgstk/backend/internal/metrics"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	serviceName              = "imgstk-api"
	metricsServiceLabel      = "admin"
	defaultHeartbeatInterval = 25 * time.Second
	defaultMaxRequestBytes   = 512 << 20
	defaultUploadTimeout     = 2 * time.Minute
)

var (
	errMissingBatchService = errors.New("batch service dependency required")
	errMissingCredentials  = errors.New("basic credentials dependency required")
	errMissingEvents       = errors.New("event dispatcher dependency required")
)

// BatchService is the catalogue behaviour the admin API exposes.
type BatchService interface {
	Commit(ctx context.Context, title string, files []batches.UploadFile) (batches.CommitResult, error)
	GetBatch(ctx context.Context, batchID string) (batches.BatchDetail, error)
	ListBatches(ctx context.Context, filter batches.ListFilter) ([]batches.BatchSummary, error)
	Markdown(ctx context.Context, batchID string) (string, error)
	WriteArchive(ctx context.Context, batchID string, destination io.Writer) ([]string, error)
	DeleteBatch(ctx context.Context, batchID string) (int, error)
	DeleteImage(ctx context.Context, name string) (batches.DeletedImage, error)
}

// UploadLimits bounds a single upload request.
type UploadLimits struct {
	MaxFiles        int
	MaxRequestBytes int64
	Timeout         time.Duration
}

// Dependencies wires the admin API. Sessions is optional; without it only
// Basic credentials are accepted.
type Dependencies struct {
	Batches           BatchService
	Credentials       *auth.BasicCredentials
	Sessions          *auth.Sessions
	Events            *EventDispatcher
	Checks            map[string]func(ctx context.Context) error
	AllowedOrigins    []string
	Upload            UploadLimits
	RateLimiter       *RateLimiter
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

// NewHTTPHandler builds the admin API router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Batches == nil {
		return nil, errMissingBatchService
	}
	if deps.Credentials == nil {
		return nil, errMissingCredentials
	}
	if deps.Events == nil {
		return nil, errMissingEvents
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	upload := deps.Upload
	if upload.MaxFiles <= 0 {
		upload.MaxFiles = batches.DefaultMaxFiles
	}
	if upload.MaxRequestBytes <= 0 {
		upload.MaxRequestBytes = defaultMaxRequestBytes
	}
	if upload.Timeout <= 0 {
		upload.Timeout = defaultUploadTimeout
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))
	router.Use(metrics.Middleware(metricsServiceLabel))
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		batches:   deps.Batches,
		basic:     deps.Credentials,
		sessions:  deps.Sessions,
		events:    deps.Events,
		checks:    deps.Checks,
		upload:    upload,
		heartbeat: heartbeat,
		logger:    logger,
		clock:     time.Now,
	}

	api := router.Group("/api")
	api.GET("/health", handler.handleHealth)

	protected := api.Group("")
	protected.Use(handler.authorizeRequest)
	router.GET("/metrics", handler.authorizeRequest, gin.WrapH(metrics.Handler()))
	protected.GET("/debug", handler.handleDebug)
	protected.POST("/upload", deps.RateLimiter.Middleware(), handler.handleUpload)
	protected.GET("/batches", handler.handleListBatches)
	protected.GET("/batches/:id", handler.handleGetBatch)
	protected.DELETE("/batches/:id", handler.handleDeleteBatch)
	protected.POST("/batches/:id/markdown", handler.handleMarkdown)
	protected.GET("/batches/:id/archive", handler.handleArchive)
	protected.DELETE("/images/:filename", handler.handleDeleteImage)
	protected.GET("/events", handler.handleEvents)
	protected.POST("/session", handler.handleCreateSession)
	protected.DELETE("/session", handler.handleDeleteSession)

	return router, nil
}

type httpHandler struct {
	batches   BatchService
	basic     *auth.BasicCredentials
	sessions  *auth.Sessions
	events    *EventDispatcher
	checks    map[string]func(ctx context.Context) error
	upload    UploadLimits
	heartbeat time.Duration
	logger    *zap.Logger
	clock     func() time.Time
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		ExposeHeaders:    []string{"Content-Disposition"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(origins) == 0 {
		config.AllowAllOrigins = true
		config.AllowCredentials = false
	} else {
		config.AllowOrigins = origins
	}
	return cors.New(config)
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			logger.Warn("request completed with server error", fields...)
			return
		}
		logger.Debug("request completed", fields...)
	}
}
