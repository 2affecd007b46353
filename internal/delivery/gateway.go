// Package delivery serves stored images by filename with long lived caching.
package delivery

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/imgstk/backend/internal/batches"
	"github.com/MarcoPoloResearchLab/imgstk/backend/internal/blobstore"
	"github.com/MarcoPoloResearchLab/imgstk/backend/internal/filename"
	"github.com/gin-gonic/gin"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultCacheEntries = 512
	DefaultCacheTTL     = 10 * time.Minute

	// Objects above this size are served but never cached.
	maxCachedObjectBytes = 8 << 20

	cacheControlImmutable = "public, max-age=31536000, immutable"
	allowedMethods        = "GET, HEAD, OPTIONS"
	fallbackContentType   = "application/octet-stream"
)

var (
	errMissingBlobStore = errors.New("delivery: blob store is required")

	cacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "imgstk_delivery_cache_hits_total",
		Help: "Delivery requests answered from the in-memory cache.",
	})
	cacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "imgstk_delivery_cache_misses_total",
		Help: "Delivery requests that had to read the blob store.",
	})
)

// Config configures a Gateway.
type Config struct {
	Blobs               blobstore.Store
	CacheEntries        int
	CacheTTL            time.Duration
	AllowedOriginSuffix string
	Logger              *zap.Logger
	// Middleware runs before every route, after panic recovery.
	Middleware []gin.HandlerFunc
}

type cachedObject struct {
	data        []byte
	contentType string
	etag        string
}

// Gateway reads blobs through an expiring LRU cache. Concurrent misses for the
// same filename share one blob store read. A load that overlaps a purge is
// served but not cached.
type Gateway struct {
	blobs        blobstore.Store
	cache        *expirable.LRU[string, cachedObject]
	group        singleflight.Group
	mu           sync.Mutex
	purges       uint64
	originSuffix string
	logger       *zap.Logger
	middleware   []gin.HandlerFunc
}

func NewGateway(cfg Config) (*Gateway, error) {
	if cfg.Blobs == nil {
		return nil, errMissingBlobStore
	}
	entries := cfg.CacheEntries
	if entries <= 0 {
		entries = DefaultCacheEntries
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		blobs:        cfg.Blobs,
		cache:        expirable.NewLRU[string, cachedObject](entries, nil, ttl),
		originSuffix: strings.TrimSpace(cfg.AllowedOriginSuffix),
		logger:       logger,
		middleware:   cfg.Middleware,
	}, nil
}

// Handler builds the gin engine for the delivery listener.
func (g *Gateway) Handler() http.Handler {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(g.middleware...)

	router.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})
	router.GET("/:filename", g.serveImage)
	router.HEAD("/:filename", g.serveImage)
	router.OPTIONS("/:filename", g.serveImage)
	return router
}

// Purge drops cached copies of the named images.
func (g *Gateway) Purge(names ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.purges++
	for _, name := range names {
		g.cache.Remove(name)
		g.group.Forget(name)
	}
}

// Publish purges images removed by the batch service.
func (g *Gateway) Publish(event batches.Event) {
	switch event.Type {
	case batches.EventBatchDeleted, batches.EventImageDeleted:
		g.Purge(event.Filenames...)
	}
}

func (g *Gateway) serveImage(c *gin.Context) {
	name := c.Param("filename")
	g.applyCORS(c)

	if !filename.Valid(name) {
		c.String(http.StatusBadRequest, "Invalid filename format")
		return
	}
	if c.Request.Method == http.MethodOptions {
		c.Status(http.StatusNoContent)
		return
	}

	object, err := g.load(c.Request.Context(), name)
	if errors.Is(err, blobstore.ErrNotFound) {
		c.String(http.StatusNotFound, "Not Found")
		return
	}
	if err != nil {
		g.logger.Error("delivery read failed", zap.String("filename", name), zap.Error(err))
		c.String(http.StatusInternalServerError, "Internal Server Error")
		return
	}

	c.Header("ETag", object.etag)
	c.Header("Cache-Control", cacheControlImmutable)
	if etagMatches(c.GetHeader("If-None-Match"), object.etag) {
		c.Status(http.StatusNotModified)
		return
	}
	c.Header("Content-Length", strconv.Itoa(len(object.data)))
	if c.Request.Method == http.MethodHead {
		c.Header("Content-Type", object.contentType)
		c.Status(http.StatusOK)
		return
	}
	c.Data(http.StatusOK, object.contentType, object.data)
}

func (g *Gateway) load(ctx context.Context, name string) (cachedObject, error) {
	if cached, ok := g.cache.Get(name); ok {
		cacheHitsTotal.Inc()
		return cached, nil
	}
	cacheMissesTotal.Inc()

	value, err, _ := g.group.Do(name, func() (any, error) {
		if cached, ok := g.cache.Get(name); ok {
			return cached, nil
		}
		g.mu.Lock()
		epoch := g.purges
		g.mu.Unlock()

		// Shared by every waiter, so it must outlive the first caller.
		object, err := g.blobs.Get(context.WithoutCancel(ctx), name)
		if err != nil {
			return cachedObject{}, err
		}
		entry := newCachedObject(object)
		if len(entry.data) <= maxCachedObjectBytes {
			g.mu.Lock()
			if g.purges == epoch {
				g.cache.Add(name, entry)
			}
			g.mu.Unlock()
		}
		return entry, nil
	})
	if err != nil {
		return cachedObject{}, err
	}
	return value.(cachedObject), nil
}

func (g *Gateway) applyCORS(c *gin.Context) {
	origin := c.GetHeader("Origin")
	if origin == "" || g.originSuffix == "" || !strings.HasSuffix(origin, g.originSuffix) {
		return
	}
	c.Header("Access-Control-Allow-Origin", origin)
	c.Header("Access-Control-Allow-Methods", allowedMethods)
	c.Header("Vary", "Origin")
}

func newCachedObject(object blobstore.Object) cachedObject {
	sum := sha256.Sum256(object.Data)
	contentType := object.ContentType
	if contentType == "" {
		contentType = fallbackContentType
	}
	return cachedObject{
		data:        object.Data,
		contentType: contentType,
		etag:        `"` + hex.EncodeToString(sum[:]) + `"`,
	}
}

func etagMatches(header, etag string) bool {
	if header == "" {
		return false
	}
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" || strings.TrimPrefix(candidate, "W/") == etag {
			return true
		}
	}
	return false
}
