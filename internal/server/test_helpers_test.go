package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/imgstk/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/imgstk/backend/internal/batches"
	"github.com/MarcoPoloResearchLab/imgstk/backend/internal/blobstore"
	"github.com/MarcoPoloResearchLab/imgstk/backend/internal/database"
	"github.com/MarcoPoloResearchLab/imgstk/backend/internal/sequence"
	"github.com/gin-gonic/gin"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	testAdminUser       = "admin"
	testAdminPassword   = "correct horse"
	testSigningSecret   = "test-signing-secret"
	testCookieName      = "imgstk_session"
	testDeliveryBaseURL = "https://img.example.test/"
	testAllowedOrigin   = "https://admin.example.test"
)

// pngPixel is a 1x1 transparent PNG.
var pngPixel = []byte{
	0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a, 0x00, 0x00, 0x00, 0x0d,
	0x49, 0x48, 0x44, 0x52, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01,
	0x08, 0x06, 0x00, 0x00, 0x00, 0x1f, 0x15, 0xc4, 0x89, 0x00, 0x00, 0x00,
	0x0a, 0x49, 0x44, 0x41, 0x54, 0x78, 0x9c, 0x63, 0x00, 0x01, 0x00, 0x00,
	0x05, 0x00, 0x01, 0x0d, 0x0a, 0x2d, 0xb4, 0x00, 0x00, 0x00, 0x00, 0x49,
	0x45, 0x4e, 0x44, 0xae, 0x42, 0x60, 0x82,
}

type apiFixture struct {
	handler  http.Handler
	service  *batches.Service
	database *gorm.DB
	blobs    *blobstore.FileStore
	events   *EventDispatcher
	sessions *auth.Sessions
}

type apiOption func(*Dependencies)

func withRateLimiter(limiter *RateLimiter) apiOption {
	return func(deps *Dependencies) {
		deps.RateLimiter = limiter
	}
}

func withoutSessions() apiOption {
	return func(deps *Dependencies) {
		deps.Sessions = nil
	}
}

func withUploadLimits(limits UploadLimits) apiOption {
	return func(deps *Dependencies) {
		deps.Upload = limits
	}
}

func withLogger(logger *zap.Logger) apiOption {
	return func(deps *Dependencies) {
		deps.Logger = logger
	}
}

func withHeartbeat(interval time.Duration) apiOption {
	return func(deps *Dependencies) {
		deps.HeartbeatInterval = interval
	}
}

func newAPIFixture(testContext *testing.T, options ...apiOption) *apiFixture {
	testContext.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.OpenSQLite(filepath.Join(testContext.TempDir(), "imgstk.db"), zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	if sqlDB, sqlErr := db.DB(); sqlErr == nil {
		testContext.Cleanup(func() { _ = sqlDB.Close() })
	}
	if _, err := sequence.Provision(context.Background(), db, 0); err != nil {
		testContext.Fatalf("failed to provision counter: %v", err)
	}
	counter, err := sequence.NewGormCounterStore(db, nil)
	if err != nil {
		testContext.Fatalf("failed to build counter store: %v", err)
	}
	allocator, err := sequence.NewAllocator(sequence.AllocatorConfig{Store: counter, MaxAttempts: 100, Backoff: -1})
	if err != nil {
		testContext.Fatalf("failed to build allocator: %v", err)
	}
	store, err := batches.NewGormStore(db)
	if err != nil {
		testContext.Fatalf("failed to build batch store: %v", err)
	}
	blobs, err := blobstore.NewFileStore(afero.NewMemMapFs(), "/blobs", zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to build blob store: %v", err)
	}

	events := NewEventDispatcher()
	service, err := batches.NewService(batches.ServiceConfig{
		Store:           store,
		Blobs:           blobs,
		Sequence:        allocator,
		IDProvider:      batches.NewUUIDProvider(),
		DeliveryBaseURL: testDeliveryBaseURL,
		Publishers:      []batches.Publisher{events},
	})
	if err != nil {
		testContext.Fatalf("failed to build batch service: %v", err)
	}

	credentials, err := auth.NewBasicCredentials(testAdminUser, testAdminPassword)
	if err != nil {
		testContext.Fatalf("failed to build credentials: %v", err)
	}
	sessions, err := auth.NewSessions(auth.SessionConfig{SigningSecret: []byte(testSigningSecret), CookieName: testCookieName, TTL: time.Hour})
	if err != nil {
		testContext.Fatalf("failed to build sessions: %v", err)
	}

	deps := Dependencies{
		Batches:     service,
		Credentials: credentials,
		Sessions:    sessions,
		Events:      events,
		Checks: map[string]func(context.Context) error{
			"database": func(ctx context.Context) error {
				sqlDB, err := db.DB()
				if err != nil {
					return err
				}
				return sqlDB.PingContext(ctx)
			},
			"blobs": blobs.Check,
		},
		AllowedOrigins: []string{testAllowedOrigin},
		Logger:         zap.NewNop(),
	}
	for _, option := range options {
		option(&deps)
	}
	handler, err := NewHTTPHandler(deps)
	if err != nil {
		testContext.Fatalf("failed to build http handler: %v", err)
	}
	return &apiFixture{
		handler:  handler,
		service:  service,
		database: db,
		blobs:    blobs,
		events:   events,
		sessions: sessions,
	}
}

// serve runs one request through the router. Requests are authenticated with
// Basic credentials unless authenticated is false.
func (f *apiFixture) serve(method, target string, body io.Reader, authenticated bool) *httptest.ResponseRecorder {
	request := httptest.NewRequest(method, target, body)
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if authenticated {
		request.SetBasicAuth(testAdminUser, testAdminPassword)
	}
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, request)
	return recorder
}

func uploadBody(testContext *testing.T, title string, files ...uploadFilePayload) io.Reader {
	testContext.Helper()
	payload, err := json.Marshal(uploadRequestPayload{BatchTitle: title, Files: files})
	if err != nil {
		testContext.Fatalf("failed to encode upload body: %v", err)
	}
	return strings.NewReader(string(payload))
}

func pngPayload(name string) uploadFilePayload {
	return uploadFilePayload{
		Name: name,
		Data: "data:image/png;base64," + base64.StdEncoding.EncodeToString(pngPixel),
		Size: int64(len(pngPixel)),
		Type: "image/png",
	}
}

func decodeJSON(testContext *testing.T, recorder *httptest.ResponseRecorder, target any) {
	testContext.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		testContext.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
}

func expectErrorCode(testContext *testing.T, recorder *httptest.ResponseRecorder, status int, code string) {
	testContext.Helper()
	if recorder.Code != status {
		testContext.Fatalf("expected status %d, got %d: %s", status, recorder.Code, recorder.Body.String())
	}
	var body errorResponse
	decodeJSON(testContext, recorder, &body)
	if body.Code != code {
		testContext.Fatalf("expected code %s, got %s (%s)", code, body.Code, body.Error)
	}
}

func (f *apiFixture) uploadBatch(testContext *testing.T, title string, files ...uploadFilePayload) batches.CommitResult {
	testContext.Helper()
	recorder := f.serve(http.MethodPost, "/api/upload", uploadBody(testContext, title, files...), true)
	if recorder.Code != http.StatusOK {
		testContext.Fatalf("upload failed with %d: %s", recorder.Code, recorder.Body.String())
	}
	var result batches.CommitResult
	decodeJSON(testContext, recorder, &result)
	return result
}
