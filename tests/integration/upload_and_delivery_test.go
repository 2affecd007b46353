package integration_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MarcoPoloResearchLab/imgstk/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/imgstk/backend/internal/batches"
	"github.com/MarcoPoloResearchLab/imgstk/backend/internal/blobstore"
	"github.com/MarcoPoloResearchLab/imgstk/backend/internal/database"
	"github.com/MarcoPoloResearchLab/imgstk/backend/internal/delivery"
	"github.com/MarcoPoloResearchLab/imgstk/backend/internal/filename"
	"github.com/MarcoPoloResearchLab/imgstk/backend/internal/sequence"
	"github.com/MarcoPoloResearchLab/imgstk/backend/internal/server"
	"github.com/gin-gonic/gin"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

const (
	adminUser       = "admin"
	adminPassword   = "integration-password"
	signingSecret   = "integration-secret"
	cookieName      = "imgstk_session"
	jsonContentType = "application/json"
	sequenceStart   = 1000
)

type stack struct {
	api      *httptest.Server
	delivery *httptest.Server
	client   *http.Client
	cookie   *http.Cookie
}

func newStack(testContext *testing.T) *stack {
	testContext.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()
	logger := zap.NewNop()

	db, err := database.OpenSQLite(filepath.Join(testContext.TempDir(), "imgstk.db"), logger)
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	if _, err := sequence.Provision(ctx, db, sequenceStart); err != nil {
		testContext.Fatalf("failed to provision counter: %v", err)
	}
	counter, err := sequence.NewGormCounterStore(db, nil)
	if err != nil {
		testContext.Fatalf("failed to build counter store: %v", err)
	}
	allocator, err := sequence.NewAllocator(sequence.AllocatorConfig{Store: counter, Limit: filename.MaxID, MaxAttempts: 20})
	if err != nil {
		testContext.Fatalf("failed to build allocator: %v", err)
	}
	store, err := batches.NewGormStore(db)
	if err != nil {
		testContext.Fatalf("failed to build batch store: %v", err)
	}
	blobs, err := blobstore.NewFileStore(afero.NewMemMapFs(), "/blobs", logger)
	if err != nil {
		testContext.Fatalf("failed to build blob store: %v", err)
	}

	gateway, err := delivery.NewGateway(delivery.Config{Blobs: blobs, AllowedOriginSuffix: ".example.test", Logger: logger})
	if err != nil {
		testContext.Fatalf("failed to build gateway: %v", err)
	}
	deliveryServer := httptest.NewServer(gateway.Handler())
	testContext.Cleanup(deliveryServer.Close)

	events := server.NewEventDispatcher()
	service, err := batches.NewService(batches.ServiceConfig{
		Store:           store,
		Blobs:           blobs,
		Sequence:        allocator,
		IDProvider:      batches.NewUUIDProvider(),
		DeliveryBaseURL: deliveryServer.URL + "/",
		Logger:          logger,
		Publishers:      []batches.Publisher{events, gateway},
	})
	if err != nil {
		testContext.Fatalf("failed to build batch service: %v", err)
	}

	credentials, err := auth.NewBasicCredentials(adminUser, adminPassword)
	if err != nil {
		testContext.Fatalf("failed to build credentials: %v", err)
	}
	sessions, err := auth.NewSessions(auth.SessionConfig{SigningSecret: []byte(signingSecret), CookieName: cookieName})
	if err != nil {
		testContext.Fatalf("failed to build sessions: %v", err)
	}
	handler, err := server.NewHTTPHandler(server.Dependencies{
		Batches:     service,
		Credentials: credentials,
		Sessions:    sessions,
		Events:      events,
		Logger:      logger,
	})
	if err != nil {
		testContext.Fatalf("failed to build api handler: %v", err)
	}
	apiServer := httptest.NewServer(handler)
	testContext.Cleanup(apiServer.Close)

	return &stack{api: apiServer, delivery: deliveryServer, client: apiServer.Client()}
}

func (s *stack) login(testContext *testing.T) {
	testContext.Helper()
	request, err := http.NewRequest(http.MethodPost, s.api.URL+"/api/session", http.NoBody)
	if err != nil {
		testContext.Fatalf("failed to build login request: %v", err)
	}
	request.SetBasicAuth(adminUser, adminPassword)
	response, err := s.client.Do(request)
	if err != nil {
		testContext.Fatalf("login failed: %v", err)
	}
	defer response.Body.Close()
	for _, cookie := range response.Cookies() {
		if cookie.Name == cookieName {
			s.cookie = cookie
		}
	}
	if response.StatusCode != http.StatusOK || s.cookie == nil {
		testContext.Fatalf("expected session cookie, got status %d", response.StatusCode)
	}
}

func (s *stack) call(testContext *testing.T, method, path string, body any, target any) int {
	testContext.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			testContext.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(payload)
	}
	request, err := http.NewRequest(method, s.api.URL+path, reader)
	if err != nil {
		testContext.Fatalf("failed to build request: %v", err)
	}
	request.Header.Set("Content-Type", jsonContentType)
	request.AddCookie(s.cookie)
	response, err := s.client.Do(request)
	if err != nil {
		testContext.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer response.Body.Close()
	if target != nil && response.StatusCode == http.StatusOK {
		if err := json.NewDecoder(response.Body).Decode(target); err != nil {
			testContext.Fatalf("failed to decode %s %s: %v", method, path, err)
		}
	}
	return response.StatusCode
}

func (s *stack) fetchImage(testContext *testing.T, name string) (int, []byte) {
	testContext.Helper()
	response, err := http.Get(s.delivery.URL + "/" + name)
	if err != nil {
		testContext.Fatalf("delivery request failed: %v", err)
	}
	defer response.Body.Close()
	data, err := io.ReadAll(response.Body)
	if err != nil {
		testContext.Fatalf("failed to read delivery body: %v", err)
	}
	return response.StatusCode, data
}

func TestUploadDeliverAndDeleteFlow(testContext *testing.T) {
	stack := newStack(testContext)
	stack.login(testContext)

	first := []byte("GIF89a first image")
	second := []byte("\xff\xd8\xff second image")
	upload := map[string]any{
		"batchTitle": "integration",
		"files": []map[string]any{
			{"name": "one.gif", "data": base64.StdEncoding.EncodeToString(first), "type": "image/gif"},
			{"name": "two.jpg", "data": "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(second)},
		},
	}
	var created batches.CommitResult
	if status := stack.call(testContext, http.MethodPost, "/api/upload", upload, &created); status != http.StatusOK {
		testContext.Fatalf("upload failed with %d", status)
	}
	if created.Batch.FirstID != sequenceStart+1 || created.Batch.LastID != sequenceStart+2 {
		testContext.Fatalf("unexpected identifier range %d-%d", created.Batch.FirstID, created.Batch.LastID)
	}
	names := []string{created.Images[0].Filename, created.Images[1].Filename}
	if names[0] != "00001001.gif" || names[1] != "00001002.jpg" {
		testContext.Fatalf("unexpected filenames %v", names)
	}

	status, data := stack.fetchImage(testContext, names[0])
	if status != http.StatusOK || !bytes.Equal(data, first) {
		testContext.Fatalf("expected delivered bytes for %s, got %d %q", names[0], status, data)
	}
	if !strings.HasPrefix(created.Images[0].URL, stack.delivery.URL+"/") {
		testContext.Fatalf("image url %s does not point at the delivery gateway", created.Images[0].URL)
	}

	var markdown struct {
		Markdown string `json:"markdown"`
	}
	stack.call(testContext, http.MethodPost, "/api/batches/"+created.Batch.ID+"/markdown", nil, &markdown)
	if !strings.HasPrefix(markdown.Markdown, "<!-- integration (2枚) -->\n") || strings.Count(markdown.Markdown, "![](") != 2 {
		testContext.Fatalf("unexpected markdown %q", markdown.Markdown)
	}

	if status := stack.call(testContext, http.MethodDelete, "/api/images/"+names[0], nil, nil); status != http.StatusOK {
		testContext.Fatalf("image delete failed with %d", status)
	}
	if status, _ := stack.fetchImage(testContext, names[0]); status != http.StatusNotFound {
		testContext.Fatalf("expected deleted image to be gone from delivery, got %d", status)
	}

	var deleted struct {
		Deleted int `json:"deleted"`
	}
	stack.call(testContext, http.MethodDelete, "/api/batches/"+created.Batch.ID, nil, &deleted)
	if deleted.Deleted != 1 {
		testContext.Fatalf("expected the remaining image to be deleted, got %d", deleted.Deleted)
	}
	if status, _ := stack.fetchImage(testContext, names[1]); status != http.StatusNotFound {
		testContext.Fatalf("expected batch images to be gone from delivery, got %d", status)
	}

	var next batches.CommitResult
	stack.call(testContext, http.MethodPost, "/api/upload", map[string]any{
		"batchTitle": "after delete",
		"files":      []map[string]any{{"name": "three.gif", "data": base64.StdEncoding.EncodeToString(first)}},
	}, &next)
	if next.Batch.FirstID != sequenceStart+3 {
		testContext.Fatalf("identifiers must never be reused, got %d", next.Batch.FirstID)
	}
}
