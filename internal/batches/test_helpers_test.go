package batches

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/imgstk/backend/internal/blobstore"
	"github.com/MarcoPoloResearchLab/imgstk/backend/internal/sequence"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

const testDeliveryBaseURL = "https://img.example.test/"

var errInjectedFailure = errors.New("injected failure")

type fakeBlobStore struct {
	mu       sync.Mutex
	objects  map[string]blobstore.Object
	failPut  map[string]bool
	failDel  map[string]bool
	putCalls int
	delCalls int
}

func newFakeBlobStore() *fakeBlobStore {
	return &fakeBlobStore{
		objects: map[string]blobstore.Object{},
		failPut: map[string]bool{},
		failDel: map[string]bool{},
	}
}

func (s *fakeBlobStore) Put(_ context.Context, key string, data []byte, contentType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putCalls++
	if s.failPut[key] {
		return errInjectedFailure
	}
	s.objects[key] = blobstore.Object{Key: key, Data: append([]byte(nil), data...), ContentType: contentType}
	return nil
}

// stallingBlobStore holds every upload until its context is done.
type stallingBlobStore struct {
	*fakeBlobStore
}

func (s stallingBlobStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	s.mu.Lock()
	s.putCalls++
	s.mu.Unlock()
	<-ctx.Done()
	return ctx.Err()
}

func (s *fakeBlobStore) Get(_ context.Context, key string) (blobstore.Object, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	object, ok := s.objects[key]
	if !ok {
		return blobstore.Object{}, blobstore.ErrNotFound
	}
	return object, nil
}

func (s *fakeBlobStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delCalls++
	if s.failDel[key] {
		return errInjectedFailure
	}
	delete(s.objects, key)
	return nil
}

func (s *fakeBlobStore) Check(context.Context) error {
	return nil
}

func (s *fakeBlobStore) has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[key]
	return ok
}

func (s *fakeBlobStore) keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.objects))
	for key := range s.objects {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

type countingReserver struct {
	inner Reserver
	mu    sync.Mutex
	calls int
}

func (r *countingReserver) Reserve(ctx context.Context, count int) (sequence.Range, error) {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	return r.inner.Reserve(ctx, count)
}

func (r *countingReserver) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *recordingPublisher) Publish(event Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *recordingPublisher) snapshot() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Event(nil), p.events...)
}

type sequentialIDProvider struct {
	mu   sync.Mutex
	next int
}

func (p *sequentialIDProvider) NewID() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	return fmt.Sprintf("batch-%04d", p.next), nil
}

type serviceFixture struct {
	service   *Service
	database  *gorm.DB
	blobs     *fakeBlobStore
	reserver  *countingReserver
	counter   *sequence.GormCounterStore
	publisher *recordingPublisher
}

type fixtureOption func(*ServiceConfig)

func withMaxFiles(limit int) fixtureOption {
	return func(cfg *ServiceConfig) { cfg.MaxFiles = limit }
}

func withBlobs(store blobstore.Store) fixtureOption {
	return func(cfg *ServiceConfig) { cfg.Blobs = store }
}

func withMaxFileBytes(limit int64) fixtureOption {
	return func(cfg *ServiceConfig) { cfg.MaxFileBytes = limit }
}

func openTestDatabase(testContext *testing.T) *gorm.DB {
	testContext.Helper()
	databasePath := filepath.Join(testContext.TempDir(), "batches.db")
	database, err := gorm.Open(sqlite.Open(databasePath+"?_pragma=foreign_keys(1)"), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	testContext.Cleanup(func() { _ = sqlDB.Close() })
	if err := database.AutoMigrate(&sequence.Counter{}, &Batch{}, &Image{}); err != nil {
		testContext.Fatalf("failed to migrate: %v", err)
	}
	if err := database.Exec(SummaryViewDDL).Error; err != nil {
		testContext.Fatalf("failed to create summary view: %v", err)
	}
	return database
}

func newServiceFixture(testContext *testing.T, options ...fixtureOption) *serviceFixture {
	testContext.Helper()
	database := openTestDatabase(testContext)
	if _, err := sequence.Provision(context.Background(), database, 0); err != nil {
		testContext.Fatalf("failed to provision counter: %v", err)
	}
	counter, err := sequence.NewGormCounterStore(database, nil)
	if err != nil {
		testContext.Fatalf("failed to build counter store: %v", err)
	}
	allocator, err := sequence.NewAllocator(sequence.AllocatorConfig{Store: counter, MaxAttempts: 100, Backoff: -1})
	if err != nil {
		testContext.Fatalf("failed to build allocator: %v", err)
	}
	store, err := NewGormStore(database)
	if err != nil {
		testContext.Fatalf("failed to build store: %v", err)
	}

	fixture := &serviceFixture{
		database:  database,
		blobs:     newFakeBlobStore(),
		reserver:  &countingReserver{inner: allocator},
		counter:   counter,
		publisher: &recordingPublisher{},
	}
	cfg := ServiceConfig{
		Store:           store,
		Blobs:           fixture.blobs,
		Sequence:        fixture.reserver,
		IDProvider:      &sequentialIDProvider{},
		DeliveryBaseURL: testDeliveryBaseURL,
		Clock:           steppingClock(time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)),
		Publishers:      []Publisher{fixture.publisher},
	}
	for _, option := range options {
		option(&cfg)
	}
	service, err := NewService(cfg)
	if err != nil {
		testContext.Fatalf("failed to build service: %v", err)
	}
	fixture.service = service
	return fixture
}

// steppingClock advances one minute per call so successive commits sort.
func steppingClock(start time.Time) func() time.Time {
	var mu sync.Mutex
	current := start.Add(-time.Minute)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		current = current.Add(time.Minute)
		return current
	}
}

func (f *serviceFixture) counterValue(testContext *testing.T) int64 {
	testContext.Helper()
	value, err := f.counter.Current(context.Background())
	if err != nil {
		testContext.Fatalf("failed to read counter: %v", err)
	}
	return value
}

func (f *serviceFixture) commit(testContext *testing.T, title string, files ...UploadFile) CommitResult {
	testContext.Helper()
	result, err := f.service.Commit(context.Background(), title, files)
	if err != nil {
		testContext.Fatalf("unexpected commit error: %v", err)
	}
	return result
}

func pngFile(name string, size int) UploadFile {
	data := make([]byte, size)
	for index := range data {
		data[index] = byte(index % 251)
	}
	return UploadFile{Name: name, Data: data, MIME: "image/png"}
}

func expectKind(testContext *testing.T, err error, kind ErrorKind) {
	testContext.Helper()
	if err == nil {
		testContext.Fatalf("expected %s error, got nil", kind)
	}
	if got := KindOf(err); got != kind {
		testContext.Fatalf("expected kind %s, got %s (%v)", kind, got, err)
	}
}
