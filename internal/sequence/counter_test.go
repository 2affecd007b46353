package sequence

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func openCounterDatabase(testContext *testing.T) *gorm.DB {
	testContext.Helper()
	databasePath := filepath.Join(testContext.TempDir(), "sequence.db")
	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	testContext.Cleanup(func() { _ = sqlDB.Close() })
	if err := database.AutoMigrate(&Counter{}); err != nil {
		testContext.Fatalf("failed to migrate counter: %v", err)
	}
	return database
}

func TestGormCounterStoreUninitialized(testContext *testing.T) {
	database := openCounterDatabase(testContext)
	store, err := NewGormCounterStore(database, nil)
	if err != nil {
		testContext.Fatalf("failed to build store: %v", err)
	}
	if _, err := store.Current(context.Background()); !errors.Is(err, ErrUninitialized) {
		testContext.Fatalf("expected ErrUninitialized, got %v", err)
	}
}

func TestProvisionIsIdempotent(testContext *testing.T) {
	database := openCounterDatabase(testContext)

	created, err := Provision(context.Background(), database, 1000)
	if err != nil {
		testContext.Fatalf("unexpected provision error: %v", err)
	}
	if !created {
		testContext.Fatalf("expected first provision to create the row")
	}

	created, err = Provision(context.Background(), database, 0)
	if err != nil {
		testContext.Fatalf("unexpected provision error: %v", err)
	}
	if created {
		testContext.Fatalf("expected second provision to leave the row alone")
	}

	store, err := NewGormCounterStore(database, nil)
	if err != nil {
		testContext.Fatalf("failed to build store: %v", err)
	}
	current, err := store.Current(context.Background())
	if err != nil {
		testContext.Fatalf("unexpected read error: %v", err)
	}
	if current != 1000 {
		testContext.Fatalf("expected start offset 1000 to survive, got %d", current)
	}

	if _, err := Provision(context.Background(), database, -1); err == nil {
		testContext.Fatalf("expected negative start to be rejected")
	}
}

func TestGormCounterStoreCompareAndSwap(testContext *testing.T) {
	database := openCounterDatabase(testContext)
	if _, err := Provision(context.Background(), database, 0); err != nil {
		testContext.Fatalf("failed to provision: %v", err)
	}
	fixed := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	store, err := NewGormCounterStore(database, func() time.Time { return fixed })
	if err != nil {
		testContext.Fatalf("failed to build store: %v", err)
	}

	swapped, err := store.CompareAndSwap(context.Background(), 0, 5)
	if err != nil || !swapped {
		testContext.Fatalf("expected swap to succeed, swapped=%v err=%v", swapped, err)
	}
	swapped, err = store.CompareAndSwap(context.Background(), 0, 9)
	if err != nil {
		testContext.Fatalf("unexpected error: %v", err)
	}
	if swapped {
		testContext.Fatalf("expected stale swap to lose")
	}
	if _, err := store.CompareAndSwap(context.Background(), 5, 4); err == nil {
		testContext.Fatalf("expected backwards swap to be refused")
	}

	var counter Counter
	if err := database.Take(&counter).Error; err != nil {
		testContext.Fatalf("failed to reload counter: %v", err)
	}
	if counter.CurrentNumber != 5 {
		testContext.Fatalf("expected counter 5, got %d", counter.CurrentNumber)
	}
	if !counter.UpdatedAt.Equal(fixed) {
		testContext.Fatalf("expected updated_at %v, got %v", fixed, counter.UpdatedAt)
	}
}

func TestAllocatorOverSQLiteIssuesDisjointRangesConcurrently(testContext *testing.T) {
	database := openCounterDatabase(testContext)
	if _, err := Provision(context.Background(), database, 0); err != nil {
		testContext.Fatalf("failed to provision: %v", err)
	}
	store, err := NewGormCounterStore(database, nil)
	if err != nil {
		testContext.Fatalf("failed to build store: %v", err)
	}
	allocator := newTestAllocator(testContext, store, 0, 1000)

	const workers = 16
	ranges := make([]Range, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for worker := 0; worker < workers; worker++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			ranges[index], errs[index] = allocator.Reserve(context.Background(), index+1)
		}(worker)
	}
	wg.Wait()

	for index, err := range errs {
		if err != nil {
			testContext.Fatalf("worker %d failed: %v", index, err)
		}
	}
	current, err := store.Current(context.Background())
	if err != nil {
		testContext.Fatalf("failed to read counter: %v", err)
	}
	assertDisjointAndDense(testContext, ranges, current)
}
