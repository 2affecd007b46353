package sequence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

const (
	defaultMaxAttempts = 5
	defaultBackoff     = 5 * time.Millisecond
)

var (
	// ErrInvalidCount indicates a reservation for zero or fewer identifiers.
	ErrInvalidCount = errors.New("sequence: count must be positive")
	// ErrUninitialized indicates the counter row was never provisioned.
	ErrUninitialized = errors.New("sequence: counter not initialized")
	// ErrConflict indicates a compare-and-swap lost against a concurrent writer.
	ErrConflict = errors.New("sequence: allocation conflict")
	// ErrAllocationFailed indicates the allocator gave up after repeated conflicts.
	ErrAllocationFailed = errors.New("sequence: allocation failed")
	// ErrExhausted indicates the reservation would move past the configured limit.
	ErrExhausted = errors.New("sequence: identifier space exhausted")

	errMissingCounterStore = errors.New("sequence: counter store is required")
)

var (
	reservedIDsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "imgstk_sequence_reserved_ids_total",
		Help: "Identifiers handed out by the sequence allocator.",
	})
	allocationConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "imgstk_sequence_conflicts_total",
		Help: "Compare-and-swap attempts that lost against a concurrent reservation.",
	})
)

// CounterStore exposes the shared counter through an atomic compare-and-swap.
type CounterStore interface {
	// Current returns the last issued identifier or ErrUninitialized.
	Current(ctx context.Context) (int64, error)
	// CompareAndSwap moves the counter from expected to next and reports whether it won.
	CompareAndSwap(ctx context.Context, expected, next int64) (bool, error)
}

// Range is an inclusive block of reserved identifiers.
type Range struct {
	First int64
	Last  int64
}

// Count returns the number of identifiers in the range.
func (r Range) Count() int {
	return int(r.Last - r.First + 1)
}

// AllocatorConfig configures an Allocator.
// Limit caps the last reservable identifier; zero means unbounded.
// Backoff grows linearly with the attempt number; a negative value disables waiting.
type AllocatorConfig struct {
	Store       CounterStore
	Limit       int64
	MaxAttempts int
	Backoff     time.Duration
	Logger      *zap.Logger
}

// Allocator reserves contiguous identifier ranges from a CounterStore.
type Allocator struct {
	store       CounterStore
	limit       int64
	maxAttempts int
	backoff     time.Duration
	logger      *zap.Logger
}

// NewAllocator validates the configuration and returns an Allocator.
func NewAllocator(cfg AllocatorConfig) (*Allocator, error) {
	if cfg.Store == nil {
		return nil, errMissingCounterStore
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	backoff := cfg.Backoff
	if backoff < 0 {
		backoff = 0
	} else if backoff == 0 {
		backoff = defaultBackoff
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Allocator{
		store:       cfg.Store,
		limit:       cfg.Limit,
		maxAttempts: maxAttempts,
		backoff:     backoff,
		logger:      logger,
	}, nil
}

// Reserve claims count identifiers. Ranges are never returned to the pool.
func (a *Allocator) Reserve(ctx context.Context, count int) (Range, error) {
	if count <= 0 {
		return Range{}, fmt.Errorf("%w: %d", ErrInvalidCount, count)
	}

	var lastErr error
	for attempt := 1; attempt <= a.maxAttempts; attempt++ {
		reserved, err := a.tryReserve(ctx, count)
		if err == nil {
			reservedIDsTotal.Add(float64(count))
			return reserved, nil
		}
		if !errors.Is(err, ErrConflict) {
			return Range{}, err
		}
		lastErr = err
		allocationConflictsTotal.Inc()
		a.logger.Debug("sequence reservation conflict",
			zap.Int("attempt", attempt),
			zap.Int("count", count))

		if attempt == a.maxAttempts {
			break
		}
		if waitErr := a.wait(ctx, attempt); waitErr != nil {
			return Range{}, waitErr
		}
	}

	a.logger.Warn("sequence reservation gave up",
		zap.Int("attempts", a.maxAttempts),
		zap.Int("count", count))
	return Range{}, fmt.Errorf("%w after %d attempts: %w", ErrAllocationFailed, a.maxAttempts, lastErr)
}

// Current returns the last identifier handed out.
func (a *Allocator) Current(ctx context.Context) (int64, error) {
	return a.store.Current(ctx)
}

func (a *Allocator) tryReserve(ctx context.Context, count int) (Range, error) {
	current, err := a.store.Current(ctx)
	if err != nil {
		return Range{}, err
	}

	reserved := Range{First: current + 1, Last: current + int64(count)}
	if a.limit > 0 && reserved.Last > a.limit {
		return Range{}, fmt.Errorf("%w: range [%d, %d] exceeds %d", ErrExhausted, reserved.First, reserved.Last, a.limit)
	}

	swapped, err := a.store.CompareAndSwap(ctx, current, reserved.Last)
	if err != nil {
		return Range{}, err
	}
	if !swapped {
		return Range{}, ErrConflict
	}
	return reserved, nil
}

func (a *Allocator) wait(ctx context.Context, attempt int) error {
	if a.backoff == 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(time.Duration(attempt) * a.backoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
