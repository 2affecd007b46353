package batches

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/imgstk/backend/internal/blobstore"
	"github.com/MarcoPoloResearchLab/imgstk/backend/internal/filename"
	"github.com/MarcoPoloResearchLab/imgstk/backend/internal/sequence"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultMaxFiles is the per-batch file ceiling used when none is configured.
	DefaultMaxFiles          = 500
	defaultUploadConcurrency = 8

	fieldBatchID  = "batch_id"
	fieldFilename = "filename"
	fieldFirstID  = "first_id"
	fieldLastID   = "last_id"
)

var (
	noOpLogger = zap.NewNop()

	blobUploadFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "imgstk_blob_upload_failures_total",
		Help: "Blob uploads that failed after their metadata row was committed.",
	})
	blobDeleteFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "imgstk_blob_delete_failures_total",
		Help: "Best effort blob deletions that failed.",
	})
	lostIDsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "imgstk_sequence_lost_ids_total",
		Help: "Reserved identifiers abandoned because the batch metadata could not be written.",
	})
)

// Reserver hands out contiguous identifier ranges.
type Reserver interface {
	Reserve(ctx context.Context, count int) (sequence.Range, error)
}

// ServiceConfig describes the collaborators of the batch service.
type ServiceConfig struct {
	Store             Store
	Blobs             blobstore.Store
	Sequence          Reserver
	IDProvider        IDProvider
	DeliveryBaseURL   string
	MaxFiles          int
	MaxFileBytes      int64
	UploadConcurrency int
	Clock             func() time.Time
	Logger            *zap.Logger
	Publishers        []Publisher
}

// Service coordinates identifier allocation, metadata writes and blob storage.
type Service struct {
	store             Store
	blobs             blobstore.Store
	sequence          Reserver
	idProvider        IDProvider
	deliveryBaseURL   string
	maxFiles          int
	maxFileBytes      int64
	uploadConcurrency int
	clock             func() time.Time
	logger            *zap.Logger
	publishers        []Publisher
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, newServiceError(KindInternalError, opServiceNew, "missing_store", errMissingStore)
	}
	if cfg.Blobs == nil {
		return nil, newServiceError(KindInternalError, opServiceNew, "missing_blob_store", errMissingBlobStore)
	}
	if cfg.Sequence == nil {
		return nil, newServiceError(KindInternalError, opServiceNew, "missing_sequence", errMissingReserver)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(KindInternalError, opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	if strings.TrimSpace(cfg.DeliveryBaseURL) == "" {
		return nil, newServiceError(KindInternalError, opServiceNew, "missing_delivery_url", errMissingDeliveryURL)
	}

	maxFiles := cfg.MaxFiles
	if maxFiles <= 0 {
		maxFiles = DefaultMaxFiles
	}
	concurrency := cfg.UploadConcurrency
	if concurrency <= 0 {
		concurrency = defaultUploadConcurrency
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		store:             cfg.Store,
		blobs:             cfg.Blobs,
		sequence:          cfg.Sequence,
		idProvider:        cfg.IDProvider,
		deliveryBaseURL:   cfg.DeliveryBaseURL,
		maxFiles:          maxFiles,
		maxFileBytes:      cfg.MaxFileBytes,
		uploadConcurrency: concurrency,
		clock:             clock,
		logger:            logger,
		publishers:        append([]Publisher(nil), cfg.Publishers...),
	}, nil
}

// MaxFiles reports the configured per-batch ceiling.
func (s *Service) MaxFiles() int {
	return s.maxFiles
}

// Commit stores files as a new batch. Identifiers are reserved first, then
// batch and image rows are written, and only then are blobs uploaded, so a
// failure part way leaves rows pointing at missing blobs rather than blobs
// nobody references. Nothing is rolled back after the reservation.
func (s *Service) Commit(ctx context.Context, title string, files []UploadFile) (CommitResult, error) {
	trimmedTitle := strings.TrimSpace(title)
	if trimmedTitle == "" {
		return CommitResult{}, newServiceError(KindInvalidRequest, opCommit, "empty_title", errEmptyTitle)
	}
	if len(files) == 0 {
		return CommitResult{}, newServiceError(KindInvalidRequest, opCommit, "no_files", errNoFiles)
	}
	if len(files) > s.maxFiles {
		return CommitResult{}, newServiceError(KindTooManyFiles, opCommit, "too_many_files",
			fmt.Errorf("%w: %d exceeds %d", errTooManyFiles, len(files), s.maxFiles))
	}
	if s.maxFileBytes > 0 {
		for index, file := range files {
			if int64(len(file.Data)) > s.maxFileBytes {
				return CommitResult{}, newServiceError(KindFileTooLarge, opCommit, "file_too_large",
					fmt.Errorf("%w: file %d is %d bytes, limit %d", errFileTooLarge, index, len(file.Data), s.maxFileBytes))
			}
		}
	}

	reserved, err := s.sequence.Reserve(ctx, len(files))
	if err != nil {
		if errors.Is(err, sequence.ErrExhausted) {
			s.logError(opCommit, "sequence_exhausted", err, zap.Int("count", len(files)))
			return CommitResult{}, newServiceError(KindInvalidRequest, opCommit, "sequence_exhausted", err)
		}
		s.logError(opCommit, "reserve_failed", err, zap.Int("count", len(files)))
		return CommitResult{}, newServiceError(KindDatabaseError, opCommit, "reserve_failed", err)
	}
	rangeFields := []zap.Field{zap.Int64(fieldFirstID, reserved.First), zap.Int64(fieldLastID, reserved.Last)}

	batchID, err := s.idProvider.NewID()
	if err != nil {
		s.abandonRange(reserved, "id_generation_failed", err)
		return CommitResult{}, newServiceError(KindInternalError, opCommit, "id_generation_failed", err)
	}

	now := s.clock().UTC()
	batch := Batch{
		ID:         batchID,
		Title:      trimmedTitle,
		UploadedAt: now,
		ImageCount: len(files),
		FirstID:    reserved.First,
		LastID:     reserved.Last,
		CreatedAt:  now,
	}
	images, err := s.buildImages(batchID, reserved.First, files, now)
	if err != nil {
		s.abandonRange(reserved, "filename_encode_failed", err)
		return CommitResult{}, newServiceError(KindInternalError, opCommit, "filename_encode_failed", err)
	}

	reason := ""
	txErr := s.store.WithinTransaction(ctx, func(transaction Store) error {
		if err := transaction.InsertBatch(ctx, &batch); err != nil {
			reason = "batch_insert_failed"
			return err
		}
		for index := range images {
			if err := transaction.InsertImage(ctx, &images[index]); err != nil {
				reason = "image_insert_failed"
				return err
			}
		}
		return nil
	})
	if txErr != nil {
		if reason == "" {
			reason = "metadata_commit_failed"
		}
		s.abandonRange(reserved, reason, txErr, zap.String(fieldBatchID, batchID))
		return CommitResult{}, newServiceError(KindDatabaseError, opCommit, reason, txErr)
	}

	uploadErr := s.uploadBlobs(ctx, images, files)
	s.publish(Event{
		Type:      EventBatchCreated,
		BatchID:   batchID,
		Filenames: imageFilenames(images),
		Timestamp: now,
	})
	if uploadErr != nil {
		uploadReason := "blob_upload_failed"
		if ctx.Err() != nil {
			uploadReason = "blob_upload_interrupted"
		}
		fields := append([]zap.Field{zap.String(fieldBatchID, batchID)}, rangeFields...)
		s.logError(opCommit, uploadReason, uploadErr, fields...)
		return CommitResult{}, newServiceError(KindUploadFailed, opCommit, uploadReason, uploadErr)
	}

	s.logger.Info("batch committed",
		append([]zap.Field{zap.String(fieldBatchID, batchID), zap.Int("image_count", len(images))}, rangeFields...)...)
	return CommitResult{Batch: batch, Images: images}, nil
}

func (s *Service) buildImages(batchID string, firstID int64, files []UploadFile, uploadedAt time.Time) ([]Image, error) {
	images := make([]Image, 0, len(files))
	for index, file := range files {
		imageID := firstID + int64(index)
		name, err := filename.Encode(imageID, file.MIME)
		if err != nil {
			return nil, err
		}
		images = append(images, Image{
			ID:               imageID,
			BatchID:          batchID,
			Filename:         name,
			URL:              s.deliveryBaseURL + name,
			OriginalFilename: optionalString(file.Name),
			Bytes:            int64(len(file.Data)),
			MIME:             file.MIME,
			UploadedAt:       uploadedAt,
		})
	}
	return images, nil
}

// uploadBlobs attempts every upload even after one fails.
func (s *Service) uploadBlobs(ctx context.Context, images []Image, files []UploadFile) error {
	failures := make([]error, len(images))
	group := new(errgroup.Group)
	group.SetLimit(s.uploadConcurrency)
	for index := range images {
		group.Go(func() error {
			image := images[index]
			if err := s.blobs.Put(ctx, image.Filename, files[index].Data, image.MIME); err != nil {
				blobUploadFailuresTotal.Inc()
				failures[index] = fmt.Errorf("%s: %w", image.Filename, err)
			}
			return nil
		})
	}
	_ = group.Wait()
	return multierr.Combine(failures...)
}

func (s *Service) abandonRange(reserved sequence.Range, reason string, err error, fields ...zap.Field) {
	lostIDsTotal.Add(float64(reserved.Count()))
	attrs := append([]zap.Field{
		zap.Int64(fieldFirstID, reserved.First),
		zap.Int64(fieldLastID, reserved.Last),
	}, fields...)
	s.logError(opCommit, reason, err, attrs...)
}

func (s *Service) publish(event Event) {
	for _, publisher := range s.publishers {
		publisher.Publish(event)
	}
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("batch service error", attrs...)
}

func imageFilenames(images []Image) []string {
	names := make([]string, 0, len(images))
	for _, image := range images {
		names = append(names, image.Filename)
	}
	return names
}

func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	v := value
	return &v
}
