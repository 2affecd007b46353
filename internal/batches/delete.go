package batches

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/imgstk/backend/internal/filename"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DeleteBatch removes a batch, its image rows and its blobs. Blob deletion is
// best effort; the rows go regardless. It returns the number of images the
// batch still had.
func (s *Service) DeleteBatch(ctx context.Context, batchID string) (int, error) {
	id := strings.TrimSpace(batchID)
	if id == "" {
		return 0, newServiceError(KindBatchNotFound, opDeleteBatch, "missing_id", errBatchNotFound)
	}

	if _, err := s.store.GetBatch(ctx, id); err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return 0, newServiceError(KindBatchNotFound, opDeleteBatch, "batch_not_found", errBatchNotFound)
		}
		s.logError(opDeleteBatch, "batch_lookup_failed", err, zap.String(fieldBatchID, id))
		return 0, newServiceError(KindDatabaseError, opDeleteBatch, "batch_lookup_failed", err)
	}

	images, err := s.store.ListImages(ctx, id)
	if err != nil {
		s.logError(opDeleteBatch, "image_lookup_failed", err, zap.String(fieldBatchID, id))
		return 0, newServiceError(KindDatabaseError, opDeleteBatch, "image_lookup_failed", err)
	}
	names := imageFilenames(images)

	if blobErr := s.deleteBlobs(ctx, names); blobErr != nil {
		s.loggerOrDefault().Warn("blob deletion incomplete",
			zap.String("operation", opDeleteBatch),
			zap.String(fieldBatchID, id),
			zap.Int("failures", len(multierr.Errors(blobErr))),
			zap.Error(blobErr))
	}

	if _, err := s.store.DeleteBatch(ctx, id); err != nil {
		s.logError(opDeleteBatch, "row_delete_failed", err, zap.String(fieldBatchID, id))
		return 0, newServiceError(KindDeleteFailed, opDeleteBatch, "row_delete_failed", err)
	}

	s.publish(Event{Type: EventBatchDeleted, BatchID: id, Filenames: names, Timestamp: s.clock().UTC()})
	s.logger.Info("batch deleted", zap.String(fieldBatchID, id), zap.Int("image_count", len(names)))
	return len(names), nil
}

// DeleteImage removes a single image. The owning batch keeps its original
// image_count.
func (s *Service) DeleteImage(ctx context.Context, name string) (DeletedImage, error) {
	if !filename.Valid(name) {
		return DeletedImage{}, newServiceError(KindInvalidFilename, opDeleteImage, "invalid_filename",
			fmt.Errorf("%w: %q", filename.ErrInvalidFilename, name))
	}

	image, err := s.store.GetImage(ctx, name)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return DeletedImage{}, newServiceError(KindImageNotFound, opDeleteImage, "image_not_found", errImageNotFound)
		}
		s.logError(opDeleteImage, "image_lookup_failed", err, zap.String(fieldFilename, name))
		return DeletedImage{}, newServiceError(KindDatabaseError, opDeleteImage, "image_lookup_failed", err)
	}

	if blobErr := s.blobs.Delete(ctx, image.Filename); blobErr != nil {
		blobDeleteFailuresTotal.Inc()
		s.loggerOrDefault().Warn("blob deletion failed",
			zap.String("operation", opDeleteImage),
			zap.String(fieldFilename, image.Filename),
			zap.Error(blobErr))
	}

	deleted, err := s.store.DeleteImage(ctx, image.Filename)
	if err != nil {
		s.logError(opDeleteImage, "row_delete_failed", err, zap.String(fieldFilename, image.Filename))
		return DeletedImage{}, newServiceError(KindDeleteFailed, opDeleteImage, "row_delete_failed", err)
	}
	if deleted == 0 {
		return DeletedImage{}, newServiceError(KindImageNotFound, opDeleteImage, "image_not_found", errImageNotFound)
	}

	s.publish(Event{
		Type:      EventImageDeleted,
		BatchID:   image.BatchID,
		Filenames: []string{image.Filename},
		Timestamp: s.clock().UTC(),
	})
	return DeletedImage{Filename: image.Filename, BatchID: image.BatchID}, nil
}

// deleteBlobs attempts every key and combines the failures.
func (s *Service) deleteBlobs(ctx context.Context, keys []string) error {
	failures := make([]error, len(keys))
	group := new(errgroup.Group)
	group.SetLimit(s.uploadConcurrency)
	for index, key := range keys {
		group.Go(func() error {
			if err := s.blobs.Delete(ctx, key); err != nil {
				blobDeleteFailuresTotal.Inc()
				failures[index] = fmt.Errorf("%s: %w", key, err)
			}
			return nil
		})
	}
	_ = group.Wait()
	return multierr.Combine(failures...)
}
