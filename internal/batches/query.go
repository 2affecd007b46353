package batches

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/MarcoPoloResearchLab/imgstk/backend/internal/blobstore"
	"go.uber.org/zap"
)

const missingManifestName = "MISSING.txt"

// GetBatch returns a batch and its images ordered by identifier.
func (s *Service) GetBatch(ctx context.Context, batchID string) (BatchDetail, error) {
	batch, err := s.lookupBatch(ctx, opGetBatch, batchID)
	if err != nil {
		return BatchDetail{}, err
	}
	images, err := s.store.ListImages(ctx, batch.ID)
	if err != nil {
		s.logError(opGetBatch, "image_lookup_failed", err, zap.String(fieldBatchID, batch.ID))
		return BatchDetail{}, newServiceError(KindDatabaseError, opGetBatch, "image_lookup_failed", err)
	}
	if images == nil {
		images = []Image{}
	}
	return BatchDetail{Batch: batch, Images: images}, nil
}

// ListBatches returns batch summaries, newest first.
func (s *Service) ListBatches(ctx context.Context, filter ListFilter) ([]BatchSummary, error) {
	if !filter.From.IsZero() && !filter.To.IsZero() && !filter.From.Before(filter.To) {
		return nil, newServiceError(KindInvalidRequest, opListBatches, "invalid_range",
			fmt.Errorf("from %s is not before to %s", filter.From.Format("2006-01-02"), filter.To.Format("2006-01-02")))
	}
	summaries, err := s.store.ListBatches(ctx, filter)
	if err != nil {
		s.logError(opListBatches, "query_failed", err)
		return nil, newServiceError(KindDatabaseError, opListBatches, "query_failed", err)
	}
	return summaries, nil
}

// Markdown renders the batch as an HTML comment header followed by one image
// line per remaining image.
func (s *Service) Markdown(ctx context.Context, batchID string) (string, error) {
	detail, err := s.GetBatch(ctx, batchID)
	if err != nil {
		return "", rebindOperation(err, opMarkdown)
	}

	var builder strings.Builder
	fmt.Fprintf(&builder, "<!-- %s (%d枚) -->\n", detail.Batch.Title, detail.Batch.ImageCount)
	for _, image := range detail.Images {
		fmt.Fprintf(&builder, "![](%s)\n", image.URL)
	}
	return builder.String(), nil
}

// WriteArchive streams the batch's blobs into a ZIP archive. Blobs missing from
// the store are skipped and listed in a trailing manifest entry. It returns the
// skipped filenames.
func (s *Service) WriteArchive(ctx context.Context, batchID string, destination io.Writer) ([]string, error) {
	detail, err := s.GetBatch(ctx, batchID)
	if err != nil {
		return nil, rebindOperation(err, opArchive)
	}

	archive := zip.NewWriter(destination)
	var missing []string
	for _, image := range detail.Images {
		object, err := s.blobs.Get(ctx, image.Filename)
		if err != nil {
			if errors.Is(err, blobstore.ErrNotFound) {
				missing = append(missing, image.Filename)
				continue
			}
			s.logError(opArchive, "blob_read_failed", err,
				zap.String(fieldBatchID, detail.Batch.ID), zap.String(fieldFilename, image.Filename))
			return missing, newServiceError(KindStorageError, opArchive, "blob_read_failed", err)
		}
		entry, err := archive.CreateHeader(&zip.FileHeader{
			Name:     image.Filename,
			Method:   zip.Store,
			Modified: image.UploadedAt,
		})
		if err != nil {
			return missing, newServiceError(KindInternalError, opArchive, "entry_create_failed", err)
		}
		if _, err := entry.Write(object.Data); err != nil {
			return missing, newServiceError(KindInternalError, opArchive, "entry_write_failed", err)
		}
	}

	if len(missing) > 0 {
		entry, err := archive.Create(missingManifestName)
		if err != nil {
			return missing, newServiceError(KindInternalError, opArchive, "manifest_create_failed", err)
		}
		if _, err := io.WriteString(entry, strings.Join(missing, "\n")+"\n"); err != nil {
			return missing, newServiceError(KindInternalError, opArchive, "manifest_write_failed", err)
		}
		s.loggerOrDefault().Warn("archive skipped missing blobs",
			zap.String(fieldBatchID, detail.Batch.ID), zap.Strings("filenames", missing))
	}

	if err := archive.Close(); err != nil {
		return missing, newServiceError(KindInternalError, opArchive, "archive_close_failed", err)
	}
	return missing, nil
}

func (s *Service) lookupBatch(ctx context.Context, operation, batchID string) (Batch, error) {
	id := strings.TrimSpace(batchID)
	if id == "" {
		return Batch{}, newServiceError(KindBatchNotFound, operation, "missing_id", errBatchNotFound)
	}
	batch, err := s.store.GetBatch(ctx, id)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return Batch{}, newServiceError(KindBatchNotFound, operation, "batch_not_found", errBatchNotFound)
		}
		s.logError(operation, "batch_lookup_failed", err, zap.String(fieldBatchID, id))
		return Batch{}, newServiceError(KindDatabaseError, operation, "batch_lookup_failed", err)
	}
	return batch, nil
}

// rebindOperation keeps the kind and reason of err but attributes it to operation.
func rebindOperation(err error, operation string) error {
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) {
		return err
	}
	reason := serviceErr.code
	if index := strings.LastIndex(reason, "."); index >= 0 {
		reason = reason[index+1:]
	}
	return newServiceError(serviceErr.kind, operation, reason, serviceErr.err)
}
