package batches

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"
)

// ErrRecordNotFound indicates that a batch or image row does not exist.
var ErrRecordNotFound = errors.New("batches: record not found")

const (
	columnBatchID    = "batch_id"
	queryBatchID     = columnBatchID + " = ?"
	queryID          = "id = ?"
	queryFilename    = "filename = ?"
	orderIDAsc       = "id ASC"
	orderUploadedAt  = "uploaded_at DESC, first_id DESC"
	queryTitleLike   = "title LIKE ? ESCAPE '\\'"
	queryUploadedGTE = "uploaded_at >= ?"
	queryUploadedLT  = "uploaded_at < ?"
)

// SummaryView is the view ListBatches reads: one row per batch with the
// image aggregates the gallery shows. Batches whose images were all deleted
// report empty filenames and zero bytes.
const SummaryView = "batch_summary"

// SummaryViewDDL creates SummaryView.
const SummaryViewDDL = `CREATE VIEW IF NOT EXISTS ` + SummaryView + ` AS
SELECT b.id, b.title, b.uploaded_at, b.image_count, b.first_id, b.last_id, b.created_at,
       COALESCE(MIN(i.filename), '') AS first_filename,
       COALESCE(MAX(i.filename), '') AS last_filename,
       COALESCE(SUM(i.bytes), 0) AS total_bytes
FROM batches b
LEFT JOIN images i ON i.batch_id = b.id
GROUP BY b.id`

// Store persists batch and image metadata.
type Store interface {
	InsertBatch(ctx context.Context, batch *Batch) error
	InsertImage(ctx context.Context, image *Image) error
	// WithinTransaction runs fn against a Store bound to a single transaction.
	WithinTransaction(ctx context.Context, fn func(Store) error) error
	GetBatch(ctx context.Context, id string) (Batch, error)
	ListImages(ctx context.Context, batchID string) ([]Image, error)
	GetImage(ctx context.Context, filename string) (Image, error)
	ListBatches(ctx context.Context, filter ListFilter) ([]BatchSummary, error)
	// DeleteBatch removes the batch and, through the cascade, its images.
	DeleteBatch(ctx context.Context, id string) (int64, error)
	DeleteImage(ctx context.Context, filename string) (int64, error)
}

// GormStore implements Store with GORM.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore wraps db.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) InsertBatch(ctx context.Context, batch *Batch) error {
	return s.db.WithContext(ctx).Create(batch).Error
}

func (s *GormStore) InsertImage(ctx context.Context, image *Image) error {
	return s.db.WithContext(ctx).Omit("Batch").Create(image).Error
}

func (s *GormStore) WithinTransaction(ctx context.Context, fn func(Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(&GormStore{db: transaction})
	})
}

func (s *GormStore) GetBatch(ctx context.Context, id string) (Batch, error) {
	var batch Batch
	err := s.db.WithContext(ctx).Where(queryID, id).Take(&batch).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Batch{}, ErrRecordNotFound
	}
	return batch, err
}

func (s *GormStore) ListImages(ctx context.Context, batchID string) ([]Image, error) {
	var images []Image
	if err := s.db.WithContext(ctx).
		Where(queryBatchID, batchID).
		Order(orderIDAsc).
		Find(&images).Error; err != nil {
		return nil, err
	}
	return images, nil
}

func (s *GormStore) GetImage(ctx context.Context, filename string) (Image, error) {
	var image Image
	err := s.db.WithContext(ctx).Where(queryFilename, filename).Take(&image).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Image{}, ErrRecordNotFound
	}
	return image, err
}

// ListBatches reads SummaryView, newest first.
func (s *GormStore) ListBatches(ctx context.Context, filter ListFilter) ([]BatchSummary, error) {
	query := s.db.WithContext(ctx).Table(SummaryView)
	if search := strings.TrimSpace(filter.Search); search != "" {
		query = query.Where(queryTitleLike, "%"+escapeLike(search)+"%")
	}
	if !filter.From.IsZero() {
		query = query.Where(queryUploadedGTE, filter.From.UTC())
	}
	if !filter.To.IsZero() {
		query = query.Where(queryUploadedLT, filter.To.UTC())
	}

	summaries := []BatchSummary{}
	if err := query.Order(orderUploadedAt).Find(&summaries).Error; err != nil {
		return nil, err
	}
	return summaries, nil
}

// DeleteBatch deletes image rows explicitly as well, so the result does not
// depend on the connection having foreign key enforcement enabled.
func (s *GormStore) DeleteBatch(ctx context.Context, id string) (int64, error) {
	var deleted int64
	err := s.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		if err := transaction.Where(queryBatchID, id).Delete(&Image{}).Error; err != nil {
			return err
		}
		result := transaction.Where(queryID, id).Delete(&Batch{})
		if result.Error != nil {
			return result.Error
		}
		deleted = result.RowsAffected
		return nil
	})
	return deleted, err
}

func (s *GormStore) DeleteImage(ctx context.Context, filename string) (int64, error) {
	result := s.db.WithContext(ctx).Where(queryFilename, filename).Delete(&Image{})
	return result.RowsAffected, result.Error
}

func escapeLike(value string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(value)
}
