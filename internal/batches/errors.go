package batches

import (
	"errors"
	"fmt"
)

// ErrorKind is the client facing classification of a service failure.
type ErrorKind string

const (
	KindInvalidRequest  ErrorKind = "INVALID_REQUEST"
	KindTooManyFiles    ErrorKind = "TOO_MANY_FILES"
	KindFileTooLarge    ErrorKind = "FILE_TOO_LARGE"
	KindInvalidFilename ErrorKind = "INVALID_FILENAME"
	KindBatchNotFound   ErrorKind = "BATCH_NOT_FOUND"
	KindImageNotFound   ErrorKind = "IMAGE_NOT_FOUND"
	KindUploadFailed    ErrorKind = "UPLOAD_FAILED"
	KindDeleteFailed    ErrorKind = "DELETE_FAILED"
	KindDatabaseError   ErrorKind = "DATABASE_ERROR"
	KindStorageError    ErrorKind = "STORAGE_ERROR"
	KindInternalError   ErrorKind = "INTERNAL_ERROR"
)

var (
	errMissingDatabase    = errors.New("database handle is required")
	errMissingStore       = errors.New("batch store is required")
	errMissingBlobStore   = errors.New("blob store is required")
	errMissingReserver    = errors.New("sequence reserver is required")
	errMissingIDProvider  = errors.New("id provider is required")
	errMissingDeliveryURL = errors.New("delivery base url is required")
	errEmptyTitle         = errors.New("batch title is required")
	errNoFiles            = errors.New("at least one file is required")
	errTooManyFiles       = errors.New("too many files")
	errFileTooLarge       = errors.New("file too large")
	errBatchNotFound      = errors.New("batch not found")
	errImageNotFound      = errors.New("image not found")
)

// ServiceError carries the client facing kind and an operator facing code.
type ServiceError struct {
	kind ErrorKind
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason identifier used in logs.
func (e *ServiceError) Code() string {
	return e.code
}

// Kind returns the client facing classification.
func (e *ServiceError) Kind() ErrorKind {
	return e.kind
}

const (
	opServiceNew  = "batches.service.new"
	opCommit      = "batches.commit"
	opGetBatch    = "batches.get_batch"
	opListBatches = "batches.list_batches"
	opDeleteBatch = "batches.delete_batch"
	opDeleteImage = "batches.delete_image"
	opMarkdown    = "batches.markdown"
	opArchive     = "batches.archive"
)

func newServiceError(kind ErrorKind, operation, reason string, cause error) error {
	return &ServiceError{kind: kind, code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// KindOf extracts the ErrorKind from err, defaulting to KindInternalError.
func KindOf(err error) ErrorKind {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr.kind
	}
	return KindInternalError
}
