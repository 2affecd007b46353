package blobstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

const (
	blobFileMode = 0o644
	blobDirMode  = 0o755

	// Sidecars are dot-prefixed, a form pathFor never accepts as a key.
	contentTypePrefix = ".type-"
)

var errInvalidKey = errors.New("blobstore: invalid key")

// FileStore keeps blobs as flat files on an afero filesystem. The content
// type given to Put is kept in a sidecar file next to the blob; blobs
// without one are sniffed on read.
type FileStore struct {
	fs     afero.Fs
	root   string
	logger *zap.Logger
}

// NewFileStore prepares root on fs and returns a FileStore rooted there.
func NewFileStore(fs afero.Fs, root string, logger *zap.Logger) (*FileStore, error) {
	if fs == nil {
		return nil, errors.New("blobstore: filesystem is required")
	}
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("blobstore: storage path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := fs.MkdirAll(root, blobDirMode); err != nil {
		return nil, fmt.Errorf("blobstore: create %s: %w", root, err)
	}
	return &FileStore{fs: fs, root: root, logger: logger}, nil
}

// NewOSFileStore roots a FileStore at dir on the local disk.
func NewOSFileStore(dir string, logger *zap.Logger) (*FileStore, error) {
	return NewFileStore(afero.NewOsFs(), dir, logger)
}

// Put records contentType, then writes data to a temporary file and renames
// it into place.
func (s *FileStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	target, err := s.pathFor(key)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	typePath := s.contentTypePath(key)
	if contentType = strings.TrimSpace(contentType); contentType != "" {
		if err := afero.WriteFile(s.fs, typePath, []byte(contentType), blobFileMode); err != nil {
			return fmt.Errorf("blobstore: write content type for %s: %w", key, err)
		}
	} else if err := s.fs.Remove(typePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("blobstore: clear content type for %s: %w", key, err)
	}

	temp, err := afero.TempFile(s.fs, s.root, ".upload-*")
	if err != nil {
		return fmt.Errorf("blobstore: create temp for %s: %w", key, err)
	}
	tempName := temp.Name()
	if _, err := temp.Write(data); err != nil {
		_ = temp.Close()
		_ = s.fs.Remove(tempName)
		return fmt.Errorf("blobstore: write %s: %w", key, err)
	}
	if err := temp.Close(); err != nil {
		_ = s.fs.Remove(tempName)
		return fmt.Errorf("blobstore: close %s: %w", key, err)
	}
	if err := s.fs.Chmod(tempName, blobFileMode); err != nil {
		s.logger.Debug("chmod failed", zap.String("key", key), zap.Error(err))
	}
	if err := s.fs.Rename(tempName, target); err != nil {
		_ = s.fs.Remove(tempName)
		return fmt.Errorf("blobstore: rename %s: %w", key, err)
	}
	return nil
}

// Get reads the blob stored under key.
func (s *FileStore) Get(ctx context.Context, key string) (Object, error) {
	target, err := s.pathFor(key)
	if err != nil {
		return Object{}, err
	}
	if err := ctx.Err(); err != nil {
		return Object{}, err
	}
	data, err := afero.ReadFile(s.fs, target)
	if errors.Is(err, os.ErrNotExist) {
		return Object{}, ErrNotFound
	}
	if err != nil {
		return Object{}, fmt.Errorf("blobstore: read %s: %w", key, err)
	}
	return Object{
		Key:         key,
		Data:        data,
		ContentType: s.contentType(key, data),
	}, nil
}

func (s *FileStore) contentType(key string, data []byte) string {
	stored, err := afero.ReadFile(s.fs, s.contentTypePath(key))
	if err == nil {
		if value := strings.TrimSpace(string(stored)); value != "" {
			return value
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("content type sidecar unreadable", zap.String("key", key), zap.Error(err))
	}
	return mimetype.Detect(data).String()
}

// Delete removes the blob; a missing file counts as deleted.
func (s *FileStore) Delete(ctx context.Context, key string) error {
	target, err := s.pathFor(key)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.fs.Remove(target); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("blobstore: delete %s: %w", key, err)
	}
	if err := s.fs.Remove(s.contentTypePath(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("content type sidecar not removed", zap.String("key", key), zap.Error(err))
	}
	return nil
}

// Check verifies that the storage root is still a directory.
func (s *FileStore) Check(context.Context) error {
	info, err := s.fs.Stat(s.root)
	if err != nil {
		return fmt.Errorf("blobstore: stat %s: %w", s.root, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("blobstore: %s is not a directory", s.root)
	}
	return nil
}

func (s *FileStore) pathFor(key string) (string, error) {
	if key == "" || strings.HasPrefix(key, ".") || strings.ContainsAny(key, `/\`) {
		return "", fmt.Errorf("%w: %q", errInvalidKey, key)
	}
	return filepath.Join(s.root, key), nil
}

func (s *FileStore) contentTypePath(key string) string {
	return filepath.Join(s.root, contentTypePrefix+key)
}
