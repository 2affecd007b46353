package filename

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

const (
	// MaxID is the largest identifier that fits the fixed eight digit field.
	MaxID int64 = 99_999_999
	// DefaultExtension is used when the MIME type names no known raster format.
	DefaultExtension = "webp"

	digits = 8
)

var (
	// ErrInvalidID indicates that an identifier is negative or exceeds MaxID.
	ErrInvalidID = errors.New("filename: invalid id")
	// ErrInvalidFilename indicates that a name does not follow the eight digit layout.
	ErrInvalidFilename = errors.New("filename: invalid filename")

	deliverablePattern = regexp.MustCompile(`(?i)^\d{8}\.(webp|jpg|jpeg|png|gif)$`)
)

// Encode renders id as an eight digit zero padded name with an extension chosen from mime.
func Encode(id int64, mime string) (string, error) {
	if id < 0 || id > MaxID {
		return "", fmt.Errorf("%w: %d outside [0, %d]", ErrInvalidID, id, MaxID)
	}
	return fmt.Sprintf("%0*d.%s", digits, id, Extension(mime)), nil
}

// Extension maps a MIME type to the stored file extension.
func Extension(mime string) string {
	normalized := strings.ToLower(mime)
	switch {
	case strings.Contains(normalized, "jpeg"), strings.Contains(normalized, "jpg"):
		return "jpg"
	case strings.Contains(normalized, "png"):
		return "png"
	case strings.Contains(normalized, "gif"):
		return "gif"
	default:
		return DefaultExtension
	}
}

// Valid reports whether name is a deliverable image filename.
func Valid(name string) bool {
	return deliverablePattern.MatchString(name)
}

// Decode returns the numeric identifier encoded in a deliverable filename.
func Decode(name string) (int64, error) {
	if !Valid(name) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidFilename, name)
	}
	id, err := strconv.ParseInt(name[:digits], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidFilename, err)
	}
	return id, nil
}
