package batches

import "github.com/google/uuid"

// IDProvider issues opaque batch identifiers.
type IDProvider interface {
	NewID() (string, error)
}

// IDFunc adapts a plain function to IDProvider.
type IDFunc func() (string, error)

// NewID calls f.
func (f IDFunc) NewID() (string, error) {
	return f()
}

// NewUUIDProvider issues UUIDv7 batch ids, which sort by creation time.
func NewUUIDProvider() IDProvider {
	return IDFunc(func() (string, error) {
		id, err := uuid.NewV7()
		if err != nil {
			return "", err
		}
		return id.String(), nil
	})
}
