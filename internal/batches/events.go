package batches

import "time"

// EventType names a change to the batch catalogue.
type EventType string

const (
	EventBatchCreated EventType = "batch-created"
	EventBatchDeleted EventType = "batch-deleted"
	EventImageDeleted EventType = "image-deleted"
)

// Event describes a committed change. Filenames lists the affected images.
type Event struct {
	Type      EventType `json:"type"`
	BatchID   string    `json:"batch_id"`
	Filenames []string  `json:"filenames,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher receives events after the change they describe has been persisted.
// Publish must not block.
type Publisher interface {
	Publish(event Event)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(event Event)

func (f PublisherFunc) Publish(event Event) {
	f(event)
}
