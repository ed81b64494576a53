package ads

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"
)

// Searcher runs one ad library search for a small list of keywords.
type Searcher interface {
	Search(ctx context.Context, credential string, keywords []string, filters SearchFilters) ([]RawItem, error)
}

// Translator translates a batch of texts into the target language, preserving order.
type Translator interface {
	Translate(ctx context.Context, texts []string, target string) ([]string, error)
}

// BlobStore writes exported run artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Hasher fingerprints exported payloads.
type Hasher interface {
	Sum(data []byte) string
}

// Publisher pushes run completion events to Pub/Sub (or similar) and returns
// the message ID.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run and log IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
	NewRawID() (uuid.UUID, error)
}
