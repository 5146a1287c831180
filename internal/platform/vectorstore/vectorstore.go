package vectorstore

import "context"

// Store is nearest-neighbor similarity search over embedded text. Collections
// are logical: one per character and one per story-world. Documents within a
// collection are independently replaceable.
type Store interface {
	Upsert(ctx context.Context, collection string, vectors []Vector) error
	// Query returns matches ordered by descending similarity (higher is
	// better, regardless of the backend's native distance metric).
	Query(ctx context.Context, collection string, q []float32, topK int, filter map[string]any) ([]Match, error)
	DeleteIDs(ctx context.Context, collection string, ids []string) error
	// DropCollection removes every document in the logical collection. Used
	// when the owning entity is deleted.
	DropCollection(ctx context.Context, collection string) error
	Ready(ctx context.Context) error
}

type Vector struct {
	ID       string
	Values   []float32
	Metadata map[string]any
}

type Match struct {
	ID      string
	Score   float64
	Payload map[string]any
}
