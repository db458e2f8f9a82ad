package cube

import (
	"context"
	"errors"
	"time"
)

// ErrStoreClosed is returned for operations on a closed cube.
var ErrStoreClosed = errors.New("cube store is closed")

// Record is one file's content plus the metadata the sync pipeline
// tags it with. RelPath is relative to the project directory and is
// the key later removals are matched against.
type Record struct {
	RelPath   string    `json:"rel_path"`
	Project   string    `json:"project"`
	Content   string    `json:"content"`
	ModTime   time.Time `json:"mod_time"`
	Size      int64     `json:"size"`
	Extension string    `json:"extension"`
}

// SearchResult is a scored record match
type SearchResult struct {
	RelPath      string   `json:"rel_path"`
	Content      string   `json:"content"`
	Score        float64  `json:"score"`
	VectorScore  *float64 `json:"vector_score,omitempty"`
	KeywordScore *float64 `json:"keyword_score,omitempty"`
}

// Store creates or reopens cubes. Creation must tolerate a store_id
// that already exists: reopening yields the same backing index.
type Store interface {
	Create(ctx context.Context, storeID, location string) (Cube, error)
}

// Cube is one isolated per-project content index. Add and Remove are
// each atomic at the single-record level. Remove is best-effort: a
// backend without precise deletion reports zero removed rather than
// failing.
type Cube interface {
	ID() string

	Add(ctx context.Context, rec Record) error
	Remove(ctx context.Context, relPath string) (int, error)
	Search(ctx context.Context, query string, limit int) ([]SearchResult, error)
	Count(ctx context.Context) (int, error)

	Close() error
	// Destroy closes the cube and deletes its backing storage.
	Destroy() error
}
