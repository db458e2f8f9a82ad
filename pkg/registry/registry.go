// Package registry tracks the memory cubes backing each (user,
// project) pair. One cube per pair, created lazily on first use and
// shared by every caller that asks for the same pair afterwards.
package registry

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/oniwakaa/cubesync/internal/observability"
	"github.com/oniwakaa/cubesync/pkg/cube"
)

// ErrUnknownStore is returned by Cleanup for a pair with no
// registered cube.
var ErrUnknownStore = errors.New("no store registered for this user and project")

// CreateError reports a backend failure while creating the store for a
// pair. The registry caches nothing for the pair, so a later call
// retries the creation.
type CreateError struct {
	Key Key
	Err error
}

func (e *CreateError) Error() string {
	return fmt.Sprintf("create store for %s: %v", e.Key, e.Err)
}

func (e *CreateError) Unwrap() error { return e.Err }

// storeNamespace seeds deterministic store identifiers. Fixed so the
// same (user, project) pair always derives the same store ID across
// restarts.
var storeNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

// Key identifies one isolated store.
type Key struct {
	UserID    string
	ProjectID string
}

func (k Key) String() string {
	return k.UserID + "/" + k.ProjectID
}

// Handle is the registry's view of one live cube.
type Handle struct {
	Key       Key
	StoreID   string
	Location  string
	CreatedAt time.Time

	Cube cube.Cube
}

// Registry maps (user, project) pairs to cubes. All mutation happens
// under a single lock, so concurrent GetOrCreate calls for the same
// pair resolve to exactly one backend creation.
type Registry struct {
	store   cube.Store
	dataDir string
	logger  zerolog.Logger

	mu      sync.Mutex
	handles map[Key]*Handle
}

// New creates a registry backed by store, placing cube storage under
// dataDir.
func New(store cube.Store, dataDir string, logger zerolog.Logger) *Registry {
	return &Registry{
		store:   store,
		dataDir: dataDir,
		logger:  logger.With().Str("component", "registry").Logger(),
		handles: map[Key]*Handle{},
	}
}

// StoreID derives the stable identifier for a pair. Same inputs, same
// ID, across processes and restarts.
func StoreID(key Key) string {
	name := fmt.Sprintf("%s_%s_codebase_cube", key.UserID, key.ProjectID)
	return uuid.NewSHA1(storeNamespace, []byte(name)).String()
}

// Location derives the backing directory for a pair under dataDir.
func (r *Registry) Location(key Key) string {
	return filepath.Join(r.dataDir, key.UserID, key.ProjectID, StoreID(key))
}

// GetOrCreate returns the cube for key, creating it on first use.
// The check, the backend creation and the insert all run under the
// registry lock: two racing callers get the same handle and the
// backend sees one create. A failed creation caches nothing, so the
// next call retries cleanly.
func (r *Registry) GetOrCreate(ctx context.Context, key Key) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if h, ok := r.handles[key]; ok {
		return h, nil
	}

	storeID := StoreID(key)
	location := r.Location(key)

	c, err := r.store.Create(ctx, storeID, location)
	if err != nil {
		observability.RecordStoreAudit(key.UserID, key.ProjectID, "store_created", "failure",
			map[string]interface{}{"error": err.Error()})
		return nil, &CreateError{Key: key, Err: err}
	}

	h := &Handle{
		Key:       key,
		StoreID:   storeID,
		Location:  location,
		CreatedAt: time.Now(),
		Cube:      c,
	}
	r.handles[key] = h

	r.logger.Info().
		Str("user_id", key.UserID).
		Str("project_id", key.ProjectID).
		Str("store_id", storeID).
		Str("location", location).
		Msg("store created")
	observability.RecordStoreAudit(key.UserID, key.ProjectID, "store_created", "success",
		map[string]interface{}{"store_id": storeID})
	return h, nil
}

// Get returns the handle for key without creating one.
func (r *Registry) Get(key Key) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[key]
	return h, ok
}

// Cleanup removes the store for key. With destroy set the backing
// storage is deleted as well, otherwise the cube is only closed and
// deregistered. An unknown key is a no-op reported as ErrUnknownStore.
func (r *Registry) Cleanup(key Key, destroy bool) error {
	r.mu.Lock()
	h, ok := r.handles[key]
	if ok {
		delete(r.handles, key)
	}
	r.mu.Unlock()

	if !ok {
		r.logger.Warn().
			Str("user_id", key.UserID).
			Str("project_id", key.ProjectID).
			Msg("cleanup requested for unknown store")
		return ErrUnknownStore
	}

	var err error
	if destroy {
		err = h.Cube.Destroy()
	} else {
		err = h.Cube.Close()
	}
	if err != nil {
		return fmt.Errorf("cleanup store for %s: %w", key, err)
	}

	r.logger.Info().
		Str("user_id", key.UserID).
		Str("project_id", key.ProjectID).
		Bool("destroyed", destroy).
		Msg("store cleaned up")
	observability.RecordStoreAudit(key.UserID, key.ProjectID, "store_cleaned", "success",
		map[string]interface{}{"destroyed": destroy})
	return nil
}

// ListProjects returns the project IDs with live stores for userID,
// sorted for stable output.
func (r *Registry) ListProjects(userID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var projects []string
	for key := range r.handles {
		if key.UserID == userID {
			projects = append(projects, key.ProjectID)
		}
	}
	sort.Strings(projects)
	return projects
}

// Len reports the number of live stores.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

// Close closes every live store and empties the registry.
func (r *Registry) Close() error {
	r.mu.Lock()
	handles := make([]*Handle, 0, len(r.handles))
	for _, h := range r.handles {
		handles = append(handles, h)
	}
	r.handles = map[Key]*Handle{}
	r.mu.Unlock()

	var firstErr error
	for _, h := range handles {
		if err := h.Cube.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
