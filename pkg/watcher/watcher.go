// Package watcher turns raw filesystem notifications under a
// workspace root into debounced, filtered change events tagged with
// the owning user and project.
//
// The first path segment below the workspace root names the project.
// Each path gets its own debounce slot: a newer event for the same
// path supersedes the pending one and restarts the timer, so an
// editor's burst of writes collapses into a single dispatch.
package watcher

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/oniwakaa/cubesync/internal/observability"
	"github.com/oniwakaa/cubesync/pkg/pathfilter"
)

// DefaultDebounce is the settle window applied per path.
const DefaultDebounce = 500 * time.Millisecond

// DefaultIgnoreFile is the per-project rule file name.
const DefaultIgnoreFile = ".cubeignore"

// Config holds configuration for the watcher
type Config struct {
	WorkspacePath string
	Debounce      time.Duration
	IgnoreFile    string
	ResolveUser   UserIDResolver
	OnEvent       Handler
}

// Watcher monitors the workspace for file changes
type Watcher struct {
	watcher       *fsnotify.Watcher
	workspacePath string
	debounce      time.Duration
	ignoreFile    string
	resolveUser   UserIDResolver
	onEvent       Handler

	done     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool

	pendingMu sync.Mutex
	pending   map[string]*pendingChange

	filterMu sync.Mutex
	filters  map[string]*pathfilter.Engine

	dirMu       sync.Mutex
	watchedDirs map[string]struct{}
}

type pendingChange struct {
	event Event
	timer *time.Timer
}

// New creates a watcher for the workspace rooted at config.WorkspacePath.
func New(config Config) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	if config.Debounce == 0 {
		config.Debounce = DefaultDebounce
	}
	if config.IgnoreFile == "" {
		config.IgnoreFile = DefaultIgnoreFile
	}
	if config.ResolveUser == nil {
		config.ResolveUser = defaultResolver
	}

	return &Watcher{
		watcher:       fsw,
		workspacePath: filepath.Clean(config.WorkspacePath),
		debounce:      config.Debounce,
		ignoreFile:    config.IgnoreFile,
		resolveUser:   config.ResolveUser,
		onEvent:       config.OnEvent,
		done:          make(chan struct{}),
		pending:       make(map[string]*pendingChange),
		filters:       make(map[string]*pathfilter.Engine),
		watchedDirs:   make(map[string]struct{}),
	}, nil
}

// Start begins watching the workspace tree.
func (w *Watcher) Start() error {
	info, err := os.Stat(w.workspacePath)
	if err != nil {
		return fmt.Errorf("workspace path: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("workspace path %s is not a directory", w.workspacePath)
	}

	if err := w.addDirectoryRecursive(w.workspacePath); err != nil {
		return fmt.Errorf("failed to watch workspace: %w", err)
	}

	go w.eventLoop()
	w.running.Store(true)

	log.Info().
		Str("path", w.workspacePath).
		Dur("debounce", w.debounce).
		Msg("Change watcher started")
	return nil
}

// Stop stops the watcher and cancels every pending debounce. Already
// dispatched events are unaffected.
func (w *Watcher) Stop() error {
	w.stopOnce.Do(func() {
		close(w.done)
	})
	w.running.Store(false)

	w.pendingMu.Lock()
	for _, p := range w.pending {
		p.timer.Stop()
	}
	clear(w.pending)
	w.pendingMu.Unlock()
	observability.SetPendingDebounces(0)

	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}

	log.Info().Msg("Change watcher stopped")
	return nil
}

// Status is a point-in-time snapshot of the watcher state.
type Status struct {
	Running       bool          `json:"running"`
	WorkspacePath string        `json:"workspace_path"`
	Debounce      time.Duration `json:"debounce"`
	WatchedDirs   int           `json:"watched_dirs"`
	PendingEvents int           `json:"pending_events"`
	Projects      []string      `json:"projects"`
}

// Status reports the current watcher state.
func (w *Watcher) Status() Status {
	w.pendingMu.Lock()
	pending := len(w.pending)
	w.pendingMu.Unlock()

	w.dirMu.Lock()
	dirs := len(w.watchedDirs)
	w.dirMu.Unlock()

	w.filterMu.Lock()
	projects := make([]string, 0, len(w.filters))
	for p := range w.filters {
		projects = append(projects, p)
	}
	w.filterMu.Unlock()
	sort.Strings(projects)

	return Status{
		Running:       w.running.Load(),
		WorkspacePath: w.workspacePath,
		Debounce:      w.debounce,
		WatchedDirs:   dirs,
		PendingEvents: pending,
		Projects:      projects,
	}
}

func (w *Watcher) eventLoop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleRawEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Watcher error")

		case <-w.done:
			return
		}
	}
}

func (w *Watcher) handleRawEvent(event fsnotify.Event) {
	switch {
	case event.Op.Has(fsnotify.Create):
		observability.RecordEventObserved(string(KindCreated))
		info, err := os.Stat(event.Name)
		if err == nil && info.IsDir() {
			w.handleNewDirectory(event.Name)
			return
		}
		w.enqueue(event.Name, KindCreated)

	case event.Op.Has(fsnotify.Write):
		observability.RecordEventObserved(string(KindModified))
		w.enqueue(event.Name, KindModified)

	case event.Op.Has(fsnotify.Remove):
		observability.RecordEventObserved(string(KindDeleted))
		w.forgetDirectory(event.Name)
		w.enqueue(event.Name, KindDeleted)

	case event.Op.Has(fsnotify.Rename):
		// A rename is a delete of the old name. The destination, if it
		// landed inside the workspace, arrives as its own create event
		// and is filtered and debounced on its own.
		observability.RecordEventObserved(string(KindDeleted))
		w.forgetDirectory(event.Name)
		w.enqueue(event.Name, KindDeleted)
	}
}

// handleNewDirectory wires a freshly created directory into the watch
// set and synthesizes create events for files already inside it, so a
// directory moved into the workspace is picked up in full.
func (w *Watcher) handleNewDirectory(path string) {
	if err := w.addDirectoryRecursive(path); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Failed to watch new directory")
		return
	}

	_ = filepath.Walk(path, func(walkPath string, info os.FileInfo, err error) error {
		if err != nil || info == nil {
			return nil
		}
		if info.IsDir() {
			return nil
		}
		w.enqueue(walkPath, KindCreated)
		return nil
	})
}

// enqueue filters the path and arms or rearms its debounce slot.
func (w *Watcher) enqueue(absPath string, kind Kind) {
	ev, ok := w.resolve(absPath, kind)
	if !ok {
		return
	}

	engine := w.filterFor(ev.ProjectID)
	if d := engine.Decide(ev.RelPath, false); d.Excluded {
		observability.RecordEventDropped(string(d.Reason))
		return
	}

	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()

	select {
	case <-w.done:
		return
	default:
	}

	if prior, exists := w.pending[absPath]; exists {
		prior.timer.Stop()
		observability.RecordEventCoalesced()
	}

	p := &pendingChange{event: ev}
	p.timer = time.AfterFunc(w.debounce, func() {
		// A superseding event may have replaced this slot between the
		// timer firing and the lock being acquired. Only the slot's
		// current owner may remove it and dispatch.
		w.pendingMu.Lock()
		if w.pending[absPath] != p {
			w.pendingMu.Unlock()
			return
		}
		delete(w.pending, absPath)
		observability.SetPendingDebounces(len(w.pending))
		w.pendingMu.Unlock()

		select {
		case <-w.done:
			return
		default:
			w.dispatch(p.event)
		}
	})
	w.pending[absPath] = p
	observability.SetPendingDebounces(len(w.pending))
}

func (w *Watcher) dispatch(ev Event) {
	if w.onEvent == nil {
		return
	}
	ev.ObservedAt = time.Now()
	w.onEvent(ev)
}

// resolve extracts the sync context from an absolute path. Paths
// outside the workspace or directly at its root carry no project and
// are dropped.
func (w *Watcher) resolve(absPath string, kind Kind) (Event, bool) {
	rel, err := filepath.Rel(w.workspacePath, absPath)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		observability.RecordEventDropped("outside_workspace")
		return Event{}, false
	}

	rel = filepath.ToSlash(rel)
	parts := strings.SplitN(rel, "/", 2)
	if len(parts) < 2 {
		log.Debug().Str("path", absPath).Msg("Root-level path has no project, skipping")
		observability.RecordEventDropped("no_project")
		return Event{}, false
	}

	return Event{
		Path:      absPath,
		RelPath:   parts[1],
		UserID:    w.resolveUser(absPath),
		ProjectID: parts[0],
		Kind:      kind,
	}, true
}

// filterFor returns the project's filter engine, building it from the
// project's ignore file on first use.
func (w *Watcher) filterFor(projectID string) *pathfilter.Engine {
	w.filterMu.Lock()
	defer w.filterMu.Unlock()

	if engine, ok := w.filters[projectID]; ok {
		return engine
	}

	projectRoot := filepath.Join(w.workspacePath, projectID)
	engine, err := pathfilter.NewEngineForProject(projectRoot, w.ignoreFile)
	if err != nil {
		log.Warn().Err(err).Str("project_id", projectID).Msg("Failed to load ignore rules, using defaults")
		engine = pathfilter.NewEngine(nil)
	}
	w.filters[projectID] = engine
	return engine
}

// FilterFor exposes the per-project filter so resync walks apply the
// same rules as live watching.
func (w *Watcher) FilterFor(projectID string) *pathfilter.Engine {
	return w.filterFor(projectID)
}

func (w *Watcher) addDirectoryRecursive(path string) error {
	return filepath.Walk(path, func(walkPath string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return nil
		}

		if w.shouldPrune(walkPath) {
			return filepath.SkipDir
		}

		if err := w.watcher.Add(walkPath); err != nil {
			log.Warn().
				Err(err).
				Str("path", walkPath).
				Msg("Failed to watch path")
			return nil
		}

		w.dirMu.Lock()
		w.watchedDirs[walkPath] = struct{}{}
		observability.SetWatchedDirs(len(w.watchedDirs))
		w.dirMu.Unlock()
		return nil
	})
}

// shouldPrune reports whether a directory is excluded and its subtree
// can be skipped entirely.
func (w *Watcher) shouldPrune(dirPath string) bool {
	if dirPath == w.workspacePath {
		return false
	}
	rel, err := filepath.Rel(w.workspacePath, dirPath)
	if err != nil || strings.HasPrefix(rel, "..") {
		return true
	}

	rel = filepath.ToSlash(rel)
	parts := strings.SplitN(rel, "/", 2)
	if len(parts) < 2 {
		// Project directories themselves are always watched.
		return false
	}

	engine := w.filterFor(parts[0])
	return engine.Decide(parts[1], true).Excluded
}

func (w *Watcher) forgetDirectory(path string) {
	w.dirMu.Lock()
	defer w.dirMu.Unlock()
	if _, ok := w.watchedDirs[path]; !ok {
		return
	}
	for dir := range w.watchedDirs {
		if dir == path || strings.HasPrefix(dir, path+string(filepath.Separator)) {
			delete(w.watchedDirs, dir)
		}
	}
	observability.SetWatchedDirs(len(w.watchedDirs))
}
