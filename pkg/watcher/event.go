package watcher

import "time"

// Kind classifies a change event. Moves never appear directly: a move
// is observed as a delete of the old path and a create of the new one.
type Kind string

const (
	KindCreated  Kind = "created"
	KindModified Kind = "modified"
	KindDeleted  Kind = "deleted"
)

// Event is one debounced, filtered file change with its sync context
// already resolved.
type Event struct {
	// Path is the absolute path of the changed file.
	Path string
	// RelPath is the path relative to the project directory, always
	// forward-slashed.
	RelPath    string
	UserID     string
	ProjectID  string
	Kind       Kind
	ObservedAt time.Time
}

// UserIDResolver maps an absolute path to the user owning it.
// Deployments with per-user workspace layouts plug in their own.
type UserIDResolver func(absPath string) string

// DefaultUserID is the resolver used when none is configured. Every
// path belongs to the same single user.
const DefaultUserID = "default_user"

func defaultResolver(string) string { return DefaultUserID }

// Handler receives debounced events. It must not block: delivery
// happens on the debounce timer goroutine.
type Handler func(Event)
