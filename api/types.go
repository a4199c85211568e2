package api

import (
	"context"
	"net/http"

	"kanban-sync/domain"
	"kanban-sync/realtime"
)

// Storage abstracts the durable task store for handlers.
type Storage interface {
	ListTasks(ctx context.Context, filter domain.TaskFilter) ([]domain.Task, error)
	GetTask(ctx context.Context, id string) (domain.Task, error)
	CreateTask(ctx context.Context, in domain.TaskInput) (domain.Task, error)
	UpdateTask(ctx context.Context, id string, in domain.TaskInput) (domain.Task, error)
	DeleteTask(ctx context.Context, id string) (domain.Task, error)
}

// Authenticator resolves tokens and headers to user identities.
type Authenticator interface {
	Resolve(token string) (domain.Identity, bool)
	IdentityFromAuthHeader(header http.Header) (domain.Identity, error)
}

// Publisher is told about every successful task mutation.
type Publisher interface {
	PublishTaskChange(ctx context.Context, action domain.Action, task domain.Task, actor *domain.Identity)
}

// Presence is the connect/disconnect surface of the presence tracker.
type Presence interface {
	Join(userID string, greet func(online []string))
	OnDisconnect(userID string)
	Online() []string
}

// Streams is the connection registry behind the realtime channel.
type Streams interface {
	Open(userID string) *realtime.Conn
	Close(c *realtime.Conn)
	Send(c *realtime.Conn, f realtime.Frame) bool
}

// Deduper rejects repeated idempotency keys.
type Deduper interface {
	// Add records the key and returns true if it was newly added.
	Add(ctx context.Context, scope, key string) (bool, error)
	// Remove deletes a previously added key, used when the mutation fails.
	Remove(ctx context.Context, scope, key string) error
}

// Deps bundles the collaborators the handlers need. Presence and Deduper are
// optional.
type Deps struct {
	Store     Storage
	Auth      Authenticator
	Publisher Publisher
	Presence  Presence
	Streams   Streams
	Deduper   Deduper
	Stream    StreamOptions
}
