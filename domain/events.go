package domain

// Action names the kind of task mutation carried by a change event.
type Action string

const (
	ActionCreated Action = "created"
	ActionUpdated Action = "updated"
	ActionDeleted Action = "deleted"
)

// Realtime channel event names.
const (
	EventOnlineUsers = "online-users"
	EventTaskCreated = "task:created"
	EventTaskUpdated = "task:updated"
	EventTaskDeleted = "task:deleted"
)

// EventName returns the channel event name for the action, or "" when the
// action is unknown.
func (a Action) EventName() string {
	switch a {
	case ActionCreated:
		return EventTaskCreated
	case ActionUpdated:
		return EventTaskUpdated
	case ActionDeleted:
		return EventTaskDeleted
	}
	return ""
}

// ActionFromEvent maps a channel event name back to its action.
func ActionFromEvent(name string) (Action, bool) {
	switch name {
	case EventTaskCreated:
		return ActionCreated, true
	case EventTaskUpdated:
		return ActionUpdated, true
	case EventTaskDeleted:
		return ActionDeleted, true
	}
	return "", false
}

// TaskChangeEvent is pushed to every open connection after a successful
// mutation.
type TaskChangeEvent struct {
	Task   Task      `json:"task"`
	User   *Identity `json:"user"`
	Action Action    `json:"action"`
}
