package syncclient

import "kanban-sync/domain"

// State is the lifecycle position of an optimistic mutation.
type State string

const (
	StatePending    State = "pending"
	StateConfirmed  State = "confirmed"
	StateRolledBack State = "rolled-back"
)

// Kind names the local action that produced a mutation.
type Kind string

const (
	KindCreate Kind = "create"
	KindEdit   Kind = "edit"
	KindMove   Kind = "move"
	KindDelete Kind = "delete"
)

// Mutation records one optimistic change from the moment it is applied
// locally until the server answers for it.
type Mutation struct {
	ID     uint64
	Kind   Kind
	TaskID string
	State  State
	Err    error

	// epoch is the cache generation the optimistic change was applied to.
	epoch uint64
	// prev and index describe the task as it was before the change, for
	// edits and deletes.
	prev  *domain.Task
	index int
	// prevOwner is the mutation whose effect the cache showed for the task
	// before this one was applied.
	prevOwner uint64
}

func (m *Mutation) confirm(taskID string) {
	if m.State != StatePending {
		return
	}
	m.State = StateConfirmed
	if taskID != "" {
		m.TaskID = taskID
	}
}

func (m *Mutation) rollBack(err error) {
	if m.State != StatePending {
		return
	}
	m.State = StateRolledBack
	m.Err = err
}

// Notice is a transient message for the user about a mutation that failed.
type Notice struct {
	MutationID uint64
	Kind       Kind
	TaskID     string
	Message    string
	Err        error
}

var failureMessages = map[Kind]string{
	KindCreate: "Failed to create task",
	KindEdit:   "Failed to update task",
	KindMove:   "Failed to update task",
	KindDelete: "Failed to delete task",
}
