// Package syncclient keeps a client-side copy of the board in step with the
// server. Local changes show up immediately and are reconciled with the
// server's answer; every change event from the realtime channel replaces the
// copy with a fresh listing.
package syncclient

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"kanban-sync/domain"
)

const (
	tempIDPrefix  = "temp-"
	noticesBuffer = 16
)

var ErrUnknownTask = errors.New("task not in local cache")

// TaskAPI is the request/response surface the agent mutates through.
type TaskAPI interface {
	List(ctx context.Context, filter domain.TaskFilter) ([]domain.Task, error)
	Create(ctx context.Context, in domain.TaskInput) (domain.Task, error)
	Update(ctx context.Context, id string, in domain.TaskInput) (domain.Task, error)
	Delete(ctx context.Context, id string) (domain.Task, error)
}

// Agent owns one client's task cache.
type Agent struct {
	api     TaskAPI
	logger  *log.Logger
	notices chan Notice
	changes chan struct{}
	now     func() time.Time
	tempID  func() string

	mu       sync.Mutex
	filter   domain.TaskFilter
	tasks    []domain.Task
	epoch    uint64
	online   []string
	nextID   uint64
	inflight map[uint64]*Mutation
	// owner maps a task id to the mutation whose effect the cache currently
	// shows for it. Only that mutation may write the task when it resolves.
	owner map[string]uint64
}

// NewAgent creates an Agent with an empty cache. Call Refetch (or Run) to
// load the board.
func NewAgent(api TaskAPI, logger *log.Logger) *Agent {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Agent{
		api:      api,
		logger:   logger,
		notices:  make(chan Notice, noticesBuffer),
		changes:  make(chan struct{}, 1),
		now:      time.Now,
		tempID:   newTempID,
		tasks:    []domain.Task{},
		inflight: make(map[uint64]*Mutation),
		owner:    make(map[string]uint64),
	}
}

func newTempID() string {
	return tempIDPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:9]
}

// IsTempID reports whether id was synthesized locally for an unconfirmed create.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, tempIDPrefix)
}

// Notices delivers failure messages. Messages are dropped when nobody reads.
func (a *Agent) Notices() <-chan Notice { return a.notices }

// Changes signals that the cache or the online set changed. Signals coalesce.
func (a *Agent) Changes() <-chan struct{} { return a.changes }

// Tasks returns a copy of the cache in display order.
func (a *Agent) Tasks() []domain.Task {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.tasks)
}

// Online returns the last online set received from the server.
func (a *Agent) Online() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.online)
}

// Pending returns the mutations still waiting for the server.
func (a *Agent) Pending() []Mutation {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Mutation, 0, len(a.inflight))
	for _, m := range a.inflight {
		out = append(out, *m)
	}
	slices.SortFunc(out, func(x, y Mutation) int { return cmp.Compare(x.ID, y.ID) })
	return out
}

// SetFilter changes the listing used by subsequent refetches.
func (a *Agent) SetFilter(f domain.TaskFilter) {
	a.mu.Lock()
	a.filter = f
	a.mu.Unlock()
}

// Refetch replaces the cache with the server's listing. Any optimistic state
// still in flight is discarded and is not reapplied when it resolves.
// Overlapping refetches are allowed; the last one to return wins.
func (a *Agent) Refetch(ctx context.Context) error {
	a.mu.Lock()
	filter := a.filter
	a.mu.Unlock()

	tasks, err := a.api.List(ctx, filter)
	if err != nil {
		return fmt.Errorf("refetch tasks: %w", err)
	}
	if tasks == nil {
		tasks = []domain.Task{}
	}

	a.mu.Lock()
	a.tasks = tasks
	a.epoch++
	clear(a.owner)
	a.mu.Unlock()
	a.logger.WithField("tasks", len(tasks)).Debug("board refetched")
	a.signal()
	return nil
}

// HandleEvent applies one realtime event. Task change events trigger a full
// refetch regardless of their payload; online-users replaces the online set.
// Unknown events are ignored.
func (a *Agent) HandleEvent(ctx context.Context, name string, data []byte) error {
	if name == domain.EventOnlineUsers {
		var ids []string
		if err := sonic.Unmarshal(data, &ids); err != nil {
			return fmt.Errorf("decode online users: %w", err)
		}
		a.mu.Lock()
		a.online = ids
		a.mu.Unlock()
		a.signal()
		return nil
	}
	if _, ok := domain.ActionFromEvent(name); ok {
		return a.Refetch(ctx)
	}
	a.logger.WithField("event", name).Debug("ignoring unknown event")
	return nil
}

// Create shows the new task at the top of the board under a temporary id,
// then swaps in the server's copy.
func (a *Agent) Create(ctx context.Context, in domain.TaskInput) (Mutation, error) {
	in.Normalize()
	now := a.now().UTC()

	a.mu.Lock()
	temp := domain.Task{ID: a.tempID(), CreatedAt: now}
	in.Apply(&temp, now)
	a.tasks = slices.Insert(a.tasks, 0, temp)
	m := a.beginLocked(KindCreate, temp.ID, nil, 0)
	a.mu.Unlock()
	a.signal()

	created, err := a.api.Create(ctx, in)

	a.mu.Lock()
	defer a.mu.Unlock()
	defer a.signal()
	a.releaseLocked(m, false)
	if err != nil {
		if a.currentLocked(m) {
			a.removeLocked(temp.ID)
		}
		return a.rollBackLocked(m, err)
	}
	if a.currentLocked(m) {
		if i := a.indexLocked(temp.ID); i >= 0 {
			a.tasks[i] = created
		}
	}
	return a.confirmLocked(m, created.ID), nil
}

// Edit replaces the task's fields.
func (a *Agent) Edit(ctx context.Context, id string, in domain.TaskInput) (Mutation, error) {
	in.Normalize()
	return a.update(ctx, KindEdit, id, func(domain.Task) domain.TaskInput { return in })
}

// Move changes only the task's column.
func (a *Agent) Move(ctx context.Context, id string, status domain.Status) (Mutation, error) {
	return a.update(ctx, KindMove, id, func(t domain.Task) domain.TaskInput {
		in := t.Input()
		in.Status = status
		return in
	})
}

func (a *Agent) update(ctx context.Context, kind Kind, id string, build func(domain.Task) domain.TaskInput) (Mutation, error) {
	a.mu.Lock()
	i := a.indexLocked(id)
	if i < 0 {
		a.mu.Unlock()
		return Mutation{}, ErrUnknownTask
	}
	prev := a.tasks[i]
	in := build(prev)
	next := prev
	in.Apply(&next, a.now().UTC())
	a.tasks[i] = next
	m := a.beginLocked(kind, id, &prev, i)
	a.mu.Unlock()
	a.signal()

	updated, err := a.api.Update(ctx, id, in)

	a.mu.Lock()
	defer a.mu.Unlock()
	defer a.signal()
	owns := a.ownsLocked(m)
	a.releaseLocked(m, err != nil)
	if err != nil {
		if owns {
			if j := a.indexLocked(id); j >= 0 {
				a.tasks[j] = prev
			}
		}
		return a.rollBackLocked(m, err)
	}
	if owns {
		if j := a.indexLocked(id); j >= 0 {
			a.tasks[j] = updated
		}
	}
	return a.confirmLocked(m, ""), nil
}

// Delete removes the task from the board and puts it back where it was if
// the server refuses.
func (a *Agent) Delete(ctx context.Context, id string) (Mutation, error) {
	a.mu.Lock()
	i := a.indexLocked(id)
	if i < 0 {
		a.mu.Unlock()
		return Mutation{}, ErrUnknownTask
	}
	prev := a.tasks[i]
	a.tasks = slices.Delete(a.tasks, i, i+1)
	m := a.beginLocked(KindDelete, id, &prev, i)
	a.mu.Unlock()
	a.signal()

	_, err := a.api.Delete(ctx, id)

	a.mu.Lock()
	defer a.mu.Unlock()
	defer a.signal()
	owns := a.ownsLocked(m)
	a.releaseLocked(m, err != nil)
	if err != nil {
		if owns && a.indexLocked(id) < 0 {
			a.tasks = slices.Insert(a.tasks, min(m.index, len(a.tasks)), prev)
		}
		return a.rollBackLocked(m, err)
	}
	return a.confirmLocked(m, ""), nil
}

func (a *Agent) beginLocked(kind Kind, taskID string, prev *domain.Task, index int) *Mutation {
	a.nextID++
	m := &Mutation{
		ID:     a.nextID,
		Kind:   kind,
		TaskID: taskID,
		State:  StatePending,
		epoch:  a.epoch,
		prev:   prev,
		index:  index,

		prevOwner: a.owner[taskID],
	}
	a.inflight[m.ID] = m
	a.owner[taskID] = m.ID
	return m
}

// currentLocked reports whether the cache still holds the generation m was
// applied to. After a refetch the server's listing already reflects the
// outcome, so the cache is left alone.
func (a *Agent) currentLocked(m *Mutation) bool {
	return m.epoch == a.epoch
}

// ownsLocked reports whether m may write its task: the cache generation is
// unchanged and no later mutation of the same task has been applied on top.
func (a *Agent) ownsLocked(m *Mutation) bool {
	return a.currentLocked(m) && a.owner[m.TaskID] == m.ID
}

// releaseLocked drops m's claim on its task. A rolled-back mutation hands the
// task back to the one it was applied over.
func (a *Agent) releaseLocked(m *Mutation, rolledBack bool) {
	if a.owner[m.TaskID] != m.ID {
		return
	}
	if rolledBack && m.prevOwner != 0 {
		a.owner[m.TaskID] = m.prevOwner
		return
	}
	delete(a.owner, m.TaskID)
}

func (a *Agent) confirmLocked(m *Mutation, taskID string) Mutation {
	m.confirm(taskID)
	delete(a.inflight, m.ID)
	return *m
}

func (a *Agent) rollBackLocked(m *Mutation, err error) (Mutation, error) {
	m.rollBack(err)
	delete(a.inflight, m.ID)
	notice := Notice{
		MutationID: m.ID,
		Kind:       m.Kind,
		TaskID:     m.TaskID,
		Message:    failureMessages[m.Kind],
		Err:        err,
	}
	select {
	case a.notices <- notice:
	default:
		a.logger.WithField("mutation", m.ID).Debug("notice dropped")
	}
	a.logger.WithError(err).WithFields(log.Fields{
		"kind": m.Kind,
		"task": m.TaskID,
	}).Warn(notice.Message)
	return *m, fmt.Errorf("%s %s: %w", m.Kind, m.TaskID, err)
}

func (a *Agent) indexLocked(id string) int {
	return slices.IndexFunc(a.tasks, func(t domain.Task) bool { return t.ID == id })
}

func (a *Agent) removeLocked(id string) {
	if i := a.indexLocked(id); i >= 0 {
		a.tasks = slices.Delete(a.tasks, i, i+1)
	}
}

func (a *Agent) signal() {
	select {
	case a.changes <- struct{}{}:
	default:
	}
}
