package domain

import (
	"errors"
	"strings"
	"time"
)

// Status is the board column a task sits in.
type Status string

const (
	StatusTodo       Status = "TODO"
	StatusInProgress Status = "IN_PROGRESS"
	StatusDone       Status = "DONE"
)

// Valid reports whether s names one of the board columns.
func (s Status) Valid() bool {
	switch s {
	case StatusTodo, StatusInProgress, StatusDone:
		return true
	}
	return false
}

var (
	ErrEmptyTitle    = errors.New("title is required")
	ErrInvalidStatus = errors.New("invalid status")
)

// Task represents a single board item.
type Task struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Status      Status    `json:"status"`
	AssigneeID  *string   `json:"assigneeId"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// TaskInput carries the mutable fields of a task for create and update.
type TaskInput struct {
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Status      Status  `json:"status"`
	AssigneeID  *string `json:"assigneeId,omitempty"`
}

// Normalize trims the input and folds an empty assignee into no assignee.
func (in *TaskInput) Normalize() {
	in.Title = strings.TrimSpace(in.Title)
	if in.AssigneeID != nil && strings.TrimSpace(*in.AssigneeID) == "" {
		in.AssigneeID = nil
	}
}

// Validate checks the input against the board rules.
func (in TaskInput) Validate() error {
	if strings.TrimSpace(in.Title) == "" {
		return ErrEmptyTitle
	}
	if !in.Status.Valid() {
		return ErrInvalidStatus
	}
	return nil
}

// Apply copies the input onto t and stamps the modification time.
func (in TaskInput) Apply(t *Task, now time.Time) {
	t.Title = in.Title
	t.Description = in.Description
	t.Status = in.Status
	t.AssigneeID = in.AssigneeID
	t.UpdatedAt = now
}

// Input returns the mutable fields of t.
func (t Task) Input() TaskInput {
	return TaskInput{
		Title:       t.Title,
		Description: t.Description,
		Status:      t.Status,
		AssigneeID:  t.AssigneeID,
	}
}

// TaskFilter narrows a task listing. Zero values match everything.
type TaskFilter struct {
	Search     string
	AssigneeID string
	From       time.Time
	To         time.Time
}

// Matches reports whether t passes the filter.
func (f TaskFilter) Matches(t Task) bool {
	if f.Search != "" {
		needle := strings.ToLower(f.Search)
		if !strings.Contains(strings.ToLower(t.Title), needle) &&
			!strings.Contains(strings.ToLower(t.Description), needle) {
			return false
		}
	}
	if f.AssigneeID != "" && (t.AssigneeID == nil || *t.AssigneeID != f.AssigneeID) {
		return false
	}
	if !f.From.IsZero() && t.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && t.CreatedAt.After(f.To) {
		return false
	}
	return true
}

// ParseDayRange turns the yyyy-mm-dd bounds used by the board filters into an
// inclusive time range. An empty bound is left zero.
func ParseDayRange(from, to string) (time.Time, time.Time, error) {
	var start, end time.Time
	var err error
	if from != "" {
		start, err = time.Parse(time.DateOnly, from)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
	}
	if to != "" {
		end, err = time.Parse(time.DateOnly, to)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		end = end.Add(24*time.Hour - time.Nanosecond)
	}
	return start, end, nil
}
