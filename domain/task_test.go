package domain

import (
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
)

func TestTaskMarshalKeepsNullAssignee(t *testing.T) {
	task := Task{ID: "t1", Title: "Title", Status: StatusTodo}

	payload, err := sonic.Marshal(task)
	if err != nil {
		t.Fatalf("marshal task: %v", err)
	}

	if !strings.Contains(string(payload), "\"assigneeId\":null") {
		t.Fatalf("expected assigneeId to be null, got %s", payload)
	}
}

func TestTaskInputValidate(t *testing.T) {
	tests := []struct {
		name string
		in   TaskInput
		want error
	}{
		{name: "ok", in: TaskInput{Title: "Ship release", Status: StatusTodo}},
		{name: "blank title", in: TaskInput{Title: "  ", Status: StatusTodo}, want: ErrEmptyTitle},
		{name: "unknown status", in: TaskInput{Title: "x", Status: "BLOCKED"}, want: ErrInvalidStatus},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.in.Validate(); got != tt.want {
				t.Fatalf("Validate() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTaskInputNormalizeDropsBlankAssignee(t *testing.T) {
	blank := " "
	in := TaskInput{Title: "  t  ", Status: StatusDone, AssigneeID: &blank}
	in.Normalize()
	if in.Title != "t" {
		t.Fatalf("expected trimmed title, got %q", in.Title)
	}
	if in.AssigneeID != nil {
		t.Fatalf("expected nil assignee, got %q", *in.AssigneeID)
	}
}

func TestTaskFilterMatches(t *testing.T) {
	bob := "bob"
	created := time.Date(2024, 5, 10, 15, 0, 0, 0, time.UTC)
	task := Task{ID: "1", Title: "Ship Release", Description: "notes", AssigneeID: &bob, CreatedAt: created}

	from, to, err := ParseDayRange("2024-05-10", "2024-05-10")
	if err != nil {
		t.Fatalf("parse range: %v", err)
	}

	tests := []struct {
		name   string
		filter TaskFilter
		want   bool
	}{
		{name: "empty", filter: TaskFilter{}, want: true},
		{name: "search case insensitive", filter: TaskFilter{Search: "release"}, want: true},
		{name: "search description", filter: TaskFilter{Search: "NOTE"}, want: true},
		{name: "search miss", filter: TaskFilter{Search: "deploy"}, want: false},
		{name: "assignee", filter: TaskFilter{AssigneeID: "bob"}, want: true},
		{name: "assignee miss", filter: TaskFilter{AssigneeID: "alice"}, want: false},
		{name: "same day range", filter: TaskFilter{From: from, To: to}, want: true},
		{name: "after range", filter: TaskFilter{From: from.Add(48 * time.Hour)}, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter.Matches(task); got != tt.want {
				t.Fatalf("Matches() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestActionEventNames(t *testing.T) {
	for _, a := range []Action{ActionCreated, ActionUpdated, ActionDeleted} {
		back, ok := ActionFromEvent(a.EventName())
		if !ok || back != a {
			t.Fatalf("round trip for %s gave %s/%v", a, back, ok)
		}
	}
	if Action("moved").EventName() != "" {
		t.Fatal("expected unknown action to have no event name")
	}
}
