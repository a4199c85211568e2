package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/google/uuid"

	"kanban-sync/domain"
)

// boardPartition is the single partition every task row lives in.
const boardPartition = "board"

// TablesStore keeps tasks in an Azure Storage table.
type TablesStore struct {
	table *aztables.Client
	now   func() time.Time
	newID func() string
}

// NewTablesStore creates a TablesStore from the given connection string.
func NewTablesStore(connStr, tasksTable string) (*TablesStore, error) {
	opts := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute,
				RetryDelay:    time.Second,
				MaxRetryDelay: 15 * time.Second,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &opts)
	if err != nil {
		return nil, err
	}
	return &TablesStore{table: svc.NewClient(tasksTable), now: time.Now, newID: uuid.NewString}, nil
}

type taskEntity struct {
	aztables.Entity
	Title       string  `json:"Title"`
	Description string  `json:"Description"`
	Status      string  `json:"Status"`
	AssigneeID  *string `json:"AssigneeID,omitempty"`
	CreatedAt   string  `json:"CreatedAt"`
	UpdatedAt   string  `json:"UpdatedAt"`
}

func entityFromTask(t domain.Task) taskEntity {
	return taskEntity{
		Entity:      aztables.Entity{PartitionKey: boardPartition, RowKey: t.ID},
		Title:       t.Title,
		Description: t.Description,
		Status:      string(t.Status),
		AssigneeID:  t.AssigneeID,
		CreatedAt:   formatTime(t.CreatedAt),
		UpdatedAt:   formatTime(t.UpdatedAt),
	}
}

func decodeTaskEntity(data []byte) (domain.Task, error) {
	var ent taskEntity
	if err := json.Unmarshal(data, &ent); err != nil {
		return domain.Task{}, err
	}
	t := domain.Task{
		ID:          ent.RowKey,
		Title:       ent.Title,
		Description: ent.Description,
		Status:      domain.Status(ent.Status),
		AssigneeID:  ent.AssigneeID,
	}
	var err error
	if t.CreatedAt, err = parseTime(ent.CreatedAt); err != nil {
		return domain.Task{}, fmt.Errorf("task %s CreatedAt: %w", t.ID, err)
	}
	if t.UpdatedAt, err = parseTime(ent.UpdatedAt); err != nil {
		return domain.Task{}, fmt.Errorf("task %s UpdatedAt: %w", t.ID, err)
	}
	return t, nil
}

// tablesFilter builds the OData filter for the parts of f the table service
// can evaluate. Search is applied after the rows are read.
func tablesFilter(f domain.TaskFilter) string {
	clauses := []string{"PartitionKey eq '" + boardPartition + "'"}
	if f.AssigneeID != "" {
		clauses = append(clauses, "AssigneeID eq '"+odataQuote(f.AssigneeID)+"'")
	}
	if !f.From.IsZero() {
		clauses = append(clauses, "CreatedAt ge '"+formatTime(f.From)+"'")
	}
	if !f.To.IsZero() {
		clauses = append(clauses, "CreatedAt le '"+formatTime(f.To)+"'")
	}
	return strings.Join(clauses, " and ")
}

func odataQuote(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

func mapTablesError(err error) error {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.StatusCode {
		case http.StatusNotFound:
			return ErrNotFound
		case http.StatusPreconditionFailed, http.StatusConflict:
			return ErrConflict
		}
	}
	return err
}

// ListTasks returns the tasks matching filter, newest first.
func (s *TablesStore) ListTasks(ctx context.Context, filter domain.TaskFilter) ([]domain.Task, error) {
	odata := tablesFilter(filter)
	pager := s.table.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &odata})
	tasks := []domain.Task{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			t, err := decodeTaskEntity(e)
			if err != nil {
				return nil, err
			}
			if filter.Matches(t) {
				tasks = append(tasks, t)
			}
		}
	}
	sortNewestFirst(tasks)
	return tasks, nil
}

func (s *TablesStore) GetTask(ctx context.Context, id string) (domain.Task, error) {
	t, _, err := s.get(ctx, id)
	return t, err
}

func (s *TablesStore) get(ctx context.Context, id string) (domain.Task, azcore.ETag, error) {
	resp, err := s.table.GetEntity(ctx, boardPartition, id, nil)
	if err != nil {
		return domain.Task{}, "", mapTablesError(err)
	}
	t, err := decodeTaskEntity(resp.Value)
	if err != nil {
		return domain.Task{}, "", err
	}
	return t, resp.ETag, nil
}

func (s *TablesStore) CreateTask(ctx context.Context, in domain.TaskInput) (domain.Task, error) {
	now := s.now().UTC()
	t := domain.Task{ID: s.newID(), CreatedAt: now}
	in.Apply(&t, now)
	payload, err := json.Marshal(entityFromTask(t))
	if err != nil {
		return domain.Task{}, err
	}
	if _, err := s.table.AddEntity(ctx, payload, nil); err != nil {
		return domain.Task{}, mapTablesError(err)
	}
	return t, nil
}

func (s *TablesStore) UpdateTask(ctx context.Context, id string, in domain.TaskInput) (domain.Task, error) {
	t, etag, err := s.get(ctx, id)
	if err != nil {
		return domain.Task{}, err
	}
	in.Apply(&t, s.now().UTC())
	payload, err := json.Marshal(entityFromTask(t))
	if err != nil {
		return domain.Task{}, err
	}
	_, err = s.table.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &etag, UpdateMode: aztables.UpdateModeReplace})
	if err != nil {
		return domain.Task{}, mapTablesError(err)
	}
	return t, nil
}

func (s *TablesStore) DeleteTask(ctx context.Context, id string) (domain.Task, error) {
	t, etag, err := s.get(ctx, id)
	if err != nil {
		return domain.Task{}, err
	}
	if _, err := s.table.DeleteEntity(ctx, boardPartition, id, &aztables.DeleteEntityOptions{IfMatch: &etag}); err != nil {
		return domain.Task{}, mapTablesError(err)
	}
	return t, nil
}

func sortNewestFirst(tasks []domain.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].ID < tasks[j].ID
		}
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})
}
