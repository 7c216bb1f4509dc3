package storage

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"

	"fieldboard/domain"
)

var errEventsDisabled = errors.New("events queue not configured")

const (
	edmInt32    = "Edm.Int32"
	edmDateTime = "Edm.DateTime"
)

// Storage provides access to underlying persistence mechanisms.
type Storage struct {
	taskTable   *aztables.Client
	eventsQueue *azqueue.QueueClient
	now         func() time.Time
}

// New creates a Storage instance from the given connection string.
func New(connStr, tasksTable, eventsQueue string) (*Storage, error) {
	tablesClientOptions := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &tablesClientOptions)
	if err != nil {
		return nil, err
	}
	queueClientOptions := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute * 5,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 60,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	st := &Storage{taskTable: svc.NewClient(tasksTable), now: time.Now}
	if eventsQueue == "" {
		return st, nil
	}
	st.eventsQueue, err = azqueue.NewQueueClientFromConnectionString(connStr, eventsQueue, &queueClientOptions)
	if err != nil {
		return nil, err
	}
	return st, nil
}

type taskEntity struct {
	aztables.Entity
	Column        string    `json:"Column"`
	Position      int       `json:"Position"`
	PositionType  string    `json:"Position@odata.type,omitempty"`
	Description   string    `json:"Description,omitempty"`
	CreatedAt     time.Time `json:"CreatedAt"`
	CreatedAtType string    `json:"CreatedAt@odata.type,omitempty"`
	UpdatedAt     time.Time `json:"UpdatedAt"`
	UpdatedAtType string    `json:"UpdatedAt@odata.type,omitempty"`
}

type placementUpdate struct {
	PartitionKey  string    `json:"PartitionKey"`
	RowKey        string    `json:"RowKey"`
	Column        string    `json:"Column"`
	Position      int       `json:"Position"`
	PositionType  string    `json:"Position@odata.type"`
	UpdatedAt     time.Time `json:"UpdatedAt"`
	UpdatedAtType string    `json:"UpdatedAt@odata.type"`
}

// decodeTask maps a stored entity onto the board model. Column values are
// normalized here so legacy rows never reach the planner.
func decodeTask(data []byte) (domain.Task, error) {
	var ent taskEntity
	if err := json.Unmarshal(data, &ent); err != nil {
		return domain.Task{}, err
	}
	t := domain.Task{
		ID:          ent.RowKey,
		Owner:       ent.PartitionKey,
		Column:      domain.Column(ent.Column),
		Position:    ent.Position,
		Description: ent.Description,
		CreatedAt:   ent.CreatedAt,
		UpdatedAt:   ent.UpdatedAt,
	}
	return domain.Normalize([]domain.Task{t})[0], nil
}

// ListTasks retrieves all tasks assigned to owner.
func (s *Storage) ListTasks(ctx context.Context, owner string) ([]domain.Task, error) {
	filter := "PartitionKey eq '" + escapeFilterValue(owner) + "'"
	pager := s.taskTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	tasks := []domain.Task{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			t, err := decodeTask(e)
			if err != nil {
				return nil, err
			}
			tasks = append(tasks, t)
		}
	}
	return tasks, nil
}

// GetTask retrieves a single task. Missing tasks yield domain.ErrTaskNotFound.
func (s *Storage) GetTask(ctx context.Context, owner, id string) (domain.Task, error) {
	ent, err := s.taskTable.GetEntity(ctx, owner, id, nil)
	if err != nil {
		return domain.Task{}, mapNotFound(err)
	}
	return decodeTask(ent.Value)
}

// UpdatePlacement merges a new column and position into an existing task.
func (s *Storage) UpdatePlacement(ctx context.Context, owner, id string, p domain.Placement) error {
	payload, err := json.Marshal(placementUpdate{
		PartitionKey:  owner,
		RowKey:        id,
		Column:        string(p.Column),
		Position:      p.Position,
		PositionType:  edmInt32,
		UpdatedAt:     s.now().UTC(),
		UpdatedAtType: edmDateTime,
	})
	if err != nil {
		return err
	}
	et := azcore.ETagAny
	_, err = s.taskTable.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &et, UpdateMode: aztables.UpdateModeMerge})
	return mapNotFound(err)
}

// CreateTask inserts a new task row. CreatedAt and UpdatedAt are stamped here
// and the stored task is returned.
func (s *Storage) CreateTask(ctx context.Context, t domain.Task) (domain.Task, error) {
	now := s.now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now
	payload, err := json.Marshal(taskEntity{
		Entity:        aztables.Entity{PartitionKey: t.Owner, RowKey: t.ID},
		Column:        string(t.Column),
		Position:      t.Position,
		PositionType:  edmInt32,
		Description:   t.Description,
		CreatedAt:     now,
		CreatedAtType: edmDateTime,
		UpdatedAt:     now,
		UpdatedAtType: edmDateTime,
	})
	if err != nil {
		return domain.Task{}, err
	}
	if _, err := s.taskTable.AddEntity(ctx, payload, nil); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// DeleteTask removes a task row. Missing tasks yield domain.ErrTaskNotFound.
func (s *Storage) DeleteTask(ctx context.Context, owner, id string) error {
	et := azcore.ETagAny
	_, err := s.taskTable.DeleteEntity(ctx, owner, id, &aztables.DeleteEntityOptions{IfMatch: &et})
	return mapNotFound(err)
}

// PublishEvents sends the given events to the events queue.
func (s *Storage) PublishEvents(ctx context.Context, events []domain.Event) error {
	if s.eventsQueue == nil {
		return errEventsDisabled
	}
	for _, ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if _, err := s.eventsQueue.EnqueueMessage(ctx, string(data), nil); err != nil {
			return err
		}
	}
	return nil
}

func mapNotFound(err error) error {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound {
		return domain.ErrTaskNotFound
	}
	return err
}

func escapeFilterValue(v string) string {
	out := make([]byte, 0, len(v))
	for i := 0; i < len(v); i++ {
		if v[i] == '\'' {
			out = append(out, '\'')
		}
		out = append(out, v[i])
	}
	return string(out)
}
