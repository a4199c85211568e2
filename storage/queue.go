package storage

import (
	"context"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"

	"kanban-sync/domain"
)

// EventQueue forwards task change events to an Azure Storage queue for
// consumers outside the realtime channel.
type EventQueue struct {
	queue *azqueue.QueueClient
	ttl   *int32
}

// NewEventQueue creates an EventQueue from the given connection string.
func NewEventQueue(connStr, queueName string) (*EventQueue, error) {
	opts := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute,
				RetryDelay:    time.Second,
				MaxRetryDelay: time.Minute,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	q, err := azqueue.NewQueueClientFromConnectionString(connStr, queueName, &opts)
	if err != nil {
		return nil, err
	}
	ttl := int32((24 * time.Hour).Seconds())
	return &EventQueue{queue: q, ttl: &ttl}, nil
}

type queuedEvent struct {
	Type   string           `json:"type"`
	Action domain.Action    `json:"action"`
	Task   domain.Task      `json:"task"`
	User   *domain.Identity `json:"user"`
	Time   int64            `json:"time"`
}

func encodeEvent(ev domain.TaskChangeEvent, at time.Time) (string, error) {
	data, err := sonic.Marshal(queuedEvent{
		Type:   ev.Action.EventName(),
		Action: ev.Action,
		Task:   ev.Task,
		User:   ev.User,
		Time:   at.UnixNano(),
	})
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Forward enqueues one message for ev.
func (q *EventQueue) Forward(ctx context.Context, ev domain.TaskChangeEvent) error {
	msg, err := encodeEvent(ev, time.Now())
	if err != nil {
		return err
	}
	_, err = q.queue.EnqueueMessage(ctx, msg, &azqueue.EnqueueMessageOptions{TimeToLive: q.ttl})
	return err
}
