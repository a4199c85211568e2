package storage

import (
	"context"
	"errors"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	log "github.com/sirupsen/logrus"
)

const queueAlreadyExists = "QueueAlreadyExists"

// Provision creates the tasks table and, when eventsQueue is set, the change
// event queue. Existing resources are left as they are.
func Provision(ctx context.Context, connStr, tasksTable, eventsQueue string) error {
	if tasksTable != "" {
		svc, err := aztables.NewServiceClientFromConnectionString(connStr, nil)
		if err != nil {
			return err
		}
		_, err = svc.NewClient(tasksTable).CreateTable(ctx, nil)
		if err := ignoreExists(err, string(aztables.TableAlreadyExists)); err != nil {
			return err
		}
		log.WithField("table", tasksTable).Info("tasks table ready")
	}
	if eventsQueue != "" {
		q, err := azqueue.NewQueueClientFromConnectionString(connStr, eventsQueue, nil)
		if err != nil {
			return err
		}
		_, err = q.Create(ctx, nil)
		if err := ignoreExists(err, queueAlreadyExists); err != nil {
			return err
		}
		log.WithField("queue", eventsQueue).Info("events queue ready")
	}
	return nil
}

func ignoreExists(err error, code string) error {
	if err == nil {
		return nil
	}
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) && respErr.ErrorCode == code {
		return nil
	}
	return err
}
