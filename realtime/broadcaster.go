package realtime

import (
	"context"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"kanban-sync/domain"
)

// Forwarder receives a copy of every task change after it has been fanned out,
// for consumers outside the realtime channel.
type Forwarder interface {
	Forward(ctx context.Context, ev domain.TaskChangeEvent) error
}

// Broadcaster turns task mutations and presence changes into frames on the
// hub.
type Broadcaster struct {
	hub     *Hub
	forward Forwarder
	logger  *log.Logger
}

// NewBroadcaster creates a Broadcaster over hub. forward may be nil.
func NewBroadcaster(hub *Hub, forward Forwarder, logger *log.Logger) *Broadcaster {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Broadcaster{hub: hub, forward: forward, logger: logger}
}

// PublishTaskChange sends one change event to every open connection,
// including the one that caused it. Delivery is not tracked.
func (b *Broadcaster) PublishTaskChange(ctx context.Context, action domain.Action, task domain.Task, actor *domain.Identity) {
	name := action.EventName()
	if name == "" {
		b.logger.WithField("action", action).Warn("unknown task action; not broadcast")
		return
	}
	ev := domain.TaskChangeEvent{Task: task, User: actor, Action: action}
	data, err := sonic.Marshal(ev)
	if err != nil {
		b.logger.WithError(err).WithField("task", task.ID).Error("marshal task change")
		return
	}
	sent := b.hub.Broadcast(Frame{Event: name, Data: data})
	b.logger.WithFields(log.Fields{
		"event":      name,
		"task":       task.ID,
		"recipients": sent,
	}).Debug("task change broadcast")

	if b.forward == nil {
		return
	}
	if err := b.forward.Forward(ctx, ev); err != nil {
		b.logger.WithError(err).WithField("task", task.ID).Error("forward task change")
	}
}

// PublishOnlineUsers sends the online set to every open connection.
func (b *Broadcaster) PublishOnlineUsers(userIDs []string) {
	frame, err := OnlineUsersFrame(userIDs)
	if err != nil {
		b.logger.WithError(err).Error("marshal online users")
		return
	}
	b.hub.Broadcast(frame)
}

// OnlineUsersFrame encodes the online set as an online-users frame.
func OnlineUsersFrame(userIDs []string) (Frame, error) {
	if userIDs == nil {
		userIDs = []string{}
	}
	data, err := sonic.Marshal(userIDs)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Event: domain.EventOnlineUsers, Data: data}, nil
}
