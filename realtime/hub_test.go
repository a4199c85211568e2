package realtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"kanban-sync/domain"
	"kanban-sync/presence"
)

func recv(t *testing.T, c *Conn) Frame {
	t.Helper()
	select {
	case f, ok := <-c.Frames():
		if !ok {
			t.Fatal("connection closed")
		}
		return f
	case <-time.After(time.Second):
		t.Fatal("no frame received")
	}
	return Frame{}
}

func expectEmpty(t *testing.T, c *Conn) {
	t.Helper()
	select {
	case f, ok := <-c.Frames():
		if ok {
			t.Fatalf("unexpected frame %s %s", f.Event, f.Data)
		}
	default:
	}
}

func TestAddRemoveConnBroadcast(t *testing.T) {
	hub := NewHub(1, nil)
	c := hub.Open("user1")
	if hub.Len() != 1 {
		t.Fatalf("expected 1 connection, got %d", hub.Len())
	}
	hub.Broadcast(Frame{Event: "e", Data: []byte("hello")})
	if f := recv(t, c); string(f.Data) != "hello" {
		t.Fatalf("expected hello got %s", f.Data)
	}

	hub.Close(c)
	hub.Close(c)
	if n := hub.Broadcast(Frame{Event: "e", Data: []byte("world")}); n != 0 {
		t.Fatalf("expected no recipients after close, got %d", n)
	}
	if _, ok := <-c.Frames(); ok {
		t.Fatal("expected closed channel after removal")
	}
	if hub.Send(c, Frame{Event: "e"}) {
		t.Fatal("send to closed connection must fail")
	}
}

func TestBroadcastDropsWhenBufferFull(t *testing.T) {
	logger, _ := test.NewNullLogger()
	logger.SetLevel(log.DebugLevel)
	hub := NewHub(1, logger)
	slow := hub.Open("")
	fast := hub.Open("")

	if n := hub.Broadcast(Frame{Event: "a"}); n != 2 {
		t.Fatalf("expected 2 recipients, got %d", n)
	}
	recv(t, fast)
	if n := hub.Broadcast(Frame{Event: "b"}); n != 1 {
		t.Fatalf("expected 1 recipient, got %d", n)
	}
	if slow.Dropped() != 1 {
		t.Fatalf("expected 1 dropped frame, got %d", slow.Dropped())
	}
	if f := recv(t, slow); f.Event != "a" {
		t.Fatalf("expected first frame to survive, got %s", f.Event)
	}
	if f := recv(t, fast); f.Event != "b" {
		t.Fatalf("expected b, got %s", f.Event)
	}
}

type failingForwarder struct {
	calls int
}

func (f *failingForwarder) Forward(context.Context, domain.TaskChangeEvent) error {
	f.calls++
	return errors.New("queue down")
}

func TestPublishTaskChangeReachesEveryConnection(t *testing.T) {
	logger, hook := test.NewNullLogger()
	hub := NewHub(4, logger)
	fwd := &failingForwarder{}
	b := NewBroadcaster(hub, fwd, logger)

	authed := hub.Open("u1")
	anon := hub.Open("")
	actor := &domain.Identity{ID: "u1", Name: "Ann"}
	task := domain.Task{ID: "abc123", Title: "Ship release", Status: domain.StatusTodo}

	b.PublishTaskChange(context.Background(), domain.ActionCreated, task, actor)

	for _, c := range []*Conn{authed, anon} {
		f := recv(t, c)
		if f.Event != domain.EventTaskCreated {
			t.Fatalf("unexpected event %s", f.Event)
		}
		var ev domain.TaskChangeEvent
		if err := sonic.Unmarshal(f.Data, &ev); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if ev.Action != domain.ActionCreated || ev.Task.ID != "abc123" || ev.User == nil || ev.User.Name != "Ann" {
			t.Fatalf("unexpected payload %+v", ev)
		}
	}
	if fwd.calls != 1 {
		t.Fatalf("expected forwarder call, got %d", fwd.calls)
	}
	if entry := hook.LastEntry(); entry == nil || entry.Level != log.ErrorLevel {
		t.Fatalf("expected forward error to be logged, got %+v", entry)
	}
}

func TestPublishTaskChangeAnonymousActor(t *testing.T) {
	hub := NewHub(1, nil)
	b := NewBroadcaster(hub, nil, nil)
	c := hub.Open("")

	b.PublishTaskChange(context.Background(), domain.ActionDeleted, domain.Task{ID: "t"}, nil)
	f := recv(t, c)
	var raw map[string]any
	if err := sonic.Unmarshal(f.Data, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if v, ok := raw["user"]; !ok || v != nil {
		t.Fatalf("expected null user, got %#v", raw["user"])
	}
	if raw["action"] != "deleted" {
		t.Fatalf("unexpected action %v", raw["action"])
	}
}

func TestPublishUnknownActionIsDropped(t *testing.T) {
	hub := NewHub(1, nil)
	b := NewBroadcaster(hub, nil, nil)
	c := hub.Open("")
	b.PublishTaskChange(context.Background(), domain.Action("moved"), domain.Task{ID: "t"}, nil)
	expectEmpty(t, c)
}

func TestPresenceBroadcastsThroughHub(t *testing.T) {
	hub := NewHub(8, nil)
	tracker := presence.New(NewBroadcaster(hub, nil, nil))

	watcher := hub.Open("")
	first := hub.Open("u1")
	tracker.OnConnect("u1")
	second := hub.Open("u1")
	tracker.OnConnect("u1")

	f := recv(t, watcher)
	if f.Event != domain.EventOnlineUsers || string(f.Data) != `["u1"]` {
		t.Fatalf("unexpected frame %s %s", f.Event, f.Data)
	}
	expectEmpty(t, watcher)

	hub.Close(first)
	tracker.OnDisconnect("u1")
	expectEmpty(t, watcher)

	hub.Close(second)
	tracker.OnDisconnect("u1")
	f = recv(t, watcher)
	if string(f.Data) != `[]` {
		t.Fatalf("expected empty online set, got %s", f.Data)
	}
}
