package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"kanban-sync/domain"
	"kanban-sync/syncclient"
)

func main() {
	flags := pflag.NewFlagSet("board-watch", pflag.ExitOnError)
	server := flags.String("server", "http://localhost:4000", "board server base URL")
	token := flags.String("token", os.Getenv("BOARD_TOKEN"), "bearer token; empty watches anonymously")
	search := flags.String("search", "", "only list tasks whose title or description contains this")
	assignee := flags.String("assignee", "", "only list tasks assigned to this user")
	from := flags.String("from", "", "only list tasks created on or after this day (yyyy-mm-dd)")
	to := flags.String("to", "", "only list tasks created on or before this day (yyyy-mm-dd)")
	debug := flags.Bool("debug", false, "debug logging")
	_ = flags.Parse(os.Args[1:])

	if *debug {
		log.SetLevel(log.DebugLevel)
	}
	start, end, err := domain.ParseDayRange(*from, *to)
	if err != nil {
		log.Fatalf("invalid date range: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	agent := syncclient.NewAgent(syncclient.NewClient(*server, *token), log.StandardLogger())
	agent.SetFilter(domain.TaskFilter{Search: *search, AssigneeID: *assignee, From: start, To: end})

	stream := syncclient.NewStream(*server, *token)
	stream.Logger = log.StandardLogger()
	go func() {
		if err := agent.Run(ctx, stream); err != nil && ctx.Err() == nil {
			log.WithError(err).Error("stream stopped")
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-agent.Changes():
			report(agent)
		case n := <-agent.Notices():
			log.WithError(n.Err).WithField("task", n.TaskID).Warn(n.Message)
		}
	}
}

func report(agent *syncclient.Agent) {
	tasks := agent.Tasks()
	columns := map[domain.Status]int{}
	for _, t := range tasks {
		columns[t.Status]++
	}
	log.WithFields(log.Fields{
		"tasks":       len(tasks),
		"todo":        columns[domain.StatusTodo],
		"in_progress": columns[domain.StatusInProgress],
		"done":        columns[domain.StatusDone],
		"online":      strings.Join(agent.Online(), ","),
	}).Info("board")
	for _, t := range tasks {
		entry := log.WithFields(log.Fields{"id": t.ID, "status": t.Status})
		if t.AssigneeID != nil {
			entry = entry.WithField("assignee", *t.AssigneeID)
		}
		entry.Debug(t.Title)
	}
}
