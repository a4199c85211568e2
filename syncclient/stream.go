package syncclient

import (
	"bufio"
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

const maxFrameSize = 1 << 20

// Event is one frame read from the realtime channel.
type Event struct {
	Name string
	Data []byte
}

// Stream reads the server's realtime channel and reconnects with backoff when
// it drops.
type Stream struct {
	URL        string
	Token      string
	HTTP       *http.Client
	MinBackoff time.Duration
	MaxBackoff time.Duration
	Logger     *log.Logger
}

// NewStream creates a Stream for the server at baseURL. token may be empty.
func NewStream(baseURL, token string) *Stream {
	return &Stream{
		URL:        strings.TrimRight(baseURL, "/") + "/stream",
		Token:      token,
		HTTP:       &http.Client{},
		MinBackoff: time.Second,
		MaxBackoff: 5 * time.Second,
	}
}

// Run keeps a connection open until ctx is done. connected is called each
// time a connection is established, before any of its events are handled.
func (s *Stream) Run(ctx context.Context, connected func(context.Context), handle func(context.Context, Event)) error {
	logger := s.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	minBackoff, maxBackoff := s.MinBackoff, s.MaxBackoff
	if minBackoff <= 0 {
		minBackoff = time.Second
	}
	if maxBackoff < minBackoff {
		maxBackoff = minBackoff
	}
	backoff := minBackoff
	for {
		err := s.once(ctx, func() {
			backoff = minBackoff
			if connected != nil {
				connected(ctx)
			}
		}, handle)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.WithError(err).WithField("retry_in", backoff).Warn("stream disconnected")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

func (s *Stream) once(ctx context.Context, connected func(), handle func(context.Context, Event)) error {
	target := s.URL
	if s.Token != "" {
		target += "?token=" + url.QueryEscape(s.Token)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := s.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &APIError{StatusCode: resp.StatusCode}
	}
	connected()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameSize)
	var ev Event
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if ev.Name != "" {
				handle(ctx, ev)
			}
			ev = Event{}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			ev.Name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if len(ev.Data) > 0 {
				ev.Data = append(ev.Data, '\n')
			}
			ev.Data = append(ev.Data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " ")...)
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return errors.New("stream closed by server")
}

// Run connects the agent to stream. The board is refetched on every
// (re)connect so events missed while disconnected are caught up.
func (a *Agent) Run(ctx context.Context, stream *Stream) error {
	return stream.Run(ctx,
		func(ctx context.Context) {
			if err := a.Refetch(ctx); err != nil {
				a.logger.WithError(err).Warn("refetch after connect failed")
			}
		},
		func(ctx context.Context, ev Event) {
			if err := a.HandleEvent(ctx, ev.Name, ev.Data); err != nil {
				a.logger.WithError(err).WithField("event", ev.Name).Warn("handle event failed")
			}
		})
}
