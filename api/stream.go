package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"kanban-sync/realtime"
)

// StreamOptions tunes the realtime channel.
type StreamOptions struct {
	// Heartbeat is the interval between keep-alive comments; zero disables them.
	Heartbeat time.Duration
}

// streamEvents serves the server-push channel. The token is optional: an
// unauthenticated client still receives every broadcast but is not counted as
// online.
func streamEvents(deps Deps, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		token := c.QueryParam(tokenQueryParam)
		if token == "" {
			token = c.Request().Header.Get(echo.HeaderAuthorization)
		}
		var userID string
		if id, ok := deps.Auth.Resolve(token); ok {
			userID = id.ID
		}

		c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
		c.Response().Header().Set(echo.HeaderCacheControl, "no-cache")
		c.Response().Header().Set(echo.HeaderConnection, "keep-alive")
		c.Response().Header().Set("X-Accel-Buffering", "no")
		flusher, ok := c.Response().Writer.(http.Flusher)
		if !ok {
			return c.String(http.StatusInternalServerError, "stream unsupported")
		}
		c.Response().WriteHeader(http.StatusOK)
		flusher.Flush()

		conn := deps.Streams.Open(userID)
		entry := logger.WithFields(log.Fields{"conn": conn.ID, "user": userID})
		entry.Info("stream client connected")
		defer func() {
			deps.Streams.Close(conn)
			if deps.Presence != nil {
				deps.Presence.OnDisconnect(userID)
			}
			entry.WithField("dropped", conn.Dropped()).Info("stream client disconnected")
		}()

		if deps.Presence != nil {
			deps.Presence.Join(userID, func(online []string) {
				frame, err := realtime.OnlineUsersFrame(online)
				if err != nil {
					entry.WithError(err).Error("marshal online users")
					return
				}
				deps.Streams.Send(conn, frame)
			})
		}

		var heartbeat <-chan time.Time
		if deps.Stream.Heartbeat > 0 {
			ticker := time.NewTicker(deps.Stream.Heartbeat)
			defer ticker.Stop()
			heartbeat = ticker.C
		}

		ctx := c.Request().Context()
		for {
			select {
			case <-ctx.Done():
				return nil
			case frame, ok := <-conn.Frames():
				if !ok {
					return nil
				}
				if err := writeFrame(c.Response(), frame); err != nil {
					entry.WithError(err).Debug("stream write failed")
					return nil
				}
				flusher.Flush()
			case <-heartbeat:
				if _, err := c.Response().Write([]byte(sseHeartbeat)); err != nil {
					entry.WithError(err).Debug("stream heartbeat failed")
					return nil
				}
				flusher.Flush()
			}
		}
	}
}

func writeFrame(w http.ResponseWriter, f realtime.Frame) error {
	buf := make([]byte, 0, len(sseEventPrefix)+len(f.Event)+len(sseDataPrefix)+len(f.Data)+3)
	buf = append(buf, sseEventPrefix...)
	buf = append(buf, f.Event...)
	buf = append(buf, '\n')
	buf = append(buf, sseDataPrefix...)
	buf = append(buf, f.Data...)
	buf = append(buf, '\n', '\n')
	_, err := w.Write(buf)
	return err
}
