package api

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"kanban-sync/domain"
	"kanban-sync/storage"
)

// Register wires up all routes on the provided Echo instance.
func Register(e *echo.Echo, deps Deps, logger *log.Logger) {
	if deps.Store == nil || deps.Auth == nil || deps.Publisher == nil || deps.Streams == nil {
		panic("api.Register: store, auth, publisher and streams are required")
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	e.GET("/stream", streamEvents(deps, logger))
	e.GET("/api/tasks", listTasks(deps.Store, logger))
	e.GET("/api/tasks/:id", getTask(deps.Store))
	e.POST("/api/tasks", createTask(deps, logger))
	e.PUT("/api/tasks/:id", updateTask(deps, logger))
	e.DELETE("/api/tasks/:id", deleteTask(deps, logger))
	e.GET("/api/users/online", onlineUsers(deps.Presence))
	e.GET("/healthz", healthz())
}

func healthz() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}
}

func listTasks(store Storage, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		metrics, ctx := newTaskRequestMetrics(c.Request().Context(), logger)
		c.SetRequest(c.Request().WithContext(ctx))
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		filter, parseErr := filterFromQuery(c)
		if parseErr != nil {
			metrics.SetErrorStage("invalid_filter")
			return c.String(http.StatusBadRequest, parseErr.Error())
		}
		metrics.SetFiltered(filter != domain.TaskFilter{})

		fetchStart := time.Now()
		tasks, fetchErr := store.ListTasks(ctx, filter)
		metrics.ObserveFetch(time.Since(fetchStart))
		if fetchErr != nil {
			metrics.SetErrorStage("storage")
			c.Logger().Error(fetchErr)
			return c.String(http.StatusInternalServerError, "failed to list tasks")
		}
		metrics.SetTasksReturned(len(tasks))

		encodeStart := time.Now()
		err = c.JSON(http.StatusOK, tasks)
		metrics.ObserveEncode(time.Since(encodeStart))
		if err != nil {
			metrics.SetErrorStage("encode_response")
		}
		return err
	}
}

func filterFromQuery(c echo.Context) (domain.TaskFilter, error) {
	from, to, err := domain.ParseDayRange(c.QueryParam("from"), c.QueryParam("to"))
	if err != nil {
		return domain.TaskFilter{}, errors.New("invalid date range")
	}
	return domain.TaskFilter{
		Search:     c.QueryParam("search"),
		AssigneeID: c.QueryParam("assigneeId"),
		From:       from,
		To:         to,
	}, nil
}

func getTask(store Storage) echo.HandlerFunc {
	return func(c echo.Context) error {
		task, err := store.GetTask(c.Request().Context(), c.Param("id"))
		if err != nil {
			return storageError(c, err)
		}
		return c.JSON(http.StatusOK, task)
	}
}

func createTask(deps Deps, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		actor := actorFromRequest(c, deps.Auth)

		in, err := decodeTaskInput(c)
		if err != nil {
			return c.String(http.StatusBadRequest, err.Error())
		}

		idemKey := c.Request().Header.Get(HeaderIdempotencyKey)
		scope := "anonymous"
		if actor != nil {
			scope = actor.ID
		}
		if deps.Deduper != nil && idemKey != "" {
			added, derr := deps.Deduper.Add(ctx, scope, idemKey)
			if derr != nil {
				logger.WithError(derr).Warn("idempotency check failed; continuing")
				idemKey = ""
			} else if !added {
				return c.String(http.StatusConflict, "duplicate request")
			}
		}

		task, err := deps.Store.CreateTask(ctx, in)
		if err != nil {
			if deps.Deduper != nil && idemKey != "" {
				if rerr := deps.Deduper.Remove(ctx, scope, idemKey); rerr != nil {
					logger.WithError(rerr).WithField("key", idemKey).Error("idempotency rollback failed")
				}
			}
			return storageError(c, err)
		}

		deps.Publisher.PublishTaskChange(ctx, domain.ActionCreated, task, actor)
		return c.JSON(http.StatusCreated, task)
	}
}

func updateTask(deps Deps, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		actor := actorFromRequest(c, deps.Auth)

		in, err := decodeTaskInput(c)
		if err != nil {
			return c.String(http.StatusBadRequest, err.Error())
		}
		task, err := deps.Store.UpdateTask(ctx, c.Param("id"), in)
		if err != nil {
			logger.WithError(err).WithField("task", c.Param("id")).Debug("update rejected")
			return storageError(c, err)
		}

		deps.Publisher.PublishTaskChange(ctx, domain.ActionUpdated, task, actor)
		return c.JSON(http.StatusOK, task)
	}
}

func deleteTask(deps Deps, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		actor := actorFromRequest(c, deps.Auth)

		task, err := deps.Store.DeleteTask(ctx, c.Param("id"))
		if err != nil {
			logger.WithError(err).WithField("task", c.Param("id")).Debug("delete rejected")
			return storageError(c, err)
		}

		deps.Publisher.PublishTaskChange(ctx, domain.ActionDeleted, task, actor)
		return c.JSON(http.StatusOK, task)
	}
}

func onlineUsers(p Presence) echo.HandlerFunc {
	return func(c echo.Context) error {
		users := []string{}
		if p != nil {
			users = p.Online()
		}
		return c.JSON(http.StatusOK, onlineUsersResponse{Users: users})
	}
}

// actorFromRequest returns the identity behind the request, or nil when the
// request carries no valid token. Mutations are open to anonymous callers.
func actorFromRequest(c echo.Context, auth Authenticator) *domain.Identity {
	id, err := auth.IdentityFromAuthHeader(c.Request().Header)
	if err != nil {
		return nil
	}
	return &id
}

func decodeTaskInput(c echo.Context) (domain.TaskInput, error) {
	var in domain.TaskInput
	dec := sonic.ConfigStd.NewDecoder(io.LimitReader(c.Request().Body, taskBodyMaxSize))
	if err := dec.Decode(&in); err != nil {
		return domain.TaskInput{}, errors.New("invalid body")
	}
	in.Normalize()
	if err := in.Validate(); err != nil {
		return domain.TaskInput{}, err
	}
	return in, nil
}

func storageError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return c.String(http.StatusNotFound, "task not found")
	case errors.Is(err, storage.ErrConflict):
		return c.String(http.StatusConflict, "task was modified concurrently")
	}
	c.Logger().Error(err)
	return c.String(http.StatusInternalServerError, "storage failure")
}
