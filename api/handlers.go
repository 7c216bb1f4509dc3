package api

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"fieldboard/domain"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	patchTaskMaxSize     = 4 << 10
	createTaskMaxSize    = 16 << 10
	maxDescriptionLen    = 2000
)

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, store Storage, auth Authenticator, deduper Deduper, events *EventSender, logger *log.Logger) {
	e.Use(GzipRequestMiddleware())
	e.GET("/api/tasks", getTasks(store, auth, logger))
	e.POST("/api/tasks", createTask(store, auth, events, logger))
	e.PATCH("/api/tasks/:id", patchTask(store, auth, deduper, events, logger))
	e.DELETE("/api/tasks/:id", deleteTask(store, auth, events, logger))
	e.GET("/healthz", healthz())
}

type tasksResponse struct {
	Tasks []domain.Task `json:"tasks"`
}

type createTaskRequest struct {
	Description string `json:"description"`
	Column      string `json:"column,omitempty"`
}

type placementRequest struct {
	Column   string `json:"column"`
	Position *int   `json:"position"`
}

func healthz() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}
}

func getTasks(store Storage, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		metrics, ctx := newRequestMetrics(c.Request().Context(), logger, "/api/tasks")
		c.SetRequest(c.Request().WithContext(ctx))
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		authStart := time.Now()
		userID, authErr := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		metrics.ObserveAuth(time.Since(authStart))
		if authErr != nil {
			metrics.SetErrorStage("auth")
			return c.String(http.StatusUnauthorized, authErr.Error())
		}

		storeStart := time.Now()
		tasks, fetchErr := store.ListTasks(ctx, userID)
		metrics.ObserveStore(time.Since(storeStart))
		if fetchErr != nil {
			metrics.SetErrorStage("storage")
			c.Logger().Error(fetchErr)
			return c.String(http.StatusInternalServerError, fetchErr.Error())
		}
		metrics.SetTasks(len(tasks))

		encodeStart := time.Now()
		err = c.JSON(http.StatusOK, tasksResponse{Tasks: tasks})
		metrics.ObserveEncode(time.Since(encodeStart))
		if err != nil {
			metrics.SetErrorStage("encode_response")
		}
		return err
	}
}

func patchTask(store Storage, auth Authenticator, deduper Deduper, events *EventSender, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		metrics, ctx := newRequestMetrics(c.Request().Context(), logger, "/api/tasks/:id")
		c.SetRequest(c.Request().WithContext(ctx))
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		authStart := time.Now()
		userID, authErr := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		metrics.ObserveAuth(time.Since(authStart))
		if authErr != nil {
			metrics.SetErrorStage("auth")
			return c.String(http.StatusUnauthorized, authErr.Error())
		}

		taskID := c.Param("id")
		if taskID == "" {
			metrics.SetErrorStage("invalid_task_id")
			return c.String(http.StatusBadRequest, "missing task id")
		}

		var req placementRequest
		dec := sonic.ConfigStd.NewDecoder(io.LimitReader(c.Request().Body, patchTaskMaxSize))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			metrics.SetErrorStage("invalid_body")
			return c.String(http.StatusBadRequest, "invalid body")
		}
		col, ok := domain.ParseColumn(req.Column)
		if !ok {
			metrics.SetErrorStage("invalid_column")
			return c.String(http.StatusBadRequest, "invalid column")
		}
		if req.Position == nil || *req.Position < 0 {
			metrics.SetErrorStage("invalid_position")
			return c.String(http.StatusBadRequest, "invalid position")
		}
		placement := domain.Placement{Column: col, Position: *req.Position}

		key := c.Request().Header.Get(headerIdempotencyKey)
		if key != "" && deduper != nil {
			added, dedupeErr := deduper.Add(ctx, userID, key)
			if dedupeErr != nil {
				metrics.SetErrorStage("dedupe")
				c.Logger().Errorf("dedupe add failed: %v", dedupeErr)
				return c.String(http.StatusInternalServerError, "failed to record idempotency key")
			}
			if !added {
				metrics.SetDuplicate(true)
				return c.NoContent(http.StatusNoContent)
			}
		}

		storeStart := time.Now()
		updateErr := store.UpdatePlacement(ctx, userID, taskID, placement)
		metrics.ObserveStore(time.Since(storeStart))
		if updateErr != nil {
			if key != "" && deduper != nil {
				if rerr := deduper.Remove(ctx, userID, key); rerr != nil {
					logger.Errorf("dedupe rollback failed, err: %v, key: %s, user: %s", rerr, key, userID)
				}
			}
			if errors.Is(updateErr, domain.ErrTaskNotFound) {
				metrics.SetErrorStage("not_found")
				return c.String(http.StatusNotFound, "task not found")
			}
			metrics.SetErrorStage("storage")
			c.Logger().Error(updateErr)
			return c.String(http.StatusInternalServerError, "failed to update task")
		}

		if events != nil {
			events.Send(userID, taskEvent(userID, taskID, domain.TaskMoved,
				domain.TaskMovedEventData{Column: placement.Column, Position: placement.Position}))
		}
		return c.NoContent(http.StatusNoContent)
	}
}

// createTask appends a new task to the end of its column, TODO by default.
func createTask(store Storage, auth Authenticator, events *EventSender, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		metrics, ctx := newRequestMetrics(c.Request().Context(), logger, "/api/tasks")
		c.SetRequest(c.Request().WithContext(ctx))
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		authStart := time.Now()
		userID, authErr := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		metrics.ObserveAuth(time.Since(authStart))
		if authErr != nil {
			metrics.SetErrorStage("auth")
			return c.String(http.StatusUnauthorized, authErr.Error())
		}

		var req createTaskRequest
		dec := sonic.ConfigStd.NewDecoder(io.LimitReader(c.Request().Body, createTaskMaxSize))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			metrics.SetErrorStage("invalid_body")
			return c.String(http.StatusBadRequest, "invalid body")
		}
		desc := strings.TrimSpace(req.Description)
		if desc == "" || len(desc) > maxDescriptionLen {
			metrics.SetErrorStage("invalid_description")
			return c.String(http.StatusBadRequest, "invalid description")
		}
		col := domain.Columns[0]
		if req.Column != "" {
			var ok bool
			if col, ok = domain.ParseColumn(req.Column); !ok {
				metrics.SetErrorStage("invalid_column")
				return c.String(http.StatusBadRequest, "invalid column")
			}
		}

		storeStart := time.Now()
		tasks, listErr := store.ListTasks(ctx, userID)
		if listErr != nil {
			metrics.ObserveStore(time.Since(storeStart))
			metrics.SetErrorStage("storage")
			c.Logger().Error(listErr)
			return c.String(http.StatusInternalServerError, "failed to create task")
		}
		created, createErr := store.CreateTask(ctx, domain.Task{
			ID:          uuid.NewString(),
			Owner:       userID,
			Column:      col,
			Position:    domain.NextPosition(tasks, col),
			Description: desc,
		})
		metrics.ObserveStore(time.Since(storeStart))
		if createErr != nil {
			metrics.SetErrorStage("storage")
			c.Logger().Error(createErr)
			return c.String(http.StatusInternalServerError, "failed to create task")
		}
		metrics.SetTasks(1)

		if events != nil {
			events.Send(userID, taskEvent(userID, created.ID, domain.TaskCreated, created))
		}
		return c.JSON(http.StatusCreated, created)
	}
}

// deleteTask removes a task and moves the tasks below it up one slot.
func deleteTask(store Storage, auth Authenticator, events *EventSender, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		metrics, ctx := newRequestMetrics(c.Request().Context(), logger, "/api/tasks/:id")
		c.SetRequest(c.Request().WithContext(ctx))
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		authStart := time.Now()
		userID, authErr := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		metrics.ObserveAuth(time.Since(authStart))
		if authErr != nil {
			metrics.SetErrorStage("auth")
			return c.String(http.StatusUnauthorized, authErr.Error())
		}

		taskID := c.Param("id")
		if taskID == "" {
			metrics.SetErrorStage("invalid_task_id")
			return c.String(http.StatusBadRequest, "missing task id")
		}

		storeStart := time.Now()
		defer func() { metrics.ObserveStore(time.Since(storeStart)) }()

		existing, getErr := store.GetTask(ctx, userID, taskID)
		if getErr != nil {
			return storeFailure(c, metrics, getErr, "failed to delete task")
		}
		tasks, listErr := store.ListTasks(ctx, userID)
		if listErr != nil {
			return storeFailure(c, metrics, listErr, "failed to delete task")
		}
		if err := store.DeleteTask(ctx, userID, taskID); err != nil {
			return storeFailure(c, metrics, err, "failed to delete task")
		}

		shifted := domain.CloseGap(tasks, taskID)
		for _, t := range shifted {
			if uerr := store.UpdatePlacement(ctx, userID, t.ID, t.Placement()); uerr != nil {
				logger.WithFields(log.Fields{
					"user": userID,
					"task": t.ID,
				}).Warnf("close gap after delete failed: %v", uerr)
			}
		}
		metrics.SetTasks(len(shifted))

		if events != nil {
			events.Send(userID, taskEvent(userID, taskID, domain.TaskDeleted,
				domain.TaskMovedEventData{Column: existing.Column, Position: existing.Position}))
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func storeFailure(c echo.Context, metrics *requestMetrics, err error, msg string) error {
	if errors.Is(err, domain.ErrTaskNotFound) {
		metrics.SetErrorStage("not_found")
		return c.String(http.StatusNotFound, "task not found")
	}
	metrics.SetErrorStage("storage")
	c.Logger().Error(err)
	return c.String(http.StatusInternalServerError, msg)
}

func taskEvent(userID, taskID, typ string, payload any) domain.Event {
	data, _ := sonic.Marshal(payload)
	return domain.Event{
		ID:         uuid.NewString(),
		EntityID:   taskID,
		EntityType: domain.EntityTypeTask,
		Type:       typ,
		Data:       data,
		Timestamp:  nextTimestamp(),
		UserID:     userID,
	}
}
