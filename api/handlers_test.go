package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus/hooks/test"

	"fieldboard/domain"
)

type placementCall struct {
	owner, id string
	p         domain.Placement
}

type mockStore struct {
	tasks     []domain.Task
	listErr   error
	updateErr error
	createErr error
	deleteErr error

	mu      sync.Mutex
	calls   []placementCall
	created []domain.Task
	deleted []string
	events  []domain.Event
}

func (m *mockStore) GetTask(ctx context.Context, owner, id string) (domain.Task, error) {
	for _, t := range m.tasks {
		if t.ID == id && t.Owner == owner {
			return t, nil
		}
	}
	return domain.Task{}, domain.ErrTaskNotFound
}

func (m *mockStore) CreateTask(ctx context.Context, t domain.Task) (domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return domain.Task{}, m.createErr
	}
	t.CreatedAt = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m.created = append(m.created, t)
	return t, nil
}

func (m *mockStore) DeleteTask(ctx context.Context, owner, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleteErr != nil {
		return m.deleteErr
	}
	m.deleted = append(m.deleted, id)
	return nil
}

func (m *mockStore) ListTasks(ctx context.Context, owner string) ([]domain.Task, error) {
	return m.tasks, m.listErr
}

func (m *mockStore) UpdatePlacement(ctx context.Context, owner, id string, p domain.Placement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, placementCall{owner: owner, id: id, p: p})
	return m.updateErr
}

func (m *mockStore) PublishEvents(ctx context.Context, events []domain.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, events...)
	return nil
}

func (m *mockStore) Calls() []placementCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]placementCall(nil), m.calls...)
}

func (m *mockStore) Events() []domain.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Event(nil), m.events...)
}

type mockAuth struct{ err error }

func (a mockAuth) UserIDFromAuthHeader(string) (string, error) {
	if a.err != nil {
		return "", a.err
	}
	return "user", nil
}

type memDeduper struct {
	mu      sync.Mutex
	keys    map[string]bool
	removed []string
}

func newMemDeduper() *memDeduper { return &memDeduper{keys: map[string]bool{}} }

func (d *memDeduper) Add(ctx context.Context, userID, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	k := userID + ":" + key
	if d.keys[k] {
		return false, nil
	}
	d.keys[k] = true
	return true, nil
}

func (d *memDeduper) Remove(ctx context.Context, userID, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	k := userID + ":" + key
	delete(d.keys, k)
	d.removed = append(d.removed, k)
	return nil
}

type patchEnv struct {
	store   *mockStore
	deduper *memDeduper
	events  *EventSender
	handler echo.HandlerFunc
}

func newPatchEnv(t *testing.T, store *mockStore, auth Authenticator) *patchEnv {
	t.Helper()
	logger, _ := test.NewNullLogger()
	events := NewEventSender(store, logger, EventSenderConfig{Workers: 1, Buffer: 4})
	t.Cleanup(events.Close)
	d := newMemDeduper()
	return &patchEnv{
		store:   store,
		deduper: d,
		events:  events,
		handler: patchTask(store, auth, d, events, logger),
	}
}

func (env *patchEnv) do(id, body, key string) *httptest.ResponseRecorder {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPatch, "/api/tasks/"+id, strings.NewReader(body))
	req.Header.Set(echo.HeaderAuthorization, "Bearer token")
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if key != "" {
		req.Header.Set(headerIdempotencyKey, key)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetPath("/api/tasks/:id")
	c.SetParamNames("id")
	c.SetParamValues(id)
	if err := env.handler(c); err != nil {
		e.HTTPErrorHandler(err, c)
	}
	return rec
}

func TestGetTasks(t *testing.T) {
	e := echo.New()
	logger, _ := test.NewNullLogger()
	store := &mockStore{tasks: []domain.Task{{ID: "1", Owner: "user", Column: domain.ColumnTodo}}}
	req := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer token")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := getTasks(store, mockAuth{}, logger)(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	var resp tasksResponse
	if err := sonic.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Tasks) != 1 || resp.Tasks[0].ID != "1" {
		t.Fatalf("unexpected tasks: %#v", resp.Tasks)
	}
}

func TestGetTasksErrors(t *testing.T) {
	logger, _ := test.NewNullLogger()
	cases := map[string]struct {
		store *mockStore
		auth  Authenticator
		code  int
	}{
		"unauthorized":  {store: &mockStore{}, auth: mockAuth{err: errors.New("bad token")}, code: http.StatusUnauthorized},
		"storage error": {store: &mockStore{listErr: errors.New("boom")}, auth: mockAuth{}, code: http.StatusInternalServerError},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
			rec := httptest.NewRecorder()
			if err := getTasks(tc.store, tc.auth, logger)(e.NewContext(req, rec)); err != nil {
				t.Fatalf("handler error: %v", err)
			}
			if rec.Code != tc.code {
				t.Fatalf("expected %d, got %d", tc.code, rec.Code)
			}
		})
	}
}

func TestPatchTaskUpdatesPlacement(t *testing.T) {
	env := newPatchEnv(t, &mockStore{}, mockAuth{})

	rec := env.do("t-1", `{"column":"in_progress","position":2}`, "k1")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("unexpected status: %d, body: %s", rec.Code, rec.Body.String())
	}

	calls := env.store.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 update, got %d", len(calls))
	}
	want := placementCall{owner: "user", id: "t-1", p: domain.Placement{Column: domain.ColumnInProgress, Position: 2}}
	if calls[0] != want {
		t.Fatalf("unexpected call: %#v", calls[0])
	}

	env.events.Close()
	events := env.store.Events()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	ev := events[0]
	if ev.Type != domain.TaskMoved || ev.EntityID != "t-1" || ev.UserID != "user" || ev.EntityType != domain.EntityTypeTask {
		t.Fatalf("unexpected event: %#v", ev)
	}
	var data domain.TaskMovedEventData
	if err := sonic.Unmarshal(ev.Data, &data); err != nil {
		t.Fatalf("decode event data: %v", err)
	}
	if data.Column != domain.ColumnInProgress || data.Position != 2 {
		t.Fatalf("unexpected event data: %#v", data)
	}
}

func TestPatchTaskRejectsBadRequests(t *testing.T) {
	cases := map[string]string{
		"unknown column":   `{"column":"ARCHIVED","position":0}`,
		"legacy column":    `{"column":"HECHO","position":0}`,
		"negative":         `{"column":"DONE","position":-1}`,
		"missing position": `{"column":"DONE"}`,
		"unknown field":    `{"column":"DONE","position":0,"title":"x"}`,
		"malformed":        `{"column":`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			env := newPatchEnv(t, &mockStore{}, mockAuth{})
			rec := env.do("t-1", body, "")
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rec.Code)
			}
			if n := len(env.store.Calls()); n != 0 {
				t.Fatalf("expected no updates, got %d", n)
			}
		})
	}
}

func TestPatchTaskUnauthorized(t *testing.T) {
	env := newPatchEnv(t, &mockStore{}, mockAuth{err: errors.New("expired")})
	rec := env.do("t-1", `{"column":"DONE","position":0}`, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestPatchTaskNotFoundReleasesKey(t *testing.T) {
	store := &mockStore{updateErr: domain.ErrTaskNotFound}
	env := newPatchEnv(t, store, mockAuth{})

	rec := env.do("missing", `{"column":"DONE","position":0}`, "k1")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if len(env.deduper.removed) != 1 || env.deduper.removed[0] != "user:k1" {
		t.Fatalf("expected idempotency key to be released, got %v", env.deduper.removed)
	}

	env.events.Close()
	if n := len(store.Events()); n != 0 {
		t.Fatalf("expected no events for failed update, got %d", n)
	}
}

func TestPatchTaskStorageFailure(t *testing.T) {
	env := newPatchEnv(t, &mockStore{updateErr: errors.New("table unavailable")}, mockAuth{})
	rec := env.do("t-1", `{"column":"DONE","position":0}`, "")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestPatchTaskDuplicateKey(t *testing.T) {
	env := newPatchEnv(t, &mockStore{}, mockAuth{})

	for i := 0; i < 2; i++ {
		rec := env.do("t-1", `{"column":"DONE","position":0}`, "same")
		if rec.Code != http.StatusNoContent {
			t.Fatalf("attempt %d: unexpected status %d", i, rec.Code)
		}
	}
	if n := len(env.store.Calls()); n != 1 {
		t.Fatalf("expected retried request to be applied once, got %d", n)
	}
}

func TestHealthz(t *testing.T) {
	e := echo.New()
	logger, _ := test.NewNullLogger()
	events := NewEventSender(&mockStore{}, logger, EventSenderConfig{Workers: 1})
	t.Cleanup(events.Close)
	Register(e, &mockStore{}, mockAuth{}, nil, events, logger)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
}

func serveBoard(t *testing.T, store *mockStore, auth Authenticator) (*echo.Echo, *EventSender) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	events := NewEventSender(store, logger, EventSenderConfig{Workers: 1, Buffer: 4})
	t.Cleanup(events.Close)
	e := echo.New()
	Register(e, store, auth, newMemDeduper(), events, logger)
	return e, events
}

func TestCreateTaskAppendsToColumn(t *testing.T) {
	store := &mockStore{tasks: []domain.Task{
		{ID: "a", Owner: "user", Column: domain.ColumnTodo, Position: 0},
		{ID: "b", Owner: "user", Column: domain.ColumnTodo, Position: 1},
		{ID: "c", Owner: "user", Column: domain.ColumnDone, Position: 0},
	}}
	e, events := serveBoard(t, store, mockAuth{})

	req := httptest.NewRequest(http.MethodPost, "/api/tasks", strings.NewReader(`{"description":"  replace meter  "}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("unexpected status: %d, body: %s", rec.Code, rec.Body.String())
	}
	var got domain.Task
	if err := sonic.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID == "" || got.Owner != "user" || got.Column != domain.ColumnTodo || got.Position != 2 {
		t.Fatalf("unexpected task: %#v", got)
	}
	if got.Description != "replace meter" {
		t.Fatalf("expected trimmed description, got %q", got.Description)
	}

	events.Close()
	evs := store.Events()
	if len(evs) != 1 || evs[0].Type != domain.TaskCreated || evs[0].EntityID != got.ID {
		t.Fatalf("unexpected events: %#v", evs)
	}
}

func TestCreateTaskInNamedColumn(t *testing.T) {
	store := &mockStore{tasks: []domain.Task{{ID: "a", Owner: "user", Column: domain.ColumnTodo}}}
	e, _ := serveBoard(t, store, mockAuth{})

	req := httptest.NewRequest(http.MethodPost, "/api/tasks", strings.NewReader(`{"description":"x","column":"done"}`))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if len(store.created) != 1 || store.created[0].Column != domain.ColumnDone || store.created[0].Position != 0 {
		t.Fatalf("unexpected created task: %#v", store.created)
	}
}

func TestCreateTaskRejectsBadRequests(t *testing.T) {
	cases := map[string]string{
		"empty description": `{"description":"   "}`,
		"too long":          `{"description":"` + strings.Repeat("x", maxDescriptionLen+1) + `"}`,
		"legacy column":     `{"description":"x","column":"HECHO"}`,
		"unknown field":     `{"description":"x","position":3}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			store := &mockStore{}
			e, _ := serveBoard(t, store, mockAuth{})
			req := httptest.NewRequest(http.MethodPost, "/api/tasks", strings.NewReader(body))
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rec.Code)
			}
			if len(store.created) != 0 {
				t.Fatalf("expected nothing created")
			}
		})
	}
}

func TestCreateTaskStorageFailure(t *testing.T) {
	store := &mockStore{createErr: errors.New("table unavailable")}
	e, events := serveBoard(t, store, mockAuth{})

	req := httptest.NewRequest(http.MethodPost, "/api/tasks", strings.NewReader(`{"description":"x"}`))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	events.Close()
	if n := len(store.Events()); n != 0 {
		t.Fatalf("expected no events, got %d", n)
	}
}

func TestDeleteTaskClosesGap(t *testing.T) {
	store := &mockStore{tasks: []domain.Task{
		{ID: "a", Owner: "user", Column: domain.ColumnTodo, Position: 0},
		{ID: "b", Owner: "user", Column: domain.ColumnTodo, Position: 1},
		{ID: "c", Owner: "user", Column: domain.ColumnTodo, Position: 2},
		{ID: "d", Owner: "user", Column: domain.ColumnDone, Position: 0},
	}}
	e, events := serveBoard(t, store, mockAuth{})

	req := httptest.NewRequest(http.MethodDelete, "/api/tasks/a", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if len(store.deleted) != 1 || store.deleted[0] != "a" {
		t.Fatalf("unexpected deletes: %v", store.deleted)
	}
	calls := store.Calls()
	want := []placementCall{
		{owner: "user", id: "b", p: domain.Placement{Column: domain.ColumnTodo, Position: 0}},
		{owner: "user", id: "c", p: domain.Placement{Column: domain.ColumnTodo, Position: 1}},
	}
	if len(calls) != len(want) {
		t.Fatalf("expected %d placement updates, got %#v", len(want), calls)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("update %d: got %#v, want %#v", i, calls[i], want[i])
		}
	}

	events.Close()
	evs := store.Events()
	if len(evs) != 1 || evs[0].Type != domain.TaskDeleted || evs[0].EntityID != "a" {
		t.Fatalf("unexpected events: %#v", evs)
	}
}

func TestDeleteTaskOfAnotherUserIsNotFound(t *testing.T) {
	store := &mockStore{tasks: []domain.Task{{ID: "a", Owner: "someone-else", Column: domain.ColumnTodo}}}
	e, _ := serveBoard(t, store, mockAuth{})

	req := httptest.NewRequest(http.MethodDelete, "/api/tasks/a", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if len(store.deleted) != 0 {
		t.Fatalf("expected nothing deleted, got %v", store.deleted)
	}
}

func TestCreateAndDeleteRequireAuth(t *testing.T) {
	store := &mockStore{tasks: []domain.Task{{ID: "a", Owner: "user", Column: domain.ColumnTodo}}}
	e, _ := serveBoard(t, store, mockAuth{err: errors.New("bad token")})

	for _, req := range []*http.Request{
		httptest.NewRequest(http.MethodPost, "/api/tasks", strings.NewReader(`{"description":"x"}`)),
		httptest.NewRequest(http.MethodDelete, "/api/tasks/a", nil),
	} {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", req.Method, rec.Code)
		}
	}
	if len(store.created) != 0 || len(store.deleted) != 0 {
		t.Fatalf("expected no writes, got created=%v deleted=%v", store.created, store.deleted)
	}
}

func TestDeleteTaskStorageFailure(t *testing.T) {
	store := &mockStore{
		tasks:     []domain.Task{{ID: "a", Owner: "user", Column: domain.ColumnTodo}},
		deleteErr: errors.New("table unavailable"),
	}
	e, events := serveBoard(t, store, mockAuth{})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/tasks/a", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	events.Close()
	if n := len(store.Events()); n != 0 {
		t.Fatalf("expected no events, got %d", n)
	}
}
