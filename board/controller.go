package board

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"fieldboard/domain"
)

const defaultUpdateTimeout = 15 * time.Second

// Gateway is the remote store that owns task placements.
type Gateway interface {
	UpdateTask(ctx context.Context, id string, p domain.Placement) error
	ListTasks(ctx context.Context) ([]domain.Task, error)
}

// Listener receives user-visible move failures.
type Listener interface {
	MoveFailed(moveID string, err error)
}

// Intent is a completed drop reported by the drag layer.
type Intent struct {
	TaskID string
	Column domain.Column
	Index  int
}

// Controller keeps the visible board and reconciles drops with the Gateway.
type Controller struct {
	gw            Gateway
	actor         string
	logger        *log.Logger
	listener      Listener
	updateTimeout time.Duration

	// mu serializes writers; readers only load state.
	mu       sync.Mutex
	state    atomic.Pointer[[]domain.Task]
	inflight sync.WaitGroup
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger used for move and rollback diagnostics.
func WithLogger(l *log.Logger) Option { return func(c *Controller) { c.logger = l } }

// WithListener registers the receiver of rollback notifications.
func WithListener(l Listener) Option { return func(c *Controller) { c.listener = l } }

// WithUpdateTimeout bounds each individual UpdateTask call.
func WithUpdateTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.updateTimeout = d
		}
	}
}

// New creates a Controller acting on behalf of actor with an empty board.
func New(gw Gateway, actor string, opts ...Option) *Controller {
	c := &Controller{
		gw:            gw,
		actor:         actor,
		logger:        log.StandardLogger(),
		updateTimeout: defaultUpdateTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	empty := []domain.Task{}
	c.state.Store(&empty)
	return c
}

// Load replaces the board with the authoritative collection.
func (c *Controller) Load(ctx context.Context) error {
	tasks, err := c.gw.ListTasks(ctx)
	if err != nil {
		return err
	}
	c.publish(domain.Normalize(tasks))
	return nil
}

// Tasks returns the visible collection. Callers must not modify it.
func (c *Controller) Tasks() []domain.Task {
	return *c.state.Load()
}

// Columns returns the visible board grouped and ordered by column.
func (c *Controller) Columns() map[domain.Column][]domain.Task {
	return domain.Partition(c.Tasks())
}

// Wait blocks until every move handed out so far has settled.
func (c *Controller) Wait() {
	c.inflight.Wait()
}

func (c *Controller) publish(tasks []domain.Task) {
	c.mu.Lock()
	c.state.Store(&tasks)
	c.mu.Unlock()
}

// Drop applies intent to the visible board immediately and persists the changed
// placements in the background. Invalid intents and tasks not owned by the
// acting user are refused with domain.ErrInvalidMove or domain.ErrUnauthorized
// and leave the board untouched.
//
// A drop never waits for earlier moves. It plans against whatever is visible,
// so a later rollback of an earlier move may revert this one too.
func (c *Controller) Drop(ctx context.Context, in Intent) (*Move, error) {
	if in.Index < 0 || !in.Column.Valid() {
		return nil, domain.ErrInvalidMove
	}

	c.mu.Lock()
	before := c.state.Load()
	var src *domain.Task
	for i := range *before {
		if (*before)[i].ID == in.TaskID {
			src = &(*before)[i]
			break
		}
	}
	if src == nil {
		c.mu.Unlock()
		return nil, domain.ErrInvalidMove
	}
	if src.Owner != c.actor {
		c.mu.Unlock()
		return nil, domain.ErrUnauthorized
	}
	from := src.Column
	after := domain.ApplyMove(*before, in.TaskID, domain.Destination{Column: in.Column, Index: in.Index})
	c.state.Store(&after)
	c.mu.Unlock()

	m := &Move{
		ID:       uuid.NewString(),
		TaskID:   in.TaskID,
		snapshot: before,
		done:     make(chan struct{}),
	}
	changed := domain.ChangedPlacements(*before, after, from, in.Column)
	logger := c.logger.WithFields(log.Fields{
		"move":    m.ID,
		"task":    in.TaskID,
		"from":    from,
		"to":      in.Column,
		"index":   in.Index,
		"changed": len(changed),
	})
	logger.Debug("move applied")

	if len(changed) == 0 {
		m.settle(OutcomeSettled, nil)
		return m, nil
	}

	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		c.persist(context.WithoutCancel(ctx), m, changed, logger)
	}()
	return m, nil
}

func (c *Controller) persist(ctx context.Context, m *Move, changed []domain.Task, logger *log.Entry) {
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed []*domain.TaskUpdateError
	)
	for _, t := range changed {
		wg.Add(1)
		go func(t domain.Task) {
			defer wg.Done()
			callCtx, cancel := context.WithTimeout(ctx, c.updateTimeout)
			defer cancel()
			if err := c.gw.UpdateTask(callCtx, t.ID, t.Placement()); err != nil {
				mu.Lock()
				failed = append(failed, &domain.TaskUpdateError{TaskID: t.ID, Err: err})
				mu.Unlock()
			}
		}(t)
	}
	wg.Wait()

	if len(failed) == 0 {
		logger.Debug("move persisted")
		m.settle(OutcomeSettled, nil)
		return
	}

	err := &domain.PersistenceError{MoveID: m.ID, Failed: failed}
	c.mu.Lock()
	c.state.Store(m.snapshot)
	c.mu.Unlock()
	logger.WithError(err).Warn("move rolled back")
	if c.listener != nil {
		c.listener.MoveFailed(m.ID, err)
	}
	c.refetch(ctx, logger)
	m.settle(OutcomeRolledBack, err)
}

func (c *Controller) refetch(ctx context.Context, logger *log.Entry) {
	tasks, err := c.gw.ListTasks(ctx)
	if err != nil {
		logger.WithError(err).Error("refetch after rollback failed")
		return
	}
	c.publish(domain.Normalize(tasks))
}

// Outcome is the final state of a move.
type Outcome int

const (
	OutcomePending Outcome = iota
	OutcomeSettled
	OutcomeRolledBack
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSettled:
		return "settled"
	case OutcomeRolledBack:
		return "rolled-back"
	default:
		return "pending"
	}
}

// Move tracks one optimistic drop until its persistence settles.
type Move struct {
	ID     string
	TaskID string

	snapshot *[]domain.Task
	done     chan struct{}
	outcome  Outcome
	err      error
}

func (m *Move) settle(o Outcome, err error) {
	m.outcome = o
	m.err = err
	close(m.done)
}

// Done is closed once the move has settled.
func (m *Move) Done() <-chan struct{} { return m.done }

// Wait blocks until the move settles and returns its persistence error, if any.
func (m *Move) Wait() error {
	<-m.done
	return m.err
}

// Outcome reports the move's state; it is only final after Done is closed.
func (m *Move) Outcome() Outcome {
	select {
	case <-m.done:
		return m.outcome
	default:
		return OutcomePending
	}
}

// IsRefused reports whether err is one of the routine refusals of Drop.
func IsRefused(err error) bool {
	return errors.Is(err, domain.ErrInvalidMove) || errors.Is(err, domain.ErrUnauthorized)
}
