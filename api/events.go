package api

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"fieldboard/domain"
)

// EventPublisher delivers domain events to the downstream queue.
type EventPublisher interface {
	PublishEvents(ctx context.Context, events []domain.Event) error
}

// EventSenderConfig tunes the background publishing pool.
type EventSenderConfig struct {
	Workers        int
	Buffer         int
	PublishTimeout time.Duration
	HandoffTimeout time.Duration
}

type publishJob struct {
	userID string
	event  domain.Event
}

// EventSender publishes task events off the request path. When the pool is
// saturated past the handoff timeout the event is published inline instead
// of being dropped.
type EventSender struct {
	pub     EventPublisher
	logger  *log.Logger
	cfg     EventSenderConfig
	mu      sync.RWMutex
	jobs    chan publishJob
	workers sync.WaitGroup
}

// NewEventSender starts the worker pool.
func NewEventSender(pub EventPublisher, logger *log.Logger, cfg EventSenderConfig) *EventSender {
	if logger == nil {
		panic("api.NewEventSender: logger is nil")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Buffer < 0 {
		cfg.Buffer = 0
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 30 * time.Second
	}

	s := &EventSender{
		pub:    pub,
		logger: logger,
		cfg:    cfg,
		jobs:   make(chan publishJob, cfg.Buffer),
	}
	for i := 0; i < cfg.Workers; i++ {
		s.workers.Add(1)
		go s.worker(i, s.jobs)
	}
	logger.Infof("event sender started, workers: %d, buffer: %d, timeout: %v, handoff: %v",
		cfg.Workers, cfg.Buffer, cfg.PublishTimeout, cfg.HandoffTimeout)
	return s
}

// Send queues ev for publishing.
func (s *EventSender) Send(userID string, ev domain.Event) {
	job := publishJob{userID: userID, event: ev}
	if s.tryEnqueue(job) {
		return
	}
	s.publish(job, -1)
}

// Close stops accepting new jobs and waits for queued ones to drain.
func (s *EventSender) Close() {
	s.mu.Lock()
	if s.jobs != nil {
		close(s.jobs)
		s.jobs = nil
	}
	s.mu.Unlock()
	s.workers.Wait()
}

func (s *EventSender) worker(id int, jobs <-chan publishJob) {
	defer s.workers.Done()
	for j := range jobs {
		s.publish(j, id)
	}
}

func (s *EventSender) publish(j publishJob, worker int) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.PublishTimeout)
	defer cancel()
	if err := s.pub.PublishEvents(ctx, []domain.Event{j.event}); err != nil {
		s.logger.WithFields(log.Fields{
			"user":   j.userID,
			"task":   j.event.EntityID,
			"type":   j.event.Type,
			"worker": worker,
		}).Errorf("publish event failed: %v", err)
	}
}

func (s *EventSender) tryEnqueue(job publishJob) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.jobs == nil {
		return false
	}

	select {
	case s.jobs <- job:
		return true
	default:
	}

	if s.cfg.HandoffTimeout <= 0 {
		return false
	}

	timer := time.NewTimer(s.cfg.HandoffTimeout)
	defer timer.Stop()
	select {
	case s.jobs <- job:
		return true
	case <-timer.C:
		return false
	}
}
