package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/vultisig/custodian/internal/tasks"
	"github.com/vultisig/custodian/internal/types"
)

// Notifier publishes state-change events. Notify must not block the caller.
type Notifier interface {
	Notify(tx *types.Transaction)
}

type NotifierFunc func(tx *types.Transaction)

func (f NotifierFunc) Notify(tx *types.Transaction) { f(tx) }

type NoopNotifier struct{}

func (NoopNotifier) Notify(*types.Transaction) {}

type TaskEnqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

type event struct {
	tx         *types.Transaction
	occurredAt time.Time
}

// EventDispatcher buffers events and enqueues them on the asynq queue from a
// background goroutine. Events are dropped when the buffer is full.
type EventDispatcher struct {
	client  TaskEnqueuer
	timeout time.Duration
	events  chan event
	metrics metrics
	logger  *logrus.Entry

	mu      sync.RWMutex
	stopped bool
	wg      sync.WaitGroup
}

func NewEventDispatcher(client TaskEnqueuer, buffer int, timeout time.Duration, sdClient statsd.ClientInterface, logger *logrus.Logger) (*EventDispatcher, error) {
	if client == nil {
		return nil, fmt.Errorf("task enqueuer cannot be nil")
	}
	if buffer <= 0 {
		buffer = 1
	}
	entry := logger.WithField("service", "notifier")
	return &EventDispatcher{
		client:  client,
		timeout: timeout,
		events:  make(chan event, buffer),
		metrics: newMetrics(sdClient, entry),
		logger:  entry,
	}, nil
}

func (d *EventDispatcher) Start() {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for ev := range d.events {
			d.deliver(ev)
		}
	}()
}

// Stop stops accepting events and waits for buffered ones to be delivered.
func (d *EventDispatcher) Stop() {
	d.mu.Lock()
	if !d.stopped {
		d.stopped = true
		close(d.events)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *EventDispatcher) Notify(tx *types.Transaction) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		return
	}
	select {
	case d.events <- event{tx: tx.Clone(), occurredAt: time.Now()}:
	default:
		d.metrics.incCounter("notifier.dropped", []string{"status:" + string(tx.Status)})
		d.logger.WithFields(logrus.Fields{
			"transaction_id": tx.ID,
			"status":         tx.Status,
		}).Warn("event buffer full, dropping event")
	}
}

func (d *EventDispatcher) deliver(ev event) {
	logger := d.logger.WithFields(logrus.Fields{
		"transaction_id": ev.tx.ID,
		"status":         ev.tx.Status,
	})
	task, err := tasks.NewTransactionStateChanged(ev.tx, ev.occurredAt)
	if err != nil {
		logger.WithError(err).Error("fail to create event task")
		return
	}

	ctx := context.Background()
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	info, err := d.client.EnqueueContext(ctx, task,
		asynq.MaxRetry(3),
		asynq.Retention(24*time.Hour),
		asynq.Queue(tasks.QUEUE_NAME))
	if err != nil {
		d.metrics.incCounter("notifier.failed", nil)
		logger.WithError(err).Error("fail to enqueue event")
		return
	}
	d.metrics.incCounter("notifier.delivered", []string{"status:" + string(ev.tx.Status)})
	logger.WithField("task_id", info.ID).Debug("event enqueued")
}
