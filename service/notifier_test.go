package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vultisig/custodian/internal/tasks"
	"github.com/vultisig/custodian/internal/types"
	"github.com/vultisig/custodian/service"
)

type fakeEnqueuer struct {
	mu      sync.Mutex
	tasks   []*asynq.Task
	block   chan struct{}
	err     error
	entered chan struct{}
}

func (f *fakeEnqueuer) EnqueueContext(ctx context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = append(f.tasks, task)
	return &asynq.TaskInfo{ID: uuid.NewString(), Queue: tasks.QUEUE_NAME}, nil
}

func (f *fakeEnqueuer) delivered() []*asynq.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*asynq.Task(nil), f.tasks...)
}

func TestEventDispatcherDelivers(t *testing.T) {
	enqueuer := &fakeEnqueuer{}
	dispatcher, err := service.NewEventDispatcher(enqueuer, 8, time.Second, nil, testLogger())
	require.NoError(t, err)
	dispatcher.Start()

	tx := &types.Transaction{ID: uuid.New(), Status: types.StatusSigned}
	dispatcher.Notify(tx)
	dispatcher.Stop()

	delivered := enqueuer.delivered()
	require.Len(t, delivered, 1)
	assert.Equal(t, tasks.TypeTransactionStateChanged, delivered[0].Type())

	var payload tasks.TransactionStateChangedPayload
	require.NoError(t, json.Unmarshal(delivered[0].Payload(), &payload))
	assert.Equal(t, tx.ID, payload.TransactionID)
	assert.Equal(t, types.StatusSigned, payload.Status)
	assert.False(t, payload.OccurredAt.IsZero())
}

func TestEventDispatcherNeverBlocks(t *testing.T) {
	enqueuer := &fakeEnqueuer{block: make(chan struct{}), entered: make(chan struct{}, 1)}
	dispatcher, err := service.NewEventDispatcher(enqueuer, 1, 0, nil, testLogger())
	require.NoError(t, err)
	dispatcher.Start()

	dispatcher.Notify(&types.Transaction{ID: uuid.New(), Status: types.StatusCreated})
	<-enqueuer.entered

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			dispatcher.Notify(&types.Transaction{ID: uuid.New(), Status: types.StatusCreated})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Notify blocked on a stalled transport")
	}

	enqueuer.entered = nil
	close(enqueuer.block)
	dispatcher.Stop()
	assert.Len(t, enqueuer.delivered(), 2, "one in flight plus one buffered, the rest are dropped")
}

func TestEventDispatcherTransportFailureIsSwallowed(t *testing.T) {
	enqueuer := &fakeEnqueuer{err: errors.New("redis down")}
	dispatcher, err := service.NewEventDispatcher(enqueuer, 4, time.Second, nil, testLogger())
	require.NoError(t, err)
	dispatcher.Start()
	dispatcher.Notify(&types.Transaction{ID: uuid.New(), Status: types.StatusAborted})
	dispatcher.Stop()
	assert.Empty(t, enqueuer.delivered())

	// after Stop events are ignored
	dispatcher.Notify(&types.Transaction{ID: uuid.New(), Status: types.StatusAborted})
}
