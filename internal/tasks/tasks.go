package tasks

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/vultisig/custodian/internal/types"
)

const (
	QUEUE_NAME                  = "custodian_events"
	TypeTransactionStateChanged = "transaction:state_changed"
)

// TransactionStateChangedPayload is the event subscribers receive after a
// transaction is created or changes status.
type TransactionStateChangedPayload struct {
	TransactionID uuid.UUID               `json:"transaction_id"`
	Status        types.TransactionStatus `json:"status"`
	OccurredAt    time.Time               `json:"occurred_at"`
	Transaction   *types.Transaction      `json:"transaction"`
}

func NewTransactionStateChanged(tx *types.Transaction, occurredAt time.Time) (*asynq.Task, error) {
	payload, err := json.Marshal(TransactionStateChangedPayload{
		TransactionID: tx.ID,
		Status:        tx.Status,
		OccurredAt:    occurredAt.UTC(),
		Transaction:   tx,
	})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeTransactionStateChanged, payload), nil
}
