package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/vultisig/custodian/internal/tasks"
)

// EventWorker consumes state-change events from the queue.
type EventWorker struct {
	metrics metrics
	logger  *logrus.Entry
}

func NewEventWorker(sdClient statsd.ClientInterface, logger *logrus.Logger) *EventWorker {
	entry := logger.WithField("service", "worker")
	return &EventWorker{
		metrics: newMetrics(sdClient, entry),
		logger:  entry,
	}
}

func (w *EventWorker) HandleTransactionStateChanged(ctx context.Context, t *asynq.Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var p tasks.TransactionStateChangedPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("json.Unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}
	if !p.Status.IsValid() {
		return fmt.Errorf("invalid status %q: %w", p.Status, asynq.SkipRetry)
	}

	fields := logrus.Fields{
		"transaction_id": p.TransactionID,
		"status":         p.Status,
		"occurred_at":    p.OccurredAt,
	}
	if p.Transaction != nil {
		fields["from"] = p.Transaction.From.Hex()
		if p.Transaction.Nonce != nil {
			fields["nonce"] = *p.Transaction.Nonce
		}
		if p.Transaction.NetworkTxHash != nil {
			fields["network_tx_hash"] = p.Transaction.NetworkTxHash.Hex()
		}
	}
	w.logger.WithFields(fields).Info("transaction state changed")
	w.metrics.incCounter("worker.transaction.state_changed", []string{"status:" + string(p.Status)})

	if rw := t.ResultWriter(); rw != nil {
		if _, err := rw.Write([]byte(p.Status)); err != nil {
			return fmt.Errorf("t.ResultWriter.Write failed: %v: %w", err, asynq.SkipRetry)
		}
	}
	return nil
}
