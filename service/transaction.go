package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/vultisig/custodian/internal/types"
	"github.com/vultisig/custodian/storage"
)

const (
	failureWriteTimeout = 5 * time.Second
	resultWriteTimeout  = 10 * time.Second
)

type Transaction interface {
	CreateTransaction(ctx context.Context, req types.TransactionCreateRequest) (*types.Transaction, error)
	GetTransaction(ctx context.Context, id uuid.UUID) (*types.Transaction, error)
	ListTransactions(ctx context.Context, statuses []types.TransactionStatus) ([]*types.Transaction, error)
	RequestTransition(ctx context.Context, id uuid.UUID, desired types.TransactionStatus) (*types.Transaction, error)
	DeleteTransaction(ctx context.Context, id uuid.UUID) error
	DeleteAllTransactions(ctx context.Context) (int64, error)
}

// TransactionService owns the transaction lifecycle. Every status change goes
// through RequestTransition and is persisted with a compare-and-swap on the
// previous status, so concurrent requests for the same record cannot both win.
type TransactionService struct {
	db       storage.TransactionStore
	signer   Signer
	gateway  Gateway
	notifier Notifier
	archiver storage.Archiver
	metrics  metrics
	logger   *logrus.Entry
	now      func() time.Time
}

// NewTransactionService wires the state machine. notifier and archiver may be nil.
func NewTransactionService(
	db storage.TransactionStore,
	signer Signer,
	gateway Gateway,
	notifier Notifier,
	archiver storage.Archiver,
	sdClient statsd.ClientInterface,
	logger *logrus.Logger,
) (*TransactionService, error) {
	if db == nil {
		return nil, fmt.Errorf("database storage cannot be nil")
	}
	if signer == nil {
		return nil, fmt.Errorf("signer cannot be nil")
	}
	if gateway == nil {
		return nil, fmt.Errorf("gateway cannot be nil")
	}
	if notifier == nil {
		notifier = NoopNotifier{}
	}
	entry := logger.WithField("service", "transaction")
	return &TransactionService{
		db:       db,
		signer:   signer,
		gateway:  gateway,
		notifier: notifier,
		archiver: archiver,
		metrics:  newMetrics(sdClient, entry),
		logger:   entry,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *TransactionService) CreateTransaction(ctx context.Context, req types.TransactionCreateRequest) (*types.Transaction, error) {
	tx, err := req.ToTransaction()
	if err != nil {
		return nil, types.NewInvalidRequest(err)
	}
	tx.ID = uuid.New()
	tx.Status = types.StatusCreated
	tx.CreatedAt = s.now()

	saved, err := s.db.InsertTransaction(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("fail to insert transaction, err: %w", err)
	}
	s.metrics.incCounter("transaction.created", nil)
	s.logger.WithFields(logrus.Fields{
		"transaction_id": saved.ID,
		"from":           saved.From.Hex(),
		"to":             saved.To.Hex(),
	}).Info("transaction created")
	s.notifier.Notify(saved)
	return saved, nil
}

func (s *TransactionService) GetTransaction(ctx context.Context, id uuid.UUID) (*types.Transaction, error) {
	return s.db.GetTransaction(ctx, id)
}

// ListTransactions returns records whose status is in statuses, or all records when empty.
func (s *TransactionService) ListTransactions(ctx context.Context, statuses []types.TransactionStatus) ([]*types.Transaction, error) {
	for _, status := range statuses {
		if !status.IsValid() {
			return nil, types.NewInvalidRequest(fmt.Errorf("invalid status %q", status))
		}
	}
	return s.db.ListTransactions(ctx, statuses)
}

// RequestTransition drives the record to desired, or returns a typed error and
// leaves its status untouched.
func (s *TransactionService) RequestTransition(ctx context.Context, id uuid.UUID, desired types.TransactionStatus) (*types.Transaction, error) {
	defer s.metrics.measureTime("transaction.transition.latency", time.Now(), []string{"to:" + string(desired)})

	tx, err := s.db.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	action, err := types.ResolveTransition(tx.Status, desired)
	if err != nil {
		return nil, err
	}

	var updated *types.Transaction
	switch action {
	case types.ActionSign:
		updated, err = s.sign(ctx, tx)
	case types.ActionSubmit:
		updated, err = s.submit(ctx, tx)
	case types.ActionAbort:
		updated, err = s.abort(ctx, tx)
	default:
		err = types.NewIllegalTransition(fmt.Sprintf("illegal transition from %s to %s", tx.Status, desired))
	}
	if err != nil {
		s.metrics.incCounter("transaction.transition.failed", []string{"action:" + action.String()})
		return nil, err
	}

	s.metrics.incCounter("transaction.transition", []string{"action:" + action.String()})
	s.logger.WithFields(logrus.Fields{
		"transaction_id": updated.ID,
		"from_status":    tx.Status,
		"status":         updated.Status,
	}).Info("transaction status changed")
	s.notifier.Notify(updated)
	return updated, nil
}

func (s *TransactionService) sign(ctx context.Context, tx *types.Transaction) (*types.Transaction, error) {
	result, err := s.signer.Sign(ctx, tx)
	if err != nil {
		s.recordFailure(ctx, tx, err)
		return nil, err
	}

	now := s.now()
	hash := result.Hash
	nonce := result.Nonce
	next := tx.Clone()
	next.Status = types.StatusSigned
	next.Nonce = &nonce
	next.ChainID = result.ChainID
	next.SignedPayload = result.Payload
	next.SignedTxHash = &hash
	next.SignedAt = &now
	next.FailureReason = nil
	return s.persistResult(ctx, next, tx.Status)
}

func (s *TransactionService) submit(ctx context.Context, tx *types.Transaction) (*types.Transaction, error) {
	hash, err := s.gateway.Submit(ctx, tx)
	if err != nil {
		s.recordFailure(ctx, tx, err)
		return nil, err
	}

	now := s.now()
	next := tx.Clone()
	next.Status = types.StatusSubmitted
	next.NetworkTxHash = &hash
	next.SubmittedAt = &now
	next.FailureReason = nil
	return s.persistResult(ctx, next, tx.Status)
}

func (s *TransactionService) abort(ctx context.Context, tx *types.Transaction) (*types.Transaction, error) {
	now := s.now()
	next := tx.Clone()
	next.Status = types.StatusAborted
	next.AbortedAt = &now
	return s.persist(ctx, next, tx.Status)
}

func (s *TransactionService) persist(ctx context.Context, next *types.Transaction, expected types.TransactionStatus) (*types.Transaction, error) {
	if err := next.CheckConsistency(); err != nil {
		return nil, fmt.Errorf("transaction %s is inconsistent, err: %w", next.ID, err)
	}
	updated, err := s.db.UpdateTransaction(ctx, next, expected)
	if err != nil {
		if errors.Is(err, types.ErrIllegalTransition) {
			s.logger.WithField("transaction_id", next.ID).Warn("lost concurrent transition")
		}
		return nil, err
	}
	return updated, nil
}

// persistResult stores the outcome of a side effect that cannot be undone, such as a
// spent nonce or an accepted broadcast. The write outlives the caller's context.
func (s *TransactionService) persistResult(ctx context.Context, next *types.Transaction, expected types.TransactionStatus) (*types.Transaction, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), resultWriteTimeout)
	defer cancel()
	updated, err := s.persist(ctx, next, expected)
	if err == nil {
		return updated, nil
	}
	if _, ok := types.AsTransactionError(err); ok {
		return nil, err
	}
	s.logger.WithError(err).WithField("transaction_id", next.ID).Error("fail to persist transition result")
	return nil, types.NewPersistFailed(next.Status, err)
}

// recordFailure stores the failure on the record without changing its status. A
// concurrent transition that already moved the record wins over the failure note.
func (s *TransactionService) recordFailure(ctx context.Context, tx *types.Transaction, cause error) {
	if _, ok := types.AsTransactionError(cause); !ok {
		return
	}
	if errors.Is(cause, types.ErrIllegalTransition) || errors.Is(cause, types.ErrNotFound) {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failureWriteTimeout)
	defer cancel()
	if err := s.db.SetFailureReason(ctx, tx.ID, tx.Status, cause.Error()); err != nil {
		s.logger.WithError(err).WithField("transaction_id", tx.ID).Warn("fail to record failure reason")
	}
}

// DeleteTransaction purges one record, archiving it first when an archiver is set.
func (s *TransactionService) DeleteTransaction(ctx context.Context, id uuid.UUID) error {
	if s.archiver != nil {
		tx, err := s.db.GetTransaction(ctx, id)
		if err != nil {
			return err
		}
		if err := s.archiver.ArchiveTransactions(ctx, []*types.Transaction{tx}); err != nil {
			return fmt.Errorf("fail to archive transaction, err: %w", err)
		}
	}
	if err := s.db.DeleteTransaction(ctx, id); err != nil {
		return err
	}
	s.logger.WithField("transaction_id", id).Info("transaction deleted")
	return nil
}

// DeleteAllTransactions purges every record and returns how many were removed.
// With an archiver only the archived records are removed.
func (s *TransactionService) DeleteAllTransactions(ctx context.Context) (int64, error) {
	if s.archiver == nil {
		n, err := s.db.DeleteAllTransactions(ctx)
		if err != nil {
			return 0, fmt.Errorf("fail to delete transactions, err: %w", err)
		}
		s.logger.WithField("count", n).Info("transactions deleted")
		return n, nil
	}

	txs, err := s.db.ListTransactions(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("fail to list transactions, err: %w", err)
	}
	if len(txs) == 0 {
		return 0, nil
	}
	if err := s.archiver.ArchiveTransactions(ctx, txs); err != nil {
		return 0, fmt.Errorf("fail to archive transactions, err: %w", err)
	}
	var n int64
	for _, tx := range txs {
		if err := s.db.DeleteTransaction(ctx, tx.ID); err != nil {
			if errors.Is(err, types.ErrNotFound) {
				continue
			}
			return n, fmt.Errorf("fail to delete transaction %s, err: %w", tx.ID, err)
		}
		n++
	}
	s.logger.WithField("count", n).Info("transactions archived and deleted")
	return n, nil
}
