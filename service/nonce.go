package service

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"github.com/vultisig/custodian/internal/types"
	"github.com/vultisig/custodian/storage"
)

// NonceOracle reports how many transactions the network has seen from an address,
// pending ones included.
type NonceOracle interface {
	GetTransactionCount(ctx context.Context, address common.Address) (uint64, error)
}

type Allocator interface {
	Allocate(ctx context.Context, address common.Address) (uint64, error)
}

// NonceAllocator hands out strictly increasing nonces per address. The oracle is
// consulted only for the first allocation of an address; afterwards the ledger is
// the source of truth.
type NonceAllocator struct {
	ledger  storage.NonceLedger
	oracle  NonceOracle
	metrics metrics
	logger  *logrus.Entry
}

func NewNonceAllocator(ledger storage.NonceLedger, oracle NonceOracle, sdClient statsd.ClientInterface, logger *logrus.Logger) (*NonceAllocator, error) {
	if ledger == nil {
		return nil, fmt.Errorf("nonce ledger cannot be nil")
	}
	if oracle == nil {
		return nil, fmt.Errorf("nonce oracle cannot be nil")
	}
	entry := logger.WithField("service", "nonce")
	return &NonceAllocator{
		ledger:  ledger,
		oracle:  oracle,
		metrics: newMetrics(sdClient, entry),
		logger:  entry,
	}, nil
}

func (a *NonceAllocator) Allocate(ctx context.Context, address common.Address) (uint64, error) {
	defer a.metrics.measureTime("nonce.allocate.latency", time.Now(), nil)

	seeded := false
	nonce, err := a.ledger.LockNonce(ctx, address, func(ctx context.Context, last *uint64) (uint64, error) {
		if last != nil {
			if *last == math.MaxUint64 {
				return 0, fmt.Errorf("nonce space exhausted")
			}
			return *last + 1, nil
		}
		count, err := a.oracle.GetTransactionCount(ctx, address)
		if err != nil {
			return 0, fmt.Errorf("fail to get transaction count, err: %w", err)
		}
		seeded = true
		return count, nil
	})
	if err != nil {
		a.metrics.incCounter("nonce.allocate.failed", nil)
		a.logger.WithError(err).WithField("address", address.Hex()).Error("fail to allocate nonce")
		return 0, types.NewAllocationFailed(address.Hex(), err)
	}

	a.logger.WithFields(logrus.Fields{
		"address": address.Hex(),
		"nonce":   nonce,
		"seeded":  seeded,
	}).Debug("nonce allocated")
	return nonce, nil
}

func (a *NonceAllocator) GetNonce(ctx context.Context, address common.Address) (*types.NonceRecord, error) {
	return a.ledger.GetNonce(ctx, address)
}
