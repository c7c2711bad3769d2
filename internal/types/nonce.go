package types

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// NonceRecord is the ledger row for one sending address.
type NonceRecord struct {
	Address            common.Address `json:"address"`
	LastAllocatedNonce uint64         `json:"last_allocated_nonce"`
	UpdatedAt          time.Time      `json:"updated_at"`
}
