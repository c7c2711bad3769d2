package chainhelper

import (
	"fmt"
	"math/big"
	"strings"

	gtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/vultisig/custodian/internal/types"
)

// Hardfork names the ruleset a transaction is signed under.
type Hardfork string

const (
	Homestead Hardfork = "homestead"
	EIP155    Hardfork = "eip155"
	Berlin    Hardfork = "berlin"
	London    Hardfork = "london"
	Cancun    Hardfork = "cancun"
)

func ParseHardfork(s string) (Hardfork, error) {
	switch hf := Hardfork(strings.ToLower(strings.TrimSpace(s))); hf {
	case "":
		return London, nil
	case Homestead, EIP155, Berlin, London, Cancun:
		return hf, nil
	default:
		return "", fmt.Errorf("unknown hardfork %q", s)
	}
}

type ChainParams struct {
	ChainID  *big.Int
	Hardfork Hardfork
}

// Signer returns the go-ethereum signer matching the hardfork.
func (p ChainParams) Signer() gtypes.Signer {
	switch p.Hardfork {
	case Homestead:
		return gtypes.HomesteadSigner{}
	case EIP155:
		return gtypes.NewEIP155Signer(p.ChainID)
	case Berlin:
		return gtypes.NewEIP2930Signer(p.ChainID)
	case Cancun:
		return gtypes.NewCancunSigner(p.ChainID)
	default:
		return gtypes.NewLondonSigner(p.ChainID)
	}
}

// Supports reports whether fee can be encoded under the hardfork.
func (p ChainParams) Supports(fee types.FeeType) bool {
	switch fee {
	case types.FeeLegacy:
		return true
	case types.FeeEIP1559:
		return p.Hardfork == London || p.Hardfork == Cancun
	}
	return false
}

// NewUnsignedTx builds the unsigned go-ethereum transaction for tx at nonce.
func (p ChainParams) NewUnsignedTx(tx *types.Transaction, nonce uint64) (*gtypes.Transaction, error) {
	if err := tx.Fee.Validate(); err != nil {
		return nil, err
	}
	if !p.Supports(tx.Fee.Type) {
		return nil, fmt.Errorf("fee model %s is not supported by hardfork %s", tx.Fee.Type, p.Hardfork)
	}
	to := tx.To
	value := new(big.Int)
	if tx.Value != nil {
		value.Set(tx.Value)
	}
	data := append([]byte(nil), tx.Data...)

	switch tx.Fee.Type {
	case types.FeeLegacy:
		return gtypes.NewTx(&gtypes.LegacyTx{
			Nonce:    nonce,
			GasPrice: new(big.Int).Set(tx.Fee.GasPrice),
			Gas:      tx.GasLimit,
			To:       &to,
			Value:    value,
			Data:     data,
		}), nil
	case types.FeeEIP1559:
		return gtypes.NewTx(&gtypes.DynamicFeeTx{
			ChainID:   new(big.Int).Set(p.ChainID),
			Nonce:     nonce,
			GasTipCap: new(big.Int).Set(tx.Fee.MaxPriorityFeePerGas),
			GasFeeCap: new(big.Int).Set(tx.Fee.MaxFeePerGas),
			Gas:       tx.GasLimit,
			To:        &to,
			Value:     value,
			Data:      data,
		}), nil
	}
	return nil, fmt.Errorf("unknown fee type %q", tx.Fee.Type)
}
