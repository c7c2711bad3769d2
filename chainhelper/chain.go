package chainhelper

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/vultisig/custodian/config"
)

// Registry resolves the chain a sending account signs for.
type Registry struct {
	defaultChainID int64
	hardforks      map[int64]Hardfork
	accounts       map[common.Address]int64
}

func NewRegistry(defaultChainID int64, chains []config.ChainConfig, accounts map[string]int64) (*Registry, error) {
	r := &Registry{
		defaultChainID: defaultChainID,
		hardforks:      make(map[int64]Hardfork, len(chains)),
		accounts:       make(map[common.Address]int64, len(accounts)),
	}
	for _, c := range chains {
		if c.ChainID <= 0 {
			return nil, fmt.Errorf("invalid chain id %d", c.ChainID)
		}
		hf, err := ParseHardfork(c.Hardfork)
		if err != nil {
			return nil, fmt.Errorf("chain %d: %w", c.ChainID, err)
		}
		r.hardforks[c.ChainID] = hf
	}
	if _, ok := r.hardforks[defaultChainID]; !ok {
		if defaultChainID <= 0 {
			return nil, fmt.Errorf("invalid default chain id %d", defaultChainID)
		}
		r.hardforks[defaultChainID] = London
	}
	for addr, chainID := range accounts {
		addr = strings.TrimSpace(addr)
		if !common.IsHexAddress(addr) {
			return nil, fmt.Errorf("invalid account address %q", addr)
		}
		if _, ok := r.hardforks[chainID]; !ok {
			return nil, fmt.Errorf("account %s uses unconfigured chain %d", addr, chainID)
		}
		r.accounts[common.HexToAddress(addr)] = chainID
	}
	return r, nil
}

// ResolveChain returns the chain id and hardfork for address. Accounts without an
// explicit mapping sign for the default chain.
func (r *Registry) ResolveChain(_ context.Context, address common.Address) (ChainParams, error) {
	chainID, ok := r.accounts[address]
	if !ok {
		chainID = r.defaultChainID
	}
	hf, ok := r.hardforks[chainID]
	if !ok {
		return ChainParams{}, fmt.Errorf("chain %d is not configured", chainID)
	}
	return ChainParams{ChainID: big.NewInt(chainID), Hardfork: hf}, nil
}
