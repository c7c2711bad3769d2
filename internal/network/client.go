// Package network talks to an Ethereum JSON-RPC node.
package network

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

const defaultTimeout = 10 * time.Second

type Client struct {
	rpc     *rpc.Client
	eth     *ethclient.Client
	timeout time.Duration
}

func Dial(ctx context.Context, url string, timeout time.Duration) (*Client, error) {
	rc, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("fail to dial rpc %s, err: %w", url, err)
	}
	return NewClient(rc, timeout), nil
}

func NewClient(rc *rpc.Client, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{rpc: rc, eth: ethclient.NewClient(rc), timeout: timeout}
}

// GetTransactionCount returns the pending transaction count of address.
func (c *Client) GetTransactionCount(ctx context.Context, address common.Address) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.eth.PendingNonceAt(ctx, address)
}

// SendRawTransaction broadcasts payload and returns the hash the node reports.
func (c *Client) SendRawTransaction(ctx context.Context, payload []byte) (common.Hash, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	var hash common.Hash
	if err := c.rpc.CallContext(ctx, &hash, "eth_sendRawTransaction", hexutil.Encode(payload)); err != nil {
		return common.Hash{}, err
	}
	return hash, nil
}

func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.eth.ChainID(ctx)
}

func (c *Client) Close() {
	c.rpc.Close()
}
