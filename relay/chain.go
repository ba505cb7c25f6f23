package relay

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

const defaultBlockCacheTime = 2 * time.Second

// EthBackend is the subset of ethclient.Client used by the chain reader
type EthBackend interface {
	BlockNumber(ctx context.Context) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// CachingChainReader caches the block number for a short time since every bundle
// operation needs it and the value changes once per slot
type CachingChainReader struct {
	eth       EthBackend
	cacheTime time.Duration

	mu          sync.RWMutex
	blockNumber uint64
	lastUpdate  time.Time
}

func NewCachingChainReader(eth EthBackend, cacheTime time.Duration) *CachingChainReader {
	if cacheTime <= 0 {
		cacheTime = defaultBlockCacheTime
	}
	return &CachingChainReader{
		eth:        eth,
		cacheTime:  cacheTime,
		lastUpdate: time.Now().Add(-2 * cacheTime),
	}
}

// BlockNumber returns the most recent block number, cached for cacheTime
func (c *CachingChainReader) BlockNumber(ctx context.Context) (uint64, error) {
	c.mu.RLock()
	if time.Since(c.lastUpdate) < c.cacheTime {
		c.mu.RUnlock()
		return c.blockNumber, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	// another caller could have refreshed it while we waited for the lock
	if time.Since(c.lastUpdate) < c.cacheTime {
		return c.blockNumber, nil
	}

	blockNumber, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return 0, err
	}

	c.blockNumber = blockNumber
	c.lastUpdate = time.Now()
	return blockNumber, nil
}

func (c *CachingChainReader) FeeData(ctx context.Context) (*FeeData, error) {
	gasPrice, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return nil, err
	}
	return &FeeData{GasPrice: gasPrice}, nil
}

func (c *CachingChainReader) TransactionBlock(ctx context.Context, txHash common.Hash) (uint64, bool, error) {
	receipt, err := c.eth.TransactionReceipt(ctx, txHash)
	if errors.Is(err, ethereum.NotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	if receipt.BlockNumber == nil {
		return 0, false, nil
	}
	return receipt.BlockNumber.Uint64(), true, nil
}
