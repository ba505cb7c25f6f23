// Package relay talks to the bundle relay and to the base chain RPC.
//
// The protect package only depends on the Client interface; JSONRPCRelay is the production
// implementation: eth_callBundle / eth_sendBundle against a primary relay, a best-effort
// fan-out of accepted bundles to additional builders, and a cached chain reader for block
// number, fee data and receipts.
package relay

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

const (
	CallBundleMethod = "eth_callBundle"
	SendBundleMethod = "eth_sendBundle"
)

var (
	ErrSimulationFailed  = errors.New("bundle simulation failed")
	ErrEmptyBundleHash   = errors.New("relay returned empty bundle hash")
	ErrInvalidRelay      = errors.New("invalid relay specification")
	ErrNoPrimaryRelay    = errors.New("no primary relay configured")
	ErrInvalidRawTx      = errors.New("invalid raw transaction")
	ErrInvalidNumberData = errors.New("invalid numeric field in relay response")
)

type Transaction struct {
	RawTransaction string `json:"rawTransaction"`
	CanRevert      bool   `json:"canRevert"`
}

type SimulationResult struct {
	GasUsed         uint64       `json:"gasUsed"`
	CoinbaseDiff    *big.Int     `json:"coinbaseDiff"`
	RefundableValue *big.Int     `json:"refundableValue"`
	StateBlock      uint64       `json:"stateBlock"`
	Logs            []*types.Log `json:"logs,omitempty"`
}

type SendRequest struct {
	Transactions    []Transaction
	TargetBlock     uint64
	RefundRecipient *common.Address
	RefundPercent   *int
}

type SendResult struct {
	BundleHash common.Hash `json:"bundleHash"`
}

type FeeData struct {
	GasPrice *big.Int `json:"gasPrice"`
}

// Client is the contract the bundle manager consumes.
// Simulate must be called before Send for the same bundle.
type Client interface {
	Simulate(ctx context.Context, txs []Transaction, targetBlock uint64) (*SimulationResult, error)
	Send(ctx context.Context, req SendRequest) (*SendResult, error)
	CurrentBlockNumber(ctx context.Context) (uint64, error)
	FeeData(ctx context.Context) (*FeeData, error)
}

// InclusionChecker reports the block a transaction was mined in
type InclusionChecker interface {
	TransactionBlock(ctx context.Context, txHash common.Hash) (block uint64, found bool, err error)
}

// CallBundleArgs are the params of eth_callBundle
type CallBundleArgs struct {
	Txs              []hexutil.Bytes `json:"txs"`
	BlockNumber      hexutil.Uint64  `json:"blockNumber"`
	StateBlockNumber string          `json:"stateBlockNumber"`
}

type CallBundleTxResult struct {
	TxHash  common.Hash  `json:"txHash"`
	GasUsed uint64       `json:"gasUsed"`
	Error   string       `json:"error,omitempty"`
	Revert  string       `json:"revert,omitempty"`
	Logs    []*types.Log `json:"logs,omitempty"`
}

// CallBundleResponse numeric wei values are decimal strings on the wire
type CallBundleResponse struct {
	BundleHash       common.Hash          `json:"bundleHash"`
	CoinbaseDiff     string               `json:"coinbaseDiff"`
	RefundableValue  string               `json:"refundableValue,omitempty"`
	GasFees          string               `json:"gasFees"`
	TotalGasUsed     uint64               `json:"totalGasUsed"`
	StateBlockNumber uint64               `json:"stateBlockNumber"`
	Results          []CallBundleTxResult `json:"results"`
}

// SendBundleArgs are the params of eth_sendBundle
type SendBundleArgs struct {
	Txs               []hexutil.Bytes `json:"txs"`
	BlockNumber       hexutil.Uint64  `json:"blockNumber"`
	RevertingTxHashes []common.Hash   `json:"revertingTxHashes,omitempty"`
	RefundPercent     *int            `json:"refundPercent,omitempty"`
	RefundRecipient   *common.Address `json:"refundRecipient,omitempty"`
}

type SendBundleResponse struct {
	BundleHash common.Hash `json:"bundleHash"`
}
