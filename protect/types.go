// Package protect implements the MEV-protected bundle lifecycle: creation, simulation,
// bounded retry with fallback to an unprotected swap, inclusion tracking and history.
package protect

import (
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/flashbots/swap-protect-node/relay"
	"github.com/shopspring/decimal"
)

const (
	MaxBundleTransactions = 10

	DefaultHistoryLimit = 10
	MaxHistoryLimit     = 100
)

var (
	ErrBundleNotFound    = errors.New("bundle not found")
	ErrBundleExists      = errors.New("bundle already exists")
	ErrInvalidTransition = errors.New("invalid bundle status transition")
	ErrNoSwapParams      = errors.New("bundle has no swap parameters")
)

type BundleStatus string

const (
	StatusCreated   BundleStatus = "Created"
	StatusSubmitted BundleStatus = "Submitted"
	StatusIncluded  BundleStatus = "Included"
	StatusFailed    BundleStatus = "Failed"
	StatusExpired   BundleStatus = "Expired"
)

func (s BundleStatus) rank() int {
	switch s {
	case StatusCreated:
		return 0
	case StatusSubmitted:
		return 1
	case StatusIncluded, StatusFailed, StatusExpired:
		return 2
	default:
		return -1
	}
}

// CanTransition reports whether the status may move to next: only forward, terminal states are final
func (s BundleStatus) CanTransition(next BundleStatus) bool {
	from, to := s.rank(), next.rank()
	return from >= 0 && to >= 0 && to > from
}

func (s BundleStatus) IsFinal() bool {
	return s.rank() == 2
}

type Transaction struct {
	RawTransaction string `json:"rawTransaction"`
	CanRevert      bool   `json:"canRevert"`
}

func relayTxs(txs []Transaction) []relay.Transaction {
	res := make([]relay.Transaction, len(txs))
	for i, tx := range txs {
		res[i] = relay.Transaction{RawTransaction: tx.RawTransaction, CanRevert: tx.CanRevert}
	}
	return res
}

// SwapParams describe the trade a bundle executes, they are used to re-quote it on fallback
type SwapParams struct {
	FromToken common.Address  `json:"fromTokenAddress"`
	ToToken   common.Address  `json:"toTokenAddress"`
	Amount    decimal.Decimal `json:"amount"`
	ChainID   uint64          `json:"chainId"`
}

type Bundle struct {
	ID                    string          `json:"bundleId"`
	Transactions          []Transaction   `json:"transactions"`
	TargetBlock           uint64          `json:"targetBlock"`
	Status                BundleStatus    `json:"status"`
	BundleHash            *common.Hash    `json:"bundleHash,omitempty"`
	GasEstimate           decimal.Decimal `json:"gasEstimate"`
	GasPrice              decimal.Decimal `json:"gasPrice"`
	TotalValue            decimal.Decimal `json:"totalValue"`
	RefundRecipient       *common.Address `json:"refundRecipient,omitempty"`
	RefundPercent         int             `json:"refundPercent"`
	SubmissionAttempts    int             `json:"submissionAttempts"`
	LastSubmissionAttempt *time.Time      `json:"lastSubmissionAttempt,omitempty"`
	UserAddress           common.Address  `json:"userAddress"`
	Timestamp             time.Time       `json:"timestamp"`
	FallbackUsed          bool            `json:"fallbackUsed"`
	FallbackReason        string          `json:"fallbackReason,omitempty"`
	FallbackTxHash        *common.Hash    `json:"fallbackTxHash,omitempty"`
	IncludedBlock         *uint64         `json:"includedBlock,omitempty"`
	LastError             string          `json:"lastError,omitempty"`
	RetryOf               string          `json:"retryOf,omitempty"`
	Config                BundleConfig    `json:"config"`
	Swap                  *SwapParams     `json:"swap,omitempty"`
}

// Clone returns a deep copy so stored records are never shared with callers
func (b *Bundle) Clone() *Bundle {
	c := *b
	c.Transactions = append([]Transaction(nil), b.Transactions...)
	if b.BundleHash != nil {
		h := *b.BundleHash
		c.BundleHash = &h
	}
	if b.RefundRecipient != nil {
		a := *b.RefundRecipient
		c.RefundRecipient = &a
	}
	if b.LastSubmissionAttempt != nil {
		t := *b.LastSubmissionAttempt
		c.LastSubmissionAttempt = &t
	}
	if b.FallbackTxHash != nil {
		h := *b.FallbackTxHash
		c.FallbackTxHash = &h
	}
	if b.IncludedBlock != nil {
		v := *b.IncludedBlock
		c.IncludedBlock = &v
	}
	if b.Swap != nil {
		s := *b.Swap
		c.Swap = &s
	}
	return &c
}

// setStatus moves the bundle forward, a backward or repeated transition is an error
func (b *Bundle) setStatus(next BundleStatus) error {
	if !b.Status.CanTransition(next) {
		return ErrInvalidTransition
	}
	b.Status = next
	return nil
}

type CreateBundleRequest struct {
	Transactions    []Transaction   `json:"transactions"`
	UserAddress     common.Address  `json:"userAddress"`
	RefundRecipient *common.Address `json:"refundRecipient,omitempty"`
	RefundPercent   *int            `json:"refundPercent,omitempty"`
	Config          *ConfigOverride `json:"config,omitempty"`
	Swap            *SwapParams     `json:"swap,omitempty"`
}

// BundleRequest is a one-off bundle for simulation, gas estimation or single-shot submission.
// Zero TargetBlock means the next block.
type BundleRequest struct {
	Transactions    []Transaction   `json:"transactions"`
	TargetBlock     uint64          `json:"targetBlock,omitempty"`
	RefundRecipient *common.Address `json:"refundRecipient,omitempty"`
	RefundPercent   *int            `json:"refundPercent,omitempty"`
}

type SimulationResult struct {
	Success         bool            `json:"success"`
	GasUsed         uint64          `json:"gasUsed"`
	BlockNumber     uint64          `json:"blockNumber"`
	CoinbaseDiff    decimal.Decimal `json:"coinbaseDiff"`
	RefundableValue decimal.Decimal `json:"refundableValue"`
	Profit          decimal.Decimal `json:"profit"`
	Logs            []*types.Log    `json:"logs"`
}

type GasEstimate struct {
	GasUsed         uint64          `json:"gasUsed"`
	GasPrice        decimal.Decimal `json:"gasPrice"`
	TotalCost       decimal.Decimal `json:"totalCost"`
	EstimatedProfit decimal.Decimal `json:"estimatedProfit"`
}
