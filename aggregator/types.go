// Package aggregator is the client of the external swap-routing and intent-order API.
//
// Responses are decoded into explicit schemas and checked for required fields, a response
// that does not decode or lacks a required field is an error, never a zero value.
package aggregator

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

var (
	ErrBadStatus     = errors.New("aggregator returned error status")
	ErrDecode        = errors.New("failed to decode aggregator response")
	ErrMissingFields = errors.New("aggregator response is missing required fields")
)

type EscrowState string

const (
	EscrowPending  EscrowState = "Pending"
	EscrowReady    EscrowState = "Ready"
	EscrowExpired  EscrowState = "Expired"
	EscrowReleased EscrowState = "Released"
)

type QuoteRequest struct {
	FromToken   common.Address
	ToToken     common.Address
	Amount      decimal.Decimal
	ChainID     uint64
	UserAddress common.Address
	// GasPrice and Slippage are optional, zero values leave the aggregator defaults
	GasPrice decimal.Decimal
	Slippage decimal.Decimal
}

type RouteStep struct {
	Protocol  string          `json:"protocol" validate:"required"`
	FromToken common.Address  `json:"fromTokenAddress"`
	ToToken   common.Address  `json:"toTokenAddress"`
	Part      decimal.Decimal `json:"part"`
}

type Quote struct {
	ToAmount     decimal.Decimal `json:"toAmount"`
	EstimatedGas uint64          `json:"estimatedGas" validate:"required"`
	Route        []RouteStep     `json:"route" validate:"dive"`
}

type SwapRequest struct {
	Quote       QuoteRequest
	MinToAmount decimal.Decimal
}

type SwapResult struct {
	TxHash   common.Hash     `json:"txHash" validate:"required"`
	ToAmount decimal.Decimal `json:"toAmount"`
}

type IntentOrderRequest struct {
	FromToken      common.Address  `json:"fromTokenAddress" validate:"required"`
	ToToken        common.Address  `json:"toTokenAddress" validate:"required"`
	Amount         decimal.Decimal `json:"amount"`
	SrcChainID     uint64          `json:"srcChainId" validate:"required"`
	DstChainID     uint64          `json:"dstChainId" validate:"required"`
	UserAddress    common.Address  `json:"walletAddress" validate:"required"`
	SecretHash     common.Hash     `json:"secretHash"`
	ReceiveAddress *common.Address `json:"receiver,omitempty"`
}

type IntentOrder struct {
	OrderID       string         `json:"orderHash" validate:"required"`
	EscrowAddress common.Address `json:"escrowAddress"`
	TxHash        *common.Hash   `json:"txHash,omitempty"`
	Nonce         uint64         `json:"nonce"`
	Signature     string         `json:"signature"`
}

type EscrowStatus struct {
	OrderID             string          `json:"orderId" validate:"required"`
	EscrowAddress       common.Address  `json:"escrowAddress"`
	IsReady             bool            `json:"isReady"`
	ReadyTimestamp      *time.Time      `json:"readyTimestamp,omitempty"`
	ExpirationTimestamp time.Time       `json:"expirationTimestamp"`
	DepositedAmount     decimal.Decimal `json:"depositedAmount"`
	RequiredAmount      decimal.Decimal `json:"requiredAmount"`
	Status              EscrowState     `json:"status" validate:"oneof=Pending Ready Expired Released"`
}

type SecretSubmission struct {
	OrderID   string `json:"orderHash"`
	Secret    string `json:"secret"`
	Signature string `json:"signature"`
	Nonce     uint64 `json:"nonce"`
}

type SecretReceipt struct {
	SecretHash       common.Hash `json:"secretHash" validate:"required"`
	SubmissionTxHash common.Hash `json:"submissionTxHash" validate:"required"`
}

// Client is the contract the bundle manager and the escrow coordinator consume
type Client interface {
	Quote(ctx context.Context, req QuoteRequest) (*Quote, error)
	Swap(ctx context.Context, req SwapRequest) (*SwapResult, error)
	CreateIntentOrder(ctx context.Context, req IntentOrderRequest) (*IntentOrder, error)
	GetEscrowStatus(ctx context.Context, orderID string) (*EscrowStatus, error)
	SubmitSecret(ctx context.Context, req SecretSubmission) (*SecretReceipt, error)
}
