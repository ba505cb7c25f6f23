// Package fusion coordinates the escrow-ready / secret-release handshake of intent orders.
//
// A secret finalizes the counterparty settlement, so it is only released once the escrow was
// observed funded, and at most once per order.
package fusion

import (
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

const (
	DefaultHistoryLimit = 10
	MaxHistoryLimit     = 100
)

var (
	ErrSecretNotFound = errors.New("secret not found")
	ErrSecretExists   = errors.New("secret already exists")
	ErrOrderNotFound  = errors.New("order not found")
	ErrOrderExists    = errors.New("order already exists")
)

type SecretStatus string

const (
	SecretPending   SecretStatus = "Pending"
	SecretSubmitted SecretStatus = "Submitted"
	SecretConfirmed SecretStatus = "Confirmed"
	SecretExpired   SecretStatus = "Expired"
	SecretFailed    SecretStatus = "Failed"
)

// CanTransition allows Pending -> Submitted|Failed and Submitted -> Confirmed|Expired
func (s SecretStatus) CanTransition(next SecretStatus) bool {
	switch s {
	case SecretPending:
		return next == SecretSubmitted || next == SecretFailed
	case SecretSubmitted:
		return next == SecretConfirmed || next == SecretExpired
	default:
		return false
	}
}

// Active secrets block another release for the same order
func (s SecretStatus) Active() bool {
	return s == SecretPending || s == SecretSubmitted
}

// Order is the part of an intent order the coordinator needs to authorize secret release
type Order struct {
	OrderID       string         `json:"orderId"`
	UserAddress   common.Address `json:"userAddress"`
	EscrowAddress common.Address `json:"escrowAddress"`

	// SecretHash is the hashlock, nil when the order was created without one
	SecretHash *common.Hash `json:"secretHash,omitempty"`
	TxHash     *common.Hash `json:"txHash,omitempty"`
	Nonce      uint64       `json:"nonce"`
	Signature  string       `json:"signature"`
	CreatedAt  time.Time    `json:"createdAt"`
}

type Secret struct {
	ID               string         `json:"secretId"`
	OrderID          string         `json:"orderId"`
	UserAddress      common.Address `json:"userAddress"`
	Secret           string         `json:"secret"`
	SecretHash       common.Hash    `json:"secretHash"`
	Signature        string         `json:"signature"`
	Nonce            uint64         `json:"nonce"`
	Status           SecretStatus   `json:"status"`
	EscrowAddress    common.Address `json:"escrowAddress"`
	EscrowReady      bool           `json:"escrowReady"`
	SubmissionTxHash *common.Hash   `json:"submissionTxHash,omitempty"`
	LastError        string         `json:"lastError,omitempty"`
	Timestamp        time.Time      `json:"timestamp"`
	SubmittedAt      *time.Time     `json:"submittedAt,omitempty"`
}

func (s *Secret) Clone() *Secret {
	c := *s
	if s.SubmissionTxHash != nil {
		h := *s.SubmissionTxHash
		c.SubmissionTxHash = &h
	}
	if s.SubmittedAt != nil {
		t := *s.SubmittedAt
		c.SubmittedAt = &t
	}
	return &c
}

func (s *Secret) setStatus(next SecretStatus) bool {
	if !s.Status.CanTransition(next) {
		return false
	}
	s.Status = next
	return true
}

type CreateIntentOrderRequest struct {
	FromToken   common.Address  `json:"fromTokenAddress" validate:"required"`
	ToToken     common.Address  `json:"toTokenAddress" validate:"required"`
	Amount      decimal.Decimal `json:"amount"`
	SrcChainID  uint64          `json:"srcChainId" validate:"required"`
	DstChainID  uint64          `json:"dstChainId" validate:"required"`
	UserAddress common.Address  `json:"userAddress" validate:"required"`

	// SecretHash is the keccak256 hashlock later secrets are checked against
	SecretHash *common.Hash    `json:"secretHash,omitempty"`
	Receiver   *common.Address `json:"receiver,omitempty"`
}

type SubmitSecretRequest struct {
	OrderID     string         `json:"orderId" validate:"required"`
	UserAddress common.Address `json:"userAddress" validate:"required"`
	Secret      string         `json:"secret" validate:"required,startswith=0x,hexadecimal"`
	Signature   string         `json:"signature" validate:"required"`
	Nonce       uint64         `json:"nonce" validate:"required"`
}

// redact keeps enough of a secret to correlate log lines
func redact(secret string) string {
	if len(secret) <= 6 {
		return "…"
	}
	return secret[:6] + "…"
}
