package protect

import (
	"fmt"
	"regexp"

	"github.com/ethereum/go-ethereum/common"
	"github.com/flashbots/swap-protect-node/svcerr"
	"github.com/shopspring/decimal"
)

var (
	hexTxPattern = regexp.MustCompile(`^0x[0-9a-fA-F]+$`)

	configValidator = svcerr.NewValidator()
)

func validateTransactions(txs []Transaction) []string {
	var violations []string
	if len(txs) == 0 || len(txs) > MaxBundleTransactions {
		violations = append(violations, fmt.Sprintf("bundle must contain between 1 and %d transactions, got %d", MaxBundleTransactions, len(txs)))
	}
	for i, tx := range txs {
		if !hexTxPattern.MatchString(tx.RawTransaction) {
			violations = append(violations, fmt.Sprintf("Transaction %d: rawTransaction must be a 0x-prefixed hex string", i+1))
		}
	}
	return violations
}

func validateRefund(recipient *common.Address, percent *int) []string {
	var violations []string
	if percent != nil && (*percent < 0 || *percent > 100) {
		violations = append(violations, fmt.Sprintf("refundPercent must be between 0 and 100, got %d", *percent))
	}
	if recipient != nil && *recipient == (common.Address{}) {
		violations = append(violations, "refundRecipient must not be the zero address")
	}
	return violations
}

func validateConfig(config BundleConfig) []string {
	var violations []string
	if err := configValidator.Struct(config); err != nil {
		if svcErr, ok := svcerr.FromValidator(err).(*svcerr.Error); ok {
			violations = append(violations, "config: "+svcErr.Message)
		}
	}
	if config.RetryDelay < 0 {
		violations = append(violations, "config: retryDelay must not be negative")
	}
	if slippage, err := decimal.NewFromString(config.FallbackSlippage); err == nil &&
		(slippage.IsNegative() || slippage.GreaterThanOrEqual(hundred)) {
		violations = append(violations, fmt.Sprintf("config: fallbackSlippage must be at least 0 and below 100, got %s", config.FallbackSlippage))
	}
	if config.FallbackGasPrice != "" {
		if gasPrice, err := decimal.NewFromString(config.FallbackGasPrice); err == nil && !gasPrice.IsPositive() {
			violations = append(violations, fmt.Sprintf("config: fallbackGasPrice must be positive, got %s", config.FallbackGasPrice))
		}
	}
	return violations
}

func validateFallback(config BundleConfig, swap *SwapParams) []string {
	if config.EnableFallback && swap == nil {
		return []string{"swap is required when enableFallback is set"}
	}
	return nil
}

// validateCreateRequest checks everything before any external call, all violations are reported together
func validateCreateRequest(req *CreateBundleRequest, config BundleConfig) error {
	violations := validateTransactions(req.Transactions)
	if req.UserAddress == (common.Address{}) {
		violations = append(violations, "userAddress is required")
	}
	violations = append(violations, validateRefund(req.RefundRecipient, req.RefundPercent)...)
	violations = append(violations, validateConfig(config)...)
	violations = append(violations, validateFallback(config, req.Swap)...)
	if len(violations) > 0 {
		return svcerr.ValidationList(violations)
	}
	return nil
}

func validateBundleRequest(req *BundleRequest, emptyMessage string) error {
	if req == nil || len(req.Transactions) == 0 {
		return svcerr.Validation(emptyMessage)
	}
	violations := validateTransactions(req.Transactions)
	violations = append(violations, validateRefund(req.RefundRecipient, req.RefundPercent)...)
	if len(violations) > 0 {
		return svcerr.ValidationList(violations)
	}
	return nil
}
