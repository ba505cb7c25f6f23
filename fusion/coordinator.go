package fusion

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/lru"
	"github.com/flashbots/swap-protect-node/aggregator"
	"github.com/flashbots/swap-protect-node/keylock"
	"github.com/flashbots/swap-protect-node/metrics"
	"github.com/flashbots/swap-protect-node/spike"
	"github.com/flashbots/swap-protect-node/svcerr"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/sha3"
)

const secretTimedOutMessage = "secret submission timed out"

// Coordinator releases order secrets once their escrow is funded.
// All mutations of the secrets of one order are serialized by the order lock.
type Coordinator struct {
	log        *zap.Logger
	config     Config
	aggregator aggregator.Client
	secrets    SecretStore
	orders     OrderBook
	orderCache *spike.Manager[*Order]
	guard      ReleaseGuard
	locks      *keylock.Locker
	validate   *validator.Validate
	// last readiness seen per order
	readiness *lru.Cache[string, bool]
	now       func() time.Time
}

func NewCoordinator(log *zap.Logger, config Config, aggregatorClient aggregator.Client, secrets SecretStore, orders OrderBook, guard ReleaseGuard) (*Coordinator, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if guard == nil {
		guard = NewMemoryReleaseGuard()
	}
	return &Coordinator{
		log:        log.Named("fusion"),
		config:     config,
		aggregator: aggregatorClient,
		secrets:    secrets,
		orders:     orders,
		orderCache: spike.NewManager(orders.GetOrder, config.OrderCacheTime),
		guard:      guard,
		locks:      keylock.New(),
		validate:   svcerr.NewValidator(),
		readiness:  lru.NewCache[string, bool](config.ReadinessCacheSize),
		now:        time.Now,
	}, nil
}

// CreateIntentOrder places the order with the aggregator and records it so that its escrow
// and secrets can later be accessed by the owner only.
func (c *Coordinator) CreateIntentOrder(ctx context.Context, req CreateIntentOrderRequest) (*Order, error) {
	if err := c.validate.Struct(&req); err != nil {
		return nil, svcerr.FromValidator(err)
	}
	if !req.Amount.IsPositive() {
		return nil, svcerr.ValidationList([]string{"amount must be positive"})
	}

	orderReq := aggregator.IntentOrderRequest{
		FromToken:      req.FromToken,
		ToToken:        req.ToToken,
		Amount:         req.Amount,
		SrcChainID:     req.SrcChainID,
		DstChainID:     req.DstChainID,
		UserAddress:    req.UserAddress,
		ReceiveAddress: req.Receiver,
	}
	if req.SecretHash != nil {
		orderReq.SecretHash = *req.SecretHash
	}
	created, err := c.aggregator.CreateIntentOrder(ctx, orderReq)
	if err != nil {
		c.log.Warn("Failed to create intent order", zap.Error(err))
		return nil, svcerr.Aggregator(err, "Failed to create intent order: "+err.Error())
	}

	order := &Order{
		OrderID:       created.OrderID,
		UserAddress:   req.UserAddress,
		EscrowAddress: created.EscrowAddress,
		SecretHash:    req.SecretHash,
		TxHash:        created.TxHash,
		Nonce:         created.Nonce,
		Signature:     created.Signature,
		CreatedAt:     c.now(),
	}
	if err := c.orders.InsertOrder(ctx, order); errors.Is(err, ErrOrderExists) {
		return nil, svcerr.Conflict("Order already exists")
	} else if err != nil {
		c.log.Error("Failed to store order", zap.Error(err), zap.String("order", order.OrderID))
		return nil, svcerr.Internal(err)
	}
	c.orderCache.Set(order.OrderID, order)

	c.log.Info("Intent order created", zap.String("order", order.OrderID), zap.Stringer("user", order.UserAddress))
	return order, nil
}

// CheckEscrowStatus returns the current escrow snapshot of an order owned by user.
// A snapshot claiming readiness with less than the required amount deposited is reported not ready.
func (c *Coordinator) CheckEscrowStatus(ctx context.Context, orderID string, user common.Address) (*aggregator.EscrowStatus, error) {
	_, status, err := c.checkEscrow(ctx, orderID, user)
	return status, err
}

func (c *Coordinator) checkEscrow(ctx context.Context, orderID string, user common.Address) (*Order, *aggregator.EscrowStatus, error) {
	order, err := c.getOwnedOrder(ctx, orderID, user)
	if err != nil {
		return nil, nil, err
	}

	metrics.IncEscrowPolls()
	status, err := c.aggregator.GetEscrowStatus(ctx, orderID)
	if err != nil {
		c.log.Warn("Failed to check escrow status", zap.Error(err), zap.String("order", orderID))
		return nil, nil, svcerr.Aggregator(err, "Failed to check escrow status: "+err.Error())
	}
	return order, c.normalize(orderID, status), nil
}

func (c *Coordinator) normalize(orderID string, status *aggregator.EscrowStatus) *aggregator.EscrowStatus {
	res := *status
	if res.IsReady && res.DepositedAmount.LessThan(res.RequiredAmount) {
		c.log.Warn("Escrow reported ready but is underfunded", zap.String("order", orderID),
			zap.Stringer("deposited", res.DepositedAmount), zap.Stringer("required", res.RequiredAmount))
		res.IsReady = false
	}
	if res.Status == aggregator.EscrowExpired || res.Status == aggregator.EscrowReleased {
		res.IsReady = false
	}

	if wasReady, ok := c.readiness.Get(orderID); ok && wasReady && !res.IsReady && res.Status != aggregator.EscrowExpired {
		c.log.Warn("Escrow readiness regressed", zap.String("order", orderID), zap.String("status", string(res.Status)))
		metrics.IncEscrowReadinessRegressions()
	}
	c.readiness.Add(orderID, res.IsReady)
	return &res
}

func (c *Coordinator) getOwnedOrder(ctx context.Context, orderID string, user common.Address) (*Order, error) {
	order, err := c.orderCache.GetResult(ctx, orderID)
	if errors.Is(err, ErrOrderNotFound) {
		return nil, svcerr.NotFound("Order not found")
	} else if err != nil {
		c.log.Error("Failed to load order", zap.Error(err), zap.String("order", orderID))
		return nil, svcerr.Internal(err)
	}
	if order.UserAddress != user {
		return nil, svcerr.Unauthorized("Not authorized to access this order")
	}
	return order, nil
}

func (c *Coordinator) validateSubmission(req *SubmitSecretRequest) ([]byte, error) {
	if err := c.validate.Struct(req); err != nil {
		return nil, svcerr.FromValidator(err)
	}
	preimage, err := hexutil.Decode(req.Secret)
	if err != nil {
		return nil, svcerr.ValidationList([]string{"secret must be a 0x-prefixed hex string"})
	}
	return preimage, nil
}

// SubmitSecret releases the secret of a funded escrow. The escrow readiness is checked right before
// the release and at most one secret per order may be Pending or Submitted.
func (c *Coordinator) SubmitSecret(ctx context.Context, req SubmitSecretRequest) (*Secret, error) {
	preimage, err := c.validateSubmission(&req)
	if err != nil {
		return nil, err
	}

	unlock := c.locks.Lock(req.OrderID)
	defer unlock()

	order, escrow, err := c.checkEscrow(ctx, req.OrderID, req.UserAddress)
	if err != nil {
		return nil, err
	}
	if !escrow.IsReady {
		return nil, svcerr.EscrowNotReady("Escrow is not ready for secret submission")
	}

	secretHash := keccak(preimage)
	if order.SecretHash != nil && *order.SecretHash != secretHash {
		return nil, svcerr.ValidationList([]string{"secret does not match the order hashlock"})
	}

	if err := c.checkNoActiveSecret(ctx, req.OrderID); err != nil {
		return nil, err
	}
	acquired, err := c.guard.Acquire(ctx, req.OrderID, c.config.SecretSubmissionTimeout)
	if err != nil {
		c.log.Error("Failed to acquire release guard", zap.Error(err), zap.String("order", req.OrderID))
		return nil, svcerr.Internal(err)
	}
	if !acquired {
		metrics.IncSecretConflicts()
		return nil, svcerr.Conflict("A secret for this order is already being released")
	}

	secret := &Secret{
		ID:            uuid.NewString(),
		OrderID:       req.OrderID,
		UserAddress:   req.UserAddress,
		Secret:        req.Secret,
		SecretHash:    secretHash,
		Signature:     req.Signature,
		Nonce:         req.Nonce,
		Status:        SecretPending,
		EscrowAddress: escrow.EscrowAddress,
		EscrowReady:   escrow.IsReady,
		Timestamp:     c.now(),
	}
	if err := c.secrets.InsertSecret(ctx, secret); err != nil {
		c.log.Error("Failed to store secret", zap.Error(err), zap.String("order", req.OrderID))
		c.releaseGuard(ctx, req.OrderID)
		return nil, svcerr.Internal(err)
	}

	log := c.log.With(zap.String("secret", secret.ID), zap.String("order", req.OrderID), zap.String("value", redact(req.Secret)))
	receipt, err := c.aggregator.SubmitSecret(ctx, aggregator.SecretSubmission{
		OrderID:   req.OrderID,
		Secret:    req.Secret,
		Signature: req.Signature,
		Nonce:     req.Nonce,
	})
	if err != nil {
		log.Warn("Secret submission failed", zap.Error(err))
		metrics.IncSecretsFailed()
		_ = secret.setStatus(SecretFailed)
		secret.LastError = err.Error()
		if updateErr := c.secrets.UpdateSecret(ctx, secret); updateErr != nil {
			log.Error("Failed to update secret", zap.Error(updateErr))
		}
		c.releaseGuard(ctx, req.OrderID)
		return nil, svcerr.Aggregator(err, "Secret submission failed: "+err.Error())
	}

	if receipt.SecretHash != secretHash {
		log.Warn("Aggregator reported a different secret hash", zap.Stringer("reported", receipt.SecretHash))
	}
	submittedAt := c.now()
	txHash := receipt.SubmissionTxHash
	_ = secret.setStatus(SecretSubmitted)
	secret.SubmissionTxHash = &txHash
	secret.SubmittedAt = &submittedAt
	if err := c.secrets.UpdateSecret(ctx, secret); err != nil {
		// the secret is out, the guard stays held until it expires
		log.Error("Failed to update submitted secret", zap.Error(err))
		return nil, svcerr.Internal(err)
	}
	metrics.IncSecretsSubmitted()

	log.Info("Secret submitted", zap.Stringer("txHash", txHash))
	return secret, nil
}

// checkNoActiveSecret expires stale secrets of the order first, must hold the order lock
func (c *Coordinator) checkNoActiveSecret(ctx context.Context, orderID string) error {
	existing, err := c.secrets.GetOrderSecrets(ctx, orderID)
	if err != nil {
		c.log.Error("Failed to load order secrets", zap.Error(err), zap.String("order", orderID))
		return svcerr.Internal(err)
	}
	for _, secret := range existing {
		secret, err = c.expireLocked(ctx, secret)
		if err != nil {
			return err
		}
		if secret.Status.Active() {
			metrics.IncSecretConflicts()
			return svcerr.Conflict("A secret was already released for this order")
		}
	}
	return nil
}

func (c *Coordinator) releaseGuard(ctx context.Context, orderID string) {
	if err := c.guard.Release(ctx, orderID); err != nil {
		c.log.Warn("Failed to release guard", zap.Error(err), zap.String("order", orderID))
	}
}

// WaitForEscrowAndSubmitSecret polls the escrow every CheckInterval until it is ready and then submits
// the secret. maxWaitTime bounds the whole wait including hanging polls, zero uses MaxEscrowWaitTime.
func (c *Coordinator) WaitForEscrowAndSubmitSecret(ctx context.Context, req SubmitSecretRequest, maxWaitTime time.Duration) (*Secret, error) {
	if _, err := c.validateSubmission(&req); err != nil {
		return nil, err
	}
	if maxWaitTime <= 0 || maxWaitTime > c.config.MaxEscrowWaitTime {
		maxWaitTime = c.config.MaxEscrowWaitTime
	}

	waitCtx, cancel := context.WithTimeout(ctx, maxWaitTime)
	defer cancel()

	ticker := time.NewTicker(c.config.CheckInterval)
	defer ticker.Stop()

	for polls := 1; ; polls++ {
		ready, err := c.pollReady(waitCtx, req.OrderID, req.UserAddress)
		if err != nil {
			if waitCtx.Err() != nil {
				return nil, c.waitTimeout(waitCtx, req.OrderID, polls)
			}
			return nil, err
		}
		if ready {
			c.log.Debug("Escrow ready", zap.String("order", req.OrderID), zap.Int("polls", polls))
			return c.SubmitSecret(ctx, req)
		}

		select {
		case <-waitCtx.Done():
			return nil, c.waitTimeout(waitCtx, req.OrderID, polls)
		case <-ticker.C:
		}
	}
}

func (c *Coordinator) pollReady(ctx context.Context, orderID string, user common.Address) (bool, error) {
	pollCtx, cancel := context.WithTimeout(ctx, c.config.PollTimeout)
	defer cancel()

	_, status, err := c.checkEscrow(pollCtx, orderID, user)
	if err != nil {
		return false, err
	}
	return status.IsReady, nil
}

func (c *Coordinator) waitTimeout(ctx context.Context, orderID string, polls int) error {
	c.log.Info("Escrow wait timed out", zap.String("order", orderID), zap.Int("polls", polls))
	return svcerr.Timeout(ctx.Err(), "Escrow did not become ready within the specified time")
}

// GetSecretStatus returns the secret of the owner, expiring it first when it outlived SecretSubmissionTimeout
func (c *Coordinator) GetSecretStatus(ctx context.Context, secretID string, user common.Address) (*Secret, error) {
	secret, err := c.secrets.GetSecret(ctx, secretID)
	if errors.Is(err, ErrSecretNotFound) {
		return nil, svcerr.NotFound("Secret not found")
	} else if err != nil {
		c.log.Error("Failed to load secret", zap.Error(err), zap.String("secret", secretID))
		return nil, svcerr.Internal(err)
	}
	if secret.UserAddress != user {
		return nil, svcerr.Unauthorized("Not authorized to access this secret")
	}
	if !c.isStale(secret) {
		return secret, nil
	}

	unlock := c.locks.Lock(secret.OrderID)
	defer unlock()
	return c.expireLocked(ctx, secret)
}

// GetUserSecrets pages through the secrets of user newest first
func (c *Coordinator) GetUserSecrets(ctx context.Context, user common.Address, limit, page int) ([]*Secret, error) {
	limit, offset := pagination(limit, page)
	secrets, err := c.secrets.GetUserSecrets(ctx, user, limit, offset)
	if err != nil {
		c.log.Error("Failed to load user secrets", zap.Error(err))
		return nil, svcerr.Internal(err)
	}
	if secrets == nil {
		secrets = []*Secret{}
	}
	return secrets, nil
}

// SweepExpiredSecrets applies the submission timeout to every stale secret and returns how many changed
func (c *Coordinator) SweepExpiredSecrets(ctx context.Context) (int, error) {
	stale, err := c.secrets.GetStaleSecrets(ctx, c.now().Add(-c.config.SecretSubmissionTimeout))
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, secret := range stale {
		changed, err := c.expire(ctx, secret)
		if err != nil {
			return swept, err
		}
		if changed {
			swept++
		}
	}
	return swept, nil
}

func (c *Coordinator) expire(ctx context.Context, secret *Secret) (bool, error) {
	unlock := c.locks.Lock(secret.OrderID)
	defer unlock()

	updated, err := c.expireLocked(ctx, secret)
	if err != nil {
		return false, err
	}
	return updated.Status != secret.Status, nil
}

func (c *Coordinator) isStale(secret *Secret) bool {
	return secret.Status.Active() && c.now().Sub(secret.Timestamp) > c.config.SecretSubmissionTimeout
}

// expireLocked moves a stale Submitted secret to Expired and a stale Pending one to Failed.
// The caller holds the order lock.
func (c *Coordinator) expireLocked(ctx context.Context, secret *Secret) (*Secret, error) {
	if !c.isStale(secret) {
		return secret, nil
	}
	current, err := c.secrets.GetSecret(ctx, secret.ID)
	if err != nil {
		c.log.Error("Failed to reload secret", zap.Error(err), zap.String("secret", secret.ID))
		return nil, svcerr.Internal(err)
	}
	if !c.isStale(current) {
		return current, nil
	}

	if current.Status == SecretPending {
		_ = current.setStatus(SecretFailed)
		current.LastError = secretTimedOutMessage
		metrics.IncSecretsFailed()
	} else {
		_ = current.setStatus(SecretExpired)
		metrics.IncSecretsExpired()
	}
	if err := c.secrets.UpdateSecret(ctx, current); err != nil {
		c.log.Error("Failed to expire secret", zap.Error(err), zap.String("secret", current.ID))
		return nil, svcerr.Internal(err)
	}
	c.releaseGuard(ctx, current.OrderID)

	c.log.Info("Secret timed out", zap.String("secret", current.ID), zap.String("status", string(current.Status)))
	return current, nil
}

func pagination(limit, page int) (int, int) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	if page < 1 {
		page = 1
	}
	return limit, (page - 1) * limit
}

func keccak(data []byte) common.Hash {
	hasher := sha3.NewLegacyKeccak256()
	hasher.Write(data)
	var h common.Hash
	hasher.Sum(h[:0])
	return h
}
