package fusion

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/flashbots/swap-protect-node/aggregator"
	"github.com/flashbots/swap-protect-node/jsonrpcserver"
	"github.com/flashbots/swap-protect-node/metrics"
	"github.com/flashbots/swap-protect-node/svcerr"
	"go.uber.org/zap"
)

const (
	CreateIntentOrderEndpointName            = "fusion_createIntentOrder"
	CheckEscrowStatusEndpointName            = "fusion_checkEscrowStatus"
	SubmitSecretEndpointName                 = "fusion_submitSecret"
	WaitForEscrowAndSubmitSecretEndpointName = "fusion_waitForEscrowAndSubmitSecret"
	GetSecretStatusEndpointName              = "fusion_getSecretStatus"
	GetUserSecretsEndpointName               = "fusion_getUserSecrets"
)

// API exposes the Coordinator over JSON-RPC. Signed requests may only act for their signer,
// unsigned ones are trusted with the userAddress they carry unless RequireSignature is set.
type API struct {
	log              *zap.Logger
	coordinator      *Coordinator
	requireSignature bool
}

func NewAPI(log *zap.Logger, coordinator *Coordinator) *API {
	return &API{
		log:              log.Named("fusion_api"),
		coordinator:      coordinator,
		requireSignature: coordinator.config.RequireSignature,
	}
}

func (a *API) Methods() jsonrpcserver.Methods {
	return jsonrpcserver.Methods{
		CreateIntentOrderEndpointName:            a.CreateIntentOrder,
		CheckEscrowStatusEndpointName:            a.CheckEscrowStatus,
		SubmitSecretEndpointName:                 a.SubmitSecret,
		WaitForEscrowAndSubmitSecretEndpointName: a.WaitForEscrowAndSubmitSecret,
		GetSecretStatusEndpointName:              a.GetSecretStatus,
		GetUserSecretsEndpointName:               a.GetUserSecrets,
	}
}

func observe(method string, startAt time.Time, err error) {
	metrics.RecordRPCCallDuration(method, time.Since(startAt).Milliseconds())
	if err != nil {
		metrics.IncRPCCallFailure(method)
	}
}

func (a *API) authorize(ctx context.Context, user common.Address) error {
	signer, ok := jsonrpcserver.GetSigner(ctx)
	if !ok && a.requireSignature {
		return svcerr.Unauthorized("Request must be signed by userAddress")
	}
	if ok && signer != user {
		return svcerr.Unauthorized("Request signer does not match userAddress")
	}
	return nil
}

func (a *API) CreateIntentOrder(ctx context.Context, req CreateIntentOrderRequest) (_ *Order, err error) {
	defer func(startAt time.Time) { observe(CreateIntentOrderEndpointName, startAt, err) }(time.Now())
	if err := a.authorize(ctx, req.UserAddress); err != nil {
		return nil, err
	}
	return a.coordinator.CreateIntentOrder(ctx, req)
}

func (a *API) CheckEscrowStatus(ctx context.Context, orderID string, user common.Address) (_ *aggregator.EscrowStatus, err error) {
	defer func(startAt time.Time) { observe(CheckEscrowStatusEndpointName, startAt, err) }(time.Now())
	if err := a.authorize(ctx, user); err != nil {
		return nil, err
	}
	return a.coordinator.CheckEscrowStatus(ctx, orderID, user)
}

func (a *API) SubmitSecret(ctx context.Context, req SubmitSecretRequest) (_ *Secret, err error) {
	defer func(startAt time.Time) { observe(SubmitSecretEndpointName, startAt, err) }(time.Now())
	if err := a.authorize(ctx, req.UserAddress); err != nil {
		return nil, err
	}
	return a.coordinator.SubmitSecret(ctx, req)
}

// WaitForEscrowAndSubmitSecret takes the wait budget in milliseconds, zero uses the configured maximum
func (a *API) WaitForEscrowAndSubmitSecret(ctx context.Context, req SubmitSecretRequest, maxWaitTimeMs int64) (_ *Secret, err error) {
	defer func(startAt time.Time) { observe(WaitForEscrowAndSubmitSecretEndpointName, startAt, err) }(time.Now())
	if err := a.authorize(ctx, req.UserAddress); err != nil {
		return nil, err
	}
	return a.coordinator.WaitForEscrowAndSubmitSecret(ctx, req, time.Duration(maxWaitTimeMs)*time.Millisecond)
}

func (a *API) GetSecretStatus(ctx context.Context, secretID string, user common.Address) (_ *Secret, err error) {
	defer func(startAt time.Time) { observe(GetSecretStatusEndpointName, startAt, err) }(time.Now())
	if err := a.authorize(ctx, user); err != nil {
		return nil, err
	}
	return a.coordinator.GetSecretStatus(ctx, secretID, user)
}

func (a *API) GetUserSecrets(ctx context.Context, user common.Address, limit, page int) (_ []*Secret, err error) {
	defer func(startAt time.Time) { observe(GetUserSecretsEndpointName, startAt, err) }(time.Now())
	if err := a.authorize(ctx, user); err != nil {
		return nil, err
	}
	return a.coordinator.GetUserSecrets(ctx, user, limit, page)
}
