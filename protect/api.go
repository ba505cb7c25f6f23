package protect

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/flashbots/swap-protect-node/jsonrpcserver"
	"github.com/flashbots/swap-protect-node/metrics"
	"github.com/flashbots/swap-protect-node/svcerr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	CreateBundleEndpointName      = "protect_createBundle"
	RetryBundleEndpointName       = "protect_retryBundle"
	SimulateBundleEndpointName    = "protect_simulateBundle"
	SubmitBundleEndpointName      = "protect_submitBundle"
	EstimateBundleGasEndpointName = "protect_estimateBundleGas"
	GetBundleStatusEndpointName   = "protect_getBundleStatus"
	GetBundleHistoryEndpointName  = "protect_getBundleHistory"
)

type RetryBundleArgs struct {
	BundleID    string          `json:"bundleId"`
	UserAddress common.Address  `json:"userAddress"`
	Config      *ConfigOverride `json:"config,omitempty"`
}

// API exposes the Manager over JSON-RPC. Signed requests may only act for their signer,
// unsigned ones are trusted with the userAddress they carry unless RequireSignature is set.
type API struct {
	log              *zap.Logger
	manager          *Manager
	simRateLimiter   *rate.Limiter
	requireSignature bool
}

func NewAPI(log *zap.Logger, manager *Manager, config Config) *API {
	return &API{
		log:              log.Named("protect_api"),
		manager:          manager,
		simRateLimiter:   rate.NewLimiter(rate.Limit(config.SimulationRateLimit), config.SimulationBurst),
		requireSignature: config.RequireSignature,
	}
}

func (a *API) Methods() jsonrpcserver.Methods {
	return jsonrpcserver.Methods{
		CreateBundleEndpointName:      a.CreateBundle,
		RetryBundleEndpointName:       a.RetryBundle,
		SimulateBundleEndpointName:    a.SimulateBundle,
		SubmitBundleEndpointName:      a.SubmitBundle,
		EstimateBundleGasEndpointName: a.EstimateBundleGas,
		GetBundleStatusEndpointName:   a.GetBundleStatus,
		GetBundleHistoryEndpointName:  a.GetBundleHistory,
	}
}

func observe(method string, startAt time.Time, err error) {
	metrics.RecordRPCCallDuration(method, time.Since(startAt).Milliseconds())
	if err != nil {
		metrics.IncRPCCallFailure(method)
	}
}

// authorize rejects signed requests acting for another address
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

func (a *API) waitRateLimit(ctx context.Context) error {
	if err := a.simRateLimiter.Wait(ctx); err != nil {
		a.log.Debug("Simulation rate limit", zap.Error(err))
		return svcerr.Timeout(err, "Simulation rate limit exceeded")
	}
	return nil
}

func (a *API) CreateBundle(ctx context.Context, req CreateBundleRequest) (_ *Bundle, err error) {
	defer func(startAt time.Time) { observe(CreateBundleEndpointName, startAt, err) }(time.Now())
	if err := a.authorize(ctx, req.UserAddress); err != nil {
		return nil, err
	}
	return a.manager.CreateBundle(ctx, req)
}

func (a *API) RetryBundle(ctx context.Context, args RetryBundleArgs) (_ *Bundle, err error) {
	defer func(startAt time.Time) { observe(RetryBundleEndpointName, startAt, err) }(time.Now())
	if err := a.authorize(ctx, args.UserAddress); err != nil {
		return nil, err
	}
	return a.manager.RetryBundle(ctx, args.BundleID, args.UserAddress, args.Config)
}

func (a *API) SimulateBundle(ctx context.Context, req BundleRequest) (_ *SimulationResult, err error) {
	defer func(startAt time.Time) { observe(SimulateBundleEndpointName, startAt, err) }(time.Now())
	if err := a.waitRateLimit(ctx); err != nil {
		return nil, err
	}
	return a.manager.SimulateBundle(ctx, req)
}

func (a *API) SubmitBundle(ctx context.Context, req BundleRequest, user common.Address) (_ *Bundle, err error) {
	defer func(startAt time.Time) { observe(SubmitBundleEndpointName, startAt, err) }(time.Now())
	if err := a.authorize(ctx, user); err != nil {
		return nil, err
	}
	return a.manager.SubmitBundle(ctx, req, user)
}

func (a *API) EstimateBundleGas(ctx context.Context, req BundleRequest) (_ *GasEstimate, err error) {
	defer func(startAt time.Time) { observe(EstimateBundleGasEndpointName, startAt, err) }(time.Now())
	if err := a.waitRateLimit(ctx); err != nil {
		return nil, err
	}
	return a.manager.EstimateBundleGas(ctx, req)
}

func (a *API) GetBundleStatus(ctx context.Context, bundleID string, user common.Address) (_ *Bundle, err error) {
	defer func(startAt time.Time) { observe(GetBundleStatusEndpointName, startAt, err) }(time.Now())
	if err := a.authorize(ctx, user); err != nil {
		return nil, err
	}
	return a.manager.GetBundleStatus(ctx, bundleID, user)
}

// GetBundleHistory takes limit and page as optional trailing params
func (a *API) GetBundleHistory(ctx context.Context, user common.Address, limit, page int) (_ []*Bundle, err error) {
	defer func(startAt time.Time) { observe(GetBundleHistoryEndpointName, startAt, err) }(time.Now())
	if err := a.authorize(ctx, user); err != nil {
		return nil, err
	}
	return a.manager.GetBundleHistory(ctx, user, limit, page)
}
