package relay

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/flashbots/swap-protect-node/metrics"
	"github.com/ybbus/jsonrpc/v3"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

type RelaysConfig struct {
	Relays []struct {
		Name     string `yaml:"name"`
		URL      string `yaml:"url"`
		Primary  bool   `yaml:"primary"`
		Disabled bool   `yaml:"disabled"`
	} `yaml:"relays"`
}

type Endpoint struct {
	Name    string
	URL     string
	Primary bool
}

// LoadRelaysConfig parses the relay list from a yaml file.
// Exactly one enabled relay must be primary: its answer decides the submission result,
// the others receive accepted bundles on a best-effort basis.
func LoadRelaysConfig(file string) ([]Endpoint, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	return ParseRelaysConfig(data)
}

func ParseRelaysConfig(data []byte) ([]Endpoint, error) {
	var config RelaysConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, err
	}

	endpoints := make([]Endpoint, 0, len(config.Relays))
	primaries := 0
	for _, r := range config.Relays {
		if r.Disabled {
			continue
		}
		if r.Name == "" || r.URL == "" {
			return nil, ErrInvalidRelay
		}
		if r.Primary {
			primaries++
		}
		endpoints = append(endpoints, Endpoint{Name: r.Name, URL: r.URL, Primary: r.Primary})
	}
	if primaries != 1 {
		return nil, ErrNoPrimaryRelay
	}
	return endpoints, nil
}

type rpcEndpoint struct {
	name   string
	client jsonrpc.RPCClient
}

type JSONRPCRelay struct {
	log      *zap.Logger
	primary  rpcEndpoint
	builders []rpcEndpoint
	chain    *CachingChainReader
}

// NewJSONRPCRelay creates the relay client, signingKey may be nil for relays that accept
// unauthenticated requests
func NewJSONRPCRelay(log *zap.Logger, endpoints []Endpoint, chain *CachingChainReader, signingKey *ecdsa.PrivateKey) (*JSONRPCRelay, error) {
	r := &JSONRPCRelay{
		log:   log.Named("relay"),
		chain: chain,
	}
	opts := &jsonrpc.RPCClientOpts{}
	if signingKey != nil {
		opts.HTTPClient = newSigningClient(signingKey)
	}
	hasPrimary := false
	for _, e := range endpoints {
		ep := rpcEndpoint{name: e.Name, client: jsonrpc.NewClientWithOpts(e.URL, opts)}
		if e.Primary && !hasPrimary {
			r.primary = ep
			hasPrimary = true
		} else {
			r.builders = append(r.builders, ep)
		}
	}
	if !hasPrimary {
		return nil, ErrNoPrimaryRelay
	}
	return r, nil
}

func (r *JSONRPCRelay) Simulate(ctx context.Context, txs []Transaction, targetBlock uint64) (*SimulationResult, error) {
	startAt := time.Now()
	defer func() {
		metrics.RecordRelayCallDuration("simulate", time.Since(startAt).Milliseconds())
	}()

	raw, _, err := encodeTxs(txs)
	if err != nil {
		return nil, err
	}
	args := CallBundleArgs{
		Txs:              raw,
		BlockNumber:      hexutil.Uint64(targetBlock),
		StateBlockNumber: "latest",
	}

	var resp CallBundleResponse
	err = r.primary.client.CallFor(ctx, &resp, CallBundleMethod, []CallBundleArgs{args})
	if err != nil {
		return nil, err
	}
	return simulationFromResponse(txs, &resp)
}

func simulationFromResponse(txs []Transaction, resp *CallBundleResponse) (*SimulationResult, error) {
	result := &SimulationResult{
		GasUsed:    resp.TotalGasUsed,
		StateBlock: resp.StateBlockNumber,
	}
	for i, res := range resp.Results {
		reason := res.Error
		if reason == "" {
			reason = res.Revert
		}
		canRevert := i < len(txs) && txs[i].CanRevert
		if reason != "" && !canRevert {
			return nil, fmt.Errorf("%w: tx %d: %s", ErrSimulationFailed, i+1, reason)
		}
		result.Logs = append(result.Logs, res.Logs...)
		if resp.TotalGasUsed == 0 {
			result.GasUsed += res.GasUsed
		}
	}

	var err error
	result.CoinbaseDiff, err = parseWei(resp.CoinbaseDiff)
	if err != nil {
		return nil, err
	}
	result.RefundableValue, err = parseWei(resp.RefundableValue)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (r *JSONRPCRelay) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	startAt := time.Now()
	defer func() {
		metrics.RecordRelayCallDuration("send", time.Since(startAt).Milliseconds())
	}()

	raw, canRevert, err := encodeTxs(req.Transactions)
	if err != nil {
		return nil, err
	}
	args := SendBundleArgs{
		Txs:               raw,
		BlockNumber:       hexutil.Uint64(req.TargetBlock),
		RevertingTxHashes: canRevert,
		RefundPercent:     req.RefundPercent,
		RefundRecipient:   req.RefundRecipient,
	}

	var resp SendBundleResponse
	err = r.primary.client.CallFor(ctx, &resp, SendBundleMethod, []SendBundleArgs{args})
	if err != nil {
		return nil, err
	}
	if resp.BundleHash == (common.Hash{}) {
		return nil, ErrEmptyBundleHash
	}

	r.sendToBuilders(ctx, args)

	return &SendResult{BundleHash: resp.BundleHash}, nil
}

// sendToBuilders sends an accepted bundle to all additional builders in parallel.
// Failures are logged only, the primary relay already accepted the bundle.
func (r *JSONRPCRelay) sendToBuilders(ctx context.Context, args SendBundleArgs) {
	var wg sync.WaitGroup
	for _, builder := range r.builders {
		wg.Add(1)
		go func(builder rpcEndpoint) {
			defer wg.Done()

			start := time.Now()
			res, err := builder.client.Call(ctx, SendBundleMethod, []SendBundleArgs{args})
			if err == nil && res.Error != nil {
				err = res.Error
			}
			r.log.Debug("Sent bundle to builder", zap.String("builder", builder.name), zap.Duration("duration", time.Since(start)), zap.Error(err))
			if err != nil {
				r.log.Warn("Failed to send bundle to builder", zap.Error(err), zap.String("builder", builder.name))
			}
		}(builder)
	}
	wg.Wait()
}

func (r *JSONRPCRelay) CurrentBlockNumber(ctx context.Context) (uint64, error) {
	return r.chain.BlockNumber(ctx)
}

func (r *JSONRPCRelay) FeeData(ctx context.Context) (*FeeData, error) {
	return r.chain.FeeData(ctx)
}

func (r *JSONRPCRelay) TransactionBlock(ctx context.Context, txHash common.Hash) (uint64, bool, error) {
	return r.chain.TransactionBlock(ctx, txHash)
}
