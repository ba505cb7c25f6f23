package aggregator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/flashbots/swap-protect-node/metrics"
	"github.com/go-playground/validator/v10"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

const (
	apiKeyHeader          = "Authorization"
	defaultRequestTimeout = 10 * time.Second

	quotePath        = "/swap/{chainId}/quote"
	swapPath         = "/swap/{chainId}/swap"
	ordersPath       = "/fusion-plus/orders"
	escrowPath       = "/fusion-plus/orders/{orderId}/escrow"
	secretSubmitPath = "/fusion-plus/orders/{orderId}/secret"
)

type apiError struct {
	StatusCode  int    `json:"statusCode"`
	Error       string `json:"error"`
	Description string `json:"description"`
}

type HTTPClient struct {
	log      *zap.Logger
	client   *resty.Client
	validate *validator.Validate
}

// NewHTTPClient creates the REST client; apiKey is sent as a bearer token when not empty
func NewHTTPClient(log *zap.Logger, baseURL, apiKey string) *HTTPClient {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(defaultRequestTimeout).
		SetHeader("Accept", "application/json")
	if apiKey != "" {
		client.SetHeader(apiKeyHeader, "Bearer "+apiKey)
	}
	return &HTTPClient{
		log:      log.Named("aggregator"),
		client:   client,
		validate: validator.New(),
	}
}

func (c *HTTPClient) Quote(ctx context.Context, req QuoteRequest) (*Quote, error) {
	r := c.client.R().
		SetContext(ctx).
		SetPathParam("chainId", strconv.FormatUint(req.ChainID, 10)).
		SetQueryParams(quoteParams(req))

	var quote Quote
	if err := c.do(r, http.MethodGet, quotePath, "quote", &quote); err != nil {
		return nil, err
	}
	return &quote, nil
}

func (c *HTTPClient) Swap(ctx context.Context, req SwapRequest) (*SwapResult, error) {
	params := quoteParams(req.Quote)
	if !req.MinToAmount.IsZero() {
		params["minReturn"] = req.MinToAmount.String()
	}
	r := c.client.R().
		SetContext(ctx).
		SetPathParam("chainId", strconv.FormatUint(req.Quote.ChainID, 10)).
		SetQueryParams(params)

	var res SwapResult
	if err := c.do(r, http.MethodGet, swapPath, "swap", &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *HTTPClient) CreateIntentOrder(ctx context.Context, req IntentOrderRequest) (*IntentOrder, error) {
	r := c.client.R().
		SetContext(ctx).
		SetBody(req)

	var order IntentOrder
	if err := c.do(r, http.MethodPost, ordersPath, "create_order", &order); err != nil {
		return nil, err
	}
	return &order, nil
}

func (c *HTTPClient) GetEscrowStatus(ctx context.Context, orderID string) (*EscrowStatus, error) {
	r := c.client.R().
		SetContext(ctx).
		SetPathParam("orderId", orderID)

	var status EscrowStatus
	if err := c.do(r, http.MethodGet, escrowPath, "escrow_status", &status); err != nil {
		return nil, err
	}
	return &status, nil
}

func (c *HTTPClient) SubmitSecret(ctx context.Context, req SecretSubmission) (*SecretReceipt, error) {
	r := c.client.R().
		SetContext(ctx).
		SetPathParam("orderId", req.OrderID).
		SetBody(req)

	var receipt SecretReceipt
	if err := c.do(r, http.MethodPost, secretSubmitPath, "submit_secret", &receipt); err != nil {
		return nil, err
	}
	return &receipt, nil
}

func (c *HTTPClient) do(r *resty.Request, method, path, call string, out any) error {
	startAt := time.Now()
	defer func() {
		metrics.RecordAggregatorCallDuration(call, time.Since(startAt).Milliseconds())
	}()

	resp, err := r.Execute(method, path)
	if err != nil {
		return err
	}
	if resp.IsError() {
		var apiErr apiError
		_ = json.Unmarshal(resp.Body(), &apiErr)
		msg := apiErr.Description
		if msg == "" {
			msg = apiErr.Error
		}
		if msg == "" {
			msg = http.StatusText(resp.StatusCode())
		}
		c.log.Debug("Aggregator call failed", zap.String("call", call), zap.Int("status", resp.StatusCode()), zap.String("error", msg))
		return fmt.Errorf("%w: %s: %d %s", ErrBadStatus, call, resp.StatusCode(), msg)
	}

	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrDecode, call, err)
	}
	if err := c.validate.Struct(out); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrMissingFields, call, err)
	}
	return nil
}

func quoteParams(req QuoteRequest) map[string]string {
	params := map[string]string{
		"src":    req.FromToken.Hex(),
		"dst":    req.ToToken.Hex(),
		"amount": req.Amount.String(),
		"from":   req.UserAddress.Hex(),
	}
	if !req.GasPrice.IsZero() {
		params["gasPrice"] = req.GasPrice.String()
	}
	if !req.Slippage.IsZero() {
		params["slippage"] = req.Slippage.String()
	}
	return params
}
