package fusion

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/flashbots/swap-protect-node/aggregator"
	"github.com/flashbots/swap-protect-node/jsonrpcserver"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testKey, _ = crypto.HexToECDSA("b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291")

type rpcResponse struct {
	Result json.RawMessage             `json:"result"`
	Error  *jsonrpcserver.JSONRPCError `json:"error"`
}

func newTestAPIServer(t *testing.T) (*httptest.Server, *fakeAggregator) {
	t.Helper()
	return newTestAPIServerWithConfig(t, testConfig())
}

func newTestAPIServerWithConfig(t *testing.T, config Config) (*httptest.Server, *fakeAggregator) {
	t.Helper()
	c, agg, _, _ := newTestCoordinator(t, config)
	handler, err := jsonrpcserver.NewHandler(zap.NewNop(), NewAPI(zap.NewNop(), c).Methods())
	require.NoError(t, err)
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return server, agg
}

func callRPC(t *testing.T, url string, signed bool, method string, params ...any) rpcResponse {
	t.Helper()
	body, err := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": 1, "method": method, "params": params})
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	require.NoError(t, err)
	if signed {
		sig, err := crypto.Sign(accounts.TextHash([]byte(crypto.Keccak256Hash(body).Hex())), testKey)
		require.NoError(t, err)
		req.Header.Set(jsonrpcserver.SignatureHeader, crypto.PubkeyToAddress(testKey.PublicKey).Hex()+":"+hexutil.Encode(sig))
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var res rpcResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	return res
}

func orderRequest(user common.Address) CreateIntentOrderRequest {
	return CreateIntentOrderRequest{
		FromToken:   common.HexToAddress("0x01"),
		ToToken:     common.HexToAddress("0x02"),
		Amount:      decimal.NewFromInt(1000),
		SrcChainID:  1,
		DstChainID:  137,
		UserAddress: user,
	}
}

func TestAPI_SecretRelease(t *testing.T) {
	server, agg := newTestAPIServer(t)

	res := callRPC(t, server.URL, false, CreateIntentOrderEndpointName, orderRequest(testUser))
	require.Nil(t, res.Error)
	var order Order
	require.NoError(t, json.Unmarshal(res.Result, &order))
	require.Equal(t, "order-1", order.OrderID)

	res = callRPC(t, server.URL, false, CheckEscrowStatusEndpointName, order.OrderID, testUser)
	require.Nil(t, res.Error)
	var status aggregator.EscrowStatus
	require.NoError(t, json.Unmarshal(res.Result, &status))
	require.False(t, status.IsReady)

	res = callRPC(t, server.URL, false, SubmitSecretEndpointName, submitRequest(order.OrderID))
	require.NotNil(t, res.Error)
	require.Equal(t, -32012, res.Error.Code)
	require.Equal(t, "Escrow is not ready for secret submission", res.Error.Message)

	res = callRPC(t, server.URL, false, SubmitSecretEndpointName, SubmitSecretRequest{})
	require.Equal(t, -32602, res.Error.Code)
	require.Equal(t, "Validation failed: orderId is required; userAddress is required; secret is required; "+
		"signature is required; nonce is required", res.Error.Message)

	res = callRPC(t, server.URL, false, WaitForEscrowAndSubmitSecretEndpointName, submitRequest(order.OrderID), 20)
	require.Equal(t, -32013, res.Error.Code)

	agg.setReadyOnCall(1)
	res = callRPC(t, server.URL, false, WaitForEscrowAndSubmitSecretEndpointName, submitRequest(order.OrderID), 1000)
	require.Nil(t, res.Error)
	var secret Secret
	require.NoError(t, json.Unmarshal(res.Result, &secret))
	require.Equal(t, SecretSubmitted, secret.Status)
	require.True(t, secret.EscrowReady)

	res = callRPC(t, server.URL, false, SubmitSecretEndpointName, submitRequest(order.OrderID))
	require.Equal(t, -32009, res.Error.Code)

	res = callRPC(t, server.URL, false, GetSecretStatusEndpointName, secret.ID, otherUser)
	require.Equal(t, -32003, res.Error.Code)
	require.Equal(t, "Not authorized to access this secret", res.Error.Message)

	res = callRPC(t, server.URL, false, GetSecretStatusEndpointName, "unknown", testUser)
	require.Equal(t, -32001, res.Error.Code)

	res = callRPC(t, server.URL, false, GetUserSecretsEndpointName, testUser)
	require.Nil(t, res.Error)
	var history []Secret
	require.NoError(t, json.Unmarshal(res.Result, &history))
	require.Len(t, history, 1)
	require.Equal(t, secret.ID, history[0].ID)
}

func TestAPI_SignerMustMatchUser(t *testing.T) {
	server, _ := newTestAPIServer(t)
	signer := crypto.PubkeyToAddress(testKey.PublicKey)

	res := callRPC(t, server.URL, true, CreateIntentOrderEndpointName, orderRequest(testUser))
	require.NotNil(t, res.Error)
	require.Equal(t, -32003, res.Error.Code)
	require.Equal(t, "Request signer does not match userAddress", res.Error.Message)

	res = callRPC(t, server.URL, true, CreateIntentOrderEndpointName, orderRequest(signer))
	require.Nil(t, res.Error)
	var order Order
	require.NoError(t, json.Unmarshal(res.Result, &order))

	res = callRPC(t, server.URL, true, CheckEscrowStatusEndpointName, order.OrderID, signer)
	require.Nil(t, res.Error)

	res = callRPC(t, server.URL, true, CheckEscrowStatusEndpointName, order.OrderID, testUser)
	require.Equal(t, -32003, res.Error.Code)
}

func TestAPI_RequireSignature(t *testing.T) {
	config := testConfig()
	config.RequireSignature = true
	server, agg := newTestAPIServerWithConfig(t, config)
	signer := crypto.PubkeyToAddress(testKey.PublicKey)

	res := callRPC(t, server.URL, false, CreateIntentOrderEndpointName, orderRequest(signer))
	require.NotNil(t, res.Error)
	require.Equal(t, -32003, res.Error.Code)
	require.Equal(t, "Request must be signed by userAddress", res.Error.Message)

	res = callRPC(t, server.URL, true, CreateIntentOrderEndpointName, orderRequest(signer))
	require.Nil(t, res.Error)
	var order Order
	require.NoError(t, json.Unmarshal(res.Result, &order))

	agg.setReadyOnCall(1)
	req := submitRequest(order.OrderID)
	req.UserAddress = signer
	res = callRPC(t, server.URL, true, SubmitSecretEndpointName, req)
	require.Nil(t, res.Error)
	var secret Secret
	require.NoError(t, json.Unmarshal(res.Result, &secret))

	res = callRPC(t, server.URL, false, GetSecretStatusEndpointName, secret.ID, signer)
	require.Equal(t, -32003, res.Error.Code)
	res = callRPC(t, server.URL, false, GetUserSecretsEndpointName, signer)
	require.Equal(t, -32003, res.Error.Code)

	res = callRPC(t, server.URL, true, GetSecretStatusEndpointName, secret.ID, signer)
	require.Nil(t, res.Error)
}
