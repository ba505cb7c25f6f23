// Package jsonrpcserver exposes functions like:
// func Foo(context, int) (int, error)
// as JSON-RPC methods over http.
//
// Requests may be signed with the X-Flashbots-Signature header, the verified signer is
// available to methods through GetSigner. Errors implementing ErrorCode() int are returned
// with their own code and message.
package jsonrpcserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

var (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeCustomError    = -32000
)

const (
	maxRequestBodySize = 1 << 20
)

type signerKey struct{}

type JSONRPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      any               `json:"id"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
}

type JSONRPCResponse struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      any              `json:"id"`
	Result  *json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError    `json:"error,omitempty"`
}

type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    *any   `json:"data,omitempty"`
}

// ErrorCoder is implemented by method errors that carry their own JSON-RPC code
type ErrorCoder interface {
	ErrorCode() int
}

type Handler struct {
	log     *zap.Logger
	methods map[string]methodHandler
}

type Methods map[string]interface{}

// NewHandler creates JSONRPC http.Handler from the map that maps method names to method functions
// each method function must:
// - have context as a first argument
// - return error as a last argument
// - have argument types that can be unmarshalled from JSON
// - have return types that can be marshalled to JSON
func NewHandler(log *zap.Logger, methods Methods) (*Handler, error) {
	m := make(map[string]methodHandler)
	for name, fn := range methods {
		method, err := newMethodHandler(fn)
		if err != nil {
			return nil, err
		}
		m[name] = method
	}
	return &Handler{
		log:     log.Named("jsonrpc"),
		methods: m,
	}, nil
}

func writeJSONRPCError(w http.ResponseWriter, id any, code int, msg string) {
	res := JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error: &JSONRPCError{
			Code:    code,
			Message: msg,
		},
	}
	if err := json.NewEncoder(w).Encode(res); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodySize))
	if err != nil {
		writeJSONRPCError(w, nil, CodeInvalidRequest, "request body is too large")
		return
	}

	var req JSONRPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSONRPCError(w, nil, CodeParseError, err.Error())
		return
	}

	if req.JSONRPC != "2.0" {
		writeJSONRPCError(w, req.ID, CodeParseError, "invalid jsonrpc version")
		return
	}
	if req.ID != nil {
		// id must be string or number
		switch req.ID.(type) {
		case string, float64:
		default:
			writeJSONRPCError(w, req.ID, CodeParseError, "invalid id type")
			return
		}
	}

	ctx := r.Context()
	if header := r.Header.Get(SignatureHeader); header != "" {
		signer, err := VerifySignature(header, body)
		if err != nil {
			writeJSONRPCError(w, req.ID, CodeInvalidRequest, err.Error())
			return
		}
		ctx = context.WithValue(ctx, signerKey{}, signer)
	}

	method, ok := h.methods[req.Method]
	if !ok {
		writeJSONRPCError(w, req.ID, CodeMethodNotFound, "method not found")
		return
	}

	args, err := method.args(req.Params)
	if err != nil {
		writeJSONRPCError(w, req.ID, CodeInvalidParams, err.Error())
		return
	}

	result, err := method.call(ctx, args)
	if err != nil {
		var coder ErrorCoder
		if errors.As(err, &coder) {
			writeJSONRPCError(w, req.ID, coder.ErrorCode(), err.Error())
			return
		}
		h.log.Debug("Method returned uncoded error", zap.String("method", req.Method), zap.Error(err))
		writeJSONRPCError(w, req.ID, CodeCustomError, err.Error())
		return
	}

	marshaledResult, err := json.Marshal(result)
	if err != nil {
		writeJSONRPCError(w, req.ID, CodeInternalError, err.Error())
		return
	}

	rawMessageResult := json.RawMessage(marshaledResult)
	res := JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result:  &rawMessageResult,
	}
	if err := json.NewEncoder(w).Encode(res); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
}

// GetSigner returns the verified request signer, ok is false for unsigned requests
func GetSigner(ctx context.Context) (signer common.Address, ok bool) {
	signer, ok = ctx.Value(signerKey{}).(common.Address)
	return signer, ok
}
