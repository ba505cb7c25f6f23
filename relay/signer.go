package relay

import (
	"bytes"
	"crypto/ecdsa"
	"io"
	"net/http"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

const SignatureHeader = "X-Flashbots-Signature"

// SignBody returns the header value relays expect: address:signature, where the signature is
// a personal_sign of the hex keccak256 hash of the body
func SignBody(key *ecdsa.PrivateKey, body []byte) (string, error) {
	hashedBody := crypto.Keccak256Hash(body).Hex()
	sig, err := crypto.Sign(accounts.TextHash([]byte(hashedBody)), key)
	if err != nil {
		return "", err
	}
	address := crypto.PubkeyToAddress(key.PublicKey)
	return address.Hex() + ":" + hexutil.Encode(sig), nil
}

// signingTransport adds the relay signature header to every request
type signingTransport struct {
	key  *ecdsa.PrivateKey
	next http.RoundTripper
}

func newSigningClient(key *ecdsa.PrivateKey) *http.Client {
	return &http.Client{
		Transport: &signingTransport{key: key, next: http.DefaultTransport},
	}
}

func (t *signingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		_ = req.Body.Close()
	}

	header, err := SignBody(t.key, body)
	if err != nil {
		return nil, err
	}

	signed := req.Clone(req.Context())
	signed.Body = io.NopCloser(bytes.NewReader(body))
	signed.ContentLength = int64(len(body))
	signed.Header.Set(SignatureHeader, header)
	return t.next.RoundTrip(signed)
}
