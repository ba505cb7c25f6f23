package jsonrpcserver

import (
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

const SignatureHeader = "X-Flashbots-Signature"

var (
	ErrMalformedSignature = errors.New("malformed request signature")
	ErrSignatureMismatch  = errors.New("request signature does not match the signer")
)

// VerifySignature checks a header of the form address:signature where the signature is a
// personal_sign of the hex keccak256 hash of body. It returns the signing address.
func VerifySignature(header string, body []byte) (common.Address, error) {
	address, sigHex, ok := strings.Cut(header, ":")
	if !ok || !common.IsHexAddress(address) {
		return common.Address{}, ErrMalformedSignature
	}
	sig, err := hexutil.Decode(sigHex)
	if err != nil || len(sig) != crypto.SignatureLength {
		return common.Address{}, ErrMalformedSignature
	}
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}

	hashedBody := crypto.Keccak256Hash(body).Hex()
	pub, err := crypto.SigToPub(accounts.TextHash([]byte(hashedBody)), sig)
	if err != nil {
		return common.Address{}, ErrMalformedSignature
	}
	signer := crypto.PubkeyToAddress(*pub)
	if signer != common.HexToAddress(address) {
		return common.Address{}, ErrSignatureMismatch
	}
	return signer, nil
}
