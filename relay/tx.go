package relay

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/crypto/sha3"
)

// TxHash decodes a signed raw transaction and returns its hash
func TxHash(raw string) (common.Hash, error) {
	data, err := hexutil.Decode(raw)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: %w", ErrInvalidRawTx, err)
	}
	var tx types.Transaction
	if err := tx.UnmarshalBinary(data); err != nil {
		return common.Hash{}, fmt.Errorf("%w: %w", ErrInvalidRawTx, err)
	}
	return tx.Hash(), nil
}

// encodeTxs turns the bundle body into relay params, collecting hashes of transactions allowed to revert
func encodeTxs(txs []Transaction) (raw []hexutil.Bytes, canRevert []common.Hash, err error) {
	raw = make([]hexutil.Bytes, 0, len(txs))
	for i, tx := range txs {
		data, err := hexutil.Decode(tx.RawTransaction)
		if err != nil {
			return nil, nil, fmt.Errorf("tx %d: %w: %w", i+1, ErrInvalidRawTx, err)
		}
		raw = append(raw, data)
		if tx.CanRevert {
			hash, err := TxHash(tx.RawTransaction)
			if err != nil {
				return nil, nil, fmt.Errorf("tx %d: %w", i+1, err)
			}
			canRevert = append(canRevert, hash)
		}
	}
	return raw, canRevert, nil
}

// ContentHash is keccak256 over the raw transactions in order.
// A bundle with a single transaction hashes to the hash of its bytes.
func ContentHash(txs []Transaction) common.Hash {
	hasher := sha3.NewLegacyKeccak256()
	for _, tx := range txs {
		data, err := hexutil.Decode(tx.RawTransaction)
		if err != nil {
			data = []byte(tx.RawTransaction)
		}
		hasher.Write(data)
	}
	return common.BytesToHash(hasher.Sum(nil))
}

func parseWei(s string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(s, 0)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidNumberData, s)
	}
	return v, nil
}
