package trie

import (
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
	"github.com/statefeed/statefeed/core/types"
)

// rlpAccount mirrors the consensus RLP layout of an account leaf value.
type rlpAccount struct {
	Nonce    uint64
	Balance  *uint256.Int
	Root     types.Hash
	CodeHash []byte
}

// DecodeAccount decodes an account leaf value into its consensus fields.
func DecodeAccount(value []byte) (types.Account, error) {
	var dec rlpAccount
	if err := rlp.DecodeBytes(value, &dec); err != nil {
		return types.Account{}, fmt.Errorf("trie: decode account: %w", err)
	}
	acct := types.Account{
		Nonce:    dec.Nonce,
		Balance:  dec.Balance,
		Root:     dec.Root,
		CodeHash: dec.CodeHash,
	}
	if acct.Balance == nil {
		acct.Balance = new(uint256.Int)
	}
	if len(acct.CodeHash) == 0 {
		acct.CodeHash = types.EmptyCodeHash.Bytes()
	}
	return acct, nil
}

// EncodeAccount encodes an account into its leaf value representation.
func EncodeAccount(acct types.Account) ([]byte, error) {
	enc := rlpAccount{
		Nonce:    acct.Nonce,
		Balance:  acct.Balance,
		Root:     acct.Root,
		CodeHash: acct.CodeHash,
	}
	if enc.Balance == nil {
		enc.Balance = new(uint256.Int)
	}
	if len(enc.CodeHash) == 0 {
		enc.CodeHash = types.EmptyCodeHash.Bytes()
	}
	return rlp.EncodeToBytes(&enc)
}
