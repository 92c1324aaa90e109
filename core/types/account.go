package types

import (
	"github.com/holiman/uint256"
)

// Account is the consensus representation of an account stored in a state
// trie leaf: nonce, balance, storage trie root and code hash.
type Account struct {
	Nonce    uint64
	Balance  *uint256.Int
	Root     Hash   // storage trie root (EmptyRootHash for no storage)
	CodeHash []byte // keccak256 of code (EmptyCodeHash for EOAs)
}

// NewAccount creates an account with zero balance, no storage and no code.
func NewAccount() Account {
	return Account{
		Balance:  new(uint256.Int),
		Root:     EmptyRootHash,
		CodeHash: EmptyCodeHash.Bytes(),
	}
}

// CodeHashValue returns the code hash as a Hash value.
func (a *Account) CodeHashValue() Hash {
	return BytesToHash(a.CodeHash)
}

// HasCode returns whether the account carries contract code.
func (a *Account) HasCode() bool {
	return a.CodeHashValue() != EmptyCodeHash
}

// HasStorage returns whether the account has a non-empty storage trie.
func (a *Account) HasStorage() bool {
	return a.Root != EmptyRootHash
}
