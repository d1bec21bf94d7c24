package state

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// journalEntry is a modification entry in the state change journal that can
// be reverted on demand.
type journalEntry interface {
	revert(*StateDB)
}

type (
	balanceChange struct {
		account common.Address
		prev    *uint256.Int
	}
	storageChange struct {
		account common.Address
		key     common.Hash
		prev    common.Hash
		existed bool
	}
	contractChange struct {
		account common.Address
		prev    Contract
		existed bool
	}
)

func (ch balanceChange) revert(db *StateDB) {
	if ch.prev == nil {
		delete(db.balances, ch.account)
		return
	}
	db.balances[ch.account] = ch.prev
}

func (ch storageChange) revert(db *StateDB) {
	if !ch.existed {
		delete(db.storage[ch.account], ch.key)
		return
	}
	db.storage[ch.account][ch.key] = ch.prev
}

func (ch contractChange) revert(db *StateDB) {
	if !ch.existed {
		delete(db.contracts, ch.account)
		return
	}
	db.contracts[ch.account] = ch.prev
}
