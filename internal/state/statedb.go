// Package state is an in-memory execution environment for smart accounts:
// balances, contract storage, registered contracts and a journal to revert
// a failed unit of work.
package state

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/holiman/uint256"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance for transfer")
	ErrInvalidValue        = errors.New("transfer value out of range")
	ErrNotSystemCall       = errors.New("call requires system rights")
	ErrUnknownMethod       = errors.New("unknown method")
)

// CallContext describes the call a Contract is running.
type CallContext struct {
	Caller common.Address
	Self   common.Address
	Value  *big.Int
	Input  []byte
	System bool
}

// Contract is code registered at an address.
type Contract interface {
	Run(ctx context.Context, db *StateDB, call *CallContext) ([]byte, error)
}

// StateDB holds the balances, storage and contracts of a chain. It is not
// safe for concurrent use; callers serialize access.
type StateDB struct {
	balances  map[common.Address]*uint256.Int
	storage   map[common.Address]map[common.Hash]common.Hash
	contracts map[common.Address]Contract
	codes     map[common.Hash]Contract

	journal        []journalEntry
	validRevisions []revision
	nextRevisionID int

	logger log.Logger
}

type revision struct {
	id           int
	journalIndex int
}

// New returns an empty StateDB with the system contracts installed.
func New() *StateDB {
	db := &StateDB{
		balances:  make(map[common.Address]*uint256.Int),
		storage:   make(map[common.Address]map[common.Hash]common.Hash),
		contracts: make(map[common.Address]Contract),
		codes:     make(map[common.Hash]Contract),
		logger:    log.New("module", "state"),
	}
	db.contracts[NonceHolderAddress] = new(NonceHolder)
	db.contracts[ContractDeployerAddress] = new(ContractDeployer)
	return db
}

// GetBalance returns a copy of the balance of addr.
func (db *StateDB) GetBalance(addr common.Address) *big.Int {
	if b, ok := db.balances[addr]; ok {
		return b.ToBig()
	}
	return new(big.Int)
}

func (db *StateDB) balance(addr common.Address) *uint256.Int {
	if b, ok := db.balances[addr]; ok {
		return new(uint256.Int).Set(b)
	}
	return new(uint256.Int)
}

func (db *StateDB) setBalance(addr common.Address, amount *uint256.Int) {
	db.journal = append(db.journal, balanceChange{account: addr, prev: db.balances[addr]})
	db.balances[addr] = amount
}

// AddBalance credits amount to addr.
func (db *StateDB) AddBalance(addr common.Address, amount *big.Int) error {
	v, err := toUint256(amount)
	if err != nil {
		return err
	}
	sum, overflow := new(uint256.Int).AddOverflow(db.balance(addr), v)
	if overflow {
		return fmt.Errorf("%w: balance of %s overflows", ErrInvalidValue, addr.Hex())
	}
	db.setBalance(addr, sum)
	return nil
}

// SubBalance debits amount from addr.
func (db *StateDB) SubBalance(addr common.Address, amount *big.Int) error {
	v, err := toUint256(amount)
	if err != nil {
		return err
	}
	have := db.balance(addr)
	if have.Lt(v) {
		return fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientBalance, addr.Hex(), have, v)
	}
	db.setBalance(addr, have.Sub(have, v))
	return nil
}

// Transfer moves amount from one address to another.
func (db *StateDB) Transfer(from, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	if err := db.SubBalance(from, amount); err != nil {
		return err
	}
	return db.AddBalance(to, amount)
}

// GetState returns the value of a storage slot of addr.
func (db *StateDB) GetState(addr common.Address, key common.Hash) common.Hash {
	return db.storage[addr][key]
}

// SetState writes a storage slot of addr.
func (db *StateDB) SetState(addr common.Address, key, value common.Hash) {
	slots, ok := db.storage[addr]
	if !ok {
		slots = make(map[common.Hash]common.Hash)
		db.storage[addr] = slots
	}
	prev, existed := slots[key]
	db.journal = append(db.journal, storageChange{account: addr, key: key, prev: prev, existed: existed})
	slots[key] = value
}

// Deploy registers c at addr.
func (db *StateDB) Deploy(addr common.Address, c Contract) {
	prev, existed := db.contracts[addr]
	db.journal = append(db.journal, contractChange{account: addr, prev: prev, existed: existed})
	db.contracts[addr] = c
}

// RegisterCode makes c deployable through the contract deployer under
// codeHash.
func (db *StateDB) RegisterCode(codeHash common.Hash, c Contract) {
	db.codes[codeHash] = c
}

// ContractAt returns the contract registered at addr, if any.
func (db *StateDB) ContractAt(addr common.Address) (Contract, bool) {
	c, ok := db.contracts[addr]
	return c, ok
}

// Snapshot returns an identifier for the current revision of the state.
func (db *StateDB) Snapshot() int {
	id := db.nextRevisionID
	db.nextRevisionID++
	db.validRevisions = append(db.validRevisions, revision{id, len(db.journal)})
	return id
}

// RevertToSnapshot reverts all state changes made since the given revision.
func (db *StateDB) RevertToSnapshot(revid int) {
	idx := sort.Search(len(db.validRevisions), func(i int) bool {
		return db.validRevisions[i].id >= revid
	})
	if idx == len(db.validRevisions) || db.validRevisions[idx].id != revid {
		panic(fmt.Errorf("revision id %v cannot be reverted", revid))
	}
	snapshot := db.validRevisions[idx].journalIndex

	for i := len(db.journal) - 1; i >= snapshot; i-- {
		db.journal[i].revert(db)
	}
	db.journal = db.journal[:snapshot]
	db.validRevisions = db.validRevisions[:idx]
}

// Finalise drops the journal; earlier snapshots can no longer be reverted.
func (db *StateDB) Finalise() {
	db.journal = db.journal[:0]
	db.validRevisions = db.validRevisions[:0]
}

// Call transfers value from from to to and runs the contract at to. A
// failed call leaves no trace in the state.
func (db *StateDB) Call(ctx context.Context, from, to common.Address, value *big.Int, input []byte) ([]byte, error) {
	return db.call(ctx, from, to, value, input, false)
}

// SystemCall is Call with system rights.
func (db *StateDB) SystemCall(ctx context.Context, from, to common.Address, value *big.Int, input []byte) ([]byte, error) {
	return db.call(ctx, from, to, value, input, true)
}

func (db *StateDB) call(ctx context.Context, from, to common.Address, value *big.Int, input []byte, system bool) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if value == nil {
		value = new(big.Int)
	}

	snap := db.Snapshot()
	if err := db.Transfer(from, to, value); err != nil {
		db.RevertToSnapshot(snap)
		return nil, err
	}

	c, ok := db.contracts[to]
	if !ok {
		return nil, nil
	}
	ret, err := c.Run(ctx, db, &CallContext{
		Caller: from,
		Self:   to,
		Value:  new(big.Int).Set(value),
		Input:  input,
		System: system,
	})
	if err != nil {
		db.RevertToSnapshot(snap)
		db.logger.Debug("Call reverted", "from", from, "to", to, "system", system, "err", err)
		return ret, err
	}
	return ret, nil
}

func toUint256(amount *big.Int) (*uint256.Int, error) {
	if amount == nil {
		return new(uint256.Int), nil
	}
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("%w: negative amount %s", ErrInvalidValue, amount)
	}
	v, overflow := uint256.FromBig(amount)
	if overflow {
		return nil, fmt.Errorf("%w: %s exceeds 256 bits", ErrInvalidValue, amount)
	}
	return v, nil
}
