package dispatch

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/blndgs/smartaccount"
	"github.com/blndgs/smartaccount/internal/state"
	"github.com/blndgs/smartaccount/internal/token"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
)

// Simulation is the outcome of a validation dry run.
type Simulation struct {
	Hash           common.Hash   `json:"hash"`
	Valid          bool          `json:"valid"`
	ValidationData *big.Int      `json:"validationData,omitempty"`
	Magic          hexutil.Bytes `json:"magic,omitempty"`
	Prefund        *big.Int      `json:"prefund,omitempty"`
}

// AccountInfo describes a deployed account.
type AccountInfo struct {
	Address  common.Address `json:"address"`
	Protocol string         `json:"protocol"`
	Owner    common.Address `json:"owner"`
	Balance  *big.Int       `json:"balance"`
	Nonce    *big.Int       `json:"nonce"`
	Deposit  *big.Int       `json:"deposit,omitempty"`
}

// Chain bundles a state, both dispatchers and the accounts deployed on
// them. Every method holds the chain lock for its whole duration, so
// operations are processed one at a time.
type Chain struct {
	mu sync.Mutex

	cfg        *smartaccount.Config
	db         *state.StateDB
	entryPoint *EntryPoint
	bootloader *Bootloader

	simpleAccounts     map[common.Address]*smartaccount.SimpleAccount
	bootloaderAccounts map[common.Address]*smartaccount.BootloaderAccount
	opts               []smartaccount.Option

	logger log.Logger
}

// NewChain returns an empty chain configured by cfg. opts apply to every
// account deployed on it.
func NewChain(cfg *smartaccount.Config, opts ...smartaccount.Option) *Chain {
	db := state.New()
	return &Chain{
		cfg:                cfg,
		db:                 db,
		entryPoint:         NewEntryPoint(db, cfg.EntryPointAddress(), cfg.ChainIDBig()),
		bootloader:         NewBootloader(db, cfg.BootloaderAddress(), cfg.ChainIDBig()),
		simpleAccounts:     make(map[common.Address]*smartaccount.SimpleAccount),
		bootloaderAccounts: make(map[common.Address]*smartaccount.BootloaderAccount),
		opts:               opts,
		logger:             log.New("chain", cfg.ChainID),
	}
}

func (c *Chain) Config() *smartaccount.Config {
	return c.cfg
}

// EntryPoint returns the EntryPoint dispatcher. Callers must not use it
// concurrently with the chain.
func (c *Chain) EntryPoint() *EntryPoint {
	return c.entryPoint
}

// Bootloader returns the Bootloader dispatcher. Callers must not use it
// concurrently with the chain.
func (c *Chain) Bootloader() *Bootloader {
	return c.bootloader
}

// commit makes the changes of the finished unit of work permanent.
func (c *Chain) commit() {
	c.db.Finalise()
}

// DeploySimpleAccount creates an EntryPoint account for owner at an
// address derived from owner and salt.
func (c *Chain) DeploySimpleAccount(owner common.Address, salt common.Hash) (*smartaccount.SimpleAccount, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	addr := crypto.CreateAddress2(c.entryPoint.Address(), salt, crypto.Keccak256(owner.Bytes()))
	if _, exists := c.simpleAccounts[addr]; exists {
		return nil, fmt.Errorf("account %s already deployed", addr.Hex())
	}
	acc, err := smartaccount.NewSimpleAccount(c.db, addr, owner, c.cfg, c.opts...)
	if err != nil {
		return nil, err
	}
	c.simpleAccounts[addr] = acc
	c.entryPoint.Register(acc)
	c.logger.Info("Deployed account", "protocol", "EntryPoint", "address", addr, "owner", owner)
	return acc, nil
}

// DeployBootloaderAccount creates a Bootloader account for owner at an
// address derived from owner and salt.
func (c *Chain) DeployBootloaderAccount(owner common.Address, salt common.Hash) (*smartaccount.BootloaderAccount, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	addr := state.Create2Address(owner, salt, common.Hash{}, nil)
	if _, exists := c.bootloaderAccounts[addr]; exists {
		return nil, fmt.Errorf("account %s already deployed", addr.Hex())
	}
	acc, err := smartaccount.NewBootloaderAccount(c.db, addr, owner, c.cfg, c.opts...)
	if err != nil {
		return nil, err
	}
	c.bootloaderAccounts[addr] = acc
	c.bootloader.Register(acc)
	c.logger.Info("Deployed account", "protocol", "Bootloader", "address", addr, "owner", owner)
	return acc, nil
}

// DeployToken installs a mintable token at addr.
func (c *Chain) DeployToken(addr common.Address) {
	c.mu.Lock()
	defer c.mu.Unlock()
	token.Deploy(c.db, addr)
	c.commit()
}

// Fund credits amount to addr out of thin air.
func (c *Chain) Fund(addr common.Address, amount *big.Int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.db.AddBalance(addr, amount); err != nil {
		return err
	}
	c.commit()
	return nil
}

// Deposit moves amount from from into the EntryPoint deposit of account.
func (c *Chain) Deposit(ctx context.Context, from, account common.Address, amount *big.Int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.entryPoint.DepositTo(ctx, from, account, amount); err != nil {
		return err
	}
	c.commit()
	return nil
}

// Balance returns the native balance of addr.
func (c *Chain) Balance(addr common.Address) *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.db.GetBalance(addr)
}

// TokenBalance returns the balance of account in the token at tokenAddr.
func (c *Chain) TokenBalance(tokenAddr, account common.Address) *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return token.BalanceOf(c.db, tokenAddr, account)
}

// MinNonce returns the next nonce the nonce registry expects from account.
func (c *Chain) MinNonce(account common.Address) *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return state.MinNonce(c.db, account)
}

// EntryPointNonce returns the next EntryPoint nonce of sender for key.
func (c *Chain) EntryPointNonce(sender common.Address, key *big.Int) *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entryPoint.GetNonce(sender, key)
}

// HandleUserOp submits op to the EntryPoint.
func (c *Chain) HandleUserOp(ctx context.Context, op *smartaccount.UserOperation, beneficiary common.Address) (*Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.commit()
	return c.entryPoint.HandleOp(ctx, op, beneficiary)
}

// ProcessTransaction submits tx to the Bootloader.
func (c *Chain) ProcessTransaction(ctx context.Context, tx *smartaccount.Transaction) (*Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.commit()
	return c.bootloader.ProcessTransaction(ctx, tx)
}

// ExecuteFromOutside submits a signed tx to its account directly.
func (c *Chain) ExecuteFromOutside(ctx context.Context, caller common.Address, tx *smartaccount.Transaction) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.commit()
	return c.bootloader.ExecuteFromOutside(ctx, caller, tx)
}

// SimulateUserOp dry-runs the validation of op.
func (c *Chain) SimulateUserOp(ctx context.Context, op *smartaccount.UserOperation) (*Simulation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.commit()
	return c.entryPoint.SimulateValidation(ctx, op)
}

// SimulateTransaction dry-runs the validation of tx.
func (c *Chain) SimulateTransaction(ctx context.Context, tx *smartaccount.Transaction) (*Simulation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.commit()
	return c.bootloader.SimulateValidation(ctx, tx)
}

// TransferOwnership hands the account at addr to newOwner. caller must be
// the current owner.
func (c *Chain) TransferOwnership(ctx context.Context, addr, caller, newOwner common.Address) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if acc, ok := c.simpleAccounts[addr]; ok {
		return acc.TransferOwnership(ctx, caller, newOwner)
	}
	if acc, ok := c.bootloaderAccounts[addr]; ok {
		return acc.TransferOwnership(ctx, caller, newOwner)
	}
	return fmt.Errorf("%w: %s", ErrUnknownAccount, addr.Hex())
}

// Account describes the account deployed at addr.
func (c *Chain) Account(addr common.Address) (*AccountInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if acc, ok := c.simpleAccounts[addr]; ok {
		return &AccountInfo{
			Address:  addr,
			Protocol: "EntryPoint",
			Owner:    acc.Owner(),
			Balance:  acc.Balance(),
			Nonce:    c.entryPoint.GetNonce(addr, new(big.Int)),
			Deposit:  c.entryPoint.BalanceOf(addr),
		}, nil
	}
	if acc, ok := c.bootloaderAccounts[addr]; ok {
		return &AccountInfo{
			Address:  addr,
			Protocol: "Bootloader",
			Owner:    acc.Owner(),
			Balance:  acc.Balance(),
			Nonce:    state.MinNonce(c.db, addr),
		}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, addr.Hex())
}
