package dispatch

import (
	"context"
	"fmt"
	"math/big"

	"github.com/blndgs/smartaccount"
	"github.com/blndgs/smartaccount/internal/state"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
)

// UserOpAccount is an account the EntryPoint can drive.
type UserOpAccount interface {
	Address() common.Address
	ValidateUserOp(ctx context.Context, caller common.Address, op *smartaccount.UserOperation, userOpHash common.Hash, missingAccountFunds *big.Int) (*big.Int, error)
	ExecuteUserOp(ctx context.Context, caller common.Address, op *smartaccount.UserOperation) error
}

var (
	nonceSlot   = common.BigToHash(big.NewInt(0))
	depositSlot = common.BigToHash(big.NewInt(1))

	maxUint64 = new(big.Int).SetUint64(^uint64(0))
)

// EntryPoint simulates an ERC-4337 EntryPoint. Nonces and deposits live in
// the storage of its address; it is not safe for concurrent use.
type EntryPoint struct {
	address  common.Address
	chainID  *big.Int
	db       *state.StateDB
	accounts map[common.Address]UserOpAccount
	baseFee  *big.Int
	logger   log.Logger
}

// NewEntryPoint returns an EntryPoint at address on the chain described by
// db and chainID.
func NewEntryPoint(db *state.StateDB, address common.Address, chainID *big.Int) *EntryPoint {
	return &EntryPoint{
		address:  address,
		chainID:  chainID,
		db:       db,
		accounts: make(map[common.Address]UserOpAccount),
		baseFee:  new(big.Int),
		logger:   log.New("dispatcher", "EntryPoint", "address", address),
	}
}

func (ep *EntryPoint) Address() common.Address {
	return ep.address
}

// SetBaseFee sets the base fee gas prices are computed against.
func (ep *EntryPoint) SetBaseFee(baseFee *big.Int) {
	ep.baseFee = new(big.Int).Set(baseFee)
}

// Register makes acc reachable as the sender of user operations.
func (ep *EntryPoint) Register(acc UserOpAccount) {
	ep.accounts[acc.Address()] = acc
}

func (ep *EntryPoint) slot(sender common.Address, key *big.Int, kind common.Hash) common.Hash {
	return crypto.Keccak256Hash(common.BytesToHash(sender.Bytes()).Bytes(), common.BigToHash(key).Bytes(), kind.Bytes())
}

// GetNonce returns the next nonce of sender for the given 192-bit key.
// Nonces with different keys are sequenced independently.
func (ep *EntryPoint) GetNonce(sender common.Address, key *big.Int) *big.Int {
	seq := ep.db.GetState(ep.address, ep.slot(sender, key, nonceSlot)).Big()
	return new(big.Int).Or(new(big.Int).Lsh(key, 64), seq)
}

// useNonce consumes nonce for sender if it is the next of its key.
func (ep *EntryPoint) useNonce(sender common.Address, nonce *big.Int) error {
	if nonce.Sign() < 0 || nonce.BitLen() > 256 {
		return fmt.Errorf("%w: invalid account nonce %s", smartaccount.ErrNonceConflict, nonce)
	}
	key := new(big.Int).Rsh(nonce, 64)
	seq := new(big.Int).And(nonce, maxUint64)

	slot := ep.slot(sender, key, nonceSlot)
	next := ep.db.GetState(ep.address, slot).Big()
	if next.Cmp(seq) != 0 {
		return fmt.Errorf("%w: AA25 invalid account nonce %s, want %s", smartaccount.ErrNonceConflict, nonce, new(big.Int).Or(new(big.Int).Lsh(key, 64), next))
	}
	ep.db.SetState(ep.address, slot, common.BigToHash(next.Add(next, big.NewInt(1))))
	return nil
}

// BalanceOf returns the deposit account holds in the EntryPoint.
func (ep *EntryPoint) BalanceOf(account common.Address) *big.Int {
	return ep.db.GetState(ep.address, ep.slot(account, new(big.Int), depositSlot)).Big()
}

func (ep *EntryPoint) setDeposit(account common.Address, amount *big.Int) {
	ep.db.SetState(ep.address, ep.slot(account, new(big.Int), depositSlot), common.BigToHash(amount))
}

// DepositTo moves amount from from into the deposit of account.
func (ep *EntryPoint) DepositTo(ctx context.Context, from, account common.Address, amount *big.Int) error {
	if _, err := ep.db.Call(ctx, from, ep.address, amount, nil); err != nil {
		return fmt.Errorf("deposit for %s: %w", account.Hex(), err)
	}
	ep.setDeposit(account, new(big.Int).Add(ep.BalanceOf(account), amount))
	return nil
}

func (ep *EntryPoint) account(sender common.Address) (UserOpAccount, error) {
	acc, ok := ep.accounts[sender]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, sender.Hex())
	}
	return acc, nil
}

func (ep *EntryPoint) missingFunds(op *smartaccount.UserOperation) (required, deposit, missing *big.Int) {
	required = op.GetMaxPrefund()
	deposit = ep.BalanceOf(op.Sender)
	missing = new(big.Int)
	if required.Cmp(deposit) > 0 {
		missing.Sub(required, deposit)
	}
	return required, deposit, missing
}

// HandleOp runs op through validation, prefund collection and execution,
// and pays the gas cost to beneficiary. An error means op was rejected and
// the state is untouched; a failed execution is reported in the receipt
// only, with the nonce consumed and the fee charged.
func (ep *EntryPoint) HandleOp(ctx context.Context, op *smartaccount.UserOperation, beneficiary common.Address) (*Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	acc, err := ep.account(op.Sender)
	if err != nil {
		return nil, err
	}
	hash, err := smartaccount.UserOpHash(op, ep.address, ep.chainID)
	if err != nil {
		return nil, err
	}

	var (
		logger = ep.logger.New("sender", op.Sender, "nonce", op.GetNonce())
		rcpt   = &Receipt{Hash: hash, Sender: op.Sender, Nonce: op.GetNonce()}
		snap   = ep.db.Snapshot()
	)
	reject := func(stage smartaccount.Stage, err error) (*Receipt, error) {
		ep.db.RevertToSnapshot(snap)
		rcpt.advance(logger, stage)
		rcpt.fail(err)
		logger.Debug("User operation rejected", "stage", stage, "err", err)
		return rcpt, err
	}

	rcpt.advance(logger, smartaccount.Validating)
	required, deposit, missing := ep.missingFunds(op)
	before := ep.db.GetBalance(ep.address)

	validationData, err := acc.ValidateUserOp(ctx, ep.address, op, hash, missing)
	if err != nil {
		return reject(smartaccount.ValidationFailed, err)
	}
	if validationData.Sign() != 0 {
		return reject(smartaccount.ValidationFailed, fmt.Errorf("AA24 signature error: %w", smartaccount.ErrInvalidSignature))
	}
	if err := ep.useNonce(op.Sender, op.GetNonce()); err != nil {
		return reject(smartaccount.ValidationFailed, err)
	}
	rcpt.advance(logger, smartaccount.ValidatedOK)

	rcpt.advance(logger, smartaccount.Paying)
	deposit.Add(deposit, new(big.Int).Sub(ep.db.GetBalance(ep.address), before))
	if deposit.Cmp(required) < 0 {
		return reject(smartaccount.PaymentFailed, fmt.Errorf("AA21 %w: deposit %s, required %s", ErrPrefundNotPaid, deposit, required))
	}
	deposit.Sub(deposit, required)

	rcpt.advance(logger, smartaccount.Executing)
	execSnap := ep.db.Snapshot()
	if err := acc.ExecuteUserOp(ctx, ep.address, op); err != nil {
		ep.db.RevertToSnapshot(execSnap)
		rcpt.advance(logger, smartaccount.ExecutionFailed)
		rcpt.fail(err)
	} else {
		rcpt.advance(logger, smartaccount.ExecutedOK)
		rcpt.Success = true
	}

	// The simulator does not meter gas; every op is charged its full gas
	// allowance at the effective gas price and refunded the rest.
	cost := new(big.Int).Mul(op.GetMaxGasAvailable(), op.GetDynamicGasPrice(ep.baseFee))
	ep.setDeposit(op.Sender, deposit.Add(deposit, new(big.Int).Sub(required, cost)))
	if err := ep.db.Transfer(ep.address, beneficiary, cost); err != nil {
		ep.db.RevertToSnapshot(snap)
		return nil, fmt.Errorf("compensate beneficiary: %w", err)
	}
	rcpt.ActualGasCost = cost

	logger.Debug("User operation handled", "hash", hash, "success", rcpt.Success, "cost", cost)
	return rcpt, nil
}

// SimulateValidation runs the validation step of op and reverts every
// change it made. A signature that does not match is reported in the
// result, not as an error.
func (ep *EntryPoint) SimulateValidation(ctx context.Context, op *smartaccount.UserOperation) (*Simulation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	acc, err := ep.account(op.Sender)
	if err != nil {
		return nil, err
	}
	hash, err := smartaccount.UserOpHash(op, ep.address, ep.chainID)
	if err != nil {
		return nil, err
	}

	snap := ep.db.Snapshot()
	defer ep.db.RevertToSnapshot(snap)

	_, _, missing := ep.missingFunds(op)
	validationData, err := acc.ValidateUserOp(ctx, ep.address, op, hash, missing)
	if err != nil {
		return nil, err
	}
	return &Simulation{
		Hash:           hash,
		Valid:          validationData.Sign() == 0,
		ValidationData: validationData,
		Prefund:        missing,
	}, nil
}
