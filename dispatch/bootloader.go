package dispatch

import (
	"context"
	"fmt"
	"math/big"

	"github.com/blndgs/smartaccount"
	"github.com/blndgs/smartaccount/internal/state"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
)

// TransactionAccount is an account the Bootloader can drive.
type TransactionAccount interface {
	Address() common.Address
	ValidateTransaction(ctx context.Context, caller common.Address, txHash, suggestedSignedHash common.Hash, tx *smartaccount.Transaction) ([4]byte, error)
	PayForTransaction(ctx context.Context, caller common.Address, txHash, suggestedSignedHash common.Hash, tx *smartaccount.Transaction) error
	PrepareForPaymaster(ctx context.Context, caller common.Address, txHash, suggestedSignedHash common.Hash, tx *smartaccount.Transaction) error
	ExecuteTransaction(ctx context.Context, caller common.Address, txHash, suggestedSignedHash common.Hash, tx *smartaccount.Transaction) error
	ExecuteTransactionFromOutside(ctx context.Context, caller common.Address, tx *smartaccount.Transaction) error
}

// Bootloader simulates the system Bootloader: it hands each transaction to
// its sender account for validation, collects the fee and asks the account
// to execute. It is not safe for concurrent use.
type Bootloader struct {
	address  common.Address
	chainID  *big.Int
	db       *state.StateDB
	accounts map[common.Address]TransactionAccount
	logger   log.Logger
}

// NewBootloader returns a Bootloader at address on the chain described by
// db and chainID.
func NewBootloader(db *state.StateDB, address common.Address, chainID *big.Int) *Bootloader {
	return &Bootloader{
		address:  address,
		chainID:  chainID,
		db:       db,
		accounts: make(map[common.Address]TransactionAccount),
		logger:   log.New("dispatcher", "Bootloader", "address", address),
	}
}

func (b *Bootloader) Address() common.Address {
	return b.address
}

// Register makes acc reachable as the sender of transactions.
func (b *Bootloader) Register(acc TransactionAccount) {
	b.accounts[acc.Address()] = acc
}

func (b *Bootloader) account(sender common.Address) (TransactionAccount, error) {
	acc, ok := b.accounts[sender]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, sender.Hex())
	}
	return acc, nil
}

// TransactionHashes returns the hash identifying tx and the hash its owner
// signs.
func (b *Bootloader) TransactionHashes(tx *smartaccount.Transaction) (txHash, signedHash common.Hash, err error) {
	signedHash, err = tx.EncodeHash(b.chainID)
	if err != nil {
		return common.Hash{}, common.Hash{}, err
	}
	txHash = crypto.Keccak256Hash(signedHash.Bytes(), crypto.Keccak256(tx.Signature))
	return txHash, signedHash, nil
}

// ProcessTransaction runs tx through validation, fee payment and execution.
// An error means tx was rejected and the state is untouched; a failed
// execution is reported in the receipt only, with the nonce consumed and
// the fee charged.
func (b *Bootloader) ProcessTransaction(ctx context.Context, tx *smartaccount.Transaction) (*Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	acc, err := b.account(tx.From)
	if err != nil {
		return nil, err
	}
	txHash, signedHash, err := b.TransactionHashes(tx)
	if err != nil {
		return nil, err
	}

	var (
		logger = b.logger.New("from", tx.From, "nonce", tx.GetNonce())
		rcpt   = &Receipt{Hash: txHash, Sender: tx.From, Nonce: tx.GetNonce()}
		snap   = b.db.Snapshot()
	)
	reject := func(stage smartaccount.Stage, err error) (*Receipt, error) {
		b.db.RevertToSnapshot(snap)
		rcpt.advance(logger, stage)
		rcpt.fail(err)
		logger.Debug("Transaction rejected", "stage", stage, "err", err)
		return rcpt, err
	}

	rcpt.advance(logger, smartaccount.Validating)
	magic, err := acc.ValidateTransaction(ctx, b.address, txHash, signedHash, tx)
	if err != nil {
		return reject(smartaccount.ValidationFailed, err)
	}
	if magic != smartaccount.AccountValidationSuccessMagic {
		return reject(smartaccount.ValidationFailed, fmt.Errorf("%w: magic %s", smartaccount.ErrInvalidSignature, hexutil.Encode(magic[:])))
	}
	rcpt.advance(logger, smartaccount.ValidatedOK)

	rcpt.advance(logger, smartaccount.Paying)
	if err := b.collectFee(ctx, acc, txHash, signedHash, tx); err != nil {
		return reject(smartaccount.PaymentFailed, err)
	}
	rcpt.ActualGasCost = tx.FeeAmount()

	rcpt.advance(logger, smartaccount.Executing)
	execSnap := b.db.Snapshot()
	if err := acc.ExecuteTransaction(ctx, b.address, txHash, signedHash, tx); err != nil {
		b.db.RevertToSnapshot(execSnap)
		rcpt.advance(logger, smartaccount.ExecutionFailed)
		rcpt.fail(err)
	} else {
		rcpt.advance(logger, smartaccount.ExecutedOK)
		rcpt.Success = true
	}

	logger.Debug("Transaction processed", "hash", txHash, "success", rcpt.Success)
	return rcpt, nil
}

// collectFee makes sure the Bootloader receives the fee of tx, either from
// the account or from its paymaster.
func (b *Bootloader) collectFee(ctx context.Context, acc TransactionAccount, txHash, signedHash common.Hash, tx *smartaccount.Transaction) error {
	fee := tx.FeeAmount()
	before := b.db.GetBalance(b.address)

	if tx.Paymaster == (common.Address{}) {
		if err := acc.PayForTransaction(ctx, b.address, txHash, signedHash, tx); err != nil {
			return err
		}
	} else {
		if err := acc.PrepareForPaymaster(ctx, b.address, txHash, signedHash, tx); err != nil {
			return err
		}
		if err := b.db.Transfer(tx.Paymaster, b.address, fee); err != nil {
			return fmt.Errorf("%w: paymaster %s: %v", smartaccount.ErrPaymentFailed, tx.Paymaster.Hex(), err)
		}
	}

	received := new(big.Int).Sub(b.db.GetBalance(b.address), before)
	if received.Cmp(fee) < 0 {
		return fmt.Errorf("%w: bootloader received %s, fee is %s", smartaccount.ErrPaymentFailed, received, fee)
	}
	return nil
}

// ExecuteFromOutside submits tx to its account on behalf of caller, outside
// of the Bootloader cycle.
func (b *Bootloader) ExecuteFromOutside(ctx context.Context, caller common.Address, tx *smartaccount.Transaction) error {
	acc, err := b.account(tx.From)
	if err != nil {
		return err
	}
	return acc.ExecuteTransactionFromOutside(ctx, caller, tx)
}

// SimulateValidation runs the validation step of tx and reverts every
// change it made, including the nonce increment.
func (b *Bootloader) SimulateValidation(ctx context.Context, tx *smartaccount.Transaction) (*Simulation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	acc, err := b.account(tx.From)
	if err != nil {
		return nil, err
	}
	txHash, signedHash, err := b.TransactionHashes(tx)
	if err != nil {
		return nil, err
	}

	snap := b.db.Snapshot()
	defer b.db.RevertToSnapshot(snap)

	magic, err := acc.ValidateTransaction(ctx, b.address, txHash, signedHash, tx)
	if err != nil {
		return nil, err
	}
	return &Simulation{
		Hash:    txHash,
		Valid:   magic == smartaccount.AccountValidationSuccessMagic,
		Magic:   magic[:],
		Prefund: tx.TotalRequiredBalance(),
	}, nil
}
