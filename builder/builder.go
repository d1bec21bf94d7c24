// Package builder constructs and signs operations for smart accounts
// offline.
package builder

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/blndgs/smartaccount"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/params"
)

// Default gas parameters of built operations.
var (
	DefaultCallGasLimit           = big.NewInt(100_000)
	DefaultVerificationGasLimit   = big.NewInt(150_000)
	DefaultPreVerificationGas     = big.NewInt(21_000)
	DefaultGasLimit               = big.NewInt(500_000)
	DefaultGasPerPubdataByteLimit = big.NewInt(50_000)
	DefaultMaxFeePerGas           = big.NewInt(params.GWei)
	DefaultMaxPriorityFeePerGas   = big.NewInt(params.GWei / 10)
)

// UserOpOption customizes a built UserOperation.
type UserOpOption func(*smartaccount.UserOperation)

// WithGasLimits sets the three gas limits of a UserOperation.
func WithGasLimits(callGas, verificationGas, preVerificationGas *big.Int) UserOpOption {
	return func(op *smartaccount.UserOperation) {
		op.CallGasLimit = callGas
		op.VerificationGasLimit = verificationGas
		op.PreVerificationGas = preVerificationGas
	}
}

// WithUserOpFees sets the fee caps of a UserOperation.
func WithUserOpFees(maxFeePerGas, maxPriorityFeePerGas *big.Int) UserOpOption {
	return func(op *smartaccount.UserOperation) {
		op.MaxFeePerGas = maxFeePerGas
		op.MaxPriorityFeePerGas = maxPriorityFeePerGas
	}
}

// WithPaymasterAndData sets the paymaster of a UserOperation.
func WithPaymasterAndData(paymasterAndData []byte) UserOpOption {
	return func(op *smartaccount.UserOperation) {
		op.PaymasterAndData = paymasterAndData
	}
}

// NewUserOp returns an unsigned UserOperation of sender performing calls.
// A single call is encoded as execute, several as executeBatch.
func NewUserOp(sender common.Address, nonce *big.Int, calls []smartaccount.Call, opts ...UserOpOption) (*smartaccount.UserOperation, error) {
	var (
		callData []byte
		err      error
	)
	switch len(calls) {
	case 0:
	case 1:
		callData, err = smartaccount.EncodeExecute(calls[0])
	default:
		callData, err = smartaccount.EncodeExecuteBatch(calls)
	}
	if err != nil {
		return nil, fmt.Errorf("encode callData: %w", err)
	}

	op := &smartaccount.UserOperation{
		Sender:               sender,
		Nonce:                new(big.Int).Set(nonce),
		InitCode:             []byte{},
		CallData:             callData,
		CallGasLimit:         new(big.Int).Set(DefaultCallGasLimit),
		VerificationGasLimit: new(big.Int).Set(DefaultVerificationGasLimit),
		PreVerificationGas:   new(big.Int).Set(DefaultPreVerificationGas),
		MaxFeePerGas:         new(big.Int).Set(DefaultMaxFeePerGas),
		MaxPriorityFeePerGas: new(big.Int).Set(DefaultMaxPriorityFeePerGas),
		PaymasterAndData:     []byte{},
	}
	for _, opt := range opts {
		opt(op)
	}
	return op, nil
}

// TxOption customizes a built Transaction.
type TxOption func(*smartaccount.Transaction)

// WithTxType sets the transaction type.
func WithTxType(txType uint8) TxOption {
	return func(tx *smartaccount.Transaction) { tx.TxType = txType }
}

// WithTxFees sets the gas limit and fee caps of a Transaction.
func WithTxFees(gasLimit, maxFeePerGas, maxPriorityFeePerGas *big.Int) TxOption {
	return func(tx *smartaccount.Transaction) {
		tx.GasLimit = gasLimit
		tx.MaxFeePerGas = maxFeePerGas
		tx.MaxPriorityFeePerGas = maxPriorityFeePerGas
	}
}

// WithPaymaster makes paymaster sponsor the transaction fee.
func WithPaymaster(paymaster common.Address, input []byte) TxOption {
	return func(tx *smartaccount.Transaction) {
		tx.Paymaster = paymaster
		tx.PaymasterInput = input
	}
}

// NewTransaction returns an unsigned EIP-712 Transaction of from calling
// call.Target.
func NewTransaction(from common.Address, nonce *big.Int, call smartaccount.Call, opts ...TxOption) *smartaccount.Transaction {
	value := new(big.Int)
	if call.Value != nil {
		value.Set(call.Value)
	}
	tx := &smartaccount.Transaction{
		TxType:                 smartaccount.EIP712TxType,
		From:                   from,
		To:                     call.Target,
		GasLimit:               new(big.Int).Set(DefaultGasLimit),
		GasPerPubdataByteLimit: new(big.Int).Set(DefaultGasPerPubdataByteLimit),
		MaxFeePerGas:           new(big.Int).Set(DefaultMaxFeePerGas),
		MaxPriorityFeePerGas:   new(big.Int).Set(DefaultMaxPriorityFeePerGas),
		Nonce:                  new(big.Int).Set(nonce),
		Value:                  value,
		Data:                   call.Data,
	}
	for _, opt := range opts {
		opt(tx)
	}
	return tx
}

// Signer signs operations with an owner key for one chain.
type Signer struct {
	key        *ecdsa.PrivateKey
	chainID    *big.Int
	entryPoint common.Address
}

// NewSigner returns a Signer for the chain and EntryPoint named by cfg.
func NewSigner(key *ecdsa.PrivateKey, cfg *smartaccount.Config) *Signer {
	return &Signer{
		key:        key,
		chainID:    cfg.ChainIDBig(),
		entryPoint: cfg.EntryPointAddress(),
	}
}

// Address is the owner address the signatures recover to.
func (s *Signer) Address() common.Address {
	return crypto.PubkeyToAddress(s.key.PublicKey)
}

// SignUserOp sets the signature of op over its EIP-191 wrapped userOpHash.
func (s *Signer) SignUserOp(op *smartaccount.UserOperation) error {
	hash, err := smartaccount.UserOpHash(op, s.entryPoint, s.chainID)
	if err != nil {
		return err
	}
	sig, err := smartaccount.SignDigest(smartaccount.EthSignedMessageHash(hash), s.key)
	if err != nil {
		return err
	}
	op.Signature = sig
	return nil
}

// SignTransaction sets the signature of tx over its signing hash.
func (s *Signer) SignTransaction(tx *smartaccount.Transaction) error {
	hash, err := tx.EncodeHash(s.chainID)
	if err != nil {
		return err
	}
	sig, err := smartaccount.SignDigest(hash, s.key)
	if err != nil {
		return err
	}
	tx.Signature = sig
	return nil
}
