package smartaccount

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Operation is the part of a signed operation the account skeleton needs
// regardless of the host protocol it arrived through.
type Operation interface {
	GetSender() common.Address
	GetNonce() *big.Int
	GetSignature() []byte
}

// Stage is the position of a single operation in its authorization cycle.
type Stage string

// Enumeration of operation stages. Any failure stage is terminal.
const (
	Received         Stage = "Received"
	Validating       Stage = "Validating"
	ValidatedOK      Stage = "ValidatedOK"
	ValidationFailed Stage = "ValidationFailed"
	Paying           Stage = "Paying"
	PaymentFailed    Stage = "PaymentFailed"
	Executing        Stage = "Executing"
	ExecutedOK       Stage = "ExecutedOK"
	ExecutionFailed  Stage = "ExecutionFailed"
)

// Terminal reports whether no further transition is possible from s.
func (s Stage) Terminal() bool {
	switch s {
	case ValidationFailed, PaymentFailed, ExecutedOK, ExecutionFailed:
		return true
	default:
		return false
	}
}

var stageTransitions = map[Stage][]Stage{
	Received:    {Validating},
	Validating:  {ValidatedOK, ValidationFailed},
	ValidatedOK: {Paying},
	Paying:      {Executing, PaymentFailed},
	Executing:   {ExecutedOK, ExecutionFailed},
}

// CanTransition reports whether an operation in stage s may move to next.
func (s Stage) CanTransition(next Stage) bool {
	for _, allowed := range stageTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ValidationResult is the outcome of a validation pass that did not hit a
// structural failure. A wrong signature is reported here, never as an error.
type ValidationResult struct {
	Valid  bool
	Digest common.Hash
	Signer common.Address
}

// Validation data values returned to the EntryPoint.
var (
	SigValidationSucceeded = big.NewInt(0)
	SigValidationFailed    = big.NewInt(1)
)

// AccountValidationSuccessMagic is the selector of validateTransaction,
// returned to the Bootloader when the owner signed the transaction.
var AccountValidationSuccessMagic = [4]byte{0x20, 0x2b, 0xcc, 0xe7}

// ValidationData encodes r the way the EntryPoint expects it.
func (r ValidationResult) ValidationData() *big.Int {
	if r.Valid {
		return new(big.Int).Set(SigValidationSucceeded)
	}
	return new(big.Int).Set(SigValidationFailed)
}

// Magic encodes r the way the Bootloader expects it.
func (r ValidationResult) Magic() [4]byte {
	if r.Valid {
		return AccountValidationSuccessMagic
	}
	return [4]byte{}
}
