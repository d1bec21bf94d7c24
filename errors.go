package smartaccount

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

type accountError string

func (e accountError) Error() string {
	return string(e)
}

// Errors returned by account operations. They compare with errors.Is.
const (
	ErrUnauthorized      accountError = "unauthorized caller"
	ErrNonceConflict     accountError = "nonce conflict"
	ErrInsufficientFunds accountError = "not enough balance for fee + value"
	ErrInvalidSignature  accountError = "invalid signature"
	ErrPaymentFailed     accountError = "failed to pay the fee to the operator"
	ErrExecutionFailed   accountError = "execution failed"
	ErrZeroOwner         accountError = "new owner is the zero address"
	ErrWrongArrayLengths accountError = "wrong array lengths"
	ErrUnknownCall       accountError = "unknown account call"
	ErrUnsupportedTxType accountError = "unsupported transaction type"
)

// ExecutionError is returned when the call made on behalf of the account
// reverts. It keeps the raw return data of the failed call.
type ExecutionError struct {
	Target     common.Address
	ReturnData []byte
	Err        error
}

func (e *ExecutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: call to %s: %v (return data %s)", ErrExecutionFailed, e.Target.Hex(), e.Err, hexutil.Encode(e.ReturnData))
	}
	return fmt.Sprintf("%s: call to %s (return data %s)", ErrExecutionFailed, e.Target.Hex(), hexutil.Encode(e.ReturnData))
}

// Is reports ErrExecutionFailed as the error kind.
func (e *ExecutionError) Is(target error) bool {
	return target == ErrExecutionFailed
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}
