// Package smartaccount implements the validation and execution core of a
// smart-contract account that authorizes operations with a single owner key.
//
// Two host protocols are supported:
//
//  1. EntryPoint (ERC-4337): the SimpleAccount validates UserOperations
//     handed to it by a trusted EntryPoint, returns a numeric validationData
//     and forwards the missing prefund.
//
//  2. Bootloader: the BootloaderAccount validates Transactions handed to it
//     by a system Bootloader, advances its own nonce through the nonce
//     registry, checks it can pay for the transaction and returns a 4-byte
//     magic value. It also accepts fully signed transactions from any caller.
//
// This file defines the UserOperation consumed by the EntryPoint variant.
package smartaccount

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/goccy/go-json"
)

// UserOperation represents an ERC-4337 user operation.
type UserOperation struct {
	Sender               common.Address `json:"sender"`
	Nonce                *big.Int       `json:"nonce"`
	InitCode             []byte         `json:"initCode"`
	CallData             []byte         `json:"callData"`
	CallGasLimit         *big.Int       `json:"callGasLimit"`
	VerificationGasLimit *big.Int       `json:"verificationGasLimit"`
	PreVerificationGas   *big.Int       `json:"preVerificationGas"`
	MaxFeePerGas         *big.Int       `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *big.Int       `json:"maxPriorityFeePerGas"`
	PaymasterAndData     []byte         `json:"paymasterAndData"`
	Signature            []byte         `json:"signature"`
}

func (op *UserOperation) GetSender() common.Address { return op.Sender }
func (op *UserOperation) GetNonce() *big.Int        { return bigOrZero(op.Nonce) }
func (op *UserOperation) GetSignature() []byte      { return op.Signature }

// GetFactory returns the factory address from the first 20 bytes of
// InitCode, or the zero address when there is none.
func (op *UserOperation) GetFactory() common.Address {
	if len(op.InitCode) < common.AddressLength {
		return common.Address{}
	}
	return common.BytesToAddress(op.InitCode[:common.AddressLength])
}

// GetPaymaster returns the paymaster address from the first 20 bytes of
// PaymasterAndData, or the zero address when there is none.
func (op *UserOperation) GetPaymaster() common.Address {
	if len(op.PaymasterAndData) < common.AddressLength {
		return common.Address{}
	}
	return common.BytesToAddress(op.PaymasterAndData[:common.AddressLength])
}

// GetMaxGasAvailable returns the most gas the operation may consume. With a
// paymaster the verification gas limit also bounds two postOp calls.
func (op *UserOperation) GetMaxGasAvailable() *big.Int {
	mul := big.NewInt(1)
	if op.GetPaymaster() != (common.Address{}) {
		mul = big.NewInt(3)
	}

	gas := new(big.Int).Mul(bigOrZero(op.VerificationGasLimit), mul)
	gas.Add(gas, bigOrZero(op.PreVerificationGas))
	return gas.Add(gas, bigOrZero(op.CallGasLimit))
}

// GetMaxPrefund returns the upper bound the EntryPoint collects before
// executing the operation.
func (op *UserOperation) GetMaxPrefund() *big.Int {
	return new(big.Int).Mul(op.GetMaxGasAvailable(), bigOrZero(op.MaxFeePerGas))
}

// GetDynamicGasPrice returns min(maxFeePerGas, basefee + maxPriorityFeePerGas).
func (op *UserOperation) GetDynamicGasPrice(basefee *big.Int) *big.Int {
	gp := new(big.Int).Add(bigOrZero(basefee), bigOrZero(op.MaxPriorityFeePerGas))
	if gp.Cmp(bigOrZero(op.MaxFeePerGas)) == 1 {
		return new(big.Int).Set(bigOrZero(op.MaxFeePerGas))
	}
	return gp
}

type userOperationJSON struct {
	Sender               string `json:"sender"`
	Nonce                string `json:"nonce"`
	InitCode             string `json:"initCode"`
	CallData             string `json:"callData"`
	CallGasLimit         string `json:"callGasLimit"`
	VerificationGasLimit string `json:"verificationGasLimit"`
	PreVerificationGas   string `json:"preVerificationGas"`
	MaxFeePerGas         string `json:"maxFeePerGas"`
	MaxPriorityFeePerGas string `json:"maxPriorityFeePerGas"`
	PaymasterAndData     string `json:"paymasterAndData"`
	Signature            string `json:"signature"`
}

// MarshalJSON encodes quantities and byte fields as 0x-prefixed hex, the
// format bundler RPCs use.
func (op *UserOperation) MarshalJSON() ([]byte, error) {
	return json.Marshal(userOperationJSON{
		Sender:               op.Sender.Hex(),
		Nonce:                hexutil.EncodeBig(bigOrZero(op.Nonce)),
		InitCode:             hexutil.Encode(op.InitCode),
		CallData:             hexutil.Encode(op.CallData),
		CallGasLimit:         hexutil.EncodeBig(bigOrZero(op.CallGasLimit)),
		VerificationGasLimit: hexutil.EncodeBig(bigOrZero(op.VerificationGasLimit)),
		PreVerificationGas:   hexutil.EncodeBig(bigOrZero(op.PreVerificationGas)),
		MaxFeePerGas:         hexutil.EncodeBig(bigOrZero(op.MaxFeePerGas)),
		MaxPriorityFeePerGas: hexutil.EncodeBig(bigOrZero(op.MaxPriorityFeePerGas)),
		PaymasterAndData:     hexutil.Encode(op.PaymasterAndData),
		Signature:            hexutil.Encode(op.Signature),
	})
}

// UnmarshalJSON does the reverse of MarshalJSON.
func (op *UserOperation) UnmarshalJSON(data []byte) error {
	var aux userOperationJSON
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	if !common.IsHexAddress(aux.Sender) {
		return fmt.Errorf("invalid sender address %q", aux.Sender)
	}
	op.Sender = common.HexToAddress(aux.Sender)

	var err error
	for _, f := range []struct {
		name string
		src  string
		dst  **big.Int
	}{
		{"nonce", aux.Nonce, &op.Nonce},
		{"callGasLimit", aux.CallGasLimit, &op.CallGasLimit},
		{"verificationGasLimit", aux.VerificationGasLimit, &op.VerificationGasLimit},
		{"preVerificationGas", aux.PreVerificationGas, &op.PreVerificationGas},
		{"maxFeePerGas", aux.MaxFeePerGas, &op.MaxFeePerGas},
		{"maxPriorityFeePerGas", aux.MaxPriorityFeePerGas, &op.MaxPriorityFeePerGas},
	} {
		if *f.dst, err = decodeQuantity(f.src); err != nil {
			return fmt.Errorf("invalid %s: %w", f.name, err)
		}
	}

	for _, f := range []struct {
		name string
		src  string
		dst  *[]byte
	}{
		{"initCode", aux.InitCode, &op.InitCode},
		{"callData", aux.CallData, &op.CallData},
		{"paymasterAndData", aux.PaymasterAndData, &op.PaymasterAndData},
		{"signature", aux.Signature, &op.Signature},
	} {
		if *f.dst, err = decodeBytes(f.src); err != nil {
			return fmt.Errorf("invalid %s: %w", f.name, err)
		}
	}

	return nil
}

func (op *UserOperation) String() string {
	formatBytes := func(b []byte) string {
		if len(b) == 0 {
			return "0x"
		}
		return hexutil.Encode(b)
	}

	formatBigInt := func(b *big.Int) string {
		if b == nil {
			return "0x, 0"
		}
		return fmt.Sprintf("0x%x, %s", b, b.Text(10))
	}

	return fmt.Sprintf(
		"UserOperation{\n"+
			"  Sender: %s\n"+
			"  Nonce: %s\n"+
			"  InitCode: %s\n"+
			"  CallData: %s\n"+
			"  CallGasLimit: %s\n"+
			"  VerificationGasLimit: %s\n"+
			"  PreVerificationGas: %s\n"+
			"  MaxFeePerGas: %s\n"+
			"  MaxPriorityFeePerGas: %s\n"+
			"  PaymasterAndData: %s\n"+
			"  Signature: %s\n"+
			"}",
		op.Sender.String(),
		formatBigInt(op.Nonce),
		formatBytes(op.InitCode),
		formatBytes(op.CallData),
		formatBigInt(op.CallGasLimit),
		formatBigInt(op.VerificationGasLimit),
		formatBigInt(op.PreVerificationGas),
		formatBigInt(op.MaxFeePerGas),
		formatBigInt(op.MaxPriorityFeePerGas),
		formatBytes(op.PaymasterAndData),
		formatBytes(op.Signature),
	)
}

// decodeQuantity accepts an empty string as zero.
func decodeQuantity(s string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	return hexutil.DecodeBig(s)
}

func decodeBytes(s string) ([]byte, error) {
	if s == "" || s == "0x" {
		return []byte{}, nil
	}
	return hexutil.Decode(s)
}

func bigOrZero(b *big.Int) *big.Int {
	if b == nil {
		return new(big.Int)
	}
	return b
}
