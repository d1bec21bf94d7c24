package smartaccount

import (
	"context"
	_ "embed"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// System contract addresses of the Bootloader protocol.
var (
	BootloaderAddress       = common.HexToAddress("0x0000000000000000000000000000000000008001")
	NonceHolderAddress      = common.HexToAddress("0x0000000000000000000000000000000000008003")
	ContractDeployerAddress = common.HexToAddress("0x0000000000000000000000000000000000008006")
)

//go:embed abis/simple_account.abi.json
var simpleAccountABIJSON string

//go:embed abis/nonce_holder.abi.json
var nonceHolderABIJSON string

var (
	// SimpleAccountABI describes the calls a UserOperation's callData may
	// carry.
	SimpleAccountABI = mustABI(simpleAccountABIJSON)
	// NonceHolderABI describes the nonce registry system contract.
	NonceHolderABI = mustABI(nonceHolderABIJSON)
)

func mustABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(err)
	}
	return parsed
}

// Host is the execution environment an account runs in: balances, a
// journal to undo a failed unit of work, and call dispatch.
type Host interface {
	GetBalance(addr common.Address) *big.Int

	// Snapshot returns an identifier for the current state revision.
	Snapshot() int
	// RevertToSnapshot discards every change made after the snapshot.
	RevertToSnapshot(id int)

	// Call transfers value from from to to and runs the code at to, if any,
	// with input. A reverted call returns its return data with the error.
	Call(ctx context.Context, from, to common.Address, value *big.Int, input []byte) ([]byte, error)
	// SystemCall is Call with system rights. Privileged system contracts
	// only accept this path.
	SystemCall(ctx context.Context, from, to common.Address, value *big.Int, input []byte) ([]byte, error)
}
