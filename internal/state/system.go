package state

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/blndgs/smartaccount"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	NonceHolderAddress      = smartaccount.NonceHolderAddress
	ContractDeployerAddress = smartaccount.ContractDeployerAddress
)

var (
	ErrNonceMismatch   = errors.New("nonce mismatch")
	ErrNotPayable      = errors.New("method is not payable")
	ErrUnknownCode     = errors.New("unknown bytecode hash")
	ErrAlreadyDeployed = errors.New("contract already deployed")
)

//go:embed abis/contract_deployer.abi.json
var contractDeployerABIJSON string

// ContractDeployerABI describes the contract deployer system contract.
var ContractDeployerABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(contractDeployerABIJSON))
	if err != nil {
		panic(err)
	}
	return parsed
}()

// create2Prefix is keccak256("zksyncCreate2").
var create2Prefix = crypto.Keccak256Hash([]byte("zksyncCreate2"))

// DecodeCall resolves the method input calls on contractABI and unpacks its
// arguments.
func DecodeCall(contractABI abi.ABI, input []byte) (*abi.Method, []interface{}, error) {
	if len(input) < 4 {
		return nil, nil, fmt.Errorf("%w: input too short", ErrUnknownMethod)
	}
	method, err := contractABI.MethodById(input[:4])
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrUnknownMethod, err)
	}
	args, err := method.Inputs.Unpack(input[4:])
	if err != nil {
		return nil, nil, fmt.Errorf("decode %s: %w", method.Name, err)
	}
	return method, args, nil
}

func requireNoValue(method *abi.Method, call *CallContext) error {
	if !method.IsPayable() && call.Value.Sign() != 0 {
		return fmt.Errorf("%w: %s", ErrNotPayable, method.Name)
	}
	return nil
}

// NonceHolder keeps the minimal nonce of every account. Only system calls
// may advance it.
type NonceHolder struct{}

func nonceKey(account common.Address) common.Hash {
	return common.BytesToHash(account.Bytes())
}

// MinNonce returns the nonce the next transaction of account must carry.
func MinNonce(db *StateDB, account common.Address) *big.Int {
	return db.GetState(NonceHolderAddress, nonceKey(account)).Big()
}

func (n *NonceHolder) Run(ctx context.Context, db *StateDB, call *CallContext) ([]byte, error) {
	nonceABI := smartaccount.NonceHolderABI
	method, args, err := DecodeCall(nonceABI, call.Input)
	if err != nil {
		return nil, err
	}
	if err := requireNoValue(method, call); err != nil {
		return nil, err
	}

	switch method.Name {
	case "getMinNonce":
		return method.Outputs.Pack(MinNonce(db, args[0].(common.Address)))

	case "incrementMinNonceIfEquals":
		if !call.System {
			return nil, ErrNotSystemCall
		}
		expected, actual := args[0].(*big.Int), MinNonce(db, call.Caller)
		if expected.Cmp(actual) != 0 {
			mismatch := nonceABI.Errors["NonceMismatch"]
			data, err := mismatch.Inputs.Pack(expected, actual)
			if err != nil {
				return nil, err
			}
			revert := append(common.CopyBytes(mismatch.ID[:4]), data...)
			return revert, fmt.Errorf("%w: expected %s, actual %s", ErrNonceMismatch, expected, actual)
		}
		db.SetState(NonceHolderAddress, nonceKey(call.Caller), common.BigToHash(new(big.Int).Add(actual, big.NewInt(1))))
		return nil, nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, method.Name)
	}
}

// ContractDeployer deploys registered code at deterministic addresses. Only
// system calls may deploy.
type ContractDeployer struct{}

// Create2Address returns the address create2 deploys to for sender.
func Create2Address(sender common.Address, salt, bytecodeHash common.Hash, input []byte) common.Address {
	hash := crypto.Keccak256(
		create2Prefix.Bytes(),
		common.BytesToHash(sender.Bytes()).Bytes(),
		salt.Bytes(),
		bytecodeHash.Bytes(),
		crypto.Keccak256(input),
	)
	return common.BytesToAddress(hash[12:])
}

func (d *ContractDeployer) Run(ctx context.Context, db *StateDB, call *CallContext) ([]byte, error) {
	method, args, err := DecodeCall(ContractDeployerABI, call.Input)
	if err != nil {
		return nil, err
	}
	if err := requireNoValue(method, call); err != nil {
		return nil, err
	}

	switch method.Name {
	case "getCodeHash":
		return method.Outputs.Pack([32]byte(db.GetState(ContractDeployerAddress, common.BytesToHash(args[0].(common.Address).Bytes()))))

	case "create2":
		if !call.System {
			return nil, ErrNotSystemCall
		}
		salt, codeHash, input := common.Hash(args[0].([32]byte)), common.Hash(args[1].([32]byte)), args[2].([]byte)

		code, ok := db.codes[codeHash]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownCode, codeHash.Hex())
		}
		addr := Create2Address(call.Caller, salt, codeHash, input)
		if _, exists := db.contracts[addr]; exists {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyDeployed, addr.Hex())
		}

		db.Deploy(addr, code)
		db.SetState(ContractDeployerAddress, common.BytesToHash(addr.Bytes()), codeHash)
		if err := db.Transfer(ContractDeployerAddress, addr, call.Value); err != nil {
			return nil, err
		}
		db.logger.Debug("Contract deployed", "deployer", call.Caller, "address", addr, "codeHash", codeHash)
		return method.Outputs.Pack(addr)

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, method.Name)
	}
}
