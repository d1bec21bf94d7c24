// Package token is a mintable fungible token used as a call target for
// smart accounts.
package token

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/blndgs/smartaccount/internal/state"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

//go:embed abis/token.abi.json
var tokenABIJSON string

// ABI is the token interface.
var ABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(tokenABIJSON))
	if err != nil {
		panic(err)
	}
	return parsed
}()

// CodeHash identifies the token code to the contract deployer.
var CodeHash = crypto.Keccak256Hash([]byte("MintableToken"))

var (
	ErrInsufficientBalance = errors.New("token: transfer amount exceeds balance")
	ErrOverflow            = errors.New("token: supply overflow")
	ErrNotPayable          = errors.New("token: not payable")
)

var totalSupplySlot = common.BigToHash(big.NewInt(1))

// Token keeps balances in the storage of the address it is deployed at.
// Anyone may mint.
type Token struct{}

// Deploy installs a Token at addr and makes it deployable by code hash.
func Deploy(db *state.StateDB, addr common.Address) {
	db.RegisterCode(CodeHash, Token{})
	db.Deploy(addr, Token{})
}

func balanceSlot(account common.Address) common.Hash {
	return crypto.Keccak256Hash(common.BytesToHash(account.Bytes()).Bytes(), common.Hash{}.Bytes())
}

// BalanceOf reads the balance of account in the token at addr.
func BalanceOf(db *state.StateDB, addr, account common.Address) *big.Int {
	return db.GetState(addr, balanceSlot(account)).Big()
}

// TotalSupply reads the minted supply of the token at addr.
func TotalSupply(db *state.StateDB, addr common.Address) *big.Int {
	return db.GetState(addr, totalSupplySlot).Big()
}

func (Token) Run(ctx context.Context, db *state.StateDB, call *state.CallContext) ([]byte, error) {
	method, args, err := state.DecodeCall(ABI, call.Input)
	if err != nil {
		return nil, err
	}
	if call.Value.Sign() != 0 {
		return nil, ErrNotPayable
	}

	switch method.Name {
	case "balanceOf":
		return method.Outputs.Pack(BalanceOf(db, call.Self, args[0].(common.Address)))

	case "totalSupply":
		return method.Outputs.Pack(TotalSupply(db, call.Self))

	case "mint":
		to, amount := args[0].(common.Address), args[1].(*big.Int)
		if err := add(db, call.Self, totalSupplySlot, amount); err != nil {
			return nil, err
		}
		if err := add(db, call.Self, balanceSlot(to), amount); err != nil {
			return nil, err
		}
		return nil, nil

	case "transfer":
		to, amount := args[0].(common.Address), args[1].(*big.Int)
		have := BalanceOf(db, call.Self, call.Caller)
		if have.Cmp(amount) < 0 {
			insufficient := ABI.Errors["InsufficientBalance"]
			data, err := insufficient.Inputs.Pack(have, amount)
			if err != nil {
				return nil, err
			}
			return append(common.CopyBytes(insufficient.ID[:4]), data...), fmt.Errorf("%w: have %s, want %s", ErrInsufficientBalance, have, amount)
		}
		db.SetState(call.Self, balanceSlot(call.Caller), common.BigToHash(have.Sub(have, amount)))
		if err := add(db, call.Self, balanceSlot(to), amount); err != nil {
			return nil, err
		}
		return method.Outputs.Pack(true)

	default:
		return nil, fmt.Errorf("%w: %s", state.ErrUnknownMethod, method.Name)
	}
}

func add(db *state.StateDB, self common.Address, slot common.Hash, amount *big.Int) error {
	cur := new(uint256.Int).SetBytes32(db.GetState(self, slot).Bytes())
	delta, overflow := uint256.FromBig(amount)
	if overflow {
		return ErrOverflow
	}
	sum, overflow := new(uint256.Int).AddOverflow(cur, delta)
	if overflow {
		return ErrOverflow
	}
	db.SetState(self, slot, common.Hash(sum.Bytes32()))
	return nil
}

// MintCallData encodes mint(to, amount).
func MintCallData(to common.Address, amount *big.Int) ([]byte, error) {
	return ABI.Pack("mint", to, amount)
}

// TransferCallData encodes transfer(to, amount).
func TransferCallData(to common.Address, amount *big.Int) ([]byte, error) {
	return ABI.Pack("transfer", to, amount)
}
