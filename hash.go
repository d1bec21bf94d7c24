package smartaccount

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

var (
	addressT = mustType("address")
	uint256T = mustType("uint256")
	bytes32T = mustType("bytes32")

	userOpPackArgs = abi.Arguments{
		{Name: "sender", Type: addressT},
		{Name: "nonce", Type: uint256T},
		{Name: "hashInitCode", Type: bytes32T},
		{Name: "hashCallData", Type: bytes32T},
		{Name: "callGasLimit", Type: uint256T},
		{Name: "verificationGasLimit", Type: uint256T},
		{Name: "preVerificationGas", Type: uint256T},
		{Name: "maxFeePerGas", Type: uint256T},
		{Name: "maxPriorityFeePerGas", Type: uint256T},
		{Name: "hashPaymasterAndData", Type: bytes32T},
	}

	userOpHashArgs = abi.Arguments{
		{Name: "opHash", Type: bytes32T},
		{Name: "entryPoint", Type: addressT},
		{Name: "chainId", Type: uint256T},
	}
)

func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return typ
}

// PackUserOp ABI-encodes every field of op except the signature, hashing the
// dynamic byte fields.
func PackUserOp(op *UserOperation) ([]byte, error) {
	return userOpPackArgs.Pack(
		op.Sender,
		bigOrZero(op.Nonce),
		[32]byte(crypto.Keccak256Hash(op.InitCode)),
		[32]byte(crypto.Keccak256Hash(op.CallData)),
		bigOrZero(op.CallGasLimit),
		bigOrZero(op.VerificationGasLimit),
		bigOrZero(op.PreVerificationGas),
		bigOrZero(op.MaxFeePerGas),
		bigOrZero(op.MaxPriorityFeePerGas),
		[32]byte(crypto.Keccak256Hash(op.PaymasterAndData)),
	)
}

// UserOpHash returns the hash the EntryPoint at entryPoint on chainID
// identifies op by: keccak(abi.encode(keccak(pack(op)), entryPoint, chainID)).
func UserOpHash(op *UserOperation, entryPoint common.Address, chainID *big.Int) (common.Hash, error) {
	packed, err := PackUserOp(op)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack user operation: %w", err)
	}

	encoded, err := userOpHashArgs.Pack([32]byte(crypto.Keccak256Hash(packed)), entryPoint, bigOrZero(chainID))
	if err != nil {
		return common.Hash{}, fmt.Errorf("encode user operation hash: %w", err)
	}
	return crypto.Keccak256Hash(encoded), nil
}

// EthSignedMessageHash returns the EIP-191 personal-message hash of hash.
func EthSignedMessageHash(hash common.Hash) common.Hash {
	return common.BytesToHash(accounts.TextHash(hash.Bytes()))
}

var eip712TxTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
	},
	"Transaction": {
		{Name: "txType", Type: "uint256"},
		{Name: "from", Type: "uint256"},
		{Name: "to", Type: "uint256"},
		{Name: "gasLimit", Type: "uint256"},
		{Name: "gasPerPubdataByteLimit", Type: "uint256"},
		{Name: "maxFeePerGas", Type: "uint256"},
		{Name: "maxPriorityFeePerGas", Type: "uint256"},
		{Name: "paymaster", Type: "uint256"},
		{Name: "nonce", Type: "uint256"},
		{Name: "value", Type: "uint256"},
		{Name: "data", Type: "bytes"},
		{Name: "factoryDeps", Type: "bytes32[]"},
		{Name: "paymasterInput", Type: "bytes"},
	},
}

// EncodeHash returns the hash an owner signs for tx on chainID. Type 0x71
// transactions use EIP-712 typed data; legacy, EIP-2930 and EIP-1559
// transactions use their native signing hash.
func (tx *Transaction) EncodeHash(chainID *big.Int) (common.Hash, error) {
	switch tx.TxType {
	case EIP712TxType:
		return tx.eip712Hash(chainID)
	case LegacyTxType, AccessListTxType, DynamicFeeTxType:
		return tx.nativeHash(chainID)
	default:
		return common.Hash{}, fmt.Errorf("%w: %#x", ErrUnsupportedTxType, tx.TxType)
	}
}

func (tx *Transaction) eip712Hash(chainID *big.Int) (common.Hash, error) {
	deps := make([]interface{}, len(tx.FactoryDeps))
	for i, dep := range tx.FactoryDeps {
		deps[i] = dep.Hex()
	}

	typedData := apitypes.TypedData{
		Types:       eip712TxTypes,
		PrimaryType: "Transaction",
		Domain: apitypes.TypedDataDomain{
			Name:    "zkSync",
			Version: "2",
			ChainId: (*math.HexOrDecimal256)(bigOrZero(chainID)),
		},
		Message: apitypes.TypedDataMessage{
			"txType":                 fmt.Sprint(tx.TxType),
			"from":                   addressAsUint(tx.From),
			"to":                     addressAsUint(tx.To),
			"gasLimit":               bigOrZero(tx.GasLimit).String(),
			"gasPerPubdataByteLimit": bigOrZero(tx.GasPerPubdataByteLimit).String(),
			"maxFeePerGas":           bigOrZero(tx.MaxFeePerGas).String(),
			"maxPriorityFeePerGas":   bigOrZero(tx.MaxPriorityFeePerGas).String(),
			"paymaster":              addressAsUint(tx.Paymaster),
			"nonce":                  bigOrZero(tx.Nonce).String(),
			"value":                  bigOrZero(tx.Value).String(),
			"data":                   hexutil.Encode(tx.Data),
			"factoryDeps":            deps,
			"paymasterInput":         hexutil.Encode(tx.PaymasterInput),
		},
	}

	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return common.Hash{}, fmt.Errorf("hash EIP-712 domain: %w", err)
	}
	structHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return common.Hash{}, fmt.Errorf("hash EIP-712 transaction: %w", err)
	}

	raw := make([]byte, 0, 2+2*common.HashLength)
	raw = append(raw, 0x19, 0x01)
	raw = append(raw, domainSeparator...)
	raw = append(raw, structHash...)
	return crypto.Keccak256Hash(raw), nil
}

func (tx *Transaction) nativeHash(chainID *big.Int) (common.Hash, error) {
	nonce, gas := bigOrZero(tx.Nonce), bigOrZero(tx.GasLimit)
	if !nonce.IsUint64() || !gas.IsUint64() {
		return common.Hash{}, fmt.Errorf("%w: nonce or gas limit exceeds 64 bits", ErrUnsupportedTxType)
	}

	to := tx.To
	switch tx.TxType {
	case LegacyTxType:
		inner := &types.LegacyTx{
			Nonce:    nonce.Uint64(),
			GasPrice: bigOrZero(tx.MaxFeePerGas),
			Gas:      gas.Uint64(),
			To:       &to,
			Value:    bigOrZero(tx.Value),
			Data:     tx.Data,
		}
		return types.NewEIP155Signer(bigOrZero(chainID)).Hash(types.NewTx(inner)), nil
	case AccessListTxType:
		inner := &types.AccessListTx{
			ChainID:  bigOrZero(chainID),
			Nonce:    nonce.Uint64(),
			GasPrice: bigOrZero(tx.MaxFeePerGas),
			Gas:      gas.Uint64(),
			To:       &to,
			Value:    bigOrZero(tx.Value),
			Data:     tx.Data,
		}
		return types.NewEIP2930Signer(bigOrZero(chainID)).Hash(types.NewTx(inner)), nil
	}

	inner := &types.DynamicFeeTx{
		ChainID:   bigOrZero(chainID),
		Nonce:     nonce.Uint64(),
		GasTipCap: bigOrZero(tx.MaxPriorityFeePerGas),
		GasFeeCap: bigOrZero(tx.MaxFeePerGas),
		Gas:       gas.Uint64(),
		To:        &to,
		Value:     bigOrZero(tx.Value),
		Data:      tx.Data,
	}
	return types.LatestSignerForChainID(bigOrZero(chainID)).Hash(types.NewTx(inner)), nil
}

func addressAsUint(addr common.Address) string {
	return new(big.Int).SetBytes(addr.Bytes()).String()
}
