package smartaccount

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/goccy/go-json"
)

// Transaction types understood by the Bootloader variant.
const (
	LegacyTxType     uint8 = 0x00
	AccessListTxType uint8 = 0x01
	DynamicFeeTxType uint8 = 0x02
	EIP712TxType     uint8 = 0x71
)

// Transaction is the operation the Bootloader hands to an account.
type Transaction struct {
	TxType                 uint8          `json:"txType"`
	From                   common.Address `json:"from"`
	To                     common.Address `json:"to"`
	GasLimit               *big.Int       `json:"gasLimit"`
	GasPerPubdataByteLimit *big.Int       `json:"gasPerPubdataByteLimit"`
	MaxFeePerGas           *big.Int       `json:"maxFeePerGas"`
	MaxPriorityFeePerGas   *big.Int       `json:"maxPriorityFeePerGas"`
	Paymaster              common.Address `json:"paymaster"`
	Nonce                  *big.Int       `json:"nonce"`
	Value                  *big.Int       `json:"value"`
	Data                   []byte         `json:"data"`
	Signature              []byte         `json:"signature"`
	FactoryDeps            []common.Hash  `json:"factoryDeps"`
	PaymasterInput         []byte         `json:"paymasterInput"`
}

func (tx *Transaction) GetSender() common.Address { return tx.From }
func (tx *Transaction) GetNonce() *big.Int        { return bigOrZero(tx.Nonce) }
func (tx *Transaction) GetSignature() []byte      { return tx.Signature }

// FeeAmount is the most the transaction can cost in fees.
func (tx *Transaction) FeeAmount() *big.Int {
	return new(big.Int).Mul(bigOrZero(tx.MaxFeePerGas), bigOrZero(tx.GasLimit))
}

// TotalRequiredBalance is the balance the account must hold to cover the
// transferred value and, unless a paymaster sponsors it, the fee.
func (tx *Transaction) TotalRequiredBalance() *big.Int {
	total := new(big.Int).Set(bigOrZero(tx.Value))
	if tx.Paymaster == (common.Address{}) {
		total.Add(total, tx.FeeAmount())
	}
	return total
}

type transactionJSON struct {
	TxType                 hexutil.Uint64 `json:"txType"`
	From                   common.Address `json:"from"`
	To                     common.Address `json:"to"`
	GasLimit               *hexutil.Big   `json:"gasLimit"`
	GasPerPubdataByteLimit *hexutil.Big   `json:"gasPerPubdataByteLimit"`
	MaxFeePerGas           *hexutil.Big   `json:"maxFeePerGas"`
	MaxPriorityFeePerGas   *hexutil.Big   `json:"maxPriorityFeePerGas"`
	Paymaster              common.Address `json:"paymaster"`
	Nonce                  *hexutil.Big   `json:"nonce"`
	Value                  *hexutil.Big   `json:"value"`
	Data                   hexutil.Bytes  `json:"data"`
	Signature              hexutil.Bytes  `json:"signature"`
	FactoryDeps            []common.Hash  `json:"factoryDeps"`
	PaymasterInput         hexutil.Bytes  `json:"paymasterInput"`
}

func (tx *Transaction) MarshalJSON() ([]byte, error) {
	return json.Marshal(transactionJSON{
		TxType:                 hexutil.Uint64(tx.TxType),
		From:                   tx.From,
		To:                     tx.To,
		GasLimit:               (*hexutil.Big)(bigOrZero(tx.GasLimit)),
		GasPerPubdataByteLimit: (*hexutil.Big)(bigOrZero(tx.GasPerPubdataByteLimit)),
		MaxFeePerGas:           (*hexutil.Big)(bigOrZero(tx.MaxFeePerGas)),
		MaxPriorityFeePerGas:   (*hexutil.Big)(bigOrZero(tx.MaxPriorityFeePerGas)),
		Paymaster:              tx.Paymaster,
		Nonce:                  (*hexutil.Big)(bigOrZero(tx.Nonce)),
		Value:                  (*hexutil.Big)(bigOrZero(tx.Value)),
		Data:                   tx.Data,
		Signature:              tx.Signature,
		FactoryDeps:            tx.FactoryDeps,
		PaymasterInput:         tx.PaymasterInput,
	})
}

func (tx *Transaction) UnmarshalJSON(data []byte) error {
	var aux transactionJSON
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.TxType > 0xff {
		return fmt.Errorf("%w: %d", ErrUnsupportedTxType, aux.TxType)
	}

	toBig := func(b *hexutil.Big) *big.Int {
		if b == nil {
			return new(big.Int)
		}
		return b.ToInt()
	}

	*tx = Transaction{
		TxType:                 uint8(aux.TxType),
		From:                   aux.From,
		To:                     aux.To,
		GasLimit:               toBig(aux.GasLimit),
		GasPerPubdataByteLimit: toBig(aux.GasPerPubdataByteLimit),
		MaxFeePerGas:           toBig(aux.MaxFeePerGas),
		MaxPriorityFeePerGas:   toBig(aux.MaxPriorityFeePerGas),
		Paymaster:              aux.Paymaster,
		Nonce:                  toBig(aux.Nonce),
		Value:                  toBig(aux.Value),
		Data:                   aux.Data,
		Signature:              aux.Signature,
		FactoryDeps:            aux.FactoryDeps,
		PaymasterInput:         aux.PaymasterInput,
	}
	return nil
}
