package smartaccount

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// maxUint128 bounds the value of a system call.
var maxUint128 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))

// BootloaderProtocol is the host protocol in which the account consumes its
// own nonce and checks its own balance before the signature.
type BootloaderProtocol struct {
	Bootloader common.Address
	ChainID    *big.Int
}

func (p *BootloaderProtocol) Name() string               { return "Bootloader" }
func (p *BootloaderProtocol) Dispatcher() common.Address { return p.Bootloader }

// ReserveNonce asks the nonce registry to advance the account's minimal
// nonce, failing unless it currently equals the transaction nonce.
func (p *BootloaderProtocol) ReserveNonce(ctx context.Context, host Host, account common.Address, tx *Transaction) error {
	input, err := NonceHolderABI.Pack("incrementMinNonceIfEquals", tx.GetNonce())
	if err != nil {
		return fmt.Errorf("encode nonce increment: %w", err)
	}
	if _, err := host.SystemCall(ctx, account, NonceHolderAddress, new(big.Int), input); err != nil {
		return fmt.Errorf("%w: nonce %s: %v", ErrNonceConflict, tx.GetNonce(), err)
	}
	return nil
}

// CheckFunds fails when the account balance does not cover the value and
// fee of tx.
func (p *BootloaderProtocol) CheckFunds(host Host, account common.Address, tx *Transaction) error {
	required, balance := tx.TotalRequiredBalance(), host.GetBalance(account)
	if balance.Cmp(required) < 0 {
		return fmt.Errorf("%w: have %s, want %s", ErrInsufficientFunds, balance, required)
	}
	return nil
}

// Digest re-derives the signed hash from tx. The hash suggested by the
// Bootloader is ignored so the signature always covers the fields executed.
func (p *BootloaderProtocol) Digest(tx *Transaction, _ common.Hash) (common.Hash, error) {
	return tx.EncodeHash(p.ChainID)
}

// IsSystemTarget reports whether calls to to need system rights.
func (p *BootloaderProtocol) IsSystemTarget(to common.Address) bool {
	return to == ContractDeployerAddress
}

// BootloaderAccount is the Bootloader variant of the account.
type BootloaderAccount struct {
	*Account[*Transaction]

	protocol *BootloaderProtocol
}

// NewBootloaderAccount creates the account at address, trusting the
// Bootloader and chain named by cfg.
func NewBootloaderAccount(host Host, address, owner common.Address, cfg *Config, opts ...Option) (*BootloaderAccount, error) {
	o := new(options)
	for _, opt := range opts {
		opt(o)
	}

	protocol := &BootloaderProtocol{Bootloader: cfg.BootloaderAddress(), ChainID: cfg.ChainIDBig()}
	core, err := newAccount[*Transaction](host, address, owner, protocol, o)
	if err != nil {
		return nil, err
	}
	return &BootloaderAccount{Account: core, protocol: protocol}, nil
}

// Bootloader is the only address allowed to validate transactions.
func (a *BootloaderAccount) Bootloader() common.Address {
	return a.Dispatcher()
}

// ValidateTransaction consumes the transaction nonce, checks the balance and
// the owner signature. It returns AccountValidationSuccessMagic or the zero
// value; a wrong signature never produces an error, so fee estimation with
// a placeholder signature behaves like real validation.
func (a *BootloaderAccount) ValidateTransaction(ctx context.Context, caller common.Address, txHash, suggestedSignedHash common.Hash, tx *Transaction) ([4]byte, error) {
	if err := ctx.Err(); err != nil {
		return [4]byte{}, err
	}
	if err := a.requireFromDispatcher(caller); err != nil {
		return [4]byte{}, err
	}

	var magic [4]byte
	err := a.atomically(func() error {
		res, err := a.validate(ctx, tx, suggestedSignedHash)
		if err != nil {
			return err
		}
		magic = res.Magic()
		return nil
	})
	if err != nil {
		validationRevertMeter.Mark(1)
		a.logger.Debug("Transaction validation reverted", "txHash", txHash, "nonce", tx.GetNonce(), "err", err)
		return [4]byte{}, err
	}
	return magic, nil
}

// PayForTransaction transfers the maximal fee of tx to the Bootloader.
func (a *BootloaderAccount) PayForTransaction(ctx context.Context, caller common.Address, txHash, suggestedSignedHash common.Hash, tx *Transaction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := a.requireFromDispatcher(caller); err != nil {
		return err
	}

	fee := tx.FeeAmount()
	return a.atomically(func() error {
		if _, err := a.host.Call(ctx, a.address, a.Dispatcher(), fee, nil); err != nil {
			a.logger.Warn("Fee payment failed", "txHash", txHash, "fee", fee, "err", err)
			return fmt.Errorf("%w: %s to %s: %v", ErrPaymentFailed, fee, a.Dispatcher().Hex(), err)
		}
		return nil
	})
}

// PrepareForPaymaster only checks the caller; this account does not
// interact with paymasters.
func (a *BootloaderAccount) PrepareForPaymaster(ctx context.Context, caller common.Address, txHash, suggestedSignedHash common.Hash, tx *Transaction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return a.requireFromDispatcher(caller)
}

// ExecuteTransaction performs the call tx describes. The Bootloader or the
// owner may call it.
func (a *BootloaderAccount) ExecuteTransaction(ctx context.Context, caller common.Address, txHash, suggestedSignedHash common.Hash, tx *Transaction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := a.requireFromDispatcherOrOwner(caller); err != nil {
		return err
	}
	return a.atomically(func() error {
		return a.execute(ctx, tx)
	})
}

// ExecuteTransactionFromOutside lets any caller submit a transaction signed
// by the owner. It is validated inline, including the nonce, and nothing
// happens unless the signature is the owner's.
func (a *BootloaderAccount) ExecuteTransactionFromOutside(ctx context.Context, caller common.Address, tx *Transaction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return a.atomically(func() error {
		res, err := a.validate(ctx, tx, common.Hash{})
		if err != nil {
			return err
		}
		if res.Magic() != AccountValidationSuccessMagic {
			a.logger.Debug("Rejected transaction from outside", "caller", caller, "signer", res.Signer)
			return ErrInvalidSignature
		}
		return a.execute(ctx, tx)
	})
}

func (a *BootloaderAccount) execute(ctx context.Context, tx *Transaction) error {
	value := bigOrZero(tx.Value)
	if !a.protocol.IsSystemTarget(tx.To) {
		return a.call(ctx, tx.To, value, tx.Data, false)
	}
	if value.Cmp(maxUint128) > 0 {
		return &ExecutionError{Target: tx.To, Err: fmt.Errorf("value %s overflows uint128", value)}
	}
	return a.call(ctx, tx.To, value, tx.Data, true)
}
