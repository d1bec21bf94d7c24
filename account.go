package smartaccount

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
)

// ErrWrongSender is returned when an operation names another account as its
// sender.
const ErrWrongSender accountError = "operation sender is not this account"

// Protocol supplies the parts of validation that differ between host
// protocols.
type Protocol[Op Operation] interface {
	// Name identifies the protocol in logs.
	Name() string
	// Dispatcher is the only caller allowed to validate operations.
	Dispatcher() common.Address
	// ReserveNonce consumes the operation nonce for account, or does
	// nothing when the dispatcher tracks nonces itself.
	ReserveNonce(ctx context.Context, host Host, account common.Address, op Op) error
	// CheckFunds fails when account cannot pay for op.
	CheckFunds(host Host, account common.Address, op Op) error
	// Digest derives the hash the owner signed. suggested is a digest
	// precomputed by the dispatcher, or the zero hash; protocols that can
	// recompute the digest from op alone ignore it.
	Digest(op Op, suggested common.Hash) (common.Hash, error)
}

// Account is the validation and execution skeleton shared by both account
// variants. Its only mutable state is the owner; balances live in the Host.
type Account[Op Operation] struct {
	address   common.Address
	protocol  Protocol[Op]
	host      Host
	recoverer SignerRecoverer
	logger    log.Logger

	mu    sync.RWMutex
	owner common.Address
}

func newAccount[Op Operation](host Host, address, owner common.Address, protocol Protocol[Op], o *options) (*Account[Op], error) {
	if owner == (common.Address{}) {
		return nil, ErrZeroOwner
	}

	logger := o.logger
	if logger == nil {
		logger = log.New("account", address, "protocol", protocol.Name())
	}
	recoverer := o.recoverer
	if recoverer == nil {
		recoverer = RecoverSigner
	}

	return &Account[Op]{
		address:   address,
		protocol:  protocol,
		host:      host,
		recoverer: recoverer,
		logger:    logger,
		owner:     owner,
	}, nil
}

// Address is the account identity.
func (a *Account[Op]) Address() common.Address {
	return a.address
}

// Owner is the address whose signature authorizes operations.
func (a *Account[Op]) Owner() common.Address {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.owner
}

// Dispatcher is the trusted host entity of the account's protocol.
func (a *Account[Op]) Dispatcher() common.Address {
	return a.protocol.Dispatcher()
}

// Balance is the account's balance in the host.
func (a *Account[Op]) Balance() *big.Int {
	return a.host.GetBalance(a.address)
}

// TransferOwnership makes newOwner the signer every later validation is
// compared against. Only the current owner may call it.
func (a *Account[Op]) TransferOwnership(ctx context.Context, caller, newOwner common.Address) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if newOwner == (common.Address{}) {
		return ErrZeroOwner
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if caller != a.owner {
		return fmt.Errorf("%w: %s is not the owner", ErrUnauthorized, caller.Hex())
	}
	a.logger.Info("Ownership transferred", "previous", a.owner, "owner", newOwner)
	a.owner = newOwner
	return nil
}

func (a *Account[Op]) requireFromDispatcher(caller common.Address) error {
	if caller != a.protocol.Dispatcher() {
		return fmt.Errorf("%w: %s is not the %s", ErrUnauthorized, caller.Hex(), a.protocol.Name())
	}
	return nil
}

func (a *Account[Op]) requireFromDispatcherOrOwner(caller common.Address) error {
	if caller != a.protocol.Dispatcher() && caller != a.Owner() {
		return fmt.Errorf("%w: %s is neither the %s nor the owner", ErrUnauthorized, caller.Hex(), a.protocol.Name())
	}
	return nil
}

// atomically runs fn as one unit of work: if fn fails every change it made
// to the host is reverted.
func (a *Account[Op]) atomically(fn func() error) error {
	snap := a.host.Snapshot()
	if err := fn(); err != nil {
		a.host.RevertToSnapshot(snap)
		return err
	}
	return nil
}

// validate runs the ordered validation gates. Structural failures are
// returned as errors; a signature that does not belong to the owner is a
// result with Valid unset. The caller is responsible for reverting the host
// on error.
func (a *Account[Op]) validate(ctx context.Context, op Op, suggested common.Hash) (ValidationResult, error) {
	if op.GetSender() != a.address {
		return ValidationResult{}, fmt.Errorf("%w: %s", ErrWrongSender, op.GetSender().Hex())
	}
	if err := a.protocol.ReserveNonce(ctx, a.host, a.address, op); err != nil {
		return ValidationResult{}, err
	}
	if err := a.protocol.CheckFunds(a.host, a.address, op); err != nil {
		return ValidationResult{}, err
	}

	digest, err := a.protocol.Digest(op, suggested)
	if err != nil {
		return ValidationResult{}, err
	}
	signer := a.recoverer(digest, op.GetSignature())

	res := ValidationResult{
		Valid:  signer != (common.Address{}) && signer == a.Owner(),
		Digest: digest,
		Signer: signer,
	}
	if res.Valid {
		validationSuccessMeter.Mark(1)
	} else {
		validationSigFailMeter.Mark(1)
		a.logger.Debug("Signature does not match owner", "nonce", op.GetNonce(), "signer", signer, "digest", digest)
	}
	return res, nil
}

// call performs the call the account was authorized to make. Calls to
// privileged targets go through the system-call path.
func (a *Account[Op]) call(ctx context.Context, to common.Address, value *big.Int, data []byte, system bool) error {
	var (
		ret []byte
		err error
	)
	if system {
		ret, err = a.host.SystemCall(ctx, a.address, to, bigOrZero(value), data)
	} else {
		ret, err = a.host.Call(ctx, a.address, to, bigOrZero(value), data)
	}
	if err != nil {
		executionFailureMeter.Mark(1)
		a.logger.Warn("Account call failed", "to", to, "value", value, "system", system, "err", err)
		return &ExecutionError{Target: to, ReturnData: ret, Err: err}
	}
	return nil
}
