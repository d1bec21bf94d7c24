package smartaccount

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// EntryPointProtocol is the ERC-4337 host protocol. The EntryPoint checks
// nonces itself and collects the prefund the account forwards to it.
type EntryPointProtocol struct {
	EntryPoint common.Address
	ChainID    *big.Int
}

func (p *EntryPointProtocol) Name() string               { return "EntryPoint" }
func (p *EntryPointProtocol) Dispatcher() common.Address { return p.EntryPoint }

// ReserveNonce does nothing: the EntryPoint validated the nonce before
// calling the account.
func (p *EntryPointProtocol) ReserveNonce(context.Context, Host, common.Address, *UserOperation) error {
	return nil
}

// CheckFunds does nothing: the EntryPoint reports missing funds instead.
func (p *EntryPointProtocol) CheckFunds(Host, common.Address, *UserOperation) error {
	return nil
}

// Digest is the EIP-191 personal-message hash of the userOpHash. A zero
// userOpHash is derived from op.
func (p *EntryPointProtocol) Digest(op *UserOperation, userOpHash common.Hash) (common.Hash, error) {
	if userOpHash == (common.Hash{}) {
		var err error
		if userOpHash, err = UserOpHash(op, p.EntryPoint, p.ChainID); err != nil {
			return common.Hash{}, err
		}
	}
	return EthSignedMessageHash(userOpHash), nil
}

// Call is a single call an account makes on behalf of its owner.
type Call struct {
	Target common.Address
	Value  *big.Int
	Data   []byte
}

// EncodeExecute returns the callData of a UserOperation performing c.
func EncodeExecute(c Call) ([]byte, error) {
	return SimpleAccountABI.Pack("execute", c.Target, bigOrZero(c.Value), c.Data)
}

// EncodeExecuteBatch returns the callData of a UserOperation performing
// calls in order.
func EncodeExecuteBatch(calls []Call) ([]byte, error) {
	var (
		dest   = make([]common.Address, len(calls))
		values = make([]*big.Int, len(calls))
		data   = make([][]byte, len(calls))
	)
	for i, c := range calls {
		dest[i], values[i], data[i] = c.Target, bigOrZero(c.Value), c.Data
	}
	return SimpleAccountABI.Pack("executeBatch", dest, values, data)
}

// DecodeCallData resolves the calls a UserOperation's callData asks the
// account to make. Empty callData means no call.
func DecodeCallData(callData []byte) ([]Call, error) {
	if len(callData) == 0 {
		return nil, nil
	}
	if len(callData) < 4 {
		return nil, fmt.Errorf("%w: callData too short", ErrUnknownCall)
	}

	method, err := SimpleAccountABI.MethodById(callData[:4])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownCall, err)
	}
	args, err := method.Inputs.Unpack(callData[4:])
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrUnknownCall, method.Name, err)
	}

	switch method.Name {
	case "execute":
		return []Call{{
			Target: args[0].(common.Address),
			Value:  args[1].(*big.Int),
			Data:   args[2].([]byte),
		}}, nil
	case "executeBatch":
		dest, values, data := args[0].([]common.Address), args[1].([]*big.Int), args[2].([][]byte)
		if len(dest) != len(data) || (len(values) != 0 && len(values) != len(data)) {
			return nil, ErrWrongArrayLengths
		}
		calls := make([]Call, len(dest))
		for i := range dest {
			calls[i] = Call{Target: dest[i], Value: new(big.Int), Data: data[i]}
			if len(values) != 0 {
				calls[i].Value = values[i]
			}
		}
		return calls, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownCall, method.Name)
	}
}

// SimpleAccount is the EntryPoint variant of the account.
type SimpleAccount struct {
	*Account[*UserOperation]

	strictPrefund    bool
	onPrefundFailure func(amount *big.Int, err error)
}

// NewSimpleAccount creates the account at address, trusting the EntryPoint
// and chain named by cfg.
func NewSimpleAccount(host Host, address, owner common.Address, cfg *Config, opts ...Option) (*SimpleAccount, error) {
	o := new(options)
	for _, opt := range opts {
		opt(o)
	}

	protocol := &EntryPointProtocol{EntryPoint: cfg.EntryPointAddress(), ChainID: cfg.ChainIDBig()}
	core, err := newAccount[*UserOperation](host, address, owner, protocol, o)
	if err != nil {
		return nil, err
	}

	strict := cfg.StrictPrefund
	if o.strictPrefund != nil {
		strict = *o.strictPrefund
	}
	return &SimpleAccount{Account: core, strictPrefund: strict, onPrefundFailure: o.onPrefundFailure}, nil
}

// EntryPoint is the only address allowed to validate user operations.
func (a *SimpleAccount) EntryPoint() common.Address {
	return a.Dispatcher()
}

// ValidateUserOp checks that op was signed by the owner and pays the
// EntryPoint the missing prefund. It returns SigValidationSucceeded or
// SigValidationFailed; errors are reserved for structural failures, after
// which no state change survives.
func (a *SimpleAccount) ValidateUserOp(ctx context.Context, caller common.Address, op *UserOperation, userOpHash common.Hash, missingAccountFunds *big.Int) (*big.Int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := a.requireFromDispatcher(caller); err != nil {
		return nil, err
	}

	var validationData *big.Int
	err := a.atomically(func() error {
		res, err := a.validate(ctx, op, userOpHash)
		if err != nil {
			return err
		}
		validationData = res.ValidationData()
		return a.payPrefund(ctx, missingAccountFunds)
	})
	if err != nil {
		validationRevertMeter.Mark(1)
		return nil, err
	}
	return validationData, nil
}

// payPrefund sends the EntryPoint what it reports missing. A failed transfer
// is ignored unless strictPrefund is set; the EntryPoint notices the
// shortfall itself.
func (a *SimpleAccount) payPrefund(ctx context.Context, missing *big.Int) error {
	if missing == nil || missing.Sign() == 0 {
		return nil
	}

	_, err := a.host.Call(ctx, a.address, a.Dispatcher(), missing, nil)
	if err == nil {
		return nil
	}

	prefundFailureCounter.Inc(1)
	if a.onPrefundFailure != nil {
		a.onPrefundFailure(new(big.Int).Set(missing), err)
	}
	if a.strictPrefund {
		return fmt.Errorf("%w: prefund of %s to %s: %v", ErrPaymentFailed, missing, a.Dispatcher().Hex(), err)
	}
	a.logger.Warn("Prefund transfer to EntryPoint failed", "missing", missing, "err", err)
	return nil
}

// Execute calls dest with value and data. The EntryPoint or the owner may
// call it.
func (a *SimpleAccount) Execute(ctx context.Context, caller, dest common.Address, value *big.Int, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := a.requireFromDispatcherOrOwner(caller); err != nil {
		return err
	}
	return a.atomically(func() error {
		return a.call(ctx, dest, value, data, false)
	})
}

// ExecuteBatch performs calls in order; if any fails none takes effect.
func (a *SimpleAccount) ExecuteBatch(ctx context.Context, caller common.Address, calls []Call) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := a.requireFromDispatcherOrOwner(caller); err != nil {
		return err
	}
	return a.atomically(func() error {
		for _, c := range calls {
			if err := a.call(ctx, c.Target, c.Value, c.Data, false); err != nil {
				return err
			}
		}
		return nil
	})
}

// ExecuteUserOp performs the calls encoded in op's callData.
func (a *SimpleAccount) ExecuteUserOp(ctx context.Context, caller common.Address, op *UserOperation) error {
	if err := a.requireFromDispatcherOrOwner(caller); err != nil {
		return err
	}
	calls, err := DecodeCallData(op.CallData)
	if err != nil {
		return err
	}
	return a.ExecuteBatch(ctx, caller, calls)
}
