package dispatch

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"testing"

	"github.com/blndgs/smartaccount"
	"github.com/blndgs/smartaccount/builder"
	"github.com/blndgs/smartaccount/internal/token"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	tokenAddr   = common.HexToAddress("0x00000000000000000000000000000000000070c0")
	beneficiary = common.HexToAddress("0x000000000000000000000000000000000000beef")
	oneEther    = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
)

type testEnv struct {
	chain  *Chain
	key    *ecdsa.PrivateKey
	signer *builder.Signer
}

func newTestEnv(t *testing.T, opts ...smartaccount.Option) *testEnv {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return newTestEnvWithKey(t, key, opts...)
}

func newTestEnvWithKey(t *testing.T, key *ecdsa.PrivateKey, opts ...smartaccount.Option) *testEnv {
	t.Helper()
	cfg := smartaccount.DefaultConfig()
	chain := NewChain(cfg, opts...)
	chain.DeployToken(tokenAddr)
	return &testEnv{chain: chain, key: key, signer: builder.NewSigner(key, cfg)}
}

func mintCall(t *testing.T, to common.Address, amount *big.Int) smartaccount.Call {
	t.Helper()
	data, err := token.MintCallData(to, amount)
	require.NoError(t, err)
	return smartaccount.Call{Target: tokenAddr, Value: new(big.Int), Data: data}
}

func (e *testEnv) simpleAccount(t *testing.T, funds *big.Int) *smartaccount.SimpleAccount {
	t.Helper()
	acc, err := e.chain.DeploySimpleAccount(e.signer.Address(), common.Hash{})
	require.NoError(t, err)
	if funds != nil {
		require.NoError(t, e.chain.Fund(acc.Address(), funds))
	}
	return acc
}

func (e *testEnv) signedUserOp(t *testing.T, sender common.Address, nonce *big.Int, calls ...smartaccount.Call) *smartaccount.UserOperation {
	t.Helper()
	op, err := builder.NewUserOp(sender, nonce, calls)
	require.NoError(t, err)
	require.NoError(t, e.signer.SignUserOp(op))
	return op
}

var fullCycle = []smartaccount.Stage{
	smartaccount.Received,
	smartaccount.Validating,
	smartaccount.ValidatedOK,
	smartaccount.Paying,
	smartaccount.Executing,
	smartaccount.ExecutedOK,
}

func TestEntryPoint_MintScenario(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	acc := env.simpleAccount(t, oneEther)

	op := env.signedUserOp(t, acc.Address(), big.NewInt(0), mintCall(t, acc.Address(), oneEther))
	rcpt, err := env.chain.HandleUserOp(ctx, op, beneficiary)
	require.NoError(t, err)

	assert.True(t, rcpt.Success)
	assert.True(t, rcpt.Included())
	assert.Equal(t, fullCycle, rcpt.Stages)
	assert.Equal(t, oneEther.String(), env.chain.TokenBalance(tokenAddr, acc.Address()).String())
	assert.Equal(t, "1", env.chain.EntryPointNonce(acc.Address(), new(big.Int)).String())

	// the beneficiary gets the gas cost, the rest of the prefund stays deposited
	prefund := op.GetMaxPrefund()
	assert.Equal(t, rcpt.ActualGasCost.String(), env.chain.Balance(beneficiary).String())
	assert.Equal(t, new(big.Int).Sub(oneEther, prefund).String(), env.chain.Balance(acc.Address()).String())

	info, err := env.chain.Account(acc.Address())
	require.NoError(t, err)
	assert.Equal(t, new(big.Int).Sub(prefund, rcpt.ActualGasCost).String(), info.Deposit.String())
	assert.Equal(t, "EntryPoint", info.Protocol)
	assert.Equal(t, env.signer.Address(), info.Owner)
}

func TestEntryPoint_ReplayRejected(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	acc := env.simpleAccount(t, oneEther)

	op := env.signedUserOp(t, acc.Address(), big.NewInt(0), mintCall(t, acc.Address(), oneEther))
	_, err := env.chain.HandleUserOp(ctx, op, beneficiary)
	require.NoError(t, err)
	balance := env.chain.Balance(acc.Address())

	rcpt, err := env.chain.HandleUserOp(ctx, op, beneficiary)
	assert.ErrorIs(t, err, smartaccount.ErrNonceConflict)
	assert.Equal(t, smartaccount.ValidationFailed, rcpt.Stage())
	assert.False(t, rcpt.Included())
	assert.Equal(t, oneEther.String(), env.chain.TokenBalance(tokenAddr, acc.Address()).String())
	assert.Equal(t, balance.String(), env.chain.Balance(acc.Address()).String())
	assert.Equal(t, "1", env.chain.EntryPointNonce(acc.Address(), new(big.Int)).String())
}

func TestEntryPoint_WrongSigner(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	acc := env.simpleAccount(t, oneEther)

	other, err := crypto.GenerateKey()
	require.NoError(t, err)
	op, err := builder.NewUserOp(acc.Address(), big.NewInt(0), []smartaccount.Call{mintCall(t, acc.Address(), oneEther)})
	require.NoError(t, err)
	require.NoError(t, builder.NewSigner(other, env.chain.Config()).SignUserOp(op))

	sim, err := env.chain.SimulateUserOp(ctx, op)
	require.NoError(t, err)
	assert.False(t, sim.Valid)
	assert.Equal(t, smartaccount.SigValidationFailed.String(), sim.ValidationData.String())

	rcpt, err := env.chain.HandleUserOp(ctx, op, beneficiary)
	assert.ErrorIs(t, err, smartaccount.ErrInvalidSignature)
	assert.Equal(t, smartaccount.ValidationFailed, rcpt.Stage())
	assert.Equal(t, oneEther.String(), env.chain.Balance(acc.Address()).String())
	assert.Equal(t, "0", env.chain.EntryPointNonce(acc.Address(), new(big.Int)).String())
	assert.Equal(t, "0", env.chain.TokenBalance(tokenAddr, acc.Address()).String())
}

func TestEntryPoint_SimulateValidationLeavesNoTrace(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	acc := env.simpleAccount(t, oneEther)

	op := env.signedUserOp(t, acc.Address(), big.NewInt(0), mintCall(t, acc.Address(), oneEther))
	sim, err := env.chain.SimulateUserOp(ctx, op)
	require.NoError(t, err)

	assert.True(t, sim.Valid)
	assert.Equal(t, "0", sim.ValidationData.String())
	assert.Equal(t, op.GetMaxPrefund().String(), sim.Prefund.String())
	assert.Equal(t, oneEther.String(), env.chain.Balance(acc.Address()).String())
	assert.Equal(t, "0", env.chain.Balance(env.chain.Config().EntryPointAddress()).String())
}

func TestEntryPoint_PrefundNotPaid(t *testing.T) {
	ctx := context.Background()

	t.Run("tolerated by the account", func(t *testing.T) {
		var failures int
		env := newTestEnv(t, smartaccount.WithPrefundFailureHook(func(*big.Int, error) { failures++ }))
		acc := env.simpleAccount(t, nil)

		op := env.signedUserOp(t, acc.Address(), big.NewInt(0), mintCall(t, acc.Address(), oneEther))
		rcpt, err := env.chain.HandleUserOp(ctx, op, beneficiary)
		assert.ErrorIs(t, err, smartaccount.ErrPaymentFailed)
		assert.ErrorIs(t, err, ErrPrefundNotPaid)
		assert.Equal(t, smartaccount.PaymentFailed, rcpt.Stage())
		assert.Equal(t, 1, failures)
		assert.Equal(t, "0", env.chain.EntryPointNonce(acc.Address(), new(big.Int)).String())
	})

	t.Run("strict account", func(t *testing.T) {
		env := newTestEnv(t, smartaccount.WithStrictPrefund(true))
		acc := env.simpleAccount(t, nil)

		op := env.signedUserOp(t, acc.Address(), big.NewInt(0), mintCall(t, acc.Address(), oneEther))
		rcpt, err := env.chain.HandleUserOp(ctx, op, beneficiary)
		assert.ErrorIs(t, err, smartaccount.ErrPaymentFailed)
		assert.NotErrorIs(t, err, ErrPrefundNotPaid)
		assert.Equal(t, smartaccount.ValidationFailed, rcpt.Stage())
	})

	t.Run("covered by deposit", func(t *testing.T) {
		env := newTestEnv(t, smartaccount.WithStrictPrefund(true))
		acc := env.simpleAccount(t, nil)
		funder := common.HexToAddress("0x000000000000000000000000000000000000f00d")
		require.NoError(t, env.chain.Fund(funder, oneEther))
		require.NoError(t, env.chain.Deposit(ctx, funder, acc.Address(), oneEther))

		op := env.signedUserOp(t, acc.Address(), big.NewInt(0), mintCall(t, acc.Address(), oneEther))
		rcpt, err := env.chain.HandleUserOp(ctx, op, beneficiary)
		require.NoError(t, err)
		assert.True(t, rcpt.Success)
		assert.Equal(t, "0", env.chain.Balance(acc.Address()).String())
	})
}

func TestEntryPoint_TwoDimensionalNonce(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	acc := env.simpleAccount(t, oneEther)

	key := big.NewInt(7)
	nonce := env.chain.EntryPointNonce(acc.Address(), key)
	assert.Equal(t, new(big.Int).Lsh(key, 64).String(), nonce.String())

	op := env.signedUserOp(t, acc.Address(), nonce, mintCall(t, acc.Address(), big.NewInt(1)))
	_, err := env.chain.HandleUserOp(ctx, op, beneficiary)
	require.NoError(t, err)

	assert.Equal(t, new(big.Int).Add(nonce, big.NewInt(1)).String(), env.chain.EntryPointNonce(acc.Address(), key).String())
	assert.Equal(t, "0", env.chain.EntryPointNonce(acc.Address(), new(big.Int)).String())

	op = env.signedUserOp(t, acc.Address(), big.NewInt(0), mintCall(t, acc.Address(), big.NewInt(1)))
	_, err = env.chain.HandleUserOp(ctx, op, beneficiary)
	require.NoError(t, err)
	assert.Equal(t, "2", env.chain.TokenBalance(tokenAddr, acc.Address()).String())
}

func TestEntryPoint_ExecutionFailure(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	acc := env.simpleAccount(t, oneEther)

	transfer, err := token.TransferCallData(beneficiary, big.NewInt(1))
	require.NoError(t, err)
	calls := []smartaccount.Call{
		mintCall(t, acc.Address(), big.NewInt(5)),
		{Target: tokenAddr, Value: new(big.Int), Data: transfer},
		{Target: tokenAddr, Value: new(big.Int), Data: transfer[:10]},
	}
	op := env.signedUserOp(t, acc.Address(), big.NewInt(0), calls...)

	rcpt, err := env.chain.HandleUserOp(ctx, op, beneficiary)
	require.NoError(t, err)
	assert.False(t, rcpt.Success)
	assert.True(t, rcpt.Included())
	assert.Equal(t, smartaccount.ExecutionFailed, rcpt.Stage())
	assert.ErrorIs(t, rcpt.Err, smartaccount.ErrExecutionFailed)

	var execErr *smartaccount.ExecutionError
	require.ErrorAs(t, rcpt.Err, &execErr)
	assert.Equal(t, tokenAddr, execErr.Target)

	// the batch is all or nothing, the nonce and fee are not
	assert.Equal(t, "0", env.chain.TokenBalance(tokenAddr, acc.Address()).String())
	assert.Equal(t, "1", env.chain.EntryPointNonce(acc.Address(), new(big.Int)).String())
	assert.Equal(t, rcpt.ActualGasCost.String(), env.chain.Balance(beneficiary).String())
}

func TestEntryPoint_UnknownSender(t *testing.T) {
	env := newTestEnv(t)
	op := env.signedUserOp(t, common.HexToAddress("0x1234"), big.NewInt(0))

	_, err := env.chain.HandleUserOp(context.Background(), op, beneficiary)
	assert.ErrorIs(t, err, ErrUnknownAccount)
}

func TestEntryPoint_OwnershipTransfer(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	acc := env.simpleAccount(t, oneEther)

	newKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	newSigner := builder.NewSigner(newKey, env.chain.Config())

	err = env.chain.TransferOwnership(ctx, acc.Address(), newSigner.Address(), newSigner.Address())
	assert.ErrorIs(t, err, smartaccount.ErrUnauthorized)
	require.NoError(t, env.chain.TransferOwnership(ctx, acc.Address(), env.signer.Address(), newSigner.Address()))

	op := env.signedUserOp(t, acc.Address(), big.NewInt(0), mintCall(t, acc.Address(), big.NewInt(1)))
	_, err = env.chain.HandleUserOp(ctx, op, beneficiary)
	assert.ErrorIs(t, err, smartaccount.ErrInvalidSignature)

	require.NoError(t, newSigner.SignUserOp(op))
	rcpt, err := env.chain.HandleUserOp(ctx, op, beneficiary)
	require.NoError(t, err)
	assert.True(t, rcpt.Success)
}
