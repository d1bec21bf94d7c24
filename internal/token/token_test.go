package token

import (
	"context"
	"math/big"
	"testing"

	"github.com/blndgs/smartaccount/internal/state"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	tokenAddr = common.HexToAddress("0x00000000000000000000000000000000000070c0")
	alice     = common.HexToAddress("0x1111111111111111111111111111111111111111")
	bob       = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

func TestToken_MintAndTransfer(t *testing.T) {
	ctx := context.Background()
	db := state.New()
	Deploy(db, tokenAddr)

	oneToken := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	mint, err := MintCallData(alice, oneToken)
	require.NoError(t, err)
	_, err = db.Call(ctx, bob, tokenAddr, nil, mint)
	require.NoError(t, err)

	assert.Equal(t, oneToken.String(), BalanceOf(db, tokenAddr, alice).String())
	assert.Equal(t, oneToken.String(), TotalSupply(db, tokenAddr).String())

	transfer, err := TransferCallData(bob, big.NewInt(250))
	require.NoError(t, err)
	ret, err := db.Call(ctx, alice, tokenAddr, nil, transfer)
	require.NoError(t, err)
	out, err := ABI.Unpack("transfer", ret)
	require.NoError(t, err)
	assert.Equal(t, true, out[0])

	assert.Equal(t, "250", BalanceOf(db, tokenAddr, bob).String())
	assert.Equal(t, new(big.Int).Sub(oneToken, big.NewInt(250)).String(), BalanceOf(db, tokenAddr, alice).String())

	input, err := ABI.Pack("balanceOf", bob)
	require.NoError(t, err)
	ret, err = db.Call(ctx, alice, tokenAddr, nil, input)
	require.NoError(t, err)
	out, err = ABI.Unpack("balanceOf", ret)
	require.NoError(t, err)
	assert.Equal(t, "250", out[0].(*big.Int).String())
}

func TestToken_TransferExceedingBalance(t *testing.T) {
	ctx := context.Background()
	db := state.New()
	Deploy(db, tokenAddr)

	transfer, err := TransferCallData(bob, big.NewInt(1))
	require.NoError(t, err)
	ret, err := db.Call(ctx, alice, tokenAddr, nil, transfer)
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	insufficient := ABI.Errors["InsufficientBalance"]
	require.GreaterOrEqual(t, len(ret), 4)
	assert.Equal(t, insufficient.ID[:4], ret[:4])
	assert.Equal(t, "0", BalanceOf(db, tokenAddr, bob).String())
}

func TestToken_Errors(t *testing.T) {
	ctx := context.Background()
	db := state.New()
	Deploy(db, tokenAddr)
	require.NoError(t, db.AddBalance(alice, big.NewInt(10)))

	mint, err := MintCallData(alice, big.NewInt(1))
	require.NoError(t, err)

	tests := []struct {
		name    string
		value   *big.Int
		input   []byte
		wantErr error
	}{
		{"value sent", big.NewInt(1), mint, ErrNotPayable},
		{"unknown selector", nil, []byte{0xde, 0xad, 0xbe, 0xef}, state.ErrUnknownMethod},
		{"short input", nil, []byte{0x01}, state.ErrUnknownMethod},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := db.Call(ctx, alice, tokenAddr, tt.value, tt.input)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, "10", db.GetBalance(alice).String())
			assert.Equal(t, "0", TotalSupply(db, tokenAddr).String())
		})
	}
}

func TestToken_MintOverflow(t *testing.T) {
	ctx := context.Background()
	db := state.New()
	Deploy(db, tokenAddr)

	max := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	mint, err := MintCallData(alice, max)
	require.NoError(t, err)
	_, err = db.Call(ctx, alice, tokenAddr, nil, mint)
	require.NoError(t, err)

	mint, err = MintCallData(bob, big.NewInt(1))
	require.NoError(t, err)
	_, err = db.Call(ctx, alice, tokenAddr, nil, mint)
	assert.ErrorIs(t, err, ErrOverflow)
	assert.Equal(t, "0", BalanceOf(db, tokenAddr, bob).String())
}
