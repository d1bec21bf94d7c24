package state

import (
	"context"
	"math/big"
	"testing"

	"github.com/blndgs/smartaccount"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func incrementCall(t *testing.T, nonce int64) []byte {
	t.Helper()
	input, err := smartaccount.NonceHolderABI.Pack("incrementMinNonceIfEquals", big.NewInt(nonce))
	require.NoError(t, err)
	return input
}

func TestNonceHolder_IncrementMinNonceIfEquals(t *testing.T) {
	ctx := context.Background()
	db := New()

	tests := []struct {
		name    string
		nonce   int64
		system  bool
		wantErr error
		wantMin int64
	}{
		{"plain call rejected", 0, false, ErrNotSystemCall, 0},
		{"expected nonce", 0, true, nil, 1},
		{"replayed nonce", 0, true, ErrNonceMismatch, 1},
		{"future nonce", 5, true, ErrNonceMismatch, 1},
		{"next nonce", 1, true, nil, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var (
				ret []byte
				err error
			)
			if tt.system {
				ret, err = db.SystemCall(ctx, alice, NonceHolderAddress, nil, incrementCall(t, tt.nonce))
			} else {
				ret, err = db.Call(ctx, alice, NonceHolderAddress, nil, incrementCall(t, tt.nonce))
			}

			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
			if tt.wantErr == ErrNonceMismatch {
				mismatch := smartaccount.NonceHolderABI.Errors["NonceMismatch"]
				assert.Equal(t, mismatch.ID[:4], ret[:4])
			}
			assertBig(t, tt.wantMin, MinNonce(db, alice))
		})
	}

	assertBig(t, 0, MinNonce(db, bob))
}

func TestNonceHolder_GetMinNonce(t *testing.T) {
	ctx := context.Background()
	db := New()
	_, err := db.SystemCall(ctx, alice, NonceHolderAddress, nil, incrementCall(t, 0))
	require.NoError(t, err)

	input, err := smartaccount.NonceHolderABI.Pack("getMinNonce", alice)
	require.NoError(t, err)
	ret, err := db.Call(ctx, bob, NonceHolderAddress, nil, input)
	require.NoError(t, err)

	out, err := smartaccount.NonceHolderABI.Unpack("getMinNonce", ret)
	require.NoError(t, err)
	assertBig(t, 1, out[0].(*big.Int))
}

func TestNonceHolder_RejectsValue(t *testing.T) {
	db := New()
	require.NoError(t, db.AddBalance(alice, big.NewInt(10)))

	_, err := db.SystemCall(context.Background(), alice, NonceHolderAddress, big.NewInt(1), incrementCall(t, 0))
	assert.ErrorIs(t, err, ErrNotPayable)
	assertBig(t, 10, db.GetBalance(alice))
	assertBig(t, 0, MinNonce(db, alice))
}

func TestContractDeployer_Create2(t *testing.T) {
	ctx := context.Background()
	db := New()
	require.NoError(t, db.AddBalance(alice, big.NewInt(100)))

	codeHash := crypto.Keccak256Hash([]byte("noop"))
	noop := contractFunc(func(context.Context, *StateDB, *CallContext) ([]byte, error) { return nil, nil })
	salt := common.HexToHash("0x01")

	input, err := ContractDeployerABI.Pack("create2", [32]byte(salt), [32]byte(codeHash), []byte{})
	require.NoError(t, err)

	_, err = db.Call(ctx, alice, ContractDeployerAddress, nil, input)
	assert.ErrorIs(t, err, ErrNotSystemCall)

	_, err = db.SystemCall(ctx, alice, ContractDeployerAddress, nil, input)
	assert.ErrorIs(t, err, ErrUnknownCode)

	db.RegisterCode(codeHash, noop)
	ret, err := db.SystemCall(ctx, alice, ContractDeployerAddress, big.NewInt(7), input)
	require.NoError(t, err)

	out, err := ContractDeployerABI.Unpack("create2", ret)
	require.NoError(t, err)
	addr := out[0].(common.Address)
	assert.Equal(t, Create2Address(alice, salt, codeHash, nil), addr)

	_, deployed := db.ContractAt(addr)
	assert.True(t, deployed)
	assertBig(t, 7, db.GetBalance(addr))
	assertBig(t, 0, db.GetBalance(ContractDeployerAddress))
	assert.Equal(t, codeHash, db.GetState(ContractDeployerAddress, common.BytesToHash(addr.Bytes())))

	_, err = db.SystemCall(ctx, alice, ContractDeployerAddress, nil, input)
	assert.ErrorIs(t, err, ErrAlreadyDeployed)
}
