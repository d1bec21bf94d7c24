package smartaccount

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

var errMockRevert = errors.New("mock: execution reverted")

type mockCall struct {
	From, To common.Address
	Value    *big.Int
	Input    []byte
	System   bool
}

type mockHostState struct {
	balances map[common.Address]*big.Int
	nonces   map[common.Address]uint64
	calls    []mockCall
}

func (s mockHostState) copy() mockHostState {
	cpy := mockHostState{
		balances: make(map[common.Address]*big.Int, len(s.balances)),
		nonces:   make(map[common.Address]uint64, len(s.nonces)),
		calls:    append([]mockCall(nil), s.calls...),
	}
	for k, v := range s.balances {
		cpy.balances[k] = new(big.Int).Set(v)
	}
	for k, v := range s.nonces {
		cpy.nonces[k] = v
	}
	return cpy
}

// mockHost is a map-backed Host. Calls to addresses in reverts fail with
// the configured return data; the nonce registry is emulated on the
// system-call path.
type mockHost struct {
	mockHostState
	snapshots []mockHostState
	reverts   map[common.Address][]byte
}

func newMockHost() *mockHost {
	return &mockHost{
		mockHostState: mockHostState{
			balances: make(map[common.Address]*big.Int),
			nonces:   make(map[common.Address]uint64),
		},
		reverts: make(map[common.Address][]byte),
	}
}

func (m *mockHost) setBalance(addr common.Address, amount *big.Int) {
	m.balances[addr] = new(big.Int).Set(amount)
}

func (m *mockHost) GetBalance(addr common.Address) *big.Int {
	if b, ok := m.balances[addr]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

func (m *mockHost) Snapshot() int {
	m.snapshots = append(m.snapshots, m.mockHostState.copy())
	return len(m.snapshots) - 1
}

func (m *mockHost) RevertToSnapshot(id int) {
	if id < 0 || id >= len(m.snapshots) {
		panic(fmt.Sprintf("mock: snapshot %d cannot be reverted", id))
	}
	m.mockHostState = m.snapshots[id]
	m.snapshots = m.snapshots[:id]
}

func (m *mockHost) Call(ctx context.Context, from, to common.Address, value *big.Int, input []byte) ([]byte, error) {
	return m.call(ctx, mockCall{From: from, To: to, Value: value, Input: input})
}

func (m *mockHost) SystemCall(ctx context.Context, from, to common.Address, value *big.Int, input []byte) ([]byte, error) {
	if to == NonceHolderAddress {
		return nil, m.incrementMinNonceIfEquals(from, input)
	}
	return m.call(ctx, mockCall{From: from, To: to, Value: value, Input: input, System: true})
}

func (m *mockHost) call(ctx context.Context, c mockCall) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if ret, ok := m.reverts[c.To]; ok {
		return ret, errMockRevert
	}
	value := bigOrZero(c.Value)
	if m.GetBalance(c.From).Cmp(value) < 0 {
		return nil, fmt.Errorf("mock: insufficient balance for transfer of %s", value)
	}
	m.balances[c.From] = new(big.Int).Sub(m.GetBalance(c.From), value)
	m.balances[c.To] = new(big.Int).Add(m.GetBalance(c.To), value)
	m.calls = append(m.calls, c)
	return nil, nil
}

func (m *mockHost) incrementMinNonceIfEquals(account common.Address, input []byte) error {
	method, ok := NonceHolderABI.Methods["incrementMinNonceIfEquals"]
	if !ok || len(input) < 4 || string(input[:4]) != string(method.ID) {
		return errors.New("mock: unexpected nonce registry call")
	}
	args, err := method.Inputs.Unpack(input[4:])
	if err != nil {
		return err
	}
	expected := args[0].(*big.Int)
	if !expected.IsUint64() || expected.Uint64() != m.nonces[account] {
		return fmt.Errorf("mock: nonce mismatch, expected %s, actual %d", expected, m.nonces[account])
	}
	m.nonces[account]++
	return nil
}
