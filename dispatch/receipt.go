// Package dispatch simulates the host dispatchers that drive smart accounts
// through their validation, payment and execution cycle.
package dispatch

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/blndgs/smartaccount"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
)

var (
	ErrUnknownAccount = errors.New("no account registered at address")
	ErrPrefundNotPaid = fmt.Errorf("didn't pay prefund: %w", smartaccount.ErrPaymentFailed)
)

// Receipt describes how one operation went through its cycle. Operations
// rejected before execution leave no trace in the state.
type Receipt struct {
	Hash          common.Hash          `json:"hash"`
	Sender        common.Address       `json:"sender"`
	Nonce         *big.Int             `json:"nonce"`
	Stages        []smartaccount.Stage `json:"stages"`
	Success       bool                 `json:"success"`
	ActualGasCost *big.Int             `json:"actualGasCost,omitempty"`
	Reason        string               `json:"reason,omitempty"`
	Err           error                `json:"-"`
}

// Stage is the last stage the operation reached.
func (r *Receipt) Stage() smartaccount.Stage {
	if len(r.Stages) == 0 {
		return ""
	}
	return r.Stages[len(r.Stages)-1]
}

// Included reports whether the operation consumed its nonce.
func (r *Receipt) Included() bool {
	switch r.Stage() {
	case smartaccount.ExecutedOK, smartaccount.ExecutionFailed:
		return true
	default:
		return false
	}
}

func (r *Receipt) fail(err error) {
	r.Err = err
	r.Reason = err.Error()
}

// advance moves the receipt to the next stage of the cycle.
func (r *Receipt) advance(logger log.Logger, next smartaccount.Stage) {
	cur := smartaccount.Received
	if len(r.Stages) > 0 {
		cur = r.Stage()
	} else {
		r.Stages = append(r.Stages, cur)
	}
	if !cur.CanTransition(next) {
		panic(fmt.Sprintf("invalid stage transition %s -> %s", cur, next))
	}
	logger.Trace("Operation stage", "from", cur, "to", next)
	r.Stages = append(r.Stages, next)
}
