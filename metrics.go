package smartaccount

import "github.com/ethereum/go-ethereum/metrics"

var (
	validationSuccessMeter = metrics.NewRegisteredMeter("account/validation/success", nil)
	validationSigFailMeter = metrics.NewRegisteredMeter("account/validation/sigfail", nil)
	validationRevertMeter  = metrics.NewRegisteredMeter("account/validation/revert", nil)
	executionFailureMeter  = metrics.NewRegisteredMeter("account/execution/failure", nil)

	// prefundFailureCounter counts tolerated prefund transfers that failed.
	prefundFailureCounter = metrics.NewRegisteredCounter("account/prefund/failure", nil)
)
