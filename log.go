package paychan

import (
	"github.com/btcsuite/btclog"
)

// log is this package's logger. It defaults to discarding everything,
// the same convention lnwallet/log.go and every other lnd subsystem
// follows: no output until the host process calls UseLogger.
var log btclog.Logger = btclog.Disabled

// UseLogger sets the logger used by the paychan package.
func UseLogger(logger btclog.Logger) {
	log = logger
}

// DisableLog disables all library log output from this package.
func DisableLog() {
	log = btclog.Disabled
}
