package chanstore

import (
	"github.com/btcsuite/btclog"
)

// log is this package's logger. It defaults to discarding everything,
// matching every other subsystem's logging convention.
var log btclog.Logger = btclog.Disabled

// UseLogger sets the logger used by the chanstore package.
func UseLogger(logger btclog.Logger) {
	log = logger
}

// DisableLog disables all library log output from this package.
func DisableLog() {
	log = btclog.Disabled
}
