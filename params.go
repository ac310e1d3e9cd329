package paychan

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txrules"
)

// p2pkhOutputSize is the serialized size, in bytes, of a standard P2PKH
// output script. The refund and payment outputs all pay to P2PKH
// addresses, so IsDust sizes a bare amount as one of those.
const p2pkhOutputSize = 25

// Params groups the system-wide constants spec.md references
// symbolically (MIN_NONDUST_OUTPUT, REFERENCE_DEFAULT_MIN_TX_FEE, the
// event horizon) instead of pinning numeric values. They are grouped the
// way lnwallet.Config groups chain-policy constants, rather than being
// package-level globals, so a single process can run channels against
// more than one fee/dust regime (e.g. in tests).
type Params struct {
	// RelayFeePerKb is the minimum relay fee rate used to compute the
	// dust threshold for every output this subsystem creates.
	RelayFeePerKb btcutil.Amount

	// MinTxFee is REFERENCE_DEFAULT_MIN_TX_FEE: the flat fee taken from
	// the refund's own output when total_value is too small to afford
	// it otherwise (spec.md §4.1).
	MinTxFee btcutil.Amount

	// CentThreshold is the value (spec.md's "1 CENT") at or above which the
	// refund pays the contract's full total_value rather than
	// total_value minus MinTxFee.
	CentThreshold btcutil.Amount

	// EventHorizonConfs is the confirmation depth after which a
	// settlement transaction is considered permanent and its channel
	// record can be deleted (spec.md GLOSSARY "event horizon").
	EventHorizonConfs uint32
}

// DefaultParams returns the mainnet-equivalent constants the original
// bitcoinj implementation uses: REFERENCE_DEFAULT_MIN_TX_FEE of 1000
// satoshis, Coin.CENT of 1,000,000 satoshis, and a standard six
// confirmation event horizon.
func DefaultParams() Params {
	return Params{
		RelayFeePerKb:     txrules.DefaultRelayFeePerKb,
		MinTxFee:          1000,
		CentThreshold:     1_000_000,
		EventHorizonConfs: 6,
	}
}

// IsDust reports whether amount would be rejected by the network as an
// uneconomical, unspendable output under this Params' relay fee.
func (p Params) IsDust(amount btcutil.Amount) bool {
	return txrules.IsDustAmount(amount, p2pkhOutputSize, p.RelayFeePerKb)
}

// IsDustOutput reports whether out would be rejected as dust.
func (p Params) IsDustOutput(out *wire.TxOut) bool {
	return txrules.IsDustAmount(
		btcutil.Amount(out.Value), len(out.PkScript), p.RelayFeePerKb,
	)
}
