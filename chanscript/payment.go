package chanscript

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// BuildPaymentTx builds the single-input, single-output candidate
// payment transaction that spends the multisig contract output, paying
// valueToClient back to clientAddr. This is never broadcast by itself —
// it only exists to be signed and the signature handed to the server
// (spec §4.1 increment_payment_by, §4.2 increment_payment). A
// valueToClient of zero still produces an output; since the signature
// that will cover it uses SIGHASH_NONE, the output's exact contents
// never reach the signature hash, and ServerState.Close drops it before
// appending its own output.
func BuildPaymentTx(contractHash chainhash.Hash, clientAddr btcutil.Address,
	valueToClient int64) (*wire.MsgTx, error) {

	if valueToClient < 0 {
		return nil, fmt.Errorf("chanscript: negative payment value")
	}

	pkScript, err := txscript.PayToAddrScript(clientAddr)
	if err != nil {
		return nil, fmt.Errorf("chanscript: building payment output "+
			"script: %w", err)
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	outPoint := wire.NewOutPoint(&contractHash, 0)
	tx.AddTxIn(wire.NewTxIn(outPoint, nil, nil))
	tx.AddTxOut(wire.NewTxOut(valueToClient, pkScript))

	return tx, nil
}

// ClosingServerSigHash is the fixed mode the server signs the final
// payment transaction under at close: having appended its own output,
// it commits to the whole transaction before broadcasting.
const ClosingServerSigHash = txscript.SigHashAll

// AppendServerOutput adds the server's payout to an already-built
// payment transaction, turning it into the final settlement transaction
// the server broadcasts at close. The client's output, added by
// BuildPaymentTx, stays at index 0 when present — this function only
// ever appends.
func AppendServerOutput(tx *wire.MsgTx, serverAddr btcutil.Address,
	valueToServer int64) error {

	if valueToServer < 0 {
		return fmt.Errorf("chanscript: negative server payout")
	}

	pkScript, err := txscript.PayToAddrScript(serverAddr)
	if err != nil {
		return fmt.Errorf("chanscript: building server output script: %w", err)
	}

	tx.AddTxOut(wire.NewTxOut(valueToServer, pkScript))
	return nil
}
