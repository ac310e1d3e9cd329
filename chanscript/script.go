// Package chanscript builds and verifies the three transactions a
// payment channel revolves around: the multisig contract, the
// time-locked refund, and the repeatedly re-signed payment. It is the
// low-level script/transaction layer, called by the state machines in
// the paychan package and by chanstore's record encoding.
package chanscript

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// IsCanonicalPubKey reports whether pub re-serializes to the 33-byte
// compressed form (0x02/0x03 prefix) every script in this package
// embeds. A parsed key does not remember the encoding it was read from,
// and every non-nil key has a compressed form, so in practice this
// rejects only a nil key. Channel setup on both sides calls it before
// using a key (ClientState.new's precondition).
func IsCanonicalPubKey(pub *btcec.PublicKey) bool {
	if pub == nil {
		return false
	}
	ser := pub.SerializeCompressed()
	return len(ser) == 33 && (ser[0] == 0x02 || ser[0] == 0x03)
}

// MultiSigScript builds the bare 2-of-2 multisig redeem script
// OP_2 <clientPub> <serverPub> OP_2 OP_CHECKMULTISIG. Unlike
// input.GenMultiSigScript in the lnd codebase, the two keys are NOT
// sorted — the client's key always comes first. This fixed ordering is
// spec invariant 5; each side rebuilds the same script from the two keys
// without comparing them, and the first key in the script is always the
// payer's.
func MultiSigScript(clientPub, serverPub *btcec.PublicKey) ([]byte, error) {
	if !IsCanonicalPubKey(clientPub) || !IsCanonicalPubKey(serverPub) {
		return nil, fmt.Errorf("chanscript: non-canonical public key")
	}

	builder := txscript.NewScriptBuilder()
	builder.AddOp(txscript.OP_2)
	builder.AddData(clientPub.SerializeCompressed())
	builder.AddData(serverPub.SerializeCompressed())
	builder.AddOp(txscript.OP_2)
	builder.AddOp(txscript.OP_CHECKMULTISIG)
	return builder.Script()
}

// ContractOutput builds the single relevant output of the multisig
// contract transaction: totalValue locked to the 2-of-2 script produced
// by MultiSigScript.
func ContractOutput(clientPub, serverPub *btcec.PublicKey,
	totalValue int64) (script []byte, out *wire.TxOut, err error) {

	if totalValue <= 0 {
		return nil, nil, fmt.Errorf("chanscript: contract value must be positive")
	}

	script, err = MultiSigScript(clientPub, serverPub)
	if err != nil {
		return nil, nil, err
	}

	return script, wire.NewTxOut(totalValue, script), nil
}

// VerifyContractOutput reports whether output is exactly the multisig
// output ContractOutput would have built for the given keys and value. It
// is used by the server when validating the contract the client hands
// back (spec §4.2 provide_contract).
func VerifyContractOutput(out *wire.TxOut, clientPub,
	serverPub *btcec.PublicKey, expectedValue int64) error {

	wantScript, wantOut, err := ContractOutput(
		clientPub, serverPub, expectedValue,
	)
	if err != nil {
		return err
	}

	if out.Value != wantOut.Value {
		return fmt.Errorf("chanscript: contract output value %d, "+
			"want %d", out.Value, wantOut.Value)
	}

	if string(out.PkScript) != string(wantScript) {
		return fmt.Errorf("chanscript: contract output script does " +
			"not match expected client-first 2-of-2 multisig")
	}

	return nil
}

// AddressForPubKey derives the P2PKH address belonging to pub. Both
// sides of a channel use this — not a wallet-assigned fresh address —
// for the refund and payment outputs that pay a party directly, because
// the counterparty must be able to reconstruct the exact same output
// script from the public key alone to verify a payment signature
// (spec.md §4.2 increment_payment).
func AddressForPubKey(pub *btcec.PublicKey,
	netParams *chaincfg.Params) (btcutil.Address, error) {

	pkHash := btcutil.Hash160(pub.SerializeCompressed())
	addr, err := btcutil.NewAddressPubKeyHash(pkHash, netParams)
	if err != nil {
		return nil, fmt.Errorf("chanscript: deriving address: %w", err)
	}
	return addr, nil
}

// CombinedMultiSigScriptSig assembles the scriptSig that spends a bare
// 2-of-2 multisig output, given both parties' signatures in the same
// order as the pubkeys inside the redeem script (client, then server).
// OP_CHECKMULTISIG's historical off-by-one bug requires a throwaway item
// ahead of the signatures; an empty push (OP_0) satisfies it.
func CombinedMultiSigScriptSig(clientSig, serverSig []byte) ([]byte, error) {
	builder := txscript.NewScriptBuilder()
	builder.AddOp(txscript.OP_0)
	builder.AddData(clientSig)
	builder.AddData(serverSig)
	return builder.Script()
}
