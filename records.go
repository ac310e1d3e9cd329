package paychan

import (
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/wire"
)

// MajorVersion1 is the only protocol version this module implements.
// spec.md §9 treats future versions as sum variants dispatched on this
// tag at the wire boundary, not as subclasses — there is nothing to
// dispatch to yet, but every stored record carries the tag so a future
// version 2 can tell old records apart from new ones.
const MajorVersion1 = 1

// StoredClientChannel is the client-side persisted record spec.md §3
// defines. It is what ChannelStore.AddClientChannel/UpdateClientChannel
// persist, and what ResumeClientState rebuilds a ClientState from.
type StoredClientChannel struct {
	ID            ChannelID
	MajorVersion  int
	Contract      *wire.MsgTx
	Refund        *wire.MsgTx
	ClientKey     *btcec.PrivateKey
	ValueToClient int64
	RefundFees    int64
	Active        bool
	CloseTx       *wire.MsgTx
}

// StoredServerChannel is the server-side persisted record spec.md §3
// defines.
type StoredServerChannel struct {
	ID                 ChannelID
	MajorVersion       int
	ServerKey          *btcec.PrivateKey
	ClientKey          *btcec.PublicKey
	BestValueToServer  int64
	BestValueSignature []byte
	Contract           *wire.MsgTx
	CloseTx            *wire.MsgTx
}

// IncrementedPayment is returned by ClientState.IncrementPaymentBy: the
// signature the server needs to retain the new best payment, and the
// amount by which the payment grew.
type IncrementedPayment struct {
	Signature []byte
	Amount    int64
}
