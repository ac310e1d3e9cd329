package paychan

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// ChannelID identifies a channel in the ChannelStore. It does not need
// to be globally unique, only unique to the store — spec.md §4.1 notes
// it "does not have to be unique" across servers.
type ChannelID = chainhash.Hash

// FundingPolicy controls how the Wallet funds the multisig contract
// transaction during ClientState.Initiate.
type FundingPolicy struct {
	// AllowUnconfirmed permits the coin selector to spend unconfirmed
	// outputs. spec.md §4.1 says this is the default, since the risk of
	// a double spend is low relative to the size of a micropayment
	// channel's own increments.
	AllowUnconfirmed bool

	// Password decrypts any encrypted keys the wallet needs to sign its
	// own funding inputs. It is nil for an unencrypted wallet.
	Password []byte
}

// Wallet is the funding/signing/persistence collaborator spec.md §1
// describes as out of scope for this subsystem: a UTXO-managing wallet
// that can complete a partially built transaction, commit a transaction
// once it is final, and deliver on-chain events. It mirrors the
// responsibilities of sweep.Wallet and lnwallet's WalletController,
// narrowed to what a channel participant needs.
type Wallet interface {
	// FundTransaction completes template — which already carries the
	// channel's multisig output — by adding inputs (and a change
	// output) to cover its value plus fees, following policy. It
	// returns the completed transaction and the fee it paid.
	FundTransaction(template *wire.MsgTx,
		policy FundingPolicy) (funded *wire.MsgTx, fee btcutil.Amount, err error)

	// CommitTransaction marks tx as belonging to the wallet so its
	// outputs are tracked and its inputs are no longer available to
	// other funding requests. Used once a multisig contract has been
	// fully negotiated (spec.md §4.1 store_channel_in_wallet).
	CommitTransaction(tx *wire.MsgTx) error

	// SubscribeTransactions delivers every transaction the wallet
	// observes touching its own outputs. ClientState reads the channel
	// on its own goroutine and takes its instance mutex once per
	// transaction, so deliveries are never handled inside a caller that
	// already holds that mutex.
	SubscribeTransactions() (<-chan *wire.MsgTx, error)

	// WaitForConfirmations returns an event that fires once txHash has
	// reached numConfs confirmations, mirroring
	// chainntnfs.ChainNotifier.RegisterConfirmationsNtfn.
	WaitForConfirmations(txHash chainhash.Hash,
		numConfs uint32) (*ConfirmationEvent, error)
}

// ConfirmationEvent is delivered once a watched transaction reaches its
// target confirmation depth. It is the collaborator-side type behind the
// close watcher's event-horizon wait (spec.md GLOSSARY "event horizon"),
// shaped after chainntnfs.ConfirmationEvent.
type ConfirmationEvent struct {
	// Confirmed fires exactly once, when the depth target is reached.
	Confirmed chan struct{}

	// Cancel releases the subscription if the caller no longer cares
	// (e.g. the channel record was already removed by another path).
	Cancel func()
}

// Broadcaster is the asynchronous network-publication collaborator
// spec.md §1 lists as out of scope: it takes ownership of a transaction
// and reports success or failure once the network has had a chance to
// react. It intentionally carries no timeout — spec.md §5 is explicit
// that callers must impose one; a silently-rejecting network yields a
// never-completing result.
type Broadcaster interface {
	// Broadcast publishes tx and returns a channel that receives
	// exactly one value: nil on success, or the underlying error on
	// failure.
	Broadcast(tx *wire.MsgTx) <-chan error
}

// ChannelStore is the persistent, per-id collaborator spec.md §2
// describes: add/update/remove for both sides' records, plus a callback
// invoked for any record that has passed its expiry time. chanstore
// provides a kvdb-backed implementation; ClientState/ServerState only
// depend on this interface.
type ChannelStore interface {
	AddClientChannel(id ChannelID, rec *StoredClientChannel) error
	UpdateClientChannel(id ChannelID, rec *StoredClientChannel) error
	RemoveClientChannel(id ChannelID) error
	GetClientChannel(id ChannelID) (*StoredClientChannel, error)

	AddServerChannel(id ChannelID, rec *StoredServerChannel) error
	UpdateServerChannel(id ChannelID, rec *StoredServerChannel) error
	RemoveServerChannel(id ChannelID) error
	GetServerChannel(id ChannelID) (*StoredServerChannel, error)

	// OnClientExpiry registers cb to be invoked, on the store's own
	// sweep goroutine, for every active client record whose expiry time
	// has passed. It is how a process restarted after a server went
	// dark still broadcasts its refund on time even with no running
	// ClientState instance watching the clock.
	OnClientExpiry(cb func(id ChannelID, rec *StoredClientChannel))
}
