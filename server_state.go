package paychan

import (
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/davecgh/go-spew/spew"
	"github.com/lightninglabs/paychan/chanerr"
	"github.com/lightninglabs/paychan/chanscript"
)

// ServerChannelState enumerates the states a ServerState instance moves
// through, matching the diagram in spec.md §4.2.
type ServerChannelState int

const (
	ServerNew ServerChannelState = iota
	ServerWaitingForMultisigContract
	ServerWaitingForMultisigAcceptance
	ServerReady
	ServerClosing
	ServerClosed
	ServerErrorClosed
)

// String implements fmt.Stringer.
func (s ServerChannelState) String() string {
	switch s {
	case ServerNew:
		return "New"
	case ServerWaitingForMultisigContract:
		return "WaitingForMultisigContract"
	case ServerWaitingForMultisigAcceptance:
		return "WaitingForMultisigAcceptance"
	case ServerReady:
		return "Ready"
	case ServerClosing:
		return "Closing"
	case ServerClosed:
		return "Closed"
	case ServerErrorClosed:
		return "ErrorClosed"
	default:
		return "Unknown"
	}
}

// ServerState drives a single channel from the payee's side: it signs
// the client's refund, validates and broadcasts the multisig contract,
// retains the best payment signature seen, and settles by broadcasting a
// final payment transaction. Every method that reads or changes channel
// state does so under mu (spec.md §5); ProvideContract and Close release
// it before waiting on the broadcaster.
type ServerState struct {
	mu sync.Mutex

	broadcaster Broadcaster
	store       ChannelStore
	params      Params
	netParams   *chaincfg.Params

	serverKey *btcec.PrivateKey
	serverPub *btcec.PublicKey
	clientPub *btcec.PublicKey

	minExpireTime int64
	totalValue    int64

	contractScript []byte
	contract       *wire.MsgTx

	id    ChannelID
	hasID bool

	state ServerChannelState

	bestValueToServer  int64
	bestValueSignature []byte

	closeTx *wire.MsgTx
}

// NewServerState validates the server's own key and returns a
// ServerState in its initial state, ready for ProvideRefundTransaction.
// minExpireTime is the earliest lock_time the server will accept on a
// client's refund — spec.md §4.2's min_expire_time.
func NewServerState(broadcaster Broadcaster, store ChannelStore,
	params Params, netParams *chaincfg.Params, serverKey *btcec.PrivateKey,
	minExpireTime int64) (*ServerState, error) {

	if serverKey == nil {
		return nil, chanerr.New(chanerr.Verification, "server key is nil")
	}
	serverPub := serverKey.PubKey()
	if !chanscript.IsCanonicalPubKey(serverPub) {
		return nil, chanerr.New(chanerr.Verification,
			"server public key is not canonically encoded")
	}

	return &ServerState{
		broadcaster:   broadcaster,
		store:         store,
		params:        params,
		netParams:     netParams,
		serverKey:     serverKey,
		serverPub:     serverPub,
		minExpireTime: minExpireTime,
		state:         ServerNew,
	}, nil
}

func (s *ServerState) requireState(allowed ...ServerChannelState) error {
	for _, a := range allowed {
		if s.state == a {
			return nil
		}
	}
	return chanerr.New(chanerr.IllegalState,
		"operation not valid in state %s", s.state)
}

// ProvideRefundTransaction validates the client's proposed refund —
// exactly one input with sequence 0, exactly one output, and a lock_time
// no earlier than min_expire_time — and signs it with
// SIGHASH_NONE|ANYONECANPAY. totalValue is the contract value the client
// has claimed out of band; it is recorded now so ProvideContract can
// later check the multisig output it receives against it.
func (s *ServerState) ProvideRefundTransaction(refundBytes []byte,
	clientPub *btcec.PublicKey, totalValue btcutil.Amount) ([]byte, error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireState(ServerNew); err != nil {
		return nil, err
	}
	if !chanscript.IsCanonicalPubKey(clientPub) {
		return nil, chanerr.New(chanerr.Verification,
			"client public key is not canonically encoded")
	}
	if totalValue <= 0 {
		return nil, chanerr.New(chanerr.ValueOutOfRange,
			"total value %d must be positive", totalValue)
	}

	refund, err := chanscript.DeserializeTx(refundBytes)
	if err != nil {
		return nil, chanerr.New(chanerr.Verification,
			"deserializing refund: %v", err)
	}
	if len(refund.TxIn) != 1 || len(refund.TxOut) != 1 {
		return nil, chanerr.New(chanerr.Verification,
			"refund must have exactly one input and one output")
	}
	if refund.TxIn[0].Sequence != 0 {
		return nil, chanerr.New(chanerr.Verification,
			"refund input sequence must be 0")
	}
	if int64(refund.LockTime) < s.minExpireTime {
		return nil, chanerr.New(chanerr.Verification,
			"refund lock_time %d is earlier than the minimum %d",
			refund.LockTime, s.minExpireTime)
	}

	contractScript, err := chanscript.MultiSigScript(clientPub, s.serverPub)
	if err != nil {
		return nil, chanerr.New(chanerr.Verification,
			"rebuilding multisig script: %v", err)
	}

	sig, err := chanscript.RawSignature(
		refund, 0, contractScript, chanscript.RefundServerSigHash, s.serverKey,
	)
	if err != nil {
		return nil, chanerr.New(chanerr.Verification,
			"signing refund: %v", err)
	}

	s.clientPub = clientPub
	s.totalValue = int64(totalValue)
	s.contractScript = contractScript
	s.state = ServerWaitingForMultisigContract

	return sig, nil
}

// ProvideContract validates that contract carries the expected multisig
// output and broadcasts it. It returns a channel that receives exactly
// one value — nil once the broadcast succeeds and the channel has
// transitioned to Ready, or the broadcaster's error otherwise — mirroring
// Broadcaster.Broadcast's own future shape (spec.md §9's note that async
// outcomes should use whatever primitive the host already relies on).
func (s *ServerState) ProvideContract(contract *wire.MsgTx) (<-chan error, error) {
	s.mu.Lock()

	if err := s.requireState(ServerWaitingForMultisigContract); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if len(contract.TxOut) == 0 {
		s.mu.Unlock()
		return nil, chanerr.New(chanerr.Verification,
			"contract has no outputs")
	}

	err := chanscript.VerifyContractOutput(
		contract.TxOut[0], s.clientPub, s.serverPub, s.totalValue,
	)
	if err != nil {
		s.mu.Unlock()
		return nil, chanerr.New(chanerr.Verification,
			"validating multisig contract output: %v", err)
	}

	s.contract = contract
	s.state = ServerWaitingForMultisigAcceptance
	s.mu.Unlock()

	broadcastErrCh := s.broadcaster.Broadcast(contract)
	resultCh := make(chan error, 1)

	go func() {
		err := <-broadcastErrCh
		if err != nil {
			resultCh <- chanerr.New(chanerr.Broadcast,
				"broadcasting multisig contract: %v", err)
			return
		}

		s.mu.Lock()
		s.state = ServerReady
		s.mu.Unlock()

		log.Infof("server channel ready, contract %s broadcast",
			contract.TxHash())

		resultCh <- nil
	}()

	return resultCh, nil
}

// IncrementPayment validates a client payment signature and, if it
// improves on the best one seen so far, retains it. It returns true iff
// the client still has value left in the channel after this payment
// (spec.md §4.2).
func (s *ServerState) IncrementPayment(newValueToClient int64,
	clientSig []byte) (bool, error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireState(ServerReady); err != nil {
		return false, err
	}

	if newValueToClient < 0 || newValueToClient > s.totalValue {
		return false, chanerr.New(chanerr.ValueOutOfRange,
			"new value to client %d out of range [0, %d]",
			newValueToClient, s.totalValue)
	}

	clientAddr, err := chanscript.AddressForPubKey(s.clientPub, s.netParams)
	if err != nil {
		return false, chanerr.New(chanerr.Verification,
			"deriving client address: %v", err)
	}

	contractHash := s.contract.TxHash()
	paymentTx, err := chanscript.BuildPaymentTx(contractHash, clientAddr, newValueToClient)
	if err != nil {
		return false, chanerr.New(chanerr.Verification,
			"building payment transaction: %v", err)
	}

	wantHashType := chanscript.SigHashModeForValue(newValueToClient)
	_, err = chanscript.VerifySignature(
		s.clientPub, paymentTx, 0, s.contractScript, clientSig, wantHashType,
	)
	if err != nil {
		return false, chanerr.New(chanerr.Verification,
			"client payment signature: %v", err)
	}

	candidateValueToServer := s.totalValue - newValueToClient
	if candidateValueToServer <= s.bestValueToServer {
		// Lowest-we-have-seen retention policy (spec.md §4.2, §5): a
		// stale or out-of-order signature is silently ignored, not
		// rejected.
		return s.totalValue-s.bestValueToServer > 0, nil
	}

	if s.params.IsDust(btcutil.Amount(candidateValueToServer)) {
		return false, chanerr.New(chanerr.ValueOutOfRange,
			"candidate server value %d is below the dust threshold",
			candidateValueToServer)
	}

	s.bestValueToServer = candidateValueToServer
	s.bestValueSignature = clientSig

	if s.hasID {
		_ = s.store.UpdateServerChannel(s.id, s.snapshotLocked())
	}

	return newValueToClient > 0, nil
}

// Close assembles the best payment transaction seen, countersigns it
// with SIGHASH_ALL, and broadcasts it. A failed broadcast leaves the
// channel in Closing so the caller may retry (spec.md §9's Open
// Question: the source leaves this retry policy unspecified, so this
// implementation permits it).
func (s *ServerState) Close() (<-chan *wire.MsgTx, error) {
	s.mu.Lock()

	if err := s.requireState(ServerReady, ServerClosing); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if s.bestValueSignature == nil {
		s.mu.Unlock()
		return nil, chanerr.New(chanerr.IllegalState,
			"no payment has been accepted yet")
	}

	serverFee := int64(s.params.MinTxFee)
	serverValue := s.bestValueToServer - serverFee
	if serverValue < 0 || s.params.IsDust(btcutil.Amount(serverValue)) {
		s.mu.Unlock()
		return nil, chanerr.New(chanerr.InsufficientFunds,
			"server payout %d is below dust after fees", serverValue)
	}

	clientValue := s.totalValue - s.bestValueToServer
	clientAddr, err := chanscript.AddressForPubKey(s.clientPub, s.netParams)
	if err != nil {
		s.mu.Unlock()
		return nil, chanerr.New(chanerr.Verification,
			"deriving client address: %v", err)
	}
	serverAddr, err := chanscript.AddressForPubKey(s.serverPub, s.netParams)
	if err != nil {
		s.mu.Unlock()
		return nil, chanerr.New(chanerr.Verification,
			"deriving server address: %v", err)
	}

	contractHash := s.contract.TxHash()
	paymentTx, err := chanscript.BuildPaymentTx(contractHash, clientAddr, clientValue)
	if err != nil {
		s.mu.Unlock()
		return nil, chanerr.New(chanerr.Verification,
			"building payment transaction: %v", err)
	}
	// A fully spent client signed under SIGHASH_NONE, which commits to no
	// outputs, so its zero-value output is dropped rather than broadcast.
	if clientValue == 0 {
		paymentTx.TxOut = nil
	}
	if err := chanscript.AppendServerOutput(paymentTx, serverAddr, serverValue); err != nil {
		s.mu.Unlock()
		return nil, chanerr.New(chanerr.Verification,
			"appending server output: %v", err)
	}

	serverSig, err := chanscript.RawSignature(
		paymentTx, 0, s.contractScript, chanscript.ClosingServerSigHash, s.serverKey,
	)
	if err != nil {
		s.mu.Unlock()
		return nil, chanerr.New(chanerr.Verification,
			"signing close payment: %v", err)
	}

	if err := chanscript.AssembleAndVerifySpend(
		paymentTx, s.contract.TxOut[0], s.bestValueSignature, serverSig,
	); err != nil {
		s.mu.Unlock()
		return nil, chanerr.New(chanerr.Verification,
			"assembling close payment: %v", err)
	}

	log.Tracef("assembled close payment transaction: %v", spew.Sdump(paymentTx))

	s.state = ServerClosing
	s.mu.Unlock()

	broadcastErrCh := s.broadcaster.Broadcast(paymentTx)
	resultCh := make(chan *wire.MsgTx, 1)

	go func() {
		err := <-broadcastErrCh

		s.mu.Lock()
		if err != nil {
			s.mu.Unlock()
			close(resultCh)
			return
		}

		s.state = ServerClosed
		s.closeTx = paymentTx
		id := s.id
		hasID := s.hasID
		s.mu.Unlock()

		if hasID {
			_ = s.store.RemoveServerChannel(id)
		}

		log.Infof("server channel closed, settlement %s broadcast",
			paymentTx.TxHash())

		resultCh <- paymentTx
	}()

	return resultCh, nil
}

// GetBestValueToServer returns the highest value_to_server accepted so
// far.
func (s *ServerState) GetBestValueToServer() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bestValueToServer
}

// GetFeePaid returns the flat fee the close transaction deducts from
// the server's own payout.
func (s *ServerState) GetFeePaid() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(s.params.MinTxFee)
}

// GetContract returns the broadcast multisig contract.
func (s *ServerState) GetContract() (*wire.MsgTx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.contract == nil {
		return nil, chanerr.New(chanerr.IllegalState,
			"contract has not been provided yet")
	}
	return s.contract, nil
}

// StoreChannelInWallet persists the channel's server-side record under
// id. It is idempotent if called again with the same id.
func (s *ServerState) StoreChannelInWallet(id ChannelID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.hasID {
		if id == s.id {
			return nil
		}
		return chanerr.New(chanerr.IllegalState,
			"channel already stored under a different id")
	}
	if id == (ChannelID{}) {
		return chanerr.New(chanerr.ValueOutOfRange,
			"channel id must be non-zero")
	}

	s.id = id
	rec := s.snapshotLocked()
	if err := s.store.AddServerChannel(id, rec); err != nil {
		return chanerr.New(chanerr.IllegalState,
			"persisting channel record: %v", err)
	}

	s.hasID = true
	return nil
}

// IsClosed reports whether the channel has broadcast its close
// transaction.
func (s *ServerState) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == ServerClosed
}

// GetMajorVersion returns the protocol version tag.
func (s *ServerState) GetMajorVersion() int {
	return MajorVersion1
}

func (s *ServerState) snapshotLocked() *StoredServerChannel {
	return &StoredServerChannel{
		ID:                 s.id,
		MajorVersion:       MajorVersion1,
		ServerKey:          s.serverKey,
		ClientKey:          s.clientPub,
		BestValueToServer:  s.bestValueToServer,
		BestValueSignature: s.bestValueSignature,
		Contract:           s.contract,
		CloseTx:            s.closeTx,
	}
}

// ResumeServerState rebuilds a ServerState from a record previously
// returned by ChannelStore.GetServerChannel, for a process restarting
// with channels already past ProvideContract. Not part of the original
// design (spec.md SUPPLEMENTED FEATURES) — without it a restarted server
// could neither accept further payments nor close a channel it had
// already broadcast the contract for.
func ResumeServerState(broadcaster Broadcaster, store ChannelStore,
	params Params, netParams *chaincfg.Params, minExpireTime int64,
	rec *StoredServerChannel) (*ServerState, error) {

	if !chanscript.IsCanonicalPubKey(rec.ServerKey.PubKey()) {
		return nil, chanerr.New(chanerr.Verification,
			"server public key is not canonically encoded")
	}
	if !chanscript.IsCanonicalPubKey(rec.ClientKey) {
		return nil, chanerr.New(chanerr.Verification,
			"client public key is not canonically encoded")
	}
	if rec.Contract == nil || len(rec.Contract.TxOut) == 0 {
		return nil, chanerr.New(chanerr.Verification,
			"stored record is missing its multisig contract")
	}

	contractScript, err := chanscript.MultiSigScript(rec.ClientKey, rec.ServerKey.PubKey())
	if err != nil {
		return nil, chanerr.New(chanerr.Verification,
			"rebuilding multisig script: %v", err)
	}

	state := ServerReady
	if rec.CloseTx != nil {
		state = ServerClosed
	}

	return &ServerState{
		broadcaster:        broadcaster,
		store:              store,
		params:             params,
		netParams:          netParams,
		serverKey:          rec.ServerKey,
		serverPub:          rec.ServerKey.PubKey(),
		clientPub:          rec.ClientKey,
		minExpireTime:      minExpireTime,
		totalValue:         rec.Contract.TxOut[0].Value,
		contractScript:     contractScript,
		contract:           rec.Contract,
		id:                 rec.ID,
		hasID:              true,
		state:              state,
		bestValueToServer:  rec.BestValueToServer,
		bestValueSignature: rec.BestValueSignature,
		closeTx:            rec.CloseTx,
	}, nil
}
