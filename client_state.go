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
	"github.com/lightningnetwork/lnd/clock"
)

// ClientChannelState enumerates the states a ClientState instance moves
// through. It replaces the abstract-base/concrete-V1-subclass split of
// the original design (spec.md §9): there is exactly one concrete state
// machine, tagged by MajorVersion1, and future protocol versions are new
// sum variants rather than further subclasses.
type ClientChannelState int

const (
	ClientNew ClientChannelState = iota
	ClientInitiated
	ClientWaitingForSignedRefund
	ClientSaveStateInWallet
	ClientProvideMultisigContractToServer
	ClientReady
	ClientExpired
	ClientClosed
)

// String implements fmt.Stringer so log lines and IllegalState errors
// name states instead of printing bare integers.
func (s ClientChannelState) String() string {
	switch s {
	case ClientNew:
		return "New"
	case ClientInitiated:
		return "Initiated"
	case ClientWaitingForSignedRefund:
		return "WaitingForSignedRefund"
	case ClientSaveStateInWallet:
		return "SaveStateInWallet"
	case ClientProvideMultisigContractToServer:
		return "ProvideMultisigContractToServer"
	case ClientReady:
		return "Ready"
	case ClientExpired:
		return "Expired"
	case ClientClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// ClientState drives a single channel from the payer's side: it builds
// the multisig contract and refund, collects the server's refund
// signature, emits payment signatures as the client spends down its
// balance, and watches the chain for settlement. Every method that reads
// or changes channel state does so under mu (spec.md §5); store and
// wallet calls made after a state change, and the close watcher's start,
// run after mu is released. Callers may drive an instance
// from multiple goroutines, including the wallet's own event-delivery
// goroutine, without further synchronization.
type ClientState struct {
	mu sync.Mutex

	wallet    Wallet
	store     ChannelStore
	clock     clock.Clock
	params    Params
	netParams *chaincfg.Params

	clientKey *btcec.PrivateKey
	clientPub *btcec.PublicKey
	serverPub *btcec.PublicKey

	totalValue int64
	expiryTime int64

	state ClientChannelState
	id    ChannelID
	hasID bool

	contractScript []byte
	contract       *wire.MsgTx
	multisigFee    btcutil.Amount

	refund     *wire.MsgTx
	refundFees int64

	clientAddr btcutil.Address

	valueToClient int64
	closeTx       *wire.MsgTx
}

// NewClientState validates both public keys are canonically encoded and
// returns a ClientState in state New, mirroring
// PaymentChannelClientState's constructor. total_value is checked for
// positivity by Initiate, not here, matching spec.md §4.1's precondition
// split between new and initiate.
func NewClientState(wallet Wallet, store ChannelStore, clk clock.Clock,
	params Params, netParams *chaincfg.Params, clientKey *btcec.PrivateKey,
	serverPub *btcec.PublicKey, totalValue btcutil.Amount,
	expiryTime int64) (*ClientState, error) {

	if clientKey == nil {
		return nil, chanerr.New(chanerr.Verification, "client key is nil")
	}
	clientPub := clientKey.PubKey()
	if !chanscript.IsCanonicalPubKey(clientPub) {
		return nil, chanerr.New(chanerr.Verification,
			"client public key is not canonically encoded")
	}
	if !chanscript.IsCanonicalPubKey(serverPub) {
		return nil, chanerr.New(chanerr.Verification,
			"server public key is not canonically encoded")
	}

	return &ClientState{
		wallet:     wallet,
		store:      store,
		clock:      clk,
		params:     params,
		netParams:  netParams,
		clientKey:  clientKey,
		clientPub:  clientPub,
		serverPub:  serverPub,
		totalValue: int64(totalValue),
		expiryTime: expiryTime,
		state:      ClientNew,
	}, nil
}

// requireState fails with IllegalState unless c.state is one of allowed.
// Callers must already hold mu.
func (c *ClientState) requireState(allowed ...ClientChannelState) error {
	for _, s := range allowed {
		if c.state == s {
			return nil
		}
	}
	return chanerr.New(chanerr.IllegalState,
		"operation not valid in state %s", c.state)
}

// Initiate builds the multisig contract and refund transaction. See
// spec.md §4.1: the Wallet funds a template carrying only the multisig
// output, so the completed contract keeps that output at index 0 with
// any change appended after it; the refund pays total_value back to the
// client's address unless that is below the 1-CENT threshold, in which
// case REFERENCE_DEFAULT_MIN_TX_FEE is deducted from the refund itself.
func (c *ClientState) Initiate(password []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.requireState(ClientNew); err != nil {
		return err
	}
	if c.totalValue <= 0 {
		return chanerr.New(chanerr.ValueOutOfRange,
			"total value %d must be positive", c.totalValue)
	}

	contractScript, contractOut, err := chanscript.ContractOutput(
		c.clientPub, c.serverPub, c.totalValue,
	)
	if err != nil {
		return chanerr.New(chanerr.Verification,
			"building multisig contract output: %v", err)
	}
	if c.params.IsDustOutput(contractOut) {
		return chanerr.New(chanerr.ValueOutOfRange,
			"contract value %d is below the dust threshold", c.totalValue)
	}

	template := wire.NewMsgTx(wire.TxVersion)
	template.AddTxOut(contractOut)

	funded, fee, err := c.wallet.FundTransaction(template, FundingPolicy{
		AllowUnconfirmed: true,
		Password:         password,
	})
	if err != nil {
		return chanerr.New(chanerr.InsufficientFunds,
			"funding multisig contract: %v", err)
	}

	clientAddr, err := chanscript.AddressForPubKey(c.clientPub, c.netParams)
	if err != nil {
		return chanerr.New(chanerr.Verification,
			"deriving client address: %v", err)
	}

	var refundValue, refundFees int64
	if c.totalValue >= int64(c.params.CentThreshold) {
		refundValue = c.totalValue
		refundFees = int64(fee)
	} else {
		refundValue = c.totalValue - int64(c.params.MinTxFee)
		if c.params.IsDust(btcutil.Amount(refundValue)) {
			return chanerr.New(chanerr.ValueOutOfRange,
				"refund value %d is dust after deducting the minimum fee",
				refundValue)
		}
		refundFees = int64(fee) + int64(c.params.MinTxFee)
	}

	contractHash := funded.TxHash()
	refund, err := chanscript.BuildRefund(
		contractHash, c.totalValue, clientAddr, refundValue, c.expiryTime,
	)
	if err != nil {
		return chanerr.New(chanerr.Verification, "building refund: %v", err)
	}

	c.contractScript = contractScript
	c.contract = funded
	c.multisigFee = fee
	c.clientAddr = clientAddr
	c.refund = refund
	c.refundFees = refundFees
	c.valueToClient = c.totalValue
	c.state = ClientInitiated

	log.Debugf("client channel initiated: total_value=%d refund_fees=%d",
		c.totalValue, c.refundFees)
	log.Tracef("built refund transaction: %v", spew.Sdump(refund))

	return nil
}

// GetIncompleteRefundTransaction returns the refund built by Initiate,
// for the client to send to the server for signing. The first call
// transitions Initiated -> WaitingForSignedRefund; subsequent calls are
// idempotent (spec.md §4.1).
func (c *ClientState) GetIncompleteRefundTransaction() (*wire.MsgTx, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.requireState(ClientInitiated, ClientWaitingForSignedRefund); err != nil {
		return nil, err
	}
	if c.state == ClientInitiated {
		c.state = ClientWaitingForSignedRefund
	}
	return c.refund, nil
}

// ProvideRefundSignature validates the server's refund signature, which
// must carry exactly SIGHASH_NONE|ANYONECANPAY, countersigns with
// SIGHASH_ALL, and verifies the assembled input actually spends the
// multisig output (spec invariant 5, scenario 5 in spec.md §8).
func (c *ClientState) ProvideRefundSignature(serverSig, password []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.requireState(ClientWaitingForSignedRefund); err != nil {
		return err
	}

	_, err := chanscript.VerifySignature(
		c.serverPub, c.refund, 0, c.contractScript, serverSig,
		chanscript.RefundServerSigHash,
	)
	if err != nil {
		return chanerr.New(chanerr.Verification,
			"server refund signature: %v", err)
	}

	clientSig, err := chanscript.RawSignature(
		c.refund, 0, c.contractScript, chanscript.RefundClientSigHash,
		c.clientKey,
	)
	if err != nil {
		return chanerr.New(chanerr.Verification,
			"signing refund: %v", err)
	}

	if err := chanscript.AssembleAndVerifySpend(
		c.refund, c.contract.TxOut[0], clientSig, serverSig,
	); err != nil {
		return chanerr.New(chanerr.Verification,
			"assembling refund: %v", err)
	}

	c.state = ClientSaveStateInWallet
	return nil
}

// StoreChannelInWallet persists the channel under id, commits the
// multisig contract to the Wallet, and starts the close watcher. It is
// idempotent if called again with the same id after it has already
// succeeded; it fails IllegalState if called with a different id.
func (c *ClientState) StoreChannelInWallet(id ChannelID) error {
	c.mu.Lock()

	if c.hasID {
		already := c.id
		c.mu.Unlock()
		if id == already {
			return nil
		}
		return chanerr.New(chanerr.IllegalState,
			"channel already stored under a different id")
	}

	if err := c.requireState(ClientSaveStateInWallet); err != nil {
		c.mu.Unlock()
		return err
	}
	if id == (ChannelID{}) {
		c.mu.Unlock()
		return chanerr.New(chanerr.ValueOutOfRange,
			"channel id must be non-zero")
	}

	rec := c.snapshotLocked(true)
	rec.ID = id

	if err := c.store.AddClientChannel(id, rec); err != nil {
		c.mu.Unlock()
		return chanerr.New(chanerr.IllegalState,
			"persisting channel record: %v", err)
	}
	if err := c.wallet.CommitTransaction(c.contract); err != nil {
		c.mu.Unlock()
		return chanerr.New(chanerr.InsufficientFunds,
			"committing multisig contract: %v", err)
	}

	c.id = id
	c.hasID = true
	c.state = ClientProvideMultisigContractToServer
	c.mu.Unlock()

	c.startCloseWatcher()
	return nil
}

// GetContract returns the fully signed multisig contract to hand to the
// server. The first call transitions ProvideMultisigContractToServer ->
// Ready.
func (c *ClientState) GetContract() (*wire.MsgTx, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.requireState(ClientProvideMultisigContractToServer, ClientReady); err != nil {
		return nil, err
	}
	if c.state == ClientProvideMultisigContractToServer {
		c.state = ClientReady
	}
	return c.contract, nil
}

// IncrementPaymentBy spends size further of value_to_client down to the
// server, signing the resulting payment transaction under the sighash
// mode the remaining client balance dictates (spec.md §4.1, §4.3). A
// residual left below the dust threshold is rolled into size rather than
// left as an unspendable output (scenario 3 in spec.md §8).
func (c *ClientState) IncrementPaymentBy(size int64, password []byte) (*IncrementedPayment, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.requireState(ClientReady); err != nil {
		return nil, err
	}

	if c.clock.Now().Unix() > c.expiryTime {
		c.state = ClientExpired
		if c.hasID {
			_ = c.store.UpdateClientChannel(c.id, c.snapshotLocked(false))
		}
		return nil, chanerr.New(chanerr.IllegalState, chanerr.ChannelExpired)
	}

	if size < 0 {
		return nil, chanerr.New(chanerr.ValueOutOfRange,
			"payment size %d must be non-negative", size)
	}

	newValueToClient := c.valueToClient - size
	if newValueToClient > 0 && c.params.IsDust(btcutil.Amount(newValueToClient)) {
		size = c.valueToClient
		newValueToClient = 0
	}
	if newValueToClient < 0 {
		return nil, chanerr.New(chanerr.ValueOutOfRange,
			"payment of %d exceeds remaining value_to_client %d",
			size, c.valueToClient)
	}

	contractHash := c.contract.TxHash()
	paymentTx, err := chanscript.BuildPaymentTx(
		contractHash, c.clientAddr, newValueToClient,
	)
	if err != nil {
		return nil, chanerr.New(chanerr.Verification,
			"building payment transaction: %v", err)
	}

	hashType := chanscript.SigHashModeForValue(newValueToClient)
	sig, err := chanscript.RawSignature(
		paymentTx, 0, c.contractScript, hashType, c.clientKey,
	)
	if err != nil {
		return nil, chanerr.New(chanerr.Verification,
			"signing payment: %v", err)
	}

	c.valueToClient = newValueToClient
	if c.hasID {
		_ = c.store.UpdateClientChannel(c.id, c.snapshotLocked(true))
	}

	return &IncrementedPayment{Signature: sig, Amount: size}, nil
}

// IsSettlementTransaction reports whether tx spends the multisig
// contract's output 0 with a script that actually verifies against it.
func (c *ClientState) IsSettlementTransaction(tx *wire.MsgTx) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isSettlementLocked(tx)
}

func (c *ClientState) isSettlementLocked(tx *wire.MsgTx) bool {
	if c.contract == nil || len(tx.TxIn) == 0 {
		return false
	}
	return chanscript.VerifyInputSpendsOutput(tx, 0, c.contract.TxOut[0]) == nil
}

// GetTotalValue returns total_value, fixed at construction.
func (c *ClientState) GetTotalValue() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalValue
}

// GetValueRefunded returns the amount the client would currently recover
// via the refund path, i.e. value_to_client.
func (c *ClientState) GetValueRefunded() (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state < ClientInitiated {
		return 0, chanerr.New(chanerr.IllegalState,
			"channel has not been initiated")
	}
	return c.valueToClient, nil
}

// GetValueSpent returns total_value - value_to_client.
func (c *ClientState) GetValueSpent() (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state < ClientInitiated {
		return 0, chanerr.New(chanerr.IllegalState,
			"channel has not been initiated")
	}
	return c.totalValue - c.valueToClient, nil
}

// GetRefundTxFees returns the fee deducted from, or alongside, the
// refund path, computed during Initiate (spec.md SUPPLEMENTED FEATURES).
func (c *ClientState) GetRefundTxFees() (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state < ClientInitiated {
		return 0, chanerr.New(chanerr.IllegalState,
			"channel has not been initiated")
	}
	return c.refundFees, nil
}

// GetCompletedRefundTransaction returns the refund once it carries both
// signatures, i.e. any time after ProvideRefundSignature has succeeded.
func (c *ClientState) GetCompletedRefundTransaction() (*wire.MsgTx, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state < ClientSaveStateInWallet {
		return nil, chanerr.New(chanerr.IllegalState,
			"refund has not been countersigned yet")
	}
	return c.refund, nil
}

// GetState returns the current lifecycle state.
func (c *ClientState) GetState() ClientChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsClosed reports whether the channel has observed its settlement.
func (c *ClientState) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == ClientClosed
}

// GetMajorVersion returns the protocol version tag every stored record
// carries (spec.md §9).
func (c *ClientState) GetMajorVersion() int {
	return MajorVersion1
}

// DisconnectFromChannel marks the stored record inactive. It has no
// on-chain effect; it only stops this process from treating the channel
// as something it should keep funding.
func (c *ClientState) DisconnectFromChannel() {
	c.mu.Lock()
	id := c.id
	hasID := c.hasID
	rec := c.snapshotLocked(false)
	c.mu.Unlock()

	if hasID {
		_ = c.store.UpdateClientChannel(id, rec)
	}
}

// snapshotLocked builds the StoredClientChannel record for the current
// field values. Callers must already hold mu.
func (c *ClientState) snapshotLocked(active bool) *StoredClientChannel {
	return &StoredClientChannel{
		ID:            c.id,
		MajorVersion:  MajorVersion1,
		Contract:      c.contract,
		Refund:        c.refund,
		ClientKey:     c.clientKey,
		ValueToClient: c.valueToClient,
		RefundFees:    c.refundFees,
		Active:        active,
		CloseTx:       c.closeTx,
	}
}

// ResumeClientState rebuilds a ClientState from a record previously
// returned by ChannelStore.GetClientChannel, for a process that restarts
// with channels already past StoreChannelInWallet. It is not part of the
// original design (spec.md SUPPLEMENTED FEATURES); without it, a process
// restart would orphan every channel's close watcher until the next
// payment increment happened to touch it from scratch.
func ResumeClientState(wallet Wallet, store ChannelStore, clk clock.Clock,
	params Params, netParams *chaincfg.Params, serverPub *btcec.PublicKey,
	expiryTime int64, rec *StoredClientChannel) (*ClientState, error) {

	if !chanscript.IsCanonicalPubKey(serverPub) {
		return nil, chanerr.New(chanerr.Verification,
			"server public key is not canonically encoded")
	}
	if rec.Contract == nil || len(rec.Contract.TxOut) == 0 {
		return nil, chanerr.New(chanerr.Verification,
			"stored record is missing its multisig contract")
	}

	contractScript, err := chanscript.MultiSigScript(
		rec.ClientKey.PubKey(), serverPub,
	)
	if err != nil {
		return nil, chanerr.New(chanerr.Verification,
			"rebuilding multisig script: %v", err)
	}

	clientAddr, err := chanscript.AddressForPubKey(rec.ClientKey.PubKey(), netParams)
	if err != nil {
		return nil, chanerr.New(chanerr.Verification,
			"deriving client address: %v", err)
	}

	state := ClientProvideMultisigContractToServer
	if rec.CloseTx != nil {
		state = ClientClosed
	}

	c := &ClientState{
		wallet:         wallet,
		store:          store,
		clock:          clk,
		params:         params,
		netParams:      netParams,
		clientKey:      rec.ClientKey,
		clientPub:      rec.ClientKey.PubKey(),
		serverPub:      serverPub,
		totalValue:     rec.Contract.TxOut[0].Value,
		expiryTime:     expiryTime,
		state:          state,
		id:             rec.ID,
		hasID:          true,
		contractScript: contractScript,
		contract:       rec.Contract,
		refund:         rec.Refund,
		refundFees:     rec.RefundFees,
		clientAddr:     clientAddr,
		valueToClient:  rec.ValueToClient,
		closeTx:        rec.CloseTx,
	}

	if state != ClientClosed {
		c.startCloseWatcher()
	}

	return c, nil
}

// startCloseWatcher subscribes to the wallet's transaction feed and
// drives settlement detection from it. The feed is read on watchLoop's
// own goroutine, which takes mu once per transaction, so a delivery is
// never handled synchronously inside a caller already holding mu.
func (c *ClientState) startCloseWatcher() {
	txCh, err := c.wallet.SubscribeTransactions()
	if err != nil {
		log.Errorf("could not subscribe to wallet transactions: %v", err)
		return
	}
	go c.watchLoop(txCh)
}

func (c *ClientState) watchLoop(txCh <-chan *wire.MsgTx) {
	for tx := range txCh {
		c.handleIncomingTx(tx)
	}
}

func (c *ClientState) handleIncomingTx(tx *wire.MsgTx) {
	c.mu.Lock()

	if c.state != ClientReady && c.state != ClientProvideMultisigContractToServer {
		c.mu.Unlock()
		return
	}
	if !c.isSettlementLocked(tx) {
		c.mu.Unlock()
		return
	}

	c.state = ClientClosed
	c.closeTx = tx
	id := c.id
	hasID := c.hasID
	rec := c.snapshotLocked(false)
	c.mu.Unlock()

	log.Infof("observed settlement transaction %s", tx.TxHash())

	if hasID {
		_ = c.store.UpdateClientChannel(id, rec)
	}
	c.watchConfirmations(tx)
}

func (c *ClientState) watchConfirmations(tx *wire.MsgTx) {
	hash := tx.TxHash()

	c.mu.Lock()
	numConfs := c.params.EventHorizonConfs
	c.mu.Unlock()

	event, err := c.wallet.WaitForConfirmations(hash, numConfs)
	if err != nil {
		log.Errorf("could not watch settlement %s for confirmations: %v",
			hash, err)
		return
	}

	go func() {
		<-event.Confirmed

		c.mu.Lock()
		id := c.id
		hasID := c.hasID
		c.mu.Unlock()

		if hasID {
			_ = c.store.RemoveClientChannel(id)
		}
	}()
}
