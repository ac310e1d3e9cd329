package paychan

import (
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/paychan/chanerr"
	"github.com/lightninglabs/paychan/chanscript"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"
)

var testNetParams = &chaincfg.RegressionNetParams

type fakeWallet struct {
	fundFee   btcutil.Amount
	fundErr   error
	committed []*wire.MsgTx
	txCh      chan *wire.MsgTx
}

func newFakeWallet() *fakeWallet {
	return &fakeWallet{
		fundFee: 500,
		txCh:    make(chan *wire.MsgTx, 4),
	}
}

func (w *fakeWallet) FundTransaction(template *wire.MsgTx,
	policy FundingPolicy) (*wire.MsgTx, btcutil.Amount, error) {

	if w.fundErr != nil {
		return nil, 0, w.fundErr
	}
	return template, w.fundFee, nil
}

func (w *fakeWallet) CommitTransaction(tx *wire.MsgTx) error {
	w.committed = append(w.committed, tx)
	return nil
}

func (w *fakeWallet) SubscribeTransactions() (<-chan *wire.MsgTx, error) {
	return w.txCh, nil
}

func (w *fakeWallet) WaitForConfirmations(hash chainhash.Hash,
	numConfs uint32) (*ConfirmationEvent, error) {

	return &ConfirmationEvent{
		Confirmed: make(chan struct{}),
		Cancel:    func() {},
	}, nil
}

type fakeStore struct {
	mu      sync.Mutex
	clients map[ChannelID]*StoredClientChannel
	servers map[ChannelID]*StoredServerChannel
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		clients: make(map[ChannelID]*StoredClientChannel),
		servers: make(map[ChannelID]*StoredServerChannel),
	}
}

func (s *fakeStore) AddClientChannel(id ChannelID, rec *StoredClientChannel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[id] = rec
	return nil
}

func (s *fakeStore) UpdateClientChannel(id ChannelID, rec *StoredClientChannel) error {
	return s.AddClientChannel(id, rec)
}

func (s *fakeStore) RemoveClientChannel(id ChannelID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, id)
	return nil
}

func (s *fakeStore) GetClientChannel(id ChannelID) (*StoredClientChannel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.clients[id]
	if !ok {
		return nil, chanerr.New(chanerr.IllegalState, "not found")
	}
	return rec, nil
}

func (s *fakeStore) AddServerChannel(id ChannelID, rec *StoredServerChannel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.servers[id] = rec
	return nil
}

func (s *fakeStore) UpdateServerChannel(id ChannelID, rec *StoredServerChannel) error {
	return s.AddServerChannel(id, rec)
}

func (s *fakeStore) RemoveServerChannel(id ChannelID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.servers, id)
	return nil
}

func (s *fakeStore) GetServerChannel(id ChannelID) (*StoredServerChannel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.servers[id]
	if !ok {
		return nil, chanerr.New(chanerr.IllegalState, "not found")
	}
	return rec, nil
}

func (s *fakeStore) OnClientExpiry(func(ChannelID, *StoredClientChannel)) {}

func genTestKey(t *testing.T) (*btcec.PrivateKey, *btcec.PublicKey) {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	return priv, priv.PubKey()
}

func setupClient(t *testing.T, totalValue btcutil.Amount,
	expiryTime int64) (*ClientState, *fakeWallet, *btcec.PrivateKey, *btcec.PrivateKey) {

	t.Helper()

	clientKey, clientPub := genTestKey(t)
	serverKey, serverPub := genTestKey(t)

	wallet := newFakeWallet()
	store := newFakeStore()

	client, err := NewClientState(
		wallet, store, clock.NewDefaultClock(), DefaultParams(),
		testNetParams, clientKey, serverPub, totalValue, expiryTime,
	)
	require.NoError(t, err)
	require.NoError(t, client.Initiate(nil))

	_ = clientPub
	return client, wallet, clientKey, serverKey
}

func signRefundAsServer(t *testing.T, client *ClientState,
	clientPub *btcec.PublicKey, serverKey *btcec.PrivateKey) []byte {

	t.Helper()

	refund, err := client.GetIncompleteRefundTransaction()
	require.NoError(t, err)

	contractScript, err := chanscript.MultiSigScript(clientPub, serverKey.PubKey())
	require.NoError(t, err)

	sig, err := chanscript.RawSignature(
		refund, 0, contractScript, chanscript.RefundServerSigHash, serverKey,
	)
	require.NoError(t, err)
	return sig
}

func TestClientHappyPath(t *testing.T) {
	const totalValue = 100_000
	expiry := time.Now().Add(time.Hour).Unix()

	client, wallet, clientKey, serverKey := setupClient(t, totalValue, expiry)

	serverSig := signRefundAsServer(t, client, clientKey.PubKey(), serverKey)
	require.NoError(t, client.ProvideRefundSignature(serverSig, nil))
	require.Equal(t, ClientSaveStateInWallet, client.GetState())

	id := ChannelID{1, 1, 1}
	require.NoError(t, client.StoreChannelInWallet(id))
	require.NoError(t, client.StoreChannelInWallet(id)) // idempotent
	require.Len(t, wallet.committed, 1)

	contract, err := client.GetContract()
	require.NoError(t, err)
	require.Equal(t, ClientReady, client.GetState())

	payment, err := client.IncrementPaymentBy(40_000, nil)
	require.NoError(t, err)
	require.Equal(t, int64(40_000), payment.Amount)

	spent, err := client.GetValueSpent()
	require.NoError(t, err)
	require.Equal(t, int64(40_000), spent)

	refunded, err := client.GetValueRefunded()
	require.NoError(t, err)
	require.Equal(t, int64(60_000), refunded)

	_ = contract
}

func TestClientRejectsBadServerRefundSignature(t *testing.T) {
	const totalValue = 100_000
	expiry := time.Now().Add(time.Hour).Unix()

	client, _, clientKey, serverKey := setupClient(t, totalValue, expiry)

	refund, err := client.GetIncompleteRefundTransaction()
	require.NoError(t, err)

	contractScript, err := chanscript.MultiSigScript(
		clientKey.PubKey(), serverKey.PubKey(),
	)
	require.NoError(t, err)

	// Sign with SIGHASH_ALL instead of the required
	// SIGHASH_NONE|ANYONECANPAY.
	badSig, err := chanscript.RawSignature(
		refund, 0, contractScript, 0x01, serverKey,
	)
	require.NoError(t, err)

	err = client.ProvideRefundSignature(badSig, nil)
	require.Error(t, err)
	require.True(t, chanerr.Is(err, chanerr.Verification))
	require.Equal(t, ClientWaitingForSignedRefund, client.GetState())
}

func TestClientExpiry(t *testing.T) {
	clk := clock.NewTestClock(time.Unix(1_700_000_000, 0))

	clientKey, _ := genTestKey(t)
	serverKey, serverPub := genTestKey(t)

	wallet := newFakeWallet()
	store := newFakeStore()

	expiry := clk.Now().Unix() + 3600
	client, err := NewClientState(
		wallet, store, clk, DefaultParams(), testNetParams,
		clientKey, serverPub, 100_000, expiry,
	)
	require.NoError(t, err)
	require.NoError(t, client.Initiate(nil))

	serverSig := signRefundAsServer(t, client, clientKey.PubKey(), serverKey)
	require.NoError(t, client.ProvideRefundSignature(serverSig, nil))
	require.NoError(t, client.StoreChannelInWallet(ChannelID{2, 2, 2}))
	_, err = client.GetContract()
	require.NoError(t, err)

	clk.SetTime(time.Unix(expiry+1, 0))

	_, err = client.IncrementPaymentBy(1000, nil)
	require.Error(t, err)
	require.True(t, chanerr.Is(err, chanerr.IllegalState))
	require.Equal(t, ClientExpired, client.GetState())
}

func TestClientDustRollup(t *testing.T) {
	const totalValue = 100_000
	expiry := time.Now().Add(time.Hour).Unix()

	client, _, clientKey, serverKey := setupClient(t, totalValue, expiry)

	serverSig := signRefundAsServer(t, client, clientKey.PubKey(), serverKey)
	require.NoError(t, client.ProvideRefundSignature(serverSig, nil))
	require.NoError(t, client.StoreChannelInWallet(ChannelID{3, 3, 3}))
	_, err := client.GetContract()
	require.NoError(t, err)

	// Leaves 500 satoshis to the client, below the dust threshold at the
	// default relay fee, so the whole remaining balance should be swept
	// into this payment instead.
	payment, err := client.IncrementPaymentBy(totalValue-500, nil)
	require.NoError(t, err)
	require.Equal(t, int64(totalValue), payment.Amount)

	refunded, err := client.GetValueRefunded()
	require.NoError(t, err)
	require.Equal(t, int64(0), refunded)
}

func TestClientDetectsSettlement(t *testing.T) {
	const totalValue = 100_000
	expiry := time.Now().Add(time.Hour).Unix()

	client, wallet, clientKey, serverKey := setupClient(t, totalValue, expiry)

	serverSig := signRefundAsServer(t, client, clientKey.PubKey(), serverKey)
	require.NoError(t, client.ProvideRefundSignature(serverSig, nil))
	require.NoError(t, client.StoreChannelInWallet(ChannelID{4, 4, 4}))
	_, err := client.GetContract()
	require.NoError(t, err)

	// The client's own completed refund is a transaction that actually
	// spends the multisig output, making it a convenient stand-in
	// settlement transaction for exercising the watcher.
	spend, err := client.GetCompletedRefundTransaction()
	require.NoError(t, err)
	require.True(t, client.IsSettlementTransaction(spend))

	wallet.txCh <- spend

	require.Eventually(t, func() bool {
		return client.IsClosed()
	}, time.Second, 5*time.Millisecond)
}
