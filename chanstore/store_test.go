package chanstore

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/paychan"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/kvdb"
	"github.com/stretchr/testify/require"
)

func newTestBackend(t *testing.T) kvdb.Backend {
	t.Helper()

	cfg := &kvdb.BoltBackendConfig{
		DBPath:            t.TempDir(),
		DBFileName:        "paychan.db",
		NoFreelistSync:    true,
		AutoCompact:       false,
		AutoCompactMinAge: kvdb.DefaultBoltAutoCompactMinAge,
		DBTimeout:         kvdb.DefaultDBTimeout,
	}
	backend, err := kvdb.GetBoltBackend(cfg)
	require.NoError(t, err)

	t.Cleanup(func() { _ = backend.Close() })

	return backend
}

func genKey(t *testing.T) (*btcec.PrivateKey, *btcec.PublicKey) {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	return priv, priv.PubKey()
}

func dummyTx() *wire.MsgTx {
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{}, nil, nil))
	tx.AddTxOut(wire.NewTxOut(100_000, []byte{0x51}))
	return tx
}

func TestClientChannelRoundTrip(t *testing.T) {
	store := New(newTestBackend(t), clock.NewDefaultClock(), time.Hour)

	clientKey, _ := genKey(t)
	id := paychan.ChannelID{1, 2, 3}

	rec := &paychan.StoredClientChannel{
		ID:            id,
		MajorVersion:  paychan.MajorVersion1,
		Contract:      dummyTx(),
		Refund:        dummyTx(),
		ClientKey:     clientKey,
		ValueToClient: 50_000,
		RefundFees:    1000,
		Active:        true,
	}

	require.NoError(t, store.AddClientChannel(id, rec))
	require.ErrorIs(t, store.AddClientChannel(id, rec), ErrChannelExists)

	got, err := store.GetClientChannel(id)
	require.NoError(t, err)
	require.Equal(t, rec.ID, got.ID)
	require.Equal(t, rec.ValueToClient, got.ValueToClient)
	require.Equal(t, rec.RefundFees, got.RefundFees)
	require.True(t, got.Active)
	require.Equal(t, rec.ClientKey.Serialize(), got.ClientKey.Serialize())
	require.Equal(t, rec.Contract.TxHash(), got.Contract.TxHash())
	require.Equal(t, rec.Refund.TxHash(), got.Refund.TxHash())

	rec.Active = false
	rec.CloseTx = dummyTx()
	require.NoError(t, store.UpdateClientChannel(id, rec))

	got, err = store.GetClientChannel(id)
	require.NoError(t, err)
	require.False(t, got.Active)
	require.NotNil(t, got.CloseTx)

	require.NoError(t, store.RemoveClientChannel(id))
	_, err = store.GetClientChannel(id)
	require.ErrorIs(t, err, ErrChannelNotFound)
}

func TestServerChannelRoundTrip(t *testing.T) {
	store := New(newTestBackend(t), clock.NewDefaultClock(), time.Hour)

	serverKey, _ := genKey(t)
	_, clientPub := genKey(t)
	id := paychan.ChannelID{4, 5, 6}

	rec := &paychan.StoredServerChannel{
		ID:                id,
		MajorVersion:      paychan.MajorVersion1,
		ServerKey:         serverKey,
		ClientKey:         clientPub,
		BestValueToServer: 10_000,
		Contract:          dummyTx(),
	}

	require.NoError(t, store.AddServerChannel(id, rec))
	require.ErrorIs(t, store.AddServerChannel(id, rec), ErrChannelExists)

	got, err := store.GetServerChannel(id)
	require.NoError(t, err)
	require.Equal(t, rec.ID, got.ID)
	require.Equal(t, rec.BestValueToServer, got.BestValueToServer)
	require.Equal(t, rec.ServerKey.Serialize(), got.ServerKey.Serialize())
	require.Equal(t,
		rec.ClientKey.SerializeCompressed(),
		got.ClientKey.SerializeCompressed(),
	)
	require.Nil(t, got.BestValueSignature)

	rec.BestValueToServer = 20_000
	rec.BestValueSignature = []byte{1, 2, 3}
	require.NoError(t, store.UpdateServerChannel(id, rec))

	got, err = store.GetServerChannel(id)
	require.NoError(t, err)
	require.Equal(t, int64(20_000), got.BestValueToServer)
	require.Equal(t, []byte{1, 2, 3}, got.BestValueSignature)

	require.NoError(t, store.RemoveServerChannel(id))
	_, err = store.GetServerChannel(id)
	require.ErrorIs(t, err, ErrChannelNotFound)
}

func TestExpirySweepFiresForExpiredActiveChannel(t *testing.T) {
	clk := clock.NewTestClock(time.Unix(2_000_000_000, 0))
	store := New(newTestBackend(t), clk, 20*time.Millisecond)

	clientKey, _ := genKey(t)
	id := paychan.ChannelID{7, 8, 9}

	refund := dummyTx()
	refund.LockTime = uint32(clk.Now().Unix()) - 10

	rec := &paychan.StoredClientChannel{
		ID:        id,
		Contract:  dummyTx(),
		Refund:    refund,
		ClientKey: clientKey,
		Active:    true,
	}
	require.NoError(t, store.AddClientChannel(id, rec))

	fired := make(chan paychan.ChannelID, 1)
	store.OnClientExpiry(func(gotID paychan.ChannelID, _ *paychan.StoredClientChannel) {
		fired <- gotID
	})

	store.Start()
	defer store.Stop()

	select {
	case gotID := <-fired:
		require.Equal(t, id, gotID)
	case <-time.After(2 * time.Second):
		t.Fatal("expiry callback never fired")
	}
}

func TestExpirySweepIgnoresInactiveChannel(t *testing.T) {
	clk := clock.NewTestClock(time.Unix(2_000_000_000, 0))
	store := New(newTestBackend(t), clk, 20*time.Millisecond)

	clientKey, _ := genKey(t)
	id := paychan.ChannelID{10, 11, 12}

	refund := dummyTx()
	refund.LockTime = uint32(clk.Now().Unix()) - 10

	rec := &paychan.StoredClientChannel{
		ID:        id,
		Contract:  dummyTx(),
		Refund:    refund,
		ClientKey: clientKey,
		Active:    false,
	}
	require.NoError(t, store.AddClientChannel(id, rec))

	fired := make(chan struct{}, 1)
	store.OnClientExpiry(func(paychan.ChannelID, *paychan.StoredClientChannel) {
		fired <- struct{}{}
	})

	store.Start()
	defer store.Stop()

	select {
	case <-fired:
		t.Fatal("expiry callback fired for an inactive channel")
	case <-time.After(100 * time.Millisecond):
	}
}
