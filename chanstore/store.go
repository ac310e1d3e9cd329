// Package chanstore provides a kvdb-backed implementation of
// paychan.ChannelStore, the persistence collaborator the client and
// server state machines depend on. It follows the same
// bucket-per-collection, tlv-encoded-value pattern as
// channeldb/waitingproof.go.
package chanstore

import (
	"errors"
	"sync"
	"time"

	"github.com/lightninglabs/paychan"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/kvdb"
	"github.com/lightningnetwork/lnd/ticker"
)

var (
	clientChannelsBucketKey = []byte("paychan-client-channels")
	serverChannelsBucketKey = []byte("paychan-server-channels")

	// ErrChannelNotFound is returned when a lookup or update targets an
	// id the store has no record for.
	ErrChannelNotFound = errors.New("chanstore: channel not found")

	// ErrChannelExists is returned by AddClientChannel/AddServerChannel
	// when id is already in use.
	ErrChannelExists = errors.New("chanstore: channel already exists")
)

// Store is the kvdb-backed ChannelStore. A single instance is meant to be
// shared by every ClientState/ServerState the process drives; each
// channel's own mutex (spec.md §5) is what actually serializes access to
// a given record, so Store itself does no per-id locking beyond what
// kvdb.Backend already provides for a transaction.
type Store struct {
	db    kvdb.Backend
	clock clock.Clock

	sweepTicker ticker.Ticker
	expiryCb    func(id paychan.ChannelID, rec *paychan.StoredClientChannel)
	expiryCbMu  sync.Mutex

	quit chan struct{}
	wg   sync.WaitGroup
}

// New returns a Store backed by db, sweeping for expired client channels
// every sweepInterval using clk as its notion of time — both injected so
// tests can run the sweep deterministically with clock.NewTestClock and
// a short interval instead of wall-clock time.
func New(db kvdb.Backend, clk clock.Clock, sweepInterval time.Duration) *Store {
	return &Store{
		db:          db,
		clock:       clk,
		sweepTicker: ticker.New(sweepInterval),
		quit:        make(chan struct{}),
	}
}

// Start begins the background expiry sweep. It is not idempotent:
// calling it twice starts two sweep goroutines.
func (s *Store) Start() {
	s.sweepTicker.Resume()
	s.wg.Add(1)
	go s.sweepLoop()
}

// Stop halts the background expiry sweep and waits for it to exit.
func (s *Store) Stop() {
	close(s.quit)
	s.sweepTicker.Stop()
	s.wg.Wait()
}

func (s *Store) sweepLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.sweepTicker.Ticks():
			s.sweepExpired()
		case <-s.quit:
			return
		}
	}
}

// sweepExpired invokes the registered expiry callback for every client
// channel whose refund is already past its own lock_time. A process that
// restarted after its counterparty went dark still notices an expired
// channel this way, even with no ClientState instance alive to watch it
// (spec.md §9's note on timed terminal transitions).
func (s *Store) sweepExpired() {
	s.expiryCbMu.Lock()
	cb := s.expiryCb
	s.expiryCbMu.Unlock()

	if cb == nil {
		return
	}

	now := s.clock.Now().Unix()

	err := kvdb.View(s.db, func(tx kvdb.RTx) error {
		bucket := tx.ReadBucket(clientChannelsBucketKey)
		if bucket == nil {
			return nil
		}

		return bucket.ForEach(func(k, v []byte) error {
			if v == nil {
				return nil
			}

			rec, err := decodeClientChannel(v)
			if err != nil {
				return err
			}
			if !rec.Active || rec.Refund == nil {
				return nil
			}
			if int64(rec.Refund.LockTime) > now {
				return nil
			}

			cb(rec.ID, rec)
			return nil
		})
	}, func() {})
	if err != nil {
		log.Errorf("expiry sweep failed: %v", err)
	}
}

// OnClientExpiry registers cb to be invoked by the background sweep for
// every active, expired client record.
func (s *Store) OnClientExpiry(cb func(id paychan.ChannelID, rec *paychan.StoredClientChannel)) {
	s.expiryCbMu.Lock()
	defer s.expiryCbMu.Unlock()
	s.expiryCb = cb
}

// AddClientChannel persists a new client-side record under id, failing
// if id is already in use.
func (s *Store) AddClientChannel(id paychan.ChannelID, rec *paychan.StoredClientChannel) error {
	encoded, err := encodeClientChannel(rec)
	if err != nil {
		return err
	}

	return kvdb.Update(s.db, func(tx kvdb.RwTx) error {
		bucket, err := tx.CreateTopLevelBucket(clientChannelsBucketKey)
		if err != nil {
			return err
		}
		if bucket.Get(id[:]) != nil {
			return ErrChannelExists
		}
		return bucket.Put(id[:], encoded)
	}, func() {})
}

// UpdateClientChannel overwrites the record stored under id.
func (s *Store) UpdateClientChannel(id paychan.ChannelID, rec *paychan.StoredClientChannel) error {
	encoded, err := encodeClientChannel(rec)
	if err != nil {
		return err
	}

	return kvdb.Update(s.db, func(tx kvdb.RwTx) error {
		bucket, err := tx.CreateTopLevelBucket(clientChannelsBucketKey)
		if err != nil {
			return err
		}
		return bucket.Put(id[:], encoded)
	}, func() {})
}

// RemoveClientChannel deletes the record stored under id, for example
// once a settlement has passed the event horizon.
func (s *Store) RemoveClientChannel(id paychan.ChannelID) error {
	return kvdb.Update(s.db, func(tx kvdb.RwTx) error {
		bucket := tx.ReadWriteBucket(clientChannelsBucketKey)
		if bucket == nil {
			return nil
		}
		return bucket.Delete(id[:])
	}, func() {})
}

// GetClientChannel returns the record stored under id.
func (s *Store) GetClientChannel(id paychan.ChannelID) (*paychan.StoredClientChannel, error) {
	var rec *paychan.StoredClientChannel

	err := kvdb.View(s.db, func(tx kvdb.RTx) error {
		bucket := tx.ReadBucket(clientChannelsBucketKey)
		if bucket == nil {
			return ErrChannelNotFound
		}
		v := bucket.Get(id[:])
		if v == nil {
			return ErrChannelNotFound
		}

		decoded, err := decodeClientChannel(v)
		if err != nil {
			return err
		}
		rec = decoded
		return nil
	}, func() {})
	if err != nil {
		return nil, err
	}

	return rec, nil
}

// AddServerChannel persists a new server-side record under id, failing
// if id is already in use.
func (s *Store) AddServerChannel(id paychan.ChannelID, rec *paychan.StoredServerChannel) error {
	encoded, err := encodeServerChannel(rec)
	if err != nil {
		return err
	}

	return kvdb.Update(s.db, func(tx kvdb.RwTx) error {
		bucket, err := tx.CreateTopLevelBucket(serverChannelsBucketKey)
		if err != nil {
			return err
		}
		if bucket.Get(id[:]) != nil {
			return ErrChannelExists
		}
		return bucket.Put(id[:], encoded)
	}, func() {})
}

// UpdateServerChannel overwrites the record stored under id.
func (s *Store) UpdateServerChannel(id paychan.ChannelID, rec *paychan.StoredServerChannel) error {
	encoded, err := encodeServerChannel(rec)
	if err != nil {
		return err
	}

	return kvdb.Update(s.db, func(tx kvdb.RwTx) error {
		bucket, err := tx.CreateTopLevelBucket(serverChannelsBucketKey)
		if err != nil {
			return err
		}
		return bucket.Put(id[:], encoded)
	}, func() {})
}

// RemoveServerChannel deletes the record stored under id, called once
// Close has broadcast the final settlement successfully.
func (s *Store) RemoveServerChannel(id paychan.ChannelID) error {
	return kvdb.Update(s.db, func(tx kvdb.RwTx) error {
		bucket := tx.ReadWriteBucket(serverChannelsBucketKey)
		if bucket == nil {
			return nil
		}
		return bucket.Delete(id[:])
	}, func() {})
}

// GetServerChannel returns the record stored under id.
func (s *Store) GetServerChannel(id paychan.ChannelID) (*paychan.StoredServerChannel, error) {
	var rec *paychan.StoredServerChannel

	err := kvdb.View(s.db, func(tx kvdb.RTx) error {
		bucket := tx.ReadBucket(serverChannelsBucketKey)
		if bucket == nil {
			return ErrChannelNotFound
		}
		v := bucket.Get(id[:])
		if v == nil {
			return ErrChannelNotFound
		}

		decoded, err := decodeServerChannel(v)
		if err != nil {
			return err
		}
		rec = decoded
		return nil
	}, func() {})
	if err != nil {
		return nil, err
	}

	return rec, nil
}

var _ paychan.ChannelStore = (*Store)(nil)
