package store

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"

	"omemo/internal/domain"
)

var (
	bucketOwn     = []byte("own")
	bucketSPK     = []byte("signed_prekeys")
	bucketOPK     = []byte("prekeys")
	bucketDevices = []byte("devices")

	keyOwnDevice = []byte("device")
)

// BoltStore is the durable domain.Storage backed by one bbolt file. The
// own device record is sealed under the passphrase; everything else is
// plain CBOR.
type BoltStore struct {
	db         *bolt.DB
	passphrase string
}

var _ domain.Storage = (*BoltStore)(nil)

// Open opens (or creates) the store file.
func Open(path, passphrase string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketOwn, bucketSPK, bucketOPK, bucketDevices} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltStore{db: db, passphrase: passphrase}, nil
}

// Close releases the underlying database file.
func (s *BoltStore) Close() error { return s.db.Close() }

func (s *BoltStore) OwnDevice(_ context.Context) (*domain.OwnDevice, error) {
	var dev *domain.OwnDevice
	err := s.db.View(func(tx *bolt.Tx) error {
		sealed := tx.Bucket(bucketOwn).Get(keyOwnDevice)
		if sealed == nil {
			return nil
		}
		raw, err := open(s.passphrase, sealed)
		if err != nil {
			return err
		}
		dev = new(domain.OwnDevice)
		return cbor.Unmarshal(raw, dev)
	})
	if err != nil {
		return nil, err
	}
	return dev, nil
}

func (s *BoltStore) SetOwnDevice(_ context.Context, device *domain.OwnDevice) error {
	raw, err := cbor.Marshal(device)
	if err != nil {
		return err
	}
	sealed, err := seal(s.passphrase, raw)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketOwn).Put(keyOwnDevice, sealed)
	})
}

func (s *BoltStore) AddSignedPreKeyPair(_ context.Context, pair domain.SignedPreKeyPair) error {
	raw, err := cbor.Marshal(pair)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSPK).Put(u32Key(pair.ID), raw)
	})
}

func (s *BoltStore) RemoveSignedPreKeyPair(_ context.Context, id uint32) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSPK).Delete(u32Key(id))
	})
}

func (s *BoltStore) SignedPreKeyPairs(_ context.Context) ([]domain.SignedPreKeyPair, error) {
	var pairs []domain.SignedPreKeyPair
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSPK).ForEach(func(_, v []byte) error {
			var p domain.SignedPreKeyPair
			if err := cbor.Unmarshal(v, &p); err != nil {
				return err
			}
			pairs = append(pairs, p)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return pairs, nil
}

func (s *BoltStore) AddPreKeyPairs(_ context.Context, pairs []domain.PreKeyPair) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOPK)
		for _, p := range pairs {
			raw, err := cbor.Marshal(p)
			if err != nil {
				return err
			}
			if err := b.Put(u32Key(p.ID), raw); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) RemovePreKeyPair(_ context.Context, id uint32) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketOPK).Delete(u32Key(id))
	})
}

func (s *BoltStore) PreKeyPairs(_ context.Context) ([]domain.PreKeyPair, error) {
	var pairs []domain.PreKeyPair
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketOPK).ForEach(func(_, v []byte) error {
			var p domain.PreKeyPair
			if err := cbor.Unmarshal(v, &p); err != nil {
				return err
			}
			pairs = append(pairs, p)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return pairs, nil
}

func (s *BoltStore) AddDevice(_ context.Context, jid string, deviceID uint32, device domain.RemoteDevice) error {
	raw, err := cbor.Marshal(device)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(bucketDevices).CreateBucketIfNotExists([]byte(jid))
		if err != nil {
			return err
		}
		return b.Put(u32Key(deviceID), raw)
	})
}

func (s *BoltStore) RemoveDevice(_ context.Context, jid string, deviceID uint32) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices).Bucket([]byte(jid))
		if b == nil {
			return nil
		}
		return b.Delete(u32Key(deviceID))
	})
}

func (s *BoltStore) RemoveDevices(_ context.Context, jid string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(bucketDevices)
		if root.Bucket([]byte(jid)) == nil {
			return nil
		}
		return root.DeleteBucket([]byte(jid))
	})
}

func (s *BoltStore) Devices(_ context.Context) (map[string]map[uint32]domain.RemoteDevice, error) {
	out := make(map[string]map[uint32]domain.RemoteDevice)
	err := s.db.View(func(tx *bolt.Tx) error {
		root := tx.Bucket(bucketDevices)
		return root.ForEachBucket(func(jid []byte) error {
			byID := make(map[uint32]domain.RemoteDevice)
			err := root.Bucket(jid).ForEach(func(k, v []byte) error {
				var d domain.RemoteDevice
				if err := cbor.Unmarshal(v, &d); err != nil {
					return err
				}
				byID[binary.BigEndian.Uint32(k)] = d
				return nil
			})
			if err != nil {
				return err
			}
			out[string(jid)] = byID
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BoltStore) ResetAll(_ context.Context) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketOwn, bucketSPK, bucketOPK, bucketDevices} {
			if err := tx.DeleteBucket(b); err != nil {
				return err
			}
			if _, err := tx.CreateBucket(b); err != nil {
				return err
			}
		}
		return nil
	})
}

func u32Key(id uint32) []byte {
	var k [4]byte
	binary.BigEndian.PutUint32(k[:], id)
	return k[:]
}
