package store

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/herdops/herd/pkg/types"
)

var (
	// Bucket names
	bucketUnits  = []byte("units")
	bucketApp    = []byte("app")
	bucketClient = []byte("client")
	bucketLock   = []byte("lock")

	// Singleton record keys within their buckets
	keyApp    = []byte("state")
	keyClient = []byte("relation")
	keyLock   = []byte("restart")
)

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "herd.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{bucketUnits, bucketApp, bucketClient, bucketLock}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Unit operations
func (s *BoltStore) PutUnit(unit *types.Unit) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUnits)
		data, err := json.Marshal(unit)
		if err != nil {
			return err
		}
		return b.Put([]byte(unit.ID), data)
	})
}

func (s *BoltStore) GetUnit(id string) (*types.Unit, error) {
	var unit types.Unit
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUnits)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("unit not found: %s", id)
		}
		return json.Unmarshal(data, &unit)
	})
	if err != nil {
		return nil, err
	}
	return &unit, nil
}

func (s *BoltStore) ListUnits() ([]*types.Unit, error) {
	var units []*types.Unit
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUnits)
		return b.ForEach(func(k, v []byte) error {
			var unit types.Unit
			if err := json.Unmarshal(v, &unit); err != nil {
				return err
			}
			units = append(units, &unit)
			return nil
		})
	})
	return units, err
}

func (s *BoltStore) DeleteUnit(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUnits)
		return b.Delete([]byte(id))
	})
}

// Application scope operations
func (s *BoltStore) PutApp(app *types.AppState) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketApp)
		data, err := json.Marshal(app)
		if err != nil {
			return err
		}
		return b.Put(keyApp, data)
	})
}

func (s *BoltStore) GetApp() (*types.AppState, error) {
	app := &types.AppState{}
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketApp)
		data := b.Get(keyApp)
		if data == nil {
			return nil // unset app state reads as zero value
		}
		return json.Unmarshal(data, app)
	})
	if err != nil {
		return nil, err
	}
	return app, nil
}

// Client relation operations
func (s *BoltStore) PutClient(client *types.ClientRelation) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketClient)
		data, err := json.Marshal(client)
		if err != nil {
			return err
		}
		return b.Put(keyClient, data)
	})
}

func (s *BoltStore) GetClient() (*types.ClientRelation, error) {
	var client *types.ClientRelation
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketClient)
		data := b.Get(keyClient)
		if data == nil {
			return nil // absent relation reads as nil
		}
		client = &types.ClientRelation{}
		return json.Unmarshal(data, client)
	})
	if err != nil {
		return nil, err
	}
	return client, nil
}

// Restart lock operations
func (s *BoltStore) PutLock(lock *types.RestartLock) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLock)
		data, err := json.Marshal(lock)
		if err != nil {
			return err
		}
		return b.Put(keyLock, data)
	})
}

func (s *BoltStore) GetLock() (*types.RestartLock, error) {
	lock := &types.RestartLock{}
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLock)
		data := b.Get(keyLock)
		if data == nil {
			return nil // free lock
		}
		return json.Unmarshal(data, lock)
	})
	if err != nil {
		return nil, err
	}
	return lock, nil
}
