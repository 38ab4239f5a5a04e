package deviceserver

import (
	"encoding/json"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

const settingsBucket = "settings"

// Store persists device settings in a bbolt database, keyed by the device
// unique ID.
type Store struct {
	db *bolt.DB
}

// OpenStore opens (or creates) the database file at path.
func OpenStore(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening store %s: %w", path, err)
	}
	st, err := NewStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return st, nil
}

func NewStore(db *bolt.DB) (*Store, error) {
	st := Store{db: db}

	if err := st.setDefaults(); err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *Store) setDefaults() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(settingsBucket)) == nil {
			log.Infof("Creating %s bucket", settingsBucket)
		}
		_, err := tx.CreateBucketIfNotExists([]byte(settingsBucket))
		return err
	})
}

// SaveSettings stores the settings of a device as a json document.
func (s *Store) SaveSettings(uid string, settings map[string]any) error {
	if uid == "" {
		return fmt.Errorf("uid cannot be empty")
	}

	value, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("encoding settings of %s: %w", uid, err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(settingsBucket)).Put([]byte(uid), value)
	})
}

// LoadSettings retrieves the settings saved for a device. ok is false when
// nothing was saved.
func (s *Store) LoadSettings(uid string) (settings map[string]any, ok bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		value := tx.Bucket([]byte(settingsBucket)).Get([]byte(uid))
		if value == nil {
			return nil
		}
		ok = true
		return json.Unmarshal(value, &settings)
	})
	return settings, ok, err
}

// DeleteSettings forgets the settings of a device.
func (s *Store) DeleteSettings(uid string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(settingsBucket)).Delete([]byte(uid))
	})
}

func (s *Store) Close() error { return s.db.Close() }
