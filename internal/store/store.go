// Package store provides the secret-backed key-value store the pools persist
// their state through. Each pool serializes its full working set as a single
// JSON blob under a fixed key. Corrupt or missing data degrades to the zero
// value of the target type; it is never surfaced past the pool boundary.
package store

import (
	"encoding/json"
	"errors"
	"log"

	"github.com/gluk-w/keybroker/internal/database"
	"gorm.io/gorm"
)

// Store is the minimal key-value contract the pools depend on.
type Store interface {
	// Get returns the value for key, or ok=false when absent.
	Get(key string) (value string, ok bool, err error)
	Put(key, value string) error
	Delete(key string) error
}

// DBStore persists blobs in the sqlite database.
type DBStore struct{}

func NewDBStore() *DBStore {
	return &DBStore{}
}

func (s *DBStore) Get(key string) (string, bool, error) {
	var blob database.Blob
	err := database.DB.Where("key = ?", key).First(&blob).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return blob.Value, true, nil
}

func (s *DBStore) Put(key, value string) error {
	var existing database.Blob
	result := database.DB.Where("key = ?", key).First(&existing)
	if result.Error == nil {
		return database.DB.Model(&existing).Update("value", value).Error
	}
	return database.DB.Create(&database.Blob{Key: key, Value: value}).Error
}

func (s *DBStore) Delete(key string) error {
	return database.DB.Where("key = ?", key).Delete(&database.Blob{}).Error
}

// LoadJSON deserializes the blob stored under key into v. Missing or corrupt
// data leaves v untouched and returns false; the caller proceeds with its
// defaults. Store errors are logged, not raised.
func LoadJSON(s Store, key string, v interface{}) bool {
	raw, ok, err := s.Get(key)
	if err != nil {
		log.Printf("[store] read %s: %v", key, err)
		return false
	}
	if !ok {
		return false
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		log.Printf("[store] corrupt blob %s, falling back to defaults: %v", key, err)
		return false
	}
	return true
}

// SaveJSON serializes v and stores it under key. Failures are logged; the
// in-memory state stays authoritative.
func SaveJSON(s Store, key string, v interface{}) {
	raw, err := json.Marshal(v)
	if err != nil {
		log.Printf("[store] marshal %s: %v", key, err)
		return
	}
	if err := s.Put(key, string(raw)); err != nil {
		log.Printf("[store] write %s: %v", key, err)
	}
}
