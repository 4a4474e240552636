// Package cache provides a persistent, versioned, TTL-bounded key-value cache
// that shields the remote store from repeated directory reads.
package cache

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.etcd.io/bbolt"
)

// EntityType scopes cached entries by the kind of record they hold.
type EntityType string

const (
	// EntityResidents caches per-community resident listings.
	EntityResidents EntityType = "residents"
	// EntityUnits caches per-community unit listings.
	EntityUnits EntityType = "units"
	// EntityCommunities caches the community roster.
	EntityCommunities EntityType = "communities"
	// EntityCounts caches aggregate dashboard counts.
	EntityCounts EntityType = "counts"
)

// SchemaVersion invalidates every stored entry when bumped after a breaking
// change to a cached payload shape.
const SchemaVersion = "3"

const (
	entriesBucket = "entries"
	keyPrefix     = "upc_"
)

const (
	ttlDefault     = 24 * time.Hour
	ttlCommunities = 7 * 24 * time.Hour
)

type entry struct {
	Version   string          `json:"version"`
	Timestamp int64           `json:"timestamp"`
	ScopeKey  string          `json:"scope_key"`
	Payload   json.RawMessage `json:"payload"`
}

// Snapshot is one valid cached payload with its write time.
type Snapshot struct {
	Data      json.RawMessage
	Timestamp time.Time
}

// Metadata is read-only entry introspection for "last updated" displays.
type Metadata struct {
	Timestamp time.Time
	Age       time.Duration
	Expired   bool
	ItemCount int
}

// Cache is a file-backed entry store. All methods are safe for concurrent use.
type Cache struct {
	db    *bbolt.DB
	clock func() time.Time
	ttls  map[EntityType]time.Duration
}

// Open opens the cache file at the provided path, creating it if absent.
func Open(path string) (*Cache, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("cache path is required")
	}

	cleanPath := filepath.Clean(path)
	db, err := bbolt.Open(cleanPath, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(entriesBucket))
		if err != nil {
			return fmt.Errorf("create entries bucket: %w", err)
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Cache{
		db:    db,
		clock: time.Now,
		ttls: map[EntityType]time.Duration{
			EntityResidents:   ttlDefault,
			EntityUnits:       ttlDefault,
			EntityCommunities: ttlCommunities,
			EntityCounts:      ttlDefault,
		},
	}, nil
}

// Close closes the underlying cache file.
func (c *Cache) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

// TTL reports the expiry window applied to one entity type.
func (c *Cache) TTL(entity EntityType) time.Duration {
	if c == nil {
		return ttlDefault
	}
	if ttl, ok := c.ttls[entity]; ok {
		return ttl
	}
	return ttlDefault
}

// Get returns the cached payload for an entity scope. A missing, corrupt,
// version-mismatched, or expired entry degrades to a miss and is purged; no
// error is ever surfaced.
func (c *Cache) Get(entity EntityType, scopeID string) (Snapshot, bool) {
	return c.get(entity, scopeID, false)
}

// GetAnyAge returns the cached payload for an entity scope regardless of entry
// age. Version mismatches and corrupt entries still purge and miss. Used for
// entity types whose cache is intentionally non-expiring.
func (c *Cache) GetAnyAge(entity EntityType, scopeID string) (Snapshot, bool) {
	return c.get(entity, scopeID, true)
}

func (c *Cache) get(entity EntityType, scopeID string, ignoreTTL bool) (Snapshot, bool) {
	if c == nil || c.db == nil {
		return Snapshot{}, false
	}

	key := c.key(entity, scopeID)
	var snapshot Snapshot
	found := false
	_ = c.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(entriesBucket))
		if bucket == nil {
			return nil
		}
		raw := bucket.Get(key)
		if raw == nil {
			return nil
		}

		var stored entry
		if err := json.Unmarshal(raw, &stored); err != nil {
			return bucket.Delete(key)
		}
		if stored.Version != SchemaVersion {
			return bucket.Delete(key)
		}
		writtenAt := time.UnixMilli(stored.Timestamp).UTC()
		if !ignoreTTL && c.now().Sub(writtenAt) > c.TTL(entity) {
			return bucket.Delete(key)
		}

		payload := make(json.RawMessage, len(stored.Payload))
		copy(payload, stored.Payload)
		snapshot = Snapshot{Data: payload, Timestamp: writtenAt}
		found = true
		return nil
	})
	return snapshot, found
}

// GetInto decodes the cached payload for an entity scope into out.
func (c *Cache) GetInto(entity EntityType, scopeID string, out any) (time.Time, bool) {
	snapshot, ok := c.Get(entity, scopeID)
	if !ok {
		return time.Time{}, false
	}
	if err := json.Unmarshal(snapshot.Data, out); err != nil {
		_ = c.Clear(entity, scopeID)
		return time.Time{}, false
	}
	return snapshot.Timestamp, true
}

// Set serializes the payload under the entity scope, overwriting any previous
// entry. When the underlying store refuses the write, the whole cache is
// cleared and false is returned; the write is not retried.
func (c *Cache) Set(entity EntityType, scopeID string, payload any) bool {
	if c == nil || c.db == nil {
		return false
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return false
	}
	stored, err := json.Marshal(entry{
		Version:   SchemaVersion,
		Timestamp: c.now().UnixMilli(),
		ScopeKey:  c.scopeKey(entity, scopeID),
		Payload:   data,
	})
	if err != nil {
		return false
	}

	err = c.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(entriesBucket))
		if bucket == nil {
			return fmt.Errorf("entries bucket is missing")
		}
		return bucket.Put(c.key(entity, scopeID), stored)
	})
	if err != nil {
		_ = c.ClearAll()
		return false
	}
	return true
}

// Clear removes one entity-scope entry.
func (c *Cache) Clear(entity EntityType, scopeID string) error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(entriesBucket))
		if bucket == nil {
			return nil
		}
		return bucket.Delete(c.key(entity, scopeID))
	})
}

// ClearAll removes every prefixed cache entry.
func (c *Cache) ClearAll() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(entriesBucket))
		if bucket == nil {
			return nil
		}
		cursor := bucket.Cursor()
		prefix := []byte(keyPrefix)
		for k, _ := cursor.Seek(prefix); k != nil && strings.HasPrefix(string(k), keyPrefix); k, _ = cursor.Next() {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// Metadata reports entry age and size without mutating cache state. Expired
// entries are reported, not purged.
func (c *Cache) Metadata(entity EntityType, scopeID string) (Metadata, bool) {
	if c == nil || c.db == nil {
		return Metadata{}, false
	}

	var meta Metadata
	found := false
	_ = c.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(entriesBucket))
		if bucket == nil {
			return nil
		}
		raw := bucket.Get(c.key(entity, scopeID))
		if raw == nil {
			return nil
		}
		var stored entry
		if err := json.Unmarshal(raw, &stored); err != nil {
			return nil
		}

		writtenAt := time.UnixMilli(stored.Timestamp).UTC()
		age := c.now().Sub(writtenAt)
		meta = Metadata{
			Timestamp: writtenAt,
			Age:       age,
			Expired:   stored.Version != SchemaVersion || age > c.TTL(entity),
			ItemCount: payloadItemCount(stored.Payload),
		}
		found = true
		return nil
	})
	return meta, found
}

func payloadItemCount(payload json.RawMessage) int {
	var items []json.RawMessage
	if err := json.Unmarshal(payload, &items); err != nil {
		if len(payload) == 0 {
			return 0
		}
		return 1
	}
	return len(items)
}

func (c *Cache) key(entity EntityType, scopeID string) []byte {
	return []byte(keyPrefix + c.scopeKey(entity, scopeID))
}

func (c *Cache) scopeKey(entity EntityType, scopeID string) string {
	scopeID = strings.TrimSpace(scopeID)
	if scopeID == "" {
		return string(entity)
	}
	return string(entity) + "_" + scopeID
}

func (c *Cache) now() time.Time {
	if c.clock == nil {
		return time.Now().UTC()
	}
	return c.clock().UTC()
}
