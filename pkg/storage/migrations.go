package storage

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/hangarhq/hangar/pkg/types"
	bolt "go.etcd.io/bbolt"
)

// schemaVersion is the version this binary writes. Opening a database
// with a newer version refuses to start rather than risk corruption.
const schemaVersion = 2

var keySchemaVersion = []byte("schema_version")

// migrations maps from-version to the migration that raises it by one.
var migrations = map[int]func(tx *bolt.Tx) error{
	1: migrateV1LeaseTimestamps,
}

func migrate(tx *bolt.Tx) error {
	meta := tx.Bucket(bucketMeta)

	raw := meta.Get(keySchemaVersion)
	if raw == nil {
		// Fresh database: stamp the current version, nothing to run.
		return meta.Put(keySchemaVersion, []byte(strconv.Itoa(schemaVersion)))
	}

	version, err := strconv.Atoi(string(raw))
	if err != nil {
		return fmt.Errorf("corrupt schema version %q", raw)
	}
	if version > schemaVersion {
		return fmt.Errorf("database schema v%d is newer than supported v%d", version, schemaVersion)
	}

	for version < schemaVersion {
		step, ok := migrations[version]
		if !ok {
			return fmt.Errorf("no migration from schema v%d", version)
		}
		if err := step(tx); err != nil {
			return fmt.Errorf("migration from v%d failed: %w", version, err)
		}
		version++
		if err := meta.Put(keySchemaVersion, []byte(strconv.Itoa(version))); err != nil {
			return err
		}
	}
	return nil
}

// migrateV1LeaseTimestamps backfills updated_at on v1 leases, which only
// recorded created_at.
func migrateV1LeaseTimestamps(tx *bolt.Tx) error {
	b := tx.Bucket(bucketLeases)
	if b == nil {
		return nil
	}
	// Collect first: bbolt forbids writes while iterating a bucket.
	updates := make(map[string][]byte)
	err := b.ForEach(func(k, v []byte) error {
		var l types.Lease
		if err := json.Unmarshal(v, &l); err != nil {
			return err
		}
		if !l.UpdatedAt.IsZero() {
			return nil
		}
		l.UpdatedAt = l.CreatedAt
		data, err := json.Marshal(&l)
		if err != nil {
			return err
		}
		updates[string(k)] = data
		return nil
	})
	if err != nil {
		return err
	}
	for k, v := range updates {
		if err := b.Put([]byte(k), v); err != nil {
			return err
		}
	}
	return nil
}
