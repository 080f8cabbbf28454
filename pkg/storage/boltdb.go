package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/hangarhq/hangar/pkg/lease"
	"github.com/hangarhq/hangar/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketHosts  = []byte("hosts")
	bucketLeases = []byte("leases")
	bucketEvents = []byte("events")
	bucketMeta   = []byte("meta")
)

// eventRetention bounds the event log; oldest entries are pruned as new
// ones are appended.
const eventRetention = 2000

// BoltStore implements Store using BoltDB. bbolt serializes writers, so
// every mutation here is a single-writer ACID transaction.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the database under dataDir and runs
// schema migrations. A schema newer than this binary is fatal.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "hangar.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{bucketHosts, bucketLeases, bucketEvents, bucketMeta}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return migrate(tx)
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

// Host operations

func (s *BoltStore) CreateHost(host *types.Host) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHosts)
		data, err := json.Marshal(host)
		if err != nil {
			return err
		}
		return b.Put([]byte(host.ID), data)
	})
}

func (s *BoltStore) GetHost(id string) (*types.Host, error) {
	var host types.Host
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHosts)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("host %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &host)
	})
	if err != nil {
		return nil, err
	}
	return &host, nil
}

func (s *BoltStore) ListHosts() ([]*types.Host, error) {
	var hosts []*types.Host
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHosts)
		return b.ForEach(func(k, v []byte) error {
			var host types.Host
			if err := json.Unmarshal(v, &host); err != nil {
				return err
			}
			hosts = append(hosts, &host)
			return nil
		})
	})
	return hosts, err
}

func (s *BoltStore) UpdateHost(host *types.Host) error {
	return s.CreateHost(host) // upsert
}

func (s *BoltStore) DeleteHost(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHosts)
		return b.Delete([]byte(id))
	})
}

// Lease operations

// CreateLease persists a new lease and its creation event atomically.
// Uniqueness of vm_id and controller_node_name across non-terminal
// leases, and the global cap, are checked inside the same transaction.
func (s *BoltStore) CreateLease(l *types.Lease, ev *types.Event, globalMax int) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLeases)
		if b.Get([]byte(l.ID)) != nil {
			return fmt.Errorf("lease %s exists: %w", l.ID, ErrConflict)
		}

		active := 0
		err := b.ForEach(func(k, v []byte) error {
			var cur types.Lease
			if err := json.Unmarshal(v, &cur); err != nil {
				return err
			}
			if lease.Terminal(cur.State) {
				return nil
			}
			active++
			if cur.VMID == l.VMID {
				return fmt.Errorf("vm_id %s already leased: %w", l.VMID, ErrConflict)
			}
			if cur.ControllerNodeName == l.ControllerNodeName {
				return fmt.Errorf("node %s already leased: %w", l.ControllerNodeName, ErrConflict)
			}
			return nil
		})
		if err != nil {
			return err
		}
		if globalMax > 0 && active >= globalMax {
			return ErrGlobalCap
		}

		data, err := json.Marshal(l)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(l.ID), data); err != nil {
			return err
		}
		if ev != nil {
			return appendEventTx(tx, ev)
		}
		return nil
	})
}

func (s *BoltStore) GetLease(id string) (*types.Lease, error) {
	var l types.Lease
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLeases)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("lease %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &l)
	})
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func (s *BoltStore) GetLeaseByVMID(vmID string) (*types.Lease, error) {
	return s.findLease(func(l *types.Lease) bool { return l.VMID == vmID })
}

func (s *BoltStore) GetLeaseByNodeName(nodeName string) (*types.Lease, error) {
	return s.findLease(func(l *types.Lease) bool { return l.ControllerNodeName == nodeName })
}

func (s *BoltStore) findLease(match func(*types.Lease) bool) (*types.Lease, error) {
	var found *types.Lease
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLeases)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var l types.Lease
			if err := json.Unmarshal(v, &l); err != nil {
				return err
			}
			// Prefer a non-terminal match; fall back to any match.
			if match(&l) {
				cur := l
				if found == nil || (lease.Terminal(found.State) && !lease.Terminal(cur.State)) {
					found = &cur
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

func (s *BoltStore) ListLeases(filter LeaseFilter) ([]*types.Lease, error) {
	var leases []*types.Lease
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLeases)
		return b.ForEach(func(k, v []byte) error {
			var l types.Lease
			if err := json.Unmarshal(v, &l); err != nil {
				return err
			}
			if filter.Label != "" && l.Label != filter.Label {
				return nil
			}
			if filter.State != "" && l.State != filter.State {
				return nil
			}
			if filter.HostID != "" && l.HostID != filter.HostID {
				return nil
			}
			if filter.NonTerminal && l.Terminal() {
				return nil
			}
			leases = append(leases, &l)
			return nil
		})
	})
	return leases, err
}

// TransitionLease is the single CAS primitive every control loop uses.
// The event is written only if the transition is accepted.
func (s *BoltStore) TransitionLease(id string, expected, target types.LeaseState, mutate func(*types.Lease), ev *types.Event) (*types.Lease, error) {
	var updated *types.Lease
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLeases)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("lease %s: %w", id, ErrNotFound)
		}
		var l types.Lease
		if err := json.Unmarshal(data, &l); err != nil {
			return err
		}
		if l.State != expected {
			return fmt.Errorf("lease %s is %s, expected %s: %w", id, l.State, expected, ErrConflict)
		}
		if !lease.CanTransition(expected, target) {
			return fmt.Errorf("lease %s: %s -> %s: %w", id, expected, target, ErrInvalidTransition)
		}

		l.State = target
		l.UpdatedAt = time.Now().UTC()
		if mutate != nil {
			mutate(&l)
		}

		out, err := json.Marshal(&l)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(id), out); err != nil {
			return err
		}
		updated = &l
		if ev != nil {
			return appendEventTx(tx, ev)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *BoltStore) UpdateLease(l *types.Lease) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLeases)
		if b.Get([]byte(l.ID)) == nil {
			return fmt.Errorf("lease %s: %w", l.ID, ErrNotFound)
		}
		data, err := json.Marshal(l)
		if err != nil {
			return err
		}
		return b.Put([]byte(l.ID), data)
	})
}

func (s *BoltStore) DeleteLease(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLeases)
		return b.Delete([]byte(id))
	})
}

// Event operations

func appendEventTx(tx *bolt.Tx, ev *types.Event) error {
	b := tx.Bucket(bucketEvents)
	seq, err := b.NextSequence()
	if err != nil {
		return err
	}
	ev.ID = seq
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := b.Put(eventKey(seq), data); err != nil {
		return err
	}

	// Ring retention: drop entries older than the window. Sequence
	// numbers are dense, so the cutoff key is exact.
	if seq > eventRetention {
		cutoff := eventKey(seq - eventRetention)
		c := b.Cursor()
		for k, _ := c.First(); k != nil && bytes.Compare(k, cutoff) < 0; k, _ = c.First() {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
	}
	return nil
}

func eventKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

func (s *BoltStore) AppendEvent(ev *types.Event) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return appendEventTx(tx, ev)
	})
}

// ListEvents returns up to limit events, newest first.
func (s *BoltStore) ListEvents(limit int) ([]*types.Event, error) {
	return s.listEvents(limit, func(*types.Event) bool { return true })
}

func (s *BoltStore) ListEventsByLease(leaseID string, limit int) ([]*types.Event, error) {
	return s.listEvents(limit, func(ev *types.Event) bool { return ev.LeaseID == leaseID })
}

func (s *BoltStore) listEvents(limit int, match func(*types.Event) bool) ([]*types.Event, error) {
	var events []*types.Event
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		c := b.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(events) >= limit {
				break
			}
			var ev types.Event
			if err := json.Unmarshal(v, &ev); err != nil {
				return err
			}
			if match(&ev) {
				events = append(events, &ev)
			}
		}
		return nil
	})
	return events, err
}
