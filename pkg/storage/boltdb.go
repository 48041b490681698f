package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/cuemby/flownode/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketNode    = []byte("node")
	bucketConfigs = []byte("configs")
	bucketJobs    = []byte("jobs")

	keyNodeState = []byte("state")
)

// DBFile is the database file name inside the data directory
const DBFile = "flownode.db"

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// Options controls how the database is opened
type Options struct {
	// ReadOnly opens the database with a shared lock
	ReadOnly bool
	// Timeout bounds the wait for the file lock; zero waits forever
	Timeout time.Duration
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string, opts Options) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, DBFile)

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{
		ReadOnly: opts.ReadOnly,
		Timeout:  opts.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if opts.ReadOnly {
		return &BoltStore{db: db}, nil
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketNode,
			bucketConfigs,
			bucketJobs,
		}

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

// Path returns the database file path
func (s *BoltStore) Path() string {
	return s.db.Path()
}

// Node state operations
func (s *BoltStore) GetNodeState() (*NodeState, error) {
	var state NodeState
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNode)
		if b == nil {
			return fmt.Errorf("node state: %w", ErrNotFound)
		}
		data := b.Get(keyNodeState)
		if data == nil {
			return fmt.Errorf("node state: %w", ErrNotFound)
		}
		return json.Unmarshal(data, &state)
	})
	if err != nil {
		return nil, err
	}
	return &state, nil
}

func (s *BoltStore) SaveNodeState(state *NodeState) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNode)
		data, err := json.Marshal(state)
		if err != nil {
			return err
		}
		return b.Put(keyNodeState, data)
	})
}

func (s *BoltStore) DeleteNodeState() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNode).Delete(keyNodeState)
	})
}

// Configuration revision operations. Keys are big-endian revisions so the
// cursor walks them in order.
func (s *BoltStore) SaveConfigRevision(rev *types.ConfigurationRevision) error {
	if rev.Revision < 0 {
		return fmt.Errorf("invalid config revision %d", rev.Revision)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketConfigs)
		data, err := json.Marshal(rev)
		if err != nil {
			return err
		}
		return b.Put(revisionKey(rev.Revision), data)
	})
}

func (s *BoltStore) GetConfigRevision(revision int) (*types.ConfigurationRevision, error) {
	var rev types.ConfigurationRevision
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketConfigs)
		if b == nil {
			return fmt.Errorf("config revision %d: %w", revision, ErrNotFound)
		}
		data := b.Get(revisionKey(revision))
		if data == nil {
			return fmt.Errorf("config revision %d: %w", revision, ErrNotFound)
		}
		return json.Unmarshal(data, &rev)
	})
	if err != nil {
		return nil, err
	}
	return &rev, nil
}

func (s *BoltStore) LatestConfigRevision() (*types.ConfigurationRevision, error) {
	var rev types.ConfigurationRevision
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketConfigs)
		if b == nil {
			return fmt.Errorf("config revision: %w", ErrNotFound)
		}
		_, data := b.Cursor().Last()
		if data == nil {
			return fmt.Errorf("config revision: %w", ErrNotFound)
		}
		return json.Unmarshal(data, &rev)
	})
	if err != nil {
		return nil, err
	}
	return &rev, nil
}

// PruneConfigRevisions keeps the newest keep revisions and returns how many
// were deleted.
func (s *BoltStore) PruneConfigRevisions(keep int) (int, error) {
	return s.pruneOldest(bucketConfigs, keep)
}

// Job history operations. Keys are the big-endian finish time followed by
// the job UID, so the history is ordered by completion.
func (s *BoltStore) SaveJobReport(report *types.JobReport) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		data, err := json.Marshal(report)
		if err != nil {
			return err
		}
		return b.Put(jobKey(report), data)
	})
}

// ListJobReports returns up to limit reports, newest first. A limit of zero
// or less returns everything.
func (s *BoltStore) ListJobReports(limit int) ([]*types.JobReport, error) {
	var reports []*types.JobReport
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var report types.JobReport
			if err := json.Unmarshal(v, &report); err != nil {
				return err
			}
			reports = append(reports, &report)
			if limit > 0 && len(reports) >= limit {
				break
			}
		}
		return nil
	})
	return reports, err
}

// PruneJobReports keeps the newest keep reports and returns how many were
// deleted.
func (s *BoltStore) PruneJobReports(keep int) (int, error) {
	return s.pruneOldest(bucketJobs, keep)
}

func (s *BoltStore) pruneOldest(bucket []byte, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	deleted := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		excess := b.Stats().KeyN - keep
		if excess <= 0 {
			return nil
		}

		// Collect first: deleting while iterating skips keys
		keys := make([][]byte, 0, excess)
		c := b.Cursor()
		for k, _ := c.First(); k != nil && len(keys) < excess; k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		deleted = len(keys)
		return nil
	})
	return deleted, err
}

func revisionKey(revision int) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(revision))
	return key
}

func jobKey(report *types.JobReport) []byte {
	ts := report.FinishedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	key := make([]byte, 8, 8+len(report.JobUID))
	binary.BigEndian.PutUint64(key, uint64(ts.UnixNano()))
	return append(key, report.JobUID...)
}
