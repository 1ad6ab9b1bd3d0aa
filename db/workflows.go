// Package db provides the persistence layer for the pipeline: the workflow
// store (bbolt, compare-and-set), the article document store (CouchDB), the
// vector index client and the task dedup guard (redis).
package db

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Workflow statuses.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// LastError records the failure that moved a workflow toward FAILED.
type LastError struct {
	Stage   string `json:"stage"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// WorkflowRecord is the durable state of one workflow, keyed by its
// correlation id. It is mutated only by the orchestrator, always through
// compare-and-set on the version counter.
type WorkflowRecord struct {
	CorrelationID    string                 `json:"correlation_id"`
	Stages           []string               `json:"stages"`
	CurrentIndex     int                    `json:"current_index"`
	InitialPayload   map[string]interface{} `json:"initial_payload"`
	StageOutput      map[string]interface{} `json:"stage_output"`
	PendingChildren  int                    `json:"pending_children"`
	Status           Status                 `json:"status"`
	AttemptsPerStage map[string]int         `json:"attempts_per_stage"`
	LastError        *LastError             `json:"last_error,omitempty"`
	Version          uint64                 `json:"version"`
	CreatedAt        time.Time              `json:"created_at"`
	UpdatedAt        time.Time              `json:"updated_at"`
}

// CurrentStage returns the stage name at the current index, or "" when the
// workflow has run past its last stage.
func (r *WorkflowRecord) CurrentStage() string {
	if r.CurrentIndex >= 0 && r.CurrentIndex < len(r.Stages) {
		return r.Stages[r.CurrentIndex]
	}
	return ""
}

// Clone returns a deep copy so callers can mutate a candidate record
// without touching the loaded one.
func (r *WorkflowRecord) Clone() *WorkflowRecord {
	data, err := json.Marshal(r)
	if err != nil {
		// Records are plain JSON-typed maps; marshal cannot fail on them.
		panic(fmt.Sprintf("workflow record not serializable: %v", err))
	}
	var out WorkflowRecord
	if err := json.Unmarshal(data, &out); err != nil {
		panic(fmt.Sprintf("workflow record not deserializable: %v", err))
	}
	return &out
}

// Store outcome sentinels.
var (
	// ErrConflict is returned when a create hits an existing id or a
	// compare-and-set loses the version race.
	ErrConflict = errors.New("workflow record conflict")

	// ErrNotFound is returned when no record exists for an id.
	ErrNotFound = errors.New("workflow record not found")
)

const (
	workflowBucket    = "workflows"
	idempotencyBucket = "idempotency"
)

// WorkflowStore persists workflow records in a local bbolt file. Writes
// survive orchestrator restarts; optimistic concurrency is provided by the
// record version counter.
type WorkflowStore struct {
	db *bolt.DB
}

// OpenWorkflowStore opens or creates the bbolt file backing the store.
func OpenWorkflowStore(path string) (*WorkflowStore, error) {
	boltDB, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open workflow store: %w", err)
	}

	err = boltDB.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{workflowBucket, idempotencyBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		boltDB.Close()
		return nil, err
	}

	return &WorkflowStore{db: boltDB}, nil
}

// Create inserts a new record. Fails with ErrConflict if the id exists.
// The stored record starts at version 1.
func (s *WorkflowStore) Create(record *WorkflowRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(workflowBucket))
		key := []byte(record.CorrelationID)
		if b.Get(key) != nil {
			return ErrConflict
		}

		now := time.Now().UTC()
		record.Version = 1
		record.CreatedAt = now
		record.UpdatedAt = now

		data, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("failed to marshal workflow record: %w", err)
		}
		return b.Put(key, data)
	})
}

// Ping verifies the backing file is still readable.
func (s *WorkflowStore) Ping() error {
	return s.db.View(func(tx *bolt.Tx) error { return nil })
}

// Load retrieves a record by correlation id.
func (s *WorkflowStore) Load(correlationID string) (*WorkflowRecord, error) {
	var record WorkflowRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(workflowBucket)).Get([]byte(correlationID))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &record)
	})
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// CompareAndSet replaces the stored record if its version still equals
// expectedVersion. The new record is stored with expectedVersion+1.
// Returns ErrConflict when the version moved, ErrNotFound when the record
// disappeared.
func (s *WorkflowStore) CompareAndSet(correlationID string, expectedVersion uint64, record *WorkflowRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(workflowBucket))
		key := []byte(correlationID)

		data := b.Get(key)
		if data == nil {
			return ErrNotFound
		}
		var stored WorkflowRecord
		if err := json.Unmarshal(data, &stored); err != nil {
			return fmt.Errorf("failed to unmarshal stored record: %w", err)
		}
		if stored.Version != expectedVersion {
			return ErrConflict
		}

		record.Version = expectedVersion + 1
		record.UpdatedAt = time.Now().UTC()

		out, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("failed to marshal workflow record: %w", err)
		}
		return b.Put(key, out)
	})
}

// Delete removes a record. Used to roll back creation when the stage-0
// publish cannot be confirmed.
func (s *WorkflowStore) Delete(correlationID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(workflowBucket)).Delete([]byte(correlationID))
	})
}

// ListStuck returns RUNNING workflows whose last update is older than the
// given instant. The janitor sweeps these.
func (s *WorkflowStore) ListStuck(olderThan time.Time) ([]*WorkflowRecord, error) {
	var stuck []*WorkflowRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(workflowBucket)).ForEach(func(k, v []byte) error {
			var record WorkflowRecord
			if err := json.Unmarshal(v, &record); err != nil {
				return fmt.Errorf("failed to unmarshal %s: %w", k, err)
			}
			if record.Status == StatusRunning && record.UpdatedAt.Before(olderThan) {
				stuck = append(stuck, &record)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return stuck, nil
}

// PutIdempotencyKey maps a client idempotency key to a correlation id.
// Returns the already-stored id and ErrConflict when the key is taken.
func (s *WorkflowStore) PutIdempotencyKey(key, correlationID string) (string, error) {
	existing := ""
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(idempotencyBucket))
		if data := b.Get([]byte(key)); data != nil {
			existing = string(data)
			return ErrConflict
		}
		return b.Put([]byte(key), []byte(correlationID))
	})
	if errors.Is(err, ErrConflict) {
		return existing, ErrConflict
	}
	return correlationID, err
}

// DeleteIdempotencyKey removes a key mapping. Used to roll back a workflow
// creation whose stage-0 publish could not be confirmed.
func (s *WorkflowStore) DeleteIdempotencyKey(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(idempotencyBucket)).Delete([]byte(key))
	})
}

// Close closes the underlying bbolt database.
func (s *WorkflowStore) Close() error {
	return s.db.Close()
}
