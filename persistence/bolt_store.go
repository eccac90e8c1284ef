package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/taskforge/model"
)

var (
	bucketTasks       = []byte("tasks")
	bucketExecutions  = []byte("executions")
	bucketVersions    = []byte("versions")
	bucketExecIndexes = []byte("exec_indexes")
)

// BoltStore is a bbolt-backed Store. It keeps a warm in-memory task cache
// (LoadTasks answers from it without reading the database) and writes
// executions straight through, time-indexed per task, mirroring the
// reference WorkflowStore's split between hot workflow state and
// append-only execution history.
type BoltStore struct {
	db *bbolt.DB

	mu       sync.RWMutex
	taskMu   sync.RWMutex
	taskCache map[string]*model.Task

	readLatency  metric.Float64Histogram
	writeLatency metric.Float64Histogram
}

// Open creates or opens a bbolt database at path and warms the task cache.
func Open(path string, meter metric.Meter) (*BoltStore, error) {
	opts := &bbolt.Options{Timeout: 1 * time.Second}
	db, err := bbolt.Open(path, 0600, opts)
	if err != nil {
		return nil, fmt.Errorf("open boltdb: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketTasks, bucketExecutions, bucketVersions, bucketExecIndexes} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	readLatency, _ := meter.Float64Histogram("taskforge_store_read_ms")
	writeLatency, _ := meter.Float64Histogram("taskforge_store_write_ms")

	s := &BoltStore{
		db:           db,
		taskCache:    make(map[string]*model.Task),
		readLatency:  readLatency,
		writeLatency: writeLatency,
	}
	if err := s.warmCache(); err != nil {
		db.Close()
		return nil, fmt.Errorf("warm cache: %w", err)
	}
	return s, nil
}

func (s *BoltStore) warmCache() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketTasks)
		return bucket.ForEach(func(k, v []byte) error {
			var t model.Task
			if err := json.Unmarshal(v, &t); err != nil {
				return nil
			}
			s.taskCache[t.ID] = &t
			return nil
		})
	})
}

// Close closes the underlying database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// SaveTask writes a task, keeping its previous version for audit history
// (versioning mirrors the reference PutWorkflow behaviour).
func (s *BoltStore) SaveTask(t *model.Task) error {
	start := time.Now()
	defer s.recordWrite(start, "save_task")

	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	err = s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketTasks)
		if existing := bucket.Get([]byte(t.ID)); existing != nil {
			versions := tx.Bucket(bucketVersions)
			key := fmt.Sprintf("%s:%d", t.ID, time.Now().UnixNano())
			if err := versions.Put([]byte(key), existing); err != nil {
				return err
			}
		}
		return bucket.Put([]byte(t.ID), data)
	})
	if err != nil {
		return fmt.Errorf("write task: %w", err)
	}

	s.taskMu.Lock()
	s.taskCache[t.ID] = t
	s.taskMu.Unlock()
	return nil
}

// LoadTasks returns every known task from the warm cache.
func (s *BoltStore) LoadTasks() ([]*model.Task, error) {
	start := time.Now()
	defer s.recordRead(start, "load_tasks")

	s.taskMu.RLock()
	defer s.taskMu.RUnlock()
	out := make([]*model.Task, 0, len(s.taskCache))
	for _, t := range s.taskCache {
		out = append(out, t)
	}
	return out, nil
}

// SaveExecution appends an execution record and maintains a time index
// keyed by task id, mirroring the reference PutExecution.
func (s *BoltStore) SaveExecution(e *model.Execution) error {
	start := time.Now()
	defer s.recordWrite(start, "save_execution")

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal execution: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Update(func(tx *bbolt.Tx) error {
		execBucket := tx.Bucket(bucketExecutions)
		if err := execBucket.Put([]byte(e.ID), data); err != nil {
			return err
		}
		indexBucket := tx.Bucket(bucketExecIndexes)
		key := fmt.Sprintf("%s:%d:%s", e.TaskID, e.StartedAt.UnixNano(), e.ID)
		return indexBucket.Put([]byte(key), []byte(e.ID))
	})
}

// LoadExecutions returns all executions recorded for taskID, oldest first.
func (s *BoltStore) LoadExecutions(taskID string) ([]*model.Execution, error) {
	start := time.Now()
	defer s.recordRead(start, "load_executions")

	var out []*model.Execution
	s.mu.RLock()
	defer s.mu.RUnlock()
	err := s.db.View(func(tx *bbolt.Tx) error {
		indexBucket := tx.Bucket(bucketExecIndexes)
		execBucket := tx.Bucket(bucketExecutions)
		prefix := []byte(taskID + ":")
		cursor := indexBucket.Cursor()
		for k, v := cursor.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = cursor.Next() {
			data := execBucket.Get(v)
			if data == nil {
				continue
			}
			var e model.Execution
			if err := json.Unmarshal(data, &e); err != nil {
				continue
			}
			out = append(out, &e)
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) recordWrite(start time.Time, op string) {
	if s.writeLatency == nil {
		return
	}
	s.writeLatency.Record(context.Background(), float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("operation", op)))
}

func (s *BoltStore) recordRead(start time.Time, op string) {
	if s.readLatency == nil {
		return
	}
	s.readLatency.Record(context.Background(), float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("operation", op)))
}

func hasPrefix(data, prefix []byte) bool {
	if len(data) < len(prefix) {
		return false
	}
	for i := range prefix {
		if data[i] != prefix[i] {
			return false
		}
	}
	return true
}
