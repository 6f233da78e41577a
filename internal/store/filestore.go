package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	fmerrors "foreman/internal/errors"
	"foreman/internal/logging"
	"foreman/internal/workorder"
)

const (
	workOrdersDir = "work_orders"
	runsDir       = "runs"
	iterationsDir = "iterations"
	deadLetterDir = "dead_letter"
)

// Config tunes the file store.
type Config struct {
	Dir   string
	Retry fmerrors.RetryConfig
}

// FileStore persists work orders, runs, and iteration records as one JSON
// file per record. Writes go through a temp file and rename so readers never
// see a partial record. Failed writes are retried with backoff; a write that
// exhausts its retries lands in a dead-letter directory for operator triage.
type FileStore struct {
	dir    string
	retry  fmerrors.RetryConfig
	logger logging.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex // per record id
}

// New creates the store layout under config.Dir.
func New(config Config, logger logging.Logger) (*FileStore, error) {
	if config.Dir == "" {
		return nil, fmt.Errorf("store: dir is required")
	}
	if config.Retry.MaxAttempts == 0 {
		config.Retry = fmerrors.DefaultRetryConfig()
		config.Retry.BaseDelay = 50 * time.Millisecond
		config.Retry.MaxDelay = time.Second
	}
	for _, sub := range []string{workOrdersDir, runsDir, iterationsDir, deadLetterDir} {
		if err := os.MkdirAll(filepath.Join(config.Dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("store: create %s: %w", sub, err)
		}
	}
	return &FileStore{
		dir:    config.Dir,
		retry:  config.Retry,
		logger: logging.OrNop(logger),
		locks:  make(map[string]*sync.Mutex),
	}, nil
}

// Dir returns the store's root directory.
func (s *FileStore) Dir() string {
	return s.dir
}

// lockFor returns the per-id mutex, creating it on first use.
func (s *FileStore) lockFor(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[id] = lock
	}
	return lock
}

// SaveWorkOrder writes the work order record.
func (s *FileStore) SaveWorkOrder(wo *workorder.WorkOrder) error {
	return s.save(workOrdersDir, wo.ID, wo)
}

// GetWorkOrder loads one work order; missing ids return NotFoundError.
func (s *FileStore) GetWorkOrder(id string) (*workorder.WorkOrder, error) {
	var wo workorder.WorkOrder
	if err := s.load(workOrdersDir, id, &wo); err != nil {
		return nil, err
	}
	return &wo, nil
}

// ListWorkOrders returns all valid work orders, newest first. Corrupt files
// are skipped with a log line; Scan reports them in detail.
func (s *FileStore) ListWorkOrders() ([]*workorder.WorkOrder, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, workOrdersDir))
	if err != nil {
		return nil, fmt.Errorf("store: list work orders: %w", err)
	}

	orders := make([]*workorder.WorkOrder, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), ".json")
		wo, err := s.GetWorkOrder(id)
		if err != nil {
			s.logger.Warn("Skipping unreadable work order %s: %v", entry.Name(), err)
			continue
		}
		orders = append(orders, wo)
	}
	sort.Slice(orders, func(i, j int) bool {
		return orders[i].CreatedAt.After(orders[j].CreatedAt)
	})
	return orders, nil
}

// ListWorkOrdersByStatus filters ListWorkOrders.
func (s *FileStore) ListWorkOrdersByStatus(status workorder.Status) ([]*workorder.WorkOrder, error) {
	all, err := s.ListWorkOrders()
	if err != nil {
		return nil, err
	}
	filtered := all[:0]
	for _, wo := range all {
		if wo.Status == status {
			filtered = append(filtered, wo)
		}
	}
	return filtered, nil
}

// DeleteWorkOrder removes the record. Deleting a missing id is not an error.
func (s *FileStore) DeleteWorkOrder(id string) error {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()
	err := os.Remove(s.path(workOrdersDir, id))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("store: delete work order %s: %w", id, err)
	}
	return nil
}

// SaveRun writes the run record.
func (s *FileStore) SaveRun(run *workorder.Run) error {
	return s.save(runsDir, run.ID, run)
}

// GetRun loads one run.
func (s *FileStore) GetRun(id string) (*workorder.Run, error) {
	var run workorder.Run
	if err := s.load(runsDir, id, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// ListRuns returns the runs for a work order, oldest first. An empty
// workOrderID returns every run.
func (s *FileStore) ListRuns(workOrderID string) ([]*workorder.Run, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, runsDir))
	if err != nil {
		return nil, fmt.Errorf("store: list runs: %w", err)
	}

	var runs []*workorder.Run
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		run, err := s.GetRun(strings.TrimSuffix(entry.Name(), ".json"))
		if err != nil {
			s.logger.Warn("Skipping unreadable run %s: %v", entry.Name(), err)
			continue
		}
		if workOrderID == "" || run.WorkOrderID == workOrderID {
			runs = append(runs, run)
		}
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].StartedAt.Before(runs[j].StartedAt)
	})
	return runs, nil
}

// SaveIteration writes one iteration record, keyed by run id and iteration.
func (s *FileStore) SaveIteration(data *workorder.IterationData) error {
	key := fmt.Sprintf("%s-%04d", data.RunID, data.Iteration)
	return s.save(iterationsDir, key, data)
}

// ListIterations returns a run's iteration records in iteration order.
func (s *FileStore) ListIterations(runID string) ([]*workorder.IterationData, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, iterationsDir))
	if err != nil {
		return nil, fmt.Errorf("store: list iterations: %w", err)
	}

	var iterations []*workorder.IterationData
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") || !strings.HasPrefix(name, runID+"-") {
			continue
		}
		var data workorder.IterationData
		if err := s.load(iterationsDir, strings.TrimSuffix(name, ".json"), &data); err != nil {
			s.logger.Warn("Skipping unreadable iteration %s: %v", name, err)
			continue
		}
		iterations = append(iterations, &data)
	}
	sort.Slice(iterations, func(i, j int) bool {
		return iterations[i].Iteration < iterations[j].Iteration
	})
	return iterations, nil
}

func (s *FileStore) path(sub, id string) string {
	return filepath.Join(s.dir, sub, id+".json")
}

// save marshals and writes under the record's lock, retrying transient
// failures. Exhausted retries divert the payload to the dead-letter
// directory and return the write error.
func (s *FileStore) save(sub, id string, record any) error {
	payload, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("store: marshal %s/%s: %w", sub, id, err)
	}

	lock := s.lockFor(sub + "/" + id)
	lock.Lock()
	defer lock.Unlock()

	writeErr := fmerrors.Retry(context.Background(), s.retry, func(ctx context.Context) error {
		if err := s.writeAtomic(s.path(sub, id), payload); err != nil {
			return &fmerrors.TransientError{Err: err}
		}
		return nil
	})
	if writeErr != nil {
		s.deadLetter(sub, id, payload, writeErr)
		return fmt.Errorf("store: save %s/%s: %w", sub, id, writeErr)
	}
	return nil
}

// writeAtomic writes via temp file + rename so a crash never leaves a
// half-written record.
func (s *FileStore) writeAtomic(path string, payload []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

// deadLetter preserves an unwritable payload for operator triage.
func (s *FileStore) deadLetter(sub, id string, payload []byte, cause error) {
	name := fmt.Sprintf("%s-%s-%d.json", strings.ReplaceAll(sub, string(filepath.Separator), "_"), id, time.Now().UnixNano())
	path := filepath.Join(s.dir, deadLetterDir, name)
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		s.logger.Error("Dead-letter write for %s/%s also failed: %v (original: %v)", sub, id, err, cause)
		return
	}
	s.logger.Error("Record %s/%s diverted to dead letter after write failure: %v", sub, id, cause)
}

// DeadLetterCount reports how many records are parked in the dead-letter
// directory.
func (s *FileStore) DeadLetterCount() (int, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, deadLetterDir))
	if err != nil {
		return 0, err
	}
	count := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			count++
		}
	}
	return count, nil
}

func (s *FileStore) load(sub, id string, out any) error {
	lock := s.lockFor(sub + "/" + id)
	lock.Lock()
	defer lock.Unlock()

	payload, err := os.ReadFile(s.path(sub, id))
	if err != nil {
		if os.IsNotExist(err) {
			return &fmerrors.NotFoundError{Kind: strings.TrimSuffix(sub, "s"), ID: id}
		}
		return fmt.Errorf("store: read %s/%s: %w", sub, id, err)
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("store: decode %s/%s: %w", sub, id, err)
	}
	return nil
}
