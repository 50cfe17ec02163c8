// Package memory implements storage.Store with in-process maps. It
// backs the test suite and single-process development setups.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/netmark-org/netmark/internal/core"
	"github.com/netmark-org/netmark/internal/storage"
)

type Store struct {
	mu           sync.RWMutex
	experiments  map[string]*storage.ExperimentRecord
	executors    map[string]*storage.ExecutorRecord
	compilations map[string]map[string]*storage.CompilationRecord

	// leases is keyed by node_name/connector, mirroring the
	// composite primary key of the locks table.
	leases map[string]*storage.Lease

	lockMu sync.Mutex
	locks  map[string]chan struct{}
}

var _ storage.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		experiments:  make(map[string]*storage.ExperimentRecord),
		executors:    make(map[string]*storage.ExecutorRecord),
		compilations: make(map[string]map[string]*storage.CompilationRecord),
		leases:       make(map[string]*storage.Lease),
		locks:        make(map[string]chan struct{}),
	}
}

func (s *Store) CreateExperiment(_ context.Context, experiment *storage.ExperimentRecord, executors []*storage.ExecutorRecord, compilations []*storage.CompilationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.experiments[experiment.ID]; ok {
		return fmt.Errorf("%w: experiment %s", storage.ErrDuplicate, experiment.ID)
	}
	for _, executor := range executors {
		if _, ok := s.executors[executor.ExecutorID]; ok {
			return fmt.Errorf("%w: executor %s", storage.ErrDuplicate, executor.ExecutorID)
		}
	}

	record, err := cloneExperiment(experiment)
	if err != nil {
		return err
	}
	s.experiments[experiment.ID] = record

	for _, executor := range executors {
		clone := *executor
		s.executors[executor.ExecutorID] = &clone
	}
	for _, compilation := range compilations {
		byID, ok := s.compilations[compilation.ExperimentID]
		if !ok {
			byID = make(map[string]*storage.CompilationRecord)
			s.compilations[compilation.ExperimentID] = byID
		}
		if _, exists := byID[compilation.CompilationID]; exists {
			return fmt.Errorf("%w: compilation %s", storage.ErrDuplicate, compilation.CompilationID)
		}
		byID[compilation.CompilationID] = cloneCompilation(compilation)
	}
	return nil
}

func (s *Store) ExperimentByID(_ context.Context, experimentID string) (*storage.ExperimentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.experiments[experimentID]
	if !ok {
		return nil, fmt.Errorf("%w: experiment %s", storage.ErrNotFound, experimentID)
	}
	return cloneExperiment(record)
}

func (s *Store) ExperimentByName(_ context.Context, username, name string) (*storage.ExperimentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var newest *storage.ExperimentRecord
	for _, record := range s.experiments {
		if record.Username != username || record.Name != name {
			continue
		}
		if newest == nil || record.CreationTime.After(newest.CreationTime) {
			newest = record
		}
	}
	if newest == nil {
		return nil, fmt.Errorf("%w: experiment %s of %s", storage.ErrNotFound, name, username)
	}
	return cloneExperiment(newest)
}

func (s *Store) ExperimentsByUser(_ context.Context, username string) ([]*storage.ExperimentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var records []*storage.ExperimentRecord
	for _, record := range s.experiments {
		if record.Username != username {
			continue
		}
		clone, err := cloneExperiment(record)
		if err != nil {
			return nil, err
		}
		records = append(records, clone)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].CreationTime.Before(records[j].CreationTime)
	})
	return records, nil
}

func (s *Store) ExperimentsByStatus(_ context.Context, statuses ...core.ExperimentStatus) ([]*storage.ExperimentRecord, error) {
	wanted := make(map[core.ExperimentStatus]bool, len(statuses))
	for _, status := range statuses {
		wanted[status] = true
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var records []*storage.ExperimentRecord
	for _, record := range s.experiments {
		if !wanted[record.Status] {
			continue
		}
		clone, err := cloneExperiment(record)
		if err != nil {
			return nil, err
		}
		records = append(records, clone)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].CreationTime.Before(records[j].CreationTime)
	})
	return records, nil
}

func (s *Store) SetExperimentStatus(_ context.Context, experimentID string, status core.ExperimentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.experiments[experimentID]
	if !ok {
		return fmt.Errorf("%w: experiment %s", storage.ErrNotFound, experimentID)
	}
	record.Status = status
	return nil
}

func (s *Store) FailExperiment(_ context.Context, experimentID string, status core.ExperimentStatus, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.experiments[experimentID]
	if !ok {
		return fmt.Errorf("%w: experiment %s", storage.ErrNotFound, experimentID)
	}
	record.Status = status
	record.Error = reason
	return nil
}

func (s *Store) MarkExperimentStarted(_ context.Context, experimentID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.experiments[experimentID]
	if !ok {
		return fmt.Errorf("%w: experiment %s", storage.ErrNotFound, experimentID)
	}
	record.Status = core.StatusRunning
	if record.StartTime == nil {
		started := at
		record.StartTime = &started
	}
	return nil
}

func (s *Store) UpdateExperimentData(_ context.Context, experimentID string, experiment *core.Experiment) error {
	clone, err := cloneExperimentData(experiment)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.experiments[experimentID]
	if !ok {
		return fmt.Errorf("%w: experiment %s", storage.ErrNotFound, experimentID)
	}
	record.Experiment = clone
	return nil
}

func (s *Store) SaveExecutionResults(_ context.Context, experimentID string, results []*core.DeploymentExecutionResult) error {
	clone, err := cloneResults(results)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.experiments[experimentID]
	if !ok {
		return fmt.Errorf("%w: experiment %s", storage.ErrNotFound, experimentID)
	}
	record.ExecutionResults = clone
	return nil
}

func (s *Store) MarkCleanedUp(_ context.Context, experimentID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.experiments[experimentID]
	if !ok {
		return false, fmt.Errorf("%w: experiment %s", storage.ErrNotFound, experimentID)
	}
	if record.CleanedUp {
		return false, nil
	}
	record.CleanedUp = true
	return true, nil
}

func (s *Store) ExecutorByID(_ context.Context, executorID string) (*storage.ExecutorRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.executors[executorID]
	if !ok {
		return nil, fmt.Errorf("%w: executor %s", storage.ErrNotFound, executorID)
	}
	clone := *record
	return &clone, nil
}

func (s *Store) ExecutorsByExperiment(_ context.Context, experimentID string) ([]*storage.ExecutorRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var records []*storage.ExecutorRecord
	for _, record := range s.executors {
		if record.ExperimentID != experimentID {
			continue
		}
		clone := *record
		records = append(records, &clone)
	}
	sortExecutors(records)
	return records, nil
}

func (s *Store) ExecutorsOwnedBy(_ context.Context, username string, executorIDs []string) ([]*storage.ExecutorRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var records []*storage.ExecutorRecord
	for _, id := range executorIDs {
		record, ok := s.executors[id]
		if !ok {
			continue
		}
		experiment, ok := s.experiments[record.ExperimentID]
		if !ok || experiment.Username != username {
			continue
		}
		clone := *record
		records = append(records, &clone)
	}
	sortExecutors(records)
	return records, nil
}

func (s *Store) UnfinishedExecutorsByConnector(_ context.Context, connector string) ([]*storage.ExecutorRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var records []*storage.ExecutorRecord
	for _, record := range s.executors {
		if record.Connector != connector || record.Finished {
			continue
		}
		clone := *record
		records = append(records, &clone)
	}
	sortExecutors(records)
	return records, nil
}

func (s *Store) FinishExecutor(_ context.Context, executorID string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.executors[executorID]
	if !ok {
		return fmt.Errorf("%w: executor %s", storage.ErrNotFound, executorID)
	}
	record.Finished = true
	if record.Error == "" {
		record.Error = reason
	}
	return nil
}

func (s *Store) CompilationsByExperiment(_ context.Context, experimentID string) ([]*storage.CompilationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var records []*storage.CompilationRecord
	for _, record := range s.compilations[experimentID] {
		records = append(records, cloneCompilation(record))
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].CompilationID < records[j].CompilationID
	})
	return records, nil
}

func (s *Store) SetCompilationResult(_ context.Context, experimentID, compilationID string, succeeded bool, result string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.compilations[experimentID][compilationID]
	if !ok {
		return fmt.Errorf("%w: compilation %s", storage.ErrNotFound, compilationID)
	}
	status := succeeded
	record.Status = &status
	record.Result = result
	return nil
}

func (s *Store) Leases(_ context.Context) ([]*storage.Lease, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var leases []*storage.Lease
	for _, lease := range s.leases {
		clone := *lease
		leases = append(leases, &clone)
	}
	sort.Slice(leases, func(i, j int) bool {
		if leases[i].NodeName != leases[j].NodeName {
			return leases[i].NodeName < leases[j].NodeName
		}
		return leases[i].Connector < leases[j].Connector
	})
	return leases, nil
}

func (s *Store) ReplaceLeases(_ context.Context, leases []*storage.Lease) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.leases = make(map[string]*storage.Lease, len(leases))
	for _, lease := range leases {
		clone := *lease
		s.leases[leaseKey(lease.NodeName, lease.Connector)] = &clone
	}
	return nil
}

func (s *Store) DeleteLeases(_ context.Context, username string, nodeNames []string) error {
	wanted := make(map[string]bool, len(nodeNames))
	for _, name := range nodeNames {
		wanted[name] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for key, lease := range s.leases {
		if lease.Username == username && wanted[lease.NodeName] {
			delete(s.leases, key)
		}
	}
	return nil
}

func (s *Store) AcquireLock(ctx context.Context, name string) (func() error, error) {
	s.lockMu.Lock()
	lock, ok := s.locks[name]
	if !ok {
		lock = make(chan struct{}, 1)
		s.locks[name] = lock
	}
	s.lockMu.Unlock()

	select {
	case lock <- struct{}{}:
		return func() error {
			<-lock
			return nil
		}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Close() error { return nil }

func leaseKey(nodeName, connector string) string {
	return nodeName + "/" + connector
}

func sortExecutors(records []*storage.ExecutorRecord) {
	sort.Slice(records, func(i, j int) bool {
		return records[i].ExecutorID < records[j].ExecutorID
	})
}

// cloneExperiment isolates stored records from caller mutation. The
// experiment payloads go through their JSON codecs, same as the
// postgres implementation persists them.
func cloneExperiment(record *storage.ExperimentRecord) (*storage.ExperimentRecord, error) {
	clone := *record
	if record.StartTime != nil {
		started := *record.StartTime
		clone.StartTime = &started
	}

	var err error
	if clone.Experiment, err = cloneExperimentData(record.Experiment); err != nil {
		return nil, err
	}
	if clone.ExecutionResults, err = cloneResults(record.ExecutionResults); err != nil {
		return nil, err
	}
	return &clone, nil
}

func cloneExperimentData(experiment *core.Experiment) (*core.Experiment, error) {
	if experiment == nil {
		return nil, nil
	}
	raw, err := json.Marshal(experiment)
	if err != nil {
		return nil, fmt.Errorf("storage: encode experiment: %w", err)
	}
	clone := &core.Experiment{}
	if err := json.Unmarshal(raw, clone); err != nil {
		return nil, fmt.Errorf("storage: decode experiment: %w", err)
	}
	return clone, nil
}

func cloneResults(results []*core.DeploymentExecutionResult) ([]*core.DeploymentExecutionResult, error) {
	if results == nil {
		return nil, nil
	}
	raw, err := json.Marshal(results)
	if err != nil {
		return nil, fmt.Errorf("storage: encode execution results: %w", err)
	}
	var clone []*core.DeploymentExecutionResult
	if err := json.Unmarshal(raw, &clone); err != nil {
		return nil, fmt.Errorf("storage: decode execution results: %w", err)
	}
	return clone, nil
}

func cloneCompilation(record *storage.CompilationRecord) *storage.CompilationRecord {
	clone := *record
	if record.Status != nil {
		status := *record.Status
		clone.Status = &status
	}
	if record.Environment != nil {
		clone.Environment = record.Environment.Clone()
	}
	return &clone
}
