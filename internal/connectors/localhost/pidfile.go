package localhost

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// pidRegistry persists the executor-to-pid mapping in a JSON file so
// agents started by a previous process can still be stopped. The file
// lock serializes access across processes sharing the working dir.
type pidRegistry struct {
	path string
	lock *flock.Flock
}

func newPIDRegistry(dir string) *pidRegistry {
	return &pidRegistry{
		path: filepath.Join(dir, "executors.json"),
		lock: flock.New(filepath.Join(dir, "executors.lock")),
	}
}

func (r *pidRegistry) put(executorID string, pid int) error {
	return r.update(func(pids map[string]int) {
		pids[executorID] = pid
	})
}

// take removes and returns the pid recorded for the executor.
func (r *pidRegistry) take(executorID string) (pid int, ok bool, err error) {
	err = r.update(func(pids map[string]int) {
		pid, ok = pids[executorID]
		delete(pids, executorID)
	})
	return pid, ok, err
}

func (r *pidRegistry) update(fn func(map[string]int)) error {
	if err := r.lock.Lock(); err != nil {
		return fmt.Errorf("localhost: lock pid registry: %w", err)
	}
	defer func() { _ = r.lock.Unlock() }()

	pids, err := r.read()
	if err != nil {
		return err
	}
	fn(pids)
	return r.write(pids)
}

func (r *pidRegistry) read() (map[string]int, error) {
	data, err := os.ReadFile(r.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]int{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("localhost: read pid registry: %w", err)
	}
	pids := map[string]int{}
	if err := json.Unmarshal(data, &pids); err != nil {
		return nil, fmt.Errorf("localhost: decode pid registry: %w", err)
	}
	return pids, nil
}

func (r *pidRegistry) write(pids map[string]int) error {
	data, err := json.Marshal(pids)
	if err != nil {
		return fmt.Errorf("localhost: encode pid registry: %w", err)
	}
	if err := os.WriteFile(r.path, data, 0o644); err != nil {
		return fmt.Errorf("localhost: write pid registry: %w", err)
	}
	return nil
}
