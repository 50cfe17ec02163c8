// Package blackboard is the shared scratch space between the gateway,
// the watcher and the orchestrator: executor heartbeats, uploaded
// results and experiment flags all live here, keyed by well-known
// names. Redis backs it in production; an in-memory implementation
// serves tests and single-process setups.
package blackboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/netmark-org/netmark/internal/core"
)

var (
	// ErrKeyNotFound is returned by Get for absent or expired keys.
	ErrKeyNotFound = errors.New("blackboard: key not found")

	// ErrNotAnInteger is returned by Incr/Decr when the stored value
	// is not an integer.
	ErrNotAnInteger = errors.New("blackboard: value is not an integer")
)

// Blackboard is the raw key-value surface. All methods are safe for
// concurrent use.
type Blackboard interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, keys ...string) error
	Incr(ctx context.Context, key string) (int64, error)
	Decr(ctx context.Context, key string) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}

// Key builders. Every piece of shared state uses one of these shapes;
// nothing else writes to the blackboard.

func ExecutorGraphKey(executorID string) string {
	return "executor:" + executorID + ":graph"
}

func ExecutorHeartbeatKey(executorID string) string {
	return "executor:" + executorID + ":heartbeat"
}

func ExecutorResultKey(executorID string) string {
	return "executor:" + executorID + ":result"
}

func ExperimentFlagKey(experimentID, name string) string {
	return "experiment:" + experimentID + ":flag:" + name
}

// Heartbeat TTL: stale heartbeats expire on their own so the board
// does not accumulate dead executors forever. The watcher works off
// storage timestamps, so expiry here is hygiene, not liveness logic.
const heartbeatTTL = 24 * time.Hour

// Touch records an executor heartbeat at the given instant.
func Touch(ctx context.Context, bb Blackboard, executorID string, at time.Time) error {
	return bb.SetWithTTL(ctx, ExecutorHeartbeatKey(executorID), []byte(at.UTC().Format(time.RFC3339Nano)), heartbeatTTL)
}

// LastSeen returns the executor's last recorded heartbeat. The second
// return is false when the executor never checked in.
func LastSeen(ctx context.Context, bb Blackboard, executorID string) (time.Time, bool, error) {
	raw, err := bb.Get(ctx, ExecutorHeartbeatKey(executorID))
	if errors.Is(err, ErrKeyNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	at, err := time.Parse(time.RFC3339Nano, string(raw))
	if err != nil {
		return time.Time{}, false, fmt.Errorf("blackboard: bad heartbeat for %s: %w", executorID, err)
	}
	return at, true, nil
}

// StoreGraph publishes the encoded execution graph an executor should
// run. The orchestrator writes it during deployment; the gateway
// serves it to the polling executor.
func StoreGraph(ctx context.Context, bb Blackboard, executorID, encodedGraph string) error {
	return bb.Set(ctx, ExecutorGraphKey(executorID), []byte(encodedGraph))
}

// LoadGraph reads the executor's published graph. The second return is
// false when no graph has been published yet.
func LoadGraph(ctx context.Context, bb Blackboard, executorID string) (string, bool, error) {
	raw, err := bb.Get(ctx, ExecutorGraphKey(executorID))
	if errors.Is(err, ErrKeyNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return string(raw), true, nil
}

// ExecutorResult is an uploaded report envelope: the opaque encoded
// report plus the executor state it was sent in.
type ExecutorResult struct {
	// EncodedReport is the base64 report produced by the executor.
	EncodedReport string `json:"results"`

	State core.ExecutorState `json:"state"`
}

// Result slots outlive the experiment long enough for the watcher to
// persist them into storage, then expire. Cleanup usually deletes them
// first; the TTL catches experiments that were never cleaned.
const resultTTL = 7 * 24 * time.Hour

// StoreResult writes an executor's uploaded result envelope.
func StoreResult(ctx context.Context, bb Blackboard, executorID string, result ExecutorResult) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("blackboard: encode result for %s: %w", executorID, err)
	}
	return bb.SetWithTTL(ctx, ExecutorResultKey(executorID), raw, resultTTL)
}

// LoadResult reads an executor's result envelope. The second return is
// false when no result has been uploaded yet.
func LoadResult(ctx context.Context, bb Blackboard, executorID string) (ExecutorResult, bool, error) {
	raw, err := bb.Get(ctx, ExecutorResultKey(executorID))
	if errors.Is(err, ErrKeyNotFound) {
		return ExecutorResult{}, false, nil
	}
	if err != nil {
		return ExecutorResult{}, false, err
	}
	var result ExecutorResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return ExecutorResult{}, false, fmt.Errorf("blackboard: bad result for %s: %w", executorID, err)
	}
	return result, true, nil
}

// FlagValues is the experiment-scoped flag payload shared between
// executors for loose cross-node synchronization.
type FlagValues struct {
	TextValue string `json:"text_value"`
	IntValue  int64  `json:"int_value"`
}

// SetFlag stores a flag's values.
func SetFlag(ctx context.Context, bb Blackboard, experimentID, name string, values FlagValues) error {
	raw, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("blackboard: encode flag %s: %w", name, err)
	}
	return bb.Set(ctx, ExperimentFlagKey(experimentID, name), raw)
}

// GetFlag reads a flag. The second return is false when the flag was
// never set or incremented.
func GetFlag(ctx context.Context, bb Blackboard, experimentID, name string) (FlagValues, bool, error) {
	key := ExperimentFlagKey(experimentID, name)
	raw, err := bb.Get(ctx, key)
	if errors.Is(err, ErrKeyNotFound) {
		return FlagValues{}, false, nil
	}
	if err != nil {
		return FlagValues{}, false, err
	}
	var values FlagValues
	if err := json.Unmarshal(raw, &values); err == nil {
		return values, true, nil
	}
	// A flag touched only by Incr/Decr holds a bare integer.
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return FlagValues{IntValue: n}, true, nil
	}
	return FlagValues{TextValue: string(raw)}, true, nil
}

// AdjustFlag increments (delta > 0) or decrements (delta < 0) a flag's
// integer value atomically and returns the new value. It only works on
// flags holding bare integers.
func AdjustFlag(ctx context.Context, bb Blackboard, experimentID, name string, delta int) (int64, error) {
	key := ExperimentFlagKey(experimentID, name)
	if delta >= 0 {
		return bb.Incr(ctx, key)
	}
	return bb.Decr(ctx, key)
}
