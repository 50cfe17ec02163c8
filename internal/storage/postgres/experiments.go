package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/netmark-org/netmark/internal/core"
	"github.com/netmark-org/netmark/internal/storage"
)

const experimentColumns = `experiment_id, username, experiment_name, status, error,
	creation_time, start_time, cleaned_up, data, execution_results`

func (s *Store) CreateExperiment(ctx context.Context, experiment *storage.ExperimentRecord, executors []*storage.ExecutorRecord, compilations []*storage.CompilationRecord) error {
	data, results, err := encodeExperimentBlobs(experiment)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin create experiment: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `INSERT INTO experiments
		(experiment_id, username, experiment_name, status, error, creation_time, start_time, cleaned_up, data, execution_results)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8, $9, $10)`,
		experiment.ID, experiment.Username, experiment.Name,
		int(experiment.Status), experiment.Error,
		experiment.CreationTime, experiment.StartTime, experiment.CleanedUp,
		data, results,
	)
	if err != nil {
		return fmt.Errorf("storage: insert experiment %s: %w", experiment.ID, mapError(err))
	}

	for _, executor := range executors {
		_, err = tx.Exec(ctx, `INSERT INTO executors
			(executor_id, experiment_id, node_name, connector, finished, error)
			VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''))`,
			executor.ExecutorID, executor.ExperimentID, executor.NodeName,
			executor.Connector, executor.Finished, executor.Error,
		)
		if err != nil {
			return fmt.Errorf("storage: insert executor %s: %w", executor.ExecutorID, mapError(err))
		}
	}

	for _, compilation := range compilations {
		envdef, err := encodeEnvironment(compilation.Environment)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `INSERT INTO compilations
			(experiment_id, compilation_id, architecture, environment_definition, status, result)
			VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''))`,
			compilation.ExperimentID, compilation.CompilationID, compilation.Architecture,
			envdef, compilation.Status, compilation.Result,
		)
		if err != nil {
			return fmt.Errorf("storage: insert compilation %s: %w", compilation.CompilationID, mapError(err))
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit create experiment: %w", err)
	}
	return nil
}

func (s *Store) ExperimentByID(ctx context.Context, experimentID string) (*storage.ExperimentRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+experimentColumns+` FROM experiments WHERE experiment_id = $1`,
		experimentID)
	return scanExperiment(row)
}

func (s *Store) ExperimentByName(ctx context.Context, username, name string) (*storage.ExperimentRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+experimentColumns+` FROM experiments
		 WHERE username = $1 AND experiment_name = $2
		 ORDER BY creation_time DESC LIMIT 1`,
		username, name)
	return scanExperiment(row)
}

func (s *Store) ExperimentsByUser(ctx context.Context, username string) ([]*storage.ExperimentRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+experimentColumns+` FROM experiments WHERE username = $1 ORDER BY creation_time`,
		username)
	if err != nil {
		return nil, fmt.Errorf("storage: experiments by user: %w", err)
	}
	defer rows.Close()

	var records []*storage.ExperimentRecord
	for rows.Next() {
		record, err := scanExperiment(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: experiments by user: %w", err)
	}
	return records, nil
}

func (s *Store) ExperimentsByStatus(ctx context.Context, statuses ...core.ExperimentStatus) ([]*storage.ExperimentRecord, error) {
	codes := make([]int32, 0, len(statuses))
	for _, status := range statuses {
		codes = append(codes, int32(status))
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+experimentColumns+` FROM experiments WHERE status = ANY($1) ORDER BY creation_time`,
		codes)
	if err != nil {
		return nil, fmt.Errorf("storage: experiments by status: %w", err)
	}
	defer rows.Close()

	var records []*storage.ExperimentRecord
	for rows.Next() {
		record, err := scanExperiment(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: experiments by status: %w", err)
	}
	return records, nil
}

func (s *Store) SetExperimentStatus(ctx context.Context, experimentID string, status core.ExperimentStatus) error {
	return s.updateExperiment(ctx, experimentID,
		`UPDATE experiments SET status = $2 WHERE experiment_id = $1`,
		int(status))
}

func (s *Store) FailExperiment(ctx context.Context, experimentID string, status core.ExperimentStatus, reason string) error {
	return s.updateExperiment(ctx, experimentID,
		`UPDATE experiments SET status = $2, error = $3 WHERE experiment_id = $1`,
		int(status), reason)
}

func (s *Store) MarkExperimentStarted(ctx context.Context, experimentID string, at time.Time) error {
	return s.updateExperiment(ctx, experimentID,
		`UPDATE experiments SET status = $2, start_time = COALESCE(start_time, $3) WHERE experiment_id = $1`,
		int(core.StatusRunning), at)
}

func (s *Store) UpdateExperimentData(ctx context.Context, experimentID string, experiment *core.Experiment) error {
	data, err := json.Marshal(experiment)
	if err != nil {
		return fmt.Errorf("storage: encode experiment %s: %w", experimentID, err)
	}
	return s.updateExperiment(ctx, experimentID,
		`UPDATE experiments SET data = $2 WHERE experiment_id = $1`,
		data)
}

func (s *Store) SaveExecutionResults(ctx context.Context, experimentID string, results []*core.DeploymentExecutionResult) error {
	blob, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("storage: encode execution results for %s: %w", experimentID, err)
	}
	return s.updateExperiment(ctx, experimentID,
		`UPDATE experiments SET execution_results = $2 WHERE experiment_id = $1`,
		blob)
}

func (s *Store) MarkCleanedUp(ctx context.Context, experimentID string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE experiments SET cleaned_up = TRUE WHERE experiment_id = $1 AND cleaned_up = FALSE`,
		experimentID)
	if err != nil {
		return false, fmt.Errorf("storage: mark cleaned up %s: %w", experimentID, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) updateExperiment(ctx context.Context, experimentID, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, append([]any{experimentID}, args...)...)
	if err != nil {
		return fmt.Errorf("storage: update experiment %s: %w", experimentID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: experiment %s", storage.ErrNotFound, experimentID)
	}
	return nil
}

func encodeExperimentBlobs(record *storage.ExperimentRecord) (data, results []byte, err error) {
	if record.Experiment != nil {
		data, err = json.Marshal(record.Experiment)
		if err != nil {
			return nil, nil, fmt.Errorf("storage: encode experiment %s: %w", record.ID, err)
		}
	}
	if record.ExecutionResults != nil {
		results, err = json.Marshal(record.ExecutionResults)
		if err != nil {
			return nil, nil, fmt.Errorf("storage: encode execution results for %s: %w", record.ID, err)
		}
	}
	return data, results, nil
}

func encodeEnvironment(environment core.EnvironmentDefinition) ([]byte, error) {
	if environment == nil {
		return nil, nil
	}
	raw, err := core.MarshalEnvironmentDefinition(environment)
	if err != nil {
		return nil, fmt.Errorf("storage: encode environment definition: %w", err)
	}
	return raw, nil
}

func scanExperiment(row pgx.Row) (*storage.ExperimentRecord, error) {
	var (
		record      storage.ExperimentRecord
		status      int
		errText     *string
		data, blobs []byte
	)
	err := row.Scan(&record.ID, &record.Username, &record.Name, &status, &errText,
		&record.CreationTime, &record.StartTime, &record.CleanedUp, &data, &blobs)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: scan experiment: %w", err)
	}

	record.Status = core.ExperimentStatus(status)
	if errText != nil {
		record.Error = *errText
	}
	if len(data) > 0 {
		record.Experiment = &core.Experiment{}
		if err := json.Unmarshal(data, record.Experiment); err != nil {
			return nil, fmt.Errorf("storage: decode experiment %s: %w", record.ID, err)
		}
	}
	if len(blobs) > 0 {
		if err := json.Unmarshal(blobs, &record.ExecutionResults); err != nil {
			return nil, fmt.Errorf("storage: decode execution results for %s: %w", record.ID, err)
		}
	}
	return &record, nil
}
