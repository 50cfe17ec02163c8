package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/netmark-org/netmark/internal/core"
	"github.com/netmark-org/netmark/internal/storage"
)

const executorColumns = `executor_id, experiment_id, node_name, connector, finished, error`

func (s *Store) ExecutorByID(ctx context.Context, executorID string) (*storage.ExecutorRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+executorColumns+` FROM executors WHERE executor_id = $1`,
		executorID)
	return scanExecutor(row)
}

func (s *Store) ExecutorsByExperiment(ctx context.Context, experimentID string) ([]*storage.ExecutorRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+executorColumns+` FROM executors WHERE experiment_id = $1 ORDER BY executor_id`,
		experimentID)
	if err != nil {
		return nil, fmt.Errorf("storage: executors of %s: %w", experimentID, err)
	}
	defer rows.Close()
	return collectExecutors(rows)
}

func (s *Store) ExecutorsOwnedBy(ctx context.Context, username string, executorIDs []string) ([]*storage.ExecutorRecord, error) {
	if len(executorIDs) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT e.executor_id, e.experiment_id, e.node_name, e.connector, e.finished, e.error
		 FROM executors e
		 JOIN experiments x ON x.experiment_id = e.experiment_id
		 WHERE x.username = $1 AND e.executor_id = ANY($2)
		 ORDER BY e.executor_id`,
		username, executorIDs)
	if err != nil {
		return nil, fmt.Errorf("storage: executors of user %s: %w", username, err)
	}
	defer rows.Close()
	return collectExecutors(rows)
}

func (s *Store) UnfinishedExecutorsByConnector(ctx context.Context, connector string) ([]*storage.ExecutorRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+executorColumns+` FROM executors WHERE connector = $1 AND finished = FALSE ORDER BY executor_id`,
		connector)
	if err != nil {
		return nil, fmt.Errorf("storage: unfinished executors of connector %s: %w", connector, err)
	}
	defer rows.Close()
	return collectExecutors(rows)
}

func (s *Store) FinishExecutor(ctx context.Context, executorID string, reason string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE executors SET finished = TRUE, error = COALESCE(error, NULLIF($2, '')) WHERE executor_id = $1`,
		executorID, reason)
	if err != nil {
		return fmt.Errorf("storage: finish executor %s: %w", executorID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: executor %s", storage.ErrNotFound, executorID)
	}
	return nil
}

func (s *Store) CompilationsByExperiment(ctx context.Context, experimentID string) ([]*storage.CompilationRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT experiment_id, compilation_id, architecture, environment_definition, status, result
		 FROM compilations WHERE experiment_id = $1 ORDER BY compilation_id`,
		experimentID)
	if err != nil {
		return nil, fmt.Errorf("storage: compilations of %s: %w", experimentID, err)
	}
	defer rows.Close()

	var records []*storage.CompilationRecord
	for rows.Next() {
		var (
			record storage.CompilationRecord
			envdef []byte
			result *string
		)
		if err := rows.Scan(&record.ExperimentID, &record.CompilationID, &record.Architecture,
			&envdef, &record.Status, &result); err != nil {
			return nil, fmt.Errorf("storage: scan compilation: %w", err)
		}
		if len(envdef) > 0 {
			environment, err := core.UnmarshalEnvironmentDefinition(envdef)
			if err != nil {
				return nil, fmt.Errorf("storage: decode environment of compilation %s: %w", record.CompilationID, err)
			}
			record.Environment = environment
		}
		if result != nil {
			record.Result = *result
		}
		records = append(records, &record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: compilations of %s: %w", experimentID, err)
	}
	return records, nil
}

func (s *Store) SetCompilationResult(ctx context.Context, experimentID, compilationID string, succeeded bool, result string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE compilations SET status = $3, result = NULLIF($4, '') WHERE experiment_id = $1 AND compilation_id = $2`,
		experimentID, compilationID, succeeded, result)
	if err != nil {
		return fmt.Errorf("storage: set compilation result %s: %w", compilationID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: compilation %s", storage.ErrNotFound, compilationID)
	}
	return nil
}

func collectExecutors(rows pgx.Rows) ([]*storage.ExecutorRecord, error) {
	var records []*storage.ExecutorRecord
	for rows.Next() {
		record, err := scanExecutor(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate executors: %w", err)
	}
	return records, nil
}

func scanExecutor(row pgx.Row) (*storage.ExecutorRecord, error) {
	var (
		record  storage.ExecutorRecord
		errText *string
	)
	err := row.Scan(&record.ExecutorID, &record.ExperimentID, &record.NodeName,
		&record.Connector, &record.Finished, &errText)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: scan executor: %w", err)
	}
	if errText != nil {
		record.Error = *errText
	}
	return &record, nil
}
