package postgres

import (
	"context"
	"fmt"

	"github.com/netmark-org/netmark/internal/storage"
)

func (s *Store) Leases(ctx context.Context) ([]*storage.Lease, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT node_name, username, connector FROM locks ORDER BY node_name, connector`)
	if err != nil {
		return nil, fmt.Errorf("storage: list leases: %w", err)
	}
	defer rows.Close()

	var leases []*storage.Lease
	for rows.Next() {
		var lease storage.Lease
		if err := rows.Scan(&lease.NodeName, &lease.Username, &lease.Connector); err != nil {
			return nil, fmt.Errorf("storage: scan lease: %w", err)
		}
		leases = append(leases, &lease)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: list leases: %w", err)
	}
	return leases, nil
}

func (s *Store) ReplaceLeases(ctx context.Context, leases []*storage.Lease) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin replace leases: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `TRUNCATE locks`); err != nil {
		return fmt.Errorf("storage: truncate leases: %w", err)
	}
	for _, lease := range leases {
		_, err := tx.Exec(ctx,
			`INSERT INTO locks (node_name, username, connector) VALUES ($1, $2, $3)
			 ON CONFLICT (node_name, connector) DO NOTHING`,
			lease.NodeName, lease.Username, lease.Connector)
		if err != nil {
			return fmt.Errorf("storage: insert lease %s/%s: %w", lease.Connector, lease.NodeName, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit replace leases: %w", err)
	}
	return nil
}

func (s *Store) DeleteLeases(ctx context.Context, username string, nodeNames []string) error {
	if len(nodeNames) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`DELETE FROM locks WHERE username = $1 AND node_name = ANY($2)`,
		username, nodeNames)
	if err != nil {
		return fmt.Errorf("storage: delete leases of %s: %w", username, err)
	}
	return nil
}
