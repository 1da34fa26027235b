package store

import (
	"context"
	"fmt"
)

// RetryPolicy holds the retry and timeout settings for a service, either
// service-wide (empty StageName) or pinned to one stage.
type RetryPolicy struct {
	ServiceName       string  `json:"service_name"`
	StageName         string  `json:"stage_name,omitempty"`
	MaxRetries        int     `json:"max_retries"`
	InitialDelayMS    int     `json:"initial_delay_ms"`
	MaxDelayMS        int     `json:"max_delay_ms"`
	BackoffMultiplier float64 `json:"backoff_multiplier"`
	TimeoutMS         int     `json:"timeout_ms"`
}

func scanRetryPolicy(sc scanner) (*RetryPolicy, error) {
	var p RetryPolicy
	err := sc.Scan(&p.ServiceName, &p.StageName, &p.MaxRetries, &p.InitialDelayMS,
		&p.MaxDelayMS, &p.BackoffMultiplier, &p.TimeoutMS)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetRetryPolicy resolves the policy for a service and stage. A
// stage-specific row wins over the service-wide row (empty stage_name);
// pgx.ErrNoRows means neither exists and the caller should use built-in
// defaults. Non-empty stage names sort after the empty string, so DESC
// puts the specific row first.
func (s *Store) GetRetryPolicy(ctx context.Context, serviceName, stageName string) (*RetryPolicy, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT service_name, stage_name, max_retries, initial_delay_ms, max_delay_ms, backoff_multiplier, timeout_ms
		FROM retry_policies
		WHERE service_name = $1 AND stage_name IN ($2, '')
		ORDER BY stage_name DESC
		LIMIT 1`,
		serviceName, stageName)
	return scanRetryPolicy(row)
}

// UpsertRetryPolicy creates or replaces a policy row.
func (s *Store) UpsertRetryPolicy(ctx context.Context, p *RetryPolicy) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO retry_policies (service_name, stage_name, max_retries, initial_delay_ms, max_delay_ms, backoff_multiplier, timeout_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (service_name, stage_name) DO UPDATE
		SET max_retries = EXCLUDED.max_retries,
		    initial_delay_ms = EXCLUDED.initial_delay_ms,
		    max_delay_ms = EXCLUDED.max_delay_ms,
		    backoff_multiplier = EXCLUDED.backoff_multiplier,
		    timeout_ms = EXCLUDED.timeout_ms`,
		p.ServiceName, p.StageName, p.MaxRetries, p.InitialDelayMS,
		p.MaxDelayMS, p.BackoffMultiplier, p.TimeoutMS)
	if err != nil {
		return fmt.Errorf("upsert retry policy: %w", err)
	}
	return nil
}

// ListRetryPolicies returns every policy row ordered by service and stage.
func (s *Store) ListRetryPolicies(ctx context.Context) ([]*RetryPolicy, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT service_name, stage_name, max_retries, initial_delay_ms, max_delay_ms, backoff_multiplier, timeout_ms
		FROM retry_policies
		ORDER BY service_name, stage_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*RetryPolicy
	for rows.Next() {
		p, err := scanRetryPolicy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
