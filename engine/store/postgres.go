// Package store предоставляет PostgreSQL реализацию Store через pgx.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/akriventsev/stepflow/engine/core"
)

// PostgresConfig конфигурация PostgreSQL хранилища
type PostgresConfig struct {
	DSN          string
	MaxConns     int32
	ConnLifetime time.Duration
	// ClaimLease срок закрепления забранных строк outbox за вызывающим
	ClaimLease time.Duration
}

// Validate проверяет корректность конфигурации
func (c PostgresConfig) Validate() error {
	if c.DSN == "" {
		return fmt.Errorf("DSN cannot be empty")
	}
	return nil
}

// DefaultPostgresConfig возвращает конфигурацию по умолчанию
func DefaultPostgresConfig() PostgresConfig {
	return PostgresConfig{
		MaxConns:     25,
		ConnLifetime: 5 * time.Minute,
		ClaimLease:   time.Minute,
	}
}

// querier общий интерфейс pgxpool.Pool и pgx.Tx
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore реализация Store для PostgreSQL
type PostgresStore struct {
	config PostgresConfig
	pool   *pgxpool.Pool
	q      querier
	logger *zap.Logger
}

// NewPostgresStore создает новое PostgreSQL хранилище
func NewPostgresStore(ctx context.Context, config PostgresConfig) (*PostgresStore, error) {
	if err := config.Validate(); err != nil {
		return nil, core.Wrap(err, core.ErrInvalidConfig, "invalid postgres config")
	}

	poolCfg, err := pgxpool.ParseConfig(config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse DSN: %w", err)
	}
	if config.MaxConns > 0 {
		poolCfg.MaxConns = config.MaxConns
	}
	if config.ConnLifetime > 0 {
		poolCfg.MaxConnLifetime = config.ConnLifetime
	}
	if config.ClaimLease <= 0 {
		config.ClaimLease = DefaultPostgresConfig().ClaimLease
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	return &PostgresStore{
		config: config,
		pool:   pool,
		q:      pool,
		logger: zap.NewNop(),
	}, nil
}

// WithLogger устанавливает логгер
func (s *PostgresStore) WithLogger(logger *zap.Logger) *PostgresStore {
	s.logger = logger
	return s
}

// Close закрывает пул соединений
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// HealthCheck проверяет доступность базы
func (s *PostgresStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) InsertRecord(ctx context.Context, record Record) error {
	stepData, err := json.Marshal(record.StepData)
	if err != nil {
		return fmt.Errorf("failed to marshal step data: %w", err)
	}

	query := `
		INSERT INTO inbound_records (id, step_data, created_at)
		VALUES ($1, $2, now())
	`
	_, err = s.q.Exec(ctx, query, record.ID, stepData)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return core.Wrap(err, core.ErrDuplicateKey, "record "+record.ID.String())
		}
		return core.Wrap(err, core.ErrPersistenceFailed, "failed to insert record")
	}
	return nil
}

func (s *PostgresStore) EnqueueOutbox(ctx context.Context, eventType string, payload []byte, scheduledFor time.Time) (uuid.UUID, error) {
	id := uuid.New()
	query := `
		INSERT INTO outbox_rows (id, event_type, payload, scheduled_for, processed, retry_count, created_at)
		VALUES ($1, $2, $3, $4, false, 0, now())
	`
	_, err := s.q.Exec(ctx, query, id, eventType, payload, scheduledFor)
	if err != nil {
		return uuid.Nil, core.Wrap(err, core.ErrPersistenceFailed, "failed to enqueue outbox row")
	}
	return id, nil
}

// ClaimDueOutbox забирает назревшие строки и закрепляет их лизингом.
// Лизинг фиксируется в claimed_until той же командой: блокировка
// FOR UPDATE защищает только отбор, закрепление переживает транзакцию
// и удерживает строку от параллельных relay до снятия или истечения.
func (s *PostgresStore) ClaimDueOutbox(ctx context.Context, now time.Time, batchSize int) ([]OutboxRow, error) {
	query := `
		WITH due AS (
			SELECT id
			FROM outbox_rows
			WHERE processed = false AND scheduled_for <= $1
			  AND (claimed_until IS NULL OR claimed_until <= $1)
			ORDER BY scheduled_for ASC, seq ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		), claimed AS (
			UPDATE outbox_rows o
			SET claimed_until = $3
			FROM due
			WHERE o.id = due.id
			RETURNING o.id, o.seq, o.event_type, o.payload, o.scheduled_for,
			          o.processed, o.processed_at, o.retry_count, o.last_error, o.created_at
		)
		SELECT * FROM claimed ORDER BY scheduled_for ASC, seq ASC
	`
	rows, err := s.q.Query(ctx, query, now, batchSize, now.Add(s.config.ClaimLease))
	if err != nil {
		return nil, core.Wrap(err, core.ErrPersistenceFailed, "failed to claim outbox rows")
	}
	defer rows.Close()

	var claimed []OutboxRow
	for rows.Next() {
		var row OutboxRow
		var lastError *string
		if err := rows.Scan(&row.ID, &row.Seq, &row.EventType, &row.Payload, &row.ScheduledFor,
			&row.Processed, &row.ProcessedAt, &row.RetryCount, &lastError, &row.CreatedAt); err != nil {
			return nil, core.Wrap(err, core.ErrPersistenceFailed, "failed to scan outbox row")
		}
		if lastError != nil {
			row.LastError = *lastError
		}
		claimed = append(claimed, row)
	}
	return claimed, rows.Err()
}

func (s *PostgresStore) MarkProcessed(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE outbox_rows
		SET processed = true, processed_at = now(), last_error = NULL, claimed_until = NULL
		WHERE id = $1
	`
	tag, err := s.q.Exec(ctx, query, id)
	if err != nil {
		return core.Wrap(err, core.ErrPersistenceFailed, "failed to mark outbox row processed")
	}
	if tag.RowsAffected() == 0 {
		return core.Wrap(core.NotFound, core.ErrNotFound, "outbox row "+id.String())
	}
	return nil
}

func (s *PostgresStore) MarkFailed(ctx context.Context, id uuid.UUID, lastError string, nextScheduledFor time.Time, newRetryCount int, deadLetter bool) error {
	var query string
	var args []any
	if deadLetter {
		query = `
			UPDATE outbox_rows
			SET processed = true, processed_at = now(), retry_count = $2, last_error = $3, claimed_until = NULL
			WHERE id = $1
		`
		args = []any{id, newRetryCount, lastError}
	} else {
		query = `
			UPDATE outbox_rows
			SET retry_count = $2, last_error = $3, scheduled_for = $4, claimed_until = NULL
			WHERE id = $1
		`
		args = []any{id, newRetryCount, lastError, nextScheduledFor}
	}
	tag, err := s.q.Exec(ctx, query, args...)
	if err != nil {
		return core.Wrap(err, core.ErrPersistenceFailed, "failed to mark outbox row failed")
	}
	if tag.RowsAffected() == 0 {
		return core.Wrap(core.NotFound, core.ErrNotFound, "outbox row "+id.String())
	}
	return nil
}

func (s *PostgresStore) RequeueOutbox(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE outbox_rows
		SET processed = false, processed_at = NULL, retry_count = 0, claimed_until = NULL, scheduled_for = now()
		WHERE id = $1 AND processed = true
	`
	tag, err := s.q.Exec(ctx, query, id)
	if err != nil {
		return core.Wrap(err, core.ErrPersistenceFailed, "failed to requeue outbox row")
	}
	if tag.RowsAffected() == 0 {
		return core.Wrap(core.NotFound, core.ErrNotFound, "outbox row "+id.String())
	}
	return nil
}

func (s *PostgresStore) LoadSaga(ctx context.Context, correlationID uuid.UUID) (*SagaInstance, error) {
	query := `
		SELECT correlation_id, workflow, current_state, record, steps,
		       started_at, last_updated, completed_at, last_error, version
		FROM saga_instances
		WHERE correlation_id = $1
	`
	var inst SagaInstance
	var recordJSON, stepsJSON []byte
	var lastError *string

	err := s.q.QueryRow(ctx, query, correlationID).Scan(
		&inst.CorrelationID, &inst.Workflow, &inst.CurrentState, &recordJSON, &stepsJSON,
		&inst.StartedAt, &inst.LastUpdated, &inst.CompletedAt, &lastError, &inst.Version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, core.Wrap(core.NotFound, core.ErrNotFound, "saga "+correlationID.String())
		}
		return nil, core.Wrap(err, core.ErrPersistenceFailed, "failed to load saga")
	}

	if err := json.Unmarshal(recordJSON, &inst.Record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal saga record: %w", err)
	}
	if err := json.Unmarshal(stepsJSON, &inst.Steps); err != nil {
		return nil, fmt.Errorf("failed to unmarshal saga steps: %w", err)
	}
	if lastError != nil {
		inst.LastError = *lastError
	}
	return &inst, nil
}

func (s *PostgresStore) SaveSaga(ctx context.Context, instance *SagaInstance, expectedVersion int64) error {
	recordJSON, err := json.Marshal(instance.Record)
	if err != nil {
		return fmt.Errorf("failed to marshal saga record: %w", err)
	}
	stepsJSON, err := json.Marshal(instance.Steps)
	if err != nil {
		return fmt.Errorf("failed to marshal saga steps: %w", err)
	}

	if expectedVersion == 0 {
		query := `
			INSERT INTO saga_instances (correlation_id, workflow, current_state, record, steps,
			                            started_at, last_updated, completed_at, last_error, version)
			VALUES ($1, $2, $3, $4, $5, $6, now(), $7, NULLIF($8, ''), 1)
			ON CONFLICT (correlation_id) DO NOTHING
		`
		tag, err := s.q.Exec(ctx, query,
			instance.CorrelationID, instance.Workflow, instance.CurrentState, recordJSON, stepsJSON,
			instance.StartedAt, instance.CompletedAt, instance.LastError)
		if err != nil {
			return core.Wrap(err, core.ErrPersistenceFailed, "failed to insert saga")
		}
		if tag.RowsAffected() == 0 {
			return core.Wrap(core.ConcurrencyConflict, core.ErrConcurrencyConflict,
				"saga "+instance.CorrelationID.String()+" already exists")
		}
		instance.Version = 1
		return nil
	}

	query := `
		UPDATE saga_instances
		SET current_state = $2, record = $3, steps = $4, last_updated = now(),
		    completed_at = $5, last_error = NULLIF($6, ''), version = $7
		WHERE correlation_id = $1 AND version = $8
	`
	tag, err := s.q.Exec(ctx, query,
		instance.CorrelationID, instance.CurrentState, recordJSON, stepsJSON,
		instance.CompletedAt, instance.LastError, expectedVersion+1, expectedVersion)
	if err != nil {
		return core.Wrap(err, core.ErrPersistenceFailed, "failed to update saga")
	}
	if tag.RowsAffected() == 0 {
		return core.Wrap(core.ConcurrencyConflict, core.ErrConcurrencyConflict,
			"saga "+instance.CorrelationID.String())
	}
	instance.Version = expectedVersion + 1
	return nil
}

// WithTransaction выполняет body в одной транзакции pgx.
// Вложенный вызов выполняется в рамках уже открытой транзакции.
func (s *PostgresStore) WithTransaction(ctx context.Context, body func(ctx context.Context, tx Store) error) error {
	if _, inTx := s.q.(pgx.Tx); inTx {
		return body(ctx, s)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return core.Wrap(err, core.ErrPersistenceFailed, "failed to begin transaction")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	txStore := &PostgresStore{config: s.config, pool: s.pool, q: tx, logger: s.logger}
	if err := body(ctx, txStore); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return core.Wrap(err, core.ErrPersistenceFailed, "failed to commit transaction")
	}
	return nil
}

func (s *PostgresStore) CountRecords(ctx context.Context) (int64, error) {
	var n int64
	err := s.q.QueryRow(ctx, `SELECT count(*) FROM inbound_records`).Scan(&n)
	return n, err
}

func (s *PostgresStore) CountUnprocessedOutbox(ctx context.Context) (int64, error) {
	var n int64
	err := s.q.QueryRow(ctx, `SELECT count(*) FROM outbox_rows WHERE processed = false`).Scan(&n)
	return n, err
}

func (s *PostgresStore) CountSagasByState(ctx context.Context) (map[string]int64, error) {
	rows, err := s.q.Query(ctx, `SELECT current_state, count(*) FROM saga_instances GROUP BY current_state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var state string
		var n int64
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[state] = n
	}
	return counts, rows.Err()
}

func (s *PostgresStore) RecentOutbox(ctx context.Context, limit int) ([]OutboxRow, error) {
	query := `
		SELECT id, seq, event_type, payload, scheduled_for, processed, processed_at, retry_count, last_error, created_at
		FROM outbox_rows
		ORDER BY seq DESC
		LIMIT $1
	`
	return s.queryOutbox(ctx, query, limit)
}

func (s *PostgresStore) DeadLetteredOutbox(ctx context.Context, limit int) ([]OutboxRow, error) {
	query := `
		SELECT id, seq, event_type, payload, scheduled_for, processed, processed_at, retry_count, last_error, created_at
		FROM outbox_rows
		WHERE processed = true AND last_error IS NOT NULL
		ORDER BY seq DESC
		LIMIT $1
	`
	return s.queryOutbox(ctx, query, limit)
}

func (s *PostgresStore) queryOutbox(ctx context.Context, query string, limit int) ([]OutboxRow, error) {
	rows, err := s.q.Query(ctx, query, limit)
	if err != nil {
		return nil, core.Wrap(err, core.ErrPersistenceFailed, "failed to query outbox rows")
	}
	defer rows.Close()

	var result []OutboxRow
	for rows.Next() {
		var row OutboxRow
		var lastError *string
		if err := rows.Scan(&row.ID, &row.Seq, &row.EventType, &row.Payload, &row.ScheduledFor,
			&row.Processed, &row.ProcessedAt, &row.RetryCount, &lastError, &row.CreatedAt); err != nil {
			return nil, core.Wrap(err, core.ErrPersistenceFailed, "failed to scan outbox row")
		}
		if lastError != nil {
			row.LastError = *lastError
		}
		result = append(result, row)
	}
	return result, rows.Err()
}
