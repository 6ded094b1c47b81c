package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/dosemind/dosemind/internal/medication"
)

// uniqueViolation is the Postgres error code raised by the partial unique
// index on dose_logs (medicine_id, slot, day) WHERE status = 'taken'.
const uniqueViolation = "23505"

// Config holds database connection parameters
type Config struct {
	Host     string
	Password string
	User     string
	Database string
	SSLMode  string
	Port     int
}

// Postgres is the pgx-backed Store. It also serves as the connectivity
// probe: the engine asks it whether the remote side is reachable before
// attempting a queue drain.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// New creates a connection pool and verifies it.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Postgres, error) {
	var dsn string
	if cfg.Password != "" {
		dsn = fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
		)
	} else {
		dsn = fmt.Sprintf(
			"host=%s port=%d user=%s dbname=%s sslmode=%s",
			cfg.Host, cfg.Port, cfg.User, cfg.Database, cfg.SSLMode,
		)
	}

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = 1 * time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	logger.Info("database connection established",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.String("database", cfg.Database),
	)

	return &Postgres{pool: pool, logger: logger}, nil
}

// Close closes the connection pool.
func (p *Postgres) Close() {
	p.logger.Info("closing database connection pool")
	p.pool.Close()
}

// IsConnected implements the connectivity probe consulted before drains.
func (p *Postgres) IsConnected(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return p.pool.Ping(probeCtx) == nil
}

// UpsertMedication inserts or fully replaces a medication row, keyed by its
// stable identifier. Replaying the same upsert twice is harmless.
func (p *Postgres) UpsertMedication(ctx context.Context, med medication.Medication) error {
	times, err := json.Marshal(med.Times)
	if err != nil {
		return fmt.Errorf("marshal trigger times: %w", err)
	}

	query := `
		INSERT INTO medications (
			id, account_id, name, times, quantity,
			dose_amount, refill_threshold, low_stock_alerted, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			times = EXCLUDED.times,
			quantity = EXCLUDED.quantity,
			dose_amount = EXCLUDED.dose_amount,
			refill_threshold = EXCLUDED.refill_threshold,
			low_stock_alerted = EXCLUDED.low_stock_alerted,
			updated_at = NOW()
	`

	_, err = p.pool.Exec(ctx, query,
		med.ID,
		med.AccountID,
		med.Name,
		times,
		med.Quantity,
		med.DoseAmount,
		med.RefillThreshold,
		med.LowStockAlerted,
	)
	if err != nil {
		p.logger.Error("failed to upsert medication",
			zap.Error(err),
			zap.String("medication_id", med.ID.String()),
		)
		return fmt.Errorf("upsert medication: %w", err)
	}

	return nil
}

// DeleteMedication removes a medication row. Deleting a row that is already
// gone is reported as an idempotent conflict so replays converge.
func (p *Postgres) DeleteMedication(ctx context.Context, accountID, medID uuid.UUID) error {
	result, err := p.pool.Exec(ctx,
		`DELETE FROM medications WHERE id = $1 AND account_id = $2`,
		medID, accountID,
	)
	if err != nil {
		return fmt.Errorf("delete medication: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrIdempotentConflict
	}
	return nil
}

// ListMedications returns the account's medications ordered by name.
func (p *Postgres) ListMedications(ctx context.Context, accountID uuid.UUID) ([]medication.Medication, error) {
	query := `
		SELECT id, account_id, name, times, quantity,
		       dose_amount, refill_threshold, low_stock_alerted,
		       created_at, updated_at
		FROM medications
		WHERE account_id = $1
		ORDER BY name ASC
	`

	rows, err := p.pool.Query(ctx, query, accountID)
	if err != nil {
		return nil, fmt.Errorf("query medications: %w", err)
	}
	defer rows.Close()

	var meds []medication.Medication
	for rows.Next() {
		var med medication.Medication
		var times []byte
		err := rows.Scan(
			&med.ID,
			&med.AccountID,
			&med.Name,
			&times,
			&med.Quantity,
			&med.DoseAmount,
			&med.RefillThreshold,
			&med.LowStockAlerted,
			&med.CreatedAt,
			&med.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan medication: %w", err)
		}
		if err := json.Unmarshal(times, &med.Times); err != nil {
			return nil, fmt.Errorf("decode trigger times: %w", err)
		}
		meds = append(meds, med)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return meds, nil
}

// InsertDoseLog records one consumption event. The partial unique index on
// (medicine_id, slot, day) for taken entries makes a duplicate attempt fail
// with a unique violation, surfaced as ErrIdempotentConflict.
func (p *Postgres) InsertDoseLog(ctx context.Context, entry medication.DoseLog) error {
	query := `
		INSERT INTO dose_logs (
			medicine_id, account_id, slot, day, taken_at, status
		) VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := p.pool.Exec(ctx, query,
		entry.MedicineID,
		entry.AccountID,
		entry.Slot.String(),
		entry.Day,
		entry.TakenAt,
		entry.Status,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			p.logger.Info("dose log already recorded remotely",
				zap.String("medicine_id", entry.MedicineID.String()),
				zap.String("slot", entry.Slot.String()),
				zap.String("day", entry.Day),
			)
			return ErrIdempotentConflict
		}
		p.logger.Error("failed to insert dose log",
			zap.Error(err),
			zap.String("medicine_id", entry.MedicineID.String()),
		)
		return fmt.Errorf("insert dose log: %w", err)
	}

	return nil
}
