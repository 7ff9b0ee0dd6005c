package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/therealutkarshpriyadarshi/dataplan/pkg/models"
)

// ErrRecordNotFound is returned when a lookup matches no row
var ErrRecordNotFound = models.ErrNotFound

// currentStatuses matches the single record that is the user's package
const currentStatuses = `status IN ('active', 'exhausted')`

const usageColumns = `
	id, user_id, package_id, total_quota, used_data, status,
	start_date, end_date, last_used_at, created_at, updated_at`

// Repository provides database operations
type Repository struct {
	db *DB
}

// NewRepository creates a new repository
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// Health checks the underlying database
func (r *Repository) Health(ctx context.Context) error {
	return r.db.Health(ctx)
}

func scanUsage(row pgx.Row) (*models.UsageRecord, error) {
	var rec models.UsageRecord
	err := row.Scan(
		&rec.ID, &rec.UserID, &rec.PackageID, &rec.TotalQuota, &rec.UsedData, &rec.Status,
		&rec.StartDate, &rec.EndDate, &rec.LastUsedAt, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Usage Records

// FindActiveUsage returns the user's current usage record
func (r *Repository) FindActiveUsage(ctx context.Context, userID string) (*models.UsageRecord, error) {
	query := `SELECT ` + usageColumns + `
		FROM usage_records
		WHERE user_id = $1 AND ` + currentStatuses + `
		ORDER BY start_date DESC
		LIMIT 1
	`

	rec, err := scanUsage(r.db.Pool.QueryRow(ctx, query, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find active usage: %w", err)
	}

	return rec, nil
}

// FindLatestUsage returns the user's most recent usage record in any status
func (r *Repository) FindLatestUsage(ctx context.Context, userID string) (*models.UsageRecord, error) {
	query := `SELECT ` + usageColumns + `
		FROM usage_records
		WHERE user_id = $1
		ORDER BY start_date DESC, created_at DESC
		LIMIT 1
	`

	rec, err := scanUsage(r.db.Pool.QueryRow(ctx, query, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find latest usage: %w", err)
	}

	return rec, nil
}

// IncrementUsedData atomically adds delta to the current record's usage
// and returns the updated row. Concurrent increments never lose updates.
func (r *Repository) IncrementUsedData(ctx context.Context, userID string, delta float64) (*models.UsageRecord, error) {
	query := `
		UPDATE usage_records
		SET used_data = used_data + $2, last_used_at = NOW(), updated_at = NOW()
		WHERE user_id = $1 AND ` + currentStatuses + `
		RETURNING ` + usageColumns

	rec, err := scanUsage(r.db.Pool.QueryRow(ctx, query, userID, delta))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to increment used data: %w", err)
	}

	return rec, nil
}

// ExpireUsage moves the user's current record to expired when its end date
// is before at. It reports false without error when there is no current
// record or the current one is still valid, so a stale caller can never
// expire a package that replaced the one it looked at.
func (r *Repository) ExpireUsage(ctx context.Context, userID string, at time.Time) (bool, error) {
	query := `
		UPDATE usage_records
		SET status = 'expired', updated_at = NOW()
		WHERE user_id = $1 AND ` + currentStatuses + `
		  AND end_date IS NOT NULL AND end_date < $2
	`

	tag, err := r.db.Pool.Exec(ctx, query, userID, at)
	if err != nil {
		return false, fmt.Errorf("failed to expire usage: %w", err)
	}

	return tag.RowsAffected() > 0, nil
}

// MarkExhausted flags the user's active record as exhausted when its usage
// has reached the quota. It reports false when the record is already
// flagged or still has quota left.
func (r *Repository) MarkExhausted(ctx context.Context, userID string) (bool, error) {
	query := `
		UPDATE usage_records
		SET status = 'exhausted', updated_at = NOW()
		WHERE user_id = $1 AND status = 'active' AND used_data >= total_quota
	`

	tag, err := r.db.Pool.Exec(ctx, query, userID)
	if err != nil {
		return false, fmt.Errorf("failed to mark usage exhausted: %w", err)
	}

	return tag.RowsAffected() > 0, nil
}

// ListActiveUsageRecords returns every current usage record
func (r *Repository) ListActiveUsageRecords(ctx context.Context) ([]*models.UsageRecord, error) {
	query := `SELECT ` + usageColumns + `
		FROM usage_records
		WHERE ` + currentStatuses + `
		ORDER BY user_id
	`

	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list active usage: %w", err)
	}
	defer rows.Close()

	var records []*models.UsageRecord
	for rows.Next() {
		rec, err := scanUsage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan usage record: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage records: %w", err)
	}

	return records, nil
}

// ResetUsedData zeroes the current record's usage. An exhausted record
// whose validity window is still open becomes active again.
func (r *Repository) ResetUsedData(ctx context.Context, userID string) error {
	query := `
		UPDATE usage_records
		SET used_data = 0,
		    status = CASE
		        WHEN end_date IS NOT NULL AND end_date < NOW() THEN status
		        ELSE 'active'
		    END,
		    updated_at = NOW()
		WHERE user_id = $1 AND ` + currentStatuses

	if _, err := r.db.Pool.Exec(ctx, query, userID); err != nil {
		return fmt.Errorf("failed to reset used data: %w", err)
	}

	return nil
}

// ActivatePackage starts a new usage record for pkg, expiring whatever
// record was current. Both writes share a transaction so a user never has
// two current records.
func (r *Repository) ActivatePackage(ctx context.Context, userID string, pkg *models.Package, start time.Time) (*models.UsageRecord, error) {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	expire := `
		UPDATE usage_records
		SET status = 'expired', updated_at = NOW()
		WHERE user_id = $1 AND ` + currentStatuses

	if _, err := tx.Exec(ctx, expire, userID); err != nil {
		return nil, fmt.Errorf("failed to expire previous usage: %w", err)
	}

	insert := `
		INSERT INTO usage_records (id, user_id, package_id, total_quota, used_data, status, start_date, end_date)
		VALUES ($1, $2, $3, $4, 0, 'active', $5, $6)
		RETURNING ` + usageColumns

	rec, err := scanUsage(tx.QueryRow(ctx, insert,
		uuid.New().String(), userID, pkg.ID, pkg.Quota, start, pkg.EndDate(start),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create usage record: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit package activation: %w", err)
	}

	return rec, nil
}

// Packages

// GetPackage retrieves a package by ID
func (r *Repository) GetPackage(ctx context.Context, id string) (*models.Package, error) {
	var pkg models.Package

	query := `
		SELECT id, name, quota, price, validity_days, type, status, created_at, updated_at
		FROM packages
		WHERE id = $1
	`

	err := r.db.Pool.QueryRow(ctx, query, id).Scan(
		&pkg.ID, &pkg.Name, &pkg.Quota, &pkg.Price, &pkg.ValidityDays,
		&pkg.Type, &pkg.Status, &pkg.CreatedAt, &pkg.UpdatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get package: %w", err)
	}

	return &pkg, nil
}

// Users

// GetContact returns the alert channels of a user
func (r *Repository) GetContact(ctx context.Context, userID string) (*models.Contact, error) {
	var (
		contact models.Contact
		phone   *string
	)

	query := `SELECT id, name, email, phone FROM users WHERE id = $1`

	err := r.db.Pool.QueryRow(ctx, query, userID).Scan(&contact.UserID, &contact.Name, &contact.Email, &phone)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user contact: %w", err)
	}

	if phone != nil {
		contact.Phone = *phone
	}

	return &contact, nil
}
