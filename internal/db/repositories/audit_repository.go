// audit_repository.go implements AuditRepository, providing append-only writes and
// filtered reads of the connection lifecycle audit trail.
package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/channelhub/channelhub/internal/db/models"
)

// AuditRepository handles audit log database operations. There is deliberately no
// update or delete: entries are append-only.
type AuditRepository struct {
	db *sql.DB
}

// NewAuditRepository creates a new AuditRepository
func NewAuditRepository(db *sql.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// AuditFilters contains filters for querying audit logs
type AuditFilters struct {
	OrganizationID *string
	InstanceID     *string
	Actor          *string
	Action         *string
	StartDate      *time.Time
	EndDate        *time.Time
}

// CreateAuditLog creates a new audit log entry
func (r *AuditRepository) CreateAuditLog(ctx context.Context, log *models.AuditLog) error {
	if log.ID == "" {
		log.ID = uuid.New().String()
	}
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}

	var metadataJSON []byte
	var err error
	if log.Metadata != nil {
		metadataJSON, err = json.Marshal(log.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode audit metadata: %w", err)
		}
	}

	query := `
		INSERT INTO audit_logs (id, organization_id, instance_id, actor, action, previous_status, new_status, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err = r.db.ExecContext(ctx, query,
		log.ID,
		log.OrganizationID,
		log.InstanceID,
		log.Actor,
		log.Action,
		log.PreviousStatus,
		log.NewStatus,
		metadataJSON,
		log.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create audit log: %w", err)
	}

	return nil
}

// ListAuditLogs retrieves audit logs with optional filters and pagination, newest first
func (r *AuditRepository) ListAuditLogs(ctx context.Context, filters AuditFilters, limit, offset int) ([]*models.AuditLog, int, error) {
	where := ` WHERE 1=1`
	args := make([]interface{}, 0)
	paramIndex := 1

	addFilter := func(column string, value interface{}, op string) {
		where += fmt.Sprintf(` AND %s %s $%d`, column, op, paramIndex)
		args = append(args, value)
		paramIndex++
	}

	if filters.OrganizationID != nil {
		addFilter("organization_id", *filters.OrganizationID, "=")
	}
	if filters.InstanceID != nil {
		addFilter("instance_id", *filters.InstanceID, "=")
	}
	if filters.Actor != nil {
		addFilter("actor", *filters.Actor, "=")
	}
	if filters.Action != nil {
		addFilter("action", *filters.Action, "=")
	}
	if filters.StartDate != nil {
		addFilter("created_at", *filters.StartDate, ">=")
	}
	if filters.EndDate != nil {
		addFilter("created_at", *filters.EndDate, "<=")
	}

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_logs`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count audit logs: %w", err)
	}

	query := `
		SELECT id, organization_id, instance_id, actor, action, previous_status, new_status, metadata, created_at
		FROM audit_logs` + where +
		fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, paramIndex, paramIndex+1)
	args = append(args, limit, offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list audit logs: %w", err)
	}
	defer rows.Close()

	logs := make([]*models.AuditLog, 0)
	for rows.Next() {
		log, err := scanAuditLog(rows)
		if err != nil {
			return nil, 0, err
		}
		logs = append(logs, log)
	}

	return logs, total, rows.Err()
}

// GetAuditLog retrieves a single audit log entry by ID
func (r *AuditRepository) GetAuditLog(ctx context.Context, logID string) (*models.AuditLog, error) {
	query := `
		SELECT id, organization_id, instance_id, actor, action, previous_status, new_status, metadata, created_at
		FROM audit_logs
		WHERE id = $1
	`

	log, err := scanAuditLog(r.db.QueryRowContext(ctx, query, logID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return log, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAuditLog(row rowScanner) (*models.AuditLog, error) {
	log := &models.AuditLog{}
	var metadataJSON []byte

	err := row.Scan(
		&log.ID,
		&log.OrganizationID,
		&log.InstanceID,
		&log.Actor,
		&log.Action,
		&log.PreviousStatus,
		&log.NewStatus,
		&metadataJSON,
		&log.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if metadataJSON != nil {
		if err := json.Unmarshal(metadataJSON, &log.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode audit metadata: %w", err)
		}
	}

	return log, nil
}
