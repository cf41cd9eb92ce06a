// channel_instance_repository.go implements ChannelInstanceRepository, the durable store for
// channel instance records. Updates are compare-and-swap on the revision column so two writers
// holding the same snapshot cannot both succeed.
package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/channelhub/channelhub/internal/db/models"
)

var (
	// ErrRevisionConflict is returned by Update when the stored revision no longer
	// matches the caller's snapshot.
	ErrRevisionConflict = errors.New("channel instance was modified concurrently")
	// ErrDuplicateInstance is returned by Create when the provider name or the
	// (organization, display name) pair is already taken.
	ErrDuplicateInstance = errors.New("channel instance already exists")
)

const uniqueViolation = "23505"

const channelInstanceColumns = `
	id, organization_id, display_name, provider_name, status, pairing_code, pairing_code_issued_at,
	last_error_message, last_connected_at, metadata, revision, created_at, updated_at`

// ChannelInstanceRepository handles database operations for channel instances
type ChannelInstanceRepository struct {
	db *sqlx.DB
}

// NewChannelInstanceRepository creates a new channel instance repository
func NewChannelInstanceRepository(db *sqlx.DB) *ChannelInstanceRepository {
	return &ChannelInstanceRepository{db: db}
}

// Create inserts a new channel instance. ID, timestamps and revision are filled in when unset.
func (r *ChannelInstanceRepository) Create(ctx context.Context, inst *models.ChannelInstance) error {
	if inst.ID == "" {
		inst.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = now
	}
	inst.UpdatedAt = inst.CreatedAt
	inst.Revision = 1
	if inst.Metadata == nil {
		inst.Metadata = models.Metadata{}
	}

	query := `
		INSERT INTO channel_instances (
			id, organization_id, display_name, provider_name, status, pairing_code, pairing_code_issued_at,
			last_error_message, last_connected_at, metadata, revision, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`

	_, err := r.db.ExecContext(ctx, query,
		inst.ID,
		inst.OrganizationID,
		inst.DisplayName,
		inst.ProviderName,
		inst.Status,
		inst.PairingCode,
		inst.PairingCodeIssuedAt,
		inst.LastErrorMessage,
		inst.LastConnectedAt,
		inst.Metadata,
		inst.Revision,
		inst.CreatedAt,
		inst.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return ErrDuplicateInstance
		}
		return fmt.Errorf("failed to create channel instance: %w", err)
	}

	return nil
}

// GetByID retrieves a channel instance by ID. Returns nil, nil when not found.
func (r *ChannelInstanceRepository) GetByID(ctx context.Context, id string) (*models.ChannelInstance, error) {
	query := `SELECT ` + channelInstanceColumns + ` FROM channel_instances WHERE id = $1`

	var inst models.ChannelInstance
	err := r.db.GetContext(ctx, &inst, query, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get channel instance: %w", err)
	}

	return &inst, nil
}

// GetByProviderName retrieves a channel instance by its provider-side name. Returns nil, nil when not found.
func (r *ChannelInstanceRepository) GetByProviderName(ctx context.Context, providerName string) (*models.ChannelInstance, error) {
	query := `SELECT ` + channelInstanceColumns + ` FROM channel_instances WHERE provider_name = $1`

	var inst models.ChannelInstance
	err := r.db.GetContext(ctx, &inst, query, providerName)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get channel instance by provider name: %w", err)
	}

	return &inst, nil
}

// ListByOrganization retrieves every channel instance owned by an organization
func (r *ChannelInstanceRepository) ListByOrganization(ctx context.Context, organizationID string) ([]*models.ChannelInstance, error) {
	query := `SELECT ` + channelInstanceColumns + `
		FROM channel_instances
		WHERE organization_id = $1
		ORDER BY display_name`

	var instances []*models.ChannelInstance
	if err := r.db.SelectContext(ctx, &instances, query, organizationID); err != nil {
		return nil, fmt.Errorf("failed to list channel instances: %w", err)
	}

	return instances, nil
}

// ListByStatus retrieves every channel instance currently in one of the given statuses
func (r *ChannelInstanceRepository) ListByStatus(ctx context.Context, statuses ...models.InstanceStatus) ([]*models.ChannelInstance, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	values := make([]string, len(statuses))
	for i, s := range statuses {
		values[i] = string(s)
	}

	query := `SELECT ` + channelInstanceColumns + `
		FROM channel_instances
		WHERE status = ANY($1)
		ORDER BY updated_at`

	var instances []*models.ChannelInstance
	if err := r.db.SelectContext(ctx, &instances, query, pq.Array(values)); err != nil {
		return nil, fmt.Errorf("failed to list channel instances by status: %w", err)
	}

	return instances, nil
}

// Update writes the mutable fields of inst if the stored revision still equals
// expectedRevision. On success inst.Revision is advanced; on a mismatch
// ErrRevisionConflict is returned and nothing is written. organization_id and
// provider_name are never updated.
func (r *ChannelInstanceRepository) Update(ctx context.Context, inst *models.ChannelInstance, expectedRevision int64) error {
	if inst.UpdatedAt.IsZero() {
		inst.UpdatedAt = time.Now().UTC()
	}
	if inst.Metadata == nil {
		inst.Metadata = models.Metadata{}
	}

	query := `
		UPDATE channel_instances
		SET display_name = $3, status = $4, pairing_code = $5, pairing_code_issued_at = $6,
		    last_error_message = $7, last_connected_at = $8, metadata = $9,
		    updated_at = $10, revision = revision + 1
		WHERE id = $1 AND revision = $2
	`

	result, err := r.db.ExecContext(ctx, query,
		inst.ID,
		expectedRevision,
		inst.DisplayName,
		inst.Status,
		inst.PairingCode,
		inst.PairingCodeIssuedAt,
		inst.LastErrorMessage,
		inst.LastConnectedAt,
		inst.Metadata,
		inst.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update channel instance: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrRevisionConflict
	}

	inst.Revision = expectedRevision + 1
	return nil
}
