package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/channelhub/channelhub/internal/db/models"
	"github.com/channelhub/channelhub/internal/safego"
)

// shipTimeout bounds a single background delivery to the external shippers.
const shipTimeout = 10 * time.Second

// Store persists audit rows. It is satisfied by repositories.AuditRepository.
type Store interface {
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

// Recorder writes audit entries to the database and fans them out to the
// configured shippers. Persistence is synchronous; shipping is not, so a slow
// destination never delays a lifecycle operation.
type Recorder struct {
	store   Store
	shipper Shipper
	wg      sync.WaitGroup
}

// NewRecorder creates a Recorder. Either argument may be nil.
func NewRecorder(store Store, shipper Shipper) *Recorder {
	return &Recorder{store: store, shipper: shipper}
}

// Record persists entry and schedules it for shipping.
func (r *Recorder) Record(ctx context.Context, entry *models.AuditLog) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if r.store != nil {
		if err := r.store.CreateAuditLog(ctx, entry); err != nil {
			return fmt.Errorf("failed to persist audit entry %s: %w", entry.Action, err)
		}
	}
	if r.shipper == nil {
		return nil
	}

	shipped := EntryFromModel(entry)
	r.wg.Add(1)
	safego.Go("audit.ship", func() {
		defer r.wg.Done()
		shipCtx, cancel := context.WithTimeout(context.Background(), shipTimeout)
		defer cancel()
		if err := r.shipper.Ship(shipCtx, shipped); err != nil {
			slog.Warn("failed to ship audit entry", "action", shipped.Action,
				"instance_id", shipped.InstanceID, "error", err)
		}
	})
	return nil
}

// Close waits for pending deliveries and closes the shipper.
func (r *Recorder) Close() error {
	r.wg.Wait()
	if r.shipper == nil {
		return nil
	}
	return r.shipper.Close()
}
