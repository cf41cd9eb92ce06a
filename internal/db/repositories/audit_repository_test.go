package repositories

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/channelhub/channelhub/internal/db/models"
)

// ---------------------------------------------------------------------------
// Column definitions
// ---------------------------------------------------------------------------

var auditCols = []string{
	"id", "organization_id", "instance_id", "actor", "action",
	"previous_status", "new_status", "metadata", "created_at",
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func newAuditRepo(t *testing.T) (*AuditRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewAuditRepository(db), mock
}

func sampleAuditRow() *sqlmock.Rows {
	return sqlmock.NewRows(auditCols).
		AddRow("log-1", "org-1", "inst-1", "user:alice", models.AuditActionTransition,
			"connecting", "connected", []byte(`{"trigger":"provider_confirmed"}`), time.Now())
}

func strPtr(s string) *string { return &s }

// ---------------------------------------------------------------------------
// CreateAuditLog
// ---------------------------------------------------------------------------

func TestCreateAuditLog_Success(t *testing.T) {
	repo, mock := newAuditRepo(t)
	mock.ExpectExec("INSERT INTO audit_logs").
		WillReturnResult(sqlmock.NewResult(1, 1))

	log := &models.AuditLog{
		OrganizationID: strPtr("org-1"),
		InstanceID:     strPtr("inst-1"),
		Actor:          "user:alice",
		Action:         models.AuditActionTransition,
		PreviousStatus: strPtr("disconnected"),
		NewStatus:      strPtr("connecting"),
	}
	if err := repo.CreateAuditLog(context.Background(), log); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if log.ID == "" {
		t.Error("expected ID to be assigned")
	}
	if log.CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be assigned")
	}
}

func TestCreateAuditLog_WithMetadata(t *testing.T) {
	repo, mock := newAuditRepo(t)
	mock.ExpectExec("INSERT INTO audit_logs").
		WithArgs(sqlmock.AnyArg(), nil, strPtr("inst-1"), "admin:root", models.AuditActionEmergencyReset,
			strPtr("connecting"), strPtr("disconnected"), []byte(`{"tag":"emergency_reset"}`), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	log := &models.AuditLog{
		InstanceID:     strPtr("inst-1"),
		Actor:          "admin:root",
		Action:         models.AuditActionEmergencyReset,
		PreviousStatus: strPtr("connecting"),
		NewStatus:      strPtr("disconnected"),
		Metadata:       map[string]interface{}{"tag": models.AuditTagEmergencyReset},
	}
	if err := repo.CreateAuditLog(context.Background(), log); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestCreateAuditLog_DBError(t *testing.T) {
	repo, mock := newAuditRepo(t)
	mock.ExpectExec("INSERT INTO audit_logs").
		WillReturnError(errDB)

	log := &models.AuditLog{Actor: "system:monitor", Action: models.AuditActionQuarantined}
	if err := repo.CreateAuditLog(context.Background(), log); err == nil {
		t.Error("expected error, got nil")
	}
}

// ---------------------------------------------------------------------------
// ListAuditLogs
// ---------------------------------------------------------------------------

func TestListAuditLogs_NoFilters(t *testing.T) {
	repo, mock := newAuditRepo(t)
	mock.ExpectQuery("SELECT COUNT.*FROM audit_logs").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery("SELECT id.*FROM audit_logs").
		WithArgs(10, 0).
		WillReturnRows(sampleAuditRow())

	logs, total, err := repo.ListAuditLogs(context.Background(), AuditFilters{}, 10, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 1 {
		t.Errorf("total = %d, want 1", total)
	}
	if len(logs) != 1 {
		t.Fatalf("len(logs) = %d, want 1", len(logs))
	}
	if logs[0].Metadata["trigger"] != "provider_confirmed" {
		t.Errorf("metadata = %v", logs[0].Metadata)
	}
	if logs[0].NewStatus == nil || *logs[0].NewStatus != "connected" {
		t.Errorf("NewStatus = %v", logs[0].NewStatus)
	}
}

func TestListAuditLogs_WithFilters(t *testing.T) {
	repo, mock := newAuditRepo(t)
	orgID := "org-1"
	instanceID := "inst-1"
	action := models.AuditActionTransition
	start := time.Now().Add(-time.Hour)

	mock.ExpectQuery("SELECT COUNT.*FROM audit_logs WHERE 1=1 AND organization_id = \\$1 AND instance_id = \\$2 AND action = \\$3 AND created_at >= \\$4").
		WithArgs(orgID, instanceID, action, start).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery("SELECT id.*FROM audit_logs.*LIMIT \\$5 OFFSET \\$6").
		WithArgs(orgID, instanceID, action, start, 25, 50).
		WillReturnRows(sqlmock.NewRows(auditCols))

	logs, total, err := repo.ListAuditLogs(context.Background(), AuditFilters{
		OrganizationID: &orgID,
		InstanceID:     &instanceID,
		Action:         &action,
		StartDate:      &start,
	}, 25, 50)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 0 {
		t.Errorf("total = %d, want 0", total)
	}
	if len(logs) != 0 {
		t.Errorf("len(logs) = %d, want 0", len(logs))
	}
}

func TestListAuditLogs_CountError(t *testing.T) {
	repo, mock := newAuditRepo(t)
	mock.ExpectQuery("SELECT COUNT.*FROM audit_logs").
		WillReturnError(errDB)

	if _, _, err := repo.ListAuditLogs(context.Background(), AuditFilters{}, 10, 0); err == nil {
		t.Error("expected error, got nil")
	}
}

func TestListAuditLogs_QueryError(t *testing.T) {
	repo, mock := newAuditRepo(t)
	mock.ExpectQuery("SELECT COUNT.*FROM audit_logs").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery("SELECT id.*FROM audit_logs").
		WillReturnError(errDB)

	if _, _, err := repo.ListAuditLogs(context.Background(), AuditFilters{}, 10, 0); err == nil {
		t.Error("expected error, got nil")
	}
}

// ---------------------------------------------------------------------------
// GetAuditLog
// ---------------------------------------------------------------------------

func TestGetAuditLog_Found(t *testing.T) {
	repo, mock := newAuditRepo(t)
	mock.ExpectQuery("SELECT id.*FROM audit_logs.*WHERE id").
		WillReturnRows(sampleAuditRow())

	log, err := repo.GetAuditLog(context.Background(), "log-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if log == nil {
		t.Fatal("expected log, got nil")
	}
	if log.ID != "log-1" || log.Actor != "user:alice" {
		t.Errorf("unexpected log: %+v", log)
	}
}

func TestGetAuditLog_NotFound(t *testing.T) {
	repo, mock := newAuditRepo(t)
	mock.ExpectQuery("SELECT id.*FROM audit_logs.*WHERE id").
		WillReturnRows(sqlmock.NewRows(auditCols))

	log, err := repo.GetAuditLog(context.Background(), "missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if log != nil {
		t.Errorf("expected nil, got %v", log)
	}
}

func TestGetAuditLog_Error(t *testing.T) {
	repo, mock := newAuditRepo(t)
	mock.ExpectQuery("SELECT id.*FROM audit_logs.*WHERE id").
		WillReturnError(errDB)

	if _, err := repo.GetAuditLog(context.Background(), "log-1"); err == nil {
		t.Error("expected error, got nil")
	}
}
