// Package instance owns the connection lifecycle of channel instances: the
// status state machine, pairing-code rules, provider webhook handling and the
// operations exposed to API callers.
//
// Every read-validate-write of one instance happens under that instance's lock.
// Provider calls are never made while holding it: the service works on a
// snapshot, releases the lock, calls the provider, then re-acquires the lock and
// checks that status and revision are unchanged before applying the result.
package instance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/channelhub/channelhub/internal/clock"
	"github.com/channelhub/channelhub/internal/db/models"
	"github.com/channelhub/channelhub/internal/db/repositories"
	"github.com/channelhub/channelhub/internal/provider"
	"github.com/channelhub/channelhub/internal/telemetry"
)

// Well-known actors recorded in the audit trail.
const (
	ActorWebhook = "provider:webhook"
	ActorMonitor = "system:monitor"
	ActorSystem  = "system"
)

// UserActor formats the audit actor for an authenticated API caller.
func UserActor(subject string) string {
	return "user:" + subject
}

const maxDisplayNameLength = 100

// Store persists channel instances. Update must be a compare-and-swap on
// expectedRevision and return repositories.ErrRevisionConflict on mismatch.
type Store interface {
	Create(ctx context.Context, inst *models.ChannelInstance) error
	GetByID(ctx context.Context, id string) (*models.ChannelInstance, error)
	GetByProviderName(ctx context.Context, providerName string) (*models.ChannelInstance, error)
	ListByOrganization(ctx context.Context, organizationID string) ([]*models.ChannelInstance, error)
	ListByStatus(ctx context.Context, statuses ...models.InstanceStatus) ([]*models.ChannelInstance, error)
	Update(ctx context.Context, inst *models.ChannelInstance, expectedRevision int64) error
}

// Provider is the subset of the provider client the service uses.
type Provider interface {
	CreateInstance(ctx context.Context, name string) error
	Connect(ctx context.Context, name string) (*provider.PairingCode, error)
	RefreshPairing(ctx context.Context, name string) (*provider.PairingCode, error)
	Logout(ctx context.Context, name string) error
	ConnectionState(ctx context.Context, name string) (provider.State, error)
	FetchInstances(ctx context.Context) ([]provider.RemoteInstance, error)
}

// AuditSink records audit entries.
type AuditSink interface {
	Record(ctx context.Context, entry *models.AuditLog) error
}

// Supervisor is the monitoring side of the lifecycle.
type Supervisor interface {
	Register(instanceID, organizationID string)
	StartMonitoring(instanceID string, interval time.Duration) error
	StopMonitoring(instanceID string)
	IsQuarantined(instanceID string) bool
}

// Options configures a Service. Zero values fall back to defaults.
type Options struct {
	Pairing            PairingPolicy
	MonitorInterval    time.Duration
	ConnectTimeout     time.Duration
	StatusTimeout      time.Duration
	HealthCheckTimeout time.Duration
	WebhookConfigured  bool
	Clock              clock.Clock
}

func (o *Options) setDefaults() {
	if o.Pairing.Window == 0 {
		o.Pairing = DefaultPairingPolicy()
	}
	if o.MonitorInterval == 0 {
		o.MonitorInterval = 30 * time.Second
	}
	if o.ConnectTimeout == 0 {
		o.ConnectTimeout = 30 * time.Second
	}
	if o.StatusTimeout == 0 {
		o.StatusTimeout = 10 * time.Second
	}
	if o.HealthCheckTimeout == 0 {
		o.HealthCheckTimeout = 5 * time.Second
	}
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
}

// Service implements the connection lifecycle operations.
type Service struct {
	store      Store
	provider   Provider
	audit      AuditSink
	supervisor Supervisor
	locks      *KeyedMutex
	opts       Options
}

// NewService wires a Service. The supervisor may be attached later with
// SetSupervisor when it is constructed after the service.
func NewService(store Store, p Provider, audit AuditSink, supervisor Supervisor, opts Options) *Service {
	opts.setDefaults()
	return &Service{
		store:      store,
		provider:   p,
		audit:      audit,
		supervisor: supervisor,
		locks:      NewKeyedMutex(),
		opts:       opts,
	}
}

// SetSupervisor attaches the monitoring registry.
func (s *Service) SetSupervisor(sup Supervisor) {
	s.supervisor = sup
}

// PairingPolicy returns the policy the service applies.
func (s *Service) PairingPolicy() PairingPolicy {
	return s.opts.Pairing
}

// ConnectResult is returned by Connect.
type ConnectResult struct {
	InstanceID  string                `json:"instance_id"`
	Status      models.InstanceStatus `json:"status"`
	PairingCode *string               `json:"pairing_code,omitempty"`
	ExpiresIn   *int                  `json:"expires_in,omitempty"`
}

// PairingResult is returned by RefreshPairingCode.
type PairingResult struct {
	InstanceID  string `json:"instance_id"`
	PairingCode string `json:"pairing_code"`
	ExpiresIn   int    `json:"expires_in"`
}

// StatusView is the externally visible state of an instance.
type StatusView struct {
	InstanceID       string                `json:"instance_id"`
	OrganizationID   string                `json:"organization_id"`
	DisplayName      string                `json:"display_name"`
	ProviderName     string                `json:"provider_name"`
	Status           models.InstanceStatus `json:"status"`
	PairingCode      *string               `json:"pairing_code,omitempty"`
	ExpiresIn        *int                  `json:"expires_in,omitempty"`
	LastErrorMessage *string               `json:"last_error_message,omitempty"`
	LastConnectedAt  *time.Time            `json:"last_connected_at,omitempty"`
	ProviderState    provider.State        `json:"provider_state,omitempty"`
	Quarantined      bool                  `json:"quarantined"`
	UpdatedAt        time.Time             `json:"updated_at"`
}

// SyncResult summarises a Sync run.
type SyncResult struct {
	Created int      `json:"created"`
	Updated int      `json:"updated"`
	Errors  []string `json:"errors"`
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

// GetInstance returns the stored record without contacting the provider.
func (s *Service) GetInstance(ctx context.Context, id string) (*models.ChannelInstance, error) {
	return s.load(ctx, id)
}

// ListInstances returns every instance of an organization.
func (s *Service) ListInstances(ctx context.Context, organizationID string) ([]*models.ChannelInstance, error) {
	if strings.TrimSpace(organizationID) == "" {
		return nil, invalidInput("organization_id is required")
	}
	list, err := s.store.ListByOrganization(ctx, organizationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	return list, nil
}

// View renders the externally visible state of inst.
func (s *Service) View(inst *models.ChannelInstance) StatusView {
	v := StatusView{
		InstanceID:       inst.ID,
		OrganizationID:   inst.OrganizationID,
		DisplayName:      inst.DisplayName,
		ProviderName:     inst.ProviderName,
		Status:           inst.Status,
		LastErrorMessage: inst.LastErrorMessage,
		LastConnectedAt:  inst.LastConnectedAt,
		UpdatedAt:        inst.UpdatedAt,
	}
	if inst.Status == models.StatusConnecting && inst.PairingCode != nil && inst.PairingCodeIssuedAt != nil {
		code := *inst.PairingCode
		exp := s.opts.Pairing.ExpiresIn(*inst.PairingCodeIssuedAt, s.opts.Clock.Now())
		v.PairingCode = &code
		v.ExpiresIn = &exp
	}
	if s.supervisor != nil {
		v.Quarantined = s.supervisor.IsQuarantined(inst.ID)
	}
	return v
}

// ---------------------------------------------------------------------------
// Create
// ---------------------------------------------------------------------------

// Create registers a new provider session for an organization and stores its
// record in the disconnected state.
func (s *Service) Create(ctx context.Context, organizationID, displayName, actor string) (*models.ChannelInstance, error) {
	organizationID = strings.TrimSpace(organizationID)
	displayName = strings.TrimSpace(displayName)
	if organizationID == "" {
		return nil, invalidInput("organization_id is required")
	}
	if displayName == "" {
		return nil, invalidInput("display_name is required")
	}
	if len(displayName) > maxDisplayNameLength {
		return nil, invalidInput(fmt.Sprintf("display_name must be at most %d characters", maxDisplayNameLength))
	}
	name := models.ProviderName(organizationID, displayName)
	if name == models.ProviderNamePrefix(organizationID) {
		return nil, invalidInput("display_name must contain at least one letter or digit")
	}

	existing, err := s.store.GetByProviderName(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to look up instance: %w", err)
	}
	if existing != nil {
		return nil, &Error{Code: CodeAlreadyExists, Message: fmt.Sprintf("an instance named %q already exists", displayName), InstanceID: existing.ID}
	}

	pctx, cancel := context.WithTimeout(ctx, s.opts.ConnectTimeout)
	err = s.provider.CreateInstance(pctx, name)
	cancel()
	if err != nil {
		return nil, providerFailure("", "create", err)
	}

	now := s.opts.Clock.Now()
	inst := &models.ChannelInstance{
		OrganizationID: organizationID,
		DisplayName:    displayName,
		ProviderName:   name,
		Status:         models.StatusDisconnected,
		Metadata:       models.Metadata{"webhook_configured": s.opts.WebhookConfigured},
		CreatedAt:      now,
	}
	if err := s.store.Create(ctx, inst); err != nil {
		if errors.Is(err, repositories.ErrDuplicateInstance) {
			return nil, &Error{Code: CodeAlreadyExists, Message: fmt.Sprintf("an instance named %q already exists", displayName)}
		}
		return nil, fmt.Errorf("failed to store instance: %w", err)
	}

	s.record(ctx, &models.AuditLog{
		OrganizationID: strPtr(inst.OrganizationID),
		InstanceID:     strPtr(inst.ID),
		Actor:          actor,
		Action:         models.AuditActionInstanceCreated,
		NewStatus:      strPtr(string(inst.Status)),
		Metadata:       map[string]interface{}{"provider_name": inst.ProviderName},
		CreatedAt:      now,
	})
	if s.supervisor != nil {
		s.supervisor.Register(inst.ID, inst.OrganizationID)
	}

	slog.Info("channel instance created", "instance_id", inst.ID, "organization_id", organizationID, "provider_name", name)
	return inst, nil
}

// ---------------------------------------------------------------------------
// Connect
// ---------------------------------------------------------------------------

// Connect starts pairing. Calling it again while connecting returns the code
// already issued, or a fresh one once that code's window has elapsed.
// Quarantined instances are refused whatever their status.
func (s *Service) Connect(ctx context.Context, id, actor string) (*ConnectResult, error) {
	unlock := s.locks.Lock(id)
	inst, err := s.load(ctx, id)
	if err != nil {
		unlock()
		return nil, err
	}
	if s.isQuarantined(id) {
		unlock()
		return nil, quarantined(id)
	}

	var trigger Trigger
	switch inst.Status {
	case models.StatusConnecting:
		unlock()
		if inst.PairingCodeIssuedAt != nil && s.opts.Pairing.Expired(*inst.PairingCodeIssuedAt, s.opts.Clock.Now()) {
			pr, err := s.RefreshPairingCode(ctx, id, actor)
			if err != nil {
				return nil, err
			}
			return &ConnectResult{InstanceID: id, Status: models.StatusConnecting, PairingCode: &pr.PairingCode, ExpiresIn: &pr.ExpiresIn}, nil
		}
		res := &ConnectResult{InstanceID: inst.ID, Status: inst.Status}
		v := s.View(inst)
		res.PairingCode, res.ExpiresIn = v.PairingCode, v.ExpiresIn
		return res, nil
	case models.StatusConnected:
		unlock()
		return nil, &Error{Code: CodeAlreadyConnected, Message: "instance is already connected", InstanceID: id, Current: inst.Status}
	case models.StatusError:
		trigger = TriggerRetry
	default:
		trigger = TriggerConnect
	}
	if err := ValidateTransition(id, inst.Status, models.StatusConnecting, trigger); err != nil {
		unlock()
		return nil, err
	}

	snapshot, err := s.commit(ctx, inst, models.StatusConnecting, trigger, actor, "", nil, nil)
	unlock()
	if err != nil {
		return nil, err
	}

	pctx, cancel := context.WithTimeout(ctx, s.opts.ConnectTimeout)
	code, perr := s.provider.Connect(pctx, snapshot.ProviderName)
	cancel()

	unlock = s.locks.Lock(id)
	defer unlock()

	cur, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}

	if perr != nil {
		slog.Warn("provider connect failed", "instance_id", id, "error", perr)
		if cur.Status == models.StatusConnecting && cur.Revision == snapshot.Revision {
			if _, err := s.commit(ctx, cur, models.StatusError, TriggerProviderFailure, actor, "connect failed: "+perr.Error(), nil, nil); err != nil {
				slog.Error("failed to record connect failure", "instance_id", id, "error", err)
			}
		}
		return nil, providerFailure(id, "connect", perr)
	}

	if cur.Status != models.StatusConnecting || cur.Revision != snapshot.Revision {
		return nil, concurrentModification(id, cur.Status)
	}

	next := cur.Clone()
	setPairingCode(next, code.Code, s.opts.Clock.Now())
	if err := s.store.Update(ctx, next, cur.Revision); err != nil {
		return nil, s.updateErr(cur, err)
	}

	s.startSupervision(next)

	exp := s.opts.Pairing.ExpiresIn(*next.PairingCodeIssuedAt, s.opts.Clock.Now())
	return &ConnectResult{InstanceID: id, Status: next.Status, PairingCode: next.PairingCode, ExpiresIn: &exp}, nil
}

// ---------------------------------------------------------------------------
// RefreshPairingCode
// ---------------------------------------------------------------------------

// RefreshPairingCode restarts the provider session to obtain a fresh code. It
// is refused while the current code is close to expiry, since a scan may be
// in progress.
func (s *Service) RefreshPairingCode(ctx context.Context, id, actor string) (*PairingResult, error) {
	unlock := s.locks.Lock(id)
	inst, err := s.load(ctx, id)
	if err != nil {
		unlock()
		return nil, err
	}
	if inst.Status != models.StatusConnecting {
		unlock()
		return nil, invalidTransition(id, inst.Status, models.StatusConnecting, "pairing codes can only be refreshed while connecting")
	}
	if s.isQuarantined(id) {
		unlock()
		return nil, quarantined(id)
	}
	if err := s.opts.Pairing.CheckRefresh(id, inst.PairingCodeIssuedAt, s.opts.Clock.Now()); err != nil {
		unlock()
		return nil, err
	}
	snapshot := inst.Clone()
	unlock()

	pctx, cancel := context.WithTimeout(ctx, s.opts.ConnectTimeout)
	code, perr := s.provider.RefreshPairing(pctx, snapshot.ProviderName)
	cancel()

	unlock = s.locks.Lock(id)
	defer unlock()

	cur, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.Status != models.StatusConnecting || cur.Revision != snapshot.Revision {
		if perr != nil {
			return nil, providerFailure(id, "refresh", perr)
		}
		return nil, concurrentModification(id, cur.Status)
	}
	if perr != nil {
		slog.Warn("provider pairing refresh failed", "instance_id", id, "error", perr)
		if _, err := s.commit(ctx, cur, models.StatusError, TriggerProviderFailure, actor, "pairing refresh failed: "+perr.Error(), nil, nil); err != nil {
			slog.Error("failed to record refresh failure", "instance_id", id, "error", err)
		}
		return nil, providerFailure(id, "refresh", perr)
	}

	now := s.opts.Clock.Now()
	next, err := s.commit(ctx, cur, models.StatusConnecting, TriggerPairingRefresh, actor, "", func(n *models.ChannelInstance) {
		setPairingCode(n, code.Code, now)
	}, nil)
	if err != nil {
		return nil, err
	}
	return &PairingResult{InstanceID: id, PairingCode: code.Code, ExpiresIn: s.opts.Pairing.ExpiresIn(*next.PairingCodeIssuedAt, now)}, nil
}

// ---------------------------------------------------------------------------
// GetStatus / CheckHealth
// ---------------------------------------------------------------------------

// GetStatus queries the provider and reconciles the stored status with its
// answer. A provider answer that implies an illegal transition leaves the
// stored status untouched. An unreachable provider moves the instance to
// error when that transition is legal.
func (s *Service) GetStatus(ctx context.Context, id, actor string) (*StatusView, error) {
	inst, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if inst.Status == models.StatusSuspended {
		v := s.View(inst)
		return &v, nil
	}

	pctx, cancel := context.WithTimeout(ctx, s.opts.StatusTimeout)
	state, perr := s.provider.ConnectionState(pctx, inst.ProviderName)
	cancel()

	cur, err := s.reconcile(ctx, inst, state, perr, actor)
	if err != nil {
		return nil, err
	}
	v := s.View(cur)
	v.ProviderState = state
	return &v, nil
}

// CheckHealth performs one supervision check: a provider state query bounded
// by the health-check timeout, reconciled like GetStatus. The provider error,
// if any, is returned so the caller can count it.
func (s *Service) CheckHealth(ctx context.Context, id string) error {
	inst, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	if inst.Status == models.StatusSuspended {
		return nil
	}

	pctx, cancel := context.WithTimeout(ctx, s.opts.HealthCheckTimeout)
	state, perr := s.provider.ConnectionState(pctx, inst.ProviderName)
	cancel()

	if _, err := s.reconcile(ctx, inst, state, perr, ActorMonitor); err != nil {
		slog.Warn("failed to reconcile instance after health check", "instance_id", id, "error", err)
	}
	if perr != nil {
		return providerFailure(id, "health check", perr)
	}
	return nil
}

// reconcile applies the transition implied by a provider answer when it is
// legal and the record has not moved since snapshot was taken.
func (s *Service) reconcile(ctx context.Context, snapshot *models.ChannelInstance, state provider.State, perr error, actor string) (*models.ChannelInstance, error) {
	var (
		to      models.InstanceStatus
		trigger Trigger
		errMsg  string
		ok      bool
	)
	if perr != nil {
		to, trigger, errMsg = models.StatusError, TriggerProviderFailure, "provider unreachable: "+perr.Error()
		ok = snapshot.Status != models.StatusError
	} else {
		to, trigger, errMsg, ok = TargetForState(snapshot.Status, state)
	}
	if !ok || ValidateTransition(snapshot.ID, snapshot.Status, to, trigger) != nil {
		return snapshot, nil
	}

	unlock := s.locks.Lock(snapshot.ID)
	defer unlock()

	cur, err := s.load(ctx, snapshot.ID)
	if err != nil {
		return nil, err
	}
	if cur.Revision != snapshot.Revision {
		return cur, nil
	}
	next, err := s.commit(ctx, cur, to, trigger, actor, errMsg, nil, nil)
	if err != nil {
		if errors.Is(err, ErrConcurrentModification) {
			return s.load(ctx, snapshot.ID)
		}
		return nil, err
	}
	s.afterProviderTransition(next)
	return next, nil
}

// TargetForState maps a provider state onto the status transition it implies
// for an instance currently in from. ok is false when nothing should change.
func TargetForState(from models.InstanceStatus, state provider.State) (to models.InstanceStatus, trigger Trigger, errMsg string, ok bool) {
	switch state {
	case provider.StateOpen:
		if from == models.StatusConnected {
			return "", "", "", false
		}
		return models.StatusConnected, TriggerProviderConfirmed, "", true
	case provider.StateClose:
		switch from {
		case models.StatusConnected:
			return models.StatusDisconnected, TriggerProviderClosed, "", true
		case models.StatusConnecting:
			return models.StatusError, TriggerProviderFailure, "provider closed the session during pairing", true
		}
		return "", "", "", false
	case provider.StateConnecting:
		if from == models.StatusConnecting {
			return "", "", "", false
		}
		// Entering connecting is reserved for an explicit connect.
		return models.StatusConnecting, TriggerProviderConfirmed, "", true
	}
	return "", "", "", false
}

// ---------------------------------------------------------------------------
// Disconnect
// ---------------------------------------------------------------------------

// Disconnect logs the provider session out and stops supervision.
func (s *Service) Disconnect(ctx context.Context, id, actor string) (*StatusView, error) {
	unlock := s.locks.Lock(id)
	inst, err := s.load(ctx, id)
	if err != nil {
		unlock()
		return nil, err
	}
	if s.isQuarantined(id) {
		unlock()
		return nil, quarantined(id)
	}
	if inst.Status != models.StatusConnected {
		unlock()
		return nil, invalidTransition(id, inst.Status, models.StatusDisconnected, "only connected instances can be disconnected")
	}
	snapshot := inst.Clone()
	unlock()

	pctx, cancel := context.WithTimeout(ctx, s.opts.ConnectTimeout)
	perr := s.provider.Logout(pctx, snapshot.ProviderName)
	cancel()
	if perr != nil {
		slog.Warn("provider logout failed", "instance_id", id, "error", perr)
		return nil, providerFailure(id, "logout", perr)
	}

	unlock = s.locks.Lock(id)
	defer unlock()

	cur, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.Status == models.StatusDisconnected {
		// The provider's close webhook already landed.
		v := s.View(cur)
		return &v, nil
	}
	if cur.Status != models.StatusConnected || cur.Revision != snapshot.Revision {
		return nil, concurrentModification(id, cur.Status)
	}
	next, err := s.commit(ctx, cur, models.StatusDisconnected, TriggerLogout, actor, "", nil, nil)
	if err != nil {
		return nil, err
	}
	if s.supervisor != nil {
		s.supervisor.StopMonitoring(id)
	}
	v := s.View(next)
	return &v, nil
}

// ---------------------------------------------------------------------------
// Sync
// ---------------------------------------------------------------------------

// Sync reconciles an organization's records with the sessions the provider
// knows about: missing records are created, existing ones are moved where the
// provider state implies a legal transition. Per-instance failures are
// collected rather than aborting the run.
func (s *Service) Sync(ctx context.Context, organizationID, actor string) (*SyncResult, error) {
	organizationID = strings.TrimSpace(organizationID)
	if organizationID == "" {
		return nil, invalidInput("organization_id is required")
	}

	pctx, cancel := context.WithTimeout(ctx, s.opts.StatusTimeout)
	remote, err := s.provider.FetchInstances(pctx)
	cancel()
	if err != nil {
		return nil, providerFailure("", "fetch instances", err)
	}

	local, err := s.store.ListByOrganization(ctx, organizationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	byName := make(map[string]*models.ChannelInstance, len(local))
	for _, inst := range local {
		byName[inst.ProviderName] = inst
	}

	prefix := models.ProviderNamePrefix(organizationID)
	result := &SyncResult{Errors: []string{}}
	for _, r := range remote {
		if !strings.HasPrefix(r.Name, prefix) {
			continue
		}
		inst, ok := byName[r.Name]
		if !ok {
			if err := s.importRemote(ctx, organizationID, strings.TrimPrefix(r.Name, prefix), r, actor); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", r.Name, err))
				continue
			}
			result.Created++
			continue
		}
		if inst.Status == models.StatusSuspended {
			continue
		}
		before := inst.Status
		cur, err := s.reconcile(ctx, inst, r.State, nil, actor)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", r.Name, err))
			continue
		}
		if cur.Status != before {
			result.Updated++
		}
	}

	slog.Info("organization synced with provider", "organization_id", organizationID,
		"created", result.Created, "updated", result.Updated, "errors", len(result.Errors))
	return result, nil
}

// importRemote stores a record for a provider session that has none.
func (s *Service) importRemote(ctx context.Context, organizationID, displayName string, r provider.RemoteInstance, actor string) error {
	now := s.opts.Clock.Now()
	inst := &models.ChannelInstance{
		OrganizationID: organizationID,
		DisplayName:    displayName,
		ProviderName:   r.Name,
		Status:         models.StatusDisconnected,
		Metadata:       models.Metadata{"imported": true},
		CreatedAt:      now,
	}
	if r.State == provider.StateOpen {
		inst.Status = models.StatusConnected
		inst.LastConnectedAt = &now
	}
	if err := s.store.Create(ctx, inst); err != nil {
		return err
	}
	s.record(ctx, &models.AuditLog{
		OrganizationID: strPtr(organizationID),
		InstanceID:     strPtr(inst.ID),
		Actor:          actor,
		Action:         models.AuditActionInstanceCreated,
		NewStatus:      strPtr(string(inst.Status)),
		Metadata:       map[string]interface{}{"provider_name": r.Name, "source": "sync"},
		CreatedAt:      now,
	})
	if s.supervisor != nil {
		s.supervisor.Register(inst.ID, organizationID)
		if inst.Status == models.StatusConnected {
			s.startSupervision(inst)
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Administrative operations
// ---------------------------------------------------------------------------

// Suspend moves any non-suspended instance to suspended.
func (s *Service) Suspend(ctx context.Context, id, actor, reason string) (*models.ChannelInstance, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	inst, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	var meta map[string]interface{}
	if reason != "" {
		meta = map[string]interface{}{"reason": reason}
	}
	next, err := s.commit(ctx, inst, models.StatusSuspended, TriggerSuspend, actor, "", nil, meta)
	if err != nil {
		return nil, err
	}
	if s.supervisor != nil {
		s.supervisor.StopMonitoring(id)
	}
	return next, nil
}

// Reactivate returns a suspended instance to disconnected.
func (s *Service) Reactivate(ctx context.Context, id, actor string) (*models.ChannelInstance, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	inst, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.commit(ctx, inst, models.StatusDisconnected, TriggerReset, actor, "", nil, nil)
}

// ForceStatus sets the status without consulting the transition table. The
// status invariants still apply. The audit entry carries the emergency_reset tag.
func (s *Service) ForceStatus(ctx context.Context, id string, target models.InstanceStatus, actor, reason string) (*models.ChannelInstance, error) {
	if !target.Valid() {
		return nil, invalidInput(fmt.Sprintf("unknown target status %q", target))
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	inst, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	from := inst.Status
	now := s.opts.Clock.Now()
	next := inst.Clone()
	applyStatus(next, target, now, "")
	if target == models.StatusError && next.LastErrorMessage == nil {
		msg := "set by emergency reset"
		next.LastErrorMessage = &msg
	}
	if err := s.store.Update(ctx, next, inst.Revision); err != nil {
		return nil, s.updateErr(inst, err)
	}

	meta := map[string]interface{}{"tag": models.AuditTagEmergencyReset}
	if reason != "" {
		meta["reason"] = reason
	}
	s.record(ctx, &models.AuditLog{
		OrganizationID: strPtr(next.OrganizationID),
		InstanceID:     strPtr(next.ID),
		Actor:          actor,
		Action:         models.AuditActionEmergencyReset,
		PreviousStatus: strPtr(string(from)),
		NewStatus:      strPtr(string(target)),
		Metadata:       meta,
		CreatedAt:      now,
	})
	slog.Warn("instance status forced", "instance_id", id, "from", from, "to", target, "actor", actor)
	return next, nil
}

// ResumeMonitoring re-registers supervision for instances that were
// connecting or connected when the process last stopped.
func (s *Service) ResumeMonitoring(ctx context.Context) (int, error) {
	if s.supervisor == nil {
		return 0, nil
	}
	list, err := s.store.ListByStatus(ctx, models.StatusConnecting, models.StatusConnected)
	if err != nil {
		return 0, fmt.Errorf("failed to list supervised instances: %w", err)
	}
	for _, inst := range list {
		s.supervisor.Register(inst.ID, inst.OrganizationID)
		s.startSupervision(inst)
	}
	return len(list), nil
}

// ---------------------------------------------------------------------------
// Internals
// ---------------------------------------------------------------------------

// load reads a record, mapping a missing row to instance_not_found.
func (s *Service) load(ctx context.Context, id string) (*models.ChannelInstance, error) {
	if strings.TrimSpace(id) == "" {
		return nil, invalidInput("instance id is required")
	}
	inst, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load instance: %w", err)
	}
	if inst == nil {
		return nil, notFound(id)
	}
	return inst, nil
}

// commit validates and persists a status change of inst, which must be a
// fresh read made under the instance lock. mutate runs after the status
// invariants are applied. Exactly one audit entry is written on success.
func (s *Service) commit(ctx context.Context, inst *models.ChannelInstance, to models.InstanceStatus, trigger Trigger, actor, errMsg string, mutate func(*models.ChannelInstance), meta map[string]interface{}) (*models.ChannelInstance, error) {
	from := inst.Status
	if err := ValidateTransition(inst.ID, from, to, trigger); err != nil {
		return nil, err
	}
	now := s.opts.Clock.Now()
	next := inst.Clone()
	applyStatus(next, to, now, errMsg)
	if mutate != nil {
		mutate(next)
	}
	if err := s.store.Update(ctx, next, inst.Revision); err != nil {
		return nil, s.updateErr(inst, err)
	}

	telemetry.InstanceTransitionsTotal.WithLabelValues(string(from), string(to), string(trigger)).Inc()

	md := map[string]interface{}{"trigger": string(trigger)}
	for k, v := range meta {
		md[k] = v
	}
	if errMsg != "" {
		md["error"] = errMsg
	}
	s.record(ctx, &models.AuditLog{
		OrganizationID: strPtr(next.OrganizationID),
		InstanceID:     strPtr(next.ID),
		Actor:          actor,
		Action:         models.AuditActionTransition,
		PreviousStatus: strPtr(string(from)),
		NewStatus:      strPtr(string(to)),
		Metadata:       md,
		CreatedAt:      now,
	})
	slog.Info("instance status changed", "instance_id", next.ID, "from", from, "to", to, "trigger", trigger, "actor", actor)
	return next, nil
}

func (s *Service) updateErr(inst *models.ChannelInstance, err error) error {
	if errors.Is(err, repositories.ErrRevisionConflict) {
		return concurrentModification(inst.ID, inst.Status)
	}
	return fmt.Errorf("failed to update instance: %w", err)
}

// record writes an audit entry. Failures are logged; the state change they
// describe has already been committed.
func (s *Service) record(ctx context.Context, entry *models.AuditLog) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, entry); err != nil {
		slog.Error("failed to record audit entry", "action", entry.Action, "actor", entry.Actor, "error", err)
	}
}

func (s *Service) isQuarantined(id string) bool {
	return s.supervisor != nil && s.supervisor.IsQuarantined(id)
}

func (s *Service) startSupervision(inst *models.ChannelInstance) {
	if s.supervisor == nil {
		return
	}
	s.supervisor.Register(inst.ID, inst.OrganizationID)
	if err := s.supervisor.StartMonitoring(inst.ID, s.opts.MonitorInterval); err != nil {
		slog.Warn("failed to start monitoring", "instance_id", inst.ID, "error", err)
	}
}

// afterProviderTransition keeps supervision in step with provider-driven changes.
func (s *Service) afterProviderTransition(inst *models.ChannelInstance) {
	if s.supervisor == nil {
		return
	}
	switch inst.Status {
	case models.StatusConnected:
		s.startSupervision(inst)
	case models.StatusDisconnected:
		s.supervisor.StopMonitoring(inst.ID)
	}
}

func strPtr(v string) *string {
	return &v
}
