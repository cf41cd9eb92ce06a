package instance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/channelhub/channelhub/internal/db/models"
	"github.com/channelhub/channelhub/internal/provider"
)

var ctx = context.Background()

// ---------------------------------------------------------------------------
// Create
// ---------------------------------------------------------------------------

func TestCreate_StoresDisconnectedAndRegisters(t *testing.T) {
	h := newHarness(t)

	inst, err := h.svc.Create(ctx, "Org-1", "Front Desk", "user:alice")
	require.NoError(t, err)

	assert.Equal(t, models.StatusDisconnected, inst.Status)
	assert.Equal(t, models.ProviderName("Org-1", "Front Desk"), inst.ProviderName)
	assert.Equal(t, true, inst.Metadata["webhook_configured"])
	assert.Equal(t, 1, h.prov.callCount("create "+inst.ProviderName))
	assert.Equal(t, []string{models.AuditActionInstanceCreated}, h.audit.actions())
	assert.Equal(t, "Org-1", h.sup.registered[inst.ID])
}

func TestCreate_LookalikeOrganizationsGetDistinctNames(t *testing.T) {
	h := newHarness(t)

	names := map[string]string{}
	for _, org := range []string{"org-1", "org1", "ORG1"} {
		inst, err := h.svc.Create(ctx, org, "Desk", "user:alice")
		require.NoError(t, err, "org %q", org)
		if prev, ok := names[inst.ProviderName]; ok {
			t.Fatalf("organizations %q and %q share provider name %q", prev, org, inst.ProviderName)
		}
		names[inst.ProviderName] = org
	}
	assert.Equal(t, 3, h.prov.callCount("create"))
}

func TestCreate_Validation(t *testing.T) {
	h := newHarness(t)
	long := make([]byte, maxDisplayNameLength+1)
	for i := range long {
		long[i] = 'a'
	}

	tests := []struct {
		name, org, display string
	}{
		{"missing org", "", "desk"},
		{"missing display", "org1", "  "},
		{"too long", "org1", string(long)},
		{"no usable characters", "org1", "!!!"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.svc.Create(ctx, tt.org, tt.display, "user:alice")
			assert.True(t, errors.Is(err, ErrInvalidInput), "err = %v", err)
		})
	}
	assert.Equal(t, 0, h.prov.callCount("create"))
}

func TestCreate_Duplicate(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.Create(ctx, "org1", "Desk", "user:alice")
	require.NoError(t, err)

	_, err = h.svc.Create(ctx, "org1", "desk", "user:alice")
	assert.True(t, errors.Is(err, ErrAlreadyExists))
	assert.Equal(t, 1, h.prov.callCount("create"))
}

func TestCreate_ProviderFailure(t *testing.T) {
	h := newHarness(t)
	h.prov.createErr = errProvider

	_, err := h.svc.Create(ctx, "org1", "Desk", "user:alice")
	assert.True(t, errors.Is(err, ErrProviderFailure))
	list, _ := h.store.ListByOrganization(ctx, "org1")
	assert.Empty(t, list)
}

// ---------------------------------------------------------------------------
// Connect
// ---------------------------------------------------------------------------

func TestConnect_FromDisconnected(t *testing.T) {
	h := newHarness(t)
	h.seed("i1", models.StatusDisconnected)

	res, err := h.svc.Connect(ctx, "i1", "user:alice")
	require.NoError(t, err)

	assert.Equal(t, models.StatusConnecting, res.Status)
	require.NotNil(t, res.PairingCode)
	assert.Equal(t, "QR-1", *res.PairingCode)
	require.NotNil(t, res.ExpiresIn)
	assert.Equal(t, 60, *res.ExpiresIn)

	stored := h.store.get("i1")
	assert.Equal(t, models.StatusConnecting, stored.Status)
	require.NotNil(t, stored.PairingCodeIssuedAt)
	assert.Equal(t, testStart, *stored.PairingCodeIssuedAt)

	assert.Equal(t, []string{"disconnected->connecting"}, h.audit.transitions())
	assert.True(t, h.sup.isMonitoring("i1"))
}

func TestConnect_IsIdempotentWhileConnecting(t *testing.T) {
	h := newHarness(t)
	h.seed("i1", models.StatusDisconnected)

	first, err := h.svc.Connect(ctx, "i1", "user:alice")
	require.NoError(t, err)

	h.clock.Advance(20 * time.Second)
	second, err := h.svc.Connect(ctx, "i1", "user:alice")
	require.NoError(t, err)

	assert.Equal(t, *first.PairingCode, *second.PairingCode)
	assert.Equal(t, 40, *second.ExpiresIn)
	assert.Equal(t, 1, h.prov.callCount("connect"))
	assert.Len(t, h.audit.transitions(), 1)
}

func TestConnect_AlreadyConnected(t *testing.T) {
	h := newHarness(t)
	h.seed("i1", models.StatusConnected)

	_, err := h.svc.Connect(ctx, "i1", "user:alice")
	assert.True(t, errors.Is(err, ErrAlreadyConnected))
	assert.Equal(t, 0, h.prov.callCount("connect"))
}

func TestConnect_SuspendedIsInvalid(t *testing.T) {
	h := newHarness(t)
	h.seed("i1", models.StatusSuspended)

	_, err := h.svc.Connect(ctx, "i1", "user:alice")
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	assert.Equal(t, models.StatusSuspended, h.store.get("i1").Status)
}

func TestConnect_FromErrorRetries(t *testing.T) {
	h := newHarness(t)
	h.seed("i1", models.StatusError)

	_, err := h.svc.Connect(ctx, "i1", "user:alice")
	require.NoError(t, err)

	assert.Equal(t, models.StatusConnecting, h.store.get("i1").Status)
	h.audit.mu.Lock()
	trigger := h.audit.entries[0].Metadata["trigger"]
	h.audit.mu.Unlock()
	assert.Equal(t, string(TriggerRetry), trigger)
}

func TestConnect_Quarantined(t *testing.T) {
	for _, status := range []models.InstanceStatus{
		models.StatusDisconnected,
		models.StatusConnecting,
		models.StatusConnected,
		models.StatusError,
	} {
		t.Run(string(status), func(t *testing.T) {
			h := newHarness(t)
			h.seed("i1", status)
			h.sup.quarantined["i1"] = true
			h.clock.Advance(2 * time.Minute)

			res, err := h.svc.Connect(ctx, "i1", "user:alice")
			assert.Nil(t, res)
			assert.True(t, errors.Is(err, ErrInstanceQuarantined), "err = %v", err)
			assert.Equal(t, status, h.store.get("i1").Status)
			assert.Empty(t, h.prov.calls)
			assert.Empty(t, h.audit.transitions())
		})
	}
}

func TestConnect_ExpiredCodeIsRefreshed(t *testing.T) {
	h := newHarness(t)
	h.seed("i1", models.StatusConnecting)
	h.prov.code = "QR-2"
	h.clock.Advance(90 * time.Second)

	res, err := h.svc.Connect(ctx, "i1", "user:alice")
	require.NoError(t, err)

	assert.Equal(t, models.StatusConnecting, res.Status)
	require.NotNil(t, res.PairingCode)
	assert.Equal(t, "QR-2", *res.PairingCode)
	require.NotNil(t, res.ExpiresIn)
	assert.Equal(t, 60, *res.ExpiresIn)
	assert.Equal(t, 1, h.prov.callCount("refresh"))
	assert.Equal(t, 0, h.prov.callCount("connect"))

	stored := h.store.get("i1")
	assert.Equal(t, "QR-2", *stored.PairingCode)
	assert.Equal(t, testStart.Add(90*time.Second), *stored.PairingCodeIssuedAt)
	assert.Equal(t, []string{"connecting->connecting"}, h.audit.transitions())
}

func TestConnect_NotFound(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.Connect(ctx, "missing", "user:alice")
	assert.True(t, errors.Is(err, ErrInstanceNotFound))
}

func TestConnect_ProviderFailureMovesToError(t *testing.T) {
	h := newHarness(t)
	h.seed("i1", models.StatusDisconnected)
	h.prov.connErr = errProvider

	_, err := h.svc.Connect(ctx, "i1", "user:alice")
	assert.True(t, errors.Is(err, ErrProviderFailure))

	stored := h.store.get("i1")
	assert.Equal(t, models.StatusError, stored.Status)
	require.NotNil(t, stored.LastErrorMessage)
	assert.Contains(t, *stored.LastErrorMessage, "provider unavailable")
	assert.Nil(t, stored.PairingCode)
	assert.Equal(t, []string{"disconnected->connecting", "connecting->error"}, h.audit.transitions())
}

func TestConnect_ConcurrentChangeDuringProviderCall(t *testing.T) {
	h := newHarness(t)
	h.seed("i1", models.StatusDisconnected)
	h.prov.onCall = func(op string) {
		if op == "connect "+providerName("i1") {
			_, err := h.svc.Suspend(ctx, "i1", "user:admin", "")
			require.NoError(t, err)
		}
	}

	_, err := h.svc.Connect(ctx, "i1", "user:alice")
	assert.True(t, errors.Is(err, ErrConcurrentModification), "err = %v", err)
	assert.Equal(t, models.StatusSuspended, h.store.get("i1").Status)
	assert.Nil(t, h.store.get("i1").PairingCode)
}

func TestConnect_ConcurrentCallersOneProviderCall(t *testing.T) {
	h := newHarness(t)
	h.seed("i1", models.StatusDisconnected)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = h.svc.Connect(ctx, "i1", "user:alice")
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, h.prov.callCount("connect"))
	assert.Equal(t, []string{"disconnected->connecting"}, h.audit.transitions())
}

// ---------------------------------------------------------------------------
// RefreshPairingCode
// ---------------------------------------------------------------------------

func TestRefreshPairingCode_IssuesNewCode(t *testing.T) {
	h := newHarness(t)
	h.seed("i1", models.StatusConnecting)
	h.prov.code = "QR-2"
	h.clock.Advance(10 * time.Second)

	res, err := h.svc.RefreshPairingCode(ctx, "i1", "user:alice")
	require.NoError(t, err)

	assert.Equal(t, "QR-2", res.PairingCode)
	assert.Equal(t, 60, res.ExpiresIn)
	stored := h.store.get("i1")
	assert.Equal(t, "QR-2", *stored.PairingCode)
	assert.Equal(t, testStart.Add(10*time.Second), *stored.PairingCodeIssuedAt)
	assert.Equal(t, []string{"connecting->connecting"}, h.audit.transitions())
}

func TestRefreshPairingCode_ScanGuard(t *testing.T) {
	h := newHarness(t)
	h.seed("i1", models.StatusConnecting)
	h.clock.Advance(50 * time.Second)

	_, err := h.svc.RefreshPairingCode(ctx, "i1", "user:alice")
	assert.True(t, errors.Is(err, ErrScanInProgress))
	assert.Equal(t, 0, h.prov.callCount("refresh"))

	h.clock.Advance(15 * time.Second)
	_, err = h.svc.RefreshPairingCode(ctx, "i1", "user:alice")
	assert.NoError(t, err)
}

func TestRefreshPairingCode_NotConnecting(t *testing.T) {
	h := newHarness(t)
	h.seed("i1", models.StatusConnected)

	_, err := h.svc.RefreshPairingCode(ctx, "i1", "user:alice")
	assert.True(t, errors.Is(err, ErrInvalidTransition))
}

func TestRefreshPairingCode_ProviderFailure(t *testing.T) {
	h := newHarness(t)
	h.seed("i1", models.StatusConnecting)
	h.prov.connErr = errProvider

	_, err := h.svc.RefreshPairingCode(ctx, "i1", "user:alice")
	assert.True(t, errors.Is(err, ErrProviderFailure))
	assert.Equal(t, models.StatusError, h.store.get("i1").Status)
}

// ---------------------------------------------------------------------------
// GetStatus / CheckHealth
// ---------------------------------------------------------------------------

func TestGetStatus_ReconcilesOpenToConnected(t *testing.T) {
	h := newHarness(t)
	h.seed("i1", models.StatusConnecting)
	h.prov.state = provider.StateOpen

	v, err := h.svc.GetStatus(ctx, "i1", "user:alice")
	require.NoError(t, err)

	assert.Equal(t, models.StatusConnected, v.Status)
	assert.Equal(t, provider.StateOpen, v.ProviderState)
	assert.Nil(t, v.PairingCode)
	stored := h.store.get("i1")
	require.NotNil(t, stored.LastConnectedAt)
	assert.Nil(t, stored.PairingCode)
}

func TestGetStatus_IllegalReconciliationLeavesStatus(t *testing.T) {
	h := newHarness(t)
	h.seed("i1", models.StatusError)
	h.prov.state = provider.StateOpen

	v, err := h.svc.GetStatus(ctx, "i1", "user:alice")
	require.NoError(t, err)
	assert.Equal(t, models.StatusError, v.Status)
	assert.Equal(t, 0, h.store.updates)
	assert.Empty(t, h.audit.entries)
}

func TestGetStatus_ProviderUnreachableMovesToError(t *testing.T) {
	h := newHarness(t)
	h.seed("i1", models.StatusConnected)
	h.prov.stateErr = context.DeadlineExceeded

	v, err := h.svc.GetStatus(ctx, "i1", "user:alice")
	require.NoError(t, err)
	assert.Equal(t, models.StatusError, v.Status)
	require.NotNil(t, v.LastErrorMessage)
	assert.Contains(t, *v.LastErrorMessage, "provider unreachable")
}

func TestGetStatus_ProviderUnreachableFromDisconnectedKeepsStatus(t *testing.T) {
	h := newHarness(t)
	h.seed("i1", models.StatusDisconnected)
	h.prov.stateErr = errProvider

	v, err := h.svc.GetStatus(ctx, "i1", "user:alice")
	require.NoError(t, err)
	assert.Equal(t, models.StatusDisconnected, v.Status)
}

func TestGetStatus_SuspendedSkipsProvider(t *testing.T) {
	h := newHarness(t)
	h.seed("i1", models.StatusSuspended)

	v, err := h.svc.GetStatus(ctx, "i1", "user:alice")
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuspended, v.Status)
	assert.Equal(t, 0, h.prov.callCount("state"))
}

func TestGetStatus_ReportsExpiresIn(t *testing.T) {
	h := newHarness(t)
	h.seed("i1", models.StatusConnecting)
	h.prov.state = provider.StateConnecting
	h.clock.Advance(25 * time.Second)

	v, err := h.svc.GetStatus(ctx, "i1", "user:alice")
	require.NoError(t, err)
	require.NotNil(t, v.ExpiresIn)
	assert.Equal(t, 35, *v.ExpiresIn)
	assert.Equal(t, models.StatusConnecting, v.Status)
}

func TestCheckHealth(t *testing.T) {
	h := newHarness(t)
	h.seed("i1", models.StatusConnected)

	assert.NoError(t, h.svc.CheckHealth(ctx, "i1"))

	h.prov.stateErr = errProvider
	err := h.svc.CheckHealth(ctx, "i1")
	assert.True(t, errors.Is(err, ErrProviderFailure))
	assert.Equal(t, models.StatusError, h.store.get("i1").Status)

	h.audit.mu.Lock()
	actor := h.audit.entries[len(h.audit.entries)-1].Actor
	h.audit.mu.Unlock()
	assert.Equal(t, ActorMonitor, actor)
}

func TestCheckHealth_ProviderClosedDisconnects(t *testing.T) {
	h := newHarness(t)
	h.seed("i1", models.StatusConnected)
	h.sup.monitoring["i1"] = time.Second
	h.prov.state = provider.StateClose

	assert.NoError(t, h.svc.CheckHealth(ctx, "i1"))
	assert.Equal(t, models.StatusDisconnected, h.store.get("i1").Status)
	assert.False(t, h.sup.isMonitoring("i1"))
}

// ---------------------------------------------------------------------------
// Disconnect
// ---------------------------------------------------------------------------

func TestDisconnect(t *testing.T) {
	h := newHarness(t)
	h.seed("i1", models.StatusConnected)
	h.sup.monitoring["i1"] = time.Second

	v, err := h.svc.Disconnect(ctx, "i1", "user:alice")
	require.NoError(t, err)
	assert.Equal(t, models.StatusDisconnected, v.Status)
	assert.Equal(t, 1, h.prov.callCount("logout"))
	assert.False(t, h.sup.isMonitoring("i1"))
	assert.Equal(t, []string{"connected->disconnected"}, h.audit.transitions())
}

func TestDisconnect_NotConnected(t *testing.T) {
	for _, status := range []models.InstanceStatus{models.StatusDisconnected, models.StatusConnecting, models.StatusError, models.StatusSuspended} {
		t.Run(string(status), func(t *testing.T) {
			h := newHarness(t)
			h.seed("i1", status)
			_, err := h.svc.Disconnect(ctx, "i1", "user:alice")
			assert.True(t, errors.Is(err, ErrInvalidTransition))
			assert.Equal(t, 0, h.prov.callCount("logout"))
		})
	}
}

func TestDisconnect_Quarantined(t *testing.T) {
	h := newHarness(t)
	h.seed("i1", models.StatusConnected)
	h.sup.quarantined["i1"] = true

	_, err := h.svc.Disconnect(ctx, "i1", "user:alice")
	assert.True(t, errors.Is(err, ErrInstanceQuarantined), "err = %v", err)
	assert.Equal(t, models.StatusConnected, h.store.get("i1").Status)
	assert.Equal(t, 0, h.prov.callCount("logout"))
	assert.Empty(t, h.audit.transitions())
}

func TestDisconnect_ProviderFailureKeepsStatus(t *testing.T) {
	h := newHarness(t)
	h.seed("i1", models.StatusConnected)
	h.prov.logoutErr = errProvider

	_, err := h.svc.Disconnect(ctx, "i1", "user:alice")
	assert.True(t, errors.Is(err, ErrProviderFailure))
	assert.Equal(t, models.StatusConnected, h.store.get("i1").Status)
}

func TestDisconnect_WebhookAlreadyClosed(t *testing.T) {
	h := newHarness(t)
	h.seed("i1", models.StatusConnected)
	proc := NewEventProcessor(h.svc)
	h.prov.onCall = func(op string) {
		if op == "logout "+providerName("i1") {
			_, err := proc.Process(ctx, ConnectionUpdate{Instance: providerName("i1"), State: provider.StateClose})
			require.NoError(t, err)
		}
	}

	v, err := h.svc.Disconnect(ctx, "i1", "user:alice")
	require.NoError(t, err)
	assert.Equal(t, models.StatusDisconnected, v.Status)
	assert.Len(t, h.audit.transitions(), 1)
}

// ---------------------------------------------------------------------------
// Sync
// ---------------------------------------------------------------------------

func TestSync(t *testing.T) {
	h := newHarness(t)
	h.seed("desk", models.StatusConnecting)
	h.seed("office", models.StatusConnected)
	h.prov.remote = []provider.RemoteInstance{
		{Name: providerName("desk"), State: provider.StateOpen},
		{Name: providerName("office"), State: provider.StateOpen},
		{Name: providerName("lobby"), State: provider.StateClose},
		{Name: providerName("bar"), State: provider.StateOpen},
		{Name: models.ProviderName("org2", "other"), State: provider.StateOpen},
	}

	res, err := h.svc.Sync(ctx, "org1", "user:alice")
	require.NoError(t, err)

	assert.Equal(t, 2, res.Created)
	assert.Equal(t, 1, res.Updated)
	assert.Empty(t, res.Errors)

	assert.Equal(t, models.StatusConnected, h.store.get("desk").Status)
	lobby, _ := h.store.GetByProviderName(ctx, providerName("lobby"))
	require.NotNil(t, lobby)
	assert.Equal(t, models.StatusDisconnected, lobby.Status)
	assert.Equal(t, "lobby", lobby.DisplayName)
	bar, _ := h.store.GetByProviderName(ctx, providerName("bar"))
	require.NotNil(t, bar)
	assert.Equal(t, models.StatusConnected, bar.Status)
	assert.True(t, h.sup.isMonitoring(bar.ID))
	other, _ := h.store.GetByProviderName(ctx, models.ProviderName("org2", "other"))
	assert.Nil(t, other)
}

func TestSync_IgnoresLookalikeOrganizations(t *testing.T) {
	h := newHarness(t)
	h.prov.remote = []provider.RemoteInstance{
		{Name: models.ProviderName("org-1", "desk"), State: provider.StateOpen},
		{Name: models.ProviderName("ORG1", "desk"), State: provider.StateOpen},
		{Name: models.ProviderName("org1", "desk"), State: provider.StateClose},
	}

	res, err := h.svc.Sync(ctx, "org1", "user:alice")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Created)

	list, _ := h.store.ListByOrganization(ctx, "org1")
	require.Len(t, list, 1)
	assert.Equal(t, models.ProviderName("org1", "desk"), list[0].ProviderName)
	for _, org := range []string{"org-1", "ORG1"} {
		other, _ := h.store.GetByProviderName(ctx, models.ProviderName(org, "desk"))
		assert.Nil(t, other, "session of %q imported into org1", org)
	}
}

func TestSync_ProviderFailure(t *testing.T) {
	h := newHarness(t)
	h.prov.fetchErr = errProvider
	_, err := h.svc.Sync(ctx, "org1", "user:alice")
	assert.True(t, errors.Is(err, ErrProviderFailure))
}

func TestSync_RequiresOrganization(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.Sync(ctx, " ", "user:alice")
	assert.True(t, errors.Is(err, ErrInvalidInput))
}

// ---------------------------------------------------------------------------
// Suspend / Reactivate / ForceStatus / ResumeMonitoring
// ---------------------------------------------------------------------------

func TestSuspendAndReactivate(t *testing.T) {
	h := newHarness(t)
	h.seed("i1", models.StatusConnecting)
	h.sup.monitoring["i1"] = time.Second

	inst, err := h.svc.Suspend(ctx, "i1", "user:admin", "abuse report")
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuspended, inst.Status)
	assert.Nil(t, inst.PairingCode)
	assert.False(t, h.sup.isMonitoring("i1"))

	_, err = h.svc.Suspend(ctx, "i1", "user:admin", "")
	assert.True(t, errors.Is(err, ErrInvalidTransition))

	inst, err = h.svc.Reactivate(ctx, "i1", "user:admin")
	require.NoError(t, err)
	assert.Equal(t, models.StatusDisconnected, inst.Status)

	_, err = h.svc.Reactivate(ctx, "i1", "user:admin")
	assert.True(t, errors.Is(err, ErrInvalidTransition))
}

func TestForceStatus_BypassesTableAndTags(t *testing.T) {
	h := newHarness(t)
	h.seed("i1", models.StatusConnecting)

	inst, err := h.svc.ForceStatus(ctx, "i1", models.StatusDisconnected, "user:admin", "stuck")
	require.NoError(t, err)
	assert.Equal(t, models.StatusDisconnected, inst.Status)
	assert.Nil(t, inst.PairingCode)

	require.Len(t, h.audit.entries, 1)
	entry := h.audit.entries[0]
	assert.Equal(t, models.AuditActionEmergencyReset, entry.Action)
	assert.Equal(t, models.AuditTagEmergencyReset, entry.Metadata["tag"])
	assert.Equal(t, "connecting", *entry.PreviousStatus)
}

func TestForceStatus_InvalidTarget(t *testing.T) {
	h := newHarness(t)
	h.seed("i1", models.StatusConnected)
	_, err := h.svc.ForceStatus(ctx, "i1", "paused", "user:admin", "")
	assert.True(t, errors.Is(err, ErrInvalidInput))
}

func TestResumeMonitoring(t *testing.T) {
	h := newHarness(t)
	h.seed("a", models.StatusConnected)
	h.seed("b", models.StatusConnecting)
	h.seed("c", models.StatusDisconnected)

	n, err := h.svc.ResumeMonitoring(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.True(t, h.sup.isMonitoring("a"))
	assert.True(t, h.sup.isMonitoring("b"))
	assert.False(t, h.sup.isMonitoring("c"))
}

func TestAuditFailureDoesNotFailOperation(t *testing.T) {
	h := newHarness(t)
	h.seed("i1", models.StatusConnected)
	h.audit.err = errors.New("audit down")

	_, err := h.svc.Suspend(ctx, "i1", "user:admin", "")
	assert.NoError(t, err)
}
