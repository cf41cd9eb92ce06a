package instance

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/channelhub/channelhub/internal/clock"
	"github.com/channelhub/channelhub/internal/db/models"
	"github.com/channelhub/channelhub/internal/db/repositories"
	"github.com/channelhub/channelhub/internal/provider"
)

var testStart = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// ---------------------------------------------------------------------------
// memStore: in-memory Store with revision CAS
// ---------------------------------------------------------------------------

type memStore struct {
	mu        sync.Mutex
	byID      map[string]*models.ChannelInstance
	updates   int
	updateErr error
}

func newMemStore() *memStore {
	return &memStore{byID: make(map[string]*models.ChannelInstance)}
}

func (m *memStore) Create(_ context.Context, inst *models.ChannelInstance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.byID {
		if existing.ProviderName == inst.ProviderName {
			return repositories.ErrDuplicateInstance
		}
	}
	if inst.ID == "" {
		inst.ID = uuid.New().String()
	}
	inst.Revision = 1
	inst.UpdatedAt = inst.CreatedAt
	m.byID[inst.ID] = inst.Clone()
	return nil
}

func (m *memStore) GetByID(_ context.Context, id string) (*models.ChannelInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byID[id].Clone(), nil
}

func (m *memStore) GetByProviderName(_ context.Context, name string) (*models.ChannelInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, inst := range m.byID {
		if inst.ProviderName == name {
			return inst.Clone(), nil
		}
	}
	return nil, nil
}

func (m *memStore) ListByOrganization(_ context.Context, org string) ([]*models.ChannelInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.ChannelInstance
	for _, inst := range m.byID {
		if inst.OrganizationID == org {
			out = append(out, inst.Clone())
		}
	}
	return out, nil
}

func (m *memStore) ListByStatus(_ context.Context, statuses ...models.InstanceStatus) ([]*models.ChannelInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.ChannelInstance
	for _, inst := range m.byID {
		for _, s := range statuses {
			if inst.Status == s {
				out = append(out, inst.Clone())
			}
		}
	}
	return out, nil
}

func (m *memStore) Update(_ context.Context, inst *models.ChannelInstance, expected int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return m.updateErr
	}
	cur, ok := m.byID[inst.ID]
	if !ok || cur.Revision != expected {
		return repositories.ErrRevisionConflict
	}
	inst.Revision = expected + 1
	m.byID[inst.ID] = inst.Clone()
	m.updates++
	return nil
}

func (m *memStore) put(inst *models.ChannelInstance) *models.ChannelInstance {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inst.Revision == 0 {
		inst.Revision = 1
	}
	m.byID[inst.ID] = inst.Clone()
	return inst
}

func (m *memStore) get(id string) *models.ChannelInstance {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byID[id].Clone()
}

// ---------------------------------------------------------------------------
// fakeProvider
// ---------------------------------------------------------------------------

type fakeProvider struct {
	mu        sync.Mutex
	calls     []string
	createErr error
	code      string
	codes     []string
	connErr   error
	logoutErr error
	state     provider.State
	stateErr  error
	remote    []provider.RemoteInstance
	fetchErr  error
	// onCall runs inside every provider call, after it is recorded.
	onCall func(op string)
}

func (f *fakeProvider) record(op string) {
	f.mu.Lock()
	f.calls = append(f.calls, op)
	hook := f.onCall
	f.mu.Unlock()
	if hook != nil {
		hook(op)
	}
}

func (f *fakeProvider) nextCode() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.codes) > 0 {
		c := f.codes[0]
		f.codes = f.codes[1:]
		return c
	}
	return f.code
}

func (f *fakeProvider) CreateInstance(_ context.Context, name string) error {
	f.record("create " + name)
	return f.createErr
}

func (f *fakeProvider) Connect(_ context.Context, name string) (*provider.PairingCode, error) {
	f.record("connect " + name)
	if f.connErr != nil {
		return nil, f.connErr
	}
	return &provider.PairingCode{Code: f.nextCode(), Count: 1}, nil
}

func (f *fakeProvider) RefreshPairing(_ context.Context, name string) (*provider.PairingCode, error) {
	f.record("refresh " + name)
	if f.connErr != nil {
		return nil, f.connErr
	}
	return &provider.PairingCode{Code: f.nextCode(), Count: 2}, nil
}

func (f *fakeProvider) Logout(_ context.Context, name string) error {
	f.record("logout " + name)
	return f.logoutErr
}

func (f *fakeProvider) ConnectionState(_ context.Context, name string) (provider.State, error) {
	f.record("state " + name)
	return f.state, f.stateErr
}

func (f *fakeProvider) FetchInstances(_ context.Context) ([]provider.RemoteInstance, error) {
	f.record("fetch")
	return f.remote, f.fetchErr
}

func (f *fakeProvider) callCount(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

// ---------------------------------------------------------------------------
// memAudit / fakeSupervisor
// ---------------------------------------------------------------------------

type memAudit struct {
	mu      sync.Mutex
	entries []*models.AuditLog
	err     error
}

func (a *memAudit) Record(_ context.Context, e *models.AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.entries = append(a.entries, e)
	return nil
}

func (a *memAudit) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.entries))
	for _, e := range a.entries {
		out = append(out, e.Action)
	}
	return out
}

func (a *memAudit) transitions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []string
	for _, e := range a.entries {
		if e.Action == models.AuditActionTransition {
			out = append(out, *e.PreviousStatus+"->"+*e.NewStatus)
		}
	}
	return out
}

type fakeSupervisor struct {
	mu          sync.Mutex
	registered  map[string]string
	monitoring  map[string]time.Duration
	quarantined map[string]bool
	startErr    error
}

func newFakeSupervisor() *fakeSupervisor {
	return &fakeSupervisor{
		registered:  make(map[string]string),
		monitoring:  make(map[string]time.Duration),
		quarantined: make(map[string]bool),
	}
}

func (s *fakeSupervisor) Register(id, org string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registered[id] = org
}

func (s *fakeSupervisor) StartMonitoring(id string, interval time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startErr != nil {
		return s.startErr
	}
	s.monitoring[id] = interval
	return nil
}

func (s *fakeSupervisor) StopMonitoring(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.monitoring, id)
}

func (s *fakeSupervisor) IsQuarantined(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quarantined[id]
}

func (s *fakeSupervisor) isMonitoring(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.monitoring[id]
	return ok
}

// ---------------------------------------------------------------------------
// harness
// ---------------------------------------------------------------------------

type harness struct {
	store *memStore
	prov  *fakeProvider
	audit *memAudit
	sup   *fakeSupervisor
	clock *clock.Fake
	svc   *Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store: newMemStore(),
		prov:  &fakeProvider{code: "QR-1", state: provider.StateOpen},
		audit: &memAudit{},
		sup:   newFakeSupervisor(),
		clock: clock.NewFake(testStart),
	}
	h.svc = NewService(h.store, h.prov, h.audit, h.sup, Options{
		Clock:             h.clock,
		WebhookConfigured: true,
	})
	return h
}

// providerName is the provider-side name of a seeded instance.
func providerName(id string) string { return models.ProviderName("org1", id) }

// seed stores an instance in the given status with consistent invariants.
func (h *harness) seed(id string, status models.InstanceStatus) *models.ChannelInstance {
	inst := &models.ChannelInstance{
		ID:             id,
		OrganizationID: "org1",
		DisplayName:    id,
		ProviderName:   providerName(id),
		Status:         status,
		Metadata:       models.Metadata{},
		CreatedAt:      testStart,
		UpdatedAt:      testStart,
	}
	if status == models.StatusConnecting {
		code := "QR-0"
		issued := h.clock.Now()
		inst.PairingCode = &code
		inst.PairingCodeIssuedAt = &issued
	}
	if status == models.StatusError {
		msg := "earlier failure"
		inst.LastErrorMessage = &msg
	}
	return h.store.put(inst)
}

var errProvider = errors.New("provider unavailable")
