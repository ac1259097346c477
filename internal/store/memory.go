package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"prodflow-access/internal/models"
)

// MemoryStore is a mutex-guarded in-memory DirectoryStore. It backs
// local development and the test suites.
type MemoryStore struct {
	mu          sync.RWMutex
	now         func() time.Time
	users       map[string]*models.User
	usersByName map[string]string
	sessions    map[string]*models.Session
	byToken     map[string]string
	resources   map[string]models.Resource
	permissions map[string]models.Permission
	grants      map[string]map[string]models.Grant
	audit       []models.AuditEntry
}

type MemoryOption func(*MemoryStore)

// WithMemoryClock overrides the time source, for tests.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(m *MemoryStore) { m.now = now }
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{
		now:         time.Now,
		users:       make(map[string]*models.User),
		usersByName: make(map[string]string),
		sessions:    make(map[string]*models.Session),
		byToken:     make(map[string]string),
		resources:   make(map[string]models.Resource),
		permissions: make(map[string]models.Permission),
		grants:      make(map[string]map[string]models.Grant),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *MemoryStore) CreateSession(ctx context.Context, s *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.sessions[cp.ID] = &cp
	m.byToken[cp.SessionToken] = cp.ID
	return nil
}

func (m *MemoryStore) FindActiveSession(ctx context.Context, token string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byToken[token]
	if !ok {
		return nil, nil
	}
	s, ok := m.sessions[id]
	if !ok || !s.IsActive {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) TouchSession(ctx context.Context, sessionID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[sessionID]; ok {
		s.LastActivity = at
	}
	return nil
}

func (m *MemoryStore) DeactivateSession(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[sessionID]; ok {
		s.IsActive = false
	}
	return nil
}

func (m *MemoryStore) CreateUser(ctx context.Context, u *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *u
	m.users[cp.ID] = &cp
	m.usersByName[cp.Username] = cp.ID
	return nil
}

func (m *MemoryStore) FindUser(ctx context.Context, id string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func (m *MemoryStore) FindUserByUsername(ctx context.Context, username string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.usersByName[username]
	if !ok {
		return nil, nil
	}
	u, ok := m.users[id]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func (m *MemoryStore) UpdateUser(ctx context.Context, u *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *u
	m.users[cp.ID] = &cp
	m.usersByName[cp.Username] = cp.ID
	return nil
}

func (m *MemoryStore) AddResource(r models.Resource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resources[r.ID] = r
}

func (m *MemoryStore) AddPermission(p models.Permission) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.permissions[p.ID] = p
}

func (m *MemoryStore) ListResources(ctx context.Context) ([]models.Resource, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Resource, 0, len(m.resources))
	for _, r := range m.resources {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SortOrder < out[j].SortOrder })
	return out, nil
}

func (m *MemoryStore) ListPermissions(ctx context.Context) ([]models.Permission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Permission, 0, len(m.permissions))
	for _, p := range m.permissions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryStore) FindPermissions(ctx context.Context, ids []string) ([]models.Permission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Permission, 0, len(ids))
	for _, id := range ids {
		if p, ok := m.permissions[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *MemoryStore) FindActiveGrants(ctx context.Context, userID string) ([]models.Grant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := m.now()
	var out []models.Grant
	for _, g := range m.grants[userID] {
		if g.Effective(now) {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PermissionID < out[j].PermissionID })
	return out, nil
}

func (m *MemoryStore) UpsertGrant(ctx context.Context, g models.Grant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.grants[g.UserID] == nil {
		m.grants[g.UserID] = make(map[string]models.Grant)
	}
	m.grants[g.UserID][g.PermissionID] = g
	return nil
}

func (m *MemoryStore) DeactivateGrant(ctx context.Context, userID, permissionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g, ok := m.grants[userID][permissionID]; ok {
		g.IsActive = false
		m.grants[userID][permissionID] = g
	}
	return nil
}

// GrantRowCount reports how many grant rows exist for the pair,
// active or not. Revocation must never delete rows.
func (m *MemoryStore) GrantRowCount(userID, permissionID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.grants[userID][permissionID]; ok {
		return 1
	}
	return 0
}

func (m *MemoryStore) AppendAuditEntry(ctx context.Context, e *models.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, *e)
	return nil
}

// AuditEntries returns a snapshot of the recorded audit trail.
func (m *MemoryStore) AuditEntries() []models.AuditEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.AuditEntry, len(m.audit))
	copy(out, m.audit)
	return out
}
