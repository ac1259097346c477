package permission

import (
	"context"
	"errors"
	"testing"
	"time"

	"prodflow-access/internal/audit"
	"prodflow-access/internal/models"
	"prodflow-access/internal/store"
)

func newTestAdmin(st *store.MemoryStore) *Admin {
	now := time.Date(2026, 4, 10, 7, 0, 0, 0, time.UTC)
	log := audit.NewLogger(st,
		audit.WithClock(func() time.Time { return now }),
		audit.WithSideEffectRunner(func(fn func()) { fn() }))
	return NewAdmin(st, log, WithAdminClock(func() time.Time { return now }))
}

func seedAdminFixture(t *testing.T, st *store.MemoryStore) (*models.User, *models.User) {
	t.Helper()
	seedCatalog(st)
	actor := &models.User{ID: "u-admin", Username: "plant_admin", Status: models.UserStatusActive, IsRootAdmin: true}
	target := &models.User{ID: "u-op", Username: "operator_1", Status: models.UserStatusActive}
	for _, u := range []*models.User{actor, target} {
		if err := st.CreateUser(context.Background(), u); err != nil {
			t.Fatal(err)
		}
	}
	return actor, target
}

func TestGrantIdempotent(t *testing.T) {
	st := store.NewMemoryStore()
	actor, target := seedAdminFixture(t, st)
	a := newTestAdmin(st)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := a.Grant(ctx, actor, target.ID, []string{"p-read-machines"}, audit.RequestMeta{}); err != nil {
			t.Fatalf("grant %d: %v", i+1, err)
		}
	}

	grants, err := st.FindActiveGrants(ctx, target.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(grants) != 1 {
		t.Fatalf("active grants = %d, want 1", len(grants))
	}
	if n := st.GrantRowCount(target.ID, "p-read-machines"); n != 1 {
		t.Fatalf("grant rows = %d, want 1", n)
	}

	// Both calls audited, one entry each
	var auditCount int
	for _, e := range st.AuditEntries() {
		if e.Action == audit.ActionGrantPermissions && e.Outcome == models.OutcomeSuccess {
			auditCount++
		}
	}
	if auditCount != 2 {
		t.Fatalf("grant audit entries = %d, want 2", auditCount)
	}
}

func TestGrantUnknownPermissionFailsAtomically(t *testing.T) {
	st := store.NewMemoryStore()
	actor, target := seedAdminFixture(t, st)
	a := newTestAdmin(st)
	ctx := context.Background()

	err := a.Grant(ctx, actor, target.ID, []string{"p-read-machines", "p-does-not-exist"}, audit.RequestMeta{})
	if !errors.Is(err, ErrUnknownPermission) {
		t.Fatalf("expected ErrUnknownPermission, got %v", err)
	}

	grants, _ := st.FindActiveGrants(ctx, target.ID)
	if len(grants) != 0 {
		t.Fatalf("partial grant written: %d rows", len(grants))
	}

	entries := st.AuditEntries()
	if len(entries) != 1 || entries[0].Outcome != models.OutcomeFailure {
		t.Fatalf("expected one failure audit entry, got %+v", entries)
	}
}

func TestRevokeDeactivatesWithoutDeleting(t *testing.T) {
	st := store.NewMemoryStore()
	actor, target := seedAdminFixture(t, st)
	a := newTestAdmin(st)
	ctx := context.Background()

	if err := a.Grant(ctx, actor, target.ID, []string{"p-read-machines"}, audit.RequestMeta{}); err != nil {
		t.Fatal(err)
	}
	if err := a.Revoke(ctx, actor, target.ID, []string{"p-read-machines"}, audit.RequestMeta{}); err != nil {
		t.Fatal(err)
	}

	grants, _ := st.FindActiveGrants(ctx, target.ID)
	if len(grants) != 0 {
		t.Fatal("grant still active after revoke")
	}
	if n := st.GrantRowCount(target.ID, "p-read-machines"); n != 1 {
		t.Fatalf("grant row deleted on revoke, rows = %d", n)
	}
}

func TestGrantUntilExpires(t *testing.T) {
	now := time.Date(2026, 4, 10, 7, 0, 0, 0, time.UTC)
	st := store.NewMemoryStore(store.WithMemoryClock(func() time.Time { return now }))
	actor, target := seedAdminFixture(t, st)
	a := newTestAdmin(st)
	ctx := context.Background()

	if err := a.GrantUntil(ctx, actor, target.ID, []string{"p-read-machines"}, now.Add(time.Hour), audit.RequestMeta{}); err != nil {
		t.Fatal(err)
	}
	grants, _ := st.FindActiveGrants(ctx, target.ID)
	if len(grants) != 1 {
		t.Fatalf("active grants = %d, want 1", len(grants))
	}
	if grants[0].ExpiresAt == nil || !grants[0].ExpiresAt.Equal(now.Add(time.Hour)) {
		t.Fatalf("expires_at = %v", grants[0].ExpiresAt)
	}

	// Past the expiry the grant is inert but the row survives
	if err := a.GrantUntil(ctx, actor, target.ID, []string{"p-read-machines"}, now.Add(-time.Minute), audit.RequestMeta{}); err != nil {
		t.Fatal(err)
	}
	grants, _ = st.FindActiveGrants(ctx, target.ID)
	if len(grants) != 0 {
		t.Fatalf("expired grant listed as active: %+v", grants)
	}
	if n := st.GrantRowCount(target.ID, "p-read-machines"); n != 1 {
		t.Fatalf("grant rows = %d, want 1", n)
	}
}

// A store that refuses grant writes, for exercising the error path.
type grantFailStore struct {
	*store.MemoryStore
}

func (s *grantFailStore) UpsertGrant(ctx context.Context, g models.Grant) error {
	return errors.New("write timeout")
}

func TestGrantStoreFailureAuditedAsError(t *testing.T) {
	st := store.NewMemoryStore()
	actor, target := seedAdminFixture(t, st)
	now := time.Date(2026, 4, 10, 7, 0, 0, 0, time.UTC)
	log := audit.NewLogger(st,
		audit.WithClock(func() time.Time { return now }),
		audit.WithSideEffectRunner(func(fn func()) { fn() }))
	a := NewAdmin(&grantFailStore{st}, log, WithAdminClock(func() time.Time { return now }))

	if err := a.Grant(context.Background(), actor, target.ID, []string{"p-read-machines"}, audit.RequestMeta{}); err == nil {
		t.Fatal("expected store error")
	}

	entries := st.AuditEntries()
	if len(entries) != 1 || entries[0].Outcome != models.OutcomeError {
		t.Fatalf("expected one error-outcome entry, got %+v", entries)
	}
}

func TestGrantRejectsRootAdminTarget(t *testing.T) {
	st := store.NewMemoryStore()
	actor, _ := seedAdminFixture(t, st)
	root := &models.User{ID: "u-root2", Username: "root2", Status: models.UserStatusActive, IsRootAdmin: true}
	if err := st.CreateUser(context.Background(), root); err != nil {
		t.Fatal(err)
	}
	a := newTestAdmin(st)

	err := a.Grant(context.Background(), actor, root.ID, []string{"p-read-machines"}, audit.RequestMeta{})
	if !errors.Is(err, ErrRootAdminTarget) {
		t.Fatalf("expected ErrRootAdminTarget, got %v", err)
	}
}

func TestGrantRejectsUnknownUser(t *testing.T) {
	st := store.NewMemoryStore()
	actor, _ := seedAdminFixture(t, st)
	a := newTestAdmin(st)

	err := a.Grant(context.Background(), actor, "u-missing", []string{"p-read-machines"}, audit.RequestMeta{})
	if !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

func TestBuildSchema(t *testing.T) {
	st := store.NewMemoryStore()
	seedCatalog(st)

	schema, err := BuildSchema(context.Background(), st)
	if err != nil {
		t.Fatal(err)
	}
	if len(schema) != 2 {
		t.Fatalf("modules = %d, want 2", len(schema))
	}
	if schema[0].Module != "masterData" || schema[1].Module != "production" {
		t.Fatalf("module order wrong: %s, %s", schema[0].Module, schema[1].Module)
	}

	machines := schema[0].Resources[0]
	if machines.ResourceKey != "machineMaster" {
		t.Fatalf("resource key = %s", machines.ResourceKey)
	}
	for _, a := range machines.Actions {
		if a.Action == "read" {
			t.Fatal("read not renamed to view")
		}
	}

	// update sorts before view
	var sawUpdate bool
	for _, a := range machines.Actions {
		if a.Action == "update" {
			sawUpdate = true
		}
		if a.Action == "view" && !sawUpdate {
			t.Fatal("view sorted before update")
		}
	}
}
