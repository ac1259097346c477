package permission

import (
	"context"
	"testing"
	"time"

	"prodflow-access/internal/models"
	"prodflow-access/internal/store"
)

var engineNow = time.Date(2026, 4, 10, 7, 0, 0, 0, time.UTC)

func seedCatalog(st *store.MemoryStore) {
	st.AddResource(models.Resource{
		ID: "res-machines", Key: "machineMaster", Name: "Machine Master",
		Module: "masterData", SortOrder: 1, IsActive: true,
	})
	st.AddResource(models.Resource{
		ID: "res-orders", Key: "workOrders", Name: "Work Orders",
		Module: "production", SortOrder: 1, IsActive: true,
	})

	st.AddPermission(models.Permission{
		ID: "p-read-machines", Name: "masterData.machineMaster.read",
		Action: models.ActionRead, ResourceID: "res-machines",
		ScopeLevel: models.ScopeResource, IsAllow: true,
	})
	st.AddPermission(models.Permission{
		ID: "p-update-machines", Name: "masterData.machineMaster.update",
		Action: models.ActionUpdate, ResourceID: "res-machines",
		ScopeLevel: models.ScopeResource, IsAllow: true,
	})
	st.AddPermission(models.Permission{
		ID: "p-deny-update-machines", Name: "masterData.machineMaster.update.deny",
		Action: models.ActionUpdate, ResourceID: "res-machines",
		ScopeLevel: models.ScopeResource, IsAllow: false,
	})
	st.AddPermission(models.Permission{
		ID: "p-global-read", Name: "global.read",
		Action: models.ActionRead, ScopeLevel: models.ScopeGlobal, IsAllow: true,
	})
	st.AddPermission(models.Permission{
		ID: "p-field-rate", Name: "masterData.machineMaster.update.hourlyRate",
		Action: models.ActionUpdate, ResourceID: "res-machines",
		ScopeLevel: models.ScopeField, FieldKey: "hourlyRate", IsAllow: true,
	})
	st.AddPermission(models.Permission{
		ID: "p-record-quality", Name: "production.workOrders.update.quality",
		Action: models.ActionUpdate, ResourceID: "res-orders",
		ScopeLevel: models.ScopeRecord, IsAllow: true,
		RecordConditions: map[string]string{"department": "quality"},
	})
}

func grantTo(t *testing.T, st *store.MemoryStore, userID string, permIDs ...string) {
	t.Helper()
	for _, id := range permIDs {
		err := st.UpsertGrant(context.Background(), models.Grant{
			UserID: userID, PermissionID: id,
			GrantedBy: "admin", GrantedAt: engineNow, IsActive: true,
		})
		if err != nil {
			t.Fatal(err)
		}
	}
}

func newTestEngine(st *store.MemoryStore) *Engine {
	return NewEngine(st, WithClock(func() time.Time { return engineNow }))
}

func activeUser(id string) *models.User {
	return &models.User{ID: id, Status: models.UserStatusActive}
}

func TestCheckDefaultDeny(t *testing.T) {
	st := store.NewMemoryStore()
	seedCatalog(st)
	e := newTestEngine(st)

	ok, err := e.Check(context.Background(), activeUser("u-1"), Query{
		Action: models.ActionRead, ResourceKey: "machineMaster",
	})
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("user with no grants was allowed")
	}
}

func TestCheckResourceAllow(t *testing.T) {
	st := store.NewMemoryStore()
	seedCatalog(st)
	grantTo(t, st, "u-1", "p-read-machines")
	e := newTestEngine(st)

	ok, err := e.Check(context.Background(), activeUser("u-1"), Query{
		Action: models.ActionRead, ResourceKey: "machineMaster",
	})
	if err != nil || !ok {
		t.Fatalf("allowed=%v err=%v", ok, err)
	}

	// Same grant does not cover a different action
	ok, _ = e.Check(context.Background(), activeUser("u-1"), Query{
		Action: models.ActionDelete, ResourceKey: "machineMaster",
	})
	if ok {
		t.Fatal("delete allowed by read grant")
	}

	// Nor a different resource
	ok, _ = e.Check(context.Background(), activeUser("u-1"), Query{
		Action: models.ActionRead, ResourceKey: "workOrders",
	})
	if ok {
		t.Fatal("other resource allowed by resource-scoped grant")
	}
}

func TestCheckDenyBeatsAllow(t *testing.T) {
	st := store.NewMemoryStore()
	seedCatalog(st)
	grantTo(t, st, "u-1", "p-update-machines", "p-deny-update-machines")
	e := newTestEngine(st)

	ok, err := e.Check(context.Background(), activeUser("u-1"), Query{
		Action: models.ActionUpdate, ResourceKey: "machineMaster",
	})
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("deny did not beat allow")
	}
}

func TestCheckRootAdminBypass(t *testing.T) {
	st := store.NewMemoryStore()
	seedCatalog(st)
	e := newTestEngine(st)

	root := activeUser("u-root")
	root.IsRootAdmin = true
	ok, err := e.Check(context.Background(), root, Query{
		Action: models.ActionManagePermissions, ResourceKey: "machineMaster",
	})
	if err != nil || !ok {
		t.Fatalf("allowed=%v err=%v", ok, err)
	}
}

func TestCheckGlobalScope(t *testing.T) {
	st := store.NewMemoryStore()
	seedCatalog(st)
	grantTo(t, st, "u-1", "p-global-read")
	e := newTestEngine(st)

	for _, key := range []string{"machineMaster", "workOrders"} {
		ok, err := e.Check(context.Background(), activeUser("u-1"), Query{
			Action: models.ActionRead, ResourceKey: key,
		})
		if err != nil || !ok {
			t.Fatalf("%s: allowed=%v err=%v", key, ok, err)
		}
	}
}

func TestCheckFieldScope(t *testing.T) {
	st := store.NewMemoryStore()
	seedCatalog(st)
	grantTo(t, st, "u-1", "p-field-rate")
	e := newTestEngine(st)

	ok, _ := e.Check(context.Background(), activeUser("u-1"), Query{
		Action: models.ActionUpdate, ResourceKey: "machineMaster", FieldKey: "hourlyRate",
	})
	if !ok {
		t.Fatal("matching field denied")
	}

	ok, _ = e.Check(context.Background(), activeUser("u-1"), Query{
		Action: models.ActionUpdate, ResourceKey: "machineMaster", FieldKey: "serialNumber",
	})
	if ok {
		t.Fatal("other field allowed")
	}

	// A field grant does not authorize a resource-wide update
	ok, _ = e.Check(context.Background(), activeUser("u-1"), Query{
		Action: models.ActionUpdate, ResourceKey: "machineMaster",
	})
	if ok {
		t.Fatal("resource-wide update allowed by field grant")
	}
}

func TestCheckRecordScope(t *testing.T) {
	st := store.NewMemoryStore()
	seedCatalog(st)
	grantTo(t, st, "u-1", "p-record-quality")
	e := newTestEngine(st)

	ok, _ := e.Check(context.Background(), activeUser("u-1"), Query{
		Action: models.ActionUpdate, ResourceKey: "workOrders",
		RecordConditions: map[string]string{"department": "quality"},
	})
	if !ok {
		t.Fatal("matching record denied")
	}

	ok, _ = e.Check(context.Background(), activeUser("u-1"), Query{
		Action: models.ActionUpdate, ResourceKey: "workOrders",
		RecordConditions: map[string]string{"department": "maintenance"},
	})
	if ok {
		t.Fatal("non-matching record allowed")
	}

	ok, _ = e.Check(context.Background(), activeUser("u-1"), Query{
		Action: models.ActionUpdate, ResourceKey: "workOrders",
	})
	if ok {
		t.Fatal("record grant authorized an unconditioned update")
	}
}

func TestCheckUnknownResource(t *testing.T) {
	st := store.NewMemoryStore()
	seedCatalog(st)
	grantTo(t, st, "u-1", "p-global-read")
	e := newTestEngine(st)

	ok, err := e.Check(context.Background(), activeUser("u-1"), Query{
		Action: models.ActionRead, ResourceKey: "noSuchResource",
	})
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("unknown resource allowed")
	}
}

func TestCheckExpiredGrantIgnored(t *testing.T) {
	st := store.NewMemoryStore(store.WithMemoryClock(func() time.Time { return engineNow }))
	seedCatalog(st)
	e := newTestEngine(st)
	ctx := context.Background()
	q := Query{Action: models.ActionRead, ResourceKey: "machineMaster"}

	expired := engineNow.Add(-time.Hour)
	err := st.UpsertGrant(ctx, models.Grant{
		UserID: "u-1", PermissionID: "p-read-machines",
		GrantedBy: "admin", GrantedAt: engineNow.Add(-48 * time.Hour),
		ExpiresAt: &expired, IsActive: true,
	})
	if err != nil {
		t.Fatal(err)
	}

	if ok, _ := e.Check(ctx, activeUser("u-1"), q); ok {
		t.Fatal("expired grant still effective")
	}

	// Re-granting with a future expiry revives the pair
	future := engineNow.Add(time.Hour)
	err = st.UpsertGrant(ctx, models.Grant{
		UserID: "u-1", PermissionID: "p-read-machines",
		GrantedBy: "admin", GrantedAt: engineNow,
		ExpiresAt: &future, IsActive: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if ok, _ := e.Check(ctx, activeUser("u-1"), q); !ok {
		t.Fatal("unexpired grant denied")
	}
}

func TestCheckRevokedGrantIgnored(t *testing.T) {
	st := store.NewMemoryStore()
	seedCatalog(st)
	grantTo(t, st, "u-1", "p-read-machines")
	if err := st.DeactivateGrant(context.Background(), "u-1", "p-read-machines"); err != nil {
		t.Fatal(err)
	}
	e := newTestEngine(st)

	ok, _ := e.Check(context.Background(), activeUser("u-1"), Query{
		Action: models.ActionRead, ResourceKey: "machineMaster",
	})
	if ok {
		t.Fatal("revoked grant still effective")
	}
}
