package permission

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"prodflow-access/internal/models"
	"prodflow-access/internal/store"
	"prodflow-access/internal/util"
)

// Query is one authorization question: may this user perform action on
// this resource, optionally narrowed to a field or a record.
type Query struct {
	Action      models.Action
	ResourceKey string
	FieldKey    string
	// RecordConditions are equality facts about the record being
	// touched, e.g. {"department": "quality"}.
	RecordConditions map[string]string
}

// Engine answers permission checks. It is read-only and safe for
// concurrent use; the resource catalog is cached with a short TTL.
type Engine struct {
	store      store.DirectoryStore
	catalogTTL time.Duration
	now        func() time.Time

	mu       sync.RWMutex
	byKey    map[string]models.Resource
	loadedAt time.Time
}

type EngineOption func(*Engine)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

func WithCatalogTTL(ttl time.Duration) EngineOption {
	return func(e *Engine) { e.catalogTTL = ttl }
}

func NewEngine(st store.DirectoryStore, opts ...EngineOption) *Engine {
	e := &Engine{
		store:      st,
		catalogTTL: 5 * time.Minute,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Check decides the query for user. Root admins bypass the catalog
// entirely; everyone else is denied unless an active allow matches and
// no matching deny exists.
func (e *Engine) Check(ctx context.Context, user *models.User, q Query) (bool, error) {
	if user == nil {
		return false, nil
	}
	if user.IsRootAdmin {
		return true, nil
	}

	var resource models.Resource
	var grants []models.Grant
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var ok bool
		var err error
		resource, ok, err = e.resourceByKey(gctx, q.ResourceKey)
		if err == nil && !ok {
			resource = models.Resource{}
		}
		return err
	})
	g.Go(func() error {
		var err error
		grants, err = e.store.FindActiveGrants(gctx, user.ID)
		return err
	})
	if err := g.Wait(); err != nil {
		return false, err
	}

	if resource.ID == "" || len(grants) == 0 {
		return false, nil
	}

	ids := make([]string, 0, len(grants))
	for _, gr := range grants {
		ids = append(ids, gr.PermissionID)
	}
	perms, err := e.store.FindPermissions(ctx, ids)
	if err != nil {
		return false, err
	}

	allowed := false
	for _, p := range perms {
		if !matches(p, resource.ID, q) {
			continue
		}
		if !p.IsAllow {
			// A matching deny wins over any allow at any scope
			util.Debug("permission denied by explicit deny",
				zap.String("user_id", user.ID),
				zap.String("permission", p.Name))
			return false, nil
		}
		allowed = true
	}
	return allowed, nil
}

// matches reports whether p applies to the query. Scope narrows from
// global through resource down to field and record.
func matches(p models.Permission, resourceID string, q Query) bool {
	if p.Action != q.Action {
		return false
	}
	switch p.ScopeLevel {
	case models.ScopeGlobal:
		return true
	case models.ScopeResource:
		return p.ResourceID == resourceID
	case models.ScopeField:
		return p.ResourceID == resourceID && q.FieldKey != "" && p.FieldKey == q.FieldKey
	case models.ScopeRecord:
		if p.ResourceID != resourceID {
			return false
		}
		if len(p.RecordConditions) == 0 {
			return false
		}
		for k, v := range p.RecordConditions {
			if q.RecordConditions[k] != v {
				return false
			}
		}
		return true
	}
	return false
}

func (e *Engine) resourceByKey(ctx context.Context, key string) (models.Resource, bool, error) {
	e.mu.RLock()
	fresh := e.byKey != nil && e.now().Sub(e.loadedAt) < e.catalogTTL
	if fresh {
		r, ok := e.byKey[key]
		e.mu.RUnlock()
		return r, ok, nil
	}
	e.mu.RUnlock()

	resources, err := e.store.ListResources(ctx)
	if err != nil {
		return models.Resource{}, false, err
	}

	byKey := make(map[string]models.Resource, len(resources))
	for _, r := range resources {
		if r.IsActive && r.Key != "" {
			byKey[r.Key] = r
		}
	}

	e.mu.Lock()
	e.byKey = byKey
	e.loadedAt = e.now()
	e.mu.Unlock()

	r, ok := byKey[key]
	return r, ok, nil
}

// InvalidateCatalog drops the cached resource catalog.
func (e *Engine) InvalidateCatalog() {
	e.mu.Lock()
	e.byKey = nil
	e.mu.Unlock()
}
