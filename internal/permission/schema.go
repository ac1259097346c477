package permission

import (
	"context"
	"sort"

	"golang.org/x/sync/errgroup"

	"prodflow-access/internal/models"
	"prodflow-access/internal/store"
)

// ActionSchema is one grantable action on a resource.
type ActionSchema struct {
	PermissionID string `json:"permissionId"`
	Action       string `json:"action"`
	Name         string `json:"name"`
}

// ResourceSchema groups a resource's grantable actions.
type ResourceSchema struct {
	ResourceKey string         `json:"resourceKey"`
	ResourceID  string         `json:"resourceId"`
	Label       string         `json:"label"`
	Description string         `json:"description"`
	SortOrder   int            `json:"sortOrder"`
	Actions     []ActionSchema `json:"actions"`
}

// ModuleSchema is the top level of the module → resource → action view
// that grant administration surfaces render.
type ModuleSchema struct {
	Module      string           `json:"module"`
	ModuleLabel string           `json:"moduleLabel"`
	SortOrder   int              `json:"sortOrder"`
	Resources   []ResourceSchema `json:"resources"`
}

var moduleSortOrder = map[string]int{
	"masterData":        1,
	"storePurchase":     2,
	"storeInward":       3,
	"storeOutward":      4,
	"storeSales":        5,
	"productionPlanner": 6,
	"production":        7,
	"quality":           8,
	"maintenance":       9,
}

// UI surfaces say "view" where the catalog says "read"
var actionDisplayOrder = map[string]int{
	"approve": 0,
	"update":  1,
	"create":  2,
	"delete":  3,
	"view":    4,
}

// BuildSchema assembles the read-only catalog view from the resource
// and permission tables.
func BuildSchema(ctx context.Context, st store.DirectoryStore) ([]ModuleSchema, error) {
	var resources []models.Resource
	var permissions []models.Permission

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		resources, err = st.ListResources(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		permissions, err = st.ListPermissions(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	permsByResource := make(map[string][]models.Permission)
	for _, p := range permissions {
		if p.ResourceID != "" {
			permsByResource[p.ResourceID] = append(permsByResource[p.ResourceID], p)
		}
	}

	moduleMap := make(map[string]*ModuleSchema)
	for _, r := range resources {
		if !r.IsActive || r.Key == "" || r.Module == "" {
			continue
		}

		mod, ok := moduleMap[r.Module]
		if !ok {
			label := r.ModuleLabel
			if label == "" {
				label = r.Module
			}
			order, known := moduleSortOrder[r.Module]
			if !known {
				order = 99
			}
			mod = &ModuleSchema{
				Module:      r.Module,
				ModuleLabel: label,
				SortOrder:   order,
			}
			moduleMap[r.Module] = mod
		}

		var actions []ActionSchema
		for _, p := range permsByResource[r.ID] {
			action := string(p.Action)
			if action == "read" {
				action = "view"
			}
			actions = append(actions, ActionSchema{
				PermissionID: p.ID,
				Action:       action,
				Name:         p.Name,
			})
		}
		sort.Slice(actions, func(i, j int) bool {
			oi, oki := actionDisplayOrder[actions[i].Action]
			oj, okj := actionDisplayOrder[actions[j].Action]
			if !oki {
				oi = len(actionDisplayOrder)
			}
			if !okj {
				oj = len(actionDisplayOrder)
			}
			if oi != oj {
				return oi < oj
			}
			return actions[i].Name < actions[j].Name
		})

		label := r.Section
		if label == "" {
			label = r.Name
		}
		mod.Resources = append(mod.Resources, ResourceSchema{
			ResourceKey: r.Key,
			ResourceID:  r.ID,
			Label:       label,
			Description: r.Description,
			SortOrder:   r.SortOrder,
			Actions:     actions,
		})
	}

	out := make([]ModuleSchema, 0, len(moduleMap))
	for _, m := range moduleMap {
		sort.Slice(m.Resources, func(i, j int) bool {
			return m.Resources[i].SortOrder < m.Resources[j].SortOrder
		})
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SortOrder < out[j].SortOrder })
	return out, nil
}
