package models

// Resource is a protectable surface of the ERP, grouped into modules
// (masterData, production, quality, ...).
type Resource struct {
	ID          string `db:"id"`
	Key         string `db:"key"`
	Name        string `db:"name"`
	Module      string `db:"module"`
	ModuleLabel string `db:"module_label"`
	Section     string `db:"section"`
	Description string `db:"description"`
	SortOrder   int    `db:"sort_order"`
	IsActive    bool   `db:"is_active"`
}
