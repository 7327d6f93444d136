package docstore

import (
	"context"
	"reflect"
	"strings"

	"github.com/mmdatafocus/stock_engine/appctx"
	"github.com/mmdatafocus/stock_engine/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	tenantColumn   = "tenant_id"
	locationColumn = "location_id"
)

// ScopeGuardPlugin refuses statements against tables carrying tenant_id and
// location_id unless both columns are pinned in the WHERE clause (reads,
// updates, deletes) or set on every record (creates).
//
// In non-strict mode an unpinned read/update/delete is scoped from the
// request context instead, and only fails when the context has no scope.
//
// NOTE:
// - Raw SQL is not inspected. Raw statements must filter on both columns themselves.
// - Internal bypass is explicit via appctx.ContextKeySkipScopeGuard.
type ScopeGuardPlugin struct {
	Strict bool
}

func NewScopeGuardPlugin(strict bool) *ScopeGuardPlugin { return &ScopeGuardPlugin{Strict: strict} }

func (p *ScopeGuardPlugin) Name() string { return "scope_guard" }

func (p *ScopeGuardPlugin) Initialize(db *gorm.DB) error {
	if err := db.Callback().Query().Before("gorm:query").Register("scope_guard:query", p.filterCallback("query")); err != nil {
		return err
	}
	if err := db.Callback().Row().Before("gorm:row").Register("scope_guard:row", p.filterCallback("row")); err != nil {
		return err
	}
	if err := db.Callback().Update().Before("gorm:update").Register("scope_guard:update", p.filterCallback("update")); err != nil {
		return err
	}
	if err := db.Callback().Delete().Before("gorm:delete").Register("scope_guard:delete", p.filterCallback("delete")); err != nil {
		return err
	}
	return db.Callback().Create().Before("gorm:create").Register("scope_guard:create", createCallback)
}

func (p *ScopeGuardPlugin) filterCallback(op string) func(*gorm.DB) {
	return func(db *gorm.DB) {
		if !guarded(db) {
			return
		}
		where := db.Statement.Clauses["WHERE"]
		hasTenant := whereHasColumn(where, tenantColumn)
		hasLocation := whereHasColumn(where, locationColumn)
		if hasTenant && hasLocation {
			return
		}

		tenantId, _ := appctx.GetString(db.Statement.Context, appctx.ContextKeyTenantId)
		locationId, _ := appctx.GetString(db.Statement.Context, appctx.ContextKeyLocationId)
		if p.Strict || tenantId == "" || locationId == "" {
			db.AddError(&models.CrossScopeViolation{
				Collection: models.Collection(db.Statement.Table),
				Op:         op,
				Detail:     "statement does not filter on tenant_id and location_id",
			})
			return
		}

		var exprs []clause.Expression
		if !hasTenant {
			exprs = append(exprs, clause.Eq{Column: clause.Column{Table: db.Statement.Table, Name: tenantColumn}, Value: tenantId})
		}
		if !hasLocation {
			exprs = append(exprs, clause.Eq{Column: clause.Column{Table: db.Statement.Table, Name: locationColumn}, Value: locationId})
		}
		db.Statement.AddClause(clause.Where{Exprs: exprs})
	}
}

func createCallback(db *gorm.DB) {
	if !guarded(db) {
		return
	}
	tenantField := db.Statement.Schema.LookUpField(tenantColumn)
	locationField := db.Statement.Schema.LookUpField(locationColumn)
	ctx := db.Statement.Context
	ctxTenant, _ := appctx.GetString(ctx, appctx.ContextKeyTenantId)
	ctxLocation, _ := appctx.GetString(ctx, appctx.ContextKeyLocationId)

	check := func(rv reflect.Value) bool {
		t, tZero := tenantField.ValueOf(ctx, rv)
		l, lZero := locationField.ValueOf(ctx, rv)
		if tZero || lZero {
			return false
		}
		if ctxTenant != "" && t != ctxTenant {
			return false
		}
		if ctxLocation != "" && l != ctxLocation {
			return false
		}
		return true
	}

	rv := reflect.Indirect(db.Statement.ReflectValue)
	ok := true
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		for i := 0; i < rv.Len() && ok; i++ {
			ok = check(reflect.Indirect(rv.Index(i)))
		}
	case reflect.Struct:
		ok = check(rv)
	}
	if !ok {
		db.AddError(&models.CrossScopeViolation{
			Collection: models.Collection(db.Statement.Table),
			Op:         "create",
			Detail:     "record is missing tenant_id/location_id or belongs to another scope",
		})
	}
}

// guarded reports whether the statement targets a scoped table and is not bypassed.
func guarded(db *gorm.DB) bool {
	if db == nil || db.Statement == nil || db.Statement.Schema == nil {
		return false
	}
	if db.Statement.SQL.Len() > 0 {
		// Raw statement.
		return false
	}
	if shouldBypassScopeGuard(db.Statement.Context) {
		return false
	}
	return db.Statement.Schema.LookUpField(tenantColumn) != nil &&
		db.Statement.Schema.LookUpField(locationColumn) != nil
}

func shouldBypassScopeGuard(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	v, ok := appctx.GetBool(ctx, appctx.ContextKeySkipScopeGuard)
	return ok && v
}

func whereHasColumn(c clause.Clause, column string) bool {
	if c.Expression == nil {
		return false
	}
	w, ok := c.Expression.(clause.Where)
	if !ok {
		return false
	}
	for _, e := range w.Exprs {
		if exprHasColumn(e, column) {
			return true
		}
	}
	return false
}

func exprHasColumn(e clause.Expression, column string) bool {
	switch v := e.(type) {
	case clause.Eq:
		return colIs(v.Column, column)
	case clause.IN:
		return colIs(v.Column, column)
	case clause.AndConditions:
		for _, x := range v.Exprs {
			if exprHasColumn(x, column) {
				return true
			}
		}
		return false
	case clause.Expr:
		// Best-effort for string conditions such as "tenant_id = ? AND location_id = ?".
		return strings.Contains(strings.ToLower(v.SQL), column)
	case clause.NamedExpr:
		return strings.Contains(strings.ToLower(v.SQL), column)
	default:
		return false
	}
}

func colIs(col any, column string) bool {
	switch c := col.(type) {
	case string:
		return strings.EqualFold(c, column)
	case clause.Column:
		return strings.EqualFold(c.Name, column)
	default:
		return false
	}
}
