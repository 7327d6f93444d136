package utils

import (
	"context"

	"github.com/mmdatafocus/stock_engine/appctx"
)

var (
	ContextKeyToken         = appctx.ContextKeyToken
	ContextKeyTenantId      = appctx.ContextKeyTenantId
	ContextKeyLocationId    = appctx.ContextKeyLocationId
	ContextKeyBranchId      = appctx.ContextKeyBranchId
	ContextKeyUserId        = appctx.ContextKeyUserId
	ContextKeyRole          = appctx.ContextKeyRole
	ContextKeyCorrelationId = appctx.ContextKeyCorrelationId

	ContextKeySkipScopeGuard = appctx.ContextKeySkipScopeGuard
)

func GetTokenFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyToken)
}

func GetTenantIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyTenantId)
}

func GetLocationIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyLocationId)
}

func GetBranchIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyBranchId)
}

func GetUserIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyUserId)
}

func GetRoleFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyRole)
}

func GetCorrelationIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyCorrelationId)
}

func SetTokenInContext(ctx context.Context, token string) context.Context {
	return appctx.Set(ctx, ContextKeyToken, token)
}

// SetScopeInContext records the resolved tenant and location for the scope
// guard and for log correlation.
func SetScopeInContext(ctx context.Context, tenantId, branchId, locationId string) context.Context {
	ctx = appctx.Set(ctx, ContextKeyTenantId, tenantId)
	ctx = appctx.Set(ctx, ContextKeyBranchId, branchId)
	return appctx.Set(ctx, ContextKeyLocationId, locationId)
}

func SetUserIdInContext(ctx context.Context, userId string) context.Context {
	return appctx.Set(ctx, ContextKeyUserId, userId)
}

func SetRoleInContext(ctx context.Context, role string) context.Context {
	return appctx.Set(ctx, ContextKeyRole, role)
}

func SetCorrelationIdInContext(ctx context.Context, correlationId string) context.Context {
	return appctx.Set(ctx, ContextKeyCorrelationId, correlationId)
}

func SetSkipScopeGuardInContext(ctx context.Context, skip bool) context.Context {
	return appctx.Set(ctx, ContextKeySkipScopeGuard, skip)
}
