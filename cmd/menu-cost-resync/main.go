package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/mmdatafocus/stock_engine/config"
	"github.com/mmdatafocus/stock_engine/docstore"
	"github.com/mmdatafocus/stock_engine/models"
	"github.com/mmdatafocus/stock_engine/utils"
	"github.com/mmdatafocus/stock_engine/workflow"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// menu-cost-resync recomputes cost and margin of every menu item in the given
// branches. It is the repair path after bulk price imports or a stale flag.
func main() {
	tenantID := flag.String("tenant-id", "", "Required: tenant id")
	branches := flag.String("branches", "", "Comma-separated branch ids; empty means every branch with menu items")
	dryRun := flag.Bool("dry-run", false, "List the branches that would be synchronized and exit")
	flag.Parse()

	if strings.TrimSpace(*tenantID) == "" {
		fmt.Fprintln(os.Stderr, "--tenant-id is required")
		os.Exit(1)
	}

	cfg, err := config.LoadEngineConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	ctx := context.Background()
	config.ConnectDatabaseWithRetry(docstore.NewScopeGuardPlugin(cfg.ScopeGuardStrict))
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}
	if os.Getenv("REDIS_ADDRESS") != "" {
		config.ConnectRedisWithRetry(ctx)
	}
	logger := config.GetLogger()

	scopes, err := resolveScopes(ctx, db, *tenantID, *branches)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *dryRun {
		for _, s := range scopes {
			fmt.Println(s.String())
		}
		return
	}

	engine := workflow.NewEngine(docstore.NewGormStore(db), nil, workflow.NewPubSubPublisher(ctx, logger), logger, cfg)
	defer engine.Close()

	failed := 0
	for _, scope := range scopes {
		report, err := engine.Costs.SyncScope(ctx, scope)
		if err != nil {
			failed++
			config.LogError(logger, "menu-cost-resync", "main", "SyncScope", scope.String(), err)
			continue
		}
		logger.WithFields(logrus.Fields{
			"field":       "menu-cost-resync",
			"tenant_id":   scope.TenantId(),
			"location_id": scope.LocationId(),
			"checked":     report.Checked,
			"updated":     len(report.Updated),
			"stale":       len(report.Stale),
			"skipped":     len(report.Skipped),
		}).Info("branch synchronized")
		if len(report.Failed) > 0 {
			failed++
		}
	}
	if failed > 0 {
		os.Exit(1)
	}
}

func resolveScopes(ctx context.Context, db *gorm.DB, tenantId, branches string) ([]models.Scope, error) {
	var scopes []models.Scope
	if strings.TrimSpace(branches) != "" {
		for _, b := range strings.Split(branches, ",") {
			scope, err := models.ResolveScope(tenantId, b)
			if err != nil {
				return nil, err
			}
			scopes = append(scopes, scope)
		}
		return scopes, nil
	}

	// Branch discovery spans locations on purpose; the scope guard is bypassed
	// for this one read.
	var locations []string
	err := db.WithContext(utils.SetSkipScopeGuardInContext(ctx, true)).
		Model(&models.MenuItem{}).
		Where("tenant_id = ?", strings.TrimSpace(tenantId)).
		Distinct().
		Pluck("location_id", &locations).Error
	if err != nil {
		return nil, fmt.Errorf("discover branches: %w", err)
	}
	for _, loc := range locations {
		scope, err := models.ScopeFromDocument(tenantId, loc)
		if err != nil {
			return nil, err
		}
		scopes = append(scopes, scope)
	}
	return scopes, nil
}
