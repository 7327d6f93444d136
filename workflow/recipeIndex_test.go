package workflow

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/mmdatafocus/stock_engine/docstore"
	"github.com/mmdatafocus/stock_engine/models"
)

func saveMenu(t *testing.T, store docstore.Store, scope models.Scope, id string, recipe ...models.RecipeLine) *models.MenuItem {
	t.Helper()
	m := &models.MenuItem{
		ID:         id,
		TenantId:   scope.TenantId(),
		LocationId: scope.LocationId(),
		Name:       id,
		Recipe:     recipe,
	}
	if err := store.SaveMenuItem(context.Background(), scope, m); err != nil {
		t.Fatalf("SaveMenuItem %s: %v", id, err)
	}
	return m
}

func TestRecipeIndex_LoadsLazilyFromStore(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemoryStore()
	scope := mustScope(t, "tenant-1", "B1")
	saveMenu(t, store, scope, "latte", byId("milk", "0.2"), byId("coffee", "0.02"))
	saveMenu(t, store, scope, "mocha", byId("milk", "0.15"), byName("Cocoa", "0.03"))

	idx := NewRecipeIndex(store)
	recipe, err := idx.GetRecipe(ctx, "latte", scope)
	if err != nil {
		t.Fatalf("GetRecipe: %v", err)
	}
	if len(recipe) != 2 || recipe[0].IngredientId != "milk" {
		t.Fatalf("recipe = %+v", recipe)
	}
	ids, err := idx.ItemsUsingIngredient(ctx, "milk", scope)
	if err != nil {
		t.Fatalf("ItemsUsingIngredient: %v", err)
	}
	if !reflect.DeepEqual(ids, []string{"latte", "mocha"}) {
		t.Fatalf("milk used by %v", ids)
	}
	ids, _ = idx.ItemsUsingIngredient(ctx, models.IngredientNameKey("  cocoa"), scope)
	if !reflect.DeepEqual(ids, []string{"mocha"}) {
		t.Fatalf("cocoa used by %v", ids)
	}
	if err := idx.Verify(scope); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestRecipeIndex_MutationsKeepBothDirectionsInStep(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemoryStore()
	scope := mustScope(t, "tenant-1", "B1")
	idx := NewRecipeIndex(store)

	steps := []struct {
		name string
		run  func() error
	}{
		{"add latte", func() error {
			return idx.Upsert(ctx, scope, saveMenu(t, store, scope, "latte", byId("milk", "0.2"), byId("coffee", "0.02")))
		}},
		{"add tea", func() error {
			return idx.Upsert(ctx, scope, saveMenu(t, store, scope, "tea", byId("milk", "0.05")))
		}},
		{"latte drops milk", func() error {
			return idx.Upsert(ctx, scope, saveMenu(t, store, scope, "latte", byId("oat-milk", "0.2"), byId("coffee", "0.02")))
		}},
		{"remove tea", func() error { return idx.Remove(ctx, scope, "tea") }},
		{"remove unknown", func() error { return idx.Remove(ctx, scope, "ghost") }},
	}
	for _, step := range steps {
		if err := step.run(); err != nil {
			t.Fatalf("%s: %v", step.name, err)
		}
		if err := idx.Verify(scope); err != nil {
			t.Fatalf("index inconsistent after %s: %v", step.name, err)
		}
	}

	if ids, _ := idx.ItemsUsingIngredient(ctx, "milk", scope); len(ids) != 0 {
		t.Fatalf("milk still used by %v", ids)
	}
	if ids, _ := idx.ItemsUsingIngredient(ctx, "oat-milk", scope); !reflect.DeepEqual(ids, []string{"latte"}) {
		t.Fatalf("oat-milk used by %v", ids)
	}
}

func TestRecipeIndex_ScopesAreIsolated(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemoryStore()
	b1 := mustScope(t, "tenant-1", "B1")
	b2 := mustScope(t, "tenant-1", "B2")
	saveMenu(t, store, b1, "latte", byId("milk", "0.2"))

	idx := NewRecipeIndex(store)
	if _, err := idx.GetRecipe(ctx, "latte", b2); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound across branches, got %v", err)
	}
	if ids, _ := idx.ItemsUsingIngredient(ctx, "milk", b2); len(ids) != 0 {
		t.Fatalf("B2 sees B1 items: %v", ids)
	}
}

func TestRecipeIndex_PicksUpItemsSavedAfterLoad(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemoryStore()
	scope := mustScope(t, "tenant-1", "B1")
	idx := NewRecipeIndex(store)
	if _, err := idx.ItemsUsingIngredient(ctx, "milk", scope); err != nil {
		t.Fatalf("initial load: %v", err)
	}

	// Written by another instance: the index has never seen it.
	saveMenu(t, store, scope, "latte", byId("milk", "0.2"))
	if _, err := idx.GetRecipe(ctx, "latte", scope); err != nil {
		t.Fatalf("GetRecipe: %v", err)
	}
	if ids, _ := idx.ItemsUsingIngredient(ctx, "milk", scope); !reflect.DeepEqual(ids, []string{"latte"}) {
		t.Fatalf("milk used by %v", ids)
	}

	saveMenu(t, store, scope, "tea", byId("milk", "0.05"))
	if err := idx.Rebuild(ctx, scope); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if ids, _ := idx.ItemsUsingIngredient(ctx, "milk", scope); len(ids) != 2 {
		t.Fatalf("milk used by %v after rebuild", ids)
	}
	if err := idx.Verify(scope); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestRecipeIndex_UnavailableStore(t *testing.T) {
	store := docstore.NewMemoryStore()
	store.SetOffline(true)
	idx := NewRecipeIndex(store)
	_, err := idx.GetRecipe(context.Background(), "latte", mustScope(t, "tenant-1", "B1"))
	if !errors.Is(err, models.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
}
