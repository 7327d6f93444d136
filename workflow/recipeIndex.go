package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/mmdatafocus/stock_engine/docstore"
	"github.com/mmdatafocus/stock_engine/models"
)

type scopeIndex struct {
	// menu item id -> recipe lines
	forward map[string][]models.RecipeLine
	// ingredient key -> set of menu item ids
	reverse map[string]map[string]struct{}
}

func newScopeIndex() *scopeIndex {
	return &scopeIndex{
		forward: map[string][]models.RecipeLine{},
		reverse: map[string]map[string]struct{}{},
	}
}

func (s *scopeIndex) put(id string, recipe []models.RecipeLine) {
	s.drop(id)
	s.forward[id] = models.CloneRecipe(recipe)
	for _, line := range recipe {
		k := line.Key()
		ids, ok := s.reverse[k]
		if !ok {
			ids = map[string]struct{}{}
			s.reverse[k] = ids
		}
		ids[id] = struct{}{}
	}
}

func (s *scopeIndex) drop(id string) {
	old, ok := s.forward[id]
	if !ok {
		return
	}
	delete(s.forward, id)
	for _, line := range old {
		k := line.Key()
		if ids, ok := s.reverse[k]; ok {
			delete(ids, id)
			if len(ids) == 0 {
				delete(s.reverse, k)
			}
		}
	}
}

// RecipeIndex keeps, per scope, menu item -> recipe and ingredient -> menu
// items in step. A scope is loaded from the store the first time it is used.
type RecipeIndex struct {
	store docstore.Store

	mu     sync.RWMutex
	scopes map[models.Scope]*scopeIndex
}

func NewRecipeIndex(store docstore.Store) *RecipeIndex {
	return &RecipeIndex{store: store, scopes: map[models.Scope]*scopeIndex{}}
}

func (x *RecipeIndex) load(ctx context.Context, scope models.Scope) (*scopeIndex, error) {
	items, err := x.store.ListMenuItems(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("load recipe index for %s: %w", scope, err)
	}
	idx := newScopeIndex()
	for _, m := range items {
		idx.put(m.ID, m.Recipe)
	}
	return idx, nil
}

// ensureLoaded returns once scope is present in the index. A load that lost
// the race to another goroutine is discarded.
func (x *RecipeIndex) ensureLoaded(ctx context.Context, scope models.Scope) error {
	x.mu.RLock()
	_, ok := x.scopes[scope]
	x.mu.RUnlock()
	if ok {
		return nil
	}
	idx, err := x.load(ctx, scope)
	if err != nil {
		return err
	}
	x.mu.Lock()
	if _, ok := x.scopes[scope]; !ok {
		x.scopes[scope] = idx
	}
	x.mu.Unlock()
	return nil
}

// GetRecipe returns a copy of the recipe of menuItemId. An id the index has
// not seen yet is looked up in the store and indexed.
func (x *RecipeIndex) GetRecipe(ctx context.Context, menuItemId string, scope models.Scope) ([]models.RecipeLine, error) {
	if err := x.ensureLoaded(ctx, scope); err != nil {
		return nil, err
	}
	var recipe []models.RecipeLine
	var ok bool
	x.mu.RLock()
	if idx := x.scopes[scope]; idx != nil {
		recipe, ok = idx.forward[menuItemId]
	}
	x.mu.RUnlock()
	if ok {
		return models.CloneRecipe(recipe), nil
	}

	m, err := x.store.GetMenuItem(ctx, scope, menuItemId)
	if err != nil {
		return nil, err
	}
	x.mu.Lock()
	if idx, ok := x.scopes[scope]; ok {
		idx.put(m.ID, m.Recipe)
	}
	x.mu.Unlock()
	return models.CloneRecipe(m.Recipe), nil
}

// ItemsUsingIngredient returns the sorted ids of the menu items whose recipe
// references ingredientKey (an inventory id or an IngredientNameKey).
func (x *RecipeIndex) ItemsUsingIngredient(ctx context.Context, ingredientKey string, scope models.Scope) ([]string, error) {
	if err := x.ensureLoaded(ctx, scope); err != nil {
		return nil, err
	}
	x.mu.RLock()
	defer x.mu.RUnlock()
	var ids map[string]struct{}
	if idx := x.scopes[scope]; idx != nil {
		ids = idx.reverse[ingredientKey]
	}
	out := make([]string, 0, len(ids))
	for id := range ids {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// Upsert replaces the recipe of item in both directions under one lock.
func (x *RecipeIndex) Upsert(ctx context.Context, scope models.Scope, item *models.MenuItem) error {
	if err := x.ensureLoaded(ctx, scope); err != nil {
		return err
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if idx, ok := x.scopes[scope]; ok {
		idx.put(item.ID, item.Recipe)
	}
	return nil
}

func (x *RecipeIndex) Remove(ctx context.Context, scope models.Scope, menuItemId string) error {
	if err := x.ensureLoaded(ctx, scope); err != nil {
		return err
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if idx, ok := x.scopes[scope]; ok {
		idx.drop(menuItemId)
	}
	return nil
}

// Rebuild reloads scope from the store, replacing whatever was indexed.
func (x *RecipeIndex) Rebuild(ctx context.Context, scope models.Scope) error {
	idx, err := x.load(ctx, scope)
	if err != nil {
		return err
	}
	x.mu.Lock()
	x.scopes[scope] = idx
	x.mu.Unlock()
	return nil
}

// Verify checks that the forward and reverse maps of scope describe the same
// relation. An unloaded scope is trivially consistent.
func (x *RecipeIndex) Verify(scope models.Scope) error {
	x.mu.RLock()
	defer x.mu.RUnlock()
	idx, ok := x.scopes[scope]
	if !ok {
		return nil
	}
	var errs []error
	for id, recipe := range idx.forward {
		for _, line := range recipe {
			if _, ok := idx.reverse[line.Key()][id]; !ok {
				errs = append(errs, fmt.Errorf("menu item %s uses %s but the reverse index does not list it", id, line.Key()))
			}
		}
	}
	for key, ids := range idx.reverse {
		if len(ids) == 0 {
			errs = append(errs, fmt.Errorf("empty reverse entry for %s", key))
		}
		for id := range ids {
			if !recipeUses(idx.forward[id], key) {
				errs = append(errs, fmt.Errorf("reverse index lists %s under %s but its recipe does not use it", id, key))
			}
		}
	}
	return errors.Join(errs...)
}

func recipeUses(recipe []models.RecipeLine, key string) bool {
	for _, line := range recipe {
		if line.Key() == key {
			return true
		}
	}
	return false
}
