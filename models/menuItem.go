package models

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

const ingredientNameKeyPrefix = "name:"

// RecipeLine is one ingredient-quantity pair of a sellable item.
type RecipeLine struct {
	IngredientId   string          `json:"ingredient_id" validate:"required_without=IngredientName"`
	IngredientName string          `json:"ingredient_name" validate:"required_without=IngredientId"`
	Quantity       decimal.Decimal `json:"quantity" validate:"gt=0"`
	Unit           string          `json:"unit"`
}

// Key identifies the ingredient a line refers to. Lines authored without an
// ingredient id fall back to a folded-name key.
func (l RecipeLine) Key() string {
	if l.IngredientId != "" {
		return l.IngredientId
	}
	return IngredientNameKey(l.IngredientName)
}

// IngredientNameKey is the index key of a recipe line that names its
// ingredient instead of referencing it by id.
func IngredientNameKey(name string) string {
	return ingredientNameKeyPrefix + FoldName(name)
}

func CloneRecipe(lines []RecipeLine) []RecipeLine {
	if lines == nil {
		return nil
	}
	out := make([]RecipeLine, len(lines))
	copy(out, lines)
	return out
}

type MenuItem struct {
	ID         string          `gorm:"primaryKey;size:64" json:"id" validate:"required"`
	TenantId   string          `gorm:"primaryKey;size:64;index:idx_menu_scope,priority:1" json:"tenant_id" validate:"required"`
	LocationId string          `gorm:"size:80;not null;index:idx_menu_scope,priority:2" json:"location_id" validate:"required,startswith=loc_"`
	Name       string          `gorm:"size:150;not null" json:"name" validate:"required"`
	Category   string          `gorm:"size:50" json:"category"`
	Price      decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"price" validate:"gte=0"`
	Recipe     []RecipeLine    `gorm:"serializer:json;type:text" json:"recipe" validate:"omitempty,dive"`
	// Cost and Margin are derived; only the cost synchronizer writes them.
	Cost          decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"cost"`
	Margin        decimal.Decimal `gorm:"type:decimal(10,4);default:0" json:"margin"`
	CostUpdatedAt *time.Time      `json:"cost_updated_at"`
	CostStale     bool            `gorm:"not null;default:false" json:"cost_stale"`
	CreatedAt     time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (m *MenuItem) Path() string {
	return DocumentPath(CollectionMenuItems, m.TenantId, m.ID)
}

// IngredientKeys returns the distinct recipe keys, sorted.
func (m *MenuItem) IngredientKeys() []string {
	seen := make(map[string]struct{}, len(m.Recipe))
	keys := make([]string, 0, len(m.Recipe))
	for _, line := range m.Recipe {
		k := line.Key()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ComputeCost sums quantity*cost over the recipe and rounds once, at the end,
// to the given scale. complete is false when some line had no known cost;
// such lines contribute zero.
func ComputeCost(lines []RecipeLine, costOf func(RecipeLine) (decimal.Decimal, bool), scale int32) (cost decimal.Decimal, complete bool) {
	sum := decimal.Zero
	complete = true
	for _, line := range lines {
		c, ok := costOf(line)
		if !ok {
			complete = false
			continue
		}
		sum = sum.Add(line.Quantity.Mul(c))
	}
	return sum.Round(scale), complete
}

// ComputeMargin returns (price - cost) / price rounded to 4 places, 0 for a free item.
func ComputeMargin(price, cost decimal.Decimal) decimal.Decimal {
	if price.IsZero() {
		return decimal.Zero
	}
	return price.Sub(cost).Div(price).Round(4)
}

type NewMenuItem struct {
	Name     string          `json:"name" binding:"required"`
	Category string          `json:"category"`
	Price    decimal.Decimal `json:"price"`
	Recipe   []RecipeLine    `json:"recipe"`
}
