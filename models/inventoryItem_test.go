package models

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestDeriveStockStatus(t *testing.T) {
	d := decimal.RequireFromString
	cases := []struct {
		qty, min string
		want StockStatus
	}{
		{"0", "10", StockStatusOutOfStock},
		{"-1", "10", StockStatusOutOfStock},
		{"10", "10", StockStatusLowStock},
		{"3", "10", StockStatusLowStock},
		{"15", "10", StockStatusWarning},
		{"10.5", "10", StockStatusWarning},
		{"15.01", "10", StockStatusGood},
		{"1", "0", StockStatusGood},
	}
	for _, tc := range cases {
		got := DeriveStockStatus(d(tc.qty), d(tc.min))
		if got != tc.want {
			t.Fatalf("DeriveStockStatus(%s, %s) = %s, want %s", tc.qty, tc.min, got, tc.want)
		}
	}
}

func TestInventoryItemBeforeSaveRefreshesStatus(t *testing.T) {
	item := &InventoryItem{Quantity: decimal.NewFromInt(2), MinThreshold: decimal.NewFromInt(5), Status: StockStatusGood}
	if err := item.BeforeSave(nil); err != nil {
		t.Fatalf("BeforeSave: %v", err)
	}
	if item.Status != StockStatusLowStock {
		t.Fatalf("status = %s, want low-stock", item.Status)
	}
}
