package models

import (
	"log"

	"github.com/mmdatafocus/stock_engine/config"
)

// ScopedTables lists every table whose rows carry tenant_id and location_id.
var ScopedTables = []string{
	"inventory_items",
	"menu_items",
	"pos_items",
	"orders",
	"stock_movements",
}

func AllModels() []interface{} {
	return []interface{}{
		&InventoryItem{}, &MenuItem{}, &POSItem{}, &Order{}, &StockMovement{},
	}
}

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(AllModels()...)
	if err != nil {
		log.Fatal(err)
	}
}
