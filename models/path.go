package models

import "fmt"

// Collection names the logical document collections under a tenant.
type Collection string

const (
	CollectionInventory      Collection = "inventory"
	CollectionMenuItems      Collection = "menuItems"
	CollectionPOSItems       Collection = "posItems"
	CollectionOrders         Collection = "orders"
	CollectionStockMovements Collection = "stockMovements"
)

// DocumentPath renders tenants/{tenantId}/{collection}/{id}.
func DocumentPath(collection Collection, tenantId, id string) string {
	return fmt.Sprintf("tenants/%s/%s/%s", tenantId, collection, id)
}
