package model

import "time"

// ProductStock is the available quantity of one product. It is owned by the
// catalog; this service only reads it and changes Available through
// conditional writes guarded by Version.
//
// Fields:
//
//	ProductID – product identifier.
//	SKU       – human readable stock keeping unit.
//	Available – units that can still be reserved; never negative.
//	IsActive  – inactive products cannot be reserved.
//	Version   – optimistic concurrency token, bumped on every write.
//	UpdatedAt – last modification time.
type ProductStock struct {
	ProductID uint64    // product_stock.product_id
	SKU       string    // product_stock.sku
	Available int64     // product_stock.available
	IsActive  bool      // product_stock.is_active
	Version   uint64    // product_stock.version
	UpdatedAt time.Time // product_stock.updated_at
}

// CanReserve reports whether quantity units can be taken from this row.
func (p ProductStock) CanReserve(quantity int64) bool {
	return p.IsActive && quantity > 0 && p.Available >= quantity
}
