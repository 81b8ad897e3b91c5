package domain

import (
	"encoding/json"
	"time"
)

// Cart is the per-user shopping cart. One cart per user, created lazily on
// first add. Lines are unique per (cart, product).
type Cart struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	Items     []CartItem `json:"items"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Total is the declared cart total at current product prices, in cents.
func (c *Cart) Total() int64 {
	var total int64
	for i := range c.Items {
		total += c.Items[i].Subtotal()
	}
	return total
}

// ItemCount is the total number of units across all lines.
func (c *Cart) ItemCount() int {
	var count int
	for i := range c.Items {
		count += c.Items[i].Quantity
	}
	return count
}

func (c Cart) MarshalJSON() ([]byte, error) {
	type cart Cart
	return json.Marshal(struct {
		cart
		Total     int64 `json:"total"`
		ItemCount int   `json:"item_count"`
	}{
		cart:      cart(c),
		Total:     c.Total(),
		ItemCount: c.ItemCount(),
	})
}

// CartItem carries the referenced product fully materialized, so callers never
// trigger follow-up loads.
type CartItem struct {
	ID        string    `json:"id"`
	CartID    string    `json:"cart_id"`
	ProductID string    `json:"product_id"`
	Quantity  int       `json:"quantity"`
	Product   Product   `json:"product"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (i *CartItem) Subtotal() int64 {
	return i.Product.Price * int64(i.Quantity)
}
