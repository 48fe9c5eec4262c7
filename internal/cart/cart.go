// Package cart implements the session-local shopping cart.
package cart

import (
	"github.com/imrishuroy/go-loyalty-orderflow/internal/apperr"
)

// Item is one cart line: a product snapshot plus a quantity of at least one.
type Item struct {
	ProductID   string `json:"product_id"`
	ProductName string `json:"product_name"`
	UnitPrice   int64  `json:"unit_price"` // minor units
	Quantity    int    `json:"quantity"`
}

// LineTotal is UnitPrice times Quantity.
func (i Item) LineTotal() int64 { return i.UnitPrice * int64(i.Quantity) }

// Cart holds at most one line per product id in insertion order.
// The zero value is an empty cart.
type Cart struct {
	Items []Item `json:"items"`
}

func (c *Cart) index(productID string) int {
	for i := range c.Items {
		if c.Items[i].ProductID == productID {
			return i
		}
	}
	return -1
}

// Add puts qty units of the product in the cart. A product already present
// has its quantity incremented and its snapshot refreshed.
func (c *Cart) Add(p Item, qty int) error {
	if p.ProductID == "" {
		return apperr.NewValidation("product_id", "required")
	}
	if qty < 1 {
		return apperr.NewValidation("quantity", "must be at least 1")
	}
	if i := c.index(p.ProductID); i >= 0 {
		c.Items[i].Quantity += qty
		c.Items[i].ProductName = p.ProductName
		c.Items[i].UnitPrice = p.UnitPrice
		return nil
	}
	p.Quantity = qty
	c.Items = append(c.Items, p)
	return nil
}

// ChangeQuantity adds delta to a line, never dropping below one.
func (c *Cart) ChangeQuantity(productID string, delta int) error {
	i := c.index(productID)
	if i < 0 {
		return apperr.ErrNotFound
	}
	q := c.Items[i].Quantity + delta
	if q < 1 {
		q = 1
	}
	c.Items[i].Quantity = q
	return nil
}

// SetQuantity replaces a line's quantity.
func (c *Cart) SetQuantity(productID string, qty int) error {
	if qty < 1 {
		return apperr.NewValidation("quantity", "must be at least 1")
	}
	i := c.index(productID)
	if i < 0 {
		return apperr.ErrNotFound
	}
	c.Items[i].Quantity = qty
	return nil
}

// Remove drops the product's line. Removing an absent product is a no-op.
func (c *Cart) Remove(productID string) {
	if i := c.index(productID); i >= 0 {
		c.Items = append(c.Items[:i], c.Items[i+1:]...)
	}
}

// Subtract takes ordered lines out of the cart. Each line loses the ordered
// quantity and is dropped when nothing is left. Lines added or topped up
// after the order snapshot keep the difference.
func (c *Cart) Subtract(ordered []Item) {
	for _, o := range ordered {
		i := c.index(o.ProductID)
		if i < 0 {
			continue
		}
		if c.Items[i].Quantity <= o.Quantity {
			c.Remove(o.ProductID)
			continue
		}
		c.Items[i].Quantity -= o.Quantity
	}
}

// Clear empties the cart.
func (c *Cart) Clear() { c.Items = nil }

// Lines returns a copy of the lines.
func (c Cart) Lines() []Item {
	out := make([]Item, len(c.Items))
	copy(out, c.Items)
	return out
}

// Total is the sum of line totals in minor units.
func (c Cart) Total() int64 {
	var sum int64
	for _, it := range c.Items {
		sum += it.LineTotal()
	}
	return sum
}

// Count is the number of units across all lines.
func (c Cart) Count() int {
	n := 0
	for _, it := range c.Items {
		n += it.Quantity
	}
	return n
}

// IsEmpty reports whether the cart has no lines.
func (c Cart) IsEmpty() bool { return len(c.Items) == 0 }
