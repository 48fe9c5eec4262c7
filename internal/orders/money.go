package orders

import (
	"github.com/shopspring/decimal"

	"github.com/imrishuroy/go-loyalty-orderflow/internal/cart"
)

// Totals are the derived amounts of an order, in minor units.
type Totals struct {
	ItemsTotal    int64
	ShippingFee   int64
	DiscountTotal int64
	GrandTotal    int64
}

// ComputeTotals sums the lines and applies shipping and discount. The grand
// total is floored at zero.
func ComputeTotals(lines []cart.Item, shippingFee, discountTotal int64) Totals {
	var items int64
	for _, l := range lines {
		items += l.LineTotal()
	}
	grand := items + shippingFee - discountTotal
	if grand < 0 {
		grand = 0
	}
	return Totals{
		ItemsTotal:    items,
		ShippingFee:   shippingFee,
		DiscountTotal: discountTotal,
		GrandTotal:    grand,
	}
}

// FormatCents renders minor units as a yuan amount, e.g. 108800 -> ¥1088.00.
func FormatCents(cents int64) string {
	return "¥" + decimal.New(cents, -2).StringFixed(2)
}
