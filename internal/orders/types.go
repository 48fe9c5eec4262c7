package orders

import (
	"time"

	"github.com/imrishuroy/go-loyalty-orderflow/internal/cart"
)

// Order statuses
const (
	StatusCreating  = "creating" // header written, items still being written
	StatusPending   = "pending"
	StatusPaid      = "paid"
	StatusShipped   = "shipped"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
	StatusFailed    = "failed"
)

// Payment statuses
const (
	PaymentUnpaid = "unpaid"
	PaymentPaid   = "paid"
)

// Address is the shipping snapshot taken at purchase time. It is never
// updated after the order is created.
type Address struct {
	Name         string `dynamodbav:"name" json:"name"`
	Phone        string `dynamodbav:"phone" json:"phone"`
	Province     string `dynamodbav:"province" json:"province"`
	ProvinceCode string `dynamodbav:"province_code,omitempty" json:"province_code,omitempty"`
	City         string `dynamodbav:"city" json:"city"`
	CityCode     string `dynamodbav:"city_code,omitempty" json:"city_code,omitempty"`
	District     string `dynamodbav:"district" json:"district"`
	DistrictCode string `dynamodbav:"district_code,omitempty" json:"district_code,omitempty"`
	Detail       string `dynamodbav:"detail" json:"detail"`
}

// Customer is the contact recorded on the order.
type Customer struct {
	Name  string
	Phone string
	Email string
}

// LineItem is a row of the order_items table. Name and price are snapshots.
type LineItem struct {
	OrderID     string `dynamodbav:"order_id" json:"-"`      // PK
	LineNo      int    `dynamodbav:"line_no" json:"line_no"` // SK
	ProductID   string `dynamodbav:"product_id" json:"product_id"`
	ProductName string `dynamodbav:"product_name" json:"product_name"`
	UnitPrice   int64  `dynamodbav:"unit_price" json:"unit_price"`
	Quantity    int    `dynamodbav:"quantity" json:"quantity"`
	LineTotal   int64  `dynamodbav:"line_total" json:"line_total"`
}

// Order is the header stored in the orders table. Amounts are minor units.
type Order struct {
	ID            string     `dynamodbav:"order_id" json:"id"` // PK
	OrderCode     string     `dynamodbav:"order_code" json:"order_code"`
	UserID        string     `dynamodbav:"user_id" json:"-"`
	Status        string     `dynamodbav:"status" json:"status"`
	PaymentStatus string     `dynamodbav:"payment_status" json:"payment_status"`
	ItemsTotal    int64      `dynamodbav:"items_total" json:"items_total"`
	ShippingFee   int64      `dynamodbav:"shipping_fee" json:"shipping_fee"`
	DiscountTotal int64      `dynamodbav:"discount_total" json:"discount_total"`
	GrandTotal    int64      `dynamodbav:"grand_total" json:"grand_total"`
	PointsUsed    int64      `dynamodbav:"points_used" json:"points_used"`
	CustomerName  string     `dynamodbav:"customer_name" json:"customer_name"`
	CustomerPhone string     `dynamodbav:"customer_phone" json:"customer_phone"`
	CustomerEmail string     `dynamodbav:"customer_email,omitempty" json:"customer_email,omitempty"`
	Address       Address    `dynamodbav:"address" json:"address"`
	CreatedAt     time.Time  `dynamodbav:"created_at" json:"created_at"`
	CreatedAtNs   int64      `dynamodbav:"created_at_ns" json:"-"` // GSI sort key
	ExpiresAt     time.Time  `dynamodbav:"expires_at" json:"expires_at"`
	UpdatedAt     time.Time  `dynamodbav:"updated_at" json:"updated_at"`
	PaidAt        *time.Time `dynamodbav:"paid_at,omitempty" json:"paid_at,omitempty"`
	Items         []LineItem `dynamodbav:"-" json:"items"`
}

// NewOrder is the input of Store.Create. GrandTotal is the caller's figure
// and must equal the total the store computes from the other fields.
type NewOrder struct {
	Lines         []cart.Item
	Customer      Customer
	Address       Address
	ShippingFee   int64
	DiscountTotal int64
	GrandTotal    int64
	PointsUsed    int64
}
