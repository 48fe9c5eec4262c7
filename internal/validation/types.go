package validation

import (
	"strings"

	"github.com/imrishuroy/go-loyalty-orderflow/internal/orders"
)

// AddressInput is the shipping address captured at checkout.
type AddressInput struct {
	Name         string `json:"name" validate:"required"`
	Phone        string `json:"phone" validate:"required,cnmobile"`
	Email        string `json:"email,omitempty" validate:"omitempty,email"`
	Province     string `json:"province" validate:"required"`
	ProvinceCode string `json:"province_code,omitempty"`
	City         string `json:"city" validate:"required"`
	CityCode     string `json:"city_code,omitempty"`
	District     string `json:"district" validate:"required"`
	DistrictCode string `json:"district_code,omitempty"`
	Detail       string `json:"detail" validate:"required"`
}

// Trimmed returns a copy with surrounding whitespace removed so blank input
// fails the required checks.
func (a AddressInput) Trimmed() AddressInput {
	return AddressInput{
		Name:         strings.TrimSpace(a.Name),
		Phone:        strings.TrimSpace(a.Phone),
		Email:        strings.TrimSpace(a.Email),
		Province:     strings.TrimSpace(a.Province),
		ProvinceCode: strings.TrimSpace(a.ProvinceCode),
		City:         strings.TrimSpace(a.City),
		CityCode:     strings.TrimSpace(a.CityCode),
		District:     strings.TrimSpace(a.District),
		DistrictCode: strings.TrimSpace(a.DistrictCode),
		Detail:       strings.TrimSpace(a.Detail),
	}
}

// OrderAddress converts to the snapshot stored on the order.
func (a AddressInput) OrderAddress() orders.Address {
	return orders.Address{
		Name:         a.Name,
		Phone:        a.Phone,
		Province:     a.Province,
		ProvinceCode: a.ProvinceCode,
		City:         a.City,
		CityCode:     a.CityCode,
		District:     a.District,
		DistrictCode: a.DistrictCode,
		Detail:       a.Detail,
	}
}

// CheckoutRequest is the payload for POST /checkout. Address is checked by
// the checkout flow itself, so it carries no dive tag here.
type CheckoutRequest struct {
	Address   AddressInput `json:"address"`
	UsePoints bool         `json:"use_points"`
}

// AddCartItemRequest is the payload for POST /cart/items.
type AddCartItemRequest struct {
	ProductID string `json:"product_id" validate:"required"`
	Quantity  int    `json:"quantity" validate:"required,min=1"`
}

// UpdateCartItemRequest is the payload for PATCH /cart/items/:id. Exactly one
// of Quantity (absolute) or Delta (relative) must be set.
type UpdateCartItemRequest struct {
	Quantity int `json:"quantity,omitempty" validate:"omitempty,min=1"`
	Delta    int `json:"delta,omitempty"`
}

// RedeemRequest is the payload for POST /points/redeem.
type RedeemRequest struct {
	ProductID string `json:"product_id" validate:"required"`
}
