package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imrishuroy/go-loyalty-orderflow/internal/apperr"
)

func validAddress() AddressInput {
	return AddressInput{
		Name:     "Li Lei",
		Phone:    "13800138000",
		Province: "Zhejiang",
		City:     "Hangzhou",
		District: "Xihu",
		Detail:   "1 Longjing Rd",
	}
}

func TestCheckAddress_Valid(t *testing.T) {
	v := New()
	a := validAddress()
	a.Name = "  Li Lei  "

	got, err := CheckAddress(v, a)
	require.NoError(t, err)
	assert.Equal(t, "Li Lei", got.Name)
	assert.Equal(t, "Li Lei", got.OrderAddress().Name)
}

func TestCheckAddress_FieldErrors(t *testing.T) {
	v := New()
	a := validAddress()
	a.Phone = "12800138000"
	a.Detail = "   "
	a.District = ""

	_, err := CheckAddress(v, a)
	var ve *apperr.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, map[string]string{
		"phone":    "invalid mobile number",
		"detail":   "required",
		"district": "required",
	}, ve.Fields)
}

func TestCheckAddress_PhoneFormats(t *testing.T) {
	v := New()
	for phone, ok := range map[string]bool{
		"13912345678":  true,
		"19912345678":  true,
		"1391234567":   false,
		"139123456789": false,
		"23912345678":  false,
		"1391234567a":  false,
	} {
		a := validAddress()
		a.Phone = phone
		_, err := CheckAddress(v, a)
		assert.Equal(t, ok, err == nil, phone)
	}
}

func TestUpdateCartItemRequest(t *testing.T) {
	v := New()
	assert.NoError(t, Check(v, UpdateCartItemRequest{Quantity: 3}))
	assert.NoError(t, Check(v, UpdateCartItemRequest{Delta: -1}))

	var ve *apperr.ValidationError
	assert.ErrorAs(t, Check(v, UpdateCartItemRequest{}), &ve)
	assert.ErrorAs(t, Check(v, UpdateCartItemRequest{Quantity: 2, Delta: 1}), &ve)
}

func TestAddCartItemRequest_MissingFields(t *testing.T) {
	v := New()
	err := Check(v, AddCartItemRequest{})
	var ve *apperr.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Fields, "product_id")
	assert.Contains(t, ve.Fields, "quantity")
}
