package validation

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	validatorv10 "github.com/go-playground/validator/v10"

	"github.com/imrishuroy/go-loyalty-orderflow/internal/apperr"
)

// mobilePattern matches mainland China mobile numbers.
var mobilePattern = regexp.MustCompile(`^1[3-9]\d{9}$`)

// New returns a configured validator with the custom rules registered.
func New() *validatorv10.Validate {
	v := validatorv10.New()

	// report json field names so messages line up with the request payload
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})

	_ = v.RegisterValidation("cnmobile", func(fl validatorv10.FieldLevel) bool {
		return mobilePattern.MatchString(fl.Field().String())
	})

	v.RegisterStructValidation(updateCartItemStructValidation, UpdateCartItemRequest{})

	return v
}

// updateCartItemStructValidation requires exactly one of quantity or delta.
func updateCartItemStructValidation(sl validatorv10.StructLevel) {
	req := sl.Current().Interface().(UpdateCartItemRequest)
	if (req.Quantity == 0) == (req.Delta == 0) {
		sl.ReportError(req.Quantity, "quantity", "Quantity", "quantity_or_delta", "")
	}
}

// Check validates s and returns an *apperr.ValidationError keyed by json
// field path on failure.
func Check(v *validatorv10.Validate, s interface{}) error {
	err := v.Struct(s)
	if err == nil {
		return nil
	}
	var ve validatorv10.ValidationErrors
	if !errors.As(err, &ve) {
		return fmt.Errorf("validate: %w", err)
	}
	return &apperr.ValidationError{Fields: validationErrorsToMap(ve)}
}

// CheckAddress validates a checkout address after trimming it.
func CheckAddress(v *validatorv10.Validate, a AddressInput) (AddressInput, error) {
	a = a.Trimmed()
	return a, Check(v, a)
}

func fieldMessage(fe validatorv10.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "required"
	case "cnmobile":
		return "invalid mobile number"
	case "email":
		return "invalid email"
	case "min":
		return "must be at least " + fe.Param()
	case "quantity_or_delta":
		return "set exactly one of quantity or delta"
	default:
		return "invalid"
	}
}

func validationErrorsToMap(ve validatorv10.ValidationErrors) map[string]string {
	out := map[string]string{}
	for _, fe := range ve {
		key := fe.Namespace()
		// drop the root struct name
		if i := strings.IndexByte(key, '.'); i >= 0 {
			key = key[i+1:]
		}
		out[key] = fieldMessage(fe)
	}
	return out
}
