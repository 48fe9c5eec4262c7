package validation

import (
	"net/http"

	"github.com/gin-gonic/gin"
	validatorv10 "github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"github.com/imrishuroy/go-loyalty-orderflow/internal/apperr"
)

// BindAndValidate binds JSON body into `out` and runs validation.
// If validation fails, it writes a 400 response and returns an error for the handler to short-circuit.
func BindAndValidate(c *gin.Context, out interface{}, v *validatorv10.Validate) error {
	if err := c.ShouldBindJSON(out); err != nil {
		log.Debug().Err(err).Str("path", c.FullPath()).Msg("[validation] invalid request body")
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "invalid_request_body",
			"msg":   apperr.MsgValidation,
		})
		return err
	}

	if err := Check(v, out); err != nil {
		WriteValidationError(c, err)
		return err
	}
	return nil
}

// WriteValidationError renders a validation failure with its field map.
func WriteValidationError(c *gin.Context, err error) {
	resp := gin.H{
		"error": "validation_failed",
		"msg":   apperr.MsgValidation,
	}
	if ve, ok := err.(*apperr.ValidationError); ok {
		resp["fields"] = ve.Fields
	}
	c.JSON(http.StatusBadRequest, resp)
}
