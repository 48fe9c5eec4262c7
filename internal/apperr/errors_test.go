package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUserMessage_NeverLeaksBackendText(t *testing.T) {
	backend := errors.New("ProvisionedThroughputExceededException: rate exceeded on table orders")

	cases := []struct {
		name string
		err  error
		want string
	}{
		{"validation", NewValidation("phone", "invalid"), MsgValidation},
		{"auth", fmt.Errorf("create order: %w", ErrNotAuthenticated), MsgLogin},
		{"not found", ErrNotFound, MsgNotFound},
		{"in flight", ErrSubmissionInFlight, MsgInFlight},
		{"points", ErrInsufficientPoints, MsgInsufficient},
		{"partial", &PartialOrderCreationError{OrderCode: "OD-1", Err: backend}, MsgOrderNotSaved},
		{"remote write", &RemoteWriteError{Op: "create order", Err: backend}, MsgGenericRetry},
		{"raw", backend, MsgGenericRetry},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := UserMessage(tc.err)
			assert.Equal(t, tc.want, got)
			assert.NotContains(t, got, "Exception")
		})
	}
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(NewValidation("name", "required")))
	assert.Equal(t, http.StatusUnauthorized, HTTPStatus(ErrNotAuthenticated))
	assert.Equal(t, http.StatusNotFound, HTTPStatus(fmt.Errorf("get: %w", ErrNotFound)))
	assert.Equal(t, http.StatusConflict, HTTPStatus(ErrSubmissionInFlight))
	assert.Equal(t, http.StatusBadGateway, HTTPStatus(&RemoteReadError{Op: "fetch", Err: errors.New("x")}))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(errors.New("boom")))
}

func TestRemoteErrorsUnwrap(t *testing.T) {
	root := errors.New("timeout")
	err := fmt.Errorf("ledger: %w", &RemoteWriteError{Op: "record adjustment", Err: root})

	var rwe *RemoteWriteError
	assert.True(t, errors.As(err, &rwe))
	assert.ErrorIs(t, err, root)
	assert.Equal(t, "record adjustment", rwe.Op)
}

func TestValidationErrorIsStable(t *testing.T) {
	err := &ValidationError{Fields: map[string]string{"phone": "invalid", "name": "required"}}
	assert.Equal(t, "validation failed: name: required; phone: invalid", err.Error())
}
