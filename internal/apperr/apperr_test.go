package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestCode(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("%w: escrow", ErrNotFound), http.StatusNotFound, "not_found"},
		{fmt.Errorf("%w: short by 200", ErrInsufficientFunds), http.StatusPaymentRequired, "insufficient_funds"},
		{fmt.Errorf("%w: milestone is pending", ErrInvalidState), http.StatusConflict, "invalid_state"},
		{fmt.Errorf("%w: sum 97", ErrInvalidInput), http.StatusBadRequest, "invalid_input"},
		{ErrConcurrencyConflict, http.StatusConflict, "conflict"},
		{ErrForbidden, http.StatusForbidden, "forbidden"},
		{errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tt := range tests {
		status, code := Code(tt.err)
		assert.Equal(t, tt.status, status, tt.err.Error())
		assert.Equal(t, tt.code, code, tt.err.Error())
	}
}

func TestRespond_HidesDependencyFailures(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	Respond(c, fmt.Errorf("%w: reversal of wal_1 failed: db down", ErrDependencyFailure))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "contact support")
	assert.NotContains(t, w.Body.String(), "db down")
}
