package types

import (
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationErrorJSON(t *testing.T) {
	data, err := json.Marshal(&ValidationError{
		Message:  "prompt is required",
		Field:    "prompt",
		Required: true,
	})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"required":true`)

	data, err = json.Marshal(&ValidationError{
		Message:    "invalid usage source",
		Field:      "source",
		ValidTypes: []string{"gateway", "external"},
	})
	require.NoError(t, err)
	assert.NotContains(t, string(data), `"required"`)
	assert.Contains(t, string(data), `"valid_types":["gateway","external"]`)
}

func TestClassifyError(t *testing.T) {
	cases := []struct {
		err      error
		wantType string
		wantCode int
	}{
		{&ValidationError{Message: "bad input"}, "validation_error", http.StatusBadRequest},
		{&NotFoundError{Resource: "budget", ID: "b1"}, "not_found_error", http.StatusNotFound},
		{&PermissionError{Message: "no"}, "permission_error", http.StatusForbidden},
		{&BudgetExceededError{BudgetID: "b1"}, "budget_exceeded_error", http.StatusPaymentRequired},
		{&ProviderError{Provider: "openai", StatusCode: 503}, "provider_error", http.StatusBadGateway},
		{&RoutingError{Message: "no candidates"}, "routing_error", http.StatusBadRequest},
		{errors.New("boom"), "internal_error", http.StatusInternalServerError},
	}
	for _, tc := range cases {
		errType, status := ClassifyError(tc.err)
		assert.Equal(t, tc.wantType, errType, tc.err.Error())
		assert.Equal(t, tc.wantCode, status, tc.err.Error())
	}
}
