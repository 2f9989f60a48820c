package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/backoffice/internal/workflow"
)

func TestRespondErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		typ    string
	}{
		{"validation", workflow.Invalid("items", "must not be empty"), http.StatusBadRequest, "validation"},
		{"transition", fmt.Errorf("submit: %w", &workflow.TransitionError{Workflow: "transfer", From: "cancelled", To: "pending"}), http.StatusConflict, "invalid-state-transition"},
		{"receipt", &workflow.IncompleteReceiptError{Shortages: []workflow.Shortage{{ItemID: 2, Short: decimal.NewFromInt(2)}}}, http.StatusUnprocessableEntity, "incomplete-receipt"},
		{"not found", fmt.Errorf("transfer 9: %w", workflow.ErrNotFound), http.StatusNotFound, ""},
		{"forbidden", &workflow.ForbiddenError{Step: "submit", Required: 1, Acting: 2}, http.StatusForbidden, ""},
		{"stock", fmt.Errorf("inventory: %w", workflow.ErrInsufficientStock), http.StatusConflict, ""},
		{"bad body", ErrBadRequest, http.StatusBadRequest, ""},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			RespondError(rec, nil, tc.err)
			require.Equal(t, tc.status, rec.Code)
			var body ProblemDetail
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			require.Equal(t, tc.status, body.Status)
			require.Equal(t, tc.typ, body.Type)
		})
	}
}

func TestRespondErrorCarriesShortages(t *testing.T) {
	rec := httptest.NewRecorder()
	RespondError(rec, nil, &workflow.IncompleteReceiptError{Shortages: []workflow.Shortage{{ItemID: 2, ProductID: 11, Expected: decimal.NewFromInt(5), Received: decimal.NewFromInt(3), Short: decimal.NewFromInt(2)}}})
	var body ProblemDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Shortages, 1)
	require.Equal(t, int64(2), body.Shortages[0].ItemID)
	require.True(t, body.Shortages[0].Short.Equal(decimal.NewFromInt(2)))
}

func TestDecodeJSON(t *testing.T) {
	var dst struct {
		Reason string `json:"reason"`
	}
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"reason":"wrong goods"}`))
	require.NoError(t, DecodeJSON(req, &dst, false))
	require.Equal(t, "wrong goods", dst.Reason)

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"other":1}`))
	require.ErrorIs(t, DecodeJSON(req, &dst, false), ErrBadRequest)

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(""))
	require.NoError(t, DecodeJSON(req, &dst, true))
	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(""))
	require.ErrorIs(t, DecodeJSON(req, &dst, false), ErrBadRequest)
}
