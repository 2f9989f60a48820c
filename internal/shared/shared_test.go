package shared

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestActorFromRequest(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderStaffID, "12")
	req.Header.Set(HeaderWarehouseID, " 3 ")
	require.Equal(t, Actor{StaffID: 12, WarehouseID: 3}, ActorFromRequest(req))

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderStaffID, "abc")
	req.Header.Set(HeaderWarehouseID, "-4")
	require.Equal(t, Actor{}, ActorFromRequest(req))
}

func TestActorMiddleware(t *testing.T) {
	var got Actor
	h := ActorMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = ActorFromContext(r.Context())
	}))
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set(HeaderStaffID, "7")
	h.ServeHTTP(httptest.NewRecorder(), req)
	require.Equal(t, Actor{StaffID: 7}, got)
	require.Equal(t, Actor{}, ActorFromContext(context.Background()))
}

func TestLogAudit(t *testing.T) {
	var buf bytes.Buffer
	sink := LogAudit{Logger: slog.New(slog.NewTextHandler(&buf, nil))}
	require.Error(t, sink.Record(context.Background(), AuditLog{Action: "x"}))
	require.NoError(t, sink.Record(context.Background(), AuditLog{ActorID: 1, Action: "transfer.submit", Entity: "transfer", EntityID: "5"}))
	require.Contains(t, buf.String(), "action=transfer.submit")
}

func TestIdempotencyStoreRejectsIncompleteKeys(t *testing.T) {
	var missing *IdempotencyStore
	require.Error(t, missing.CheckAndInsert(context.Background(), "k", "inventory"))

	store := NewIdempotencyStore(nil)
	require.Error(t, store.CheckAndInsert(context.Background(), "", "inventory"))
	require.Error(t, store.CheckAndInsert(context.Background(), "k", ""))

	purged, err := missing.Cleanup(context.Background(), 0)
	require.NoError(t, err)
	require.Zero(t, purged)
}
