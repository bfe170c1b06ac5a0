package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestWebhookNotifierPostsJSON(t *testing.T) {
	var got webhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	n := NewWebhook(srv.URL, time.Second)
	require.NoError(t, n.Send(context.Background(), "+919000000000", "LOW STOCK: SKU001"))
	require.Equal(t, "+919000000000", got.To)
	require.Equal(t, "LOW STOCK: SKU001", got.Message)
}

func TestWebhookNotifierReportsGatewayFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhook(srv.URL, time.Second).Send(context.Background(), "+91", "x")
	require.ErrorContains(t, err, "502")
}

func TestNotifiersRejectEmptyRecipient(t *testing.T) {
	require.ErrorIs(t, LogNotifier{Log: zap.NewNop()}.Send(context.Background(), "", "x"), ErrNoRecipient)
	require.ErrorIs(t, NewWebhook("http://127.0.0.1:0", 0).Send(context.Background(), "", "x"), ErrNoRecipient)
}
