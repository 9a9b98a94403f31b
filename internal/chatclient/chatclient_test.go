package chatclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/walletwatch/walletwatch/internal/errs"
)

func TestSendMessageReturnsMessageID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":true,"result":{"message_id":42}}`))
	}))
	defer srv.Close()

	c := New("token", srv.URL)
	msgID, err := c.SendMessage(context.Background(), SendMessageParams{ChatID: "1", Text: "hi"})
	require.NoError(t, err)
	require.Equal(t, "42", msgID)
}

func TestSendMessageClassifiesRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"ok":false,"error_code":429,"description":"Too Many Requests","parameters":{"retry_after":5}}`))
	}))
	defer srv.Close()

	c := New("token", srv.URL)
	_, err := c.SendMessage(context.Background(), SendMessageParams{ChatID: "1", Text: "hi"})
	require.Error(t, err)
	we, ok := err.(*errs.WalletwatchError)
	require.True(t, ok)
	require.Equal(t, errs.CodeDeliveryRateLimited, we.Code)
	require.NotNil(t, we.RetryAfter)
}

func TestSendMessageClassifiesSubscriberUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":false,"error_code":403,"description":"Forbidden: bot was blocked by the user"}`))
	}))
	defer srv.Close()

	c := New("token", srv.URL)
	_, err := c.SendMessage(context.Background(), SendMessageParams{ChatID: "1", Text: "hi"})
	require.Error(t, err)
	we, ok := err.(*errs.WalletwatchError)
	require.True(t, ok)
	require.Equal(t, errs.CodeDeliverySubscriberGone, we.Code)
}

func TestEditMessageClassifiesMalformed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":false,"error_code":400,"description":"Bad Request: message to edit not found"}`))
	}))
	defer srv.Close()

	c := New("token", srv.URL)
	err := c.EditMessageText(context.Background(), EditMessageParams{ChatID: "1", MessageID: "1", Text: "hi"})
	require.Error(t, err)
	we, ok := err.(*errs.WalletwatchError)
	require.True(t, ok)
	require.Equal(t, errs.CodeDeliveryMalformed, we.Code)
}
