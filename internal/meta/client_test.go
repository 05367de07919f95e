package meta

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticTokens struct {
	token string
	err   error
}

func (s staticTokens) CurrentToken(ctx context.Context) (string, error) {
	return s.token, s.err
}

func newTestClient(t *testing.T, handler http.Handler, opts ClientOptions) (*Client, *httptest.Server, *[]time.Duration) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client := NewClient(nil, staticTokens{token: "test-token"}, srv.URL, "v22.0", "111", "222", opts)
	sleeps := &[]time.Duration{}
	client.sleep = func(ctx context.Context, d time.Duration) error {
		*sleeps = append(*sleeps, d)
		return nil
	}
	return client, srv, sleeps
}

func TestSendTextSuccessFirstEndpoint(t *testing.T) {
	var calls atomic.Int64
	var gotBody outboundMessage
	var gotAuth string
	client, _, sleeps := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		gotAuth = r.Header.Get("Authorization")
		require.Equal(t, "/v22.0/111/messages", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &gotBody))
		_, _ = w.Write([]byte(`{"messages":[{"id":"wamid.1"}]}`))
	}), ClientOptions{})

	err := client.SendText(context.Background(), "+49 170 1234567", "hello")
	require.NoError(t, err)

	assert.Equal(t, int64(1), calls.Load())
	assert.Empty(t, *sleeps)
	assert.Equal(t, "Bearer test-token", gotAuth)
	assert.Equal(t, "whatsapp", gotBody.MessagingProduct)
	assert.Equal(t, "individual", gotBody.RecipientType)
	assert.Equal(t, "491701234567", gotBody.To, "recipient normalized to digits")
	assert.Equal(t, "text", gotBody.Type)
	require.NotNil(t, gotBody.Text)
	assert.Equal(t, "hello", gotBody.Text.Body)
}

func TestSendEndpointFallbackWithinOneAttempt(t *testing.T) {
	// First two candidates fail with 500, the third succeeds. All three
	// calls happen inside a single attempt with no backoff sleep.
	var calls atomic.Int64
	client, srv, sleeps := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if n < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error":{"message":"server blew up","code":1}}`))
			return
		}
		_, _ = w.Write([]byte(`{"messages":[{"id":"wamid.2"}]}`))
	}), ClientOptions{})
	client.endpoints = []string{srv.URL + "/a", srv.URL + "/b", srv.URL + "/c"}

	err := client.SendText(context.Background(), "491701234567", "hi")
	require.NoError(t, err)
	assert.Equal(t, int64(3), calls.Load())
	assert.Empty(t, *sleeps, "backoff applies between attempts, not endpoints")
}

func TestSendRetriesWithBackoffAndExhausts(t *testing.T) {
	var calls atomic.Int64
	client, _, sleeps := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":{"message":"try later","code":2}}`))
	}), ClientOptions{
		MaxAttempts: 3,
		BackoffBase: 100 * time.Millisecond,
		BackoffCap:  time.Second,
	})

	err := client.SendText(context.Background(), "491701234567", "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exhausted after 3 attempts")

	// 2 endpoint candidates x 3 attempts.
	assert.Equal(t, int64(6), calls.Load())
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, *sleeps)
}

func TestSendBackoffCapped(t *testing.T) {
	client, _, sleeps := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{}`))
	}), ClientOptions{
		MaxAttempts: 5,
		BackoffBase: 100 * time.Millisecond,
		BackoffCap:  250 * time.Millisecond,
	})

	err := client.SendText(context.Background(), "491701234567", "hi")
	require.Error(t, err)
	assert.Equal(t, []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		250 * time.Millisecond,
		250 * time.Millisecond,
	}, *sleeps)
}

func TestSendErrorClassification(t *testing.T) {
	tests := []struct {
		name string
		code int
		want Hint
	}{
		{name: "expired token", code: 190, want: HintCredential},
		{name: "session error", code: 102, want: HintCredential},
		{name: "invalid parameter", code: 100, want: HintFatalParam},
		{name: "whatsapp parameter error", code: 131009, want: HintFatalParam},
		{name: "unclassified", code: 2, want: HintRetryable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadRequest)
				body, _ := json.Marshal(map[string]any{
					"error": map[string]any{"message": "nope", "code": tt.code},
				})
				_, _ = w.Write(body)
			}), ClientOptions{MaxAttempts: 1})

			err := client.SendText(context.Background(), "491701234567", "hi")
			require.Error(t, err)
			assert.Equal(t, tt.want, hintOf(err))
		})
	}
}

func TestSendImagePayload(t *testing.T) {
	var gotBody outboundMessage
	client, _, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &gotBody))
		_, _ = w.Write([]byte(`{"messages":[{"id":"wamid.3"}]}`))
	}), ClientOptions{})

	err := client.SendImage(context.Background(), "491701234567", "https://cdn.example.com/p.jpg", "look")
	require.NoError(t, err)
	assert.Equal(t, "image", gotBody.Type)
	require.NotNil(t, gotBody.Image)
	assert.Equal(t, "https://cdn.example.com/p.jpg", gotBody.Image.Link)
	assert.Equal(t, "look", gotBody.Image.Caption)
	assert.Nil(t, gotBody.Text)
}

func TestLookupMedia(t *testing.T) {
	client, _, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v22.0/media-123", r.URL.Path)
		require.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"id":"media-123","url":"https://lookaside.example.com/m","mime_type":"image/jpeg"}`))
	}), ClientOptions{})

	info, err := client.LookupMedia(context.Background(), "media-123")
	require.NoError(t, err)
	assert.Equal(t, "https://lookaside.example.com/m", info.URL)
	assert.Equal(t, "image/jpeg", info.MimeType)
}

func TestLookupMediaMissingURL(t *testing.T) {
	client, _, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"media-123"}`))
	}), ClientOptions{})

	_, err := client.LookupMedia(context.Background(), "media-123")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no url")
}

func TestNormalizeRecipient(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"+49 170 1234567", "491701234567"},
		{"(49) 170-123-4567", "491701234567"},
		{"491701234567", "491701234567"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeRecipient(tt.in))
	}
}
