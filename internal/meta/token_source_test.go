package meta

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGraphTokenSourceIssue(t *testing.T) {
	var seen url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v22.0/oauth/access_token", r.URL.Path)
		require.NoError(t, r.ParseForm())
		seen = r.Form
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"system-token","token_type":"bearer","expires_in":5184000}`))
	}))
	defer srv.Close()

	source := NewGraphTokenSource(nil, srv.URL, "v22.0", "app-id", "app-secret")
	cred, err := source.Issue(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "system-token", cred.Token)
	assert.Equal(t, "client_credentials", seen.Get("grant_type"))
	assert.Equal(t, "app-id", seen.Get("client_id"))
	assert.Equal(t, "app-secret", seen.Get("client_secret"))
	assert.Equal(t, "whatsapp_business_management", seen.Get("scope"))
	// 60 days, within a minute of slack for the test run itself.
	assert.WithinDuration(t, time.Now().Add(5184000*time.Second), cred.ExpiresAt, time.Minute)
}

func TestGraphTokenSourceIssueDefaultLifetime(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"system-token","token_type":"bearer"}`))
	}))
	defer srv.Close()

	source := NewGraphTokenSource(nil, srv.URL, "v22.0", "app-id", "app-secret")
	cred, err := source.Issue(context.Background())
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(defaultTokenLifetime), cred.ExpiresAt, time.Minute)
}

func TestGraphTokenSourceIssueUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"Invalid client secret","type":"OAuthException","code":190}}`))
	}))
	defer srv.Close()

	source := NewGraphTokenSource(nil, srv.URL, "v22.0", "app-id", "wrong")
	_, err := source.Issue(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "issue system user token")
}

func TestExchangeLongLived(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		q := r.URL.Query()
		require.Equal(t, "fb_exchange_token", q.Get("grant_type"))
		require.Equal(t, "short-token", q.Get("fb_exchange_token"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"long-token","token_type":"bearer","expires_in":3600}`))
	}))
	defer srv.Close()

	source := NewGraphTokenSource(nil, srv.URL, "v22.0", "app-id", "app-secret")
	cred, err := source.ExchangeLongLived(context.Background(), "short-token")
	require.NoError(t, err)
	assert.Equal(t, "long-token", cred.Token)
	assert.WithinDuration(t, time.Now().Add(time.Hour), cred.ExpiresAt, time.Minute)
}

func TestExchangeLongLivedAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"Invalid OAuth access token","type":"OAuthException","code":190}}`))
	}))
	defer srv.Close()

	source := NewGraphTokenSource(nil, srv.URL, "v22.0", "app-id", "app-secret")
	_, err := source.ExchangeLongLived(context.Background(), "bad")
	require.Error(t, err)

	apiErr, ok := err.(*APIError)
	require.True(t, ok)
	assert.Equal(t, 190, apiErr.Code)
	assert.Equal(t, HintCredential, apiErr.Hint)
}
