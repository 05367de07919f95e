package meta

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// defaultTokenLifetime is assumed when the Graph API omits expires_in.
// System-user tokens default to 60 days.
const defaultTokenLifetime = 60 * 24 * time.Hour

// TokenSource issues fresh Graph API credentials.
type TokenSource interface {
	Issue(ctx context.Context) (Credential, error)
}

// GraphTokenSource issues system-user tokens via the Graph OAuth
// client-credentials grant.
type GraphTokenSource struct {
	conf      *clientcredentials.Config
	baseURL   string
	version   string
	appID     string
	appSecret string
	client    *http.Client
	logger    *slog.Logger
	now       func() time.Time
}

// NewGraphTokenSource creates a token source for the given Meta app.
func NewGraphTokenSource(log *slog.Logger, baseURL, version, appID, appSecret string) *GraphTokenSource {
	if log == nil {
		log = slog.Default()
	}
	baseURL = strings.TrimRight(baseURL, "/")
	conf := &clientcredentials.Config{
		ClientID:     appID,
		ClientSecret: appSecret,
		TokenURL:     baseURL + "/" + version + "/oauth/access_token",
		Scopes:       []string{"whatsapp_business_management"},
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	return &GraphTokenSource{
		conf:      conf,
		baseURL:   baseURL,
		version:   version,
		appID:     appID,
		appSecret: appSecret,
		client:    &http.Client{Timeout: 10 * time.Second},
		logger:    log.With(slog.String("service", "meta_token")),
		now:       time.Now,
	}
}

// Issue requests a fresh system-user token.
func (s *GraphTokenSource) Issue(ctx context.Context) (Credential, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, s.client)
	tok, err := s.conf.Token(ctx)
	if err != nil {
		return Credential{}, fmt.Errorf("issue system user token: %w", err)
	}
	if tok.AccessToken == "" {
		return Credential{}, fmt.Errorf("issue system user token: empty access token in response")
	}
	issued := s.now()
	expires := tok.Expiry
	if expires.IsZero() {
		expires = issued.Add(defaultTokenLifetime)
	}
	return Credential{Token: tok.AccessToken, IssuedAt: issued, ExpiresAt: expires}, nil
}

// ExchangeLongLived trades a short-lived user token for a long-lived one
// using the fb_exchange_token grant.
func (s *GraphTokenSource) ExchangeLongLived(ctx context.Context, shortLived string) (Credential, error) {
	q := url.Values{}
	q.Set("grant_type", "fb_exchange_token")
	q.Set("client_id", s.appID)
	q.Set("client_secret", s.appSecret)
	q.Set("fb_exchange_token", shortLived)

	endpoint := s.baseURL + "/" + s.version + "/oauth/access_token?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Credential{}, fmt.Errorf("build exchange request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return Credential{}, fmt.Errorf("exchange token: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Credential{}, fmt.Errorf("read exchange response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Credential{}, decodeAPIError(resp.StatusCode, body)
	}

	var parsed struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Credential{}, fmt.Errorf("decode exchange response: %w", err)
	}
	if parsed.AccessToken == "" {
		return Credential{}, fmt.Errorf("exchange token: empty access token in response")
	}
	issued := s.now()
	lifetime := defaultTokenLifetime
	if parsed.ExpiresIn > 0 {
		lifetime = time.Duration(parsed.ExpiresIn) * time.Second
	}
	return Credential{Token: parsed.AccessToken, IssuedAt: issued, ExpiresAt: issued.Add(lifetime)}, nil
}

func decodeAPIError(status int, body []byte) error {
	var envelope graphErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil || envelope.Error.Message == "" {
		return &APIError{
			StatusCode: status,
			Message:    strings.TrimSpace(string(body)),
			Hint:       HintRetryable,
		}
	}
	return &APIError{
		StatusCode: status,
		Code:       envelope.Error.Code,
		Subcode:    envelope.Error.Subcode,
		Message:    envelope.Error.Message,
		Hint:       classifyCode(envelope.Error.Code),
	}
}
