package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glassrelay/glassrelay/internal/webhook"
)

type recordingSink struct {
	events chan webhook.Event
}

func newRecordingSink() *recordingSink {
	return &recordingSink{events: make(chan webhook.Event, 8)}
}

func (s *recordingSink) HandleEvent(ctx context.Context, ev webhook.Event) error {
	s.events <- ev
	return nil
}

func (s *recordingSink) wait(t *testing.T) webhook.Event {
	t.Helper()
	select {
	case ev := <-s.events:
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event received")
		return webhook.Event{}
	}
}

func newWebhookContext(method, target string, body string) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func TestVerifyHandshakeSuccess(t *testing.T) {
	h := NewWebhookHandler(nil, "secret-token", newRecordingSink())

	q := url.Values{}
	q.Set("hub.mode", "subscribe")
	q.Set("hub.verify_token", "secret-token")
	q.Set("hub.challenge", "123")
	c, rec := newWebhookContext(http.MethodGet, "/webhook?"+q.Encode(), "")

	require.NoError(t, h.Verify(c))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "123", rec.Body.String())
}

func TestVerifyHandshakeRejected(t *testing.T) {
	tests := []struct {
		name  string
		mode  string
		token string
	}{
		{name: "wrong token", mode: "subscribe", token: "wrong"},
		{name: "wrong mode", mode: "unsubscribe", token: "secret-token"},
		{name: "missing token", mode: "subscribe", token: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewWebhookHandler(nil, "secret-token", newRecordingSink())
			q := url.Values{}
			q.Set("hub.mode", tt.mode)
			q.Set("hub.verify_token", tt.token)
			q.Set("hub.challenge", "123")
			c, rec := newWebhookContext(http.MethodGet, "/webhook?"+q.Encode(), "")

			require.NoError(t, h.Verify(c))
			assert.Equal(t, http.StatusForbidden, rec.Code)
		})
	}
}

func TestReceiveAcksImmediately(t *testing.T) {
	sink := newRecordingSink()
	h := NewWebhookHandler(nil, "secret-token", sink)

	payload := `{
		"object": "whatsapp_business_account",
		"entry": [{"changes": [{"value": {
			"messages": [{"from": "491701234567", "type": "text", "timestamp": "1700000000", "text": {"body": "hi"}}]
		}}]}]
	}`
	c, rec := newWebhookContext(http.MethodPost, "/webhook", payload)

	require.NoError(t, h.Receive(c))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"received"}`, rec.Body.String())

	ev := sink.wait(t)
	require.Equal(t, webhook.KindMessage, ev.Kind)
	assert.Equal(t, "491701234567", ev.Message.From)
}

func TestReceiveAcksGarbageToo(t *testing.T) {
	// Malformed payloads are classified Invalid and still acknowledged, so
	// the platform does not retry them forever.
	sink := newRecordingSink()
	h := NewWebhookHandler(nil, "secret-token", sink)
	c, rec := newWebhookContext(http.MethodPost, "/webhook", `{"surprise": true}`)

	require.NoError(t, h.Receive(c))
	assert.Equal(t, http.StatusOK, rec.Code)

	ev := sink.wait(t)
	assert.Equal(t, webhook.KindInvalid, ev.Kind)
}

func TestReceiveRejectsOversizedBody(t *testing.T) {
	sink := newRecordingSink()
	h := NewWebhookHandler(nil, "secret-token", sink)
	huge := strings.Repeat("x", int(webhookMaxBodyBytes)+1)
	c, _ := newWebhookContext(http.MethodPost, "/webhook", huge)

	err := h.Receive(c)
	require.Error(t, err)
	httpErr, ok := err.(*echo.HTTPError)
	require.True(t, ok)
	assert.Equal(t, http.StatusRequestEntityTooLarge, httpErr.Code)
}
