package meta

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	messagingProduct     = "whatsapp"
	recipientTypeDefault = "individual"
	maxResponseBytes     = 1 << 20
)

// tokenProvider supplies a currently valid bearer token.
type tokenProvider interface {
	CurrentToken(ctx context.Context) (string, error)
}

// ClientOptions tunes the delivery retry loop.
type ClientOptions struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
	Timeout     time.Duration
}

func (o ClientOptions) withDefaults() ClientOptions {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 500 * time.Millisecond
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = 8 * time.Second
	}
	if o.Timeout <= 0 {
		o.Timeout = 15 * time.Second
	}
	return o
}

// Client sends WhatsApp messages through the Graph API. A logical send tries
// every endpoint candidate within one attempt and backs off between
// attempts, so platform routing inconsistencies and transient failures are
// absorbed up to the configured budget.
type Client struct {
	httpClient        *http.Client
	tokens            tokenProvider
	logger            *slog.Logger
	baseURL           string
	version           string
	phoneNumberID     string
	businessAccountID string
	endpoints         []string
	opts              ClientOptions
	sleep             func(ctx context.Context, d time.Duration) error
}

// NewClient creates a delivery client for the given phone number and
// business account.
func NewClient(log *slog.Logger, tokens tokenProvider, baseURL, version, phoneNumberID, businessAccountID string, opts ClientOptions) *Client {
	if log == nil {
		log = slog.Default()
	}
	opts = opts.withDefaults()
	c := &Client{
		httpClient:        &http.Client{Timeout: opts.Timeout},
		tokens:            tokens,
		logger:            log.With(slog.String("service", "whatsapp")),
		baseURL:           strings.TrimRight(baseURL, "/"),
		version:           version,
		phoneNumberID:     phoneNumberID,
		businessAccountID: businessAccountID,
		opts:              opts,
		sleep:             sleepContext,
	}
	c.endpoints = c.messageEndpoints()
	return c
}

type textBody struct {
	Body string `json:"body"`
}

type imageBody struct {
	Link    string `json:"link"`
	Caption string `json:"caption,omitempty"`
}

type outboundMessage struct {
	MessagingProduct string     `json:"messaging_product"`
	RecipientType    string     `json:"recipient_type"`
	To               string     `json:"to"`
	Type             string     `json:"type"`
	Text             *textBody  `json:"text,omitempty"`
	Image            *imageBody `json:"image,omitempty"`
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

// MediaInfo is the result of a media-metadata lookup. URL is time-limited.
type MediaInfo struct {
	ID       string `json:"id"`
	URL      string `json:"url"`
	MimeType string `json:"mime_type"`
	SHA256   string `json:"sha256"`
	FileSize int64  `json:"file_size"`
}

// SendText delivers a text message to the recipient.
func (c *Client) SendText(ctx context.Context, to, body string) error {
	msg := outboundMessage{
		MessagingProduct: messagingProduct,
		RecipientType:    recipientTypeDefault,
		To:               NormalizeRecipient(to),
		Type:             "text",
		Text:             &textBody{Body: body},
	}
	return c.send(ctx, msg)
}

// SendImage delivers an image message with an optional caption.
func (c *Client) SendImage(ctx context.Context, to, link, caption string) error {
	msg := outboundMessage{
		MessagingProduct: messagingProduct,
		RecipientType:    recipientTypeDefault,
		To:               NormalizeRecipient(to),
		Type:             "image",
		Image:            &imageBody{Link: link, Caption: caption},
	}
	return c.send(ctx, msg)
}

// messageEndpoints lists the URL candidates for the send call, most specific
// first. The business-account-scoped form tolerates deployments where the
// phone-number-scoped route is not provisioned.
func (c *Client) messageEndpoints() []string {
	return []string{
		fmt.Sprintf("%s/%s/%s/messages", c.baseURL, c.version, c.phoneNumberID),
		fmt.Sprintf("%s/%s/%s/phone_numbers/%s/messages", c.baseURL, c.version, c.businessAccountID, c.phoneNumberID),
	}
}

// send runs the retry loop: every attempt walks the endpoint candidates in
// order and the first success wins. Backoff sleeps happen between attempts
// only, never between candidates.
func (c *Client) send(ctx context.Context, msg outboundMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < c.opts.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(attempt-1, c.opts.BackoffBase, c.opts.BackoffCap)
			c.logger.Warn("send retry",
				slog.Int("attempt", attempt+1),
				slog.Duration("backoff", delay))
			if err := c.sleep(ctx, delay); err != nil {
				return err
			}
		}
		for _, endpoint := range c.endpoints {
			err := c.post(ctx, endpoint, payload)
			if err == nil {
				return nil
			}
			lastErr = err
			c.logger.Warn("send candidate failed",
				slog.Int("attempt", attempt+1),
				slog.String("endpoint", endpoint),
				slog.String("hint", string(hintOf(err))),
				slog.Any("error", err))
		}
	}
	return fmt.Errorf("send exhausted after %d attempts: %w", c.opts.MaxAttempts, lastErr)
}

func (c *Client) post(ctx context.Context, endpoint string, payload []byte) error {
	token, err := c.tokens.CurrentToken(ctx)
	if err != nil {
		return fmt.Errorf("acquire token: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post message: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeAPIError(resp.StatusCode, body)
	}

	var parsed sendResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return fmt.Errorf("decode send response: %w", err)
	}
	if len(parsed.Messages) > 0 {
		c.logger.Debug("message delivered", slog.String("message_id", parsed.Messages[0].ID))
	}
	return nil
}

// LookupMedia resolves a media ID to a fetchable, time-limited URL.
func (c *Client) LookupMedia(ctx context.Context, mediaID string) (MediaInfo, error) {
	token, err := c.tokens.CurrentToken(ctx)
	if err != nil {
		return MediaInfo{}, fmt.Errorf("acquire token: %w", err)
	}
	endpoint := fmt.Sprintf("%s/%s/%s", c.baseURL, c.version, mediaID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return MediaInfo{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return MediaInfo{}, fmt.Errorf("lookup media: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return MediaInfo{}, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return MediaInfo{}, decodeAPIError(resp.StatusCode, body)
	}

	var info MediaInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return MediaInfo{}, fmt.Errorf("decode media response: %w", err)
	}
	if info.URL == "" {
		return MediaInfo{}, fmt.Errorf("lookup media %s: no url in response", mediaID)
	}
	return info, nil
}

// NormalizeRecipient strips everything but digits; the platform requires the
// canonical numeric form.
func NormalizeRecipient(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// backoffDelay is min(base * 2^attempt, cap).
func backoffDelay(attempt int, base, cap time.Duration) time.Duration {
	delay := base << uint(attempt)
	if delay > cap || delay <= 0 {
		return cap
	}
	return delay
}

func hintOf(err error) Hint {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Hint
	}
	return HintRetryable
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
