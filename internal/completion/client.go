package completion

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
	"sync"
	"time"
)

const (
	// windowCap bounds each sender's conversation window, the pinned
	// system entry included.
	windowCap = 10

	systemPrompt = "You are a helpful assistant replying over WhatsApp. " +
		"Keep answers short, plain-text, and friendly. Answer in the sender's language."

	// defaultImagePrompt replaces an empty user turn when only an image
	// arrived.
	defaultImagePrompt = "Describe what you see in this image."
)

// ErrNoCompletion is returned when the provider answered without any usable
// choice.
var ErrNoCompletion = errors.New("completion: no usable content in response")

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one conversation turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Config holds the provider settings.
type Config struct {
	APIKey      string
	BaseURL     string
	TextModel   string
	VisionModel string
	MaxTokens   int
	Timeout     time.Duration
}

func (c Config) withDefaults() Config {
	if c.BaseURL == "" {
		c.BaseURL = "https://api.openai.com/v1"
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.TextModel == "" {
		c.TextModel = "gpt-4o-mini"
	}
	if c.VisionModel == "" {
		c.VisionModel = "gpt-4o"
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 1000
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	return c
}

// Client forwards messages to an OpenAI-compatible chat-completion endpoint
// and keeps a bounded per-sender conversation window for short-term context.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger

	mu      sync.Mutex
	windows map[string][]Message
}

// NewClient creates a completion client.
func NewClient(log *slog.Logger, cfg Config) *Client {
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     log.With(slog.String("service", "completion")),
		windows:    make(map[string][]Message),
	}
}

// --- wire format ---

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageRef `json:"image_url,omitempty"`
}

type imageRef struct {
	URL string `json:"url"`
}

// wireMessage carries either a plain string or a part list as content.
type wireMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type completionRequest struct {
	Model     string        `json:"model"`
	Messages  []wireMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
}

type completionResponse struct {
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Respond generates a reply for the sender's message. The conversation
// window is appended and trimmed only after a successful provider call, so
// failures leave it untouched.
func (c *Client) Respond(ctx context.Context, sender, text, imageURL string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		if imageURL == "" {
			return "", fmt.Errorf("completion: empty message from %s", sender)
		}
		text = defaultImagePrompt
	}

	history := c.snapshot(sender)
	model := c.cfg.TextModel
	if imageURL != "" {
		model = c.cfg.VisionModel
	}

	messages := make([]wireMessage, 0, len(history)+2)
	if len(history) == 0 {
		messages = append(messages, wireMessage{Role: RoleSystem, Content: systemPrompt})
	}
	for _, m := range history {
		messages = append(messages, wireMessage{Role: m.Role, Content: m.Content})
	}
	messages = append(messages, userTurn(text, imageURL))

	reply, err := c.complete(ctx, model, messages)
	if err != nil {
		return "", err
	}

	c.append(sender, text, reply)
	return reply, nil
}

// ClearConversation drops the sender's window. Safe to call when none exists.
func (c *Client) ClearConversation(sender string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.windows, sender)
}

// WindowLen reports the current window size for a sender.
func (c *Client) WindowLen(sender string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.windows[sender])
}

func userTurn(text, imageURL string) wireMessage {
	if imageURL == "" {
		return wireMessage{Role: RoleUser, Content: text}
	}
	return wireMessage{Role: RoleUser, Content: []contentPart{
		{Type: "text", Text: text},
		{Type: "image_url", ImageURL: &imageRef{URL: imageURL}},
	}}
}

func (c *Client) snapshot(sender string) []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	window := c.windows[sender]
	out := make([]Message, len(window))
	copy(out, window)
	return out
}

func (c *Client) append(sender, userText, reply string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	window := c.windows[sender]
	if len(window) == 0 {
		window = append(window, Message{Role: RoleSystem, Content: systemPrompt})
	}
	window = append(window,
		Message{Role: RoleUser, Content: userText},
		Message{Role: RoleAssistant, Content: reply},
	)
	c.windows[sender] = trimWindow(window, windowCap)
}

// trimWindow keeps the system entry at index 0 and the most recent turns.
func trimWindow(window []Message, limit int) []Message {
	if len(window) <= limit {
		return window
	}
	trimmed := make([]Message, 0, limit)
	trimmed = append(trimmed, window[0])
	trimmed = append(trimmed, window[len(window)-(limit-1):]...)
	return trimmed
}

func (c *Client) complete(ctx context.Context, model string, messages []wireMessage) (string, error) {
	payload, err := json.Marshal(completionRequest{
		Model:     model,
		Messages:  messages,
		MaxTokens: c.cfg.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("encode completion request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build completion request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("completion request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("read completion response: %w", err)
	}

	var parsed completionResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("decode completion response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(string(body))
		if parsed.Error != nil {
			msg = parsed.Error.Message
		}
		return "", fmt.Errorf("completion provider status %d: %s", resp.StatusCode, msg)
	}
	if len(parsed.Choices) == 0 || strings.TrimSpace(parsed.Choices[0].Message.Content) == "" {
		return "", ErrNoCompletion
	}

	c.logger.Debug("completion generated",
		slog.String("model", model),
		slog.String("finish_reason", parsed.Choices[0].FinishReason))
	return strings.TrimSpace(parsed.Choices[0].Message.Content), nil
}
