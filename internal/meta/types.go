package meta

import (
	"fmt"
	"time"
)

// Credential is one externally issued Graph API access token together with
// its lifetime. It is replaced wholesale on renewal, never mutated.
type Credential struct {
	Token     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Hint classifies a Graph API failure for logging and fallback wording.
type Hint string

const (
	// HintRetryable marks transient failures (timeouts, 5xx, rate limits).
	HintRetryable Hint = "retryable"
	// HintCredential marks an invalid or expired access token.
	HintCredential Hint = "credential"
	// HintFatalParam marks malformed-parameter errors that retrying cannot fix.
	HintFatalParam Hint = "fatal_param"
)

// APIError is a non-2xx response from the Graph API.
type APIError struct {
	StatusCode int
	Code       int
	Subcode    int
	Message    string
	Hint       Hint
}

func (e *APIError) Error() string {
	return fmt.Sprintf("graph api error: status=%d code=%d subcode=%d hint=%s: %s",
		e.StatusCode, e.Code, e.Subcode, e.Hint, e.Message)
}

// graphErrorEnvelope is the Graph API error response body.
type graphErrorEnvelope struct {
	Error struct {
		Message   string `json:"message"`
		Type      string `json:"type"`
		Code      int    `json:"code"`
		Subcode   int    `json:"error_subcode"`
		FBTraceID string `json:"fbtrace_id"`
	} `json:"error"`
}

// classifyCode maps Graph error codes to retry hints. 190 and 102 are
// OAuth/session errors, 100 is an invalid parameter and 131009 its
// WhatsApp-specific variant. Everything else is treated as transient.
func classifyCode(code int) Hint {
	switch code {
	case 190, 102:
		return HintCredential
	case 100, 131009:
		return HintFatalParam
	default:
		return HintRetryable
	}
}
