package webhook

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

const businessAccountObject = "whatsapp_business_account"

// wake phrase used by the glasses integration; everything after the
// "message to <target>" form is the content to relay.
const (
	wakePhrase    = "hey meta"
	commandMarker = "message to"
)

// Classify parses one raw webhook body into a closed Event variant. It
// never fails: anything outside the expected envelope collapses to the
// Invalid variant with a reason.
func Classify(raw []byte) Event {
	var payload envelope
	if err := json.Unmarshal(raw, &payload); err != nil {
		return invalid("malformed payload: " + err.Error())
	}
	if payload.Object != businessAccountObject {
		return invalid("unexpected object: " + payload.Object)
	}
	if len(payload.Entry) == 0 || len(payload.Entry[0].Changes) == 0 {
		return invalid("empty entry")
	}
	value := payload.Entry[0].Changes[0].Value

	// First match wins: statuses, then messages, then bare metadata.
	if len(value.Statuses) > 0 {
		return Event{Kind: KindStatus, Status: value.Statuses[0]}
	}
	if len(value.Messages) > 0 {
		return classifyMessage(value.Messages[0])
	}
	if value.Metadata != nil {
		return Event{Kind: KindMetadata, Metadata: Metadata{
			PhoneNumberID: value.Metadata.PhoneNumberID,
			DisplayNumber: value.Metadata.DisplayPhoneNumber,
		}}
	}
	return invalid("empty change value")
}

func classifyMessage(raw inboundMessage) Event {
	if raw.From == "" {
		return invalid("message without sender")
	}
	msg := Message{
		ID:        raw.ID,
		From:      raw.From,
		Timestamp: parseTimestamp(raw.Timestamp),
	}
	switch raw.Type {
	case "text":
		if raw.Text == nil || strings.TrimSpace(raw.Text.Body) == "" {
			return invalid("text message without body")
		}
		msg.Type = MessageText
		msg.Text = raw.Text.Body
	case "image":
		if raw.Image == nil || raw.Image.ID == "" {
			return invalid("image message without media id")
		}
		msg.Type = MessageImage
		msg.MediaID = raw.Image.ID
		msg.Caption = raw.Image.Caption
	default:
		return invalid("unsupported message type: " + raw.Type)
	}
	return Event{Kind: KindMessage, Message: msg}
}

// parseTimestamp reads the provider's unix-seconds string. A missing or
// unparseable value yields the zero time, which the staleness guard ignores.
func parseTimestamp(raw string) time.Time {
	secs, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || secs <= 0 {
		return time.Time{}
	}
	return time.Unix(secs, 0)
}

// CommandContent extracts the relayable content from a text message.
// Plain text passes through unchanged. Text starting with the wake phrase is
// a glasses voice command: only the "message to <target> <content>" form is
// actionable, and the content after the target is relayed.
func CommandContent(text string) (string, bool) {
	trimmed := strings.TrimSpace(text)
	lower := strings.ToLower(trimmed)
	if !strings.HasPrefix(lower, wakePhrase) {
		return trimmed, trimmed != ""
	}
	idx := strings.Index(lower, commandMarker)
	if idx < 0 {
		return "", false
	}
	rest := strings.Fields(trimmed[idx+len(commandMarker):])
	if len(rest) < 2 {
		// Target with no content, nothing to relay.
		return "", false
	}
	return strings.Join(rest[1:], " "), true
}
