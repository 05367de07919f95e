package webhook

import (
	"encoding/json"
	"time"
)

// Kind identifies the variant of a classified inbound event.
type Kind string

const (
	KindStatus   Kind = "status"
	KindMetadata Kind = "metadata"
	KindMessage  Kind = "message"
	KindInvalid  Kind = "invalid"
)

// MessageType is the supported inbound message payload type.
type MessageType string

const (
	MessageText  MessageType = "text"
	MessageImage MessageType = "image"
)

// Event is the classified form of one webhook delivery. Exactly one of the
// variant fields is meaningful, selected by Kind.
type Event struct {
	Kind     Kind
	Status   json.RawMessage
	Metadata Metadata
	Message  Message
	Reason   string
}

// Metadata carries a phone-number metadata update.
type Metadata struct {
	PhoneNumberID string
	DisplayNumber string
}

// Message is one inbound user message.
type Message struct {
	ID        string
	From      string
	Type      MessageType
	Text      string
	MediaID   string
	Caption   string
	Timestamp time.Time
}

// Stale reports whether the message is older than the horizon. The upstream
// platform retries webhook deliveries on its own; replayed messages past the
// horizon must not trigger another completion.
func (m Message) Stale(now time.Time, horizon time.Duration) bool {
	if m.Timestamp.IsZero() {
		return false
	}
	return now.Sub(m.Timestamp) > horizon
}

func invalid(reason string) Event {
	return Event{Kind: KindInvalid, Reason: reason}
}

// --- provider envelope ---

type envelope struct {
	Object string  `json:"object"`
	Entry  []entry `json:"entry"`
}

type entry struct {
	ID      string   `json:"id"`
	Changes []change `json:"changes"`
}

type change struct {
	Field string      `json:"field"`
	Value changeValue `json:"value"`
}

type changeValue struct {
	MessagingProduct string            `json:"messaging_product"`
	Metadata         *valueMetadata    `json:"metadata"`
	Statuses         []json.RawMessage `json:"statuses"`
	Messages         []inboundMessage  `json:"messages"`
}

type valueMetadata struct {
	DisplayPhoneNumber string `json:"display_phone_number"`
	PhoneNumberID      string `json:"phone_number_id"`
}

type inboundMessage struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text"`
	Image *struct {
		ID       string `json:"id"`
		MimeType string `json:"mime_type"`
		Caption  string `json:"caption"`
	} `json:"image"`
}
