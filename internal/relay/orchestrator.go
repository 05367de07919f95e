package relay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/glassrelay/glassrelay/internal/meta"
	"github.com/glassrelay/glassrelay/internal/webhook"
)

const (
	processingNotice = "Got it, one moment..."
	apologyNotice    = "Sorry, I couldn't process your message right now. Please try again in a moment."

	defaultStaleAfter = 5 * time.Minute
)

// Completer generates a reply for a sender's message.
type Completer interface {
	Respond(ctx context.Context, sender, text, imageURL string) (string, error)
	ClearConversation(sender string)
}

// Deliverer sends a message back to the platform.
type Deliverer interface {
	SendText(ctx context.Context, to, body string) error
}

// MediaResolver resolves a media ID to a fetchable URL.
type MediaResolver interface {
	LookupMedia(ctx context.Context, mediaID string) (meta.MediaInfo, error)
}

// Options tunes orchestrator behavior.
type Options struct {
	// ProcessingNotice sends a courtesy message before the completion
	// call so the sender sees an immediate reaction.
	ProcessingNotice bool
	// StaleAfter drops messages older than this horizon.
	StaleAfter time.Duration
}

// Orchestrator wires classification results to the completion and delivery
// clients. The HTTP acknowledgment has already been committed by the time an
// event reaches it, so failures here are resolved by a best-effort apology
// to the sender, never re-raised to the webhook caller.
type Orchestrator struct {
	completer Completer
	deliverer Deliverer
	media     MediaResolver
	logger    *slog.Logger
	now       func() time.Time
	opts      Options
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(log *slog.Logger, completer Completer, deliverer Deliverer, media MediaResolver, opts Options) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = defaultStaleAfter
	}
	return &Orchestrator{
		completer: completer,
		deliverer: deliverer,
		media:     media,
		logger:    log.With(slog.String("service", "relay")),
		now:       time.Now,
		opts:      opts,
	}
}

// HandleEvent processes one classified webhook event. The returned error is
// for observability only; callers must not surface it to the platform.
func (o *Orchestrator) HandleEvent(ctx context.Context, ev webhook.Event) error {
	switch ev.Kind {
	case webhook.KindStatus:
		o.logger.Debug("status update ignored")
		return nil
	case webhook.KindMetadata:
		o.logger.Info("metadata update",
			slog.String("phone_number_id", ev.Metadata.PhoneNumberID),
			slog.String("display_number", ev.Metadata.DisplayNumber))
		return nil
	case webhook.KindInvalid:
		o.logger.Warn("invalid payload dropped", slog.String("reason", ev.Reason))
		return nil
	case webhook.KindMessage:
		return o.handleMessage(ctx, ev.Message)
	default:
		o.logger.Warn("unknown event kind dropped", slog.String("kind", string(ev.Kind)))
		return nil
	}
}

func (o *Orchestrator) handleMessage(ctx context.Context, msg webhook.Message) error {
	log := o.logger.With(
		slog.String("event_id", uuid.NewString()),
		slog.String("from", msg.From),
		slog.String("type", string(msg.Type)))

	if msg.Stale(o.now(), o.opts.StaleAfter) {
		log.Warn("stale message dropped", slog.Time("timestamp", msg.Timestamp))
		return nil
	}

	switch msg.Type {
	case webhook.MessageText:
		return o.relayText(ctx, log, msg)
	case webhook.MessageImage:
		return o.relayImage(ctx, log, msg)
	default:
		log.Warn("unsupported message type dropped")
		return nil
	}
}

func (o *Orchestrator) relayText(ctx context.Context, log *slog.Logger, msg webhook.Message) error {
	content, ok := webhook.CommandContent(msg.Text)
	if !ok {
		log.Info("non-actionable command dropped")
		return nil
	}

	o.completer.ClearConversation(msg.From)
	o.notifyProcessing(ctx, log, msg.From)

	reply, err := o.completer.Respond(ctx, msg.From, content, "")
	if err != nil {
		log.Error("completion failed", slog.Any("error", err))
		o.apologize(ctx, log, msg.From)
		return fmt.Errorf("completion: %w", err)
	}
	if err := o.deliverer.SendText(ctx, msg.From, reply); err != nil {
		log.Error("reply delivery failed", slog.Any("error", err))
		o.apologize(ctx, log, msg.From)
		return fmt.Errorf("deliver reply: %w", err)
	}
	log.Info("reply delivered")
	return nil
}

func (o *Orchestrator) relayImage(ctx context.Context, log *slog.Logger, msg webhook.Message) error {
	o.completer.ClearConversation(msg.From)

	info, err := o.media.LookupMedia(ctx, msg.MediaID)
	if err != nil {
		log.Error("media lookup failed", slog.Any("error", err))
		o.apologize(ctx, log, msg.From)
		return fmt.Errorf("media lookup: %w", err)
	}
	o.notifyProcessing(ctx, log, msg.From)

	reply, err := o.completer.Respond(ctx, msg.From, msg.Caption, info.URL)
	if err != nil {
		log.Error("completion failed", slog.Any("error", err))
		o.apologize(ctx, log, msg.From)
		return fmt.Errorf("completion: %w", err)
	}
	if err := o.deliverer.SendText(ctx, msg.From, reply); err != nil {
		log.Error("reply delivery failed", slog.Any("error", err))
		o.apologize(ctx, log, msg.From)
		return fmt.Errorf("deliver reply: %w", err)
	}
	log.Info("reply delivered")
	return nil
}

// notifyProcessing sends the courtesy message. Its failure never blocks the
// exchange.
func (o *Orchestrator) notifyProcessing(ctx context.Context, log *slog.Logger, to string) {
	if !o.opts.ProcessingNotice {
		return
	}
	if err := o.deliverer.SendText(ctx, to, processingNotice); err != nil {
		log.Warn("processing notice failed", slog.Any("error", err))
	}
}

// apologize delivers the generic failure message. A failure of the fallback
// send itself is logged only; the webhook response is long committed.
func (o *Orchestrator) apologize(ctx context.Context, log *slog.Logger, to string) {
	if err := o.deliverer.SendText(ctx, to, apologyNotice); err != nil {
		log.Error("fallback send failed", slog.Any("error", err))
	}
}
