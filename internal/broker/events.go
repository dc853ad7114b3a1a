package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"enrollment-service/internal/models"
	"enrollment-service/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

func paymentKey(reference string) string {
	return "payment-" + reference
}

// EventPublisher handles publishing domain events. Payment lifecycle events
// go to one topic and verified gateway webhooks to another.
type EventPublisher struct {
	events   *Producer
	webhooks *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(events, webhooks *Producer) *EventPublisher {
	return &EventPublisher{events: events, webhooks: webhooks}
}

// PublishPaymentInitiated publishes PaymentInitiated event
func (ep *EventPublisher) PublishPaymentInitiated(ctx context.Context, event *models.PaymentInitiatedEvent) error {
	return ep.events.PublishEvent(ctx, paymentKey(event.Reference), event)
}

// PublishPaymentSucceeded publishes PaymentSucceeded event
func (ep *EventPublisher) PublishPaymentSucceeded(ctx context.Context, event *models.PaymentSucceededEvent) error {
	return ep.events.PublishEvent(ctx, paymentKey(event.Reference), event)
}

// PublishPaymentFailed publishes PaymentFailed event
func (ep *EventPublisher) PublishPaymentFailed(ctx context.Context, event *models.PaymentFailedEvent) error {
	return ep.events.PublishEvent(ctx, paymentKey(event.Reference), event)
}

// PublishEnrollmentActivated publishes EnrollmentActivated event
func (ep *EventPublisher) PublishEnrollmentActivated(ctx context.Context, event *models.EnrollmentActivatedEvent) error {
	return ep.events.PublishEvent(ctx, paymentKey(event.Reference), event)
}

// PublishGatewayWebhook enqueues a verified webhook for the reconcile worker
func (ep *EventPublisher) PublishGatewayWebhook(ctx context.Context, event *models.GatewayWebhookEvent) error {
	if ep.webhooks == nil {
		return fmt.Errorf("webhook producer not configured")
	}
	return ep.webhooks.PublishEvent(ctx, paymentKey(event.Reference), event)
}

// ProcessedEvents remembers which event IDs were already handled
type ProcessedEvents interface {
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, eventType string) error
}

// ErrIncomplete is returned by an event callback that handled the delivery
// but wants a redelivery of the same event handled again. The message is
// committed and the event is not marked processed.
var ErrIncomplete = errors.New("event handling incomplete")

// EventHandler handles incoming events
type EventHandler struct {
	processed        ProcessedEvents
	onGatewayWebhook func(context.Context, *models.GatewayWebhookEvent) error
	logger           *zap.Logger
}

// NewEventHandler creates a new event handler. processed may be nil, in
// which case every delivery is handled.
func NewEventHandler(processed ProcessedEvents) *EventHandler {
	return &EventHandler{processed: processed, logger: util.GetLogger()}
}

// OnGatewayWebhook registers a handler for GatewayWebhook events
func (eh *EventHandler) OnGatewayWebhook(handler func(context.Context, *models.GatewayWebhookEvent) error) {
	eh.onGatewayWebhook = handler
}

// HandleMessage routes messages to appropriate handlers
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		// poison message, nothing will ever decode it
		eh.logger.Error("Dropping undecodable message", zap.Int64("offset", msg.Offset), zap.Error(err))
		return nil
	}

	if eh.processed != nil && baseEvent.EventID != "" {
		done, err := eh.processed.IsEventProcessed(ctx, baseEvent.EventID)
		if err != nil {
			return fmt.Errorf("failed to check processed event: %w", err)
		}
		if done {
			eh.logger.Debug("Skipping already processed event", zap.String("event_id", baseEvent.EventID))
			return nil
		}
	}

	eh.logger.Debug("Handling event",
		zap.String("type", baseEvent.EventType),
		zap.String("id", baseEvent.EventID))

	switch baseEvent.EventType {
	case models.EventTypeGatewayWebhook:
		if eh.onGatewayWebhook == nil {
			return nil
		}
		var event models.GatewayWebhookEvent
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			eh.logger.Error("Dropping undecodable GatewayWebhook event",
				zap.String("event_id", baseEvent.EventID), zap.Error(err))
			return nil
		}
		err := eh.onGatewayWebhook(ctx, &event)
		if errors.Is(err, ErrIncomplete) {
			eh.logger.Debug("Event left unmarked", zap.String("event_id", baseEvent.EventID), zap.Error(err))
			return nil
		}
		if err != nil {
			return err
		}

	default:
		eh.logger.Warn("Unhandled event type", zap.String("type", baseEvent.EventType))
		return nil
	}

	if eh.processed != nil && baseEvent.EventID != "" {
		if err := eh.processed.MarkEventProcessed(ctx, baseEvent.EventID, baseEvent.EventType); err != nil {
			eh.logger.Warn("Failed to mark event processed", zap.String("event_id", baseEvent.EventID), zap.Error(err))
		}
	}
	return nil
}
