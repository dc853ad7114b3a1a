package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"enrollment-service/internal/broker"
	"enrollment-service/internal/models"
	"enrollment-service/internal/service"
	"enrollment-service/internal/util"

	"github.com/avast/retry-go/v4"
	"go.uber.org/zap"
)

// Reconciler is the part of the reconciliation engine the workers drive
type Reconciler interface {
	Reconcile(ctx context.Context, reference string, opts service.ReconcileOptions) (*service.ReconcileResult, error)
	Recover(ctx context.Context, reference string) (*service.ReconcileResult, error)
}

// RetryConfig bounds retries of transient gateway failures
type RetryConfig struct {
	Attempts uint
	Delay    time.Duration
	MaxDelay time.Duration
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.Attempts == 0 {
		c.Attempts = 5
	}
	if c.Delay <= 0 {
		c.Delay = 500 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 10 * time.Second
	}
	return c
}

// WebhookWorker reconciles payments announced by gateway webhooks
type WebhookWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	reconciler   Reconciler
	retryConf    RetryConfig
	logger       *zap.Logger
}

// NewWebhookWorker creates a new webhook worker
func NewWebhookWorker(
	consumer *broker.Consumer,
	processed broker.ProcessedEvents,
	reconciler Reconciler,
	retryConf RetryConfig,
) *WebhookWorker {
	w := &WebhookWorker{
		consumer:   consumer,
		reconciler: reconciler,
		retryConf:  retryConf.withDefaults(),
		logger:     util.GetLogger(),
	}

	w.eventHandler = broker.NewEventHandler(processed)
	w.eventHandler.OnGatewayWebhook(w.HandleWebhook)
	return w
}

// Start starts the worker
func (w *WebhookWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting webhook worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *WebhookWorker) Stop() error {
	w.logger.Info("Stopping webhook worker")
	return w.consumer.Close()
}

// HandleWebhook reconciles the referenced payment, retrying while the
// gateway is unavailable. Terminal answers are swallowed so the message is
// committed; anything else is returned and the consumer retries the message.
// A payment the gateway still reports as pending returns broker.ErrIncomplete
// so a redelivery of the same webhook reconciles again.
func (w *WebhookWorker) HandleWebhook(ctx context.Context, event *models.GatewayWebhookEvent) error {
	var res *service.ReconcileResult
	err := retry.Do(
		func() error {
			var err error
			res, err = w.reconcile(ctx, event.Reference)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(w.retryConf.Attempts),
		retry.Delay(w.retryConf.Delay),
		retry.MaxDelay(w.retryConf.MaxDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, service.ErrGatewayUnavailable)
		}),
		retry.OnRetry(func(n uint, err error) {
			w.logger.Warn("Retrying webhook reconciliation",
				zap.String("reference", event.Reference),
				zap.Uint("attempt", n+1),
				zap.Error(err))
		}),
	)

	switch {
	case err == nil && res.Outcome == service.OutcomeStillPending:
		util.WebhooksReceivedTotal.WithLabelValues("still_pending").Inc()
		w.logger.Info("Webhook payment still pending",
			zap.String("reference", event.Reference),
			zap.String("gateway_event", event.GatewayEvent))
		return fmt.Errorf("payment %s: %w", event.Reference, broker.ErrIncomplete)
	case err == nil:
		util.WebhooksReceivedTotal.WithLabelValues("reconciled").Inc()
		w.logger.Info("Webhook reconciled",
			zap.String("reference", event.Reference),
			zap.String("gateway_event", event.GatewayEvent),
			zap.String("outcome", string(res.Outcome)))
		return nil
	case errors.Is(err, service.ErrCompensationRequired):
		// already logged and counted by the reconciler
		util.WebhooksReceivedTotal.WithLabelValues("compensation_required").Inc()
		return nil
	case errors.Is(err, service.ErrGatewayRejected), errors.Is(err, service.ErrPaymentNotFound):
		util.WebhooksReceivedTotal.WithLabelValues("dropped").Inc()
		w.logger.Error("Dropping webhook",
			zap.String("reference", event.Reference),
			zap.Error(err))
		return nil
	case errors.Is(err, service.ErrGatewayUnavailable):
		util.WebhooksReceivedTotal.WithLabelValues("unavailable").Inc()
		return err
	default:
		util.WebhooksReceivedTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("reconcile %s: %w", event.Reference, err)
	}
}

// reconcile falls back to recovery for references the store has not seen,
// e.g. a webhook that beat the pending insert.
func (w *WebhookWorker) reconcile(ctx context.Context, reference string) (*service.ReconcileResult, error) {
	res, err := w.reconciler.Reconcile(ctx, reference, service.ReconcileOptions{})
	if errors.Is(err, service.ErrPaymentNotFound) {
		return w.reconciler.Recover(ctx, reference)
	}
	return res, err
}
