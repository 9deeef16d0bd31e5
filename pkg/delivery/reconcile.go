package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/trunkline-io/trunkline/pkg/models"
	"github.com/trunkline-io/trunkline/pkg/services"
)

// ProviderEvent is a delivery callback from an SMS or email vendor after
// normalization.
type ProviderEvent struct {
	ProviderMessageID string
	Kind              string // delivered, bounced, complained, or failed
	VendorEvent       string // the vendor's original event name
}

// vendorEventKinds maps the event names vendors actually send onto the four
// normalized kinds. Unsubscribes collapse into complained; the vendor's
// original name survives in the message event log.
var vendorEventKinds = map[string]string{
	"delivered":      models.MessageEventDelivered,
	"delivery":       models.MessageEventDelivered,
	"bounce":         models.MessageEventBounced,
	"bounced":        models.MessageEventBounced,
	"hard_bounce":    models.MessageEventBounced,
	"soft_bounce":    models.MessageEventBounced,
	"complaint":      models.MessageEventComplained,
	"complained":     models.MessageEventComplained,
	"spam_complaint": models.MessageEventComplained,
	"spamreport":     models.MessageEventComplained,
	"unsubscribe":    models.MessageEventComplained,
	"unsubscribed":   models.MessageEventComplained,
	"failed":         models.MessageEventFailed,
	"failure":        models.MessageEventFailed,
	"undelivered":    models.MessageEventFailed,
	"dropped":        models.MessageEventFailed,
}

// NormalizeProviderEvent maps a vendor callback onto a ProviderEvent.
func NormalizeProviderEvent(providerMessageID, vendorEvent string) (ProviderEvent, error) {
	if providerMessageID == "" {
		return ProviderEvent{}, services.NewValidationError("provider_message_id", "required")
	}
	kind, ok := vendorEventKinds[strings.ToLower(strings.TrimSpace(vendorEvent))]
	if !ok {
		return ProviderEvent{}, services.NewValidationError("event",
			fmt.Sprintf("unknown provider event %q", vendorEvent))
	}
	return ProviderEvent{
		ProviderMessageID: providerMessageID,
		Kind:              kind,
		VendorEvent:       vendorEvent,
	}, nil
}

// ReconcileStore records provider events against message rows.
// *services.MessageService implements it.
type ReconcileStore interface {
	RecordProviderEvent(ctx context.Context, providerMessageID, kind, vendorEvent string) (*models.Message, error)
}

// SuppressionWriter upserts suppressions. *services.SuppressionService
// implements it.
type SuppressionWriter interface {
	Set(ctx context.Context, address string, channel models.MessageChannel, reason models.SuppressionReason, source string) (*models.Suppression, error)
}

// Reconciler folds async provider events back into message rows and keeps
// the suppression list current: bounces and complaints suppress the
// recipient so later enqueues never reach the provider.
type Reconciler struct {
	store        ReconcileStore
	suppressions SuppressionWriter
	metrics      Metrics
	logger       *slog.Logger
}

// NewReconciler creates the provider event reconciler.
func NewReconciler(store ReconcileStore, suppressions SuppressionWriter, metrics Metrics, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		store:        store,
		suppressions: suppressions,
		metrics:      metrics,
		logger:       logger.With("component", "delivery.reconciler"),
	}
}

// Apply records one normalized provider event and returns the updated
// message. Out-of-order events surface as ErrConcurrentModification and
// unknown provider message IDs as ErrNotFound; the transport layer decides
// how politely to answer the vendor.
func (r *Reconciler) Apply(ctx context.Context, ev ProviderEvent) (*models.Message, error) {
	msg, err := r.store.RecordProviderEvent(ctx, ev.ProviderMessageID, ev.Kind, ev.VendorEvent)
	if err != nil {
		return nil, err
	}
	logger := r.logger.With("message_id", msg.MessageID, "channel", msg.Channel, "kind", ev.Kind)

	switch ev.Kind {
	case models.MessageEventBounced:
		r.suppress(ctx, msg, models.SuppressionBounce, ev.VendorEvent, logger)
	case models.MessageEventComplained:
		r.suppress(ctx, msg, models.SuppressionComplaint, ev.VendorEvent, logger)
	}

	countMetric(ctx, r.metrics, logger, msg.Channel, ev.Kind)
	logger.Info("Provider event reconciled", "vendor_event", ev.VendorEvent)
	return msg, nil
}

func (r *Reconciler) suppress(ctx context.Context, msg *models.Message, reason models.SuppressionReason, vendorEvent string, logger *slog.Logger) {
	if r.suppressions == nil {
		return
	}
	if _, err := r.suppressions.Set(ctx, msg.To, msg.Channel, reason, "provider:"+vendorEvent); err != nil {
		logger.Error("Failed to record suppression", "error", err)
	}
}
