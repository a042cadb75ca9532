package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"github.com/mxsafiri/nedapay-plus--sub001/libs/kafka"
	"github.com/mxsafiri/nedapay-plus--sub001/services/settlement/internal/service"
)

const fiatDeliveredEventType = "orders.fiat_delivered"

// FiatDeliveredEvent is emitted by the order pipeline once the payout reached the recipient.
type FiatDeliveredEvent struct {
	kafka.Envelope
	OrderID string `json:"order_id"`
}

func (e FiatDeliveredEvent) Validate() error {
	if err := e.Envelope.Validate(); err != nil {
		return err
	}
	if e.EventType != fiatDeliveredEventType {
		return fmt.Errorf("unexpected event_type %q", e.EventType)
	}
	if strings.TrimSpace(e.OrderID) == "" {
		return fmt.Errorf("order_id is required")
	}
	return nil
}

type Settler interface {
	SettleProviderOrder(ctx context.Context, orderID uuid.UUID) (*service.SettlementResult, error)
}

type FiatDeliveredConsumer struct {
	settler Settler
	logger  *slog.Logger
}

func NewFiatDeliveredConsumer(settler Settler, logger *slog.Logger) *FiatDeliveredConsumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &FiatDeliveredConsumer{settler: settler, logger: logger}
}

// HandleMessage settles the delivered order. Failed transfers are acknowledged because the retry
// queue already owns them, and unreconciled ones because only an operator may resolve them. Only
// unexpected errors leave the message for redelivery.
func (c *FiatDeliveredConsumer) HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	if msg == nil || len(msg.Value) == 0 {
		return kafka.DLQ(fmt.Errorf("empty kafka message"), "invalid_payload")
	}
	var event FiatDeliveredEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return kafka.DLQ(fmt.Errorf("decode %s: %w", fiatDeliveredEventType, err), "invalid_payload")
	}
	if err := event.Validate(); err != nil {
		return kafka.DLQ(err, "invalid_payload")
	}
	orderID, err := uuid.Parse(strings.TrimSpace(event.OrderID))
	if err != nil {
		return kafka.DLQ(fmt.Errorf("invalid order_id: %w", err), "invalid_payload")
	}

	log := c.logger.With("order_id", orderID.String(), "event_id", event.EventID)
	res, err := c.settler.SettleProviderOrder(ctx, orderID)
	switch {
	case err == nil:
		if res != nil && res.AlreadySettled {
			log.Info("fiat delivered event for settled order", "transaction_id", res.TransactionID)
		}
		return nil
	case errors.Is(err, service.ErrSettlementInProgress):
		log.Info("settlement already in progress")
		return nil
	case errors.Is(err, service.ErrTransferFailed):
		log.Warn("settlement failed, queued for retry", "error", err)
		return nil
	case errors.Is(err, service.ErrSettlementUnreconciled):
		log.Error("settlement awaiting reconciliation", "error", err)
		return nil
	case errors.Is(err, service.ErrOrderNotSettleable):
		return kafka.DLQ(err, "not_settleable")
	default:
		return fmt.Errorf("settle order %s: %w", orderID, err)
	}
}
