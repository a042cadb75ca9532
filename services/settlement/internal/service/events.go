package service

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/mxsafiri/nedapay-plus--sub001/libs/kafka"
	"github.com/mxsafiri/nedapay-plus--sub001/services/settlement/internal/storage"
)

const (
	settlementCompletedEventType = "settlement.completed"
	settlementFailedEventType    = "settlement.failed"
	manualReviewEventType        = "settlement.manual_review"
	liquidityAlertEventType      = "liquidity.alert"
)

type EventTopics struct {
	SettlementCompleted string
	SettlementFailed    string
	ManualReview        string
	LiquidityAlerts     string
}

type SettlementCompletedEvent struct {
	kafka.Envelope
	OrderID       string `json:"order_id"`
	ProviderID    string `json:"provider_id"`
	TransactionID string `json:"transaction_id"`
	Network       string `json:"network"`
	TokenSymbol   string `json:"token_symbol"`
	Amount        string `json:"amount"`
	Commission    string `json:"commission"`
	SettledAt     string `json:"settled_at"`
}

type SettlementFailedEvent struct {
	kafka.Envelope
	OrderID     string `json:"order_id"`
	ProviderID  string `json:"provider_id"`
	Error       string `json:"error"`
	RetryCount  int    `json:"retry_count"`
	NextRetryAt string `json:"next_retry_at"`
}

type ManualReviewEvent struct {
	kafka.Envelope
	OrderID    string `json:"order_id"`
	RetryCount int    `json:"retry_count"`
	LastError  string `json:"last_error"`
}

type LiquidityAlertEvent struct {
	kafka.Envelope
	Currency          string `json:"currency"`
	AlertType         string `json:"alert_type"`
	Severity          string `json:"severity"`
	Message           string `json:"message"`
	RecommendedAction string `json:"recommended_action"`
}

// Events publishes outcome notifications. Publishing is best effort: the database is the source
// of truth and a lost event never changes settlement state.
type Events struct {
	publisher kafka.Publisher
	topics    EventTopics
	logger    *slog.Logger
}

func NewEvents(publisher kafka.Publisher, topics EventTopics, logger *slog.Logger) *Events {
	if publisher == nil {
		publisher = kafka.NopPublisher{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Events{publisher: publisher, topics: topics, logger: logger}
}

func (e *Events) SettlementCompleted(ctx context.Context, rec storage.SettlementRecord) {
	if e == nil {
		return
	}
	orderID := rec.OrderID.String()
	env, err := kafka.NewEnvelopeWithID(kafka.DeterministicEventID(settlementCompletedEventType, orderID), settlementCompletedEventType, 1, orderID)
	if err != nil {
		e.logger.Error("build event envelope failed", "event_type", settlementCompletedEventType, "error", err)
		return
	}
	e.publish(ctx, e.topics.SettlementCompleted, orderID, SettlementCompletedEvent{
		Envelope:      env,
		OrderID:       orderID,
		ProviderID:    rec.ProviderID.String(),
		TransactionID: rec.TransactionID,
		Network:       rec.Network,
		TokenSymbol:   rec.TokenSymbol,
		Amount:        rec.TotalAmount.String(),
		Commission:    rec.Commission.String(),
		SettledAt:     rec.SettledAt.UTC().Format(time.RFC3339),
	})
}

func (e *Events) SettlementFailed(ctx context.Context, order storage.PaymentOrder, entry *storage.SettlementRetryEntry, reason string) {
	if e == nil {
		return
	}
	orderID := order.ID.String()
	payload := SettlementFailedEvent{OrderID: orderID, Error: reason}
	if order.AssignedProviderID != nil {
		payload.ProviderID = order.AssignedProviderID.String()
	}
	attempt := "0"
	if entry != nil {
		payload.RetryCount = entry.RetryCount
		payload.NextRetryAt = entry.NextRetryAt.UTC().Format(time.RFC3339)
		attempt = strconv.Itoa(entry.RetryCount)
	}
	env, err := kafka.NewEnvelopeWithID(kafka.DeterministicEventID(settlementFailedEventType, orderID, attempt), settlementFailedEventType, 1, orderID)
	if err != nil {
		e.logger.Error("build event envelope failed", "event_type", settlementFailedEventType, "error", err)
		return
	}
	payload.Envelope = env
	e.publish(ctx, e.topics.SettlementFailed, orderID, payload)
}

func (e *Events) ManualReview(ctx context.Context, entry storage.SettlementRetryEntry) {
	if e == nil {
		return
	}
	orderID := entry.OrderID.String()
	env, err := kafka.NewEnvelopeWithID(kafka.DeterministicEventID(manualReviewEventType, orderID, strconv.Itoa(entry.RetryCount)), manualReviewEventType, 1, orderID)
	if err != nil {
		e.logger.Error("build event envelope failed", "event_type", manualReviewEventType, "error", err)
		return
	}
	e.publish(ctx, e.topics.ManualReview, orderID, ManualReviewEvent{
		Envelope:   env,
		OrderID:    orderID,
		RetryCount: entry.RetryCount,
		LastError:  entry.LastError,
	})
}

func (e *Events) LiquidityAlert(ctx context.Context, alert storage.LiquidityAlert) {
	if e == nil {
		return
	}
	env, err := kafka.NewEnvelope(liquidityAlertEventType, 1, alert.ID.String())
	if err != nil {
		e.logger.Error("build event envelope failed", "event_type", liquidityAlertEventType, "error", err)
		return
	}
	e.publish(ctx, e.topics.LiquidityAlerts, alert.Currency, LiquidityAlertEvent{
		Envelope:          env,
		Currency:          alert.Currency,
		AlertType:         alert.AlertType,
		Severity:          alert.Severity,
		Message:           alert.Message,
		RecommendedAction: alert.RecommendedAction,
	})
}

func (e *Events) publish(ctx context.Context, topic, key string, payload any) {
	if topic == "" {
		return
	}
	if _, _, err := e.publisher.PublishJSON(ctx, topic, key, payload); err != nil {
		e.logger.Error("event publish failed", "topic", topic, "key", key, "error", err)
	}
}
