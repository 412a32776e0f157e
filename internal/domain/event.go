package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event type constants. Notification events use the names the notification
// collaborator subscribes to.
const (
	EventTradeMatch       = "trade_match"
	EventStatusChange     = "status_change"
	EventPaymentSubmitted = "payment_submitted"
	EventCryptoReleased   = "crypto_released"
	EventDisputeFiled     = "dispute_filed"

	EventTradeExecuted   = "trade_executed"
	EventEscrowCompleted = "escrow_completed"
)

// Event is the base interface for everything published off the core.
type Event interface {
	GetType() string
	// Key is used for partitioning, e.g. the trade id.
	Key() string
}

// EventEnvelope wraps an event with metadata for serialization
type EventEnvelope struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// Priority of a notification.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Notification is the payload handed to the notification collaborator.
type Notification struct {
	Event    string            `json:"event"`
	UserID   string            `json:"user_id"`
	TradeID  string            `json:"trade_id"`
	Title    string            `json:"title"`
	Message  string            `json:"message"`
	Priority Priority          `json:"priority"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (n Notification) GetType() string { return n.Event }
func (n Notification) Key() string     { return n.TradeID }

// ConversationRequest asks the messaging collaborator for a buyer/seller thread.
type ConversationRequest struct {
	TradeID  string `json:"trade_id"`
	BuyerID  string `json:"buyer_id"`
	SellerID string `json:"seller_id"`
}

// TradeExecuted is published for every order-book match.
type TradeExecuted struct {
	Trade Trade `json:"trade"`
}

func (e TradeExecuted) GetType() string { return EventTradeExecuted }
func (e TradeExecuted) Key() string     { return e.Trade.Asset }

// EscrowSettled is published when crypto is released to the buyer.
// Post-completion hooks such as savings deposits subscribe to it.
type EscrowSettled struct {
	Trade TradeTransaction `json:"trade"`
}

func (e EscrowSettled) GetType() string { return EventEscrowCompleted }
func (e EscrowSettled) Key() string     { return e.Trade.ID }

// SerializeEvent converts an event to JSON bytes with envelope
func SerializeEvent(event Event) ([]byte, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}

	envelope := EventEnvelope{
		Type:      event.GetType(),
		Timestamp: time.Now().UTC(),
		Data:      data,
	}

	return json.Marshal(envelope)
}

// DeserializeEvent converts JSON bytes back to an Event
func DeserializeEvent(data []byte) (Event, error) {
	var envelope EventEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, err
	}

	switch envelope.Type {
	case EventTradeMatch, EventStatusChange, EventPaymentSubmitted, EventCryptoReleased, EventDisputeFiled:
		var n Notification
		if err := json.Unmarshal(envelope.Data, &n); err != nil {
			return nil, err
		}
		return n, nil
	case EventTradeExecuted:
		var e TradeExecuted
		if err := json.Unmarshal(envelope.Data, &e); err != nil {
			return nil, err
		}
		return e, nil
	case EventEscrowCompleted:
		var e EscrowSettled
		if err := json.Unmarshal(envelope.Data, &e); err != nil {
			return nil, err
		}
		return e, nil
	default:
		return nil, fmt.Errorf("unknown event type: %s", envelope.Type)
	}
}
