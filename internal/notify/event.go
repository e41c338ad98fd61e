// Package notify fans typed events out to every live web socket session of
// a user. Delivery is at-most-once per connection: a user without live
// connections simply misses the event and re-fetches state on reconnect.
package notify

import (
	"encoding/json"
	"maps"
	"time"

	"github.com/zulandar/signalbox/internal/models"
	"github.com/zulandar/signalbox/internal/order"
)

// EventType tags a live client frame.
type EventType string

const (
	OrderUpdate    EventType = "order_update"
	ProgressUpdate EventType = "progress_update"
	BalanceUpdate  EventType = "balance_update"
	ChatMessage    EventType = "chat_message"
	Notification   EventType = "notification"
	Connected      EventType = "connected"
	Ping           EventType = "ping"
	Pong           EventType = "pong"
	Subscribed     EventType = "subscribed"
)

// Event is an immutable server to client frame. It marshals flat as
// {"type": ..., "order_id": ..., <fields>, "timestamp": ...}.
type Event struct {
	typ     EventType
	orderID uint
	fields  map[string]any
	at      time.Time
}

// NewEvent builds an event. fields is copied; a zero orderID is omitted
// from the frame.
func NewEvent(typ EventType, orderID uint, fields map[string]any) Event {
	return Event{typ: typ, orderID: orderID, fields: maps.Clone(fields), at: time.Now().UTC()}
}

// Type returns the event tag.
func (e Event) Type() EventType { return e.typ }

// OrderID returns the order the event concerns, or zero.
func (e Event) OrderID() uint { return e.orderID }

// Timestamp returns when the event was built.
func (e Event) Timestamp() time.Time { return e.at }

// Field returns a payload value.
func (e Event) Field(key string) (any, bool) {
	v, ok := e.fields[key]
	return v, ok
}

// MarshalJSON flattens the payload next to the envelope keys. Envelope
// keys win over payload keys of the same name.
func (e Event) MarshalJSON() ([]byte, error) {
	frame := make(map[string]any, len(e.fields)+3)
	maps.Copy(frame, e.fields)
	frame["type"] = e.typ
	if e.orderID != 0 {
		frame["order_id"] = e.orderID
	}
	frame["timestamp"] = e.at.Format(time.RFC3339)
	return json.Marshal(frame)
}

// OrderUpdateEvent reports an order's new status and money state.
func OrderUpdateEvent(o *models.Order) Event {
	status := order.Status(o.Status)
	return NewEvent(OrderUpdate, o.ID, map[string]any{
		"status":      o.Status,
		"stage":       string(order.DeriveStage(status)),
		"progress":    o.ProgressPercent,
		"final_price": order.FinalPrice(o),
		"paid":        o.PaidAmount,
		"remaining":   order.Remaining(o),
	})
}

// ProgressUpdateEvent reports a production progress change.
func ProgressUpdateEvent(orderID uint, percent int) Event {
	return NewEvent(ProgressUpdate, orderID, map[string]any{"progress": percent})
}

// BalanceUpdateEvent reports a bonus balance change, e.g. a refund after a
// cancellation.
func BalanceUpdateEvent(orderID uint, delta, balance int64) Event {
	return NewEvent(BalanceUpdate, orderID, map[string]any{"delta": delta, "balance": balance})
}

// ChatMessageEvent carries a staff reply to the customer's web session.
func ChatMessageEvent(orderID uint, from, text string) Event {
	return NewEvent(ChatMessage, orderID, map[string]any{"from": from, "text": text})
}

// NotificationEvent is a free-form announcement.
func NotificationEvent(title, text string) Event {
	return NewEvent(Notification, 0, map[string]any{"title": title, "text": text})
}

// ConnectedEvent greets a new connection with its handle.
func ConnectedEvent(handle Handle) Event {
	return NewEvent(Connected, 0, map[string]any{"connection_id": string(handle)})
}

// PingEvent is the application level keep-alive probe.
func PingEvent() Event { return NewEvent(Ping, 0, nil) }

// PongEvent answers a client ping.
func PongEvent() Event { return NewEvent(Pong, 0, nil) }

// SubscribedEvent acknowledges a subscribe frame. Channels are echoed but
// not used for filtering.
func SubscribedEvent(channels []string) Event {
	if channels == nil {
		channels = []string{}
	}
	return NewEvent(Subscribed, 0, map[string]any{"channels": channels})
}
