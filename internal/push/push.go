// Package push dispatches outbound push notifications through
// github.com/kart-io/notifyhub. A Sender interface keeps notifyhub
// swappable and testable with a recording fake.
package push

import (
	"context"
	"encoding/json"

	"github.com/kart-io/notifyhub/client"
	"github.com/kart-io/notifyhub/config"
	"github.com/kart-io/notifyhub/notifiers"

	"nexus/internal/models"
)

// Sender delivers one PushNotification to a device identified by its push
// token. Delivery failure must never fail the request that triggered it.
type Sender interface {
	Send(ctx context.Context, deviceToken string, n models.PushNotification) error
}

// Hub wraps a notifyhub client as the concrete push.Sender adapter.
type Hub struct {
	hub *client.Client
}

// NewHub starts a notifyhub client with default configuration. The FCM
// service-account file at the well-known path is picked up by the
// notifier's own credential loading; a production build would pass a
// config.WithOption wiring it explicitly.
func NewHub(ctx context.Context) (*Hub, error) {
	h, err := client.NewAndStart(ctx, config.WithDefaults())
	if err != nil {
		return nil, err
	}
	return &Hub{hub: h}, nil
}

func (h *Hub) Stop() { h.hub.Stop() }

// Send builds a notifyhub message from n and dispatches it to the device
// identified by deviceToken. Complex Data values are already
// JSON-stringified by the caller; Send attaches them as message
// metadata.
func (h *Hub) Send(ctx context.Context, deviceToken string, n models.PushNotification) error {
	builder := client.NewMessage().Title(n.Title).Body(n.Body)
	for k, v := range n.Data {
		builder = builder.Metadata(k, v)
	}
	msg := builder.
		AddTarget(notifiers.Target{Type: notifiers.TargetTypeUser, Value: deviceToken, Platform: "push"}).
		Build()
	_, err := h.hub.Send(ctx, msg, nil)
	return err
}

// RecordingSender is an in-memory Sender fake for tests, recording every
// notification it was asked to deliver instead of making a network call.
type RecordingSender struct {
	Sent []SentNotification
}

// SentNotification captures one Send call against RecordingSender.
type SentNotification struct {
	DeviceToken  string
	Notification models.PushNotification
}

func (r *RecordingSender) Send(ctx context.Context, deviceToken string, n models.PushNotification) error {
	r.Sent = append(r.Sent, SentNotification{DeviceToken: deviceToken, Notification: n})
	return nil
}

// MarshalData JSON-encodes v for use as a PushNotification.Data value;
// data-map values are always strings on the wire.
func MarshalData(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}
