// Package notify fans account-scoped events out to live subscribers (SSE clients, tests).
package notify

import (
	"time"

	"github.com/cskr/pubsub"
	"github.com/rs/zerolog"
)

// Event types pushed on an account's channel.
const (
	PairingCode      = "pairing-code"
	PairingExpired   = "pairing-expired"
	ConnectionStatus = "connection-status"
	MessageSent      = "message-sent"
	MessageFailed    = "message-failed"
	MessageStatus    = "message-status"
	BatchPause       = "batch-pause"
	CampaignProgress = "campaign-progress"
	CampaignComplete = "campaign-complete"
	BulkComplete     = "bulk-complete"
)

type Event struct {
	Type      string    `json:"type"`
	AccountID string    `json:"account_id"`
	Data      any       `json:"data,omitempty"`
	At        time.Time `json:"at"`
}

// Notifier is what the core publishes through.
type Notifier interface {
	Notify(accountID, eventType string, data any)
}

// Discard drops every event.
var Discard Notifier = discard{}

type discard struct{}

func (discard) Notify(string, string, any) {}

// Hub is a pubsub-backed Notifier with one topic per account. Delivery never
// blocks: a subscriber whose buffer is full misses the event.
type Hub struct {
	ps  *pubsub.PubSub
	log zerolog.Logger
}

// NewHub creates a hub whose subscriber channels buffer capacity events.
func NewHub(capacity int, log zerolog.Logger) *Hub {
	return &Hub{ps: pubsub.New(capacity), log: log}
}

func Topic(accountID string) string { return "account:" + accountID }

func (h *Hub) Notify(accountID, eventType string, data any) {
	h.log.Debug().Str("account", accountID).Str("event", eventType).Msg("notify")
	h.ps.TryPub(Event{Type: eventType, AccountID: accountID, Data: data, At: time.Now().UTC()}, Topic(accountID))
}

// Subscribe returns a channel of Event values for accountID.
func (h *Hub) Subscribe(accountID string) chan interface{} {
	return h.ps.Sub(Topic(accountID))
}

// Unsubscribe detaches ch and drains it until the hub closes it.
func (h *Hub) Unsubscribe(ch chan interface{}) {
	go h.ps.Unsub(ch)
	for range ch {
	}
}

func (h *Hub) Close() { h.ps.Shutdown() }
