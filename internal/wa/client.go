package wa

import (
	"context"
	"errors"
	"time"

	"wablast/internal/model"
)

var (
	ErrNotConnected         = errors.New("whatsapp not connected")
	ErrRecipientUnreachable = errors.New("number not registered on whatsapp")
	ErrUnknownAccount       = errors.New("unknown account")
)

// Client is one account's protocol connection. Implementations report everything
// that happens on the wire through Events; the Manager is the only consumer.
type Client interface {
	Events() <-chan Event
	// Paired reports whether credentials exist, i.e. Connect will not need a pairing code.
	Paired() bool
	Connect(ctx context.Context) error
	Disconnect()
	Logout(ctx context.Context) error
	SendText(ctx context.Context, phone, text string) (string, error)
	SendMedia(ctx context.Context, phone string, media model.Media, caption string) (string, error)
	Exists(ctx context.Context, phone string) (bool, error)
}

// ClientFactory builds a fresh client for accountID, loading any stored credentials.
type ClientFactory func(ctx context.Context, accountID string) (Client, error)

// DropReason classifies a transport drop.
type DropReason int

const (
	DropRecoverable DropReason = iota
	DropReplaced
	DropBanned
)

func (r DropReason) String() string {
	switch r {
	case DropReplaced:
		return "replaced"
	case DropBanned:
		return "banned"
	default:
		return "recoverable"
	}
}

// Event is a typed notification from a Client.
type Event interface{ isEvent() }

// QR carries a fresh pairing payload.
type QR struct{ Code string }

// PairingTimeout is raised when the client ran out of pairing codes.
type PairingTimeout struct{}

type Connected struct{ Identity string }

type Disconnected struct {
	Reason DropReason
	Err    error
}

// LoggedOut means the credentials were revoked remotely (logout, 401).
type LoggedOut struct{ Reason string }

// Delivery reports a status change for messages this account sent.
type Delivery struct {
	MessageIDs []string
	Status     string
	At         time.Time
}

func (QR) isEvent()             {}
func (PairingTimeout) isEvent() {}
func (Connected) isEvent()      {}
func (Disconnected) isEvent()   {}
func (LoggedOut) isEvent()      {}
func (Delivery) isEvent()       {}
