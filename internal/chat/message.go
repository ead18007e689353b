// Package chat holds the message model exchanged between peers.
package chat

import (
	"time"

	"github.com/google/uuid"
)

// Origin tells whether a message was authored here or by a peer.
type Origin uint8

const (
	Local Origin = iota
	Remote
)

func (o Origin) String() string {
	switch o {
	case Local:
		return "local"
	case Remote:
		return "remote"
	default:
		return "unknown"
	}
}

// Status is the delivery state of a message.
type Status uint8

const (
	Sending Status = iota
	Delivered
	Failed
)

func (s Status) String() string {
	switch s {
	case Sending:
		return "sending"
	case Delivered:
		return "delivered"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is expected without
// an explicit retry.
func (s Status) Terminal() bool {
	return s == Delivered || s == Failed
}

// Message is one chat line. ID is stable for the life of the entry,
// including across retries.
type Message struct {
	ID         uuid.UUID `json:"id"`
	SenderName string    `json:"sender_name"`
	Content    string    `json:"content"`
	Origin     Origin    `json:"origin"`
	Timestamp  time.Time `json:"timestamp"`
	Status     Status    `json:"status"`
}

// NewLocal builds an outbound message awaiting delivery.
func NewLocal(sender, content string, now time.Time) Message {
	return Message{
		ID:         uuid.New(),
		SenderName: sender,
		Content:    content,
		Origin:     Local,
		Timestamp:  now,
		Status:     Sending,
	}
}

// NewRemote builds an inbound message. Origin, status, sender and
// timestamp come from the receiving side, never from the payload.
func NewRemote(sender, content string, receivedAt time.Time) Message {
	return Message{
		ID:         uuid.New(),
		SenderName: sender,
		Content:    content,
		Origin:     Remote,
		Timestamp:  receivedAt,
		Status:     Delivered,
	}
}
