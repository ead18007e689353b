package session

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/pivaldi/nearchat/internal/chat"
	"github.com/pivaldi/nearchat/internal/transport"
)

const searchingStatus = "Searching for devices..."

// State is what the manager publishes to the presentation layer. Each
// published State is a snapshot and is never mutated afterwards.
type State struct {
	Messages         []chat.Message   `json:"messages"`
	ConnectedPeers   []transport.Peer `json:"connected_peers"`
	IsConnected      bool             `json:"is_connected"`
	IsLoading        bool             `json:"is_loading"`
	ConnectionStatus string           `json:"connection_status"`
	DisplayName      string           `json:"display_name"`
	Generation       uint64           `json:"generation"`
}

// ConnectionStatus renders the connected peer count.
func ConnectionStatus(peers int) string {
	if peers == 0 {
		return searchingStatus
	}
	return fmt.Sprintf("Connected with: %d device(s)", peers)
}

// Message returns the message with id, if present.
func (s State) Message(id uuid.UUID) (chat.Message, bool) {
	for _, msg := range s.Messages {
		if msg.ID == id {
			return msg, true
		}
	}
	return chat.Message{}, false
}
