package identity

import (
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/peer"
)

// ErrEmptyName is returned when a display name is blank.
var ErrEmptyName = errors.New("display name is empty")

// Identity labels the local endpoint during discovery and in the
// transport handshake. It is immutable: renaming produces a new value.
type Identity struct {
	displayName string
	keys        *DerivedKeys
}

// New binds a display name to the node's key material.
func New(displayName string, keys *DerivedKeys) (*Identity, error) {
	name := strings.TrimSpace(displayName)
	if name == "" {
		return nil, ErrEmptyName
	}
	if keys == nil {
		return nil, errors.New("identity keys are nil")
	}
	return &Identity{displayName: name, keys: keys}, nil
}

// DisplayName returns the human readable name shown to peers.
func (id *Identity) DisplayName() string {
	return id.displayName
}

// Keys returns the key material shared by every identity of this node.
func (id *Identity) Keys() *DerivedKeys {
	return id.keys
}

// PeerID returns the libp2p peer ID derived from the node seed.
func (id *Identity) PeerID() peer.ID {
	return id.keys.PeerID
}

// Renamed returns a new identity with the same keys and another name.
func (id *Identity) Renamed(displayName string) (*Identity, error) {
	return New(displayName, id.keys)
}

// DefaultDisplayName returns the name used before the user picks one.
func DefaultDisplayName() string {
	return "User " + strings.ToUpper(uuid.NewString())
}
