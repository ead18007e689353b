package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/cloudflare/circl/hpke"
	"github.com/cloudflare/circl/kem"
	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"golang.org/x/crypto/hkdf"
)

const SeedSize = 32

// HKDF info labels, one per derived key.
const (
	transportKeyInfo = "nearchat/v1/libp2p-ed25519"
	sealingKeyInfo   = "nearchat/v1/hpke-x25519"
)

// GenerateSeed creates a new 32-byte random seed.
func GenerateSeed() ([]byte, error) {
	seed := make([]byte, SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("generate seed: %w", err)
	}
	return seed, nil
}

// SaveSeed writes a seed readable only by the owner. The file is
// written aside and renamed so a crash never leaves a torn seed.
func SaveSeed(path string, seed []byte) error {
	if len(seed) != SeedSize {
		return fmt.Errorf("invalid seed size: %d", len(seed))
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, seed, 0o600); err != nil {
		return fmt.Errorf("write seed: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename seed: %w", err)
	}
	return nil
}

// LoadSeed reads a seed from file.
func LoadSeed(path string) ([]byte, error) {
	seed, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load seed: %w", err)
	}
	if len(seed) != SeedSize {
		return nil, fmt.Errorf("invalid seed size: %d", len(seed))
	}
	return seed, nil
}

// LoadOrCreateSeed loads the seed at path, generating and saving a new
// one on first run. The boolean reports whether the seed is new.
func LoadOrCreateSeed(path string) ([]byte, bool, error) {
	seed, err := LoadSeed(path)
	if err == nil {
		return seed, false, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, false, err
	}

	seed, err = GenerateSeed()
	if err != nil {
		return nil, false, err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, false, fmt.Errorf("create seed directory: %w", err)
		}
	}
	if err := SaveSeed(path, seed); err != nil {
		return nil, false, fmt.Errorf("save seed: %w", err)
	}
	return seed, true, nil
}

// DerivedKeys holds all keys derived from a seed.
type DerivedKeys struct {
	HPKEPub      kem.PublicKey
	HPKEPriv     kem.PrivateKey
	HPKEPubBytes []byte
	KeyID        byte
	Libp2pPriv   libp2pcrypto.PrivKey
	Libp2pPub    libp2pcrypto.PubKey
	PeerID       peer.ID
}

// DeriveKeys derives all cryptographic keys from a seed. Each key gets
// its own HKDF expansion so the transport key and the sealing key never
// share raw material.
func DeriveKeys(seed []byte) (*DerivedKeys, error) {
	if len(seed) != SeedSize {
		return nil, fmt.Errorf("invalid seed size: %d", len(seed))
	}

	edSeed, err := expand(seed, transportKeyInfo, ed25519.SeedSize)
	if err != nil {
		return nil, fmt.Errorf("expand transport key: %w", err)
	}
	hpkeSeed, err := expand(seed, sealingKeyInfo, SeedSize)
	if err != nil {
		return nil, fmt.Errorf("expand sealing key: %w", err)
	}

	// HPKE X25519 for per-message sealing
	kemScheme := hpke.KEM_X25519_HKDF_SHA256.Scheme()
	hpkePub, hpkePriv := kemScheme.DeriveKeyPair(hpkeSeed)
	hpkePubBytes, err := hpkePub.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("marshal HPKE pub: %w", err)
	}

	// KeyID from first byte of HPKE public key hash
	hash := sha256.Sum256(hpkePubBytes)
	keyID := hash[0]
	if keyID == 0 {
		keyID = 1 // avoid zero KeyID
	}

	// libp2p Ed25519 for the Noise transport (convert from std lib key)
	edPriv := ed25519.NewKeyFromSeed(edSeed)
	libp2pPriv, libp2pPub, err := libp2pcrypto.KeyPairFromStdKey(&edPriv)
	if err != nil {
		return nil, fmt.Errorf("derive libp2p key: %w", err)
	}

	peerID, err := peer.IDFromPublicKey(libp2pPub)
	if err != nil {
		return nil, fmt.Errorf("derive peer ID: %w", err)
	}

	return &DerivedKeys{
		HPKEPub:      hpkePub,
		HPKEPriv:     hpkePriv,
		HPKEPubBytes: hpkePubBytes,
		KeyID:        keyID,
		Libp2pPriv:   libp2pPriv,
		Libp2pPub:    libp2pPub,
		PeerID:       peerID,
	}, nil
}

func expand(seed []byte, info string, n int) ([]byte, error) {
	out := make([]byte, n)
	if _, err := io.ReadFull(hkdf.New(sha256.New, seed, nil, []byte(info)), out); err != nil {
		return nil, err
	}
	return out, nil
}
