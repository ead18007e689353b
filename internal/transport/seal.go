package transport

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/cloudflare/circl/hpke"
	"github.com/cloudflare/circl/kem"
	"github.com/openpcc/twoway"

	"github.com/pivaldi/nearchat/internal/identity"
)

const (
	chatMediaType = "application/x-nearchat-message"
	ackMediaType  = "text/plain; purpose=ack"
)

// sealer seals outbound payloads to a peer's HPKE key and opens the
// payloads sealed to ours. Reliable payloads are answered with a sealed
// ack that only the original sender can open.
type sealer struct {
	suite     hpke.Suite
	kemScheme kem.Scheme
	keyID     byte

	mu       sync.Mutex
	receiver *twoway.MultiRequestReceiver
}

func newSealer(keys *identity.DerivedKeys) (*sealer, error) {
	suite := hpke.NewSuite(hpke.KEM_X25519_HKDF_SHA256, hpke.KDF_HKDF_SHA256, hpke.AEAD_AES128GCM)
	receiver, err := twoway.NewMultiRequestReceiver(suite, keys.KeyID, keys.HPKEPriv, rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("new request receiver: %w", err)
	}
	return &sealer{
		suite:     suite,
		kemScheme: hpke.KEM_X25519_HKDF_SHA256.Scheme(),
		keyID:     keys.KeyID,
		receiver:  receiver,
	}, nil
}

// seal encrypts plain to the peer that sent hello. The returned func
// verifies the peer's ack for this payload.
func (s *sealer) seal(to Hello, plain []byte) (Sealed, func(Ack) error, error) {
	sender := twoway.NewMultiRequestSender(s.suite, rand.Reader)
	mediaType := []byte(chatMediaType)
	reqSealer, err := sender.NewRequestSealer(bytes.NewReader(plain), mediaType)
	if err != nil {
		return Sealed{}, nil, fmt.Errorf("new request sealer: %w", err)
	}
	ciphertext, err := io.ReadAll(reqSealer)
	if err != nil {
		return Sealed{}, nil, fmt.Errorf("read ciphertext: %w", err)
	}

	toPub, err := s.kemScheme.UnmarshalBinaryPublicKey(to.HPKEPub)
	if err != nil {
		return Sealed{}, nil, fmt.Errorf("unmarshal HPKE pub for %s: %w", to.Name, err)
	}

	encapKey, respOpenFn, err := reqSealer.EncapsulateKey(to.KeyID, toPub)
	if err != nil {
		return Sealed{}, nil, fmt.Errorf("encapsulate key for %s: %w", to.Name, err)
	}

	verify := func(a Ack) error {
		opener, err := respOpenFn(bytes.NewReader(a.Ciphertext), a.MediaType)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrBadAck, err)
		}
		if _, err := io.ReadAll(opener); err != nil {
			return fmt.Errorf("%w: %v", ErrBadAck, err)
		}
		return nil
	}

	return Sealed{
		KeyID:      to.KeyID,
		EncapKey:   encapKey,
		MediaType:  mediaType,
		Ciphertext: ciphertext,
	}, verify, nil
}

// open decrypts a payload sealed to us. The returned func seals the ack
// for it.
func (s *sealer) open(in Sealed) ([]byte, func() (Ack, error), error) {
	if in.KeyID != s.keyID {
		return nil, nil, fmt.Errorf("payload for keyID=%d (expected %d)", in.KeyID, s.keyID)
	}

	s.mu.Lock()
	opener, err := s.receiver.NewRequestOpener(in.EncapKey, bytes.NewReader(in.Ciphertext), in.MediaType)
	s.mu.Unlock()
	if err != nil {
		return nil, nil, fmt.Errorf("new request opener: %w", err)
	}
	plain, err := io.ReadAll(opener)
	if err != nil {
		return nil, nil, fmt.Errorf("read opened payload: %w", err)
	}

	reply := func() (Ack, error) {
		mediaType := []byte(ackMediaType)
		respSealer, err := opener.NewResponseSealer(strings.NewReader("ok"), mediaType)
		if err != nil {
			return Ack{}, fmt.Errorf("new response sealer: %w", err)
		}
		ciphertext, err := io.ReadAll(respSealer)
		if err != nil {
			return Ack{}, fmt.Errorf("read ack ciphertext: %w", err)
		}
		return Ack{RequestID: in.RequestID, MediaType: mediaType, Ciphertext: ciphertext}, nil
	}

	return plain, reply, nil
}
