package transport

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// ProtocolID of the chat session stream.
const ProtocolID = "/nearchat/session/1.0.0"

// Frame types
const (
	MsgInvite   byte = 1
	MsgAccept   byte = 2
	MsgReject   byte = 3
	MsgData     byte = 4
	MsgAck      byte = 5
	MsgDatagram byte = 6
	MsgGoodbye  byte = 7
	MsgStream   byte = 8
)

// MaxFrameSize bounds a single frame so a broken peer cannot make us
// allocate arbitrarily.
const MaxFrameSize = 1 << 20

// Hello is carried by invitations and their acceptance. It names the
// endpoint and publishes the HPKE key that payloads to it are sealed
// with.
type Hello struct {
	Name    string
	Context []byte
	HPKEPub []byte
	KeyID   byte
}

// Sealed is an HPKE-sealed payload.
type Sealed struct {
	RequestID  uint64
	KeyID      byte
	EncapKey   []byte
	MediaType  []byte
	Ciphertext []byte
}

// Ack answers a reliable Sealed frame with a response sealed under the
// same HPKE context.
type Ack struct {
	RequestID  uint64
	MediaType  []byte
	Ciphertext []byte
}

// Reject declines an invitation.
type Reject struct {
	Reason string
}

// Frame format: u32(len(type+payload)) || type(1) || payload
func WriteMsg(w io.Writer, typ byte, payload []byte) error {
	if 1+len(payload) > MaxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", 1+len(payload))
	}
	buf := make([]byte, 5+len(payload))
	binary.BigEndian.PutUint32(buf[:4], uint32(1+len(payload)))
	buf[4] = typ
	copy(buf[5:], payload)
	_, err := w.Write(buf)
	return err
}

// ReadMsg reads a typed frame from the stream.
func ReadMsg(r io.Reader) (byte, []byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n < 1 {
		return 0, nil, fmt.Errorf("bad msg length")
	}
	if n > MaxFrameSize {
		return 0, nil, fmt.Errorf("frame too large: %d bytes", n)
	}
	var typ [1]byte
	if _, err := io.ReadFull(r, typ[:]); err != nil {
		return 0, nil, err
	}
	payload := make([]byte, n-1)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return typ[0], payload, nil
}

// Blob format: u32(len) || bytes
func writeBlob(w io.Writer, b []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(b)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readBlob(r *bytes.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if int64(n) > int64(r.Len()) {
		return nil, fmt.Errorf("blob length %d exceeds remaining %d", n, r.Len())
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

func readUint64(r *bytes.Reader, what string) (uint64, error) {
	b, err := readBlob(r)
	if err != nil {
		return 0, err
	}
	if len(b) != 8 {
		return 0, fmt.Errorf("bad %s", what)
	}
	return binary.BigEndian.Uint64(b), nil
}

func writeUint64(w io.Writer, v uint64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return writeBlob(w, b[:])
}

// Encode/Decode Hello
func EncodeHello(h Hello) []byte {
	var b bytes.Buffer
	_ = writeBlob(&b, []byte(h.Name))
	_ = writeBlob(&b, h.Context)
	_ = writeBlob(&b, h.HPKEPub)
	b.WriteByte(h.KeyID)
	return b.Bytes()
}

func DecodeHello(p []byte) (Hello, error) {
	r := bytes.NewReader(p)
	name, err := readBlob(r)
	if err != nil {
		return Hello{}, err
	}
	if len(name) == 0 {
		return Hello{}, fmt.Errorf("hello without name")
	}
	ctx, err := readBlob(r)
	if err != nil {
		return Hello{}, err
	}
	hpkePub, err := readBlob(r)
	if err != nil {
		return Hello{}, err
	}
	keyID, err := r.ReadByte()
	if err != nil {
		return Hello{}, err
	}
	return Hello{Name: string(name), Context: ctx, HPKEPub: hpkePub, KeyID: keyID}, nil
}

// Encode/Decode Sealed
func EncodeSealed(s Sealed) []byte {
	var b bytes.Buffer
	_ = writeUint64(&b, s.RequestID)
	b.WriteByte(s.KeyID)
	_ = writeBlob(&b, s.EncapKey)
	_ = writeBlob(&b, s.MediaType)
	_ = writeBlob(&b, s.Ciphertext)
	return b.Bytes()
}

func DecodeSealed(p []byte) (Sealed, error) {
	r := bytes.NewReader(p)
	id, err := readUint64(r, "request id")
	if err != nil {
		return Sealed{}, err
	}
	keyID, err := r.ReadByte()
	if err != nil {
		return Sealed{}, err
	}
	encap, err := readBlob(r)
	if err != nil {
		return Sealed{}, err
	}
	mt, err := readBlob(r)
	if err != nil {
		return Sealed{}, err
	}
	ct, err := readBlob(r)
	if err != nil {
		return Sealed{}, err
	}
	return Sealed{RequestID: id, KeyID: keyID, EncapKey: encap, MediaType: mt, Ciphertext: ct}, nil
}

// Encode/Decode Ack
func EncodeAck(a Ack) []byte {
	var b bytes.Buffer
	_ = writeUint64(&b, a.RequestID)
	_ = writeBlob(&b, a.MediaType)
	_ = writeBlob(&b, a.Ciphertext)
	return b.Bytes()
}

func DecodeAck(p []byte) (Ack, error) {
	r := bytes.NewReader(p)
	id, err := readUint64(r, "ack id")
	if err != nil {
		return Ack{}, err
	}
	mt, err := readBlob(r)
	if err != nil {
		return Ack{}, err
	}
	ct, err := readBlob(r)
	if err != nil {
		return Ack{}, err
	}
	return Ack{RequestID: id, MediaType: mt, Ciphertext: ct}, nil
}

// Encode/Decode Reject
func EncodeReject(r Reject) []byte {
	return []byte(r.Reason)
}

func DecodeReject(p []byte) (Reject, error) {
	return Reject{Reason: string(p)}, nil
}
