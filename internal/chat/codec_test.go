package chat

import (
	"errors"
	"strings"
	"testing"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

func TestEncodeDecodeMessage(t *testing.T) {
	orig := NewLocal("alice", "hello there", time.Unix(1700000000, 42))
	orig.Status = Delivered

	data, err := Encode(orig)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	if decoded.ID != orig.ID {
		t.Fatalf("id mismatch: %s != %s", decoded.ID, orig.ID)
	}
	if decoded.SenderName != "alice" || decoded.Content != "hello there" {
		t.Fatalf("text fields mismatch: %+v", decoded)
	}
	if !decoded.Timestamp.Equal(orig.Timestamp) {
		t.Fatalf("timestamp mismatch: %v != %v", decoded.Timestamp, orig.Timestamp)
	}
	if decoded.Origin != Local || decoded.Status != Delivered {
		t.Fatalf("flags mismatch: origin=%v status=%v", decoded.Origin, decoded.Status)
	}
}

func TestDecodeSkipsUnknownFields(t *testing.T) {
	data, err := Encode(NewLocal("bob", "hi", time.Now()))
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	data = protowire.AppendTag(data, 99, protowire.BytesType)
	data = protowire.AppendString(data, "future field")
	data = protowire.AppendTag(data, 100, protowire.VarintType)
	data = protowire.AppendVarint(data, 7)

	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if decoded.Content != "hi" {
		t.Fatalf("content mismatch: %q", decoded.Content)
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	cases := map[string][]byte{
		"empty":     nil,
		"truncated": {0x0a, 0x10, 'a'},
		"bad tag":   {0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
		"json":      []byte(`{"content":"hi"}`),
	}
	for name, data := range cases {
		if _, err := Decode(data); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestDecodeRequiresID(t *testing.T) {
	var b []byte
	b = protowire.AppendTag(b, fieldContent, protowire.BytesType)
	b = protowire.AppendString(b, "no id")

	if _, err := Decode(b); !errors.Is(err, ErrMissingID) {
		t.Fatalf("expected ErrMissingID, got %v", err)
	}
}

func TestEncodeRejectsOversizedContent(t *testing.T) {
	m := NewLocal("alice", strings.Repeat("x", MaxContentSize+1), time.Now())
	if _, err := Encode(m); !errors.Is(err, ErrContentTooBig) {
		t.Fatalf("expected ErrContentTooBig, got %v", err)
	}
}

func TestEncodeRejectsInvalidUTF8(t *testing.T) {
	for _, m := range []Message{
		NewLocal("alice", "bad \xff text", time.Now()),
		NewLocal("\xc3", "fine", time.Now()),
	} {
		if _, err := Encode(m); !errors.Is(err, ErrInvalidUTF8) {
			t.Fatalf("encode(%q, %q): expected ErrInvalidUTF8, got %v", m.SenderName, m.Content, err)
		}
	}
}

func TestStatusTerminal(t *testing.T) {
	if Sending.Terminal() {
		t.Fatal("sending is not terminal")
	}
	if !Delivered.Terminal() || !Failed.Terminal() {
		t.Fatal("delivered and failed are terminal")
	}
}

func TestNewRemoteOverridesFlags(t *testing.T) {
	at := time.Unix(1800000000, 0)
	m := NewRemote("carol", "yo", at)
	if m.Origin != Remote || m.Status != Delivered {
		t.Fatalf("unexpected flags: %v %v", m.Origin, m.Status)
	}
	if !m.Timestamp.Equal(at) {
		t.Fatal("remote timestamp should be the receive time")
	}
}
