package chat

import (
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"
)

// Payload field numbers. Unknown numbers are skipped on decode.
const (
	fieldID         protowire.Number = 1
	fieldSenderName protowire.Number = 2
	fieldContent    protowire.Number = 3
	fieldOrigin     protowire.Number = 4
	fieldTimestamp  protowire.Number = 5
	fieldStatus     protowire.Number = 6
)

// MaxContentSize bounds the text of a single message.
const MaxContentSize = 64 * 1024

var (
	ErrEmptyPayload  = errors.New("empty payload")
	ErrMissingID     = errors.New("payload has no message id")
	ErrContentTooBig = errors.New("message content too large")
	ErrInvalidUTF8   = errors.New("message text is not valid utf-8")
)

// Encode serializes the full message record, origin and status
// included. Text the receiver would refuse to decode is refused here.
func Encode(m Message) ([]byte, error) {
	if len(m.Content) > MaxContentSize {
		return nil, ErrContentTooBig
	}
	if !utf8.ValidString(m.SenderName) || !utf8.ValidString(m.Content) {
		return nil, ErrInvalidUTF8
	}
	var b []byte
	b = protowire.AppendTag(b, fieldID, protowire.BytesType)
	b = protowire.AppendString(b, m.ID.String())
	b = protowire.AppendTag(b, fieldSenderName, protowire.BytesType)
	b = protowire.AppendString(b, m.SenderName)
	b = protowire.AppendTag(b, fieldContent, protowire.BytesType)
	b = protowire.AppendString(b, m.Content)
	b = protowire.AppendTag(b, fieldOrigin, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Origin))
	b = protowire.AppendTag(b, fieldTimestamp, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Timestamp.UnixNano()))
	b = protowire.AppendTag(b, fieldStatus, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Status))
	return b, nil
}

// Decode parses a payload produced by Encode. The returned message is
// the sender's view; receivers must not trust Origin or Status.
func Decode(data []byte) (Message, error) {
	if len(data) == 0 {
		return Message{}, ErrEmptyPayload
	}

	var (
		m     Message
		hasID bool
	)
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return Message{}, fmt.Errorf("decode tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == fieldID && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return Message{}, fmt.Errorf("decode id: %w", protowire.ParseError(n))
			}
			id, err := uuid.Parse(v)
			if err != nil {
				return Message{}, fmt.Errorf("decode id: %w", err)
			}
			m.ID, hasID = id, true
			data = data[n:]
		case num == fieldSenderName && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return Message{}, fmt.Errorf("decode sender: %w", protowire.ParseError(n))
			}
			m.SenderName = v
			data = data[n:]
		case num == fieldContent && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return Message{}, fmt.Errorf("decode content: %w", protowire.ParseError(n))
			}
			if len(v) > MaxContentSize {
				return Message{}, ErrContentTooBig
			}
			if !utf8.ValidString(v) {
				return Message{}, fmt.Errorf("decode content: %w", ErrInvalidUTF8)
			}
			m.Content = v
			data = data[n:]
		case num == fieldOrigin && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return Message{}, fmt.Errorf("decode origin: %w", protowire.ParseError(n))
			}
			m.Origin = Origin(v)
			data = data[n:]
		case num == fieldTimestamp && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return Message{}, fmt.Errorf("decode timestamp: %w", protowire.ParseError(n))
			}
			m.Timestamp = time.Unix(0, int64(v))
			data = data[n:]
		case num == fieldStatus && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return Message{}, fmt.Errorf("decode status: %w", protowire.ParseError(n))
			}
			m.Status = Status(v)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return Message{}, fmt.Errorf("skip field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}

	if !hasID {
		return Message{}, ErrMissingID
	}
	return m, nil
}
