package messaging

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/Nystya/two-phase-commit/domain"
	"google.golang.org/grpc/encoding"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

// CodecName is the gRPC content-subtype under which the wire codec is registered.
const CodecName = "twopc"

const frameDelimiter = '\n'

// Encode serializes a message as a single newline-terminated JSON frame.
func Encode(msg *domain.Message) []byte {
	data, err := json.Marshal(msg)
	if err != nil {
		// Message only holds strings and string slices.
		panic(fmt.Sprintf("encode %v: %v", msg.Kind, err))
	}

	return append(data, frameDelimiter)
}

// Decode parses exactly one frame produced by Encode.
func Decode(data []byte) (*domain.Message, error) {
	if len(data) == 0 {
		return nil, &domain.MalformedMessageError{Reason: "empty frame"}
	}

	dec := NewDecoder(bytes.NewReader(data))

	msg, err := dec.Next()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, &domain.MalformedMessageError{Reason: "empty frame"}
		}
		return nil, err
	}

	if _, err := dec.reader.Peek(1); err != io.EOF {
		return nil, &domain.MalformedMessageError{Reason: "trailing bytes after frame"}
	}

	return msg, nil
}

// Decoder reads successive frames from a stream.
type Decoder struct {
	reader *bufio.Reader
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{reader: bufio.NewReader(r)}
}

// Next returns the next message, io.EOF at a clean end of stream, or a
// MalformedMessageError for a truncated or invalid frame.
func (d *Decoder) Next() (*domain.Message, error) {
	line, err := d.reader.ReadBytes(frameDelimiter)
	if err == io.EOF {
		if len(line) == 0 {
			return nil, io.EOF
		}
		return nil, &domain.MalformedMessageError{Reason: "truncated frame"}
	}

	if err != nil {
		return nil, err
	}

	msg := &domain.Message{}
	if err := json.Unmarshal(line, msg); err != nil {
		return nil, &domain.MalformedMessageError{Reason: "invalid json", Err: err}
	}

	if err := validate(msg); err != nil {
		return nil, err
	}

	return msg, nil
}

func validate(msg *domain.Message) error {
	if msg.TxID == "" {
		return &domain.MalformedMessageError{Reason: "missing transaction id"}
	}

	if msg.Kind == "" {
		return &domain.MalformedMessageError{Reason: "missing kind"}
	}

	if !msg.Kind.Known() {
		return &domain.MalformedMessageError{Reason: fmt.Sprintf("unknown kind %q", msg.Kind)}
	}

	switch msg.Kind {
	case domain.KindPrepare:
		if err := msg.Payload.Validate(); err != nil {
			return &domain.MalformedMessageError{Reason: "PREPARE without a valid payload", Err: err}
		}
	case domain.KindStateResponse:
		if msg.State == "" {
			return &domain.MalformedMessageError{Reason: "STATE_RESPONSE without state"}
		}
	}

	return nil
}

// wireCodec lets gRPC carry protocol messages in the frame format above.
// Control-plane values travel as JSON, protobuf well-known types as protojson.
type wireCodec struct{}

func init() {
	encoding.RegisterCodec(wireCodec{})
}

func (wireCodec) Name() string {
	return CodecName
}

func (wireCodec) Marshal(v any) ([]byte, error) {
	switch m := v.(type) {
	case *domain.Message:
		if err := validate(m); err != nil {
			return nil, err
		}
		return Encode(m), nil
	case proto.Message:
		return protojson.Marshal(m)
	default:
		return json.Marshal(v)
	}
}

func (wireCodec) Unmarshal(data []byte, v any) error {
	switch m := v.(type) {
	case *domain.Message:
		msg, err := Decode(data)
		if err != nil {
			return err
		}
		*m = *msg
		return nil
	case proto.Message:
		return protojson.Unmarshal(data, m)
	default:
		if err := json.Unmarshal(data, v); err != nil {
			return &domain.MalformedMessageError{Reason: "invalid json", Err: err}
		}
		return nil
	}
}
