package protocol

import (
	"encoding/json"
	"fmt"
)

// Envelope is a frame whose type is known but whose body is not yet decoded.
type Envelope struct {
	Type string
	Raw  json.RawMessage
}

// DecodeEnvelope reads only the type tag of a frame and keeps the raw bytes.
//
// Postcondition: Returns ErrMissingType when the tag is absent or empty.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return Envelope{}, fmt.Errorf("decoding envelope: %w", err)
	}
	if head.Type == "" {
		return Envelope{}, ErrMissingType
	}
	return Envelope{Type: head.Type, Raw: append(json.RawMessage(nil), data...)}, nil
}

// Into decodes the envelope body into v.
func (e Envelope) Into(v any) error {
	return json.Unmarshal(e.Raw, v)
}

// Message is any value with a wire type tag. Every inbound and outbound
// message type implements it.
type Message interface {
	Type() string
}

// Encode marshals msg and stamps its type tag.
//
// Precondition: msg is a struct value or pointer whose Type method names its tag.
// Postcondition: Returns one JSON object with "type" as its first field.
func Encode(msg Message) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", msg.Type(), err)
	}
	tag, _ := json.Marshal(msg.Type())

	out := make([]byte, 0, len(body)+len(tag)+10)
	out = append(out, `{"type":`...)
	out = append(out, tag...)
	if len(body) > 2 {
		out = append(out, ',')
		out = append(out, body[1:]...)
	} else {
		out = append(out, '}')
	}
	return out, nil
}
