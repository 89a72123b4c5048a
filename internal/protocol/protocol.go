package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/luciancaetano/kephaschat"
)

const (
	maxPayloadSize = 10 * 1024 * 1024 // 10MB max payload size
)

// ErrMalformed is returned by Decode when a frame is not a JSON object.
var ErrMalformed = errors.New("malformed message")

// Kind classifies an inbound request.
type Kind int

const (
	// KindIgnored is any request the relay does not act on.
	KindIgnored Kind = iota
	// KindLogin claims a nickname.
	KindLogin
	// KindChat carries chat text.
	KindChat
)

func (k Kind) String() string {
	switch k {
	case KindLogin:
		return "login"
	case KindChat:
		return "chat"
	default:
		return "ignored"
	}
}

// Request is one decoded inbound frame. Unknown fields are ignored, and
// type and nickname values that are not strings count as absent.
type Request struct {
	Type     string
	Nickname string
	Content  string
	Message  string

	// content or message held a value that is not a string
	badContent bool
	badMessage bool
}

// Kind reports what the request asks for. A login or join type wins; a
// message type or any content makes it chat.
func (r Request) Kind() Kind {
	switch {
	case r.Type == kephaschat.TypeLogin || r.Type == kephaschat.TypeJoin:
		return KindLogin
	case r.Type == kephaschat.TypeMessage || r.Content != "" || r.badContent:
		return KindChat
	default:
		return KindIgnored
	}
}

// Text returns the chat text trimmed of surrounding whitespace. Content is
// preferred; the message field is the fallback. ok is false when the chosen
// field is not a string.
func (r Request) Text() (text string, ok bool) {
	switch {
	case r.Content != "":
		text = r.Content
	case r.badContent, r.badMessage:
		return "", false
	default:
		text = r.Message
	}
	return strings.TrimSpace(text), true
}

// Decode parses one inbound frame. Only a frame that is not a JSON object is
// malformed.
func Decode(data []byte) (Request, error) {
	if len(data) > maxPayloadSize {
		return Request{}, fmt.Errorf("%w: payload size %d exceeds maximum %d bytes", ErrMalformed, len(data), maxPayloadSize)
	}

	// null and non-object values would decode without error otherwise
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Request{}, fmt.Errorf("%w: not a JSON object", ErrMalformed)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	req := Request{}
	req.Type, _ = stringField(fields["type"])
	req.Nickname, _ = stringField(fields["nickname"])

	var ok bool
	req.Content, ok = stringField(fields["content"])
	req.badContent = !ok
	req.Message, ok = stringField(fields["message"])
	req.badMessage = !ok

	return req, nil
}

// stringField decodes raw as a string. A missing or null value is "", true;
// any other non-string value is "", false.
func stringField(raw json.RawMessage) (string, bool) {
	if raw == nil {
		return "", true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// Encode serializes an envelope into a single text frame.
func Encode(env Envelope) ([]byte, error) {
	out, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", env.EnvelopeType(), err)
	}
	if len(out) > maxPayloadSize {
		return nil, fmt.Errorf("payload size %d exceeds maximum %d bytes", len(out), maxPayloadSize)
	}
	return out, nil
}
