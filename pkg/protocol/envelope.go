package protocol

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"
)

// Wire discriminator values for the "type" field. These match the
// legacy clients, which is why they don't follow Go naming.
const (
	KindIdentity  = "user_info"
	KindChatText  = "text"
	KindChatImage = "image"
	KindSystem    = "system"
)

// Envelope is the typed message carried inside one frame's payload.
// The closed set of implementations is PlainText, Identity, ChatText,
// ChatImage and System.
type Envelope interface {
	Kind() string
}

// PlainText is a bare, untagged message from a legacy sender. It has no
// sender identity and serializes as raw UTF-8 with no JSON wrapper.
type PlainText struct {
	Body string
}

func (PlainText) Kind() string { return "plain" }

// Identity announces or updates a session's display name and avatar.
// It is never broadcast verbatim; the server answers with notices.
type Identity struct {
	Username string
	Avatar   []byte
}

func (Identity) Kind() string { return KindIdentity }

// ChatText is an identity-carrying chat message.
type ChatText struct {
	Username  string
	Body      string
	Avatar    []byte
	Timestamp string
}

func (ChatText) Kind() string { return KindChatText }

// ChatImage carries one image transfer. Data holds the raw image bytes;
// the JSON codec represents them as base64 text on the wire.
type ChatImage struct {
	Username  string
	Filename  string
	Size      int64
	Data      []byte
	Avatar    []byte
	Timestamp string
}

func (ChatImage) Kind() string { return KindChatImage }

// System is a server-generated notice (join/leave/errors/command
// replies). Clients never originate it.
type System struct {
	Body      string
	Timestamp string
}

func (System) Kind() string { return KindSystem }

// wireEnvelope is the self-describing JSON record shared by all tagged
// kinds. []byte fields marshal as base64 strings, matching the legacy
// wire format.
type wireEnvelope struct {
	Type      string `json:"type"`
	Username  string `json:"username,omitempty"`
	Message   string `json:"message,omitempty"`
	Filename  string `json:"filename,omitempty"`
	Size      int64  `json:"size,omitempty"`
	Data      []byte `json:"data,omitempty"`
	Avatar    []byte `json:"avatar,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// Parse decodes one frame payload into an Envelope. Structured decoding
// is attempted first; anything that is not a recognized JSON envelope
// falls back to PlainText. The fallback is deliberate compatibility
// behavior for bare, non-enveloped senders, not an error path.
func Parse(payload []byte) Envelope {
	var w wireEnvelope
	if err := json.Unmarshal(payload, &w); err != nil {
		return PlainText{Body: decodeText(payload)}
	}

	switch w.Type {
	case KindIdentity:
		return Identity{Username: w.Username, Avatar: w.Avatar}
	case KindChatText:
		return ChatText{Username: w.Username, Body: w.Message, Avatar: w.Avatar, Timestamp: w.Timestamp}
	case KindChatImage:
		return ChatImage{
			Username:  w.Username,
			Filename:  w.Filename,
			Size:      w.Size,
			Data:      w.Data,
			Avatar:    w.Avatar,
			Timestamp: w.Timestamp,
		}
	case KindSystem:
		return System{Body: w.Message, Timestamp: w.Timestamp}
	default:
		// Valid JSON but not one of ours; treat like any other bare text.
		return PlainText{Body: decodeText(payload)}
	}
}

// Serialize is the inverse of Parse for all tagged kinds. PlainText
// serializes to its raw UTF-8 bytes; the frame codec supplies the only
// framing metadata it gets.
func Serialize(e Envelope) ([]byte, error) {
	switch m := e.(type) {
	case PlainText:
		return []byte(m.Body), nil
	case Identity:
		return json.Marshal(wireEnvelope{Type: KindIdentity, Username: m.Username, Avatar: m.Avatar})
	case ChatText:
		return json.Marshal(wireEnvelope{
			Type:      KindChatText,
			Username:  m.Username,
			Message:   m.Body,
			Avatar:    m.Avatar,
			Timestamp: m.Timestamp,
		})
	case ChatImage:
		return json.Marshal(wireEnvelope{
			Type:      KindChatImage,
			Username:  m.Username,
			Filename:  m.Filename,
			Size:      m.Size,
			Data:      m.Data,
			Avatar:    m.Avatar,
			Timestamp: m.Timestamp,
		})
	case System:
		return json.Marshal(wireEnvelope{Type: KindSystem, Message: m.Body, Timestamp: m.Timestamp})
	default:
		return nil, fmt.Errorf("unknown envelope type %T", e)
	}
}

// decodeText interprets payload bytes as UTF-8 text, replacing invalid
// sequences so a misbehaving peer can't smuggle broken strings inward.
func decodeText(payload []byte) string {
	if utf8.Valid(payload) {
		return string(payload)
	}
	return string([]rune(string(payload)))
}
