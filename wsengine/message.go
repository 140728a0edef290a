package wsengine

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"unicode/utf8"
)

// Message is a complete, reassembled text or binary message delivered upward.
// Peer is set only on the server side.
type Message struct {
	Type    Opcode
	Payload []byte
	Peer    *PeerAddr
}

// MessageHandler receives every complete message in delivery order
type MessageHandler func(Message)

// messageEnvelope is the JSON form printed by the CLI in --json mode
type messageEnvelope struct {
	Type     string `json:"type"`
	Peer     string `json:"peer,omitempty"`
	Encoding string `json:"encoding"`
	Data     string `json:"data"`
}

// MarshalJSON renders text payloads verbatim and binary payloads as base64
func (m Message) MarshalJSON() ([]byte, error) {
	env := messageEnvelope{Type: m.Type.String(), Encoding: "utf8", Data: string(m.Payload)}
	if m.Peer != nil {
		env.Peer = m.Peer.String()
	}
	if m.Type == OpBinary || !utf8.Valid(m.Payload) {
		env.Encoding = "base64"
		env.Data = base64.StdEncoding.EncodeToString(m.Payload)
	}
	return json.Marshal(env)
}

// UnmarshalJSON parses the envelope produced by MarshalJSON
func (m *Message) UnmarshalJSON(data []byte) error {
	var env messageEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("failed to parse message envelope: %w", err)
	}

	switch env.Type {
	case "text":
		m.Type = OpText
	case "binary":
		m.Type = OpBinary
	default:
		return fmt.Errorf("unknown message type: %s", env.Type)
	}

	switch env.Encoding {
	case "utf8", "":
		m.Payload = []byte(env.Data)
	case "base64":
		payload, err := base64.StdEncoding.DecodeString(env.Data)
		if err != nil {
			return fmt.Errorf("failed to decode message data: %w", err)
		}
		m.Payload = payload
	default:
		return fmt.Errorf("unknown message encoding: %s", env.Encoding)
	}

	m.Peer = nil
	if env.Peer != "" {
		addr, err := ParsePeerAddr(env.Peer)
		if err != nil {
			return err
		}
		m.Peer = &addr
	}
	return nil
}
