// Package protocol defines the JSON envelopes exchanged over the client
// WebSocket. Inbound envelopes form a closed set; anything that does not
// parse into one of the known kinds is rejected at the boundary.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Inbound envelope kinds.
const (
	KindInit   = "init"
	KindSend   = "send-message"
	KindLogout = "logout"
)

// Init requests session creation or reattachment for a fingerprint.
type Init struct {
	Fingerprint string
}

// Send requests delivery of a message through the backing client.
type Send struct {
	Target string
	Body   string
}

// Logout requests teardown of the connection's session.
type Logout struct{}

// Inbound is one of Init, Send or Logout.
type Inbound interface {
	kind() string
}

func (Init) kind() string   { return KindInit }
func (Send) kind() string   { return KindSend }
func (Logout) kind() string { return KindLogout }

// rawInbound is the wire shape before validation. The send-message envelope
// historically used phone/message; target/body are the preferred aliases and
// both are accepted.
type rawInbound struct {
	Type        string `json:"type"`
	Fingerprint string `json:"fingerprint"`
	Phone       string `json:"phone"`
	Target      string `json:"target"`
	Message     string `json:"message"`
	Body        string `json:"body"`
}

// ParseInbound decodes and validates a single inbound envelope.
func ParseInbound(data []byte) (Inbound, error) {
	var raw rawInbound
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("malformed envelope: %w", err)
	}

	switch raw.Type {
	case KindInit:
		fp := strings.TrimSpace(raw.Fingerprint)
		if fp == "" {
			return nil, fmt.Errorf("init requires a fingerprint")
		}
		return Init{Fingerprint: fp}, nil

	case KindSend:
		target := strings.TrimSpace(raw.Target)
		if target == "" {
			target = strings.TrimSpace(raw.Phone)
		}
		body := raw.Body
		if body == "" {
			body = raw.Message
		}
		if target == "" {
			return nil, fmt.Errorf("send-message requires a target")
		}
		if body == "" {
			return nil, fmt.Errorf("send-message requires a body")
		}
		return Send{Target: target, Body: body}, nil

	case KindLogout:
		return Logout{}, nil

	case "":
		return nil, fmt.Errorf("envelope missing type")

	default:
		return nil, fmt.Errorf("unknown envelope type: %s", raw.Type)
	}
}

// Outbound is a server-to-client envelope. Fields are omitted when empty so
// each kind carries only its own payload.
type Outbound struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
	QR      string `json:"qr,omitempty"`
	To      string `json:"to,omitempty"`
	Error   string `json:"error,omitempty"`
}

func Status(message string) Outbound {
	return Outbound{Type: "status", Message: message}
}

func QR(code string) Outbound {
	return Outbound{Type: "qr", QR: code}
}

func Ready(message string) Outbound {
	return Outbound{Type: "ready", Message: message}
}

func SessionCreated() Outbound {
	return Outbound{Type: "session-created"}
}

func SessionRestored() Outbound {
	return Outbound{Type: "session-restored"}
}

func MessageSent(to string) Outbound {
	return Outbound{Type: "message-sent", To: to}
}

func MessageError(err, to string) Outbound {
	return Outbound{Type: "message-error", Error: err, To: to}
}

func LoggedOut() Outbound {
	return Outbound{Type: "logged-out"}
}

func LogoutError(err string) Outbound {
	return Outbound{Type: "logout-error", Error: err}
}

func ErrorMessage(message string) Outbound {
	return Outbound{Type: "error", Message: message}
}
