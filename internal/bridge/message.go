// Package bridge implements the message protocol and lifecycle state machine
// between a host application and the sandboxed captcha widget. The sandbox
// delivers opaque JSON strings; the controller turns them into at-most-one
// host callback per challenge cycle and enforces a client-side timeout so the
// host never waits forever on a silent widget.
package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ReasonTimeout is the error reason synthesized when no terminal message
// arrives within the configured timeout.
const ReasonTimeout = "timeout"

// Kind discriminates sandbox events.
type Kind int

const (
	// KindReady signals the widget finished initializing. Not a terminal event.
	KindReady Kind = iota
	// KindVerify carries the challenge token of a successful verification.
	KindVerify
	// KindExpired signals the completed challenge expired before use.
	KindExpired
	// KindError carries an error reason reported by the widget.
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindReady:
		return "ready"
	case KindVerify:
		return "verify"
	case KindExpired:
		return "expired"
	case KindError:
		return "error"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Event is one decoded sandbox message.
type Event struct {
	Kind Kind

	// Token is set for KindVerify.
	Token string

	// Reason is set for KindError.
	Reason string
}

// ErrNoRecognizedKey is returned for well-formed JSON that carries none of the
// protocol keys.
var ErrNoRecognizedKey = errors.New("no recognized message key")

// ErrAmbiguousMessage is returned when a message carries more than one
// protocol key. The protocol requires exactly one; such messages are treated
// as malformed.
var ErrAmbiguousMessage = errors.New("multiple recognized message keys")

// ParseMessage decodes one sandbox-to-host message. A valid message is a JSON
// object with exactly one of the keys "verify", "expired", "error", "onReady".
func ParseMessage(raw string) (Event, error) {
	var m struct {
		Verify  *string `json:"verify"`
		Expired *string `json:"expired"`
		Error   *string `json:"error"`
		OnReady *bool   `json:"onReady"`
	}
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return Event{}, fmt.Errorf("decode sandbox message: %w", err)
	}

	var (
		ev Event
		n  int
	)
	if m.OnReady != nil {
		ev = Event{Kind: KindReady}
		n++
	}
	if m.Verify != nil {
		ev = Event{Kind: KindVerify, Token: *m.Verify}
		n++
	}
	if m.Expired != nil {
		ev = Event{Kind: KindExpired}
		n++
	}
	if m.Error != nil {
		ev = Event{Kind: KindError, Reason: *m.Error}
		n++
	}

	switch n {
	case 0:
		return Event{}, ErrNoRecognizedKey
	case 1:
		return ev, nil
	default:
		return Event{}, fmt.Errorf("%w (%d present)", ErrAmbiguousMessage, n)
	}
}
