package bridge

import (
	"strings"

	"webhookrelay/internal/protocol"
)

// Frame types exchanged with the sidecar, one JSON object per line.
const (
	frameHello   = "hello"
	frameAck     = "ack"
	frameState   = "state"
	frameCreds   = "creds"
	frameMessage = "message"
)

type frame struct {
	Type string `json:"type"`

	// hello and creds
	Credentials []byte `json:"credentials,omitempty"`
	// creds and ack
	Seq uint64 `json:"seq,omitempty"`

	// state
	State       string `json:"state,omitempty"`
	Cause       string `json:"cause,omitempty"`
	PairingCode string `json:"pairing_code,omitempty"`
	Error       string `json:"error,omitempty"`

	// message
	ID           string `json:"id,omitempty"`
	Chat         string `json:"chat,omitempty"`
	FromMe       bool   `json:"from_me,omitempty"`
	Kind         string `json:"kind,omitempty"`
	Text         string `json:"text,omitempty"`
	ExtendedText string `json:"extended_text,omitempty"`
	Caption      string `json:"caption,omitempty"`
	History      bool   `json:"history,omitempty"`
}

func parsePhase(v string) (protocol.Phase, bool) {
	switch strings.ToLower(v) {
	case "connecting":
		return protocol.PhaseConnecting, true
	case "pairing", "qr":
		return protocol.PhasePairing, true
	case "open":
		return protocol.PhaseOpen, true
	case "close", "closed":
		return protocol.PhaseClosed, true
	default:
		return 0, false
	}
}

func parseKind(v, chat string) protocol.ConversationKind {
	switch strings.ToLower(v) {
	case "group":
		return protocol.KindGroup
	case "broadcast":
		return protocol.KindBroadcast
	case "status":
		return protocol.KindStatus
	case "direct":
		return protocol.KindDirect
	default:
		return protocol.ClassifyAddress(chat)
	}
}

func (f frame) event() protocol.Event {
	return protocol.Event{
		ID:           f.ID,
		Address:      f.Chat,
		FromMe:       f.FromMe,
		Kind:         parseKind(f.Kind, f.Chat),
		Text:         f.Text,
		ExtendedText: f.ExtendedText,
		Caption:      f.Caption,
		Historical:   f.History,
	}
}
