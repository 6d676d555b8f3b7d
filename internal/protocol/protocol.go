// Package protocol describes the chat-protocol session the relay consumes.
// Implementations own the wire protocol, encryption and device pairing; the
// relay only sees credentials, connection state changes and inbound messages.
package protocol

import (
	"context"
	"strings"
)

// Credentials is opaque authentication material produced by the protocol
// implementation. It must be persisted whenever it changes.
type Credentials []byte

// Phase is the session-level connection phase reported by a Session.
type Phase int

const (
	PhaseConnecting Phase = iota
	// PhasePairing means the session waits for a human to scan a pairing code.
	PhasePairing
	PhaseOpen
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseConnecting:
		return "connecting"
	case PhasePairing:
		return "pairing"
	case PhaseOpen:
		return "open"
	case PhaseClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// DisconnectCause qualifies a PhaseClosed state change.
type DisconnectCause int

const (
	CauseUnknown DisconnectCause = iota
	CauseConnectionLost
	// CauseLoggedOut means the remote end invalidated the credentials.
	CauseLoggedOut
	// CauseReplaced means another client took over the session.
	CauseReplaced
	// CauseLocalClose means Close was called on this side.
	CauseLocalClose
)

func (c DisconnectCause) String() string {
	switch c {
	case CauseConnectionLost:
		return "connection_lost"
	case CauseLoggedOut:
		return "logged_out"
	case CauseReplaced:
		return "replaced"
	case CauseLocalClose:
		return "local_close"
	default:
		return "unknown"
	}
}

// ParseCause maps a wire name back to a DisconnectCause.
func ParseCause(v string) DisconnectCause {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "connection_lost":
		return CauseConnectionLost
	case "logged_out":
		return CauseLoggedOut
	case "replaced":
		return CauseReplaced
	case "local_close":
		return CauseLocalClose
	default:
		return CauseUnknown
	}
}

// StateChange is emitted on every phase transition.
type StateChange struct {
	Phase       Phase
	Cause       DisconnectCause
	PairingCode string
	Err         error
}

// ConversationKind classifies the conversation a message belongs to.
type ConversationKind int

const (
	KindDirect ConversationKind = iota
	KindGroup
	KindBroadcast
	KindStatus
)

const (
	groupSuffix     = "@g.us"
	broadcastSuffix = "@broadcast"
	statusAddress   = "status@broadcast"
)

// ClassifyAddress derives the conversation kind from an address.
func ClassifyAddress(address string) ConversationKind {
	switch {
	case address == statusAddress:
		return KindStatus
	case strings.HasSuffix(address, groupSuffix):
		return KindGroup
	case strings.HasSuffix(address, broadcastSuffix):
		return KindBroadcast
	default:
		return KindDirect
	}
}

// Event is one inbound message.
type Event struct {
	ID           string
	Address      string
	FromMe       bool
	Kind         ConversationKind
	Text         string
	ExtendedText string
	Caption      string
	// Historical marks messages replayed from history sync rather than received live.
	Historical bool
}

// Body returns the first non-empty of Text, ExtendedText and Caption.
func (e Event) Body() string {
	for _, v := range []string{e.Text, e.ExtendedText, e.Caption} {
		if v != "" {
			return v
		}
	}
	return ""
}

// User returns the part of Address before the domain separator.
func (e Event) User() string {
	user, _, _ := strings.Cut(e.Address, "@")
	return user
}

// Subscription is returned by every On* registration. After Release
// returns, the handler is never invoked again. Release must not be called
// from inside the handler it releases.
type Subscription interface {
	Release()
}

// Session is one connected protocol client.
type Session interface {
	// OnCredentials registers the credential sink. The session acknowledges
	// an update only after the handler returns nil.
	OnCredentials(func(Credentials) error) Subscription
	OnState(func(StateChange)) Subscription
	// OnMessage handlers are invoked sequentially in arrival order.
	OnMessage(func(Event)) Subscription
	// Close is idempotent.
	Close() error
}

// Dialer opens sessions. Empty credentials start a fresh pairing.
type Dialer interface {
	Dial(ctx context.Context, creds Credentials) (Session, error)
}
