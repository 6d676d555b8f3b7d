package connection

import (
	"strings"

	"webhookrelay/internal/protocol"
)

// Drop reasons, reported as the "reason" attribute of the dropped counter.
const (
	DropGroup         = "group"
	DropBroadcast     = "broadcast"
	DropStatus        = "status"
	DropOwnMessage    = "own_message"
	DropHistorical    = "historical"
	DropNoText        = "no_text"
	DropNoSender      = "no_sender"
	DropRateLimited   = "rate_limited"
	DropEnqueueFailed = "enqueue_failed"
)

// Filter applies the inbound rules to ev. It returns the sender id and body
// of an accepted message, or the reason the message was dropped.
func Filter(ev protocol.Event) (sender, body, reason string) {
	kind := ev.Kind
	if kind == protocol.KindDirect {
		kind = protocol.ClassifyAddress(ev.Address)
	}
	switch kind {
	case protocol.KindGroup:
		return "", "", DropGroup
	case protocol.KindBroadcast:
		return "", "", DropBroadcast
	case protocol.KindStatus:
		return "", "", DropStatus
	}
	if ev.FromMe {
		return "", "", DropOwnMessage
	}
	if ev.Historical {
		return "", "", DropHistorical
	}
	body = ev.Body()
	if body == "" {
		return "", "", DropNoText
	}
	sender = strings.TrimSpace(ev.User())
	if sender == "" {
		return "", "", DropNoSender
	}
	return sender, body, ""
}
