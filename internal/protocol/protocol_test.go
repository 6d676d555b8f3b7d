package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyAddress(t *testing.T) {
	cases := map[string]ConversationKind{
		"972501234567@s.whatsapp.net": KindDirect,
		"120363000000000000@g.us":     KindGroup,
		"1700000000@broadcast":        KindBroadcast,
		"status@broadcast":            KindStatus,
		"":                            KindDirect,
	}
	for addr, want := range cases {
		assert.Equal(t, want, ClassifyAddress(addr), addr)
	}
}

func TestEventBodyPriority(t *testing.T) {
	assert.Equal(t, "plain", Event{Text: "plain", ExtendedText: "ext", Caption: "cap"}.Body())
	assert.Equal(t, "ext", Event{ExtendedText: "ext", Caption: "cap"}.Body())
	assert.Equal(t, "cap", Event{Caption: "cap"}.Body())
	assert.Empty(t, Event{}.Body())
}

func TestEventUser(t *testing.T) {
	assert.Equal(t, "972501234567", Event{Address: "972501234567@s.whatsapp.net"}.User())
	assert.Equal(t, "bare", Event{Address: "bare"}.User())
}

func TestCauseRoundTrip(t *testing.T) {
	for _, c := range []DisconnectCause{CauseConnectionLost, CauseLoggedOut, CauseReplaced, CauseLocalClose} {
		assert.Equal(t, c, ParseCause(c.String()))
	}
	assert.Equal(t, CauseUnknown, ParseCause("weird"))
}
