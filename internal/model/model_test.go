package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRoleOf(t *testing.T) {
	msg := Message{ID: "m1", SenderInboxID: "me"}
	assert.Equal(t, RoleUser, RoleOf(msg, "me"))
	assert.Equal(t, RoleAssistant, RoleOf(msg, "someone-else"))
}

func TestMessageIsText(t *testing.T) {
	tests := []struct {
		contentType ContentType
		want        bool
	}{
		{ContentTypeText, true},
		{ContentTypeMarkdown, true},
		{ContentTypeReaction, false},
		{ContentTypeReadReceipt, false},
		{ContentTypeRemoteAttachment, false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(string(tt.contentType), func(t *testing.T) {
			assert.Equal(t, tt.want, Message{ContentType: tt.contentType}.IsText())
		})
	}
}

func TestMessageTimestamp(t *testing.T) {
	sent := time.UnixMilli(1_700_000_000_123)

	ms, ok := Message{SentAt: sent}.Timestamp()
	assert.True(t, ok)
	assert.Equal(t, int64(1_700_000_000_123), ms)

	ms, ok = Message{SentAtNs: 1_700_000_000_123_456_789}.Timestamp()
	assert.True(t, ok)
	assert.Equal(t, int64(1_700_000_000_123), ms)

	_, ok = Message{}.Timestamp()
	assert.False(t, ok)
}

func TestDisplayName(t *testing.T) {
	longID := "0123456789abcdefghijklmnopqrstuv"

	assert.Equal(t, "Research", DisplayName(longID, KindGroup, "Research", "Agent Group"))
	assert.Equal(t, "0123456789...qrstuv", DisplayName(longID, KindGroup, "Agent Group", "Agent Group"))
	assert.Equal(t, "0123456789...qrstuv", DisplayName(longID, KindGroup, "", "Agent Group"))
	assert.Equal(t, "short-id", DisplayName("short-id", KindDM, "ignored", "Agent Group"))
}

func TestParseConsentState(t *testing.T) {
	assert.Equal(t, ConsentAllowed, ParseConsentState("Allowed"))
	assert.Equal(t, ConsentDenied, ParseConsentState(" denied "))
	assert.Equal(t, ConsentUnknown, ParseConsentState("maybe"))
}

func TestMemberAddresses(t *testing.T) {
	m := Member{
		InboxID: "inbox-1",
		Identities: []Identity{
			{Identifier: "0xABCDEF", Kind: IdentifierEthereum},
			{Identifier: "passkey", Kind: "passkey"},
		},
	}
	assert.Equal(t, []string{"0xabcdef"}, m.Addresses())
}
