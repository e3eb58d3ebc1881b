package nats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/agent-inbox/internal/model"
)

func TestSubjects(t *testing.T) {
	assert.Equal(t, "conv.c1.meta", MetaSubject("c1"))
	assert.Equal(t, "conv.c1.msg", MessageSubject("c1"))
	assert.Equal(t, "inbox.i1.conversations", InviteSubject("i1"))
	assert.Equal(t, "addr.0xabc", addressKey("0xabc"))
	assert.Equal(t, "inbox.i1", inboxKey("i1"))
	assert.Equal(t, "i1.group_id.c1", consentKey("i1", string(model.EntityGroupID), "c1"))
}

func TestConversationRecord(t *testing.T) {
	rec, err := decodeRecord([]byte(`{"id":"c1","kind":"dm","creator":"me","members":["me","peer"]}`))
	require.NoError(t, err)
	assert.Equal(t, model.KindDM, rec.Kind)
	assert.True(t, rec.hasMember("peer"))
	assert.False(t, rec.hasMember("stranger"))
	assert.Equal(t, "peer", rec.peerOf("me"))
	assert.Equal(t, "me", rec.peerOf("peer"))

	alone := conversationRecord{ID: "c2", Members: []string{"me"}}
	assert.Empty(t, alone.peerOf("me"))

	_, err = decodeRecord([]byte(`{"kind":"group"}`))
	assert.Error(t, err)
	_, err = decodeRecord([]byte(`not json`))
	assert.Error(t, err)
}

func TestDecodeMessage(t *testing.T) {
	stored := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	msg, err := decodeMessage([]byte(`{"id":"m1","sender_inbox_id":"peer","content":"hi"}`), stored)
	require.NoError(t, err)
	assert.Equal(t, model.ContentTypeText, msg.ContentType)
	assert.Equal(t, stored, msg.SentAt)

	msg, err = decodeMessage([]byte(`{"id":"m2","content_type":"reaction","sent_at_ns":1000000}`), stored)
	require.NoError(t, err)
	assert.Equal(t, model.ContentTypeReaction, msg.ContentType)
	assert.True(t, msg.SentAt.IsZero())
	ms, ok := msg.Timestamp()
	assert.True(t, ok)
	assert.Equal(t, int64(1), ms)
}

func TestNewMembers(t *testing.T) {
	assert.Equal(t, []string{"me", "a", "b"}, newMembers("me", []string{"a", "me", "", "b", "a"}))
}
