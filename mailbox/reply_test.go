package mailbox

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/DorsetProject/dorset-mailbot/model"
)

func TestReplySubject(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"What is the time?", "Re: What is the time?"},
		{"RE: What is the time?", "RE: What is the time?"},
		{"re: lower", "re: lower"},
		{"Re:no space", "Re:no space"},
		{"Fwd: Re: x", "Fwd: Re: x"},
		{"[list] RE: meeting", "[list] RE: meeting"},
		{"Fwd: x", "Re: Fwd: x"},
		{"", "Re: "},
		{"  padded  ", "Re: padded"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			require.Equal(t, tt.want, ReplySubject(tt.in))
		})
	}
}

func TestComposeReply(t *testing.T) {
	h := model.Handle{
		Folder:    model.Inbox,
		UID:       7,
		MessageID: "orig-1@example.com",
		From:      "Asker <asker@example.com>",
		Subject:   "What day is it?",
	}
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	reply, err := ComposeReply("Bot <bot@dorset.test>", h, "It is Friday.", now)
	require.NoError(t, err)
	require.Equal(t, "bot@dorset.test", reply.From)
	require.Equal(t, "asker@example.com", reply.To)
	require.True(t, strings.HasSuffix(reply.MessageID, "@dorset.test"))

	env := EnvelopeFromRaw(reply.Raw)
	require.Equal(t, "Re: What day is it?", env.Subject)
	require.Equal(t, reply.MessageID, env.MessageID)
	require.Contains(t, env.To, "asker@example.com")

	raw := string(reply.Raw)
	require.Contains(t, raw, "In-Reply-To: <orig-1@example.com>")
	require.Contains(t, raw, "Auto-Submitted: auto-replied")

	body, err := ExtractText(reply.Raw)
	require.NoError(t, err)
	require.Equal(t, "It is Friday.", body)
}

func TestComposeReply_PrefersReplyTo(t *testing.T) {
	h := model.Handle{
		From:    "asker@example.com",
		ReplyTo: "list@example.com",
		Subject: "time",
	}

	reply, err := ComposeReply("bot@dorset.test", h, "noon", time.Now())
	require.NoError(t, err)
	require.Equal(t, "list@example.com", reply.To)
}

func TestComposeReply_BadRecipient(t *testing.T) {
	for _, from := range []string{"not an address", "", "   "} {
		_, err := ComposeReply("bot@dorset.test", model.Handle{From: from}, "x", time.Now())
		require.ErrorIs(t, err, ErrUndeliverable, from)
	}
}

func TestComposeReply_BadSenderIsNotUndeliverable(t *testing.T) {
	_, err := ComposeReply("not an address", model.Handle{From: "asker@example.com"}, "x", time.Now())
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrUndeliverable)
}

func TestReplyAddress(t *testing.T) {
	addr, err := ReplyAddress(model.Handle{From: "Asker <asker@example.com>"})
	require.NoError(t, err)
	require.Equal(t, "asker@example.com", addr.Address)

	_, err = ReplyAddress(model.Handle{})
	require.ErrorIs(t, err, ErrUndeliverable)
}

func TestEnvelopeFromRaw(t *testing.T) {
	raw := crlf(`Message-ID: <abc@example.com>
From: Jane <jane@example.com>
Reply-To: help@example.com
To: bot@dorset.test, other@dorset.test
Subject: What is the date?
Date: Fri, 01 Mar 2024 10:00:00 +0000

body`)

	h := EnvelopeFromRaw(raw)
	require.Equal(t, "abc@example.com", h.MessageID)
	require.Equal(t, "What is the date?", h.Subject)
	require.Equal(t, []string{"bot@dorset.test", "other@dorset.test"}, h.To)
	require.Contains(t, h.From, "jane@example.com")
	require.Contains(t, h.ReplyTo, "help@example.com")
	require.Equal(t, 2024, h.Date.Year())
}

func TestEnvelopeFromRaw_AutoReply(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   bool
	}{
		{"plain", "From: a@example.com\nSubject: hi", false},
		{"auto submitted no", "From: a@example.com\nAuto-Submitted: no", false},
		{"auto replied", "From: a@example.com\nAuto-Submitted: auto-replied", true},
		{"bulk", "From: a@example.com\nPrecedence: bulk", true},
		{"bounce", "Return-Path: <>\nFrom: MAILER-DAEMON@example.com", true},
		{"vacation", "From: a@example.com\nX-Autoreply: yes", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := EnvelopeFromRaw(crlf(tt.header + "\n\nbody"))
			require.Equal(t, tt.want, h.AutoReply)
		})
	}
}
