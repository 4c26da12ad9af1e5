package mailbox

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"

	"github.com/DorsetProject/dorset-mailbot/model"
)

// ReplySubject prefixes subject with "Re: " unless it already contains a
// reply marker anywhere, in any letter case.
func ReplySubject(subject string) string {
	trimmed := strings.TrimSpace(subject)
	upper := strings.ToUpper(trimmed)
	if strings.HasPrefix(upper, "RE:") || strings.Contains(upper, "RE: ") {
		return trimmed
	}
	return "Re: " + trimmed
}

// ReplyAddress returns the parsed address replies to h go to, or
// ErrUndeliverable when h carries none.
func ReplyAddress(h model.Handle) (*mail.Address, error) {
	raw := strings.TrimSpace(h.Recipient())
	if raw == "" {
		return nil, fmt.Errorf("%s: %w", h.Key(), ErrUndeliverable)
	}
	addr, err := mail.ParseAddress(raw)
	if err != nil || !strings.Contains(addr.Address, "@") {
		return nil, fmt.Errorf("%s: recipient %q: %w", h.Key(), raw, ErrUndeliverable)
	}
	return addr, nil
}

// ComposedReply is an outbound reply ready for submission.
type ComposedReply struct {
	From      string
	To        string
	MessageID string
	Raw       []byte
}

// ComposeReply builds a text/plain reply to h from the given sender address.
// A bad recipient yields ErrUndeliverable; a bad sender is a configuration
// error.
func ComposeReply(from string, h model.Handle, text string, now time.Time) (ComposedReply, error) {
	sender, err := mail.ParseAddress(from)
	if err != nil {
		return ComposedReply{}, fmt.Errorf("parse sender %q: %w", from, err)
	}
	recipient, err := ReplyAddress(h)
	if err != nil {
		return ComposedReply{}, err
	}

	messageID := fmt.Sprintf("%s@%s", uuid.NewString(), domainOf(sender.Address))

	var header mail.Header
	header.SetDate(now)
	header.SetAddressList("From", []*mail.Address{sender})
	header.SetAddressList("To", []*mail.Address{recipient})
	header.SetSubject(ReplySubject(h.Subject))
	header.SetMessageID(messageID)
	if h.MessageID != "" {
		header.Set("In-Reply-To", "<"+h.MessageID+">")
		header.Set("References", "<"+h.MessageID+">")
	}
	// RFC 3834, lets other responders recognise us and stay quiet.
	header.Set("Auto-Submitted", "auto-replied")
	header.SetContentType("text/plain", map[string]string{"charset": "utf-8"})

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, header)
	if err != nil {
		return ComposedReply{}, fmt.Errorf("create reply writer: %w", err)
	}
	if _, err := io.WriteString(w, text); err != nil {
		_ = w.Close()
		return ComposedReply{}, fmt.Errorf("write reply body: %w", err)
	}
	if err := w.Close(); err != nil {
		return ComposedReply{}, fmt.Errorf("close reply writer: %w", err)
	}

	return ComposedReply{
		From:      sender.Address,
		To:        recipient.Address,
		MessageID: messageID,
		Raw:       buf.Bytes(),
	}, nil
}

func domainOf(addr string) string {
	if at := strings.LastIndexByte(addr, '@'); at >= 0 && at < len(addr)-1 {
		return addr[at+1:]
	}
	return "localhost"
}

// EnvelopeFromRaw reads the envelope fields of a raw message into a handle
// template. Unparsable header fields are left empty.
func EnvelopeFromRaw(raw []byte) model.Handle {
	var h model.Handle

	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && mr == nil {
		return h
	}
	defer mr.Close()

	header := mr.Header
	if id, err := header.MessageID(); err == nil {
		h.MessageID = id
	}
	if subject, err := header.Subject(); err == nil {
		h.Subject = subject
	} else {
		h.Subject = header.Get("Subject")
	}
	if date, err := header.Date(); err == nil {
		h.Date = date
	}
	if from, err := header.AddressList("From"); err == nil && len(from) > 0 {
		h.From = from[0].String()
	}
	if replyTo, err := header.AddressList("Reply-To"); err == nil && len(replyTo) > 0 {
		h.ReplyTo = replyTo[0].String()
	}
	if to, err := header.AddressList("To"); err == nil {
		for _, addr := range to {
			h.To = append(h.To, addr.Address)
		}
	}
	h.AutoReply = isAutomated(header)
	return h
}

func isAutomated(header mail.Header) bool {
	if v := strings.ToLower(strings.TrimSpace(header.Get("Auto-Submitted"))); v != "" && v != "no" {
		return true
	}
	switch strings.ToLower(strings.TrimSpace(header.Get("Precedence"))) {
	case "bulk", "junk", "list", "auto_reply":
		return true
	}
	if header.Has("Return-Path") && strings.TrimSpace(header.Get("Return-Path")) == "<>" {
		return true
	}
	return header.Has("X-Autoreply") || header.Has("X-Autorespond")
}
