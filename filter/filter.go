// Package filter is the loop guard in front of the responder: messages it
// rejects are filed to the Error folder without a reply.
package filter

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/emersion/go-message/mail"

	"github.com/DorsetProject/dorset-mailbot/model"
)

// Options captures the filtering configuration.
type Options struct {
	IncludeHeader []string
	IncludeBody   []string
	ExcludeHeader []string
	ExcludeBody   []string

	// AllowAutoReplies lets machine generated mail through. By default it
	// is rejected so two responders cannot answer each other forever.
	AllowAutoReplies bool

	// Self lists our own addresses; mail from them is always rejected.
	Self []string
}

// Rejection reasons returned by Check.
const (
	ReasonAutoReply = "auto-reply"
	ReasonSelf      = "own address"
	ReasonPattern   = "pattern"
)

// Filter holds compiled regex patterns for filtering messages.
type Filter struct {
	includeMode    bool
	excludeMode    bool
	includeHeader  []*regexp.Regexp
	includeBody    []*regexp.Regexp
	excludeHeader  []*regexp.Regexp
	excludeBody    []*regexp.Regexp
	needHeaderText bool
	needBodyText   bool
	autoReplies    bool
	self           map[string]struct{}
}

// New creates a new Filter from the provided options.
func New(opts Options) (*Filter, error) {
	includeHeader, err := compilePatterns(opts.IncludeHeader)
	if err != nil {
		return nil, fmt.Errorf("compile include-header pattern: %w", err)
	}
	includeBody, err := compilePatterns(opts.IncludeBody)
	if err != nil {
		return nil, fmt.Errorf("compile include-body pattern: %w", err)
	}
	excludeHeader, err := compilePatterns(opts.ExcludeHeader)
	if err != nil {
		return nil, fmt.Errorf("compile exclude-header pattern: %w", err)
	}
	excludeBody, err := compilePatterns(opts.ExcludeBody)
	if err != nil {
		return nil, fmt.Errorf("compile exclude-body pattern: %w", err)
	}

	includeActive := len(includeHeader) > 0 || len(includeBody) > 0
	excludeActive := len(excludeHeader) > 0 || len(excludeBody) > 0
	if includeActive && excludeActive {
		return nil, fmt.Errorf("include and exclude filters are mutually exclusive")
	}

	self := make(map[string]struct{}, len(opts.Self))
	for _, addr := range opts.Self {
		if addr = normalizeAddress(addr); addr != "" {
			self[addr] = struct{}{}
		}
	}

	return &Filter{
		autoReplies:    opts.AllowAutoReplies,
		self:           self,
		includeMode:    includeActive,
		excludeMode:    excludeActive,
		includeHeader:  includeHeader,
		includeBody:    includeBody,
		excludeHeader:  excludeHeader,
		excludeBody:    excludeBody,
		needHeaderText: len(includeHeader) > 0 || len(excludeHeader) > 0,
		needBodyText:   len(includeBody) > 0 || len(excludeBody) > 0,
	}, nil
}

// Allows returns true if the message passes the filter criteria.
func (f *Filter) Allows(header, body []byte) bool {
	var headerText, bodyText string
	if f.needHeaderText {
		headerText = string(header)
	}
	if f.needBodyText {
		bodyText = string(body)
	}

	if f.includeMode {
		matched := matchAny(f.includeHeader, headerText) || matchAny(f.includeBody, bodyText)
		return matched
	}

	if f.excludeMode {
		if matchAny(f.excludeHeader, headerText) || matchAny(f.excludeBody, bodyText) {
			return false
		}
	}

	return true
}

// Check decides whether the message behind h may be answered. When it may
// not, reason says why.
func (f *Filter) Check(h model.Handle, body string) (ok bool, reason string) {
	if h.AutoReply && !f.autoReplies {
		return false, ReasonAutoReply
	}
	if _, mine := f.self[normalizeAddress(h.From)]; mine {
		return false, ReasonSelf
	}
	if !f.Allows(HeaderText(h), []byte(body)) {
		return false, ReasonPattern
	}
	return true, ""
}

// HeaderText renders the envelope fields of h as header lines for pattern
// matching.
func HeaderText(h model.Handle) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\n", h.From)
	if h.ReplyTo != "" {
		fmt.Fprintf(&b, "Reply-To: %s\n", h.ReplyTo)
	}
	if len(h.To) > 0 {
		fmt.Fprintf(&b, "To: %s\n", strings.Join(h.To, ", "))
	}
	fmt.Fprintf(&b, "Subject: %s\n", h.Subject)
	if h.MessageID != "" {
		fmt.Fprintf(&b, "Message-ID: <%s>\n", h.MessageID)
	}
	return []byte(b.String())
}

// normalizeAddress reduces "Name <user@host>" to "user@host" in lower case.
func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if parsed, err := mail.ParseAddress(addr); err == nil {
		return strings.ToLower(parsed.Address)
	}
	if start := strings.LastIndexByte(addr, '<'); start >= 0 {
		if end := strings.IndexByte(addr[start:], '>'); end > 0 {
			addr = addr[start+1 : start+end]
		}
	}
	return strings.ToLower(strings.TrimSpace(addr))
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compile %q: %w", pattern, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

func matchAny(patterns []*regexp.Regexp, text string) bool {
	if len(patterns) == 0 {
		return false
	}
	for _, re := range patterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}
