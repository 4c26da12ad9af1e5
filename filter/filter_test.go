package filter

import (
	"testing"

	"github.com/DorsetProject/dorset-mailbot/model"
)

func TestFilter_Allows_IncludeMode(t *testing.T) {
	opts := Options{
		IncludeHeader: []string{"Subject: Test"},
	}
	f, err := New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	header := []byte("Subject: Test Message\nFrom: sender@example.com\n")
	body := []byte("This is the message body")

	if !f.Allows(header, body) {
		t.Error("Expected message to be allowed (header matches)")
	}

	headerNoMatch := []byte("Subject: Other\nFrom: sender@example.com\n")
	if f.Allows(headerNoMatch, body) {
		t.Error("Expected message to be filtered out (header doesn't match)")
	}
}

func TestFilter_Allows_ExcludeMode(t *testing.T) {
	opts := Options{
		ExcludeHeader: []string{"spam"},
	}
	f, err := New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	header := []byte("Subject: Normal Message\nFrom: sender@example.com\n")
	body := []byte("This is the message body")

	if !f.Allows(header, body) {
		t.Error("Expected message to be allowed (no spam)")
	}

	headerSpam := []byte("Subject: This is spam\nFrom: spammer@example.com\n")
	if f.Allows(headerSpam, body) {
		t.Error("Expected message to be filtered out (contains spam)")
	}
}

func TestFilter_MutuallyExclusive(t *testing.T) {
	opts := Options{
		IncludeHeader: []string{"test"},
		ExcludeHeader: []string{"spam"},
	}
	_, err := New(opts)
	if err == nil {
		t.Error("Expected error when both include and exclude are specified")
	}
}

func TestFilter_NoFilters(t *testing.T) {
	opts := Options{}
	f, err := New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	header := []byte("Subject: Any Message\n")
	body := []byte("Any body content")

	if !f.Allows(header, body) {
		t.Error("Expected message to be allowed when no filters are active")
	}
}

func TestFilter_BodyFiltering(t *testing.T) {
	opts := Options{
		IncludeBody: []string{"important"},
	}
	f, err := New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	header := []byte("Subject: Message\n")
	bodyMatch := []byte("This is an important message")
	bodyNoMatch := []byte("This is a regular message")

	if !f.Allows(header, bodyMatch) {
		t.Error("Expected message to be allowed (body matches)")
	}

	if f.Allows(header, bodyNoMatch) {
		t.Error("Expected message to be filtered out (body doesn't match)")
	}
}

func TestFilter_Check(t *testing.T) {
	f, err := New(Options{
		ExcludeHeader: []string{`(?i)^From: .*noreply@`},
		Self:          []string{"Bot <Bot@Dorset.test>"},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	tests := []struct {
		name   string
		handle model.Handle
		want   bool
		reason string
	}{
		{"question", model.Handle{From: "asker@example.com", Subject: "time?"}, true, ""},
		{"auto reply", model.Handle{From: "asker@example.com", AutoReply: true}, false, ReasonAutoReply},
		{"own address", model.Handle{From: "bot@dorset.test"}, false, ReasonSelf},
		{"pattern", model.Handle{From: "noreply@shop.example"}, false, ReasonPattern},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, reason := f.Check(tt.handle, "body")
			if ok != tt.want || reason != tt.reason {
				t.Errorf("Check() = (%v, %q), want (%v, %q)", ok, reason, tt.want, tt.reason)
			}
		})
	}
}

func TestFilter_AllowAutoReplies(t *testing.T) {
	f, err := New(Options{AllowAutoReplies: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if ok, _ := f.Check(model.Handle{From: "a@example.com", AutoReply: true}, ""); !ok {
		t.Error("Expected auto-reply to be allowed")
	}
}

func TestHeaderText(t *testing.T) {
	h := model.Handle{
		From:      "a@example.com",
		ReplyTo:   "b@example.com",
		To:        []string{"bot@dorset.test", "x@dorset.test"},
		Subject:   "What is the time?",
		MessageID: "id@example.com",
	}
	want := "From: a@example.com\nReply-To: b@example.com\nTo: bot@dorset.test, x@dorset.test\nSubject: What is the time?\nMessage-ID: <id@example.com>\n"
	if got := string(HeaderText(h)); got != want {
		t.Errorf("HeaderText() = %q, want %q", got, want)
	}
}

func TestNormalizeAddress(t *testing.T) {
	tests := map[string]string{
		"Bot <Bot@Dorset.test>":              "bot@dorset.test",
		" plain@example.com ":                "plain@example.com",
		`"Dorset, Bot" <bot@dorset.test>`:    "bot@dorset.test",
		"=?utf-8?q?D=C3=B6rset?= <b@d.test>": "b@d.test",
		"broken <Half@Example.com":           "broken <half@example.com",
		"":                                   "",
	}
	for in, want := range tests {
		if got := normalizeAddress(in); got != want {
			t.Errorf("normalizeAddress(%q) = %q, want %q", in, got, want)
		}
	}
}
