package mailbox

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func crlf(s string) []byte {
	return []byte(strings.ReplaceAll(s, "\n", "\r\n"))
}

func TestExtractText_PlainSingle(t *testing.T) {
	raw := crlf("From: a@example.com\nSubject: hi\nContent-Type: text/plain\n\nWhat is the time?\n")

	text, err := ExtractText(raw)
	require.NoError(t, err)
	require.Equal(t, "What is the time?\r\n", text)
}

func TestExtractText_NoContentTypeIsPlain(t *testing.T) {
	text, err := ExtractText(crlf("Subject: bare\n\nhello"))
	require.NoError(t, err)
	require.Equal(t, "hello", text)
}

func TestExtractText_MultipartAlternative(t *testing.T) {
	raw := crlf(`Subject: alt
MIME-Version: 1.0
Content-Type: multipart/alternative; boundary="b1"

--b1
Content-Type: text/plain

plain part
--b1
Content-Type: text/html

<p>html part</p>
--b1--
`)

	text, err := ExtractText(raw)
	require.NoError(t, err)
	require.Equal(t, "plain part", text)
}

func TestExtractText_NestedAndEncapsulated(t *testing.T) {
	raw := crlf(`Subject: nested
MIME-Version: 1.0
Content-Type: multipart/mixed; boundary="outer"

--outer
Content-Type: multipart/alternative; boundary="inner"

--inner
Content-Type: text/plain

first
--inner--
--outer
Content-Type: application/octet-stream

AAAA
--outer
Content-Type: message/rfc822

Subject: forwarded
Content-Type: text/plain

second
--outer--
`)

	text, err := ExtractText(raw)
	require.NoError(t, err)
	require.Contains(t, text, "first")
	require.Contains(t, text, "second")
	require.NotContains(t, text, "AAAA")
	require.Less(t, strings.Index(text, "first"), strings.Index(text, "second"))
}

func TestExtractText_HTMLFallback(t *testing.T) {
	raw := crlf(`Subject: html only
Content-Type: text/html

<div>What&#39;s the <b>date</b>?</div>`)

	text, err := ExtractText(raw)
	require.NoError(t, err)
	require.Equal(t, "What's the date?", text)
}

func TestExtractText_NoTextParts(t *testing.T) {
	raw := crlf(`Subject: attachment
Content-Type: multipart/mixed; boundary="b"

--b
Content-Type: image/png

xyz
--b--
`)

	text, err := ExtractText(raw)
	require.NoError(t, err)
	require.Empty(t, text)
}

func TestExtractText_GarbledMultipart(t *testing.T) {
	raw := crlf("Subject: broken\nContent-Type: multipart/mixed; boundary=\"XYZ\"\n\ngarbled-mime")

	_, err := ExtractText(raw)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrBodyExtraction), "got %v", err)
}
