package mailbox

import (
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/emersion/go-message"

	// Register charset decoders (windows-1252, iso-8859-*, koi8-r, etc.)
	_ "github.com/emersion/go-message/charset"
)

const maxNesting = 16

// ExtractText walks the (possibly nested) MIME structure of raw and
// concatenates every text/plain part in document order. Multipart and
// encapsulated message/rfc822 parts are descended into; anything else is
// skipped. When no text/plain part exists, text/html parts are used with the
// markup stripped.
//
// Structural damage (unparsable header, truncated multipart) is reported as
// ErrBodyExtraction.
func ExtractText(raw []byte) (string, error) {
	entity, err := message.Read(bytes.NewReader(raw))
	if err = tolerable(err); err != nil {
		return "", fmt.Errorf("%w: %v", ErrBodyExtraction, err)
	}

	var w textWalker
	if err := w.walk(entity, 0); err != nil {
		return "", err
	}

	if w.plain.Len() == 0 && w.html.Len() > 0 {
		return stripHTML(w.html.String()), nil
	}
	return w.plain.String(), nil
}

type textWalker struct {
	plain strings.Builder
	html  strings.Builder
}

func (w *textWalker) walk(e *message.Entity, depth int) error {
	if depth > maxNesting {
		return fmt.Errorf("%w: nesting deeper than %d", ErrBodyExtraction, maxNesting)
	}

	mediaType := "text/plain"
	if e.Header.Get("Content-Type") != "" {
		t, _, err := e.Header.ContentType()
		if err != nil {
			return nil
		}
		mediaType = strings.ToLower(t)
	}

	switch {
	case strings.HasPrefix(mediaType, "multipart/"):
		mr := e.MultipartReader()
		if mr == nil {
			return nil
		}
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				return nil
			}
			if err = tolerable(err); err != nil {
				return fmt.Errorf("%w: %v", ErrBodyExtraction, err)
			}
			if err := w.walk(part, depth+1); err != nil {
				return err
			}
		}

	case mediaType == "message/rfc822":
		inner, err := message.Read(e.Body)
		if err = tolerable(err); err != nil {
			return fmt.Errorf("%w: encapsulated message: %v", ErrBodyExtraction, err)
		}
		return w.walk(inner, depth+1)

	case mediaType == "text/plain":
		return w.read(&w.plain, e.Body)

	case mediaType == "text/html":
		return w.read(&w.html, e.Body)
	}

	return nil
}

func (w *textWalker) read(dst *strings.Builder, body io.Reader) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("%w: read part: %v", ErrBodyExtraction, err)
	}
	dst.Write(data)
	return nil
}

// tolerable drops errors go-message reports while still returning a usable
// entity.
func tolerable(err error) error {
	if err == nil || message.IsUnknownCharset(err) || message.IsUnknownEncoding(err) {
		return nil
	}
	return err
}

var htmlTagPattern = regexp.MustCompile(`<[^>]*>`)

func stripHTML(html string) string {
	result := html
	for _, tag := range []string{"<br>", "<br/>", "<br />", "</p>", "</div>", "</li>"} {
		result = strings.ReplaceAll(result, tag, "\n")
	}
	result = htmlTagPattern.ReplaceAllString(result, "")

	replacer := strings.NewReplacer(
		"&amp;", "&",
		"&lt;", "<",
		"&gt;", ">",
		"&quot;", `"`,
		"&#39;", "'",
		"&nbsp;", " ",
	)
	return strings.TrimSpace(replacer.Replace(result))
}
