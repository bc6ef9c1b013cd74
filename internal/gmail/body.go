package gmail

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"strings"

	"github.com/emersion/go-message/charset"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
	gmail "google.golang.org/api/gmail/v1"
)

const (
	mimeTextPlain = "text/plain"
	mimeTextHTML  = "text/html"
)

// extractBody applies the single-part > text/plain > text/html precedence.
func extractBody(payload *gmail.MessagePart) (string, error) {
	if payload == nil {
		return "", nil
	}

	if len(payload.Parts) == 0 && payload.Body != nil && payload.Body.Data != "" {
		text, err := decodePart(payload)
		if err != nil {
			return "", err
		}
		if mediaType(payload.MimeType) == mimeTextHTML {
			return HTMLToText(text), nil
		}
		return text, nil
	}

	if part := findBodyPart(payload, mimeTextPlain); part != nil {
		return decodePart(part)
	}
	if part := findBodyPart(payload, mimeTextHTML); part != nil {
		text, err := decodePart(part)
		if err != nil {
			return "", err
		}
		return HTMLToText(text), nil
	}
	return "", nil
}

// findBodyPart returns the first inline part of the given media type that
// carries data, searching nested parts depth first.
func findBodyPart(payload *gmail.MessagePart, want string) *gmail.MessagePart {
	var found *gmail.MessagePart
	for _, sub := range payload.Parts {
		walkParts(sub, func(p *gmail.MessagePart) bool {
			if p.Filename == "" && p.Body != nil && p.Body.Data != "" && mediaType(p.MimeType) == want {
				found = p
				return false
			}
			return true
		})
		if found != nil {
			break
		}
	}
	return found
}

func mediaType(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(contentType))
	}
	return mt
}

// decodePart decodes a part's body data and transcodes it to UTF-8 when the
// part declares another charset.
func decodePart(part *gmail.MessagePart) (string, error) {
	data, err := DecodeBase64URL(part.Body.Data)
	if err != nil {
		return "", err
	}

	cs := partCharset(part)
	if cs == "" || strings.EqualFold(cs, "utf-8") || strings.EqualFold(cs, "us-ascii") {
		return string(data), nil
	}
	r, err := charset.Reader(cs, bytes.NewReader(data))
	if err != nil {
		// Unknown charset: keep the bytes as they are.
		return string(data), nil
	}
	converted, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("transcoding %s body: %w", cs, err)
	}
	return string(converted), nil
}

func partCharset(part *gmail.MessagePart) string {
	for _, h := range part.Headers {
		if strings.EqualFold(h.Name, "Content-Type") {
			if _, params, err := mime.ParseMediaType(h.Value); err == nil {
				return params["charset"]
			}
		}
	}
	return ""
}

var base64URLReplacer = strings.NewReplacer("-", "+", "_", "/", "\r", "", "\n", "")

// DecodeBase64URL decodes Gmail's base64url body data. The URL alphabet is
// mapped onto the standard one and padding is optional.
func DecodeBase64URL(s string) ([]byte, error) {
	s = base64URLReplacer.Replace(strings.TrimSpace(s))
	s = strings.TrimRight(s, "=")
	data, err := base64.RawStdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decoding base64url body: %w", err)
	}
	return data, nil
}

var blockElements = map[atom.Atom]bool{
	atom.P: true, atom.Div: true, atom.Br: true, atom.Li: true, atom.Tr: true,
	atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true, atom.H5: true, atom.H6: true,
	atom.Table: true, atom.Blockquote: true, atom.Pre: true, atom.Hr: true,
}

// HTMLToText strips markup, keeping one line per block element. Script,
// style and head content is dropped.
func HTMLToText(src string) string {
	doc, err := html.Parse(strings.NewReader(src))
	if err != nil {
		return strings.TrimSpace(src)
	}

	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Script, atom.Style, atom.Head, atom.Noscript, atom.Iframe, atom.Template:
				return
			}
		}
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && blockElements[n.DataAtom] {
			b.WriteByte('\n')
		}
	}
	walk(doc)

	var lines []string
	for _, line := range strings.Split(b.String(), "\n") {
		if line = strings.Join(strings.Fields(line), " "); line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}
