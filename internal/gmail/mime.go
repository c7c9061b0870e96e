package gmail

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"mime"
	"mime/quotedprintable"
	"net/mail"
	"strings"

	gmailapi "google.golang.org/api/gmail/v1"
)

// ParseAddresses validates a list of recipients.
func ParseAddresses(addrs []string) ([]string, error) {
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		parsed, err := mail.ParseAddress(a)
		if err != nil {
			return nil, fmt.Errorf("invalid address %q", a)
		}
		out = append(out, parsed.String())
	}
	return out, nil
}

// buildRaw renders msg as an RFC 5322 message encoded as base64url.
func buildRaw(msg Outgoing, original *Message) (string, error) {
	to, err := ParseAddresses(msg.To)
	if err != nil {
		return "", err
	}
	if len(to) == 0 {
		return "", errors.New("at least one recipient is required")
	}
	cc, err := ParseAddresses(msg.Cc)
	if err != nil {
		return "", err
	}
	bcc, err := ParseAddresses(msg.Bcc)
	if err != nil {
		return "", err
	}

	subject := msg.Subject
	if original != nil && subject == "" {
		subject = original.Subject
		if !strings.HasPrefix(strings.ToLower(subject), "re:") {
			subject = "Re: " + subject
		}
	}

	var buf bytes.Buffer
	writeHeader(&buf, "To", strings.Join(to, ", "))
	if len(cc) > 0 {
		writeHeader(&buf, "Cc", strings.Join(cc, ", "))
	}
	if len(bcc) > 0 {
		writeHeader(&buf, "Bcc", strings.Join(bcc, ", "))
	}
	writeHeader(&buf, "Subject", mime.QEncoding.Encode("utf-8", subject))
	if original != nil && original.MessageIDHeader != "" {
		writeHeader(&buf, "In-Reply-To", original.MessageIDHeader)
		refs := strings.TrimSpace(original.References + " " + original.MessageIDHeader)
		writeHeader(&buf, "References", refs)
	}
	writeHeader(&buf, "MIME-Version", "1.0")
	ctype := "text/plain"
	if msg.HTML {
		ctype = "text/html"
	}
	writeHeader(&buf, "Content-Type", ctype+`; charset="UTF-8"`)
	writeHeader(&buf, "Content-Transfer-Encoding", "quoted-printable")
	buf.WriteString("\r\n")

	qp := quotedprintable.NewWriter(&buf)
	if _, err := qp.Write([]byte(msg.Body)); err != nil {
		return "", err
	}
	if err := qp.Close(); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(buf.Bytes()), nil
}

func writeHeader(buf *bytes.Buffer, name, value string) {
	value = strings.NewReplacer("\r", "", "\n", "").Replace(value)
	buf.WriteString(name)
	buf.WriteString(": ")
	buf.WriteString(value)
	buf.WriteString("\r\n")
}

func parseMessage(m *gmailapi.Message) *Message {
	if m == nil {
		return &Message{}
	}
	out := &Message{
		ID:       m.Id,
		ThreadID: m.ThreadId,
		Snippet:  m.Snippet,
		LabelIDs: m.LabelIds,
	}
	if m.Payload == nil {
		return out
	}
	for _, h := range m.Payload.Headers {
		switch strings.ToLower(h.Name) {
		case "from":
			out.From = h.Value
		case "to":
			out.To = h.Value
		case "cc":
			out.Cc = h.Value
		case "subject":
			out.Subject = h.Value
		case "date":
			out.Date = h.Value
		case "message-id":
			out.MessageIDHeader = h.Value
		case "references":
			out.References = h.Value
		}
	}
	out.Body = extractBody(m.Payload)
	return out
}

// extractBody prefers text/plain, then text/html, searching nested parts.
func extractBody(p *gmailapi.MessagePart) string {
	if text := findPart(p, "text/plain"); text != "" {
		return text
	}
	return findPart(p, "text/html")
}

func findPart(p *gmailapi.MessagePart, mimeType string) string {
	if p == nil {
		return ""
	}
	if strings.HasPrefix(p.MimeType, mimeType) && p.Body != nil && p.Body.Data != "" && p.Filename == "" {
		return decodeData(p.Body.Data)
	}
	for _, part := range p.Parts {
		if s := findPart(part, mimeType); s != "" {
			return s
		}
	}
	return ""
}

// decodeData decodes base64url with or without padding.
func decodeData(s string) string {
	b, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
	if err != nil {
		return ""
	}
	return string(b)
}
