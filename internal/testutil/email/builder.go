// Package email provides test helpers for constructing raw MIME messages
// and mbox streams.
package email

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// MessageBuilder constructs MIME messages with a fluent API.
// By default, messages use \n line endings matching Go raw string literals.
type MessageBuilder struct {
	from        string
	to          string
	cc          string
	subject     string
	date        string
	messageID   string
	inReplyTo   string
	references  string
	contentType string
	body        string
	headerKeys  []string
	headerVals  []string
	attachments []attachment
	boundary    string
	crlf        bool
}

type attachment struct {
	filename    string
	contentType string
	data        []byte
}

// NewMessage creates a MessageBuilder with sensible defaults.
func NewMessage() *MessageBuilder {
	return &MessageBuilder{
		from:     "sender@example.com",
		to:       "recipient@example.com",
		date:     "Mon, 01 May 2023 12:00:00 +0000",
		subject:  "Test Message",
		body:     "This is a test message body.",
		boundary: "boundary123",
	}
}

// From sets the From header.
func (b *MessageBuilder) From(v string) *MessageBuilder { b.from = v; return b }

// To sets the To header.
func (b *MessageBuilder) To(v string) *MessageBuilder { b.to = v; return b }

// Cc sets the Cc header.
func (b *MessageBuilder) Cc(v string) *MessageBuilder { b.cc = v; return b }

// Subject sets the Subject header.
func (b *MessageBuilder) Subject(v string) *MessageBuilder { b.subject = v; return b }

// Date sets the Date header.
func (b *MessageBuilder) Date(v string) *MessageBuilder { b.date = v; return b }

// MessageID sets the Message-ID header (angle brackets added).
func (b *MessageBuilder) MessageID(v string) *MessageBuilder { b.messageID = v; return b }

// InReplyTo sets the In-Reply-To header (angle brackets added).
func (b *MessageBuilder) InReplyTo(v string) *MessageBuilder { b.inReplyTo = v; return b }

// References sets the References header verbatim.
func (b *MessageBuilder) References(v string) *MessageBuilder { b.references = v; return b }

// ContentType overrides the Content-Type header (for non-multipart messages).
func (b *MessageBuilder) ContentType(v string) *MessageBuilder { b.contentType = v; return b }

// Body sets the message body text.
func (b *MessageBuilder) Body(v string) *MessageBuilder { b.body = v; return b }

// Header adds an arbitrary header.
func (b *MessageBuilder) Header(key, value string) *MessageBuilder {
	b.headerKeys = append(b.headerKeys, key)
	b.headerVals = append(b.headerVals, value)
	return b
}

// WithAttachment adds an attachment to the message.
func (b *MessageBuilder) WithAttachment(filename, contentType string, data []byte) *MessageBuilder {
	b.attachments = append(b.attachments, attachment{filename, contentType, data})
	return b
}

// CRLF switches to \r\n line endings (RFC 2822 compliant).
func (b *MessageBuilder) CRLF() *MessageBuilder { b.crlf = true; return b }

// Bytes builds the complete MIME message.
func (b *MessageBuilder) Bytes() []byte {
	nl := "\n"
	if b.crlf {
		nl = "\r\n"
	}

	var s strings.Builder

	s.WriteString("From: " + b.from + nl)
	s.WriteString("To: " + b.to + nl)
	if b.cc != "" {
		s.WriteString("Cc: " + b.cc + nl)
	}
	s.WriteString("Subject: " + b.subject + nl)
	if b.date != "" {
		s.WriteString("Date: " + b.date + nl)
	}
	if b.messageID != "" {
		s.WriteString("Message-ID: <" + b.messageID + ">" + nl)
	}
	if b.inReplyTo != "" {
		s.WriteString("In-Reply-To: <" + b.inReplyTo + ">" + nl)
	}
	if b.references != "" {
		s.WriteString("References: " + b.references + nl)
	}

	for i, k := range b.headerKeys {
		s.WriteString(k + ": " + b.headerVals[i] + nl)
	}

	if len(b.attachments) > 0 {
		s.WriteString("MIME-Version: 1.0" + nl)
		s.WriteString(fmt.Sprintf("Content-Type: multipart/mixed; boundary=%q", b.boundary) + nl)
		s.WriteString(nl)

		s.WriteString("--" + b.boundary + nl)
		s.WriteString(`Content-Type: text/plain; charset="utf-8"` + nl)
		s.WriteString(nl)
		s.WriteString(b.body + nl)

		for _, att := range b.attachments {
			s.WriteString("--" + b.boundary + nl)
			ct := att.contentType
			if ct == "" {
				ct = "application/octet-stream"
			}
			s.WriteString(fmt.Sprintf("Content-Type: %s; name=%q", ct, att.filename) + nl)
			s.WriteString(fmt.Sprintf("Content-Disposition: attachment; filename=%q", att.filename) + nl)
			s.WriteString("Content-Transfer-Encoding: base64" + nl)
			s.WriteString(nl)
			s.WriteString(base64.StdEncoding.EncodeToString(att.data) + nl)
		}

		s.WriteString("--" + b.boundary + "--" + nl)
	} else {
		ct := b.contentType
		if ct == "" {
			ct = `text/plain; charset="utf-8"`
		}
		s.WriteString("Content-Type: " + ct + nl)
		s.WriteString(nl)
		s.WriteString(b.body + nl)
	}

	return []byte(s.String())
}

// Mbox joins built messages into an mbox stream with "From " separators.
func Mbox(msgs ...*MessageBuilder) []byte {
	var s strings.Builder
	for _, m := range msgs {
		s.WriteString("From " + m.from + " Mon May  1 10:00:00 2023\n")
		s.Write(m.Bytes())
		s.WriteString("\n")
	}
	return []byte(s.String())
}
