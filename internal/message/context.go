// Package message bridges stored messages to consumers that need parsed
// content. A Context carries the cheap per-message facts (sequence number,
// UID, size, flags, dates) and parses the underlying bytes at most once,
// only when a header or body accessor is first used.
package message

import (
	"io"
	"net/mail"
	"strings"
	"sync"
	"time"

	gomessage "github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"

	"gumdrop/internal/mailbox"
)

// Opener returns a fresh reader over the raw message bytes.
type Opener func() (io.ReadCloser, error)

// Context is the evaluation view of one message. It satisfies the search
// package's Message interface. Safe for concurrent use: the lazy parse
// runs at most once, and accessors block until it completes.
type Context struct {
	seq      uint32
	uid      uint32
	size     int64
	flags    mailbox.FlagSet
	keywords []string
	internal time.Time
	open     Opener

	once       sync.Once
	headers    map[string][]string
	headerText string
	bodyText   string
	sent       time.Time
	sentOK     bool
}

// New builds a Context over a stored message. open is called lazily, at
// most once, when parsed content is needed.
func New(seq uint32, desc mailbox.Descriptor, flags mailbox.FlagSet, keywords []string, internal time.Time, open Opener) *Context {
	return &Context{
		seq:      seq,
		uid:      desc.UID,
		size:     desc.Size,
		flags:    flags,
		keywords: keywords,
		internal: internal,
		open:     open,
	}
}

func (c *Context) SeqNum() uint32          { return c.seq }
func (c *Context) UID() uint32             { return c.uid }
func (c *Context) Size() int64             { return c.size }
func (c *Context) InternalDate() time.Time { return c.internal }

// Flag reports a wire-form flag such as `\Seen`.
func (c *Context) Flag(name string) bool {
	f, err := mailbox.ParseFlag(name)
	if err != nil {
		return false
	}
	return c.flags.Has(f)
}

// Keyword reports a user-defined keyword. Keywords are case-sensitive.
func (c *Context) Keyword(kw string) bool {
	for _, k := range c.keywords {
		if k == kw {
			return true
		}
	}
	return false
}

// Header returns the first value of a header, or "" when the header is
// absent or the message does not parse.
func (c *Context) Header(name string) string {
	vals := c.Headers(name)
	if len(vals) == 0 {
		return ""
	}
	return vals[0]
}

// Headers returns every value of a repeated header in message order, or
// nil when the header is absent.
func (c *Context) Headers(name string) []string {
	c.parse()
	return c.headers[strings.ToLower(name)]
}

// HeadersText is the raw header block, one "Name: value" line per field.
func (c *Context) HeadersText() string {
	c.parse()
	return c.headerText
}

// SentDate reports the parsed Date header; ok is false when the header is
// missing or malformed.
func (c *Context) SentDate() (time.Time, bool) {
	c.parse()
	return c.sent, c.sentOK
}

// BodyText is the concatenated decoded text of all text/* parts.
func (c *Context) BodyText() string {
	c.parse()
	return c.bodyText
}

// FullText is the header block, a blank line, and BodyText.
func (c *Context) FullText() string {
	c.parse()
	return c.headerText + "\r\n" + c.bodyText
}

// parse reads and parses the raw bytes exactly once. A message that fails
// to parse behaves as if it had no headers and an empty body; content
// criteria then simply never match it.
func (c *Context) parse() {
	c.once.Do(func() {
		c.headers = make(map[string][]string)

		r, err := c.open()
		if err != nil {
			return
		}
		defer r.Close()

		entity, err := gomessage.Read(r)
		if err != nil && !gomessage.IsUnknownCharset(err) {
			return
		}

		var headerText strings.Builder
		fields := entity.Header.Fields()
		for fields.Next() {
			name := fields.Key()
			value, err := fields.Text()
			if err != nil {
				value = fields.Value()
			}
			headerText.WriteString(name)
			headerText.WriteString(": ")
			headerText.WriteString(value)
			headerText.WriteString("\r\n")
			key := strings.ToLower(name)
			c.headers[key] = append(c.headers[key], value)
		}
		c.headerText = headerText.String()

		if dateVal := c.headers["date"]; len(dateVal) > 0 {
			if sent, err := mail.ParseDate(dateVal[0]); err == nil {
				c.sent = sent
				c.sentOK = true
			}
		}

		var body strings.Builder
		collectText(entity, &body)
		c.bodyText = body.String()
	})
}

// collectText appends the decoded content of every text/* leaf part.
func collectText(entity *gomessage.Entity, out *strings.Builder) {
	if mr := entity.MultipartReader(); mr != nil {
		for {
			part, err := mr.NextPart()
			if err != nil {
				return
			}
			collectText(part, out)
		}
	}

	mediaType, _, err := entity.Header.ContentType()
	if err != nil {
		mediaType = "text/plain"
	}
	if mediaType != "" && !strings.HasPrefix(mediaType, "text/") {
		return
	}
	b, err := io.ReadAll(entity.Body)
	if err != nil {
		return
	}
	out.Write(b)
}
