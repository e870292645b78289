// Package message parses RFC 5322 message headers into an Envelope, a
// snapshot of the header fields the mail store keeps in memory and in the
// header cache. Message bodies are not interpreted.
package message

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	gomessage "github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset" // Register charset decoding for RFC 2047 words.
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"

	"github.com/varmail/mstore/mlog"
)

// Address as used in From and To headers.
type Address struct {
	Name string // Free-form name for display in mail applications.
	User string // Localpart.
	Host string // Domain.
}

// Envelope holds the parsed header fields of a message.
type Envelope struct {
	Date      time.Time
	Subject   string // Q/B-word-decoded.
	From      []Address
	Sender    []Address
	ReplyTo   []Address
	To        []Address
	CC        []Address
	BCC       []Address
	InReplyTo string // From In-Reply-To header, includes <>.
	MessageID string // From Message-Id header, includes <>.
	Label     string // From X-Label header, editable by mail clients.

	// Set by the caller when the label (or another stored header) was edited and
	// the message file must be rewritten on sync. Not serialized.
	Changed bool `json:"-"`
}

// countReader is an io.Reader that counts the number of bytes read, for
// determining the body offset after the header has been consumed.
type countReader struct {
	r io.Reader
	n int64
}

func (c *countReader) Read(buf []byte) (int, error) {
	n, err := c.r.Read(buf)
	c.n += int64(n)
	return n, err
}

// Parse reads the header section of the message in r and returns the envelope
// and the offset where the body starts. A message without a body, or an empty
// file, is not an error: the envelope is simply (partially) empty.
func Parse(log *mlog.Log, r io.Reader) (*Envelope, int64, error) {
	cr := &countReader{r: r}
	br := bufio.NewReader(cr)
	th, err := textproto.ReadHeader(br)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, 0, fmt.Errorf("reading message header: %w", err)
	}
	offset := cr.n - int64(br.Buffered())

	h := mail.Header{Header: gomessage.Header{Header: th}}

	env := &Envelope{}
	env.Date, _ = h.Date()
	env.Subject, _ = h.Subject()
	env.From = addressList(log, h, "From")
	env.Sender = addressList(log, h, "Sender")
	env.ReplyTo = addressList(log, h, "Reply-To")
	env.To = addressList(log, h, "To")
	env.CC = addressList(log, h, "Cc")
	env.BCC = addressList(log, h, "Bcc")
	env.InReplyTo = strings.TrimSpace(h.Get("In-Reply-To"))
	env.MessageID = strings.TrimSpace(h.Get("Message-Id"))
	if s, err := h.Text("X-Label"); err == nil {
		env.Label = strings.TrimSpace(s)
	}
	return env, offset, nil
}

func addressList(log *mlog.Log, h mail.Header, key string) []Address {
	l, err := h.AddressList(key)
	if err != nil && len(l) == 0 {
		if h.Get(key) != "" {
			log.Debugx("parsing address list (continuing)", err, mlog.Field("header", key))
		}
		return nil
	}
	var r []Address
	for _, a := range l {
		var user, host string
		if i := strings.LastIndexByte(a.Address, '@'); i >= 0 {
			user, host = a.Address[:i], a.Address[i+1:]
		} else {
			user = a.Address
		}
		r = append(r, Address{Name: a.Name, User: user, Host: host})
	}
	return r
}
