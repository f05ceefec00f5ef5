// Package compose builds the RFC 5322 messages sent for handover records and
// encodes them for the Gmail API's raw send call.
package compose

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
)

// XLSXMimeType is the content type of exported handover spreadsheets.
const XLSXMimeType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// Message is an outgoing handover mail.
type Message struct {
	To      string
	Cc      string
	Subject string
	Body    string

	// Attachment is sent as a second part when non-empty.
	Attachment     []byte
	AttachmentName string
	// AttachmentType defaults to XLSXMimeType.
	AttachmentType string

	// Reply headers, set only when non-empty.
	InReplyTo  string
	References string

	// Date defaults to the current time.
	Date time.Time
}

// Bytes renders the message. With an attachment the result is
// multipart/mixed (text part + attachment part), otherwise a single
// text/plain part.
func (m *Message) Bytes() ([]byte, error) {
	if strings.TrimSpace(m.To) == "" {
		return nil, fmt.Errorf("at least one recipient is required")
	}

	h, err := m.header()
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer

	if len(m.Attachment) == 0 {
		h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
		w, err := mail.CreateSingleInlineWriter(&buf, h)
		if err != nil {
			return nil, fmt.Errorf("failed to create message writer: %w", err)
		}
		if err := writeAndClose(w, []byte(m.Body)); err != nil {
			return nil, fmt.Errorf("failed to write message body: %w", err)
		}
		return buf.Bytes(), nil
	}

	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("failed to create multipart writer: %w", err)
	}

	var th mail.InlineHeader
	th.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	tw, err := mw.CreateSingleInline(th)
	if err != nil {
		return nil, fmt.Errorf("failed to create text part: %w", err)
	}
	if err := writeAndClose(tw, []byte(m.Body)); err != nil {
		return nil, fmt.Errorf("failed to write text part: %w", err)
	}

	contentType := m.AttachmentType
	if contentType == "" {
		contentType = XLSXMimeType
	}
	var ah mail.AttachmentHeader
	ah.SetContentType(contentType, nil)
	ah.SetFilename(m.AttachmentName)
	aw, err := mw.CreateAttachment(ah)
	if err != nil {
		return nil, fmt.Errorf("failed to create attachment part: %w", err)
	}
	if err := writeAndClose(aw, m.Attachment); err != nil {
		return nil, fmt.Errorf("failed to write attachment %s: %w", m.AttachmentName, err)
	}

	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish multipart message: %w", err)
	}
	return buf.Bytes(), nil
}

// Raw renders the message and encodes it in base64url format, as expected by
// users.messages.send.
func (m *Message) Raw() (string, error) {
	b, err := m.Bytes()
	if err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}

// generateMessageID sets a random Message-ID on h.
var generateMessageID = (*mail.Header).GenerateMessageID

func (m *Message) header() (mail.Header, error) {
	var h mail.Header

	date := m.Date
	if date.IsZero() {
		date = time.Now()
	}
	h.SetDate(date)
	if err := generateMessageID(&h); err != nil {
		return mail.Header{}, fmt.Errorf("failed to generate Message-ID: %w", err)
	}

	setAddresses(&h, "To", m.To)
	setAddresses(&h, "Cc", m.Cc)
	h.SetSubject(m.Subject)

	if m.InReplyTo != "" {
		h.Set("In-Reply-To", m.InReplyTo)
	}
	if m.References != "" {
		h.Set("References", m.References)
	}
	return h, nil
}

// setAddresses accepts comma or semicolon separated recipients as typed into
// the sheet. Lists that do not parse are passed through verbatim.
func setAddresses(h *mail.Header, key, value string) {
	value = strings.TrimSpace(strings.ReplaceAll(value, ";", ","))
	value = strings.Trim(value, ",")
	if value == "" {
		h.Set(key, "")
		return
	}
	addrs, err := mail.ParseAddressList(value)
	if err != nil || len(addrs) == 0 {
		h.Set(key, value)
		return
	}
	h.SetAddressList(key, addrs)
}

func writeAndClose(w io.WriteCloser, b []byte) error {
	if _, err := w.Write(b); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}
