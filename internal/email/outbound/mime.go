package outbound

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/gotrs-io/mailbridge/internal/models"
)

const defaultAttachmentType = "application/octet-stream"

// BuildMIME renders the envelope as an RFC 5322 message: a single HTML part,
// or multipart/mixed with the HTML body and one attachment.
func BuildMIME(env Envelope) ([]byte, error) {
	var h mail.Header
	date := env.Date
	if date.IsZero() {
		date = time.Now()
	}
	h.SetDate(date)
	h.SetAddressList("From", []*mail.Address{{Address: env.From}})
	h.SetAddressList("To", []*mail.Address{{Address: env.To}})
	h.SetSubject(env.Subject)
	if env.MessageID != "" {
		h.SetMessageID(env.MessageID)
	}
	if env.ReplyTo != "" {
		h.SetAddressList("Reply-To", []*mail.Address{{Address: env.ReplyTo}})
		h.SetMsgIDList("In-Reply-To", []string{env.ReplyTo})
		h.SetMsgIDList("References", []string{env.ReplyTo})
	}

	var buf bytes.Buffer
	if env.Attachment == nil {
		h.SetContentType("text/html", map[string]string{"charset": "utf-8"})
		w, err := mail.CreateSingleInlineWriter(&buf, h)
		if err != nil {
			return nil, err
		}
		if _, err := io.WriteString(w, env.HTMLBody); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}

	data, err := DecodeAttachment(env.Attachment)
	if err != nil {
		return nil, err
	}
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, err
	}
	var ih mail.InlineHeader
	ih.SetContentType("text/html", map[string]string{"charset": "utf-8"})
	bw, err := mw.CreateSingleInline(ih)
	if err != nil {
		return nil, err
	}
	if _, err := io.WriteString(bw, env.HTMLBody); err != nil {
		return nil, err
	}
	if err := bw.Close(); err != nil {
		return nil, err
	}

	var ah mail.AttachmentHeader
	ah.SetContentType(attachmentType(env.Attachment), map[string]string{"name": env.Attachment.Name})
	ah.SetFilename(env.Attachment.Name)
	aw, err := mw.CreateAttachment(ah)
	if err != nil {
		return nil, err
	}
	if _, err := aw.Write(data); err != nil {
		return nil, err
	}
	if err := aw.Close(); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeAttachment returns the attachment bytes. Data may carry a data URL prefix.
func DecodeAttachment(att *models.Attachment) ([]byte, error) {
	raw := attachmentBase64(att)
	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("attachment %q is not valid base64: %w", att.Name, models.ErrInvalidInput)
	}
	return data, nil
}

// attachmentBase64 strips any "data:<type>;base64," prefix and whitespace.
func attachmentBase64(att *models.Attachment) string {
	raw := strings.TrimSpace(att.Data)
	if strings.HasPrefix(raw, "data:") {
		if i := strings.Index(raw, ","); i >= 0 {
			raw = raw[i+1:]
		}
	}
	return strings.Join(strings.Fields(raw), "")
}

func attachmentType(att *models.Attachment) string {
	if t := strings.TrimSpace(att.Type); t != "" {
		return t
	}
	return defaultAttachmentType
}
