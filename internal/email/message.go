package email

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mailproof/mailproof/internal/model"
)

const crlf = "\r\n"

// Campaign headers stamped on every message
const (
	HeaderCampaign = "X-Mailproof-Campaign"
	HeaderSeq      = "X-Mailproof-Seq"
)

// Draft is everything needed to build one recipient's message
type Draft struct {
	CampaignID  string
	Seq         int
	Recipient   model.Recipient
	Content     model.Content
	Attachments []model.Attachment
	Date        time.Time
}

// Composer builds RFC 5322 messages. For the same Draft it always
// produces the same bytes: header order is fixed, multipart boundaries
// and the Message-ID derive from the campaign and sequence number.
type Composer struct {
	from   mail.Address
	domain string
}

// NewComposer creates a Composer. domain is used for Message-IDs and
// defaults to the sender's domain.
func NewComposer(from, fromName, domain string) *Composer {
	if domain == "" {
		if at := strings.LastIndex(from, "@"); at >= 0 {
			domain = from[at+1:]
		}
	}
	if domain == "" {
		domain = "localhost"
	}
	return &Composer{from: mail.Address{Name: fromName, Address: from}, domain: domain}
}

// Compose builds the message for d
func (c *Composer) Compose(d Draft) (*model.RenderedMessage, error) {
	for _, v := range []string{c.from.Address, c.from.Name, d.Recipient.Email, d.Content.Subject} {
		if strings.ContainsAny(v, "\r\n") {
			return nil, ErrInvalidHeader
		}
	}

	body, err := c.body(d)
	if err != nil {
		return nil, err
	}

	messageID := c.messageID(d)
	headers := []model.Header{
		{Name: "From", Value: c.from.String()},
		{Name: "To", Value: (&mail.Address{Address: d.Recipient.Email}).String()},
		{Name: "Subject", Value: mime.QEncoding.Encode("utf-8", d.Content.Subject)},
		{Name: "Date", Value: d.Date.Format(time.RFC1123Z)},
		{Name: "Message-ID", Value: messageID},
		{Name: "MIME-Version", Value: "1.0"},
		{Name: HeaderCampaign, Value: d.CampaignID},
		{Name: HeaderSeq, Value: strconv.Itoa(d.Seq)},
		{Name: "Content-Type", Value: body.header.Get("Content-Type")},
	}
	if cte := body.header.Get("Content-Transfer-Encoding"); cte != "" {
		headers = append(headers, model.Header{Name: "Content-Transfer-Encoding", Value: cte})
	}

	var raw bytes.Buffer
	for _, h := range headers {
		raw.WriteString(h.Name)
		raw.WriteString(": ")
		raw.WriteString(h.Value)
		raw.WriteString(crlf)
	}
	raw.WriteString(crlf)
	raw.Write(body.content)
	if !bytes.HasSuffix(raw.Bytes(), []byte(crlf)) {
		raw.WriteString(crlf)
	}

	return &model.RenderedMessage{
		Seq:         d.Seq,
		Recipient:   d.Recipient,
		From:        c.from.Address,
		Subject:     d.Content.Subject,
		TextBody:    d.Content.Text,
		HTMLBody:    d.Content.HTML,
		Attachments: d.Attachments,
		Headers:     headers,
		MessageID:   messageID,
		Raw:         raw.Bytes(),
	}, nil
}

func (c *Composer) messageID(d Draft) string {
	name := fmt.Sprintf("%s\n%d\n%s", d.CampaignID, d.Seq, strings.ToLower(d.Recipient.Email))
	id := uuid.NewSHA1(uuid.NameSpaceOID, []byte(name))
	return fmt.Sprintf("<%s.%d.%s@%s>", d.CampaignID, d.Seq, id, c.domain)
}

// boundary is stable per campaign, sequence and nesting level
func boundary(d Draft, kind string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d:%s", d.CampaignID, d.Seq, kind)))
	return "mp-" + kind + "-" + hex.EncodeToString(sum[:12])
}

type entity struct {
	header  textproto.MIMEHeader
	content []byte
}

func (c *Composer) body(d Draft) (entity, error) {
	var alternatives []entity
	if d.Content.Text != "" || d.Content.HTML == "" {
		alternatives = append(alternatives, textEntity("text/plain", d.Content.Text))
	}
	if d.Content.HTML != "" {
		alternatives = append(alternatives, textEntity("text/html", d.Content.HTML))
	}

	main := alternatives[0]
	if len(alternatives) > 1 {
		var err error
		main, err = multipartEntity("alternative", boundary(d, "alt"), alternatives)
		if err != nil {
			return entity{}, err
		}
	}
	if len(d.Attachments) == 0 {
		return main, nil
	}

	parts := []entity{main}
	for _, a := range d.Attachments {
		parts = append(parts, attachmentEntity(a))
	}
	return multipartEntity("mixed", boundary(d, "mix"), parts)
}

func textEntity(mediaType, s string) entity {
	var buf bytes.Buffer
	w := quotedprintable.NewWriter(&buf)
	// writes to a bytes.Buffer cannot fail
	_, _ = w.Write([]byte(normalizeNewlines(s)))
	_ = w.Close()

	h := textproto.MIMEHeader{}
	h.Set("Content-Type", mime.FormatMediaType(mediaType, map[string]string{"charset": "utf-8"}))
	h.Set("Content-Transfer-Encoding", "quoted-printable")
	return entity{header: h, content: buf.Bytes()}
}

func attachmentEntity(a model.Attachment) entity {
	ctype := a.ContentType
	if ctype == "" {
		ctype = "application/octet-stream"
	}

	h := textproto.MIMEHeader{}
	h.Set("Content-Type", mime.FormatMediaType(ctype, map[string]string{"name": a.Filename}))
	h.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": a.Filename}))
	h.Set("Content-Transfer-Encoding", "base64")

	encoded := base64.StdEncoding.EncodeToString(a.Content)
	var buf bytes.Buffer
	for len(encoded) > 76 {
		buf.WriteString(encoded[:76])
		buf.WriteString(crlf)
		encoded = encoded[76:]
	}
	buf.WriteString(encoded)
	return entity{header: h, content: buf.Bytes()}
}

func multipartEntity(subtype, b string, parts []entity) (entity, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.SetBoundary(b); err != nil {
		return entity{}, fmt.Errorf("invalid boundary: %w", err)
	}
	for _, p := range parts {
		pw, err := w.CreatePart(p.header)
		if err != nil {
			return entity{}, err
		}
		if _, err := pw.Write(p.content); err != nil {
			return entity{}, err
		}
	}
	if err := w.Close(); err != nil {
		return entity{}, err
	}

	h := textproto.MIMEHeader{}
	h.Set("Content-Type", mime.FormatMediaType("multipart/"+subtype, map[string]string{"boundary": b}))
	return entity{header: h, content: buf.Bytes()}, nil
}

// normalizeNewlines converts bare LF line endings to CRLF
func normalizeNewlines(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\n", crlf)
}
