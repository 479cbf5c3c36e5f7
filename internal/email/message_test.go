package email_test

import (
	"bytes"
	"encoding/base64"
	"io"
	"mime"
	"mime/multipart"
	"net/mail"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mailproof/mailproof/internal/email"
	"github.com/mailproof/mailproof/internal/model"
)

var composeDate = time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)

func draft(seq int, addr string) email.Draft {
	return email.Draft{
		CampaignID: "newsletter-20240301-093000-ab12cd",
		Seq:        seq,
		Recipient:  model.Recipient{Email: addr, Fields: map[string]string{"nome": "João"}},
		Content: model.Content{
			Subject: "Olá João",
			Text:    "Olá João,\nsegue o relatório.\n",
			HTML:    "<p>Olá João,</p><p>segue o relatório.</p>",
		},
		Date: composeDate,
	}
}

func TestCompose_Deterministic(t *testing.T) {
	t.Parallel()

	c := email.NewComposer("sender@example.com", "Equipe Exemplo", "")
	d := draft(1, "joao@example.com")
	d.Attachments = []model.Attachment{{Filename: "relatório.pdf", ContentType: "application/pdf", Content: []byte("%PDF-1.4 fake")}}

	first, err := c.Compose(d)
	require.NoError(t, err)
	second, err := c.Compose(d)
	require.NoError(t, err)
	require.Equal(t, first.Raw, second.Raw)
	require.Equal(t, first.MessageID, second.MessageID)

	other, err := c.Compose(draft(2, "joao@example.com"))
	require.NoError(t, err)
	require.NotEqual(t, first.MessageID, other.MessageID)
}

func TestCompose_Headers(t *testing.T) {
	t.Parallel()

	c := email.NewComposer("sender@example.com", "Equipe", "mail.example.org")
	msg, err := c.Compose(draft(3, "joao@example.com"))
	require.NoError(t, err)

	names := make([]string, 0, len(msg.Headers))
	for _, h := range msg.Headers {
		names = append(names, h.Name)
	}
	require.Equal(t, []string{
		"From", "To", "Subject", "Date", "Message-ID", "MIME-Version",
		email.HeaderCampaign, email.HeaderSeq, "Content-Type",
	}, names)

	parsed, err := mail.ReadMessage(bytes.NewReader(msg.Raw))
	require.NoError(t, err)

	subject, err := new(mime.WordDecoder).DecodeHeader(parsed.Header.Get("Subject"))
	require.NoError(t, err)
	require.Equal(t, "Olá João", subject)
	require.Equal(t, "<joao@example.com>", parsed.Header.Get("To"))
	require.Equal(t, "3", parsed.Header.Get(email.HeaderSeq))
	require.Equal(t, msg.MessageID, parsed.Header.Get("Message-ID"))
	require.True(t, strings.HasSuffix(msg.MessageID, "@mail.example.org>"))

	date, err := parsed.Header.Date()
	require.NoError(t, err)
	require.True(t, date.Equal(composeDate))
}

func TestCompose_CRLFOnly(t *testing.T) {
	t.Parallel()

	c := email.NewComposer("sender@example.com", "", "")
	msg, err := c.Compose(draft(1, "joao@example.com"))
	require.NoError(t, err)

	require.Equal(t, bytes.Count(msg.Raw, []byte("\n")), bytes.Count(msg.Raw, []byte("\r\n")))
	require.True(t, bytes.HasSuffix(msg.Raw, []byte("\r\n")))
}

func TestCompose_MultipartStructure(t *testing.T) {
	t.Parallel()

	c := email.NewComposer("sender@example.com", "", "")
	d := draft(1, "joao@example.com")
	d.Attachments = []model.Attachment{{Filename: "data.csv", ContentType: "text/csv", Content: bytes.Repeat([]byte("a,b,c\n"), 40)}}

	msg, err := c.Compose(d)
	require.NoError(t, err)

	parsed, err := mail.ReadMessage(bytes.NewReader(msg.Raw))
	require.NoError(t, err)
	mediaType, params, err := mime.ParseMediaType(parsed.Header.Get("Content-Type"))
	require.NoError(t, err)
	require.Equal(t, "multipart/mixed", mediaType)

	mr := multipart.NewReader(parsed.Body, params["boundary"])

	alt, err := mr.NextPart()
	require.NoError(t, err)
	altType, altParams, err := mime.ParseMediaType(alt.Header.Get("Content-Type"))
	require.NoError(t, err)
	require.Equal(t, "multipart/alternative", altType)

	inner := multipart.NewReader(alt, altParams["boundary"])
	text, err := inner.NextPart()
	require.NoError(t, err)
	textBody, err := io.ReadAll(text)
	require.NoError(t, err)
	require.Equal(t, "Olá João,\r\nsegue o relatório.\r\n", string(textBody))

	html, err := inner.NextPart()
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(html.Header.Get("Content-Type"), "text/html"))

	att, err := mr.NextPart()
	require.NoError(t, err)
	require.Equal(t, "data.csv", att.FileName())
	encoded, err := io.ReadAll(att)
	require.NoError(t, err)
	decoded, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(string(encoded), "\r\n", ""))
	require.NoError(t, err)
	require.Equal(t, d.Attachments[0].Content, decoded)
}

func TestCompose_TextOnly(t *testing.T) {
	t.Parallel()

	c := email.NewComposer("sender@example.com", "", "")
	d := draft(1, "joao@example.com")
	d.Content.HTML = ""

	msg, err := c.Compose(d)
	require.NoError(t, err)
	parsed, err := mail.ReadMessage(bytes.NewReader(msg.Raw))
	require.NoError(t, err)
	require.Equal(t, "text/plain; charset=utf-8", parsed.Header.Get("Content-Type"))
	require.Equal(t, "quoted-printable", parsed.Header.Get("Content-Transfer-Encoding"))
}

func TestCompose_RejectsHeaderInjection(t *testing.T) {
	t.Parallel()

	c := email.NewComposer("sender@example.com", "", "")
	d := draft(1, "joao@example.com")
	d.Content.Subject = "hello\r\nBcc: victim@example.com"

	_, err := c.Compose(d)
	require.ErrorIs(t, err, email.ErrInvalidHeader)
}
