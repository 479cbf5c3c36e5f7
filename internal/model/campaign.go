package model

import (
	"time"
)

// TransportKind selects the delivery channel of a campaign
type TransportKind string

// Supported transports
const (
	TransportSMTP  TransportKind = "smtp"
	TransportGmail TransportKind = "gmail"
)

// BodyFormat describes how a template body is interpreted
type BodyFormat string

// Template body formats
const (
	FormatText     BodyFormat = "text"
	FormatMarkdown BodyFormat = "markdown"
	FormatHTML     BodyFormat = "html"
)

// Recipient is one row of the recipient list. Fields holds placeholder values.
type Recipient struct {
	Email  string            `json:"email"`
	Fields map[string]string `json:"fields,omitempty"`
}

// Attachment is a file carried by every message of a campaign
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Content     []byte `json:"-"`
}

// Template holds the raw subject and body with placeholder markers
type Template struct {
	Subject     string       `json:"subject"`
	Body        string       `json:"-"`
	Format      BodyFormat   `json:"format"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Campaign is one complete run of sending a template to a recipient list.
// It is built once at start and never modified afterwards.
type Campaign struct {
	ID         string        `json:"id"`
	Label      string        `json:"label"`
	StartedAt  time.Time     `json:"startedAt"`
	Recipients []Recipient   `json:"-"`
	Template   Template      `json:"template"`
	Transport  TransportKind `json:"transport"`
	Sender     string        `json:"sender"`
	SenderName string        `json:"senderName,omitempty"`
	Delay      time.Duration `json:"delay"`
	RetryDelay time.Duration `json:"retryDelay"`
	MaxRetries int           `json:"maxRetries"`
}

// Content is the per-recipient result of rendering a template
type Content struct {
	Subject string
	Text    string
	HTML    string
}

// Header is a single message header. Order matters for byte-identical output.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// RenderedMessage is a fully built message for one recipient.
// Raw is exactly what gets handed to the transport, on every attempt.
type RenderedMessage struct {
	Seq         int
	Recipient   Recipient
	From        string
	Subject     string
	TextBody    string
	HTMLBody    string
	Attachments []Attachment
	Headers     []Header
	MessageID   string
	Raw         []byte
}

// Progress is emitted by the batch controller after each recipient is resolved
type Progress struct {
	CampaignID string  `json:"campaignId"`
	Index      int     `json:"index"`
	Total      int     `json:"total"`
	Email      string  `json:"email"`
	Outcome    Outcome `json:"outcome"`
	Sent       int     `json:"sent"`
	Failed     int     `json:"failed"`
	Skipped    int     `json:"skipped"`
}
