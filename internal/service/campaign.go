package service

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/mailproof/mailproof/internal/model"
)

// Campaign errors
var (
	ErrNoRecipients     = errors.New("campaign has no recipients")
	ErrInvalidTransport = errors.New("unknown transport")
	ErrInvalidCampaign  = errors.New("invalid campaign parameters")
)

const maxSlugLength = 40

// CampaignParams are the operator's inputs for one run
type CampaignParams struct {
	Label      string
	Recipients []model.Recipient
	Template   model.Template
	Transport  model.TransportKind
	Sender     string
	SenderName string
	Delay      time.Duration
	RetryDelay time.Duration
	MaxRetries int
}

// NewCampaign validates params and freezes them into a Campaign
func NewCampaign(p CampaignParams, startedAt time.Time) (*model.Campaign, error) {
	if len(p.Recipients) == 0 {
		return nil, ErrNoRecipients
	}
	switch p.Transport {
	case model.TransportSMTP, model.TransportGmail:
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidTransport, p.Transport)
	}
	if p.Sender == "" {
		return nil, fmt.Errorf("%w: sender is required", ErrInvalidCampaign)
	}
	if p.Delay < 0 || p.RetryDelay < 0 {
		return nil, fmt.Errorf("%w: delays cannot be negative", ErrInvalidCampaign)
	}
	if p.MaxRetries < 0 {
		return nil, fmt.Errorf("%w: max retries cannot be negative", ErrInvalidCampaign)
	}

	recipients := make([]model.Recipient, len(p.Recipients))
	copy(recipients, p.Recipients)

	return &model.Campaign{
		ID:         NewCampaignID(p.Label, startedAt),
		Label:      p.Label,
		StartedAt:  startedAt.UTC(),
		Recipients: recipients,
		Template:   p.Template,
		Transport:  p.Transport,
		Sender:     p.Sender,
		SenderName: p.SenderName,
		Delay:      p.Delay,
		RetryDelay: p.RetryDelay,
		MaxRetries: p.MaxRetries,
	}, nil
}

// NewCampaignID derives a unique directory-safe id from a human label and
// the start time, e.g. "relatorio-marco-20240301-093000-3f9a1c"
func NewCampaignID(label string, at time.Time) string {
	slug := slugify(label)
	if slug == "" {
		slug = "campaign"
	}
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
	return fmt.Sprintf("%s-%s-%s", slug, at.UTC().Format("20060102-150405"), suffix)
}

// slugify strips accents and collapses everything else to dashes
func slugify(label string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	plain, _, err := transform.String(t, label)
	if err != nil {
		plain = label
	}

	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(plain) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}

	slug := strings.TrimRight(b.String(), "-")
	if len(slug) > maxSlugLength {
		slug = strings.TrimRight(slug[:maxSlugLength], "-")
	}
	return slug
}
