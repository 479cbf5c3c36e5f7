package email

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/mailproof/mailproof/internal/auth"
	"github.com/mailproof/mailproof/internal/logger"
	"github.com/mailproof/mailproof/internal/model"
)

// TokenProvider hands out bearer credentials for an identity.
// *auth.Manager implements it.
type TokenProvider interface {
	Token(ctx context.Context, identity string) (*oauth2.Token, error)
	ForceRefresh(ctx context.Context, identity, stale string) (*oauth2.Token, error)
}

// GmailConfig holds the configuration for the Gmail transport.
type GmailConfig struct {
	// Identity is the authorized account messages are sent as
	Identity string
	// Endpoint overrides the API base URL
	Endpoint string
	// HTTPClient overrides the client used for API calls
	HTTPClient *http.Client
}

// GmailTransport implements Transport using the Gmail API.
// The raw message is uploaded unchanged, so Gmail stores the exact bytes
// that were hashed.
type GmailTransport struct {
	service  *gmail.Service
	identity string
	tokens   TokenProvider
	source   *identitySource
	log      *logger.Logger
}

// identitySource feeds oauth2.Transport with the identity's current token
// and remembers the access token it last handed out
type identitySource struct {
	tokens   TokenProvider
	identity string

	mu   sync.Mutex
	last string
}

// tokenError marks a credential failure raised inside the HTTP round trip
type tokenError struct {
	err error
}

func (e *tokenError) Error() string { return "credential unavailable: " + e.err.Error() }

func (e *tokenError) Unwrap() error { return e.err }

// Token implements oauth2.TokenSource
func (s *identitySource) Token() (*oauth2.Token, error) {
	tok, err := s.tokens.Token(context.Background(), s.identity)
	if err != nil {
		return nil, &tokenError{err: err}
	}
	s.mu.Lock()
	s.last = tok.AccessToken
	s.mu.Unlock()
	return tok, nil
}

func (s *identitySource) lastAccessToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// NewGmailTransport creates a new GmailTransport.
func NewGmailTransport(ctx context.Context, cfg GmailConfig, tokens TokenProvider, log *logger.Logger) (*GmailTransport, error) {
	if cfg.Identity == "" {
		return nil, fmt.Errorf("gmail: identity is required")
	}

	base := cfg.HTTPClient
	if base == nil {
		base = &http.Client{Timeout: 60 * time.Second}
	}
	source := &identitySource{tokens: tokens, identity: cfg.Identity}
	client := &http.Client{
		Transport:     &oauth2.Transport{Source: source, Base: base.Transport},
		CheckRedirect: base.CheckRedirect,
		Jar:           base.Jar,
		Timeout:       base.Timeout,
	}
	opts := []option.ClientOption{option.WithHTTPClient(client)}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}

	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gmail: failed to create service: %w", err)
	}

	return &GmailTransport{
		service:  svc,
		identity: cfg.Identity,
		tokens:   tokens,
		source:   source,
		log:      log.WithComponent("gmail"),
	}, nil
}

// Name implements Transport
func (g *GmailTransport) Name() string {
	return string(model.TransportGmail)
}

// Preflight makes sure a usable credential exists before sending starts
func (g *GmailTransport) Preflight(ctx context.Context) error {
	if _, err := g.tokens.Token(ctx, g.identity); err != nil {
		return classifyTokenError(err)
	}
	return nil
}

// Send implements Transport. The bearer token is attached by
// oauth2.Transport; a 401 triggers one forced refresh and one immediate
// resend within the same attempt.
func (g *GmailTransport) Send(ctx context.Context, msg *model.RenderedMessage) (Receipt, error) {
	sent, err := g.send(ctx, msg)
	if isUnauthorized(err) {
		g.log.Warn().Int("seq", msg.Seq).Msg("access token rejected, refreshing")
		if _, err := g.tokens.ForceRefresh(ctx, g.identity, g.source.lastAccessToken()); err != nil {
			return Receipt{}, classifyTokenError(err)
		}
		sent, err = g.send(ctx, msg)
		if isUnauthorized(err) {
			return Receipt{}, Fatal("gmail rejected refreshed credential", fmt.Errorf("%w: %w", auth.ErrReauthRequired, err))
		}
	}
	if err != nil {
		var tokErr *tokenError
		if errors.As(err, &tokErr) {
			return Receipt{}, classifyTokenError(tokErr.err)
		}
		return Receipt{}, classifyGmail(err)
	}

	resp, err := sent.MarshalJSON()
	if err != nil {
		resp = nil
	}
	return Receipt{ProviderMessageID: sent.Id, Response: resp}, nil
}

func (g *GmailTransport) send(ctx context.Context, msg *model.RenderedMessage) (*gmail.Message, error) {
	gmailMsg := &gmail.Message{
		Raw: base64.URLEncoding.EncodeToString(msg.Raw),
	}
	return g.service.Users.Messages.Send("me", gmailMsg).Context(ctx).Do()
}

// Close implements Transport
func (g *GmailTransport) Close() error {
	return nil
}

func isUnauthorized(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusUnauthorized
}

func classifyTokenError(err error) error {
	if errors.Is(err, auth.ErrReauthRequired) {
		return Fatal("reauthentication required", err)
	}
	return Retryable("credential unavailable", 0, err)
}

// classifyGmail maps API failures onto the delivery taxonomy
func classifyGmail(err error) error {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return Retryable("gmail request failed", 0, err)
	}

	reason := fmt.Sprintf("gmail %d", gerr.Code)
	var itemReason string
	if len(gerr.Errors) > 0 {
		itemReason = gerr.Errors[0].Reason
		reason += " " + itemReason
	}
	retryAfter := parseRetryAfter(gerr.Header.Get("Retry-After"))

	switch {
	case itemReason == "quotaExceeded" || itemReason == "dailyLimitExceeded":
		return Fatal(reason, fmt.Errorf("%w: %w", ErrQuotaExhausted, err))
	case itemReason == "rateLimitExceeded" || itemReason == "userRateLimitExceeded" ||
		gerr.Code == http.StatusTooManyRequests:
		return Retryable(reason, retryAfter, err)
	case gerr.Code >= 500:
		return Retryable(reason, retryAfter, err)
	case gerr.Code == http.StatusBadRequest && strings.Contains(strings.ToLower(gerr.Message), "recipient"):
		return Fatal(reason, fmt.Errorf("%w: %w", ErrInvalidRecipient, err))
	default:
		return Fatal(reason, err)
	}
}

// parseRetryAfter accepts delta-seconds or an HTTP date
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
