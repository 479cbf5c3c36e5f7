// Package auth owns the OAuth credential lifecycle of sending identities.
//
// Each identity moves through an explicit state machine
// (unauthenticated, authenticating, authenticated, refreshing, revoked).
// Concurrent callers never trigger more than one refresh per identity;
// a failed refresh leaves the identity unauthenticated and every caller
// receives ErrReauthRequired instead of a retry loop.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/mailproof/mailproof/internal/logger"
)

// expirySkew makes tokens that are about to expire count as expired
const expirySkew = 30 * time.Second

// Flow obtains a fresh token through interactive consent
type Flow interface {
	Run(ctx context.Context, cfg *oauth2.Config) (*oauth2.Token, error)
}

// ManagerConfig configures a Manager
type ManagerConfig struct {
	OAuth     *oauth2.Config
	RevokeURL string
	// HTTPClient is used for token and revocation requests when set
	HTTPClient *http.Client
}

// Manager hands out valid access tokens per identity
type Manager struct {
	oauth      *oauth2.Config
	revokeURL  string
	httpClient *http.Client
	store      Store
	flow       Flow
	log        *logger.Logger

	mu        sync.Mutex
	sessions  map[string]*session
	refreshes singleflight.Group
}

// NewManager creates a credential manager
func NewManager(cfg ManagerConfig, store Store, flow Flow, log *logger.Logger) *Manager {
	return &Manager{
		oauth:      cfg.OAuth,
		revokeURL:  cfg.RevokeURL,
		httpClient: cfg.HTTPClient,
		store:      store,
		flow:       flow,
		log:        log.WithComponent("auth"),
		sessions:   make(map[string]*session),
	}
}

func normalize(identity string) string {
	return strings.ToLower(strings.TrimSpace(identity))
}

func (m *Manager) withClient(ctx context.Context) context.Context {
	if m.httpClient == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)
}

// session returns the in-memory session, restoring it from the store on first use
func (m *Manager) session(ctx context.Context, identity string) (*session, error) {
	key := normalize(identity)

	m.mu.Lock()
	s, ok := m.sessions[key]
	if !ok {
		s = &session{state: StateUnauthenticated}
		m.sessions[key] = s
	}
	m.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded {
		return s, nil
	}

	tok, err := m.store.Load(ctx, identity)
	switch {
	case err == nil:
		if err := s.transition(StateAuthenticated); err != nil {
			return nil, err
		}
		s.token = tok
	case errors.Is(err, ErrNotFound):
	case errors.Is(err, ErrCorruptCredential):
		// unreadable credentials need a new consent, not a retry
		m.log.Warn().Err(err).Str("identity", identity).Msg("stored credential cannot be opened")
		s.cause = err
	default:
		return nil, fmt.Errorf("failed to load credential: %w", err)
	}
	s.loaded = true
	return s, nil
}

// Status returns the current state of identity
func (m *Manager) Status(ctx context.Context, identity string) (State, error) {
	s, err := m.session(ctx, identity)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, nil
}

// Authenticate runs the consent flow and persists the resulting credential.
// A revoked identity starts a new lifecycle.
func (m *Manager) Authenticate(ctx context.Context, identity string) error {
	s, err := m.session(ctx, identity)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.state == StateRevoked {
		s.mu.Unlock()
		s = &session{state: StateUnauthenticated, loaded: true}
		m.mu.Lock()
		m.sessions[normalize(identity)] = s
		m.mu.Unlock()
		s.mu.Lock()
	}
	err = s.transition(StateAuthenticating)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	tok, flowErr := m.flow.Run(m.withClient(ctx), m.oauth)

	s.mu.Lock()
	defer s.mu.Unlock()
	if flowErr != nil {
		s.token = nil
		_ = s.transition(StateUnauthenticated)
		return fmt.Errorf("authentication failed: %w", flowErr)
	}
	if tok.RefreshToken == "" {
		m.log.Warn().Str("identity", identity).Msg("provider returned no refresh token")
	}
	if err := m.store.Save(ctx, identity, tok); err != nil {
		s.token = nil
		_ = s.transition(StateUnauthenticated)
		return err
	}

	s.token = tok
	s.cause = nil
	if err := s.transition(StateAuthenticated); err != nil {
		return err
	}
	m.log.Info().Str("identity", identity).Msg("identity authenticated")
	return nil
}

// Token returns a valid access token, refreshing it when it is expired or
// about to expire
func (m *Manager) Token(ctx context.Context, identity string) (*oauth2.Token, error) {
	s, err := m.session(ctx, identity)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	state, tok, cause := s.state, s.token, s.cause
	s.mu.Unlock()

	switch state {
	case StateRevoked:
		return nil, fmt.Errorf("%w: %w", ErrReauthRequired, ErrRevoked)
	case StateUnauthenticated, StateAuthenticating:
		if cause != nil {
			return nil, fmt.Errorf("%w: %w", ErrReauthRequired, cause)
		}
		return nil, ErrReauthRequired
	}

	if state == StateAuthenticated && fresh(tok) {
		return cloneToken(tok), nil
	}
	return m.refresh(ctx, identity, s, accessToken(tok))
}

// ForceRefresh refreshes the credential after the provider rejected stale.
// When another caller has already replaced stale, the newer token is
// returned without contacting the provider.
func (m *Manager) ForceRefresh(ctx context.Context, identity, stale string) (*oauth2.Token, error) {
	s, err := m.session(ctx, identity)
	if err != nil {
		return nil, err
	}
	return m.refresh(ctx, identity, s, stale)
}

func (m *Manager) refresh(ctx context.Context, identity string, s *session, stale string) (*oauth2.Token, error) {
	v, err, _ := m.refreshes.Do(normalize(identity), func() (interface{}, error) {
		s.mu.Lock()
		switch {
		case s.state == StateRevoked:
			s.mu.Unlock()
			return nil, fmt.Errorf("%w: %w", ErrReauthRequired, ErrRevoked)
		case s.state != StateAuthenticated:
			s.mu.Unlock()
			return nil, ErrReauthRequired
		case accessToken(s.token) != stale && fresh(s.token):
			tok := s.token
			s.mu.Unlock()
			return tok, nil
		case s.token == nil || s.token.RefreshToken == "":
			_ = s.transition(StateUnauthenticated)
			s.token = nil
			s.mu.Unlock()
			return nil, ErrReauthRequired
		}
		refreshToken := s.token.RefreshToken
		if err := s.transition(StateRefreshing); err != nil {
			s.mu.Unlock()
			return nil, err
		}
		s.mu.Unlock()

		src := m.oauth.TokenSource(m.withClient(ctx), &oauth2.Token{RefreshToken: refreshToken})
		tok, err := src.Token()

		s.mu.Lock()
		defer s.mu.Unlock()
		if s.state != StateRefreshing {
			// revoked while the request was in flight
			return nil, fmt.Errorf("%w: %w", ErrReauthRequired, ErrRevoked)
		}
		if err != nil {
			s.token = nil
			_ = s.transition(StateUnauthenticated)
			m.log.Warn().Err(err).Str("identity", identity).Msg("credential refresh failed")
			return nil, fmt.Errorf("%w: %w", ErrReauthRequired, err)
		}
		if tok.RefreshToken == "" {
			tok.RefreshToken = refreshToken
		}
		s.token = tok
		if err := s.transition(StateAuthenticated); err != nil {
			return nil, err
		}
		if err := m.store.Save(ctx, identity, tok); err != nil {
			m.log.Error().Err(err).Str("identity", identity).Msg("failed to persist refreshed credential")
		}
		m.log.Debug().Str("identity", identity).Time("expiry", tok.Expiry).Msg("credential refreshed")
		return tok, nil
	})
	if err != nil {
		return nil, err
	}
	return cloneToken(v.(*oauth2.Token)), nil
}

// Revoke invalidates the credential at the provider (best effort), removes
// it from the store and marks the identity revoked
func (m *Manager) Revoke(ctx context.Context, identity string) error {
	s, err := m.session(ctx, identity)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.state == StateRevoked {
		s.mu.Unlock()
		return nil
	}
	tok := s.token
	if err := s.transition(StateRevoked); err != nil {
		s.mu.Unlock()
		return err
	}
	s.token = nil
	s.mu.Unlock()

	if tok != nil && m.revokeURL != "" {
		if err := m.revokeRemote(ctx, tok); err != nil {
			m.log.Warn().Err(err).Str("identity", identity).Msg("provider revocation failed")
		}
	}
	if err := m.store.Delete(ctx, identity); err != nil {
		return err
	}
	m.log.Info().Str("identity", identity).Msg("identity revoked")
	return nil
}

func (m *Manager) revokeRemote(ctx context.Context, tok *oauth2.Token) error {
	value := tok.RefreshToken
	if value == "" {
		value = tok.AccessToken
	}
	form := url.Values{"token": {value}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.revokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	client := m.httpClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("revocation endpoint returned %d", resp.StatusCode)
	}
	return nil
}

func fresh(tok *oauth2.Token) bool {
	if tok == nil || tok.AccessToken == "" {
		return false
	}
	return tok.Expiry.IsZero() || tok.Expiry.After(time.Now().Add(expirySkew))
}

func accessToken(tok *oauth2.Token) string {
	if tok == nil {
		return ""
	}
	return tok.AccessToken
}

func cloneToken(tok *oauth2.Token) *oauth2.Token {
	c := *tok
	return &c
}
