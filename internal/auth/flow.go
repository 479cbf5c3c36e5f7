package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/mailproof/mailproof/internal/logger"
)

// LoopbackFlow runs the installed-app consent flow: the consent page
// redirects to a short-lived listener on the loopback interface. PKCE
// binds the authorization code to this process.
type LoopbackFlow struct {
	// OpenURL presents the consent URL to the operator, usually by
	// launching a browser. The URL is always logged as well.
	OpenURL func(url string) error
	// Timeout bounds the wait for the redirect
	Timeout time.Duration
	// Addr is the listen address, 127.0.0.1 on a random port by default
	Addr string
	Log  *logger.Logger
}

type callbackResult struct {
	code string
	err  error
}

// Run implements Flow
func (f *LoopbackFlow) Run(ctx context.Context, cfg *oauth2.Config) (*oauth2.Token, error) {
	addr := f.Addr
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen for consent redirect: %w", err)
	}

	c := *cfg
	c.RedirectURL = fmt.Sprintf("http://%s/callback", ln.Addr().String())

	state, err := randomState()
	if err != nil {
		ln.Close()
		return nil, err
	}
	verifier := oauth2.GenerateVerifier()
	authURL := c.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.ApprovalForce,
		oauth2.S256ChallengeOption(verifier),
	)

	results := make(chan callbackResult, 1)
	deliver := func(r callbackResult) {
		select {
		case results <- r:
		default:
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/callback", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		switch {
		case q.Get("state") != state:
			http.Error(w, "state mismatch", http.StatusBadRequest)
			deliver(callbackResult{err: ErrStateMismatch})
		case q.Get("error") != "":
			fmt.Fprintln(w, "Authorization was not granted. You can close this window.")
			deliver(callbackResult{err: fmt.Errorf("%w: %s", ErrConsentDenied, q.Get("error"))})
		case q.Get("code") == "":
			http.Error(w, "missing code", http.StatusBadRequest)
			deliver(callbackResult{err: errors.New("redirect carried no authorization code")})
		default:
			fmt.Fprintln(w, "Authorization complete. You can close this window.")
			deliver(callbackResult{code: q.Get("code")})
		}
	})

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) && f.Log != nil {
			f.Log.Error().Err(err).Msg("consent listener stopped")
		}
	}()
	defer srv.Close()

	if f.Log != nil {
		f.Log.Info().Str("url", authURL).Msg("open this URL to authorize the sending identity")
	}
	if f.OpenURL != nil {
		if err := f.OpenURL(authURL); err != nil && f.Log != nil {
			f.Log.Warn().Err(err).Msg("could not open browser")
		}
	}

	if f.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.Timeout)
		defer cancel()
	}

	var res callbackResult
	select {
	case res = <-results:
	case <-ctx.Done():
		return nil, fmt.Errorf("consent not completed: %w", ctx.Err())
	}
	if res.err != nil {
		return nil, res.err
	}

	tok, err := c.Exchange(ctx, res.code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, fmt.Errorf("failed to exchange authorization code: %w", err)
	}
	return tok, nil
}

func randomState() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
