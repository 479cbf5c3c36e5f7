package auth_test

import (
	"context"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailproof/mailproof/internal/auth"
	"github.com/mailproof/mailproof/internal/logger"
)

// redirectWith simulates the browser returning to the loopback listener
func redirectWith(t *testing.T, params func(q url.Values) url.Values) func(string) error {
	return func(raw string) error {
		u, err := url.Parse(raw)
		if err != nil {
			return err
		}
		q := u.Query()
		assert.Equal(t, "S256", q.Get("code_challenge_method"))
		assert.Equal(t, "offline", q.Get("access_type"))

		target := q.Get("redirect_uri") + "?" + params(q).Encode()
		go func() {
			resp, err := http.Get(target)
			if err == nil {
				resp.Body.Close()
			}
		}()
		return nil
	}
}

func TestLoopbackFlow_ExchangesCodeWithVerifier(t *testing.T) {
	t.Parallel()

	ts := newTokenServer(t, 0)
	flow := &auth.LoopbackFlow{
		Timeout: 5 * time.Second,
		Log:     logger.Nop(),
		OpenURL: redirectWith(t, func(q url.Values) url.Values {
			return url.Values{"code": {"the-code"}, "state": {q.Get("state")}}
		}),
	}

	tok, err := flow.Run(context.Background(), ts.oauthConfig())
	require.NoError(t, err)
	require.Equal(t, "initial", tok.AccessToken)
	require.Equal(t, "refresh-1", tok.RefreshToken)
	require.Equal(t, "the-code", ts.code.Load())
	require.NotEmpty(t, ts.verifier.Load())
}

func TestLoopbackFlow_RejectsStateMismatch(t *testing.T) {
	t.Parallel()

	ts := newTokenServer(t, 0)
	flow := &auth.LoopbackFlow{
		Timeout: 5 * time.Second,
		OpenURL: redirectWith(t, func(url.Values) url.Values {
			return url.Values{"code": {"the-code"}, "state": {"forged"}}
		}),
	}

	_, err := flow.Run(context.Background(), ts.oauthConfig())
	require.ErrorIs(t, err, auth.ErrStateMismatch)
}

func TestLoopbackFlow_ConsentDenied(t *testing.T) {
	t.Parallel()

	ts := newTokenServer(t, 0)
	flow := &auth.LoopbackFlow{
		Timeout: 5 * time.Second,
		OpenURL: redirectWith(t, func(q url.Values) url.Values {
			return url.Values{"error": {"access_denied"}, "state": {q.Get("state")}}
		}),
	}

	_, err := flow.Run(context.Background(), ts.oauthConfig())
	require.ErrorIs(t, err, auth.ErrConsentDenied)
}

func TestLoopbackFlow_Timeout(t *testing.T) {
	t.Parallel()

	ts := newTokenServer(t, 0)
	flow := &auth.LoopbackFlow{Timeout: 50 * time.Millisecond}

	_, err := flow.Run(context.Background(), ts.oauthConfig())
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
