package email

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mailproof/mailproof/internal/logger"
	"github.com/mailproof/mailproof/internal/model"
)

// TLS modes for the relay connection
const (
	TLSStartTLS = "starttls"
	TLSImplicit = "implicit"
	TLSNone     = "none"
)

// SMTPConfig holds the relay connection settings
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	TLS      string
	Timeout  time.Duration
	// TLSConfig overrides the default client TLS configuration
	TLSConfig *tls.Config
}

// SMTPTransport implements Transport against an SMTP relay.
// One session is kept open across recipients and reset between messages.
type SMTPTransport struct {
	cfg SMTPConfig
	log *logger.Logger

	mu     sync.Mutex
	conn   net.Conn
	client *smtp.Client
}

// NewSMTPTransport creates an SMTP transport. No connection is made until
// Preflight or the first Send.
func NewSMTPTransport(cfg SMTPConfig, log *logger.Logger) *SMTPTransport {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.TLS == "" {
		cfg.TLS = TLSStartTLS
	}
	return &SMTPTransport{cfg: cfg, log: log.WithComponent("smtp")}
}

// Name implements Transport
func (t *SMTPTransport) Name() string {
	return string(model.TransportSMTP)
}

// Preflight connects and authenticates so bad settings surface before
// the first recipient
func (t *SMTPTransport) Preflight(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, err := t.session(ctx); err != nil {
		t.drop()
		return classifySMTP(stageConnect, err)
	}
	return nil
}

// Send implements Transport
func (t *SMTPTransport) Send(ctx context.Context, msg *model.RenderedMessage) (Receipt, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	reused := t.client != nil
	stage, err := t.deliver(ctx, msg)
	if err != nil && reused && stage <= stageMail && isConnectionError(err) {
		// the relay closed an idle session; nothing was transmitted yet
		t.log.Debug().Err(err).Msg("session lost, reconnecting")
		t.drop()
		stage, err = t.deliver(ctx, msg)
	}
	if err != nil {
		var tpErr *textproto.Error
		if !errors.As(err, &tpErr) || tpErr.Code == 421 {
			t.drop()
		}
		return Receipt{}, classifySMTP(stage, err)
	}
	return Receipt{ProviderMessageID: msg.MessageID}, nil
}

// Close ends the session
func (t *SMTPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.client == nil {
		return nil
	}
	err := t.client.Quit()
	t.drop()
	return err
}

type smtpStage int

const (
	stageConnect smtpStage = iota
	stageReset
	stageMail
	stageRcpt
	stageData
	stageBody
)

func (t *SMTPTransport) deliver(ctx context.Context, msg *model.RenderedMessage) (smtpStage, error) {
	reused := t.client != nil
	c, err := t.session(ctx)
	if err != nil {
		return stageConnect, err
	}
	if err := t.conn.SetDeadline(time.Now().Add(t.cfg.Timeout)); err != nil {
		return stageConnect, err
	}

	if reused {
		if err := c.Reset(); err != nil {
			return stageReset, err
		}
	}
	if err := c.Mail(msg.From); err != nil {
		return stageMail, err
	}
	if err := c.Rcpt(msg.Recipient.Email); err != nil {
		return stageRcpt, err
	}
	w, err := c.Data()
	if err != nil {
		return stageData, err
	}
	if _, err := w.Write(msg.Raw); err != nil {
		w.Close()
		return stageBody, err
	}
	if err := w.Close(); err != nil {
		return stageBody, err
	}
	return stageBody, nil
}

// session returns the open client, dialing a new one when needed
func (t *SMTPTransport) session(ctx context.Context) (*smtp.Client, error) {
	if t.client != nil {
		return t.client, nil
	}

	addr := net.JoinHostPort(t.cfg.Host, strconv.Itoa(t.cfg.Port))
	dialer := &net.Dialer{Timeout: t.cfg.Timeout}

	var conn net.Conn
	var err error
	if t.cfg.TLS == TLSImplicit {
		conn, err = (&tls.Dialer{NetDialer: dialer, Config: t.tlsConfig()}).DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, err
	}
	if err := conn.SetDeadline(time.Now().Add(t.cfg.Timeout)); err != nil {
		conn.Close()
		return nil, err
	}

	c, err := smtp.NewClient(conn, t.cfg.Host)
	if err != nil {
		conn.Close()
		return nil, err
	}

	if t.cfg.TLS == TLSStartTLS {
		if ok, _ := c.Extension("STARTTLS"); !ok {
			c.Close()
			return nil, fmt.Errorf("%w: relay does not offer STARTTLS", ErrAuthFailed)
		}
		if err := c.StartTLS(t.tlsConfig()); err != nil {
			c.Close()
			return nil, err
		}
	}

	if t.cfg.Username != "" {
		auth := smtp.PlainAuth("", t.cfg.Username, t.cfg.Password, t.cfg.Host)
		if err := c.Auth(auth); err != nil {
			c.Close()
			return nil, fmt.Errorf("%w: %w", ErrAuthFailed, err)
		}
	}

	t.conn = conn
	t.client = c
	t.log.Debug().Str("addr", addr).Str("tls", t.cfg.TLS).Msg("smtp session opened")
	return c, nil
}

func (t *SMTPTransport) tlsConfig() *tls.Config {
	if t.cfg.TLSConfig != nil {
		return t.cfg.TLSConfig
	}
	return &tls.Config{ServerName: t.cfg.Host, MinVersion: tls.VersionTLS12}
}

func (t *SMTPTransport) drop() {
	if t.client != nil {
		t.client.Close()
	}
	t.client = nil
	t.conn = nil
}

func isConnectionError(err error) bool {
	var tpErr *textproto.Error
	return !errors.As(err, &tpErr)
}

// classifySMTP maps a reply or connection failure onto the delivery taxonomy
func classifySMTP(stage smtpStage, err error) error {
	if errors.Is(err, ErrAuthFailed) {
		return Fatal("smtp authentication failed", err)
	}

	var tpErr *textproto.Error
	if !errors.As(err, &tpErr) {
		return Retryable("smtp connection failed", 0, err)
	}

	code := tpErr.Code
	reason := fmt.Sprintf("smtp %d", code)
	msg := strings.ToLower(tpErr.Msg)

	switch {
	case code == 421 || code/100 == 4:
		return Retryable(reason, 0, err)
	case code == 530 || code == 534 || code == 535:
		return Fatal(reason, fmt.Errorf("%w: %w", ErrAuthFailed, err))
	case strings.HasPrefix(msg, "5.2.2") || (stage == stageRcpt && code == 552):
		// the recipient's mailbox is over its quota, not the sender
		return Fatal(reason+": recipient mailbox full", err)
	case strings.HasPrefix(msg, "5.4.5"):
		return Fatal(reason, fmt.Errorf("%w: %w", ErrQuotaExhausted, err))
	case stage != stageRcpt && (strings.Contains(msg, "quota") || strings.Contains(msg, "sending limit")):
		return Fatal(reason, fmt.Errorf("%w: %w", ErrQuotaExhausted, err))
	case stage == stageRcpt && (code == 550 || code == 551 || code == 553 || code == 501):
		return Fatal(reason, fmt.Errorf("%w: %w", ErrInvalidRecipient, err))
	default:
		return Fatal(reason, err)
	}
}
