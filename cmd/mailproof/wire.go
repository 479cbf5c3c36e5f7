package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"

	"github.com/mailproof/mailproof/internal/auth"
	"github.com/mailproof/mailproof/internal/config"
	"github.com/mailproof/mailproof/internal/database"
	"github.com/mailproof/mailproof/internal/email"
	"github.com/mailproof/mailproof/internal/logger"
	"github.com/mailproof/mailproof/internal/middleware"
	"github.com/mailproof/mailproof/internal/repository"
)

// deps holds the lazily opened shared connections of one command
type deps struct {
	cfg *config.Config
	log *logger.Logger

	redis *database.Redis
	db    *database.Postgres
}

func (d *deps) Redis() (*database.Redis, error) {
	if d.redis != nil {
		return d.redis, nil
	}
	r, err := database.NewRedis(d.cfg.Redis)
	if err != nil {
		return nil, err
	}
	d.log.Debug().Str("addr", d.cfg.Redis.Addr()).Msg("connected to Redis")
	d.redis = r
	return r, nil
}

func (d *deps) Postgres() (*database.Postgres, error) {
	if d.db != nil {
		return d.db, nil
	}
	if !d.cfg.Database.Enabled {
		return nil, errors.New("evidence index is disabled (database.enabled=false)")
	}
	db, err := database.NewPostgres(d.cfg.Database)
	if err != nil {
		return nil, err
	}
	d.log.Debug().Msg("connected to PostgreSQL")
	d.db = db
	return db, nil
}

func (d *deps) Close() error {
	var errs []error
	if d.redis != nil {
		errs = append(errs, d.redis.Close())
	}
	if d.db != nil {
		errs = append(errs, d.db.Close())
	}
	return errors.Join(errs...)
}

// credentialStore builds the sealed credential store selected by config
func (d *deps) credentialStore() (auth.Store, error) {
	c := d.cfg.Credentials

	var (
		key []byte
		err error
	)
	if c.EncryptionKey != "" {
		key, err = auth.ParseKey(c.EncryptionKey)
	} else {
		key, err = auth.LoadOrCreateKey(c.KeyFile)
	}
	if err != nil {
		return nil, err
	}
	sealer, err := auth.NewSealer(key)
	if err != nil {
		return nil, err
	}

	switch c.Store {
	case "redis":
		r, err := d.Redis()
		if err != nil {
			return nil, err
		}
		return auth.NewRedisStore(r.Client, sealer), nil
	case "file", "":
		return auth.NewFileStore(c.Dir, sealer)
	default:
		return nil, fmt.Errorf("unknown credential store %q", c.Store)
	}
}

func oauthConfig(cfg config.GmailConfig) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{gmail.GmailSendScope},
	}
}

// credentialManager builds the credential manager for the Gmail identity
func (d *deps) credentialManager(out func(string) error) (*auth.Manager, error) {
	store, err := d.credentialStore()
	if err != nil {
		return nil, err
	}
	flow := &auth.LoopbackFlow{
		OpenURL: out,
		Timeout: d.cfg.Gmail.ConsentTimeout,
		Log:     d.log,
	}
	return auth.NewManager(auth.ManagerConfig{
		OAuth:      oauthConfig(d.cfg.Gmail),
		RevokeURL:  d.cfg.Gmail.RevokeURL,
		HTTPClient: middleware.Client(30*time.Second, d.log),
	}, store, flow, d.log), nil
}

// transport builds the delivery channel selected by campaign.transport
func (d *deps) transport(ctx context.Context) (email.Transport, error) {
	switch d.cfg.Campaign.Transport {
	case "smtp":
		s := d.cfg.SMTP
		return email.NewSMTPTransport(email.SMTPConfig{
			Host:     s.Host,
			Port:     s.Port,
			Username: s.Username,
			Password: s.Password,
			TLS:      s.TLS,
			Timeout:  s.Timeout,
		}, d.log), nil
	case "gmail":
		manager, err := d.credentialManager(nil)
		if err != nil {
			return nil, err
		}
		return email.NewGmailTransport(ctx, email.GmailConfig{
			Identity:   d.cfg.Gmail.Identity,
			Endpoint:   d.cfg.Gmail.Endpoint,
			HTTPClient: middleware.Client(60*time.Second, d.log),
		}, manager, d.log)
	default:
		return nil, fmt.Errorf("%w: %q", config.ErrInvalidTransport, d.cfg.Campaign.Transport)
	}
}

// evidenceIndex returns the Postgres index when enabled, nil otherwise
func (d *deps) evidenceIndex() (*repository.EvidenceRepository, error) {
	if !d.cfg.Database.Enabled {
		return nil, nil
	}
	db, err := d.Postgres()
	if err != nil {
		return nil, err
	}
	return repository.NewEvidenceRepository(db), nil
}
