package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/oauth2"
)

// Store persists one sealed credential per identity
type Store interface {
	Load(ctx context.Context, identity string) (*oauth2.Token, error)
	Save(ctx context.Context, identity string, tok *oauth2.Token) error
	Delete(ctx context.Context, identity string) error
}

// identityKey maps an identity to a stable opaque name so account
// addresses never appear in file names or Redis keys.
func identityKey(identity string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(identity))))
	return hex.EncodeToString(sum[:16])
}

func sealToken(s *Sealer, tok *oauth2.Token) ([]byte, error) {
	plain, err := json.Marshal(tok)
	if err != nil {
		return nil, fmt.Errorf("failed to encode credential: %w", err)
	}
	return s.Seal(plain)
}

func openToken(s *Sealer, sealed []byte) (*oauth2.Token, error) {
	plain, err := s.Open(sealed)
	if err != nil {
		return nil, err
	}
	var tok oauth2.Token
	if err := json.Unmarshal(plain, &tok); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptCredential, err)
	}
	return &tok, nil
}

// FileStore keeps sealed credentials as 0600 files in a private directory
type FileStore struct {
	dir    string
	sealer *Sealer
}

// NewFileStore creates the directory if needed
func NewFileStore(dir string, sealer *Sealer) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create credential directory: %w", err)
	}
	return &FileStore{dir: dir, sealer: sealer}, nil
}

func (s *FileStore) path(identity string) string {
	return filepath.Join(s.dir, "cred-"+identityKey(identity)+".bin")
}

// Load returns ErrNotFound when no credential was saved for identity
func (s *FileStore) Load(_ context.Context, identity string) (*oauth2.Token, error) {
	data, err := os.ReadFile(s.path(identity))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read credential: %w", err)
	}
	return openToken(s.sealer, data)
}

// Save replaces the stored credential atomically
func (s *FileStore) Save(_ context.Context, identity string, tok *oauth2.Token) error {
	sealed, err := sealToken(s.sealer, tok)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dir, ".cred-*")
	if err != nil {
		return fmt.Errorf("failed to create credential file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to restrict credential file: %w", err)
	}
	if _, err := tmp.Write(sealed); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write credential: %w", err)
	}
	if err := errors.Join(tmp.Sync(), tmp.Close()); err != nil {
		return fmt.Errorf("failed to flush credential: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path(identity)); err != nil {
		return fmt.Errorf("failed to store credential: %w", err)
	}
	return nil
}

// Delete removes the credential. Missing credentials are not an error.
func (s *FileStore) Delete(_ context.Context, identity string) error {
	err := os.Remove(s.path(identity))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	return nil
}
