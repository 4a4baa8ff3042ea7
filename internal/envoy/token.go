package envoy

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token is a device bearer token issued for one gateway. It is unrelated to
// the InfluxDB token and is renewed by an external refresher.
type Token string

// String hides the token so it can be passed to a logger safely.
func (t Token) String() string {
	if t == "" {
		return ""
	}
	return "<redacted>"
}

// DeviceClaims are the claims carried by a gateway token.
type DeviceClaims struct {
	jwt.RegisteredClaims
	EnphaseUser string `json:"enphaseUser"`
	Username    string `json:"username"`
}

// Expiry reads the exp claim without verifying the signature. The gateway
// holds the signing key; the claim is only used to warn ahead of expiry.
func (t Token) Expiry() (time.Time, bool) {
	claims := &DeviceClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(string(t), claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

// TokenSource supplies the current device token.
type TokenSource interface {
	// Token returns the current token.
	Token() (Token, error)

	// Refresh picks up a token renewed by the external refresher.
	// It is called between ticks, never concurrently with a fetch.
	Refresh(ctx context.Context) error
}

// NewTokenSource returns a file-backed source when path is set, otherwise a
// static source for token.
func NewTokenSource(token, path string) TokenSource {
	if path != "" {
		return NewFileTokenSource(path)
	}
	return StaticTokenSource(token)
}

// StaticTokenSource is a token fixed at startup. Refresh cannot renew it.
type StaticTokenSource Token

// Token returns the static token.
func (s StaticTokenSource) Token() (Token, error) {
	if s == "" {
		return "", ErrNoDeviceToken
	}
	return Token(s), nil
}

// Refresh reports that a static token cannot be renewed in process.
func (s StaticTokenSource) Refresh(context.Context) error {
	return fmt.Errorf("static device token cannot be refreshed: %w", ErrDeviceAuthExpired)
}

// FileTokenSource reads the token from a file maintained by an external
// refresher. The file is read lazily and re-read on Refresh.
type FileTokenSource struct {
	path string

	mu     sync.Mutex
	token  Token
	loaded bool
}

// NewFileTokenSource creates a source reading path.
func NewFileTokenSource(path string) *FileTokenSource {
	return &FileTokenSource{path: path}
}

// Token returns the cached token, reading the file on first use.
func (s *FileTokenSource) Token() (Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.loaded {
		if err := s.loadLocked(); err != nil {
			return "", err
		}
	}
	return s.token, nil
}

// Refresh re-reads the token file. It fails when the file is missing or
// empty, or when it still holds the token that was just rejected.
func (s *FileTokenSource) Refresh(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	previous := s.token
	if err := s.loadLocked(); err != nil {
		return err
	}
	if previous != "" && s.token == previous {
		return fmt.Errorf("device token file %s unchanged since rejection: %w", s.path, ErrDeviceAuthExpired)
	}
	return nil
}

func (s *FileTokenSource) loadLocked() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("reading device token file: %w", err)
	}
	tok := Token(strings.TrimSpace(string(data)))
	if tok == "" {
		return fmt.Errorf("%w: %s is empty", ErrNoDeviceToken, s.path)
	}
	s.token = tok
	s.loaded = true
	return nil
}
