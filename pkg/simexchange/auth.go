package simexchange

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrTokenExpired is returned when the session token's exp claim has passed.
// Issuing a new token is the auth service's job, not ours.
var ErrTokenExpired = errors.New("session token expired")

// TokenSource supplies the bearer token for backend requests.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed bearer token.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) {
	if t == "" {
		return "", errors.New("no session token configured")
	}
	return string(t), nil
}

// FileToken reads the token from a file, re-reading it when the file changes
// so an external login flow can rotate it.
type FileToken struct {
	path string

	mu      sync.Mutex
	token   string
	modTime time.Time
}

func NewFileToken(path string) *FileToken {
	return &FileToken{path: path}
}

func (f *FileToken) Token(context.Context) (string, error) {
	info, err := os.Stat(f.path)
	if err != nil {
		return "", fmt.Errorf("failed to stat token file: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.token != "" && info.ModTime().Equal(f.modTime) {
		return f.token, nil
	}

	data, err := os.ReadFile(f.path)
	if err != nil {
		return "", fmt.Errorf("failed to read token file: %w", err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", fmt.Errorf("token file %s is empty", f.path)
	}

	f.token = token
	f.modTime = info.ModTime()
	return token, nil
}

// SecretGetter is satisfied by secrets.GCPSecretManager.
type SecretGetter interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

// SecretToken fetches the token from a secret store once and caches it until
// it expires.
type SecretToken struct {
	getter SecretGetter
	name   string

	mu    sync.Mutex
	token string
}

func NewSecretToken(getter SecretGetter, name string) *SecretToken {
	return &SecretToken{getter: getter, name: name}
}

func (s *SecretToken) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" {
		if _, err := checkExpiry(s.token, time.Now()); err == nil {
			return s.token, nil
		}
	}

	value, err := s.getter.GetSecret(ctx, s.name)
	if err != nil {
		return "", err
	}
	s.token = strings.TrimSpace(value)
	return s.token, nil
}

// checkExpiry inspects the exp claim of a JWT without verifying it; the
// backend does verification. Opaque tokens pass through with a zero time.
func checkExpiry(token string, now time.Time) (time.Time, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, nil
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, nil
	}
	if !exp.After(now) {
		return exp.Time, fmt.Errorf("%w at %s", ErrTokenExpired, exp.Time.Format(time.RFC3339))
	}
	return exp.Time, nil
}

func addAuthHeader(ctx context.Context, req *http.Request, source TokenSource) error {
	if source == nil {
		return nil
	}
	token, err := source.Token(ctx)
	if err != nil {
		return fmt.Errorf("failed to get session token: %w", err)
	}
	if _, err := checkExpiry(token, time.Now()); err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}
