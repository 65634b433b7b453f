package security

import (
	"context"
	"os"
	"strings"
	"sync"
	"time"

	apperrors "dhan-tracker/internal/errors"
)

// Well-known credential names.
const (
	DhanAccessToken    = "dhan_access_token"
	UpstoxAccessToken  = "upstox_access_token"
	ZerodhaAccessToken = "zerodha_access_token"
)

// Token is a stored credential.
type Token struct {
	Name      string    `json:"name"`
	Value     string    `json:"-"`
	UpdatedAt time.Time `json:"updated_at"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the token is past its expiry at now. A token with
// no known expiry never expires.
func (t *Token) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && !now.Before(t.ExpiresAt)
}

// CredentialStore persists access tokens. GetToken returns
// errors.ErrDataNotFound when no token is stored under name.
type CredentialStore interface {
	GetToken(ctx context.Context, name string) (*Token, error)
	SetToken(ctx context.Context, token Token) error
}

// MemoryStore is an in-process CredentialStore.
type MemoryStore struct {
	mu     sync.RWMutex
	tokens map[string]Token
}

// NewMemoryStore creates an empty in-memory credential store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tokens: make(map[string]Token)}
}

// GetToken implements CredentialStore.
func (m *MemoryStore) GetToken(_ context.Context, name string) (*Token, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tokens[name]
	if !ok {
		return nil, apperrors.ErrDataNotFound
	}
	return &t, nil
}

// SetToken implements CredentialStore.
func (m *MemoryStore) SetToken(_ context.Context, token Token) error {
	if token.UpdatedAt.IsZero() {
		token.UpdatedAt = time.Now()
	}
	m.mu.Lock()
	m.tokens[token.Name] = token
	m.mu.Unlock()
	return nil
}

// EnvStore reads tokens from environment variables. Writes update only the
// process environment.
type EnvStore struct {
	// Vars maps credential names to environment variable names.
	Vars map[string]string
}

// DefaultEnvStore returns an EnvStore for the standard variables.
func DefaultEnvStore() EnvStore {
	return EnvStore{Vars: map[string]string{
		DhanAccessToken:    "DHAN_ACCESS_TOKEN",
		UpstoxAccessToken:  "UPSTOX_ACCESS_TOKEN",
		ZerodhaAccessToken: "ZERODHA_ACCESS_TOKEN",
	}}
}

// GetToken implements CredentialStore.
func (e EnvStore) GetToken(_ context.Context, name string) (*Token, error) {
	v := strings.TrimSpace(os.Getenv(e.envName(name)))
	if v == "" {
		return nil, apperrors.ErrDataNotFound
	}
	return &Token{Name: name, Value: v}, nil
}

// SetToken implements CredentialStore.
func (e EnvStore) SetToken(_ context.Context, token Token) error {
	return os.Setenv(e.envName(token.Name), token.Value)
}

func (e EnvStore) envName(name string) string {
	if v, ok := e.Vars[name]; ok {
		return v
	}
	return strings.ToUpper(name)
}

// LayeredStore reads from each store in order and writes to the first.
// A database-backed store placed first takes priority over the environment.
type LayeredStore struct {
	stores []CredentialStore
}

// NewLayeredStore combines stores; the first is the write target.
func NewLayeredStore(stores ...CredentialStore) *LayeredStore {
	return &LayeredStore{stores: stores}
}

// GetToken implements CredentialStore.
func (l *LayeredStore) GetToken(ctx context.Context, name string) (*Token, error) {
	var errs []error
	for _, s := range l.stores {
		t, err := s.GetToken(ctx, name)
		if err == nil && t.Value != "" {
			return t, nil
		}
		if err != nil && !apperrors.Is(err, apperrors.ErrDataNotFound) {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return nil, apperrors.Join(append(errs, apperrors.ErrDataNotFound)...)
	}
	return nil, apperrors.ErrDataNotFound
}

// SetToken implements CredentialStore.
func (l *LayeredStore) SetToken(ctx context.Context, token Token) error {
	if len(l.stores) == 0 {
		return apperrors.ErrUnsupported
	}
	return l.stores[0].SetToken(ctx, token)
}
