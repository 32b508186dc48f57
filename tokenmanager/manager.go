// Package tokenmanager keeps a single valid OAuth2 access token per source
// connection, refreshing proactively and on 401, per spec §4.D. It is the
// sole authority on "what's the current access token?" during a run and
// guarantees that N concurrent callers observing an expired token trigger
// at most one network refresh.
package tokenmanager

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/oauth2"
)

// refreshInterval is the proactive refresh window: well under the typical
// one-hour expiry most OAuth2 providers issue (§4.D).
const refreshInterval = 25 * time.Minute

// Credentials is what the manager reads from and writes back to the
// integration-credential store.
type Credentials struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// CredentialStore persists refreshed credentials. The manager seals them
// with nacl/secretbox itself, so Save receives already-encrypted bytes
// (encryptedBlob).
type CredentialStore interface {
	Load(ctx context.Context, sourceConnectionID string) (*Credentials, error)
	Save(ctx context.Context, sourceConnectionID string, encryptedBlob []byte) error
}

// AuthProvider is the external auth-provider refresh path (§4.D variant 1):
// a white-label or managed-identity backend that owns refresh entirely.
type AuthProvider interface {
	FetchCredentials(ctx context.Context, sourceShortName string) (*Credentials, error)
}

// OAuth2Endpoint describes the standard OAuth2 refresh path (§4.D variant
// 2), optionally overridden with white-label client credentials.
type OAuth2Endpoint struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
}

// Strategy selects which refresh path a Manager uses.
type Strategy int

const (
	// StrategyNone is used for directly-injected tokens and API keys:
	// refresh is never possible.
	StrategyNone Strategy = iota
	StrategyAuthProvider
	StrategyOAuth2
)

// Manager is a per-source-connection authority on the current access
// token. One Manager MUST be shared by every worker touching a given
// source connection within a run; it must never be reconstructed per
// worker, or the mutex stops being a meaningful choke point (§9).
type Manager struct {
	mu sync.Mutex

	sourceConnectionID string
	sourceShortName    string
	strategy           Strategy

	current     Credentials
	lastRefresh time.Time

	endpoint     OAuth2Endpoint
	whiteLabel   *OAuth2Endpoint
	authProvider AuthProvider
	store        CredentialStore
	encryptKey   [32]byte

	log *logrus.Entry
}

// New constructs a Manager. encryptKey is the 32-byte symmetric key used to
// seal credentials (nacl/secretbox) before they reach store.Save.
func New(sourceConnectionID, sourceShortName string, strategy Strategy, initial Credentials, encryptKey [32]byte, store CredentialStore, log *logrus.Entry) *Manager {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Manager{
		sourceConnectionID: sourceConnectionID,
		sourceShortName:    sourceShortName,
		strategy:           strategy,
		current:            initial,
		lastRefresh:        time.Now(),
		store:              store,
		encryptKey:         encryptKey,
		log:                log.WithField("source_connection_id", sourceConnectionID),
	}
}

// WithOAuth2Endpoint configures the standard-refresh path.
func (m *Manager) WithOAuth2Endpoint(ep OAuth2Endpoint) *Manager {
	m.endpoint = ep
	return m
}

// WithWhiteLabel configures a reseller's own OAuth2 client id/secret,
// overriding the platform's for the standard-refresh path (supplemental
// feature carried over from original_source/).
func (m *Manager) WithWhiteLabel(ep OAuth2Endpoint) *Manager {
	m.whiteLabel = &ep
	return m
}

// WithAuthProvider configures the auth-provider refresh path.
func (m *Manager) WithAuthProvider(p AuthProvider) *Manager {
	m.authProvider = p
	return m
}

func (m *Manager) refreshable() bool {
	return m.strategy != StrategyNone
}

// GetValidToken returns a token guaranteed not to be past the proactive
// refresh window. Non-refreshable connections always return the token they
// were constructed with.
func (m *Manager) GetValidToken(ctx context.Context) (string, error) {
	if !m.refreshable() {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.current.AccessToken, nil
	}

	m.mu.Lock()
	stillFresh := time.Since(m.lastRefresh) < refreshInterval
	token := m.current.AccessToken
	m.mu.Unlock()
	if stillFresh {
		return token, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// Double-checked: another caller may have refreshed while we were
	// waiting for the lock.
	if time.Since(m.lastRefresh) < refreshInterval {
		return m.current.AccessToken, nil
	}
	if err := m.refreshLocked(ctx); err != nil {
		return "", err
	}
	return m.current.AccessToken, nil
}

// RefreshOnUnauthorized forces a refresh after a source observed a 401.
// staleToken is the token the caller used for the request that failed; if
// the manager's current token has already moved past it (another caller
// won the race), this returns the newer token without making a second
// network call — the ordering guarantee in §4.D.
func (m *Manager) RefreshOnUnauthorized(ctx context.Context, staleToken string) (string, error) {
	if !m.refreshable() {
		return "", ErrNotRefreshable
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current.AccessToken != staleToken {
		return m.current.AccessToken, nil
	}
	if err := m.refreshLocked(ctx); err != nil {
		return "", err
	}
	return m.current.AccessToken, nil
}

// refreshLocked performs the actual refresh. Caller MUST hold m.mu.
func (m *Manager) refreshLocked(ctx context.Context) error {
	var fresh *Credentials
	var err error

	switch m.strategy {
	case StrategyAuthProvider:
		fresh, err = m.refreshViaAuthProvider(ctx)
	case StrategyOAuth2:
		fresh, err = m.refreshViaOAuth2(ctx)
	default:
		return ErrNotRefreshable
	}
	if err != nil {
		return err
	}

	m.current = *fresh
	m.lastRefresh = time.Now()
	m.log.WithField("expires_at", fresh.ExpiresAt).Info("token refreshed")

	if m.store == nil {
		return nil
	}
	blob, err := m.encrypt(fresh)
	if err != nil {
		return fmt.Errorf("encrypt refreshed credentials: %w", err)
	}
	if err := m.store.Save(ctx, m.sourceConnectionID, blob); err != nil {
		return fmt.Errorf("persist refreshed credentials: %w", err)
	}
	return nil
}

func (m *Manager) refreshViaAuthProvider(ctx context.Context) (*Credentials, error) {
	if m.authProvider == nil {
		return nil, fmt.Errorf("%w: no auth provider configured", ErrAuthProviderCall)
	}
	creds, err := m.authProvider.FetchCredentials(ctx, m.sourceShortName)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthProviderCall, err)
	}
	return creds, nil
}

func (m *Manager) refreshViaOAuth2(ctx context.Context) (*Credentials, error) {
	if m.current.RefreshToken == "" {
		return nil, ErrNoRefreshToken
	}

	ep := m.endpoint
	clientID, clientSecret := ep.ClientID, ep.ClientSecret
	if m.whiteLabel != nil {
		clientID, clientSecret = m.whiteLabel.ClientID, m.whiteLabel.ClientSecret
		if m.whiteLabel.TokenURL != "" {
			ep.TokenURL = m.whiteLabel.TokenURL
		}
	}

	cfg := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: ep.TokenURL},
	}
	src := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: m.current.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}

	newRefresh := m.current.RefreshToken
	if tok.RefreshToken != "" {
		// Some providers rotate refresh tokens on every use (§4.D).
		newRefresh = tok.RefreshToken
	}
	return &Credentials{
		AccessToken:  tok.AccessToken,
		RefreshToken: newRefresh,
		ExpiresAt:    tok.Expiry,
	}, nil
}

// PeekExpiry reads the exp claim of an opaque-looking JWT without any
// network round trip — the last-resort liveness check for directly-
// injected tokens (§4.A).
func PeekExpiry(tokenString string) (time.Time, error) {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	_, _, err := parser.ParseUnverified(tokenString, claims)
	if err != nil {
		return time.Time{}, fmt.Errorf("peek token expiry: %w", err)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, fmt.Errorf("peek token expiry: no exp claim")
	}
	return exp.Time, nil
}

func (m *Manager) encrypt(c *Credentials) ([]byte, error) {
	plaintext, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, err
	}
	sealed := secretbox.Seal(nonce[:], plaintext, &nonce, &m.encryptKey)
	return sealed, nil
}

// Decrypt reverses encrypt, used by CredentialStore implementations and by
// run-context builders rehydrating a Manager from storage.
func Decrypt(blob []byte, key [32]byte) (*Credentials, error) {
	if len(blob) < 24 {
		return nil, fmt.Errorf("decrypt credentials: blob too short")
	}
	var nonce [24]byte
	copy(nonce[:], blob[:24])
	plaintext, ok := secretbox.Open(nil, blob[24:], &nonce, &key)
	if !ok {
		return nil, fmt.Errorf("decrypt credentials: authentication failed")
	}
	var c Credentials
	if err := json.Unmarshal(plaintext, &c); err != nil {
		return nil, fmt.Errorf("decrypt credentials: %w", err)
	}
	return &c, nil
}
