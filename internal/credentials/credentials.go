// Package credentials turns stored integration credentials into ready-to-use
// remotes: decrypted, throttled per account and guarded by the account's
// circuit breaker.
package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"
	"golang.org/x/time/rate"

	"github.com/macjediwizard/caldavsync/internal/breaker"
	"github.com/macjediwizard/caldavsync/internal/caldav"
	"github.com/macjediwizard/caldavsync/internal/crypto"
	"github.com/macjediwizard/caldavsync/internal/db"
)

var (
	ErrMissingCredential = errors.New("credential not found")
	ErrBadCredential     = errors.New("credential cannot be used")
)

// Store persists credentials.
type Store interface {
	SaveCredential(c *db.Credential) error
	GetCredential(ref string) (*db.Credential, error)
	UpdateCredentialToken(ref, token string) error
}

// Config holds remote client settings shared by every account.
type Config struct {
	// GoogleClientID and GoogleClientSecret enable refreshing Google tokens.
	// Without them an expired token surfaces as auth_expired.
	GoogleClientID     string
	GoogleClientSecret string

	// RPS and Burst bound the request rate of one account.
	RPS   float64
	Burst int

	Timeout time.Duration

	// HTTPClient overrides the client used for CalDAV and token requests.
	HTTPClient *http.Client
}

// Manager implements the engine's RemoteFactory.
type Manager struct {
	store    Store
	enc      *crypto.Encryptor
	breakers *breaker.Registry
	cfg      Config

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New creates a Manager.
func New(store Store, enc *crypto.Encryptor, breakers *breaker.Registry, cfg Config) *Manager {
	if cfg.RPS <= 0 {
		cfg.RPS = 5
	}
	if cfg.Burst < 1 {
		cfg.Burst = 10
	}
	return &Manager{
		store:    store,
		enc:      enc,
		breakers: breakers,
		cfg:      cfg,
		limiters: make(map[string]*rate.Limiter),
	}
}

// SaveBasic encrypts and stores a username/password credential.
func (m *Manager) SaveBasic(username, password string) (*db.Credential, error) {
	secret, err := m.enc.Encrypt(password)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt password: %w", err)
	}
	c := &db.Credential{Kind: db.CredentialBasic, Username: username, Secret: secret}
	if err := m.store.SaveCredential(c); err != nil {
		return nil, err
	}
	return c, nil
}

// SaveOAuth2 encrypts and stores an OAuth2 token. username is the account's
// calendar id.
func (m *Manager) SaveOAuth2(username string, token *oauth2.Token) (*db.Credential, error) {
	if token == nil || (token.AccessToken == "" && token.RefreshToken == "") {
		return nil, fmt.Errorf("%w: empty token", ErrBadCredential)
	}
	sealed, err := m.sealToken(token)
	if err != nil {
		return nil, err
	}
	c := &db.Credential{Kind: db.CredentialOAuth2, Username: username, Token: sealed}
	if err := m.store.SaveCredential(c); err != nil {
		return nil, err
	}
	return c, nil
}

// RemoteFor builds the guarded remote for an integration.
func (m *Manager) RemoteFor(ctx context.Context, in *db.Integration) (caldav.Remote, error) {
	opts, err := m.Options(ctx, in)
	if err != nil {
		return nil, err
	}
	remote, err := caldav.New(opts)
	if err != nil {
		return nil, err
	}
	return breaker.Guard(remote, m.breakers.For(in.AccountID)), nil
}

// Options resolves the integration's credential into client options.
func (m *Manager) Options(ctx context.Context, in *db.Integration) (caldav.Options, error) {
	cred, err := m.store.GetCredential(in.CredentialRef)
	if errors.Is(err, db.ErrNotFound) {
		return caldav.Options{}, authError(fmt.Errorf("%w: %s", ErrMissingCredential, in.CredentialRef))
	}
	if err != nil {
		return caldav.Options{}, err
	}

	opts := caldav.Options{
		Provider:   caldav.Provider(in.Provider),
		BaseURL:    in.BaseURL,
		Username:   cred.Username,
		Limiter:    m.Limiter(in.AccountID),
		Timeout:    m.cfg.Timeout,
		HTTPClient: m.cfg.HTTPClient,
	}

	switch cred.Kind {
	case db.CredentialBasic:
		password, err := m.enc.Decrypt(cred.Secret)
		if err != nil {
			return caldav.Options{}, authError(fmt.Errorf("%w: %w", ErrBadCredential, err))
		}
		opts.Password = password
	case db.CredentialOAuth2:
		ts, err := m.tokenSource(ctx, cred)
		if err != nil {
			return caldav.Options{}, err
		}
		opts.TokenSource = ts
	default:
		return caldav.Options{}, authError(fmt.Errorf("%w: unknown kind %q", ErrBadCredential, cred.Kind))
	}
	return opts, nil
}

// Limiter returns the shared request limiter of an account.
func (m *Manager) Limiter(accountID string) *rate.Limiter {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.limiters[accountID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(m.cfg.RPS), m.cfg.Burst)
		m.limiters[accountID] = l
	}
	return l
}

// Forget drops the per-account limiter and breaker.
func (m *Manager) Forget(accountID string) {
	m.mu.Lock()
	delete(m.limiters, accountID)
	m.mu.Unlock()
	m.breakers.Remove(accountID)
}

func (m *Manager) oauthConfig() *oauth2.Config {
	if m.cfg.GoogleClientID == "" || m.cfg.GoogleClientSecret == "" {
		return nil
	}
	return &oauth2.Config{
		ClientID:     m.cfg.GoogleClientID,
		ClientSecret: m.cfg.GoogleClientSecret,
		Endpoint:     endpoints.Google,
	}
}

func (m *Manager) tokenSource(ctx context.Context, cred *db.Credential) (oauth2.TokenSource, error) {
	token, err := m.openToken(cred.Token)
	if err != nil {
		return nil, authError(fmt.Errorf("%w: %w", ErrBadCredential, err))
	}

	conf := m.oauthConfig()
	if conf == nil || token.RefreshToken == "" {
		return oauth2.StaticTokenSource(token), nil
	}

	// The token source outlives the request that created it.
	base := context.WithoutCancel(ctx)
	if m.cfg.HTTPClient != nil {
		base = context.WithValue(base, oauth2.HTTPClient, m.cfg.HTTPClient)
	}
	return &persistingSource{
		ref:    cred.Ref,
		store:  m.store,
		seal:   m.sealToken,
		last:   token.AccessToken,
		source: oauth2.ReuseTokenSource(token, conf.TokenSource(base, token)),
	}, nil
}

func (m *Manager) sealToken(token *oauth2.Token) (string, error) {
	raw, err := json.Marshal(token)
	if err != nil {
		return "", fmt.Errorf("failed to encode token: %w", err)
	}
	sealed, err := m.enc.Encrypt(string(raw))
	if err != nil {
		return "", fmt.Errorf("failed to encrypt token: %w", err)
	}
	return sealed, nil
}

func (m *Manager) openToken(sealed string) (*oauth2.Token, error) {
	raw, err := m.enc.Decrypt(sealed)
	if err != nil {
		return nil, err
	}
	token := &oauth2.Token{}
	if err := json.Unmarshal([]byte(raw), token); err != nil {
		return nil, fmt.Errorf("failed to decode token: %w", err)
	}
	return token, nil
}

// persistingSource writes refreshed tokens back to the store so a restart
// does not need to refresh again.
type persistingSource struct {
	ref    string
	store  Store
	seal   func(*oauth2.Token) (string, error)
	source oauth2.TokenSource

	mu   sync.Mutex
	last string
}

func (p *persistingSource) Token() (*oauth2.Token, error) {
	token, err := p.source.Token()
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if token.AccessToken == p.last {
		return token, nil
	}
	p.last = token.AccessToken

	sealed, err := p.seal(token)
	if err == nil {
		err = p.store.UpdateCredentialToken(p.ref, sealed)
	}
	if err != nil {
		// The refreshed token still works for this run.
		log.Printf("[Credentials] Failed to persist refreshed token for %s: %v", p.ref, err)
	}
	return token, nil
}

// authError marks credential problems so runs report auth_expired and the
// integration is suspended until it is reconnected.
func authError(err error) error {
	return &caldav.Error{Kind: caldav.KindAuthExpired, Op: "credentials", Err: err}
}
