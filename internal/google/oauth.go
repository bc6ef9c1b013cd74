package google

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/sync/singleflight"

	"github.com/teemow/inboxflow/internal/apperrors"
	"github.com/teemow/inboxflow/internal/instrumentation"
	"github.com/teemow/inboxflow/internal/logging"
	"github.com/teemow/inboxflow/internal/model"
)

// Config describes the OAuth client registered with Google.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string

	// SafetyMargin treats a token as expired this long before its real
	// expiry. Zero means model.DefaultSafetyMargin.
	SafetyMargin time.Duration

	// Endpoint overrides google.Endpoint, mainly for tests.
	Endpoint oauth2.Endpoint
}

// RefreshTimeout bounds one refresh-token grant.
const RefreshTimeout = 30 * time.Second

// Option configures a Manager.
type Option func(*Manager)

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

func WithMetrics(metrics *instrumentation.Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithHTTPClient sets the client used to reach the token endpoint.
func WithHTTPClient(client *http.Client) Option {
	return func(m *Manager) { m.httpClient = client }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager obtains, refreshes and persists Google OAuth credentials.
type Manager struct {
	cfg        Config
	oauth      *oauth2.Config
	store      CredentialStore
	refreshes  singleflight.Group
	logger     *slog.Logger
	metrics    *instrumentation.Metrics
	httpClient *http.Client
	now        func() time.Time
}

// NewManager creates a Manager persisting credentials in store.
func NewManager(cfg Config, store CredentialStore, opts ...Option) *Manager {
	if cfg.SafetyMargin <= 0 {
		cfg.SafetyMargin = model.DefaultSafetyMargin
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = GmailScopes
	}
	endpoint := cfg.Endpoint
	if endpoint.TokenURL == "" {
		endpoint = google.Endpoint
	}

	m := &Manager{
		cfg: cfg,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     endpoint,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
		},
		store:  store,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = logging.WithOperation(m.logger, "google.oauth")
	return m
}

func (m *Manager) validate(op string) error {
	if m.cfg.ClientID == "" {
		return apperrors.Configf(op, "google client id is not configured")
	}
	if m.cfg.RedirectURL == "" {
		return apperrors.Configf(op, "google redirect URL is not configured")
	}
	return nil
}

func (m *Manager) clientContext(ctx context.Context) context.Context {
	if m.httpClient != nil {
		return context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)
	}
	return ctx
}

// AuthorizationURL returns the consent URL for state. Offline access and a
// forced consent prompt are always requested so that Google issues a
// refresh token. The result depends only on its inputs.
func (m *Manager) AuthorizationURL(state string, scopes ...string) (string, error) {
	if err := m.validate("google.authorization_url"); err != nil {
		return "", err
	}
	conf := m.oauth
	if len(scopes) > 0 {
		c := *m.oauth
		c.Scopes = scopes
		conf = &c
	}
	return conf.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce), nil
}

// ExchangeCode trades a one-time authorization code for a credential and
// stores it for account.
func (m *Manager) ExchangeCode(ctx context.Context, account, code string) (model.Credential, error) {
	const op = "google.exchange_code"
	if err := m.validate(op); err != nil {
		return model.Credential{}, err
	}
	if code == "" {
		return model.Credential{}, apperrors.Auth(op, errors.New("authorization code is empty"))
	}

	start := m.now()
	tok, err := m.oauth.Exchange(m.clientContext(ctx), code)
	m.metrics.RecordAPIOperation(ctx, instrumentation.ServiceGoogle, "exchange", instrumentation.StatusFromError(err), m.now().Sub(start))
	if err != nil {
		m.metrics.RecordOAuthAuth(ctx, instrumentation.OAuthResultFailure)
		var re *oauth2.RetrieveError
		if errors.As(err, &re) {
			return model.Credential{}, apperrors.Auth(op, fmt.Errorf("code rejected: %w", err))
		}
		return model.Credential{}, fmt.Errorf("failed to exchange auth code: %w", err)
	}
	m.metrics.RecordOAuthAuth(ctx, instrumentation.OAuthResultSuccess)

	cred := model.CredentialFromToken(tok)
	if err := m.store.Save(account, cred); err != nil {
		return model.Credential{}, fmt.Errorf("failed to store credential: %w", err)
	}
	m.logger.Info("account connected", logging.Account(account),
		slog.String("access_token", logging.SanitizeToken(cred.AccessToken)),
		slog.Bool("refresh_token", cred.RefreshToken != ""))
	return cred, nil
}

// ImportCredential stores a credential obtained out of band, such as the
// tokens carried in a legacy callback fragment.
func (m *Manager) ImportCredential(account string, cred model.Credential) error {
	if cred.AccessToken == "" {
		return apperrors.Auth("google.import", errors.New("credential has no access token"))
	}
	if err := m.store.Save(account, cred); err != nil {
		return fmt.Errorf("failed to store credential: %w", err)
	}
	return nil
}

// EnsureValidToken returns cred unchanged while it is outside the safety
// margin. Otherwise it performs one refresh-token grant per account, shared
// by all concurrent callers, and stores the result.
func (m *Manager) EnsureValidToken(ctx context.Context, account string, cred model.Credential) (model.Credential, error) {
	const op = "google.refresh"
	if cred.Valid(m.now(), m.cfg.SafetyMargin) {
		return cred, nil
	}
	if cred.RefreshToken == "" {
		return model.Credential{}, apperrors.Auth(op, errors.New("credential expired and has no refresh token"))
	}

	// The grant runs detached from ctx so that one caller giving up does not
	// fail the others waiting on the same flight.
	ch := m.refreshes.DoChan(account, func() (interface{}, error) {
		// A flight that finished just before this one may already have stored
		// a fresh credential.
		if stored, err := m.store.Load(account); err == nil && stored.Valid(m.now(), m.cfg.SafetyMargin) {
			return stored, nil
		}
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), RefreshTimeout)
		defer cancel()
		return m.refresh(rctx, account, cred)
	})

	select {
	case <-ctx.Done():
		return model.Credential{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return model.Credential{}, res.Err
		}
		if res.Shared {
			m.logger.Debug("joined in-flight token refresh", logging.Account(account))
		}
		return res.Val.(model.Credential), nil
	}
}

func (m *Manager) refresh(ctx context.Context, account string, cred model.Credential) (model.Credential, error) {
	const op = "google.refresh"

	expired := &oauth2.Token{
		AccessToken:  cred.AccessToken,
		RefreshToken: cred.RefreshToken,
		TokenType:    cred.TokenType,
		Expiry:       time.Unix(1, 0),
	}

	start := m.now()
	tok, err := m.oauth.TokenSource(m.clientContext(ctx), expired).Token()
	m.metrics.RecordAPIOperation(ctx, instrumentation.ServiceGoogle, "refresh", instrumentation.StatusFromError(err), m.now().Sub(start))
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && refreshRejected(re) {
			m.metrics.RecordOAuthTokenRefresh(ctx, instrumentation.OAuthResultRevoked)
			if derr := m.store.Delete(account); derr != nil {
				m.logger.Warn("failed to clear revoked credential", logging.Account(account), logging.Err(derr))
			}
			m.logger.Warn("refresh token rejected, credential cleared", logging.Account(account), slog.String("error_code", re.ErrorCode))
			return model.Credential{}, apperrors.Auth(op, fmt.Errorf("refresh token rejected: %w", err))
		}
		m.metrics.RecordOAuthTokenRefresh(ctx, instrumentation.OAuthResultFailure)
		return model.Credential{}, fmt.Errorf("failed to refresh token: %w", err)
	}
	m.metrics.RecordOAuthTokenRefresh(ctx, instrumentation.OAuthResultSuccess)

	fresh := model.CredentialFromToken(tok)
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = cred.RefreshToken
	}
	if err := m.store.Save(account, fresh); err != nil {
		return model.Credential{}, fmt.Errorf("failed to store refreshed credential: %w", err)
	}
	m.logger.Info("access token refreshed", logging.Account(account), slog.Time("expires_at", fresh.ExpiresAt))
	return fresh, nil
}

// refreshRejected reports whether the token endpoint refused the grant
// itself, as opposed to failing temporarily.
func refreshRejected(re *oauth2.RetrieveError) bool {
	switch re.ErrorCode {
	case "invalid_grant", "unauthorized_client", "invalid_client":
		return true
	}
	if re.Response == nil {
		return false
	}
	return re.Response.StatusCode == http.StatusBadRequest || re.Response.StatusCode == http.StatusUnauthorized
}

// Credential loads the stored credential for account and refreshes it if
// needed. A missing credential is an AuthError.
func (m *Manager) Credential(ctx context.Context, account string) (model.Credential, error) {
	cred, err := m.store.Load(account)
	if errors.Is(err, ErrNoCredential) {
		return model.Credential{}, apperrors.Auth("google.credential", fmt.Errorf("account %q is not connected", account))
	}
	if err != nil {
		return model.Credential{}, err
	}
	return m.EnsureValidToken(ctx, account, cred)
}

// Connected reports whether a credential is stored for account.
func (m *Manager) Connected(account string) bool {
	_, err := m.store.Load(account)
	return err == nil
}

// Disconnect forgets the stored credential for account.
func (m *Manager) Disconnect(account string) error {
	if err := m.store.Delete(account); err != nil {
		return fmt.Errorf("failed to disconnect account %q: %w", account, err)
	}
	m.logger.Info("account disconnected", logging.Account(account))
	return nil
}

// TokenSource returns a token source for API clients. Tokens are reused
// until they enter the safety margin.
func (m *Manager) TokenSource(ctx context.Context, account string) oauth2.TokenSource {
	return oauth2.ReuseTokenSourceWithExpiry(nil, &managedSource{ctx: ctx, m: m, account: account}, m.cfg.SafetyMargin)
}

type managedSource struct {
	ctx     context.Context
	m       *Manager
	account string
}

func (s *managedSource) Token() (*oauth2.Token, error) {
	cred, err := s.m.Credential(s.ctx, s.account)
	if err != nil {
		return nil, err
	}
	return cred.Token(), nil
}
