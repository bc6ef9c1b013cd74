package google

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/teemow/inboxflow/internal/apperrors"
	"github.com/teemow/inboxflow/internal/model"
)

// Callback is what the OAuth redirect target received.
//
// The canonical flow delivers ?code=&state= in the query. Older deployments
// redirected with the tokens themselves in the fragment
// (#access_token=&refresh_token=&expires_in=); those arrive in Legacy.
type Callback struct {
	Code   string
	State  string
	Legacy *model.Credential
}

// ParseCallback extracts a Callback from the full redirect URL. A provider
// error in the query becomes an AuthError.
func ParseCallback(rawURL string, now time.Time) (Callback, error) {
	const op = "google.callback"

	u, err := url.Parse(rawURL)
	if err != nil {
		return Callback{}, fmt.Errorf("invalid callback URL: %w", err)
	}

	q := u.Query()
	if e := q.Get("error"); e != "" {
		if desc := q.Get("error_description"); desc != "" {
			e += ": " + desc
		}
		return Callback{}, apperrors.Auth(op, fmt.Errorf("authorization denied: %s", e))
	}
	if code := q.Get("code"); code != "" {
		return Callback{Code: code, State: q.Get("state")}, nil
	}

	if u.Fragment == "" {
		return Callback{}, errors.New("callback URL carries neither an authorization code nor tokens")
	}
	frag, err := url.ParseQuery(u.Fragment)
	if err != nil {
		return Callback{}, fmt.Errorf("invalid callback fragment: %w", err)
	}
	access := frag.Get("access_token")
	if access == "" {
		return Callback{}, errors.New("callback fragment has no access_token")
	}

	cred := model.Credential{
		AccessToken:  access,
		RefreshToken: frag.Get("refresh_token"),
		TokenType:    frag.Get("token_type"),
	}
	if s := frag.Get("expires_in"); s != "" {
		secs, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return Callback{}, fmt.Errorf("invalid expires_in %q: %w", s, err)
		}
		cred.ExpiresAt = now.Add(time.Duration(secs) * time.Second)
	}
	return Callback{State: frag.Get("state"), Legacy: &cred}, nil
}

// CompleteCallback finishes either flow for account. When expectedState is
// not empty the callback state must match it.
func (m *Manager) CompleteCallback(ctx context.Context, account, rawURL, expectedState string) (model.Credential, error) {
	cb, err := ParseCallback(rawURL, m.now())
	if err != nil {
		return model.Credential{}, err
	}
	if expectedState != "" && cb.State != expectedState {
		return model.Credential{}, apperrors.Auth("google.callback", errors.New("state mismatch"))
	}
	if cb.Legacy != nil {
		m.logger.Warn("importing tokens from legacy callback fragment")
		if err := m.ImportCredential(account, *cb.Legacy); err != nil {
			return model.Credential{}, err
		}
		return *cb.Legacy, nil
	}
	return m.ExchangeCode(ctx, account, cb.Code)
}
