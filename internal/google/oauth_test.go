package google

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/teemow/inboxflow/internal/apperrors"
	"github.com/teemow/inboxflow/internal/model"
)

var testNow = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type tokenServer struct {
	*httptest.Server
	refreshes atomic.Int32
	exchanges atomic.Int32

	// hold, when set before the first request, delays refresh responses
	// until it is closed.
	hold chan struct{}
}

func newTokenServer(t *testing.T) *tokenServer {
	t.Helper()
	ts := &tokenServer{}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		w.Header().Set("Content-Type", "application/json")

		switch r.PostForm.Get("grant_type") {
		case "authorization_code":
			ts.exchanges.Add(1)
			if r.PostForm.Get("code") != "good-code" {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"access_token":  "access-1",
				"refresh_token": "refresh-1",
				"expires_in":    3600,
				"token_type":    "Bearer",
			})
		case "refresh_token":
			if r.PostForm.Get("refresh_token") == "revoked" {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"Token has been expired or revoked."}`))
				return
			}
			n := ts.refreshes.Add(1)
			if ts.hold != nil {
				<-ts.hold
			}
			time.Sleep(50 * time.Millisecond)
			// Google omits refresh_token on refresh.
			_ = json.NewEncoder(w).Encode(map[string]any{
				"access_token": "refreshed-" + string(rune('0'+n)),
				"expires_in":   3600,
				"token_type":   "Bearer",
			})
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	t.Cleanup(ts.Close)
	return ts
}

func newTestManager(t *testing.T, ts *tokenServer, store CredentialStore) *Manager {
	t.Helper()
	return NewManager(Config{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		RedirectURL:  "http://localhost:8080/oauth/callback",
		Endpoint: oauth2.Endpoint{
			AuthURL:  "https://accounts.example.com/o/oauth2/auth",
			TokenURL: ts.URL + "/token",
		},
	}, store, WithClock(func() time.Time { return testNow }))
}

func TestAuthorizationURL(t *testing.T) {
	m := newTestManager(t, newTokenServer(t), NewMemoryStore())

	got, err := m.AuthorizationURL("xyz")
	require.NoError(t, err)

	again, err := m.AuthorizationURL("xyz")
	require.NoError(t, err)
	assert.Equal(t, got, again)

	u, err := url.Parse(got)
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, "client-id", q.Get("client_id"))
	assert.Equal(t, "http://localhost:8080/oauth/callback", q.Get("redirect_uri"))
	assert.Equal(t, "offline", q.Get("access_type"))
	assert.Equal(t, "consent", q.Get("prompt"))
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "xyz", q.Get("state"))
	assert.Contains(t, q.Get("scope"), "gmail.readonly")
}

func TestAuthorizationURL_MissingConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"no client id", Config{RedirectURL: "http://localhost/cb"}},
		{"no redirect url", Config{ClientID: "id"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewManager(tt.cfg, NewMemoryStore()).AuthorizationURL("s")
			require.Error(t, err)
			assert.True(t, apperrors.Is(err, apperrors.KindConfig))
		})
	}
}

func TestExchangeCode(t *testing.T) {
	ts := newTokenServer(t)
	store := NewMemoryStore()
	m := newTestManager(t, ts, store)

	cred, err := m.ExchangeCode(context.Background(), "default", "good-code")
	require.NoError(t, err)
	assert.Equal(t, "access-1", cred.AccessToken)
	assert.Equal(t, "refresh-1", cred.RefreshToken)

	stored, err := store.Load("default")
	require.NoError(t, err)
	assert.Equal(t, cred.AccessToken, stored.AccessToken)
}

func TestExchangeCode_Rejected(t *testing.T) {
	m := newTestManager(t, newTokenServer(t), NewMemoryStore())

	_, err := m.ExchangeCode(context.Background(), "default", "used-code")
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.KindAuth))

	_, err = m.ExchangeCode(context.Background(), "default", "")
	assert.True(t, apperrors.Is(err, apperrors.KindAuth))
}

func TestEnsureValidToken_NoRefreshWhileValid(t *testing.T) {
	ts := newTokenServer(t)
	m := newTestManager(t, ts, NewMemoryStore())

	cred := model.Credential{AccessToken: "a", RefreshToken: "r", ExpiresAt: testNow.Add(10 * time.Minute)}
	got, err := m.EnsureValidToken(context.Background(), "default", cred)
	require.NoError(t, err)
	assert.Equal(t, cred, got)
	assert.Zero(t, ts.refreshes.Load())
}

func TestEnsureValidToken_RefreshesInsideSafetyMargin(t *testing.T) {
	ts := newTokenServer(t)
	store := NewMemoryStore()
	m := newTestManager(t, ts, store)

	cred := model.Credential{AccessToken: "a", RefreshToken: "r", ExpiresAt: testNow.Add(30 * time.Second)}
	got, err := m.EnsureValidToken(context.Background(), "default", cred)
	require.NoError(t, err)
	assert.Equal(t, "refreshed-1", got.AccessToken)
	assert.Equal(t, "r", got.RefreshToken, "refresh token must be carried over")
	assert.EqualValues(t, 1, ts.refreshes.Load())

	stored, err := store.Load("default")
	require.NoError(t, err)
	assert.Equal(t, "refreshed-1", stored.AccessToken)
}

func TestEnsureValidToken_ConcurrentCallersShareOneRefresh(t *testing.T) {
	ts := newTokenServer(t)
	m := newTestManager(t, ts, NewMemoryStore())
	expired := model.Credential{AccessToken: "a", RefreshToken: "r", ExpiresAt: testNow.Add(-time.Minute)}

	const callers = 16
	var wg sync.WaitGroup
	results := make([]model.Credential, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = m.EnsureValidToken(context.Background(), "default", expired)
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, ts.refreshes.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "refreshed-1", results[i].AccessToken)
	}
}

func TestEnsureValidToken_CancelledCallerDoesNotFailOthers(t *testing.T) {
	ts := newTokenServer(t)
	ts.hold = make(chan struct{})
	m := newTestManager(t, ts, NewMemoryStore())
	expired := model.Credential{AccessToken: "a", RefreshToken: "r", ExpiresAt: testNow.Add(-time.Minute)}

	ctx1, cancel1 := context.WithCancel(context.Background())
	defer cancel1()
	first := make(chan error, 1)
	go func() {
		_, err := m.EnsureValidToken(ctx1, "default", expired)
		first <- err
	}()
	require.Eventually(t, func() bool { return ts.refreshes.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	type result struct {
		cred model.Credential
		err  error
	}
	second := make(chan result, 1)
	go func() {
		cred, err := m.EnsureValidToken(context.Background(), "default", expired)
		second <- result{cred, err}
	}()

	cancel1()
	select {
	case err := <-first:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled caller did not return")
	}
	close(ts.hold)

	select {
	case res := <-second:
		require.NoError(t, res.err)
		assert.Equal(t, "refreshed-1", res.cred.AccessToken)
	case <-time.After(5 * time.Second):
		t.Fatal("live caller did not return")
	}
	assert.EqualValues(t, 1, ts.refreshes.Load())

	stored, err := m.store.Load("default")
	require.NoError(t, err)
	assert.Equal(t, "refreshed-1", stored.AccessToken)
}

func TestEnsureValidToken_RevokedClearsCredential(t *testing.T) {
	ts := newTokenServer(t)
	store := NewMemoryStore()
	m := newTestManager(t, ts, store)

	cred := model.Credential{AccessToken: "a", RefreshToken: "revoked", ExpiresAt: testNow.Add(-time.Hour)}
	require.NoError(t, store.Save("default", cred))

	_, err := m.EnsureValidToken(context.Background(), "default", cred)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.KindAuth))
	assert.Contains(t, apperrors.Reason(err), "reconnect")

	_, err = store.Load("default")
	assert.ErrorIs(t, err, ErrNoCredential)
	assert.False(t, m.Connected("default"))
}

func TestEnsureValidToken_NoRefreshToken(t *testing.T) {
	m := newTestManager(t, newTokenServer(t), NewMemoryStore())

	_, err := m.EnsureValidToken(context.Background(), "default", model.Credential{AccessToken: "a", ExpiresAt: testNow.Add(-time.Second)})
	assert.True(t, apperrors.Is(err, apperrors.KindAuth))
}

func TestCredential_NotConnected(t *testing.T) {
	m := newTestManager(t, newTokenServer(t), NewMemoryStore())

	_, err := m.Credential(context.Background(), "default")
	assert.True(t, apperrors.Is(err, apperrors.KindAuth))
}

func TestTokenSource(t *testing.T) {
	store := NewMemoryStore()
	m := newTestManager(t, newTokenServer(t), store)
	require.NoError(t, store.Save("default", model.Credential{AccessToken: "a", RefreshToken: "r", ExpiresAt: testNow.Add(time.Hour)}))

	tok, err := m.TokenSource(context.Background(), "default").Token()
	require.NoError(t, err)
	assert.Equal(t, "a", tok.AccessToken)
}

func TestDisconnect(t *testing.T) {
	store := NewMemoryStore()
	m := newTestManager(t, newTokenServer(t), store)
	require.NoError(t, store.Save("default", model.Credential{AccessToken: "a"}))

	require.NoError(t, m.Disconnect("default"))
	assert.False(t, m.Connected("default"))
}
