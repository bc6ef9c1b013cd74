package server

import (
	"context"
	"crypto/subtle"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/teemow/inboxflow/internal/apperrors"
	"github.com/teemow/inboxflow/internal/logging"
	"github.com/teemow/inboxflow/internal/model"
)

// CallbackPath is where Google redirects after consent.
const CallbackPath = "/oauth/callback"

// CallbackCompleter finishes the authorization code flow.
// *google.Manager implements it.
type CallbackCompleter interface {
	CompleteCallback(ctx context.Context, account, rawURL, expectedState string) (model.Credential, error)
}

// CallbackHandler is the redirect target of the OAuth consent flow. It
// checks the state parameter, exchanges the code and persists the
// credential through the completer.
type CallbackHandler struct {
	completer CallbackCompleter
	account   string
	state     string
	logger    *slog.Logger
	done      func(model.Credential)
}

// CallbackOption configures a CallbackHandler.
type CallbackOption func(*CallbackHandler)

func WithCallbackLogger(logger *slog.Logger) CallbackOption {
	return func(h *CallbackHandler) { h.logger = logger }
}

// WithCompletion is called after a credential has been stored.
func WithCompletion(fn func(model.Credential)) CallbackOption {
	return func(h *CallbackHandler) { h.done = fn }
}

// NewCallbackHandler returns a handler completing the flow for account.
// An empty state disables the CSRF check, which is only acceptable for
// manual flows.
func NewCallbackHandler(completer CallbackCompleter, account, state string, opts ...CallbackOption) *CallbackHandler {
	h := &CallbackHandler{
		completer: completer,
		account:   account,
		state:     state,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = logging.WithOperation(h.logger, "oauth.callback")
	return h
}

var callbackPage = template.Must(template.New("callback").Parse(`<!DOCTYPE html>
<html><head><title>inboxflow</title></head>
<body><h1>{{.Title}}</h1><p>{{.Message}}</p></body></html>
`))

func (h *CallbackHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	if h.state != "" && q.Get("error") == "" &&
		subtle.ConstantTimeCompare([]byte(q.Get("state")), []byte(h.state)) != 1 {
		h.logger.Warn("rejecting callback with unexpected state")
		h.render(w, http.StatusBadRequest, "Authorization failed", "The request state did not match. Start the flow again.")
		return
	}

	cred, err := h.completer.CompleteCallback(r.Context(), h.account, r.URL.String(), h.state)
	if err != nil {
		status := http.StatusBadGateway
		if apperrors.Is(err, apperrors.KindAuth) {
			status = http.StatusForbidden
		}
		h.logger.Error("authorization failed", logging.Account(h.account), logging.Err(err))
		h.render(w, status, "Authorization failed", apperrors.Reason(err))
		return
	}

	h.logger.Info("account connected", logging.Account(h.account))
	if h.done != nil {
		h.done(cred)
	}
	h.render(w, http.StatusOK, "Account connected", "You can close this window and return to the terminal.")
}

func (h *CallbackHandler) render(w http.ResponseWriter, status int, title, message string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_ = callbackPage.Execute(w, struct{ Title, Message string }{title, message})
}

// ValidateRedirectURL checks that a redirect URL can safely receive an
// authorization code: HTTPS, or plain HTTP on a loopback host.
func ValidateRedirectURL(redirectURL string) error {
	if redirectURL == "" {
		return fmt.Errorf("redirect URL cannot be empty")
	}

	u, err := url.Parse(redirectURL)
	if err != nil {
		return fmt.Errorf("invalid redirect URL: %w", err)
	}

	// Allow HTTP only for loopback addresses
	if u.Scheme == "http" {
		host := u.Hostname()
		if host != "localhost" && host != "127.0.0.1" && host != "::1" {
			return fmt.Errorf("redirect URL must use HTTPS outside localhost (got: %s)", redirectURL)
		}
	} else if u.Scheme != "https" {
		return fmt.Errorf("invalid URL scheme: %s. Must be http (localhost only) or https", u.Scheme)
	}

	return nil
}
