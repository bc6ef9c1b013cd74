package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/teemow/inboxflow/internal/model"
	"github.com/teemow/inboxflow/internal/server"
)

func newAuthCmd() *cobra.Command {
	var account string

	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Connect or disconnect the Google account",
		Long: `Manage the OAuth credential used to read Gmail.

The usual flow is:
  inboxflow auth url --listen    # open the printed URL and approve access

Without --listen, approve access in the browser and then pass either the
code or the full redirect URL back:
  inboxflow auth exchange --code <code>
  inboxflow auth callback '<redirect-url>' --state <state>`,
	}
	cmd.PersistentFlags().StringVar(&account, "account", "", "Account name (default google.account from config)")

	accountFor := func(a *app) string {
		if account != "" {
			return account
		}
		return a.account()
	}

	cmd.AddCommand(newAuthURLCmd(accountFor))
	cmd.AddCommand(newAuthExchangeCmd(accountFor))
	cmd.AddCommand(newAuthCallbackCmd(accountFor))
	cmd.AddCommand(newAuthStatusCmd(accountFor))
	cmd.AddCommand(newAuthDisconnectCmd(accountFor))
	return cmd
}

func newAuthURLCmd(accountFor func(*app) string) *cobra.Command {
	var (
		state  string
		listen bool
	)

	cmd := &cobra.Command{
		Use:   "url",
		Short: "Print the Google consent URL",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			manager, err := a.oauthManager()
			if err != nil {
				return err
			}
			if state == "" {
				state = uuid.NewString()
			}
			authURL, err := manager.AuthorizationURL(state)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Open this URL in your browser and approve access:")
			fmt.Fprintln(out)
			fmt.Fprintln(out, "  "+authURL)
			fmt.Fprintln(out)
			if !listen {
				fmt.Fprintf(out, "Then run: inboxflow auth callback '<redirect-url>' --state %s\n", state)
				return nil
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			fmt.Fprintf(out, "Waiting for the redirect to %s ...\n", a.cfg.Google.RedirectURL)
			cred, err := listenForCallback(ctx, a.cfg.Google.RedirectURL, func(opts ...server.CallbackOption) http.Handler {
				opts = append(opts, server.WithCallbackLogger(a.logger))
				return server.NewCallbackHandler(manager, accountFor(a), state, opts...)
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Account %q connected (token expires %s)\n", accountFor(a), formatExpiry(cred))
			return nil
		},
	}

	cmd.Flags().StringVar(&state, "state", "", "State parameter (default: random)")
	cmd.Flags().BoolVar(&listen, "listen", false, "Serve the redirect URL locally and wait for the callback")
	return cmd
}

// listenForCallback serves the handler built by newHandler on the redirect
// URL's address until one successful callback arrives or ctx ends.
func listenForCallback(ctx context.Context, redirectURL string, newHandler func(...server.CallbackOption) http.Handler) (model.Credential, error) {
	if err := server.ValidateRedirectURL(redirectURL); err != nil {
		return model.Credential{}, err
	}
	u, err := url.Parse(redirectURL)
	if err != nil {
		return model.Credential{}, err
	}
	path := u.Path
	if path == "" {
		path = server.CallbackPath
	}
	addr := u.Host
	if u.Port() == "" {
		addr = net.JoinHostPort(u.Hostname(), "80")
		if u.Scheme == "https" {
			addr = net.JoinHostPort(u.Hostname(), "443")
		}
	}

	done := make(chan model.Credential, 1)
	handler := newHandler(server.WithCompletion(func(c model.Credential) {
		select {
		case done <- c:
		default:
		}
	}))

	mux := http.NewServeMux()
	mux.Handle(path, handler)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.ListenAndServe() }()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	select {
	case cred := <-done:
		return cred, nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			err = errors.New("callback server closed")
		}
		return model.Credential{}, err
	case <-ctx.Done():
		return model.Credential{}, ctx.Err()
	}
}

func newAuthExchangeCmd(accountFor func(*app) string) *cobra.Command {
	var code string

	cmd := &cobra.Command{
		Use:   "exchange",
		Short: "Exchange an authorization code for tokens",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			manager, err := a.oauthManager()
			if err != nil {
				return err
			}
			cred, err := manager.ExchangeCode(cmd.Context(), accountFor(a), code)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Account %q connected (token expires %s)\n", accountFor(a), formatExpiry(cred))
			return nil
		},
	}

	cmd.Flags().StringVar(&code, "code", "", "Authorization code from the redirect")
	_ = cmd.MarkFlagRequired("code")
	return cmd
}

func newAuthCallbackCmd(accountFor func(*app) string) *cobra.Command {
	var state string

	cmd := &cobra.Command{
		Use:   "callback <redirect-url>",
		Short: "Complete the flow from the full redirect URL",
		Long: `Complete the flow from the URL the browser was redirected to.

Both the authorization code form (?code=...&state=...) and the older
fragment form (#access_token=...) are accepted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			manager, err := a.oauthManager()
			if err != nil {
				return err
			}
			cred, err := manager.CompleteCallback(cmd.Context(), accountFor(a), args[0], state)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Account %q connected (token expires %s)\n", accountFor(a), formatExpiry(cred))
			return nil
		},
	}

	cmd.Flags().StringVar(&state, "state", "", "Expected state parameter; checked when set")
	return cmd
}

func newAuthStatusCmd(accountFor func(*app) string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show whether the account is connected",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			manager, err := a.oauthManager()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			account := accountFor(a)
			if !manager.Connected(account) {
				fmt.Fprintf(out, "Account %q is not connected. Run: inboxflow auth url --listen\n", account)
				return nil
			}
			cred, err := manager.Credential(cmd.Context(), account)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Account %q is connected\n", account)
			fmt.Fprintf(out, "  token expires:  %s\n", formatExpiry(cred))
			fmt.Fprintf(out, "  refresh token:  %t\n", cred.RefreshToken != "")
			return nil
		},
	}
}

func newAuthDisconnectCmd(accountFor func(*app) string) *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect",
		Short: "Delete the stored credential",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			manager, err := a.oauthManager()
			if err != nil {
				return err
			}
			if err := manager.Disconnect(accountFor(a)); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Account %q disconnected\n", accountFor(a))
			return nil
		},
	}
}

func formatExpiry(cred model.Credential) string {
	if cred.ExpiresAt.IsZero() {
		return "never"
	}
	return cred.ExpiresAt.Local().Format(time.RFC1123)
}
