package config

import (
	"strings"

	"github.com/teemow/inboxflow/internal/apperrors"
)

// ValidateAuth checks the settings needed for the OAuth flow.
func (c *Config) ValidateAuth() error {
	var missing []string
	if c.Google.ClientID == "" {
		missing = append(missing, "google.client_id")
	}
	if c.Google.RedirectURL == "" {
		missing = append(missing, "google.redirect_url")
	}
	return missingError(missing)
}

// Validate checks everything a pipeline run needs.
func (c *Config) Validate() error {
	var missing []string

	switch c.Gmail.Source {
	case SourceGmail, "":
		if c.Google.ClientID == "" {
			missing = append(missing, "google.client_id")
		}
		if c.Google.RedirectURL == "" {
			missing = append(missing, "google.redirect_url")
		}
	case SourceIMAP:
		if c.Gmail.IMAP.Host == "" {
			missing = append(missing, "gmail.imap.host")
		}
		if c.Gmail.IMAP.Username == "" {
			missing = append(missing, "gmail.imap.username")
		}
	default:
		return apperrors.Configf("config.validate", "unknown gmail.source %q (want %s or %s)", c.Gmail.Source, SourceGmail, SourceIMAP)
	}

	if c.AI.BaseURL == "" {
		missing = append(missing, "ai.base_url")
	}
	if c.AI.APIKey == "" {
		missing = append(missing, "ai.api_key")
	}
	if c.Notion.APIKey == "" {
		missing = append(missing, "notion.api_key")
	}
	if c.Notion.DatabaseID == "" {
		missing = append(missing, "notion.database_id")
	}

	if err := missingError(missing); err != nil {
		return err
	}

	switch c.Store.Driver {
	case StoreSQLite, StoreMemory:
	default:
		return apperrors.Configf("config.validate", "unknown store.driver %q", c.Store.Driver)
	}

	switch c.Credentials.Backend {
	case CredentialsKeyring, CredentialsFile, CredentialsMemory:
	default:
		return apperrors.Configf("config.validate", "unknown credentials.backend %q", c.Credentials.Backend)
	}
	return nil
}

func missingError(missing []string) error {
	if len(missing) == 0 {
		return nil
	}
	return apperrors.Configf("config.validate", "missing required settings: %s", strings.Join(missing, ", "))
}
