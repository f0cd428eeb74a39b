// Package auth signs the primary session in, exports its credential
// snapshot, and clones independently authenticated sessions from it.
package auth

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/aluiziolira/go-fetch-books/browser"
	"github.com/aluiziolira/go-fetch-books/config"
	"github.com/aluiziolira/go-fetch-books/models"
)

const mfaMaxAttempts = 3

// Controller performs sign-in against one primary session.
type Controller struct {
	cfg      *config.Config
	provider CodeProvider
}

// NewController builds a controller. provider may be nil; the MFA
// challenge then becomes a fatal condition instead of a retry loop.
func NewController(cfg *config.Config, provider CodeProvider) *Controller {
	return &Controller{cfg: cfg, provider: provider}
}

// SignIn submits credentials on session, works through the MFA
// challenge when one is presented, and confirms the post-login
// landmark.
func (c *Controller) SignIn(session browser.Session, username, password string) error {
	sel := c.cfg.Selectors

	if err := session.Navigate(c.cfg.BaseURL); err != nil {
		return fmt.Errorf("open sign-in page: %w", err)
	}

	email, err := session.Element(sel.SignInEmail, c.cfg.ControlTimeout)
	if err != nil {
		return fmt.Errorf("locate email field: %w", err)
	}
	if err := email.Input(username); err != nil {
		return fmt.Errorf("enter username: %w", err)
	}

	pw, err := session.Element(sel.SignInPassword, c.cfg.ControlTimeout)
	if err != nil {
		return fmt.Errorf("locate password field: %w", err)
	}
	if err := pw.Input(password); err != nil {
		return fmt.Errorf("enter password: %w", err)
	}

	submit, err := session.Element(sel.SignInSubmit, c.cfg.ControlTimeout)
	if err != nil {
		return fmt.Errorf("locate sign-in submit: %w", err)
	}
	if err := submit.Click(); err != nil {
		return fmt.Errorf("submit credentials: %w", err)
	}

	if _, err := session.Element(sel.MFAChallenge, c.cfg.ControlTimeout); err == nil {
		if err := c.completeMFA(session); err != nil {
			return err
		}
	} else if !errors.Is(err, browser.ErrElementNotFound) {
		return fmt.Errorf("probe mfa challenge: %w", err)
	}

	if _, err := session.Element(sel.Landmark, c.cfg.Timeout); err != nil {
		return fmt.Errorf("%w: landmark %q not found", ErrLoginNotConfirmed, sel.Landmark)
	}

	slog.Info("signed in", slog.String("user", username))
	return nil
}

// completeMFA runs the bounded code-submission loop. Each attempt uses
// a fresh code; an attempt is accepted when the error indicator is
// absent afterwards.
func (c *Controller) completeMFA(session browser.Session) error {
	if c.provider == nil {
		return ErrMFARequired
	}

	sel := c.cfg.Selectors
	for attempt := 1; attempt <= mfaMaxAttempts; attempt++ {
		code, err := c.provider.CurrentCode()
		if err != nil {
			slog.Warn("otp generation failed", slog.Int("attempt", attempt), slog.Any("error", err))
			continue
		}

		input, err := session.Element(sel.MFAInput, c.cfg.ControlTimeout)
		if err != nil {
			return fmt.Errorf("locate mfa input: %w", err)
		}
		if err := input.Input(code); err != nil {
			return fmt.Errorf("enter mfa code: %w", err)
		}

		submit, err := session.Element(sel.MFASubmit, c.cfg.ControlTimeout)
		if err != nil {
			return fmt.Errorf("locate mfa submit: %w", err)
		}
		if err := submit.Click(); err != nil {
			return fmt.Errorf("submit mfa code: %w", err)
		}

		indicators, err := session.Elements(sel.MFAError)
		if err != nil {
			return fmt.Errorf("probe mfa error indicator: %w", err)
		}
		if len(indicators) == 0 {
			slog.Debug("mfa accepted", slog.Int("attempt", attempt))
			return nil
		}
		slog.Warn("mfa code rejected", slog.Int("attempt", attempt))
	}

	return ErrMFAFailed
}

// ExportCredentialSnapshot captures the authenticated session's cookie
// set for replay into cloned sessions.
func (c *Controller) ExportCredentialSnapshot(session browser.Session) (models.CookieJar, error) {
	cookies, err := session.Cookies()
	if err != nil {
		return models.CookieJar{}, fmt.Errorf("export cookies: %w", err)
	}

	domain, err := siteDomain(c.cfg.BaseURL)
	if err != nil {
		return models.CookieJar{}, err
	}

	return models.CookieJar{Domain: domain, Cookies: cookies}, nil
}

func siteDomain(baseURL string) (string, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("base url %q has no host", baseURL)
	}
	return parsed.Hostname(), nil
}
