package auth

import (
	"context"
	"fmt"
	"net/url"

	"github.com/aluiziolira/go-fetch-books/browser"
	"github.com/aluiziolira/go-fetch-books/config"
	"github.com/aluiziolira/go-fetch-books/models"
)

// SessionFactory clones fresh, independently authenticated sessions
// from a captured credential snapshot.
type SessionFactory struct {
	driver browser.Driver
	cfg    *config.Config
	root   string
}

// NewSessionFactory derives the site root from the configured base URL.
func NewSessionFactory(driver browser.Driver, cfg *config.Config) (*SessionFactory, error) {
	parsed, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("base url %q has no host", cfg.BaseURL)
	}
	root := parsed.Scheme + "://" + parsed.Host + "/"
	return &SessionFactory{driver: driver, cfg: cfg, root: root}, nil
}

// CloneAuthenticated opens a new session, replays the cookie snapshot
// scoped to the site domain, and verifies the sign-in control is
// absent. A visible sign-in control means the identity did not
// transfer; that is ErrLostAuthentication and the factory never retries
// it.
func (f *SessionFactory) CloneAuthenticated(ctx context.Context, jar models.CookieJar) (browser.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	session, err := f.driver.NewSession()
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}

	if err := f.authenticate(session, jar); err != nil {
		_ = session.Close()
		return nil, err
	}
	return session, nil
}

func (f *SessionFactory) authenticate(session browser.Session, jar models.CookieJar) error {
	if err := session.Navigate(f.root); err != nil {
		return fmt.Errorf("navigate site root: %w", err)
	}

	cookies := make([]models.Cookie, 0, len(jar.Cookies))
	for _, c := range jar.Cookies {
		if c.Domain == "" {
			c.Domain = jar.Domain
		}
		cookies = append(cookies, c)
	}
	if err := session.SetCookies(cookies); err != nil {
		return fmt.Errorf("inject cookie snapshot: %w", err)
	}

	if err := session.Reload(); err != nil {
		return fmt.Errorf("refresh after cookie injection: %w", err)
	}

	controls, err := session.Elements(f.cfg.Selectors.SignInControl)
	if err != nil {
		return fmt.Errorf("probe sign-in control: %w", err)
	}
	if len(controls) > 0 {
		return ErrLostAuthentication
	}
	return nil
}
