// Package browser defines the narrow browser-driving capability the
// fetcher consumes, plus a go-rod backed implementation. The core only
// ever talks to these interfaces; everything about how the console is
// actually driven stays behind them.
package browser

import (
	"errors"
	"time"

	"github.com/aluiziolira/go-fetch-books/models"
)

var (
	// ErrElementNotFound is returned when a selector matches nothing
	// within its bounded wait.
	ErrElementNotFound = errors.New("browser: element not found")
	// ErrSessionClosed is returned when a session is used after Close.
	ErrSessionClosed = errors.New("browser: session closed")
)

// Driver opens independent sessions against one running browser.
type Driver interface {
	NewSession() (Session, error)
	Close() error
}

// Session is one authenticated (or not) interaction context with the
// target site. A session is owned by exactly one goroutine at a time
// and must be closed when its owner is done.
type Session interface {
	Navigate(url string) error
	CurrentURL() (string, error)
	Reload() error

	// Element waits up to timeout for the selector to match.
	Element(selector string, timeout time.Duration) (Element, error)
	// Elements returns the current matches without waiting.
	Elements(selector string) ([]Element, error)

	// Eval runs an inline script in the page.
	Eval(js string) error

	Cookies() ([]models.Cookie, error)
	SetCookies(cookies []models.Cookie) error

	Close() error
}

// Element is one located control on a page.
type Element interface {
	Click() error
	Input(text string) error
	Text() (string, error)
	Visible() (bool, error)
	// Find locates a descendant control with a short bounded wait.
	Find(selector string) (Element, error)
}
