// Package browsertest provides hand-rolled fakes for the browser
// capability so package tests can script console behavior without a
// real browser.
package browsertest

import (
	"fmt"
	"sync"
	"time"

	"github.com/aluiziolira/go-fetch-books/browser"
	"github.com/aluiziolira/go-fetch-books/models"
)

// FakeElement is a scriptable control.
type FakeElement struct {
	mu sync.Mutex

	TextValue    string
	VisibleValue bool

	ClickErr  error
	ClickFunc func() error
	InputErr  error

	Children map[string]browser.Element
	FindFunc func(selector string) (browser.Element, error)

	clicks int
	inputs []string
}

// NewFakeElement returns a visible element with the given text.
func NewFakeElement(text string) *FakeElement {
	return &FakeElement{
		TextValue:    text,
		VisibleValue: true,
		Children:     make(map[string]browser.Element),
	}
}

func (e *FakeElement) Click() error {
	e.mu.Lock()
	fn := e.ClickFunc
	if e.ClickErr != nil {
		e.mu.Unlock()
		return e.ClickErr
	}
	e.clicks++
	e.mu.Unlock()

	if fn != nil {
		return fn()
	}
	return nil
}

func (e *FakeElement) Input(text string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.InputErr != nil {
		return e.InputErr
	}
	e.inputs = append(e.inputs, text)
	return nil
}

func (e *FakeElement) Text() (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.TextValue, nil
}

func (e *FakeElement) Visible() (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.VisibleValue, nil
}

func (e *FakeElement) Find(selector string) (browser.Element, error) {
	e.mu.Lock()
	fn := e.FindFunc
	e.mu.Unlock()

	if fn != nil {
		return fn(selector)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if child, ok := e.Children[selector]; ok {
		return child, nil
	}
	return nil, fmt.Errorf("%w: %s", browser.ErrElementNotFound, selector)
}

// SetChild installs a descendant element for a selector.
func (e *FakeElement) SetChild(selector string, child browser.Element) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.Children == nil {
		e.Children = make(map[string]browser.Element)
	}
	e.Children[selector] = child
}

// Clicks reports how many times the element was clicked.
func (e *FakeElement) Clicks() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.clicks
}

// Inputs returns the text entered into the element, in order.
func (e *FakeElement) Inputs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.inputs))
	copy(out, e.inputs)
	return out
}

// FakeSession is a scriptable browser session. Selector lookups resolve
// against Elems unless an override hook is set; missing selectors
// return browser.ErrElementNotFound the way a timed-out wait would.
type FakeSession struct {
	mu sync.Mutex

	URL   string
	Elems map[string][]browser.Element

	NavigateFunc   func(url string) error
	ReloadFunc     func() error
	ElementFunc    func(selector string) (browser.Element, error)
	ElementsFunc   func(selector string) ([]browser.Element, error)
	EvalFunc       func(js string) error
	CurrentURLFunc func() (string, error)

	CookieJar []models.Cookie

	navigated []string
	evals     []string
	reloads   int
	closed    bool
}

// NewFakeSession returns an empty session at about:blank.
func NewFakeSession() *FakeSession {
	return &FakeSession{
		URL:   "about:blank",
		Elems: make(map[string][]browser.Element),
	}
}

// Set installs a single element for a selector.
func (s *FakeSession) Set(selector string, el browser.Element) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Elems[selector] = []browser.Element{el}
}

// SetAll installs multiple elements for a selector.
func (s *FakeSession) SetAll(selector string, els ...browser.Element) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Elems[selector] = els
}

// Remove drops a selector, making later lookups fail.
func (s *FakeSession) Remove(selector string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.Elems, selector)
}

func (s *FakeSession) Navigate(url string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return browser.ErrSessionClosed
	}
	fn := s.NavigateFunc
	s.navigated = append(s.navigated, url)
	s.mu.Unlock()

	if fn != nil {
		return fn(url)
	}
	s.mu.Lock()
	s.URL = url
	s.mu.Unlock()
	return nil
}

func (s *FakeSession) CurrentURL() (string, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", browser.ErrSessionClosed
	}
	fn := s.CurrentURLFunc
	url := s.URL
	s.mu.Unlock()

	if fn != nil {
		return fn()
	}
	return url, nil
}

func (s *FakeSession) Reload() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return browser.ErrSessionClosed
	}
	s.reloads++
	fn := s.ReloadFunc
	s.mu.Unlock()

	if fn != nil {
		return fn()
	}
	return nil
}

func (s *FakeSession) Element(selector string, _ time.Duration) (browser.Element, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, browser.ErrSessionClosed
	}
	fn := s.ElementFunc
	s.mu.Unlock()

	if fn != nil {
		return fn(selector)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	els := s.Elems[selector]
	if len(els) == 0 {
		return nil, fmt.Errorf("%w: %s", browser.ErrElementNotFound, selector)
	}
	return els[0], nil
}

func (s *FakeSession) Elements(selector string) ([]browser.Element, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, browser.ErrSessionClosed
	}
	fn := s.ElementsFunc
	s.mu.Unlock()

	if fn != nil {
		return fn(selector)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Elems[selector], nil
}

func (s *FakeSession) Eval(js string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return browser.ErrSessionClosed
	}
	s.evals = append(s.evals, js)
	fn := s.EvalFunc
	s.mu.Unlock()

	if fn != nil {
		return fn(js)
	}
	return nil
}

func (s *FakeSession) Cookies() ([]models.Cookie, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, browser.ErrSessionClosed
	}
	out := make([]models.Cookie, len(s.CookieJar))
	copy(out, s.CookieJar)
	return out, nil
}

func (s *FakeSession) SetCookies(cookies []models.Cookie) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return browser.ErrSessionClosed
	}
	s.CookieJar = append(s.CookieJar, cookies...)
	return nil
}

func (s *FakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Closed reports whether Close was called.
func (s *FakeSession) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Reloads reports how many times Reload was called.
func (s *FakeSession) Reloads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reloads
}

// Navigated returns the URLs passed to Navigate, in order.
func (s *FakeSession) Navigated() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.navigated))
	copy(out, s.navigated)
	return out
}

// Evals returns the scripts passed to Eval, in order.
func (s *FakeSession) Evals() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.evals))
	copy(out, s.evals)
	return out
}

// FakeDriver hands out sessions from NewSessionFunc and tracks the
// high-water mark of simultaneously open sessions.
type FakeDriver struct {
	mu sync.Mutex

	NewSessionFunc func() (browser.Session, error)

	open    int
	maxOpen int
	created int
}

func (d *FakeDriver) NewSession() (browser.Session, error) {
	d.mu.Lock()
	fn := d.NewSessionFunc
	d.mu.Unlock()

	var (
		sess browser.Session
		err  error
	)
	if fn != nil {
		sess, err = fn()
	} else {
		sess = NewFakeSession()
	}
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.created++
	d.open++
	if d.open > d.maxOpen {
		d.maxOpen = d.open
	}
	d.mu.Unlock()

	return &countedSession{Session: sess, driver: d}, nil
}

func (d *FakeDriver) Close() error { return nil }

// MaxOpen reports the most sessions ever open at once.
func (d *FakeDriver) MaxOpen() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxOpen
}

// Created reports how many sessions were handed out in total.
func (d *FakeDriver) Created() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.created
}

func (d *FakeDriver) release() {
	d.mu.Lock()
	d.open--
	d.mu.Unlock()
}

type countedSession struct {
	browser.Session
	driver *FakeDriver
	once   sync.Once
}

func (c *countedSession) Close() error {
	c.once.Do(c.driver.release)
	return c.Session.Close()
}
