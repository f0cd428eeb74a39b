package browser

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"github.com/aluiziolira/go-fetch-books/models"
)

// Options configures the rod-backed driver.
type Options struct {
	Headless    bool
	UserAgent   string
	NavTimeout  time.Duration
	PollTimeout time.Duration
}

// RodDriver drives a single Chromium instance via go-rod. Each session
// is an isolated page with its own navigation state.
type RodDriver struct {
	browser *rod.Browser
	opts    Options
}

// NewRodDriver launches a browser and connects to it.
func NewRodDriver(opts Options) (*RodDriver, error) {
	if opts.NavTimeout <= 0 {
		opts.NavTimeout = 30 * time.Second
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 5 * time.Second
	}

	l := launcher.New().
		Headless(opts.Headless).
		Set("disable-gpu").
		Set("no-sandbox").
		Set("disable-blink-features", "AutomationControlled")

	if path, exists := launcher.LookPath(); exists {
		l = l.Bin(path)
	}

	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	b := rod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("connect browser: %w", err)
	}

	return &RodDriver{browser: b, opts: opts}, nil
}

// NewSession opens a fresh page.
func (d *RodDriver) NewSession() (Session, error) {
	page, err := d.browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("open page: %w", err)
	}

	if d.opts.UserAgent != "" {
		if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: d.opts.UserAgent}); err != nil {
			_ = page.Close()
			return nil, fmt.Errorf("set user agent: %w", err)
		}
	}

	return &rodSession{page: page, navTimeout: d.opts.NavTimeout, findTimeout: d.opts.PollTimeout}, nil
}

// Close shuts down the browser and every open session with it.
func (d *RodDriver) Close() error {
	return d.browser.Close()
}

type rodSession struct {
	page        *rod.Page
	navTimeout  time.Duration
	findTimeout time.Duration
	closed      bool
}

func (s *rodSession) Navigate(url string) error {
	if s.closed {
		return ErrSessionClosed
	}
	if err := s.page.Navigate(url); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	if err := s.page.Timeout(s.navTimeout).WaitLoad(); err != nil {
		return fmt.Errorf("wait load %s: %w", url, err)
	}
	return nil
}

func (s *rodSession) CurrentURL() (string, error) {
	if s.closed {
		return "", ErrSessionClosed
	}
	info, err := s.page.Info()
	if err != nil {
		return "", fmt.Errorf("page info: %w", err)
	}
	return info.URL, nil
}

func (s *rodSession) Reload() error {
	if s.closed {
		return ErrSessionClosed
	}
	if err := s.page.Reload(); err != nil {
		return fmt.Errorf("reload: %w", err)
	}
	return s.page.Timeout(s.navTimeout).WaitLoad()
}

func (s *rodSession) Element(selector string, timeout time.Duration) (Element, error) {
	if s.closed {
		return nil, ErrSessionClosed
	}
	el, err := s.page.Timeout(timeout).Element(selector)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", ErrElementNotFound, selector)
		}
		return nil, fmt.Errorf("locate %s: %w", selector, err)
	}
	return &rodElement{el: el, findTimeout: s.findTimeout}, nil
}

func (s *rodSession) Elements(selector string) ([]Element, error) {
	if s.closed {
		return nil, ErrSessionClosed
	}
	els, err := s.page.Elements(selector)
	if err != nil {
		return nil, fmt.Errorf("locate all %s: %w", selector, err)
	}
	out := make([]Element, 0, len(els))
	for _, el := range els {
		out = append(out, &rodElement{el: el, findTimeout: s.findTimeout})
	}
	return out, nil
}

func (s *rodSession) Eval(js string) error {
	if s.closed {
		return ErrSessionClosed
	}
	if _, err := s.page.Eval(js); err != nil {
		return fmt.Errorf("eval: %w", err)
	}
	return nil
}

func (s *rodSession) Cookies() ([]models.Cookie, error) {
	if s.closed {
		return nil, ErrSessionClosed
	}
	cookies, err := s.page.Cookies(nil)
	if err != nil {
		return nil, fmt.Errorf("read cookies: %w", err)
	}
	out := make([]models.Cookie, 0, len(cookies))
	for _, c := range cookies {
		out = append(out, models.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  c.Expires.Time(),
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
		})
	}
	return out, nil
}

func (s *rodSession) SetCookies(cookies []models.Cookie) error {
	if s.closed {
		return ErrSessionClosed
	}
	params := make([]*proto.NetworkCookieParam, 0, len(cookies))
	for _, c := range cookies {
		params = append(params, &proto.NetworkCookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  proto.TimeSinceEpoch(c.Expires.Unix()),
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
		})
	}
	if err := s.page.SetCookies(params); err != nil {
		return fmt.Errorf("set cookies: %w", err)
	}
	return nil
}

func (s *rodSession) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.page.Close()
}

type rodElement struct {
	el          *rod.Element
	findTimeout time.Duration
}

func (e *rodElement) Click() error {
	if err := e.el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("click: %w", err)
	}
	return nil
}

func (e *rodElement) Input(text string) error {
	if err := e.el.Input(text); err != nil {
		return fmt.Errorf("input: %w", err)
	}
	return nil
}

func (e *rodElement) Text() (string, error) {
	text, err := e.el.Text()
	if err != nil {
		return "", fmt.Errorf("text: %w", err)
	}
	return text, nil
}

func (e *rodElement) Visible() (bool, error) {
	visible, err := e.el.Visible()
	if err != nil {
		return false, fmt.Errorf("visible: %w", err)
	}
	return visible, nil
}

func (e *rodElement) Find(selector string) (Element, error) {
	child, err := e.el.Timeout(e.findTimeout).Element(selector)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", ErrElementNotFound, selector)
		}
		return nil, fmt.Errorf("locate %s: %w", selector, err)
	}
	return &rodElement{el: child, findTimeout: e.findTimeout}, nil
}
