package fetcher

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aluiziolira/go-fetch-books/browser"
	"github.com/aluiziolira/go-fetch-books/config"
)

// Discovery walks the listing's pagination on a single session and
// collects the URL of every page. It runs before any worker starts, so
// the page set is fixed for the whole run.
type Discovery struct {
	cfg *config.Config
	now func() time.Time
}

// NewDiscovery builds a discoverer over the fetcher configuration.
func NewDiscovery(cfg *config.Config) *Discovery {
	return &Discovery{cfg: cfg, now: time.Now}
}

// Run returns the page URLs in listing order, starting from the
// session's current page. It stops at the page cap, when no next-page
// control exists, or when the URL stops changing. A next page that
// never settles ends discovery with whatever was found so far; the
// discovered prefix is still worth processing.
func (d *Discovery) Run(session browser.Session) ([]string, error) {
	current, err := session.CurrentURL()
	if err != nil {
		return nil, fmt.Errorf("read starting url: %w", err)
	}
	urls := []string{current}

	for {
		if len(urls) >= 2 && urls[len(urls)-1] == urls[len(urls)-2] {
			slog.Warn("pagination url repeated, stopping discovery",
				slog.String("url", urls[len(urls)-1]),
			)
			urls = urls[:len(urls)-1]
			break
		}
		if len(urls) >= d.cfg.MaxPages {
			slog.Info("page cap reached", slog.Int("pages", len(urls)))
			break
		}

		next, err := session.Element(d.cfg.Selectors.NextPage, d.cfg.ControlTimeout)
		if err != nil {
			if !errors.Is(err, browser.ErrElementNotFound) {
				slog.Warn("locate next-page control", slog.Any("error", err))
			}
			break
		}

		prev := urls[len(urls)-1]
		if err := next.Click(); err != nil {
			slog.Warn("click next-page control", slog.Any("error", err))
			break
		}

		if err := d.waitForListing(session, prev); err != nil {
			slog.Warn("next page never settled, stopping discovery",
				slog.Int("pages", len(urls)),
				slog.Any("error", err),
			)
			break
		}

		cur, err := session.CurrentURL()
		if err != nil {
			slog.Warn("read page url", slog.Any("error", err))
			break
		}
		urls = append(urls, cur)
	}

	slog.Info("discovery finished", slog.Int("pages", len(urls)))
	return urls, nil
}

// waitForListing polls until the listing reflects the new page. Both
// conditions must hold: enough item rows are present and the URL moved
// off the pre-click value.
func (d *Discovery) waitForListing(session browser.Session, prev string) error {
	deadline := d.now().Add(d.cfg.Timeout)
	for {
		rows, err := session.Elements(d.cfg.Selectors.ItemRow)
		if err != nil {
			return fmt.Errorf("poll item rows: %w", err)
		}
		cur, err := session.CurrentURL()
		if err != nil {
			return fmt.Errorf("poll page url: %w", err)
		}
		if len(rows) >= d.cfg.MinItemRows && cur != prev {
			return nil
		}
		if d.now().After(deadline) {
			return fmt.Errorf("listing did not settle within %s", d.cfg.Timeout)
		}
		time.Sleep(d.cfg.PollInterval)
	}
}
