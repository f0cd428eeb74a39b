// Package pipeline drives the per-item download UI sequence as a state
// machine with layered failure recovery.
package pipeline

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/aluiziolira/go-fetch-books/browser"
	"github.com/aluiziolira/go-fetch-books/config"
	"github.com/aluiziolira/go-fetch-books/index"
	"github.com/aluiziolira/go-fetch-books/models"
	"github.com/aluiziolira/go-fetch-books/parser"
)

// maxAttempts bounds the restart-from-scratch retries for one item.
const maxAttempts = 3

// ErrOverlayStuck means none of the dismissal strategies removed the
// confirmation overlay. It is a hard error: the session must be
// refreshed before the item can be attempted again.
var ErrOverlayStuck = errors.New("pipeline: confirmation overlay could not be dismissed")

// State is the position of one item inside the download sequence.
type State int

const (
	NotStarted State = iota
	MenuOpened
	TransferMethodChosen
	DeviceSelected
	DownloadTriggered
	NotificationDismissed
	Unavailable
	Failed
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case MenuOpened:
		return "menu_opened"
	case TransferMethodChosen:
		return "transfer_method_chosen"
	case DeviceSelected:
		return "device_selected"
	case DownloadTriggered:
		return "download_triggered"
	case NotificationDismissed:
		return "success"
	case Unavailable:
		return "unavailable"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Result is the terminal outcome of one item.
type Result struct {
	State    State
	Attempts int
	// Err holds the last failure cause when State is Failed.
	Err error
}

// Pipeline executes the UI action sequence for single items. It is
// stateless across items and safe to share between workers; each call
// operates on the caller's exclusively-owned session.
type Pipeline struct {
	cfg *config.Config
	idx index.Index
}

// New builds an item pipeline over the shared download index.
func New(cfg *config.Config, idx index.Index) *Pipeline {
	return &Pipeline{cfg: cfg, idx: idx}
}

// Run walks one item through the state machine. A control missing at
// any step reclassifies the item Unavailable without retry. Any other
// error reloads the page and restarts the sequence from the beginning,
// up to maxAttempts total; exceeding the bound yields Failed and
// removes any undersized partial artifact. The index record is written
// exactly once, on terminal success.
//
// The returned error is non-nil only when the index write itself
// failed; that must reach the caller because swallowing it risks
// duplicate downloads on the next run.
func (p *Pipeline) Run(session browser.Session, item models.Item) (Result, error) {
	var lastErr error

	attempts := maxAttempts
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		state, err := p.runSequence(session, item)
		if err == nil {
			if recErr := p.idx.Record(item.CanonicalTitle); recErr != nil {
				return Result{State: NotificationDismissed, Attempts: attempt}, recErr
			}
			slog.Info("item downloaded",
				slog.String("title", item.CanonicalTitle),
				slog.Int("attempt", attempt),
			)
			return Result{State: NotificationDismissed, Attempts: attempt}, nil
		}

		if errors.Is(err, browser.ErrElementNotFound) {
			slog.Warn("control missing, item unavailable",
				slog.String("title", item.CanonicalTitle),
				slog.String("state", state.String()),
				slog.Any("error", err),
			)
			return Result{State: Unavailable, Attempts: attempt}, nil
		}

		lastErr = err
		slog.Warn("download sequence failed, restarting",
			slog.String("title", item.CanonicalTitle),
			slog.String("state", state.String()),
			slog.Int("attempt", attempt),
			slog.Any("error", err),
		)

		if attempt < maxAttempts {
			if reloadErr := session.Reload(); reloadErr != nil {
				lastErr = fmt.Errorf("reload before retry: %w", reloadErr)
				attempts = attempt
				break
			}
		}
	}

	p.removePartialArtifact(item.CanonicalTitle)
	return Result{State: Failed, Attempts: attempts, Err: lastErr}, nil
}

// runSequence performs one full pass of the UI actions. The returned
// state is the last one reached before the error.
func (p *Pipeline) runSequence(session browser.Session, item models.Item) (State, error) {
	sel := p.cfg.Selectors
	state := NotStarted

	row, err := p.findRow(session, item)
	if err != nil {
		return state, err
	}

	menu, err := row.Find(sel.MenuButton)
	if err != nil {
		return state, err
	}
	if err := menu.Click(); err != nil {
		return state, fmt.Errorf("open item menu: %w", err)
	}
	state = MenuOpened

	transfer, err := session.Element(sel.TransferOption, p.cfg.ControlTimeout)
	if err != nil {
		return state, err
	}
	if err := transfer.Click(); err != nil {
		return state, fmt.Errorf("choose transfer method: %w", err)
	}
	state = TransferMethodChosen

	device, err := p.findDevice(session)
	if err != nil {
		return state, err
	}
	if err := device.Click(); err != nil {
		return state, fmt.Errorf("select device: %w", err)
	}
	state = DeviceSelected

	download, err := session.Element(sel.DownloadButton, p.cfg.ControlTimeout)
	if err != nil {
		return state, err
	}
	if err := download.Click(); err != nil {
		return state, fmt.Errorf("trigger download: %w", err)
	}
	state = DownloadTriggered

	if err := p.dismissNotification(session); err != nil {
		return state, err
	}
	return NotificationDismissed, nil
}

// findRow locates the listing row whose text carries the item's raw
// title. Matching by text keeps the lookup stable across reloads.
func (p *Pipeline) findRow(session browser.Session, item models.Item) (browser.Element, error) {
	rows, err := session.Elements(p.cfg.Selectors.ItemRow)
	if err != nil {
		return nil, fmt.Errorf("list item rows: %w", err)
	}
	for _, row := range rows {
		text, err := row.Text()
		if err != nil {
			continue
		}
		if containsTitle(text, item.RawTitle) {
			return row, nil
		}
	}
	return nil, fmt.Errorf("%w: row for %q", browser.ErrElementNotFound, item.CanonicalTitle)
}

// findDevice picks the transfer target whose label mentions the
// configured device.
func (p *Pipeline) findDevice(session browser.Session) (browser.Element, error) {
	options, err := session.Elements(p.cfg.Selectors.DeviceOption)
	if err != nil {
		return nil, fmt.Errorf("list device options: %w", err)
	}
	for _, option := range options {
		text, err := option.Text()
		if err != nil {
			continue
		}
		if containsTitle(text, p.cfg.DeviceName) {
			return option, nil
		}
	}
	return nil, fmt.Errorf("%w: device option %q", browser.ErrElementNotFound, p.cfg.DeviceName)
}

// dismissNotification clears the transient confirmation overlay via an
// escalating strategy chain: direct click, scripted forced click,
// backdrop removal plus a second direct click, then a final absence
// check. Exhausting the chain is a hard error.
func (p *Pipeline) dismissNotification(session browser.Session) error {
	sel := p.cfg.Selectors

	if p.clickDismiss(session) && p.notificationGone(session) {
		return nil
	}

	// Scripted click bypasses visibility and hit-target checks.
	forced := fmt.Sprintf(
		`(() => { const el = document.querySelector(%q); if (el) { el.click(); } })()`,
		sel.NotificationDismiss,
	)
	if err := session.Eval(forced); err == nil && p.notificationGone(session) {
		return nil
	}

	backdrops, err := session.Elements(sel.Backdrop)
	if err == nil && len(backdrops) > 0 {
		hide := fmt.Sprintf(
			`(() => { document.querySelectorAll(%q).forEach(el => { el.style.display = "none"; }); })()`,
			sel.Backdrop,
		)
		if err := session.Eval(hide); err != nil {
			return fmt.Errorf("hide backdrop: %w", err)
		}
		if p.clickDismiss(session) && p.notificationGone(session) {
			return nil
		}
	}

	if p.notificationGone(session) {
		return nil
	}
	return ErrOverlayStuck
}

func (p *Pipeline) clickDismiss(session browser.Session) bool {
	el, err := session.Element(p.cfg.Selectors.NotificationDismiss, p.cfg.ControlTimeout)
	if err != nil {
		return false
	}
	visible, err := el.Visible()
	if err != nil || !visible {
		return false
	}
	return el.Click() == nil
}

func (p *Pipeline) notificationGone(session browser.Session) bool {
	els, err := session.Elements(p.cfg.Selectors.NotificationDismiss)
	return err == nil && len(els) == 0
}

// removePartialArtifact deletes any artifact for this canonical title
// smaller than the minimum viable size, so a truncated download cannot
// satisfy a later idempotency check.
func (p *Pipeline) removePartialArtifact(canonical string) {
	entries, err := os.ReadDir(p.cfg.OutputDir)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("scan output directory", slog.Any("error", err))
		}
		return
	}

	for _, entry := range entries {
		if entry.IsDir() || parser.ArtifactKey(entry.Name()) != canonical {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.Size() >= p.cfg.MinArtifactBytes {
			continue
		}
		path := filepath.Join(p.cfg.OutputDir, entry.Name())
		if err := os.Remove(path); err != nil {
			slog.Warn("remove partial artifact",
				slog.String("path", path),
				slog.Any("error", err),
			)
			continue
		}
		slog.Info("removed partial artifact",
			slog.String("path", path),
			slog.Int64("bytes", info.Size()),
		)
	}
}

func containsTitle(haystack, needle string) bool {
	if needle == "" {
		return false
	}
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}
