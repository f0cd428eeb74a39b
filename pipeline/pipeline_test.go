package pipeline

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aluiziolira/go-fetch-books/browser"
	"github.com/aluiziolira/go-fetch-books/browser/browsertest"
	"github.com/aluiziolira/go-fetch-books/config"
	"github.com/aluiziolira/go-fetch-books/models"
)

type fakeIndex struct {
	mu        sync.Mutex
	records   []string
	recordErr error
}

func (f *fakeIndex) Contains(canonical string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.records {
		if r == canonical {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeIndex) Record(canonical string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.recordErr != nil {
		return f.recordErr
	}
	f.records = append(f.records, canonical)
	return nil
}

func (f *fakeIndex) Reset() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = nil
	return nil
}

func (f *fakeIndex) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.records))
	copy(out, f.records)
	return out
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.OutputDir = t.TempDir()
	cfg.ControlTimeout = 50 * time.Millisecond
	return cfg
}

func testItem() models.Item {
	return models.Item{
		RawTitle:       "The Dispossessed",
		CanonicalTitle: "the_dispossessed",
	}
}

// downloadConsole wires a session where the full download sequence
// succeeds: row with menu button, transfer option, matching device,
// download button, and a dismissible notification.
func downloadConsole(cfg *config.Config) (*browsertest.FakeSession, *browsertest.FakeElement) {
	sel := cfg.Selectors
	session := browsertest.NewFakeSession()

	row := browsertest.NewFakeElement("The Dispossessed\nUrsula K. Le Guin")
	menu := browsertest.NewFakeElement("...")
	row.SetChild(sel.MenuButton, menu)
	session.SetAll(sel.ItemRow, row)

	session.Set(sel.TransferOption, browsertest.NewFakeElement("Download & transfer via USB"))
	session.SetAll(sel.DeviceOption, browsertest.NewFakeElement("Kindle Paperwhite"))
	session.Set(sel.DownloadButton, browsertest.NewFakeElement("Download"))

	dismiss := browsertest.NewFakeElement("Close")
	dismiss.ClickFunc = func() error {
		// Overlay disappears once acknowledged.
		session.Remove(sel.NotificationDismiss)
		return nil
	}
	session.Set(sel.NotificationDismiss, dismiss)

	return session, menu
}

func TestRunRecordsExactlyOnce(t *testing.T) {
	cfg := testConfig(t)
	session, _ := downloadConsole(cfg)
	idx := &fakeIndex{}

	p := New(cfg, idx)
	res, err := p.Run(session, testItem())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.State != NotificationDismissed {
		t.Fatalf("Run() state = %s, want success", res.State)
	}
	if res.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", res.Attempts)
	}
	if got := idx.recorded(); len(got) != 1 || got[0] != "the_dispossessed" {
		t.Errorf("recorded = %v, want exactly one record", got)
	}
}

func TestRunMissingControlMeansUnavailable(t *testing.T) {
	cfg := testConfig(t)
	session, _ := downloadConsole(cfg)
	session.Remove(cfg.Selectors.TransferOption)
	idx := &fakeIndex{}

	p := New(cfg, idx)
	res, err := p.Run(session, testItem())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.State != Unavailable {
		t.Fatalf("Run() state = %s, want unavailable", res.State)
	}
	if res.Attempts != 1 {
		t.Errorf("attempts = %d, want 1 (no retry for a missing control)", res.Attempts)
	}
	if len(idx.recorded()) != 0 {
		t.Errorf("unavailable item was recorded")
	}
}

func TestRunRetriesTransientFailureThenSucceeds(t *testing.T) {
	cfg := testConfig(t)
	session, menu := downloadConsole(cfg)
	idx := &fakeIndex{}

	var calls int
	menu.ClickFunc = func() error {
		calls++
		if calls < 3 {
			return errors.New("element detached from the document")
		}
		return nil
	}

	p := New(cfg, idx)
	res, err := p.Run(session, testItem())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.State != NotificationDismissed {
		t.Fatalf("Run() state = %s, want success", res.State)
	}
	if res.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", res.Attempts)
	}
	if session.Reloads() != 2 {
		t.Errorf("reloads = %d, want 2 (one per restart)", session.Reloads())
	}
	if got := idx.recorded(); len(got) != 1 {
		t.Errorf("recorded = %v, want exactly one record despite retries", got)
	}
}

func TestRunExhaustedAttemptsRemovesPartialArtifact(t *testing.T) {
	cfg := testConfig(t)
	session, menu := downloadConsole(cfg)
	idx := &fakeIndex{}

	menu.ClickFunc = func() error {
		return errors.New("element detached from the document")
	}

	partial := filepath.Join(cfg.OutputDir, "The Dispossessed.epub")
	if err := os.WriteFile(partial, []byte("truncated"), 0o644); err != nil {
		t.Fatalf("write partial artifact: %v", err)
	}
	complete := filepath.Join(cfg.OutputDir, "Other Book.epub")
	if err := os.WriteFile(complete, make([]byte, cfg.MinArtifactBytes), 0o644); err != nil {
		t.Fatalf("write complete artifact: %v", err)
	}

	p := New(cfg, idx)
	res, err := p.Run(session, testItem())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.State != Failed {
		t.Fatalf("Run() state = %s, want failed", res.State)
	}
	if res.Err == nil {
		t.Errorf("failed result carries no cause")
	}
	if _, err := os.Stat(partial); !os.IsNotExist(err) {
		t.Errorf("undersized partial artifact survived")
	}
	if _, err := os.Stat(complete); err != nil {
		t.Errorf("unrelated artifact was removed: %v", err)
	}
	if len(idx.recorded()) != 0 {
		t.Errorf("failed item was recorded")
	}
}

func TestRunReloadFailureReportsActualAttempts(t *testing.T) {
	cfg := testConfig(t)
	session, menu := downloadConsole(cfg)
	idx := &fakeIndex{}

	menu.ClickFunc = func() error {
		return errors.New("element detached from the document")
	}
	session.ReloadFunc = func() error {
		return errors.New("net::ERR_CONNECTION_RESET")
	}

	p := New(cfg, idx)
	res, err := p.Run(session, testItem())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.State != Failed {
		t.Fatalf("Run() state = %s, want failed", res.State)
	}
	if res.Attempts != 1 {
		t.Errorf("attempts = %d, want 1 (reload failed before any retry)", res.Attempts)
	}
	if res.Err == nil || !strings.Contains(res.Err.Error(), "reload before retry") {
		t.Errorf("res.Err = %v, want the reload failure as cause", res.Err)
	}
}

func TestRunPropagatesIndexWriteFailure(t *testing.T) {
	cfg := testConfig(t)
	session, _ := downloadConsole(cfg)
	idx := &fakeIndex{recordErr: errors.New("disk full")}

	p := New(cfg, idx)
	res, err := p.Run(session, testItem())
	if err == nil {
		t.Fatalf("Run() error = nil, want the index write failure")
	}
	if res.State != NotificationDismissed {
		t.Errorf("Run() state = %s, want success alongside the write error", res.State)
	}
}

func TestDismissEscalatesToScriptedClick(t *testing.T) {
	cfg := testConfig(t)
	session, _ := downloadConsole(cfg)
	idx := &fakeIndex{}

	// Direct click cannot land: the overlay reports itself hidden.
	dismiss := browsertest.NewFakeElement("Close")
	dismiss.VisibleValue = false
	session.Set(cfg.Selectors.NotificationDismiss, dismiss)
	session.EvalFunc = func(js string) error {
		session.Remove(cfg.Selectors.NotificationDismiss)
		return nil
	}

	p := New(cfg, idx)
	res, err := p.Run(session, testItem())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.State != NotificationDismissed {
		t.Fatalf("Run() state = %s, want success via scripted click", res.State)
	}
	if len(session.Evals()) == 0 {
		t.Errorf("scripted click never ran")
	}
}

func TestDismissHidesBackdropThenClicks(t *testing.T) {
	cfg := testConfig(t)
	session, _ := downloadConsole(cfg)
	idx := &fakeIndex{}

	// Direct and scripted clicks are blocked until the backdrop is
	// hidden.
	dismiss := browsertest.NewFakeElement("Close")
	dismiss.VisibleValue = false
	dismiss.ClickFunc = func() error {
		session.Remove(cfg.Selectors.NotificationDismiss)
		return nil
	}
	session.Set(cfg.Selectors.NotificationDismiss, dismiss)
	session.SetAll(cfg.Selectors.Backdrop, browsertest.NewFakeElement(""))
	session.EvalFunc = func(js string) error {
		if strings.Contains(js, "display") {
			dismiss.VisibleValue = true
		}
		return nil
	}

	p := New(cfg, idx)
	res, err := p.Run(session, testItem())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.State != NotificationDismissed {
		t.Fatalf("Run() state = %s, want success after backdrop removal", res.State)
	}
	if dismiss.Clicks() != 1 {
		t.Errorf("dismiss clicks = %d, want 1", dismiss.Clicks())
	}
}

func TestDismissStuckOverlayFailsTheItem(t *testing.T) {
	cfg := testConfig(t)
	session, _ := downloadConsole(cfg)
	idx := &fakeIndex{}

	// Overlay ignores every strategy.
	dismiss := browsertest.NewFakeElement("Close")
	dismiss.VisibleValue = false
	session.Set(cfg.Selectors.NotificationDismiss, dismiss)

	p := New(cfg, idx)
	res, err := p.Run(session, testItem())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.State != Failed {
		t.Fatalf("Run() state = %s, want failed", res.State)
	}
	if !errors.Is(res.Err, ErrOverlayStuck) {
		t.Errorf("res.Err = %v, want ErrOverlayStuck", res.Err)
	}
	if len(idx.recorded()) != 0 {
		t.Errorf("stuck item was recorded")
	}
}

func TestRunSequenceReportsLastState(t *testing.T) {
	cfg := testConfig(t)
	idx := &fakeIndex{}
	p := New(cfg, idx)

	tests := []struct {
		name   string
		remove string
		want   State
	}{
		{name: "no transfer option", remove: cfg.Selectors.TransferOption, want: MenuOpened},
		{name: "no download button", remove: cfg.Selectors.DownloadButton, want: DeviceSelected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			session, _ := downloadConsole(cfg)
			session.Remove(tt.remove)
			state, err := p.runSequence(session, testItem())
			if err == nil {
				t.Fatalf("runSequence() succeeded with %s removed", tt.remove)
			}
			if state != tt.want {
				t.Errorf("state = %s, want %s", state, tt.want)
			}
			if !errors.Is(err, browser.ErrElementNotFound) {
				t.Errorf("error = %v, want wrapped ErrElementNotFound", err)
			}
		})
	}
}

func TestFindRowMatchesByTitleText(t *testing.T) {
	cfg := testConfig(t)
	session := browsertest.NewFakeSession()
	session.SetAll(cfg.Selectors.ItemRow,
		browsertest.NewFakeElement("Some Other Book"),
		browsertest.NewFakeElement("THE DISPOSSESSED\nUrsula K. Le Guin"),
	)

	p := New(cfg, &fakeIndex{})
	row, err := p.findRow(session, testItem())
	if err != nil {
		t.Fatalf("findRow() error = %v", err)
	}
	text, _ := row.Text()
	if text != "THE DISPOSSESSED\nUrsula K. Le Guin" {
		t.Errorf("findRow() matched %q", text)
	}

	_, err = p.findRow(session, models.Item{RawTitle: "Missing", CanonicalTitle: "missing"})
	if !errors.Is(err, browser.ErrElementNotFound) {
		t.Errorf("findRow() for missing title = %v, want ErrElementNotFound", err)
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{NotStarted, "not_started"},
		{DownloadTriggered, "download_triggered"},
		{NotificationDismissed, "success"},
		{Unavailable, "unavailable"},
		{Failed, "failed"},
		{State(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
