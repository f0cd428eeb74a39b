// Package fetcher coordinates the run: it discovers the paginated
// listing on the primary session, then fans the pages out to a bounded
// pool of workers holding cloned sessions.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/aluiziolira/go-fetch-books/auth"
	"github.com/aluiziolira/go-fetch-books/browser"
	"github.com/aluiziolira/go-fetch-books/config"
	"github.com/aluiziolira/go-fetch-books/index"
	"github.com/aluiziolira/go-fetch-books/models"
	"github.com/aluiziolira/go-fetch-books/parser"
	"github.com/aluiziolira/go-fetch-books/pipeline"
)

// SessionCloner hands out fresh authenticated sessions from a captured
// credential snapshot.
type SessionCloner interface {
	CloneAuthenticated(ctx context.Context, jar models.CookieJar) (browser.Session, error)
}

// ItemPipeline runs the download sequence for one item on a session
// the caller owns exclusively.
type ItemPipeline interface {
	Run(session browser.Session, item models.Item) (pipeline.Result, error)
}

// Orchestrator owns the worker pool. Each worker holds at most one
// session at a time, so open sessions never exceed the clamped worker
// count.
type Orchestrator struct {
	cfg     *config.Config
	cloner  SessionCloner
	idx     index.Index
	pipe    ItemPipeline
	Metrics *Metrics

	// limiter paces navigations across all workers.
	limiter *rate.Limiter

	sleep  func(time.Duration)
	jitter func() time.Duration
}

// pageJob is one discovered page handed to a worker.
type pageJob struct {
	number int
	url    string
}

// pageStats accumulates item outcomes for one page across attempts.
// Attempts only fail before item handling starts, so outcomes are
// never counted twice.
type pageStats struct {
	downloaded  int
	skipped     int
	unavailable int
	failed      int
	retries     int
}

// New builds an orchestrator with its own metrics registry.
func New(cfg *config.Config, cloner SessionCloner, idx index.Index, pipe ItemPipeline) *Orchestrator {
	return &Orchestrator{
		cfg:     cfg,
		cloner:  cloner,
		idx:     idx,
		pipe:    pipe,
		Metrics: NewMetrics(),
		limiter: rate.NewLimiter(rate.Limit(cfg.NavPerSecond), cfg.NavBurst),
		sleep:   time.Sleep,
		jitter: func() time.Duration {
			return time.Second + time.Duration(rand.Int63n(int64(2*time.Second)))
		},
	}
}

// Run processes every discovered page and aggregates the outcome. Pages
// that exhaust their retry budget are counted abandoned and left out of
// the result's page map.
func (o *Orchestrator) Run(ctx context.Context, jar models.CookieJar, urls []string) *models.RunResult {
	result := &models.RunResult{
		Pages:     make(map[int]models.PageDescriptor, len(urls)),
		StartTime: time.Now(),
	}
	if len(urls) == 0 {
		result.EndTime = time.Now()
		return result
	}

	workers := o.cfg.ClampConcurrency()
	if workers > len(urls) {
		workers = len(urls)
	}
	slog.Info("starting workers",
		slog.Int("workers", workers),
		slog.Int("pages", len(urls)),
	)

	jobs := make(chan pageJob)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				o.runPage(ctx, jar, job, result, &mu)
			}
		}()
	}

feed:
	for i, url := range urls {
		select {
		case <-ctx.Done():
			slog.Warn("run cancelled, draining in-flight pages")
			break feed
		case jobs <- pageJob{number: i + 1, url: url}:
		}
	}
	close(jobs)
	wg.Wait()

	result.EndTime = time.Now()
	return result
}

// runPage drives one page through its retry budget and merges the
// outcome into the shared result.
func (o *Orchestrator) runPage(ctx context.Context, jar models.CookieJar, job pageJob, result *models.RunResult, mu *sync.Mutex) {
	start := time.Now()
	desc, stats, err := o.processPage(ctx, jar, job)
	o.Metrics.ObservePageDuration(time.Since(start))

	mu.Lock()
	defer mu.Unlock()
	result.Downloaded += stats.downloaded
	result.Skipped += stats.skipped
	result.Unavailable += stats.unavailable
	result.Failed += stats.failed
	result.Retries += stats.retries

	if err != nil {
		result.Abandoned++
		o.Metrics.IncPage("abandoned")
		return
	}
	if desc.Empty {
		o.Metrics.IncPage("empty")
		result.Pages[desc.PageNumber] = desc
		return
	}
	o.Metrics.IncPage("processed")
	if len(desc.Items) > 0 {
		result.Pages[desc.PageNumber] = desc
	}
}

func (o *Orchestrator) processPage(ctx context.Context, jar models.CookieJar, job pageJob) (models.PageDescriptor, *pageStats, error) {
	stats := &pageStats{}
	var lastErr error

	for attempt := 1; attempt <= o.cfg.MaxRetries; attempt++ {
		if attempt > 1 {
			stats.retries++
			o.Metrics.IncRetries()
			o.sleep(o.backoff(attempt - 1))
		}
		if err := ctx.Err(); err != nil {
			return models.PageDescriptor{}, stats, err
		}

		desc, err := o.attemptPage(ctx, jar, job, stats)
		if err == nil {
			return desc, stats, nil
		}
		lastErr = err
		o.Metrics.IncError(errorTypeLabel(err))

		if !retryable(err) {
			slog.Error("page abandoned",
				slog.Int("page", job.number),
				slog.String("error_type", errorTypeLabel(err)),
				slog.Any("error", err),
			)
			return models.PageDescriptor{}, stats, err
		}
		slog.Warn("page attempt failed",
			slog.Int("page", job.number),
			slog.Int("attempt", attempt),
			slog.String("error_type", errorTypeLabel(err)),
			slog.Any("error", err),
		)
	}

	slog.Error("page abandoned after retries",
		slog.Int("page", job.number),
		slog.Int("attempts", o.cfg.MaxRetries),
		slog.Any("error", lastErr),
	)
	return models.PageDescriptor{}, stats, lastErr
}

// attemptPage is one full pass over a page on a freshly cloned session.
func (o *Orchestrator) attemptPage(ctx context.Context, jar models.CookieJar, job pageJob, stats *pageStats) (models.PageDescriptor, error) {
	desc := models.PageDescriptor{PageNumber: job.number, URL: job.url}

	session, err := o.cloner.CloneAuthenticated(ctx, jar)
	if err != nil {
		if errors.Is(err, auth.ErrLostAuthentication) {
			return desc, err
		}
		return desc, ErrClone{Err: err}
	}
	o.Metrics.SessionOpened()
	defer func() {
		_ = session.Close()
		o.Metrics.SessionClosed()
	}()

	if err := o.limiter.Wait(ctx); err != nil {
		return desc, err
	}
	if err := session.Navigate(job.url); err != nil {
		return desc, ErrNavigation{Err: err}
	}

	rows, empty, err := o.classify(session)
	if err != nil {
		return desc, err
	}
	if empty {
		desc.Empty = true
		slog.Info("page confirmed empty", slog.Int("page", job.number))
		return desc, nil
	}

	// Extract every item before dispatching any: the pipeline reloads
	// the page on a transient restart, which invalidates the row
	// handles captured above. The pipeline re-locates rows by title, so
	// only these handles are reload-sensitive.
	items := make([]models.Item, 0, len(rows))
	for _, row := range rows {
		item, ok := o.extractItem(row, job.url)
		if !ok {
			continue
		}
		items = append(items, item)
	}

	for _, item := range items {
		handled, err := o.handleItem(session, item, stats)
		if err != nil {
			return desc, err
		}
		desc.Items = append(desc.Items, handled)
	}
	return desc, nil
}

// classify resolves a loaded page into exactly one of: content rows
// present, confirmed empty, or indeterminate. Indeterminate pages are
// an error so the retry layer can take another look.
func (o *Orchestrator) classify(session browser.Session) ([]browser.Element, bool, error) {
	deadline := time.Now().Add(o.cfg.Timeout)
	for {
		rows, err := session.Elements(o.cfg.Selectors.ItemRow)
		if err != nil {
			return nil, false, ErrNavigation{Err: err}
		}
		if len(rows) > 0 {
			return rows, false, nil
		}

		empties, err := session.Elements(o.cfg.Selectors.EmptyIndicator)
		if err != nil {
			return nil, false, ErrNavigation{Err: err}
		}
		if len(empties) > 0 {
			return nil, true, nil
		}

		if time.Now().After(deadline) {
			return nil, false, ErrIndeterminate{
				Err: fmt.Errorf("neither rows nor empty indicator within %s", o.cfg.Timeout),
			}
		}
		time.Sleep(o.cfg.PollInterval)
	}
}

// handleItem takes one extracted item to a terminal outcome. The error
// is non-nil only for an index-write failure, which abandons the page.
func (o *Orchestrator) handleItem(session browser.Session, item models.Item, stats *pageStats) (models.Item, error) {
	if item.Availability == models.Unavailable {
		stats.unavailable++
		o.Metrics.IncItem("unavailable")
		slog.Info("item marked unavailable", slog.String("title", item.CanonicalTitle))
		return item, nil
	}

	if o.cfg.Idempotent {
		done, err := o.idx.Contains(item.CanonicalTitle)
		if err != nil {
			stats.failed++
			o.Metrics.IncItem("failed")
			slog.Warn("idempotency check failed, not downloading",
				slog.String("title", item.CanonicalTitle),
				slog.Any("error", err),
			)
			return item, nil
		}
		if done {
			stats.skipped++
			o.Metrics.IncItem("skipped")
			slog.Info("skipping already retrieved item",
				slog.String("title", item.CanonicalTitle),
			)
			return item, nil
		}
	}

	res, err := o.pipe.Run(session, item)
	if err != nil {
		return item, ErrIndexWrite{Err: err}
	}
	switch res.State {
	case pipeline.NotificationDismissed:
		stats.downloaded++
		o.Metrics.IncItem("downloaded")
	case pipeline.Unavailable:
		stats.unavailable++
		o.Metrics.IncItem("unavailable")
		item.Availability = models.Unavailable
	default:
		stats.failed++
		o.Metrics.IncItem("failed")
		if res.Err != nil {
			o.Metrics.IncError(errorTypeLabel(res.Err))
		}
		slog.Warn("item failed",
			slog.String("title", item.CanonicalTitle),
			slog.Int("attempts", res.Attempts),
			slog.Any("error", res.Err),
		)
	}
	return item, nil
}

// extractItem reads a listing row into an Item. Rows without a usable
// title are skipped rather than failing the page.
func (o *Orchestrator) extractItem(row browser.Element, pageURL string) (models.Item, bool) {
	text, err := row.Text()
	if err != nil {
		return models.Item{}, false
	}
	raw := o.rowTitle(row, text)
	if raw == "" {
		return models.Item{}, false
	}
	return models.Item{
		RawTitle:       raw,
		CanonicalTitle: parser.CanonicalTitle(raw),
		PageURL:        pageURL,
		Availability:   parser.ClassifyAvailability(text),
	}, true
}

// rowTitle prefers the dedicated title element and falls back to the
// first non-empty line of the row text.
func (o *Orchestrator) rowTitle(row browser.Element, text string) string {
	if el, err := row.Find(o.cfg.Selectors.ItemTitle); err == nil {
		if t, err := el.Text(); err == nil {
			if trimmed := strings.TrimSpace(t); trimmed != "" {
				return trimmed
			}
		}
	}
	for _, line := range strings.Split(text, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

// backoff computes the delay before retry n: base^n seconds plus one to
// three seconds of jitter.
func (o *Orchestrator) backoff(n int) time.Duration {
	base := time.Duration(math.Pow(o.cfg.RetryBase, float64(n)) * float64(time.Second))
	return base + o.jitter()
}
