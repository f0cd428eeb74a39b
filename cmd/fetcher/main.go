package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aluiziolira/go-fetch-books/auth"
	"github.com/aluiziolira/go-fetch-books/browser"
	"github.com/aluiziolira/go-fetch-books/config"
	"github.com/aluiziolira/go-fetch-books/fetcher"
	"github.com/aluiziolira/go-fetch-books/index"
	"github.com/aluiziolira/go-fetch-books/models"
	"github.com/aluiziolira/go-fetch-books/pipeline"
)

func main() {
	defaultCfg := config.DefaultConfig()
	pagesDefault := defaultCfg.MaxPages
	if value, ok, err := config.EnvInt("FETCHER_PAGES"); err != nil {
		fmt.Fprintf(os.Stderr, "invalid FETCHER_PAGES: %v\n", err)
		os.Exit(1)
	} else if ok {
		pagesDefault = value
	}
	parallelDefault := defaultCfg.Concurrency
	if value, ok, err := config.EnvInt("FETCHER_PARALLEL"); err != nil {
		fmt.Fprintf(os.Stderr, "invalid FETCHER_PARALLEL: %v\n", err)
		os.Exit(1)
	} else if ok {
		parallelDefault = value
	}
	outputDefault := defaultCfg.OutputDir
	if value, ok := config.EnvString("FETCHER_OUTPUT_DIR"); ok {
		outputDefault = value
	}
	indexDefault := defaultCfg.IndexFile
	if value, ok := config.EnvString("FETCHER_INDEX"); ok {
		indexDefault = value
	}
	metricsDefault := defaultCfg.MetricsAddr
	if value, ok := config.EnvString("FETCHER_METRICS_ADDR"); ok {
		metricsDefault = value
	}
	usernameDefault, _ := config.EnvString("FETCHER_USERNAME")
	passwordDefault, _ := config.EnvString("FETCHER_PASSWORD")
	deviceDefault := defaultCfg.DeviceName
	if value, ok := config.EnvString("FETCHER_DEVICE"); ok {
		deviceDefault = value
	}
	headedDefault := false
	if value, ok, err := config.EnvBool("FETCHER_HEADED"); err != nil {
		fmt.Fprintf(os.Stderr, "invalid FETCHER_HEADED: %v\n", err)
		os.Exit(1)
	} else if ok {
		headedDefault = value
	}

	baseURL := flag.String("base-url", defaultCfg.BaseURL, "Content console URL to start from")
	username := flag.String("username", usernameDefault, "Account email (or FETCHER_USERNAME)")
	password := flag.String("password", passwordDefault, "Account password (or FETCHER_PASSWORD)")
	device := flag.String("device", deviceDefault, "Transfer target device name")
	outputDir := flag.String("output-dir", outputDefault, "Directory the browser downloads into")
	indexFile := flag.String("index", indexDefault, "Idempotency index file path")
	maxPages := flag.Int("pages", pagesDefault, "Maximum listing pages to process")
	parallel := flag.Int("parallel", parallelDefault, "Number of concurrent sessions")
	maxRetries := flag.Int("max-retries", defaultCfg.MaxRetries, "Maximum attempts per page")
	timeout := flag.Duration("timeout", defaultCfg.Timeout, "Page settle timeout")
	noIdempotent := flag.Bool("no-idempotent", false, "Download every item even if already retrieved")
	resetIndex := flag.Bool("reset-index", false, "Truncate the index before the run")
	headed := flag.Bool("headed", headedDefault, "Run the browser with a visible window (or FETCHER_HEADED)")
	verbose := flag.Bool("v", false, "Enable verbose logging")
	metricsAddr := flag.String("metrics-addr", metricsDefault, "Prometheus metrics listen address (e.g. :9090)")

	flag.Parse()

	logger, _ := newLogger(*verbose)
	slog.SetDefault(logger)

	cfg := buildConfigFromFlags(*baseURL, *username, *password, *device, *outputDir, *indexFile, *maxPages, *parallel, *maxRetries, *timeout, *noIdempotent, *headed, *verbose, *metricsAddr)
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("error", err))
		os.Exit(1)
	}

	slog.Info("starting fetch",
		slog.String("base_url", cfg.BaseURL),
		slog.Int("pages", cfg.MaxPages),
		slog.Int("workers", cfg.ClampConcurrency()),
		slog.Bool("idempotent", cfg.Idempotent),
	)

	idx, err := index.Open(cfg.IndexFile, cfg.OutputDir)
	if err != nil {
		if errors.Is(err, index.ErrLocked) {
			slog.Error("another run holds the index", slog.String("path", cfg.IndexFile))
		} else {
			slog.Error("opening index", slog.Any("error", err))
		}
		os.Exit(1)
	}
	defer func() {
		if err := idx.Close(); err != nil {
			slog.Error("close index", slog.Any("error", err))
		}
	}()
	if *resetIndex {
		if err := idx.Reset(); err != nil {
			slog.Error("reset index", slog.Any("error", err))
			os.Exit(1)
		}
		slog.Info("index reset", slog.String("path", cfg.IndexFile))
	}

	driver, err := browser.NewRodDriver(browser.Options{
		Headless:    cfg.Headless,
		UserAgent:   cfg.UserAgent,
		NavTimeout:  cfg.Timeout,
		PollTimeout: cfg.ControlTimeout,
	})
	if err != nil {
		slog.Error("launching browser", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := driver.Close(); err != nil {
			slog.Error("close browser", slog.Any("error", err))
		}
	}()

	primary, err := driver.NewSession()
	if err != nil {
		slog.Error("opening primary session", slog.Any("error", err))
		os.Exit(1)
	}

	var provider auth.CodeProvider
	if cfg.TOTPSecret != "" {
		provider = auth.NewTOTPProvider(cfg.TOTPSecret)
	}
	controller := auth.NewController(cfg, provider)
	if err := controller.SignIn(primary, cfg.Username, cfg.Password); err != nil {
		if errors.Is(err, auth.ErrMFARequired) {
			slog.Error("console demands a one-time code but FETCHER_TOTP_SECRET is not set")
		} else {
			slog.Error("sign-in failed", slog.Any("error", err))
		}
		os.Exit(1)
	}

	jar, err := controller.ExportCredentialSnapshot(primary)
	if err != nil {
		slog.Error("exporting credential snapshot", slog.Any("error", err))
		os.Exit(1)
	}

	factory, err := auth.NewSessionFactory(driver, cfg)
	if err != nil {
		slog.Error("building session factory", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received, waiting for in-flight work to finish")
	}()

	orch := fetcher.New(cfg, factory, idx, pipeline.New(cfg, idx))

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		metricsServer = &http.Server{
			Addr:    cfg.MetricsAddr,
			Handler: promhttp.HandlerFor(orch.Metrics.Registry, promhttp.HandlerOpts{}),
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server failed", slog.Any("error", err))
			}
		}()
		slog.Info("metrics server enabled", slog.String("addr", cfg.MetricsAddr))
	}

	urls, err := fetcher.NewDiscovery(cfg).Run(primary)
	if err != nil {
		slog.Error("discovery failed", slog.Any("error", err))
		os.Exit(1)
	}

	result := orch.Run(ctx, jar, urls)

	if err := primary.Close(); err != nil {
		slog.Error("close primary session", slog.Any("error", err))
	}

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("metrics server shutdown failed", slog.Any("error", err))
		}
		cancel()
	}

	printSummary(result, cfg.OutputDir, idx.Len())
}

func buildConfigFromFlags(baseURL, username, password, device, outputDir, indexFile string, maxPages, parallel, maxRetries int, timeout time.Duration, noIdempotent, headed, verbose bool, metricsAddr string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.BaseURL = baseURL
	cfg.Username = username
	cfg.Password = password
	cfg.TOTPSecret, _ = config.EnvString("FETCHER_TOTP_SECRET")
	cfg.DeviceName = device
	cfg.OutputDir = outputDir
	cfg.IndexFile = indexFile
	cfg.MaxPages = maxPages
	cfg.Concurrency = parallel
	cfg.MaxRetries = maxRetries
	cfg.Timeout = timeout
	cfg.Idempotent = !noIdempotent
	cfg.Headless = !headed
	cfg.Verbose = verbose
	cfg.MetricsAddr = metricsAddr
	return cfg
}

func printSummary(result *models.RunResult, outputDir string, indexed int) {
	separator := "--------------------------------------------------"
	fmt.Println("\n" + separator)
	fmt.Println("Fetch complete")

	duration := result.EndTime.Sub(result.StartTime)
	itemsPerMin := 0.0
	if duration.Minutes() > 0 {
		itemsPerMin = float64(result.Downloaded) / duration.Minutes()
	}

	fmt.Printf("  Pages:         %d\n", len(result.Pages))
	fmt.Printf("  Downloaded:    %d\n", result.Downloaded)
	fmt.Printf("  Skipped:       %d\n", result.Skipped)
	fmt.Printf("  Unavailable:   %d\n", result.Unavailable)
	fmt.Printf("  Failed:        %d\n", result.Failed)
	fmt.Printf("  Abandoned:     %d\n", result.Abandoned)
	fmt.Printf("  Retries:       %d\n", result.Retries)
	fmt.Printf("  Indexed:       %d\n", indexed)
	fmt.Printf("  Duration:      %v\n", duration)
	fmt.Printf("  Items/min:     %.2f\n", itemsPerMin)
	fmt.Printf("  Output dir:    %s\n", outputDir)
	fmt.Println(separator)
}

func newLogger(verbose bool) (*slog.Logger, *slog.LevelVar) {
	level := &slog.LevelVar{}
	if verbose {
		level.Set(slog.LevelDebug)
	} else {
		level.Set(slog.LevelInfo)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if isTerminal(os.Stdout) {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler), level
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
