package config

import (
	"fmt"
	"net/url"
	"time"
)

// MaxConcurrency is the hard ceiling on simultaneous browser sessions.
const MaxConcurrency = 10

// Selectors collects the CSS selectors the fetcher drives. The defaults
// target the digital content console; every one of them is a
// configuration point because the console's markup changes without
// notice.
type Selectors struct {
	SignInEmail    string
	SignInPassword string
	SignInSubmit   string

	MFAChallenge string
	MFAInput     string
	MFASubmit    string
	MFAError     string

	// Landmark must be present after a successful sign-in.
	Landmark string
	// SignInControl present on a cloned session means authentication
	// did not transfer.
	SignInControl string

	NextPage       string
	ItemRow        string
	ItemTitle      string
	EmptyIndicator string

	MenuButton          string
	TransferOption      string
	DeviceOption        string
	DownloadButton      string
	NotificationDismiss string
	Backdrop            string
}

// Config holds fetcher configuration. Values arrive pre-validated from
// flags and environment; the run treats this struct as authoritative.
type Config struct {
	BaseURL  string
	Username string
	Password string
	// TOTPSecret enables the one-time-password provider. Leaving it
	// empty while the console demands a code is a fatal condition.
	TOTPSecret string

	DeviceName string
	OutputDir  string
	IndexFile  string

	Concurrency int
	MaxPages    int
	Idempotent  bool

	Timeout        time.Duration
	ControlTimeout time.Duration
	PollInterval   time.Duration

	MaxRetries int
	// RetryBase is the exponential backoff base in seconds; attempt n
	// sleeps base^n seconds plus 1-3s of jitter.
	RetryBase float64

	MinItemRows      int
	MinArtifactBytes int64

	NavPerSecond float64
	NavBurst     int

	UserAgent   string
	Headless    bool
	Verbose     bool
	MetricsAddr string

	Selectors Selectors
}

// DefaultConfig returns conservative defaults for the content console.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:          "https://www.amazon.com/hz/mycd/myx#/home/content/booksAll/dateDsc/",
		DeviceName:       "Kindle",
		OutputDir:        "output/books",
		IndexFile:        "output/books/downloaded.log",
		Concurrency:      4,
		MaxPages:         50,
		Idempotent:       true,
		Timeout:          20 * time.Second,
		ControlTimeout:   5 * time.Second,
		PollInterval:     250 * time.Millisecond,
		MaxRetries:       3,
		RetryBase:        2,
		MinItemRows:      1,
		MinArtifactBytes: 16 * 1024,
		NavPerSecond:     1,
		NavBurst:         2,
		UserAgent:        "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/117.0.0.0 Safari/537.36",
		Headless:         true,
		Verbose:          false,
		MetricsAddr:      "",
		Selectors: Selectors{
			SignInEmail:         `input[name="email"]`,
			SignInPassword:      `input[name="password"]`,
			SignInSubmit:        `input#signInSubmit`,
			MFAChallenge:        `input[name="otpCode"]`,
			MFAInput:            `input[name="otpCode"]`,
			MFASubmit:           `input#auth-signin-button`,
			MFAError:            `#auth-error-message-box`,
			Landmark:            `#navbar-main`,
			SignInControl:       `input[name="email"]`,
			NextPage:            `ul.a-pagination li.a-last a`,
			ItemRow:             `div.contentTableListRow_myx`,
			ItemTitle:           `div.myx-column-text[id^="title"]`,
			EmptyIndicator:      `div.contentListEmpty_myx, #error-server-busy`,
			MenuButton:          `button[id^="dd_action_"]`,
			TransferOption:      `span[id^="download_and_transfer_list_"]`,
			DeviceOption:        `li[id^="download_and_transfer_list_"] label`,
			DownloadButton:      `div[id^="DOWNLOAD_AND_TRANSFER_ACTION_"] .myx-button-text`,
			NotificationDismiss: `span#notification-close`,
			Backdrop:            `div.a-popover-backdrop`,
		},
	}
}

// ClampConcurrency bounds the worker count to [1, MaxConcurrency].
func (c *Config) ClampConcurrency() int {
	if c.Concurrency < 1 {
		return 1
	}
	if c.Concurrency > MaxConcurrency {
		return MaxConcurrency
	}
	return c.Concurrency
}

// Validate ensures all configuration values are coherent.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base URL cannot be empty")
	}
	parsedURL, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid base URL: %w", err)
	}
	if parsedURL.Host == "" {
		return fmt.Errorf("base URL must include a host")
	}
	if c.Username == "" {
		return fmt.Errorf("username cannot be empty")
	}
	if c.Password == "" {
		return fmt.Errorf("password cannot be empty")
	}
	if c.DeviceName == "" {
		return fmt.Errorf("device name cannot be empty")
	}
	if c.OutputDir == "" {
		return fmt.Errorf("output directory cannot be empty")
	}
	if c.IndexFile == "" {
		return fmt.Errorf("index file cannot be empty")
	}
	if c.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be positive")
	}
	if c.MaxPages <= 0 {
		return fmt.Errorf("max pages must be positive")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.ControlTimeout <= 0 {
		return fmt.Errorf("control timeout must be positive")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	if c.RetryBase <= 1 {
		return fmt.Errorf("retry base must be greater than 1")
	}
	if c.MinItemRows <= 0 {
		return fmt.Errorf("min item rows must be positive")
	}
	if c.MinArtifactBytes < 0 {
		return fmt.Errorf("min artifact bytes cannot be negative")
	}
	if c.NavPerSecond <= 0 {
		return fmt.Errorf("navigation rate must be positive")
	}
	if c.NavBurst <= 0 {
		return fmt.Errorf("navigation burst must be positive")
	}
	if c.UserAgent == "" {
		return fmt.Errorf("user agent cannot be empty")
	}
	return nil
}
