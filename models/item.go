// Package models defines data structures shared across the fetcher.
package models

import "time"

// Availability classifies whether a listed item can be downloaded.
type Availability int

const (
	Available Availability = iota
	Unavailable
)

func (a Availability) String() string {
	if a == Unavailable {
		return "unavailable"
	}
	return "available"
}

// Item represents one row of the owned-items listing.
type Item struct {
	RawTitle       string       `json:"raw_title"`
	CanonicalTitle string       `json:"canonical_title"`
	PageURL        string       `json:"page_url"`
	Availability   Availability `json:"availability"`
}

// PageDescriptor is one unit of the paginated listing. The URL and number
// are fixed at discovery time; Items is filled by the worker that
// processes the page.
type PageDescriptor struct {
	PageNumber int    `json:"page_number"`
	URL        string `json:"url"`
	Items      []Item `json:"items"`
	Empty      bool   `json:"empty"`
}

// IndexRecord is one durable line of the idempotency index.
type IndexRecord struct {
	CanonicalTitle string    `json:"canonical_title"`
	CompletedAt    time.Time `json:"completed_at"`
}

// RunResult maps page numbers to their descriptors. Pages that errored
// out past the retry bound are simply absent.
type RunResult struct {
	Pages     map[int]PageDescriptor
	StartTime time.Time
	EndTime   time.Time

	Downloaded  int
	Skipped     int
	Unavailable int
	Failed      int
	Abandoned   int
	Retries     int
}

// Cookie is one entry of a credential snapshot, decoupled from any
// particular browser backend.
type Cookie struct {
	Name     string
	Value    string
	Domain   string
	Path     string
	Expires  time.Time
	Secure   bool
	HTTPOnly bool
}

// CookieJar is the captured authenticated identity of the primary
// session, replayable into cloned sessions.
type CookieJar struct {
	Domain  string
	Cookies []Cookie
}
