// Package parser holds the pure text transforms applied to listing rows.
package parser

import (
	"path/filepath"
	"strings"

	"github.com/aluiziolira/go-fetch-books/models"
)

// unavailableMarkers are the known row-text fragments that mark an item
// as not downloadable. Matching is case-insensitive.
var unavailableMarkers = []string{
	"not available for download",
	"unavailable for download",
	"no longer available",
	"download unavailable",
}

// CanonicalTitle derives the idempotency key for a display title:
// lower-cased, characters outside [a-z0-9 ] stripped, whitespace runs
// collapsed to a single underscore, repeated underscores collapsed, and
// any trailing underscore trimmed. It is a pure function; two titles
// with the same canonical form are the same logical item.
func CanonicalTitle(raw string) string {
	lowered := strings.ToLower(raw)

	var b strings.Builder
	b.Grow(len(lowered))
	for _, r := range lowered {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ', r == '\t', r == '\n', r == '\r':
			b.WriteByte(' ')
		}
	}

	fields := strings.Fields(b.String())
	return strings.Join(fields, "_")
}

// ClassifyAvailability scans a listing row's text for the known
// unavailable markers.
func ClassifyAvailability(rowText string) models.Availability {
	lowered := strings.ToLower(rowText)
	for _, marker := range unavailableMarkers {
		if strings.Contains(lowered, marker) {
			return models.Unavailable
		}
	}
	return models.Available
}

// ArtifactKey canonicalizes an output artifact's filename so it can be
// compared against canonical titles. The extension is stripped first.
func ArtifactKey(filename string) string {
	base := filepath.Base(filename)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	return CanonicalTitle(strings.ReplaceAll(base, "_", " "))
}
