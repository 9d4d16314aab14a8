package content

import (
	"bytes"
	"errors"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
)

var (
	strictPolicy = bluemonday.StrictPolicy()
	ugcPolicy    = bluemonday.UGCPolicy()
	nameRegex    = regexp.MustCompile(`^[\p{L}\p{N} ._-]+$`)
	markdown     = goldmark.New()
)

// Sanitize strips all HTML from user input. Used for message text and
// display names before they are written to the store.
func Sanitize(input string) string {
	return strictPolicy.Sanitize(input)
}

// Render converts stored message text to display-safe HTML: markdown first,
// then a UGC sanitization pass over the result.
func Render(text string) (string, error) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(text), &buf); err != nil {
		return "", err
	}
	return ugcPolicy.Sanitize(buf.String()), nil
}

// Truncate caps s at n runes, used for denormalized chat summaries.
func Truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

// ValidateDisplayName checks the name is non-empty and contains only
// letters, digits, spaces, dot, dash, underscore.
func ValidateDisplayName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("display name cannot be empty")
	}
	if !nameRegex.MatchString(name) {
		return errors.New("display name contains invalid characters (allowed: letters, digits, space, dot, dash, underscore)")
	}
	return nil
}
