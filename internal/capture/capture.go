// Package capture defines optional page capture used to store screenshots of
// scraped item pages.
package capture

import (
	"context"
	"errors"
)

// ErrDisabled is returned by capturers that are not configured.
var ErrDisabled = errors.New("page capture not configured")

// Capturer renders a page and returns a PNG image of it.
type Capturer interface {
	Capture(ctx context.Context, pageURL string, headers map[string]string) ([]byte, error)
}

// Noop satisfies Capturer and always reports ErrDisabled.
type Noop struct{}

// Capture implements Capturer.
func (Noop) Capture(context.Context, string, map[string]string) ([]byte, error) {
	return nil, ErrDisabled
}
