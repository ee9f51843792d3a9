package headless

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scrape-orchestrator/internal/capture"
)

func TestNewValidatesAndDefaults(t *testing.T) {
	t.Parallel()

	_, err := New(Config{MaxParallel: -1})
	require.Error(t, err)

	c, err := New(Config{MaxParallel: 2, Quality: 250})
	require.NoError(t, err)
	defer c.Close()
	require.Equal(t, 2, cap(c.limiter))
	require.Equal(t, 100, c.cfg.Quality)
	require.Equal(t, defaultNavigationTimeout, c.cfg.NavigationTimeout)
}

func TestAcquireHonoursContext(t *testing.T) {
	t.Parallel()

	c := &Capturer{limiter: make(chan struct{}, 1)}
	require.NoError(t, c.acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.Error(t, c.acquire(ctx), "slot is held")

	c.release()
	require.NoError(t, c.acquire(context.Background()))
}

func TestToNetworkHeaders(t *testing.T) {
	t.Parallel()

	h := toNetworkHeaders(map[string]string{"X-Test": "a"})
	require.Equal(t, "a", h["X-Test"])
}

func TestNoopReportsDisabled(t *testing.T) {
	t.Parallel()

	var c capture.Capturer = capture.Noop{}
	_, err := c.Capture(context.Background(), "https://example.com", nil)
	require.ErrorIs(t, err, capture.ErrDisabled)
}

var _ capture.Capturer = (*Capturer)(nil)
